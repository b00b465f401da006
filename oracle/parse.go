package oracle

import (
	"encoding/json"
	"strings"

	"github.com/BaSui01/ragflow/types"
)

// extractJSON pulls the outermost JSON object from a model reply, tolerating
// surrounding prose or code fences.
func extractJSON(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func parseError(op string, cause error) error {
	return types.NewError(types.ErrOracleParse, "unparseable oracle reply for "+op).WithCause(cause)
}

func parseErrorMsg(op, msg string) error {
	return types.NewError(types.ErrOracleParse, "unparseable oracle reply for "+op+": "+msg)
}

func parseRewrite(raw string) (string, error) {
	blob, ok := extractJSON(raw)
	if !ok {
		return "", parseErrorMsg("rewrite", "no JSON object in reply")
	}
	var out struct {
		RewrittenQuery string `json:"rewritten_query"`
		Reasoning      string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(blob), &out); err != nil {
		return "", parseError("rewrite", err)
	}
	if strings.TrimSpace(out.RewrittenQuery) == "" {
		return "", parseErrorMsg("rewrite", "empty rewritten_query")
	}
	return strings.TrimSpace(out.RewrittenQuery), nil
}

func parseDecision(raw string) (types.Decision, error) {
	blob, ok := extractJSON(raw)
	if !ok {
		return types.Decision{}, parseErrorMsg("decision", "no JSON object in reply")
	}
	var out struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(blob), &out); err != nil {
		return types.Decision{}, parseError("decision", err)
	}
	switch strings.ToUpper(strings.TrimSpace(out.Decision)) {
	case "YES":
		return types.Decision{Yes: true, Reason: out.Reason}, nil
	case "NO":
		return types.Decision{Yes: false, Reason: out.Reason}, nil
	}
	return types.Decision{}, parseErrorMsg("decision", "decision tag is neither YES nor NO")
}

func parseSource(raw string) (types.SourceKind, error) {
	blob, ok := extractJSON(raw)
	if !ok {
		return "", parseErrorMsg("choose_source", "no JSON object in reply")
	}
	var out struct {
		Source string `json:"source"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(blob), &out); err != nil {
		return "", parseError("choose_source", err)
	}
	kind, ok := types.ParseSourceKind(out.Source)
	if !ok {
		return "", parseErrorMsg("choose_source", "unknown source tag "+out.Source)
	}
	return kind, nil
}

func parseGrading(raw string) (*types.GradingResult, error) {
	blob, ok := extractJSON(raw)
	if !ok {
		return nil, parseErrorMsg("grade", "no JSON object in reply")
	}
	var out struct {
		Relevancy         float64 `json:"relevancy_score"`
		Faithfulness      float64 `json:"faithfulness_score"`
		ContextQuality    float64 `json:"context_quality_score"`
		Coherence         float64 `json:"coherence_score"`
		Overall           float64 `json:"overall_score"`
		NeedsImprovement  bool    `json:"needs_improvement"`
		ImprovementReason string  `json:"improvement_reason"`
		Recommendation    string  `json:"recommendation"`
	}
	if err := json.Unmarshal([]byte(blob), &out); err != nil {
		return nil, parseError("grade", err)
	}
	return &types.GradingResult{
		Relevancy:         clamp01(out.Relevancy),
		Faithfulness:      clamp01(out.Faithfulness),
		ContextQuality:    clamp01(out.ContextQuality),
		Coherence:         clamp01(out.Coherence),
		Overall:           clamp01(out.Overall),
		NeedsImprovement:  out.NeedsImprovement,
		ImprovementReason: out.ImprovementReason,
		Recommendation:    types.Recommendation(out.Recommendation),
	}, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
