// Package evaluation wraps the oracle's grading operation and enforces the
// rubric contract: weighted aggregation bounded by the weakest axis, the
// acceptance threshold, and the recommendation derivation.
package evaluation

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/types"
)

// Oracle is the grading operation the Grader wraps.
type Oracle interface {
	Grade(ctx context.Context, queryText string, cc *types.CompiledContext, answer string) (*types.GradingResult, error)
}

// Weights aggregates the four rubric axes into the overall score.
type Weights struct {
	Relevancy      float64
	Faithfulness   float64
	ContextQuality float64
	Coherence      float64
}

// DefaultWeights favor relevancy and faithfulness.
func DefaultWeights() Weights {
	return Weights{Relevancy: 0.3, Faithfulness: 0.3, ContextQuality: 0.2, Coherence: 0.2}
}

// Grader produces the final rubric score for a generated answer.
type Grader struct {
	oracle    Oracle
	threshold float64
	weights   Weights
	logger    *zap.Logger
}

// NewGrader builds a Grader. threshold outside (0,1] falls back to 0.7.
func NewGrader(oracle Oracle, threshold float64, logger *zap.Logger) *Grader {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.7
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Grader{
		oracle:    oracle,
		threshold: threshold,
		weights:   DefaultWeights(),
		logger:    logger.With(zap.String("component", "grader")),
	}
}

// Grade scores the answer. The model supplies the four axis scores and the
// improvement reason; everything derived — overall, needs_improvement, and
// the recommendation — is recomputed here so the contract holds regardless of
// what the model claimed. lastSource steers the recommendation when context
// quality is the weakest axis.
func (g *Grader) Grade(ctx context.Context, queryText string, cc *types.CompiledContext, answer string, lastSource types.SourceKind) (*types.GradingResult, error) {
	raw, err := g.oracle.Grade(ctx, queryText, cc, answer)
	if err != nil {
		return nil, err
	}

	result := raw.Clone()
	result.Overall = g.overall(result)
	result.NeedsImprovement = result.Overall < g.threshold
	result.Recommendation = g.recommend(result, lastSource)

	if result.NeedsImprovement && result.ImprovementReason == "" {
		axis, _ := result.MinAxis()
		result.ImprovementReason = "low " + axis + " score"
	}

	g.logger.Info("answer graded",
		zap.Float64("overall", result.Overall),
		zap.Bool("needs_improvement", result.NeedsImprovement),
		zap.String("recommendation", string(result.Recommendation)))
	return result, nil
}

// overall is the weighted mean, capped at min(axes) + 0.1 so a single weak
// axis cannot be averaged away.
func (g *Grader) overall(r *types.GradingResult) float64 {
	w := g.weights
	mean := r.Relevancy*w.Relevancy + r.Faithfulness*w.Faithfulness +
		r.ContextQuality*w.ContextQuality + r.Coherence*w.Coherence
	_, minScore := r.MinAxis()
	if mean > minScore+0.1 {
		mean = minScore + 0.1
	}
	if mean < 0 {
		return 0
	}
	if mean > 1 {
		return 1
	}
	return mean
}

func (g *Grader) recommend(r *types.GradingResult, lastSource types.SourceKind) types.Recommendation {
	if !r.NeedsImprovement {
		return types.RecommendAccept
	}
	switch axis, _ := r.MinAxis(); axis {
	case types.AxisContextQuality:
		if lastSource == types.SourceKnowledgeStore {
			return types.RecommendRetryRetrieval
		}
		return types.RecommendWebSearch
	case types.AxisRelevancy:
		return types.RecommendClarifyQuery
	case types.AxisFaithfulness:
		return types.RecommendRetryRetrieval
	default:
		// Coherence is a generation defect, not an evidence defect; a
		// reformulated query drives the regeneration.
		return types.RecommendClarifyQuery
	}
}

// Threshold returns the configured acceptance threshold.
func (g *Grader) Threshold() float64 { return g.threshold }
