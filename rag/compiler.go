package rag

import (
	"sort"

	"github.com/BaSui01/ragflow/types"
)

// CompilerConfig bounds the compiled context. Whichever limit binds first
// truncates the ranked list; the ranked prefix is always preserved.
type CompilerConfig struct {
	MaxItems  int `yaml:"max_items" json:"max_items"`   // default 12
	MaxChars  int `yaml:"max_chars" json:"max_chars"`   // default 8000
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"` // 0 disables token budgeting
}

// DefaultCompilerConfig returns the standard budget.
func DefaultCompilerConfig() CompilerConfig {
	return CompilerConfig{MaxItems: 12, MaxChars: 8000}
}

// TokenCounter counts tokens for budget enforcement. Optional; without one
// the compiler budgets by characters only.
type TokenCounter interface {
	Count(text string) int
}

// Compiler merges retrieval results into a single ranked, attributed bundle.
// It is pure: no I/O, no time dependence.
type Compiler struct {
	cfg     CompilerConfig
	counter TokenCounter
}

// NewCompiler builds a Compiler. A nil counter disables token budgeting even
// when MaxTokens is set.
func NewCompiler(cfg CompilerConfig, counter TokenCounter) *Compiler {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 12
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 8000
	}
	return &Compiler{cfg: cfg, counter: counter}
}

type rankedItem struct {
	item types.ContextItem
	kind types.SourceKind
	idx  int // insertion order, final tie-breaker
}

// Compile deduplicates by (source_kind, source_id) keeping the higher score,
// ranks by score then source-kind priority then insertion order, and
// truncates to the configured budget. Attribution is never fused away: every
// retained item keeps its source identifier.
func (c *Compiler) Compile(results ...*types.RetrievalResult) *types.CompiledContext {
	byKey := make(map[dedupKey]int)
	var ranked []rankedItem

	idx := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		for _, item := range r.Items {
			if item.Text == "" {
				continue
			}
			key := dedupKey{kind: r.SourceKind, sourceID: item.SourceID}
			if at, seen := byKey[key]; seen {
				if item.Score > ranked[at].item.Score {
					// Keep the earlier insertion slot so ties stay stable.
					ranked[at].item.Score = item.Score
					ranked[at].item.Text = item.Text
				}
				continue
			}
			byKey[key] = len(ranked)
			ranked = append(ranked, rankedItem{item: item, kind: r.SourceKind, idx: idx})
			idx++
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].item.Score != ranked[j].item.Score {
			return ranked[i].item.Score > ranked[j].item.Score
		}
		if ranked[i].kind.Priority() != ranked[j].kind.Priority() {
			return ranked[i].kind.Priority() > ranked[j].kind.Priority()
		}
		return ranked[i].idx < ranked[j].idx
	})

	out := &types.CompiledContext{SourceMix: make(map[types.SourceKind]int)}
	chars, tokens := 0, 0
	for _, r := range ranked {
		if len(out.OrderedItems) >= c.cfg.MaxItems {
			break
		}
		if chars+len(r.item.Text) > c.cfg.MaxChars {
			break
		}
		if c.cfg.MaxTokens > 0 && c.counter != nil {
			n := c.counter.Count(r.item.Text)
			if tokens+n > c.cfg.MaxTokens {
				break
			}
			tokens += n
		}
		chars += len(r.item.Text)
		out.OrderedItems = append(out.OrderedItems, r.item)
		out.SourceMix[r.kind]++
	}
	return out
}

type dedupKey struct {
	kind     types.SourceKind
	sourceID string
}
