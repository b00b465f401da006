package rag

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/BaSui01/ragflow/types"
)

var kindGen = rapid.SampledFrom([]types.SourceKind{
	types.SourceKnowledgeStore, types.SourceWeb, types.SourceToolAPI,
})

func genResults(t *rapid.T) []*types.RetrievalResult {
	n := rapid.IntRange(0, 6).Draw(t, "results")
	results := make([]*types.RetrievalResult, 0, n)
	for i := 0; i < n; i++ {
		kind := kindGen.Draw(t, "kind")
		m := rapid.IntRange(0, 8).Draw(t, "items")
		r := &types.RetrievalResult{SourceKind: kind}
		for j := 0; j < m; j++ {
			r.Items = append(r.Items, types.ContextItem{
				Text:     rapid.StringMatching(`[a-z ]{1,40}`).Draw(t, "text"),
				SourceID: rapid.StringMatching(`id[0-9]{1,2}`).Draw(t, "source_id"),
				Score:    rapid.Float64Range(0, 1).Draw(t, "score"),
			})
		}
		results = append(results, r)
	}
	return results
}

// No two retained items share (source_kind, source_id): the retained count
// can never exceed the number of distinct pairs in the input.
func TestCompileProperty_DeduplicationLaw(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewCompiler(DefaultCompilerConfig(), nil)
		results := genResults(t)
		cc := c.Compile(results...)

		distinct := map[[2]string]bool{}
		for _, r := range results {
			for _, it := range r.Items {
				if it.Text == "" {
					continue
				}
				distinct[[2]string{string(r.SourceKind), it.SourceID}] = true
			}
		}
		if len(cc.OrderedItems) > len(distinct) {
			t.Fatalf("retained %d items but only %d distinct (kind, id) pairs exist",
				len(cc.OrderedItems), len(distinct))
		}

		// Within a single-kind input the law is exact: no duplicate IDs at all.
		for _, r := range results {
			solo := c.Compile(r)
			seen := map[string]bool{}
			for _, it := range solo.OrderedItems {
				if seen[it.SourceID] {
					t.Fatalf("duplicate (kind, id) retained: (%s, %s)", r.SourceKind, it.SourceID)
				}
				seen[it.SourceID] = true
			}
		}
	})
}

// The retained list is ordered by score descending and never exceeds the
// configured budgets.
func TestCompileProperty_RankingAndBudget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := CompilerConfig{
			MaxItems: rapid.IntRange(1, 15).Draw(t, "max_items"),
			MaxChars: rapid.IntRange(10, 2000).Draw(t, "max_chars"),
		}
		c := NewCompiler(cfg, nil)
		cc := c.Compile(genResults(t)...)

		if len(cc.OrderedItems) > cfg.MaxItems {
			t.Fatalf("item budget exceeded: %d > %d", len(cc.OrderedItems), cfg.MaxItems)
		}
		chars := 0
		for _, it := range cc.OrderedItems {
			chars += len(it.Text)
		}
		if chars > cfg.MaxChars {
			t.Fatalf("char budget exceeded: %d > %d", chars, cfg.MaxChars)
		}
		for i := 1; i < len(cc.OrderedItems); i++ {
			if cc.OrderedItems[i].Score > cc.OrderedItems[i-1].Score {
				t.Fatalf("ranking violated at %d: %f > %f",
					i, cc.OrderedItems[i].Score, cc.OrderedItems[i-1].Score)
			}
		}
	})
}

// Compilation is deterministic: same input, same output.
func TestCompileProperty_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewCompiler(DefaultCompilerConfig(), nil)
		results := genResults(t)

		a := c.Compile(results...)
		b := c.Compile(results...)
		if len(a.OrderedItems) != len(b.OrderedItems) {
			t.Fatalf("non-deterministic length: %d vs %d", len(a.OrderedItems), len(b.OrderedItems))
		}
		for i := range a.OrderedItems {
			if a.OrderedItems[i].SourceID != b.OrderedItems[i].SourceID {
				t.Fatalf("non-deterministic order at %d", i)
			}
		}
	})
}
