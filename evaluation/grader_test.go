package evaluation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/ragflow/types"
)

type stubOracle struct {
	result *types.GradingResult
	err    error
}

func (s *stubOracle) Grade(context.Context, string, *types.CompiledContext, string) (*types.GradingResult, error) {
	return s.result, s.err
}

func grade(t *testing.T, raw *types.GradingResult, lastSource types.SourceKind) *types.GradingResult {
	t.Helper()
	g := NewGrader(&stubOracle{result: raw}, 0.7, nil)
	out, err := g.Grade(context.Background(), "q", &types.CompiledContext{}, "answer", lastSource)
	require.NoError(t, err)
	return out
}

func TestGrade_AcceptAboveThreshold(t *testing.T) {
	out := grade(t, &types.GradingResult{
		Relevancy: 0.9, Faithfulness: 0.9, ContextQuality: 0.8, Coherence: 0.9,
	}, types.SourceKnowledgeStore)

	assert.False(t, out.NeedsImprovement)
	assert.Equal(t, types.RecommendAccept, out.Recommendation)
	assert.GreaterOrEqual(t, out.Overall, 0.7)
}

func TestGrade_OverallBoundedByMinAxis(t *testing.T) {
	out := grade(t, &types.GradingResult{
		Relevancy: 1.0, Faithfulness: 1.0, ContextQuality: 0.2, Coherence: 1.0,
	}, types.SourceKnowledgeStore)

	_, minScore := out.MinAxis()
	assert.LessOrEqual(t, out.Overall, minScore+0.1+1e-9)
	assert.True(t, out.NeedsImprovement)
}

func TestGrade_ModelOverallIsIgnored(t *testing.T) {
	out := grade(t, &types.GradingResult{
		Relevancy: 0.2, Faithfulness: 0.2, ContextQuality: 0.2, Coherence: 0.2,
		Overall: 0.99, // the model flatters itself
	}, types.SourceKnowledgeStore)

	assert.LessOrEqual(t, out.Overall, 0.3)
	assert.True(t, out.NeedsImprovement)
}

func TestGrade_RecommendationFromLowestAxis(t *testing.T) {
	tests := []struct {
		name       string
		raw        types.GradingResult
		lastSource types.SourceKind
		want       types.Recommendation
	}{
		{
			name:       "low context quality after knowledge store retries retrieval",
			raw:        types.GradingResult{Relevancy: 0.8, Faithfulness: 0.8, ContextQuality: 0.2, Coherence: 0.8},
			lastSource: types.SourceKnowledgeStore,
			want:       types.RecommendRetryRetrieval,
		},
		{
			name:       "low context quality after web routes to web search",
			raw:        types.GradingResult{Relevancy: 0.8, Faithfulness: 0.8, ContextQuality: 0.2, Coherence: 0.8},
			lastSource: types.SourceWeb,
			want:       types.RecommendWebSearch,
		},
		{
			name:       "low relevancy clarifies the query",
			raw:        types.GradingResult{Relevancy: 0.1, Faithfulness: 0.8, ContextQuality: 0.8, Coherence: 0.8},
			lastSource: types.SourceKnowledgeStore,
			want:       types.RecommendClarifyQuery,
		},
		{
			name:       "low faithfulness retries retrieval",
			raw:        types.GradingResult{Relevancy: 0.8, Faithfulness: 0.1, ContextQuality: 0.8, Coherence: 0.8},
			lastSource: types.SourceWeb,
			want:       types.RecommendRetryRetrieval,
		},
		{
			name:       "low coherence clarifies the query",
			raw:        types.GradingResult{Relevancy: 0.8, Faithfulness: 0.8, ContextQuality: 0.8, Coherence: 0.1},
			lastSource: types.SourceKnowledgeStore,
			want:       types.RecommendClarifyQuery,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := grade(t, &tt.raw, tt.lastSource)
			assert.Equal(t, tt.want, out.Recommendation)
		})
	}
}

func TestGrade_SynthesizesImprovementReason(t *testing.T) {
	out := grade(t, &types.GradingResult{
		Relevancy: 0.8, Faithfulness: 0.8, ContextQuality: 0.1, Coherence: 0.8,
	}, types.SourceKnowledgeStore)

	assert.Contains(t, out.ImprovementReason, types.AxisContextQuality)
}

func TestGrade_PreservesModelImprovementReason(t *testing.T) {
	out := grade(t, &types.GradingResult{
		Relevancy: 0.2, Faithfulness: 0.8, ContextQuality: 0.8, Coherence: 0.8,
		ImprovementReason: "answer drifts off-topic",
	}, types.SourceKnowledgeStore)

	assert.Equal(t, "answer drifts off-topic", out.ImprovementReason)
}

func TestGrade_OracleErrorPropagates(t *testing.T) {
	g := NewGrader(&stubOracle{err: errors.New("boom")}, 0.7, nil)
	_, err := g.Grade(context.Background(), "q", &types.CompiledContext{}, "a", types.SourceWeb)
	require.Error(t, err)
}

func TestGrade_DoesNotMutateRawResult(t *testing.T) {
	raw := &types.GradingResult{Relevancy: 0.9, Faithfulness: 0.9, ContextQuality: 0.9, Coherence: 0.9}
	g := NewGrader(&stubOracle{result: raw}, 0.7, nil)
	_, err := g.Grade(context.Background(), "q", &types.CompiledContext{}, "a", types.SourceWeb)
	require.NoError(t, err)
	assert.Zero(t, raw.Overall)
}
