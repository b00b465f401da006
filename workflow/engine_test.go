package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/ragflow/rag"
	"github.com/BaSui01/ragflow/types"
)

// --- test doubles ---

type fakeOracle struct {
	rewriteFn func(q string, hints []string) (string, error)
	needsFn   func(q string) (types.Decision, error)
	sourceFn  func(q string) (types.SourceKind, error)
	answerFn  func(ctx context.Context, q string, cc *types.CompiledContext) (string, error)
}

func (f *fakeOracle) Rewrite(_ context.Context, q string, hints []string) (string, error) {
	if f.rewriteFn != nil {
		return f.rewriteFn(q, hints)
	}
	return "rewritten: " + q, nil
}

func (f *fakeOracle) NeedsMoreInformation(_ context.Context, q string) (types.Decision, error) {
	if f.needsFn != nil {
		return f.needsFn(q)
	}
	return types.Decision{Yes: true, Reason: "needs evidence"}, nil
}

func (f *fakeOracle) ChooseSource(_ context.Context, q string) (types.SourceKind, error) {
	if f.sourceFn != nil {
		return f.sourceFn(q)
	}
	return types.SourceKnowledgeStore, nil
}

func (f *fakeOracle) Answer(ctx context.Context, q string, cc *types.CompiledContext) (string, error) {
	if f.answerFn != nil {
		return f.answerFn(ctx, q, cc)
	}
	return "generated answer", nil
}

type fakeRetriever struct {
	fn    func(q string, kind types.SourceKind) *types.RetrievalResult
	kinds []types.SourceKind // records requested kinds
	mu    sync.Mutex
}

func (f *fakeRetriever) Retrieve(_ context.Context, q string, kind types.SourceKind, _ types.KnowledgeMode) *types.RetrievalResult {
	f.mu.Lock()
	f.kinds = append(f.kinds, kind)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(q, kind)
	}
	return &types.RetrievalResult{
		SourceKind: kind,
		Items:      []types.ContextItem{{Text: "evidence", SourceID: "kb:1", Score: 0.9}},
	}
}

type fakeGrader struct {
	mu      sync.Mutex
	queue   []*types.GradingResult
	errs    []error
	graded  []float64
	fixedFn func(answer string) (*types.GradingResult, error)
}

func (f *fakeGrader) Grade(_ context.Context, _ string, _ *types.CompiledContext, answer string, _ types.SourceKind) (*types.GradingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fixedFn != nil {
		g, err := f.fixedFn(answer)
		if g != nil {
			f.graded = append(f.graded, g.Overall)
		}
		return g, err
	}
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if err != nil {
		return nil, err
	}
	var g *types.GradingResult
	if len(f.queue) > 0 {
		g, f.queue = f.queue[0], f.queue[1:]
	} else {
		g = goodGrade()
	}
	f.graded = append(f.graded, g.Overall)
	return g, nil
}

func goodGrade() *types.GradingResult {
	return &types.GradingResult{
		Relevancy: 0.9, Faithfulness: 0.9, ContextQuality: 0.85, Coherence: 0.9,
		Overall: 0.85, Recommendation: types.RecommendAccept,
	}
}

func poorGrade(reason string) *types.GradingResult {
	return &types.GradingResult{
		Relevancy: 0.6, Faithfulness: 0.5, ContextQuality: 0.3, Coherence: 0.7,
		Overall: 0.35, NeedsImprovement: true,
		ImprovementReason: reason,
		Recommendation:    types.RecommendRetryRetrieval,
	}
}

type recordingSink struct {
	mu        sync.Mutex
	snapshots []*types.WorkflowState
}

func (s *recordingSink) Put(snap *types.WorkflowState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
}

func (s *recordingSink) all() []*types.WorkflowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.WorkflowState(nil), s.snapshots...)
}

func newTestEngine(t *testing.T, cfg Config, o Oracle, r Retriever, g Grader, sink SnapshotSink) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, Dependencies{
		Oracle:    o,
		Retriever: r,
		Compiler:  rag.NewCompiler(rag.DefaultCompilerConfig(), nil),
		Grader:    g,
		Snapshots: sink,
	}, nil)
	require.NoError(t, err)
	return e
}

func nodesOf(st *types.WorkflowState) []types.NodeID {
	return st.VisitedNodes()
}

// --- construction ---

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(DefaultConfig(), Dependencies{}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
}

// --- S1 happy path ---

func TestRun_HappyPath(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, DefaultConfig(), &fakeOracle{}, &fakeRetriever{}, &fakeGrader{}, sink)

	final, err := e.Run(context.Background(), RunRequest{Query: "What is machine learning?"})
	require.NoError(t, err)
	require.NotNil(t, final)

	assert.GreaterOrEqual(t, final.Confidence, 0.7)
	assert.NotEmpty(t, final.Sources)
	assert.Equal(t, 1, final.Metadata[types.MetaQueryRewrites])
	assert.Equal(t, int(types.NodeAccept), final.Metadata[types.MetaCompletedAtNode])
	assert.Equal(t, string(types.SourceKnowledgeStore), final.Metadata[types.MetaRetrievalMethod])

	snaps := sink.all()
	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	assert.Equal(t, types.StatusAccepted, last.Status)
	assert.Equal(t,
		[]types.NodeID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
		nodesOf(last))
}

// --- S2 refinement loop ---

func TestRun_RefinementLoopFallsBackToBestCandidate(t *testing.T) {
	sink := &recordingSink{}
	retriever := &fakeRetriever{fn: func(string, types.SourceKind) *types.RetrievalResult {
		return &types.RetrievalResult{SourceKind: types.SourceKnowledgeStore} // empty
	}}
	grader := &fakeGrader{queue: []*types.GradingResult{
		poorGrade("context was empty"),
		poorGrade("context still empty"),
	}}
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	e := newTestEngine(t, cfg, &fakeOracle{}, retriever, grader, sink)

	final, err := e.Run(context.Background(), RunRequest{Query: "xyz nonsense"})
	require.NoError(t, err)
	require.NotNil(t, final)

	assert.InDelta(t, 0.35, final.Confidence, 1e-9)
	assert.Equal(t, true, final.Metadata[types.MetaDegraded])
	assert.Equal(t, int(types.NodeLoopback), final.Metadata[types.MetaCompletedAtNode])
	assert.Equal(t, 2, final.Metadata[types.MetaQueryRewrites])

	last := sink.all()[len(sink.all())-1]
	assert.Equal(t, types.StatusFallback, last.Status)
	assert.Equal(t, 1, last.RetryCount)
	assert.Len(t, last.Query.EnhancementHints, 1)
}

func TestRun_ExhaustedWhenNoAnswerEverGraded(t *testing.T) {
	oracle := &fakeOracle{answerFn: func(context.Context, string, *types.CompiledContext) (string, error) {
		return "", errors.New("generation failed")
	}}
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	e := newTestEngine(t, cfg, oracle, &fakeRetriever{}, &fakeGrader{}, &recordingSink{})

	final, err := e.Run(context.Background(), RunRequest{Query: "q"})
	require.Error(t, err)
	assert.Nil(t, final)
	assert.Equal(t, types.ErrWorkflowExhausted, types.GetErrorCode(err))
}

// --- S3 skip retrieval ---

func TestRun_SelfContainedQueryNeverRetrieves(t *testing.T) {
	sink := &recordingSink{}
	oracle := &fakeOracle{needsFn: func(string) (types.Decision, error) {
		return types.Decision{Yes: false, Reason: "self-contained"}, nil
	}}
	retriever := &fakeRetriever{}
	e := newTestEngine(t, DefaultConfig(), oracle, retriever, &fakeGrader{}, sink)

	final, err := e.Run(context.Background(), RunRequest{Query: "Say hello"})
	require.Error(t, err)
	assert.Nil(t, final)
	assert.Equal(t, types.ErrWorkflowExhausted, types.GetErrorCode(err))

	// Never reached the retrieval backend.
	assert.Empty(t, retriever.kinds)

	snaps := sink.all()
	last := snaps[len(snaps)-1]
	assert.Equal(t, types.StatusExhausted, last.Status)
	assert.Equal(t, 2, last.RetryCount)

	// First pass visits exactly start, rewrite, publish, decide, loopback.
	firstPass := nodesOf(last)[:5]
	assert.Equal(t, []types.NodeID{1, 2, 3, 4, 12}, firstPass)

	// Each loopback appended the fixed reformulation hint.
	require.Len(t, last.Query.EnhancementHints, 2)
	assert.Equal(t, needMoreInfoHint, last.Query.EnhancementHints[0])
}

// --- S4 web fallback ---

func TestRun_WebSourceRouted(t *testing.T) {
	oracle := &fakeOracle{sourceFn: func(string) (types.SourceKind, error) {
		return types.SourceWeb, nil
	}}
	retriever := &fakeRetriever{fn: func(_ string, kind types.SourceKind) *types.RetrievalResult {
		return &types.RetrievalResult{
			SourceKind: kind,
			Items:      []types.ContextItem{{Text: "news", SourceID: "https://news.example", Score: 0.8}},
		}
	}}
	e := newTestEngine(t, DefaultConfig(), oracle, retriever, &fakeGrader{}, &recordingSink{})

	final, err := e.Run(context.Background(), RunRequest{Query: "latest AI news in 2024"})
	require.NoError(t, err)
	assert.Equal(t, []types.SourceKind{types.SourceWeb}, retriever.kinds)
	assert.Equal(t, string(types.SourceWeb), final.Metadata[types.MetaRetrievalMethod])
	assert.Contains(t, final.Sources, "https://news.example")
}

// --- S5 backend timeout ---

type hangingBackend struct{ kind types.SourceKind }

func (h *hangingBackend) Kind() types.SourceKind { return h.kind }

func (h *hangingBackend) Retrieve(ctx context.Context, _ string, _ types.KnowledgeMode) (*types.RetrievalResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_BackendTimeoutRecoveredLocally(t *testing.T) {
	registry := rag.NewRegistry(20*time.Millisecond, nil,
		&hangingBackend{kind: types.SourceKnowledgeStore})
	grader := &fakeGrader{queue: []*types.GradingResult{
		poorGrade("no context"), poorGrade("no context"), poorGrade("no context"),
	}}
	sink := &recordingSink{}
	e := newTestEngine(t, DefaultConfig(), &fakeOracle{}, registry, grader, sink)

	final, err := e.Run(context.Background(), RunRequest{Query: "What is X?"})
	// The timeout never propagates; the run degrades to the best candidate.
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, true, final.Metadata[types.MetaDegraded])
	assert.Empty(t, final.Sources)
}

// --- S6 cancellation ---

func TestRun_CancellationProducesNoResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	oracle := &fakeOracle{answerFn: func(callCtx context.Context, _ string, _ *types.CompiledContext) (string, error) {
		cancel() // caller cancels while generation is in flight
		<-callCtx.Done()
		return "", callCtx.Err()
	}}
	sink := &recordingSink{}
	e := newTestEngine(t, DefaultConfig(), oracle, &fakeRetriever{}, &fakeGrader{}, sink)

	final, err := e.Run(ctx, RunRequest{Query: "q"})
	require.Error(t, err)
	assert.Nil(t, final)
	assert.Equal(t, types.ErrWorkflowCancelled, types.GetErrorCode(err))

	snaps := sink.all()
	assert.Equal(t, types.StatusCancelled, snaps[len(snaps)-1].Status)
}

func TestRun_WallClockEmitsBestCandidate(t *testing.T) {
	grader := &fakeGrader{fixedFn: func(string) (*types.GradingResult, error) {
		return poorGrade("keep trying"), nil
	}}
	oracle := &fakeOracle{answerFn: func(ctx context.Context, _ string, _ *types.CompiledContext) (string, error) {
		select {
		case <-time.After(30 * time.Millisecond):
			return "slow answer", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	cfg := DefaultConfig()
	cfg.MaxRetries = 10
	cfg.WallClockTimeout = 50 * time.Millisecond
	sink := &recordingSink{}
	e := newTestEngine(t, cfg, oracle, &fakeRetriever{}, grader, sink)

	final, err := e.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, "slow answer", final.Answer)
	assert.Equal(t, "wall clock timeout", final.Metadata[types.MetaDegradedReason])

	snaps := sink.all()
	assert.Equal(t, types.StatusFallback, snaps[len(snaps)-1].Status)
}

func TestRun_WallClockWithoutCandidateIsCancelled(t *testing.T) {
	oracle := &fakeOracle{rewriteFn: func(string, []string) (string, error) {
		time.Sleep(40 * time.Millisecond)
		return "slow rewrite", nil
	}}
	cfg := DefaultConfig()
	cfg.WallClockTimeout = 15 * time.Millisecond
	e := newTestEngine(t, cfg, oracle, &fakeRetriever{}, &fakeGrader{}, &recordingSink{})

	_, err := e.Run(context.Background(), RunRequest{Query: "q"})
	require.Error(t, err)
	assert.Equal(t, types.ErrWorkflowCancelled, types.GetErrorCode(err))
}

// --- conservative defaults ---

func TestRun_DecisionFailureDefaultsToRetrieval(t *testing.T) {
	oracle := &fakeOracle{needsFn: func(string) (types.Decision, error) {
		return types.Decision{}, types.NewError(types.ErrOracleParse, "garbled")
	}}
	retriever := &fakeRetriever{}
	e := newTestEngine(t, DefaultConfig(), oracle, retriever, &fakeGrader{}, &recordingSink{})

	final, err := e.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	// The YES default routed into retrieval.
	assert.NotEmpty(t, retriever.kinds)
	// The recovered failure is surfaced on the response metadata.
	assert.Equal(t, true, final.Metadata[types.MetaDegraded])
}

func TestRun_SourceFailureDefaultsToKnowledgeStore(t *testing.T) {
	oracle := &fakeOracle{sourceFn: func(string) (types.SourceKind, error) {
		return "", types.NewError(types.ErrOracleParse, "unknown tag")
	}}
	retriever := &fakeRetriever{}
	e := newTestEngine(t, DefaultConfig(), oracle, retriever, &fakeGrader{}, &recordingSink{})

	_, err := e.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, []types.SourceKind{types.SourceKnowledgeStore}, retriever.kinds)
}

func TestRun_GradeFailureCountsAgainstBudget(t *testing.T) {
	grader := &fakeGrader{errs: []error{
		types.NewError(types.ErrOracleTransport, "judge down"),
		nil,
	}, queue: []*types.GradingResult{goodGrade()}}
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	sink := &recordingSink{}
	e := newTestEngine(t, cfg, &fakeOracle{}, &fakeRetriever{}, grader, sink)

	final, err := e.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	require.NotNil(t, final)

	last := sink.all()[len(sink.all())-1]
	assert.Equal(t, types.StatusAccepted, last.Status)
	// The failed grading consumed one retry.
	assert.Equal(t, 1, last.RetryCount)
	assert.Equal(t, 2, final.Metadata[types.MetaQueryRewrites])
}

// --- best candidate selection ---

func TestRun_FallbackPicksHighestGradedAnswer(t *testing.T) {
	answers := []string{"answer one", "answer two", "answer three"}
	i := 0
	oracle := &fakeOracle{answerFn: func(context.Context, string, *types.CompiledContext) (string, error) {
		a := answers[i%len(answers)]
		i++
		return a, nil
	}}
	mk := func(overall float64) *types.GradingResult {
		g := poorGrade("weak")
		g.Overall = overall
		return g
	}
	grader := &fakeGrader{queue: []*types.GradingResult{mk(0.3), mk(0.6), mk(0.4)}}
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	e := newTestEngine(t, cfg, oracle, &fakeRetriever{}, grader, &recordingSink{})

	final, err := e.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "answer two", final.Answer)
	assert.InDelta(t, 0.6, final.Confidence, 1e-9)
	for _, observed := range grader.graded {
		assert.GreaterOrEqual(t, final.GradingScores.Overall, observed)
	}
}

// --- overrides and hints ---

func TestRun_PerRunOverrides(t *testing.T) {
	grader := &fakeGrader{fixedFn: func(string) (*types.GradingResult, error) {
		g := goodGrade()
		g.Overall = 0.75
		return g, nil
	}}
	threshold := 0.9
	maxRetries := 0
	e := newTestEngine(t, DefaultConfig(), &fakeOracle{}, &fakeRetriever{}, grader, &recordingSink{})

	// 0.75 fails a 0.9 threshold; zero retries means immediate fallback.
	final, err := e.Run(context.Background(), RunRequest{
		Query:               "q",
		QueryID:             "fixed-id",
		MaxRetries:          &maxRetries,
		AcceptanceThreshold: &threshold,
	})
	require.NoError(t, err)
	assert.Equal(t, int(types.NodeLoopback), final.Metadata[types.MetaCompletedAtNode])
}

func TestRun_HintsReachTheRewriter(t *testing.T) {
	var sawHints [][]string
	oracle := &fakeOracle{rewriteFn: func(q string, hints []string) (string, error) {
		sawHints = append(sawHints, append([]string(nil), hints...))
		return "rewritten", nil
	}}
	grader := &fakeGrader{queue: []*types.GradingResult{
		poorGrade("answer lacked specific details"),
		goodGrade(),
	}}
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	e := newTestEngine(t, cfg, oracle, &fakeRetriever{}, grader, &recordingSink{})

	_, err := e.Run(context.Background(), RunRequest{Query: "q"})
	require.NoError(t, err)
	require.Len(t, sawHints, 2)
	assert.Empty(t, sawHints[0])
	require.Len(t, sawHints[1], 1)
	assert.Contains(t, sawHints[1][0], "specific")
}

func TestRun_QueryMutationConfinedToRewriteNode(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, DefaultConfig(), &fakeOracle{}, &fakeRetriever{}, &fakeGrader{}, sink)

	_, err := e.Run(context.Background(), RunRequest{Query: "original question"})
	require.NoError(t, err)

	for _, snap := range sink.all() {
		assert.Equal(t, "original question", snap.Query.OriginalText)
		if snap.CurrentNode > types.NodeRewrite {
			assert.Equal(t, "rewritten: original question", snap.Query.CurrentText)
		}
	}
}
