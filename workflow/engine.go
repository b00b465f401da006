package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/internal/metrics"
	"github.com/BaSui01/ragflow/types"
)

// Workflow-local collaborator interfaces (avoid coupling to concrete
// adapters; anything satisfying these shapes plugs in).

// Oracle is the typed LLM surface the engine drives.
type Oracle interface {
	Rewrite(ctx context.Context, queryText string, hints []string) (string, error)
	NeedsMoreInformation(ctx context.Context, queryText string) (types.Decision, error)
	ChooseSource(ctx context.Context, queryText string) (types.SourceKind, error)
	Answer(ctx context.Context, queryText string, cc *types.CompiledContext) (string, error)
}

// Retriever is the backend façade. It never fails: errors are folded into the
// result's raw metadata.
type Retriever interface {
	Retrieve(ctx context.Context, queryText string, kind types.SourceKind, mode types.KnowledgeMode) *types.RetrievalResult
}

// ContextCompiler folds retrieval results into a compiled context.
type ContextCompiler interface {
	Compile(results ...*types.RetrievalResult) *types.CompiledContext
}

// Grader scores a generated answer against the rubric.
type Grader interface {
	Grade(ctx context.Context, queryText string, cc *types.CompiledContext, answer string, lastSource types.SourceKind) (*types.GradingResult, error)
}

// SnapshotSink receives a state snapshot after every transition.
type SnapshotSink interface {
	Put(snapshot *types.WorkflowState)
}

// Config bounds a run.
type Config struct {
	MaxRetries          int           `yaml:"max_retries" json:"max_retries"`
	AcceptanceThreshold float64       `yaml:"acceptance_threshold" json:"acceptance_threshold"`
	WallClockTimeout    time.Duration `yaml:"wall_clock_timeout" json:"wall_clock_timeout"`
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          2,
		AcceptanceThreshold: 0.7,
		WallClockTimeout:    300 * time.Second,
	}
}

// Dependencies are the injected collaborators. Oracle, Retriever, Compiler,
// and Grader are required; a nil Snapshots sink drops snapshots.
type Dependencies struct {
	Oracle    Oracle
	Retriever Retriever
	Compiler  ContextCompiler
	Grader    Grader
	Snapshots SnapshotSink
}

type dropSink struct{}

func (dropSink) Put(*types.WorkflowState) {}

// Engine executes workflow runs. It is stateless across runs and safe for
// concurrent use.
type Engine struct {
	cfg     Config
	deps    Dependencies
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Collector
}

// NewEngine validates the dependencies and builds an Engine.
func NewEngine(cfg Config, deps Dependencies, logger *zap.Logger) (*Engine, error) {
	if deps.Oracle == nil || deps.Retriever == nil || deps.Compiler == nil || deps.Grader == nil {
		return nil, types.NewError(types.ErrConfiguration, "engine requires oracle, retriever, compiler, and grader")
	}
	if deps.Snapshots == nil {
		deps.Snapshots = dropSink{}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.AcceptanceThreshold <= 0 || cfg.AcceptanceThreshold > 1 {
		cfg.AcceptanceThreshold = DefaultConfig().AcceptanceThreshold
	}
	if cfg.WallClockTimeout <= 0 {
		cfg.WallClockTimeout = DefaultConfig().WallClockTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("component", "workflow")),
		tracer: otel.Tracer("ragflow/workflow"),
	}, nil
}

// WithMetrics attaches a metrics collector.
func (e *Engine) WithMetrics(c *metrics.Collector) *Engine {
	e.metrics = c
	return e
}

// RunRequest parameterizes one run. A zero QueryID gets a generated UUID;
// nil overrides inherit the engine config.
type RunRequest struct {
	QueryID             string
	Query               string
	MaxRetries          *int
	AcceptanceThreshold *float64
}

// run carries per-run working data that never leaves the engine.
type run struct {
	state      *types.WorkflowState
	retrieved  *types.RetrievalResult
	loopOrigin types.NodeID // node that routed into the loopback
	recovered  []string     // degradations recovered during the run
	lastErr    error
}

// Run executes the state machine to a terminal node. It returns the final
// response, or an error of kind WorkflowCancelled or WorkflowExhausted.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*types.FinalResponse, error) {
	queryID := req.QueryID
	if queryID == "" {
		queryID = uuid.NewString()
	}
	maxRetries := e.cfg.MaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}
	threshold := e.cfg.AcceptanceThreshold
	if req.AcceptanceThreshold != nil {
		threshold = *req.AcceptanceThreshold
	}

	r := &run{
		state: &types.WorkflowState{
			QueryID:             queryID,
			Query:               types.NewQuery(req.Query),
			CurrentNode:         types.NodeStart,
			MaxRetries:          maxRetries,
			AcceptanceThreshold: threshold,
			StartedAt:           time.Now(),
			Status:              types.StatusRunning,
			Metadata:            map[string]any{},
		},
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.WallClockTimeout)
	defer cancel()

	logger := e.logger.With(zap.String("query_id", queryID))
	logger.Info("workflow started", zap.String("query", req.Query))

	e.publish(r)

	final, err := e.loop(runCtx, ctx, r, logger)

	if e.metrics != nil {
		e.metrics.RecordRun(string(r.state.Status), time.Since(r.state.StartedAt))
	}
	if err != nil {
		logger.Warn("workflow terminated with error", zap.Error(err))
	} else {
		logger.Info("workflow completed",
			zap.String("status", string(r.state.Status)),
			zap.Int("retries", r.state.RetryCount),
			zap.Float64("confidence", final.Confidence))
	}
	return final, err
}

// loop drives the node switch until a terminal state. parentCtx distinguishes
// caller cancellation from the wall-clock ceiling.
func (e *Engine) loop(ctx, parentCtx context.Context, r *run, logger *zap.Logger) (*types.FinalResponse, error) {
	st := r.state
	for {
		if ctx.Err() != nil {
			return e.interrupted(parentCtx, r, logger)
		}

		node := st.CurrentNode
		nodeCtx, span := e.tracer.Start(ctx, "workflow."+node.String())
		start := time.Now()
		final, err, done := e.step(nodeCtx, parentCtx, r, logger)
		span.End()
		if e.metrics != nil {
			e.metrics.RecordNodeDuration(node.String(), time.Since(start))
		}
		if done {
			return final, err
		}
	}
}

// step executes the current node once. done reports a terminal state.
func (e *Engine) step(ctx, parentCtx context.Context, r *run, logger *zap.Logger) (*types.FinalResponse, error, bool) {
	st := r.state
	switch st.CurrentNode {

	case types.NodeStart:
		e.transition(r, types.NodeRewrite, "")

	case types.NodeRewrite:
		rewritten, err := e.deps.Oracle.Rewrite(ctx, st.Query.OriginalText, st.Query.EnhancementHints)
		if ctx.Err() != nil {
			final, ferr := e.interrupted(parentCtx, r, logger)
			return final, ferr, true
		}
		if err != nil {
			// Recoverable: keep the current text and move on.
			e.recover(r, "rewrite", err, logger)
		} else {
			st.Query.CurrentText = rewritten
		}
		e.transition(r, types.NodePublishQuery, "")

	case types.NodePublishQuery:
		e.transition(r, types.NodeNeedMoreInfo, "")

	case types.NodeNeedMoreInfo:
		decision, err := e.deps.Oracle.NeedsMoreInformation(ctx, st.Query.CurrentText)
		if ctx.Err() != nil {
			final, ferr := e.interrupted(parentCtx, r, logger)
			return final, ferr, true
		}
		if err != nil {
			// Conservative default: assume retrieval is needed so the run
			// keeps making progress. Does not count against the retry budget.
			e.recover(r, "needs_more_information", err, logger)
			decision = types.Decision{Yes: true, Reason: "conservative default after oracle failure"}
		}
		if decision.Yes {
			e.transition(r, types.NodeChooseSource, decisionYes)
		} else {
			r.loopOrigin = types.NodeNeedMoreInfo
			e.transition(r, types.NodeLoopback, decisionNo)
		}

	case types.NodeChooseSource:
		kind, err := e.deps.Oracle.ChooseSource(ctx, st.Query.CurrentText)
		if ctx.Err() != nil {
			final, ferr := e.interrupted(parentCtx, r, logger)
			return final, ferr, true
		}
		if err != nil {
			// Unknown or unparseable tags default to the knowledge store. The
			// mode is not forced to hybrid; the store auto-detects it from the
			// query as on every pass.
			e.recover(r, "choose_source", err, logger)
			kind = types.SourceKnowledgeStore
		}
		st.LastSource = kind
		e.transition(r, types.NodeRetrieve, string(kind))

	case types.NodeRetrieve:
		r.retrieved = e.deps.Retriever.Retrieve(ctx, st.Query.CurrentText, st.LastSource, "")
		if ctx.Err() != nil {
			final, ferr := e.interrupted(parentCtx, r, logger)
			return final, ferr, true
		}
		if e.metrics != nil {
			status := "ok"
			if len(r.retrieved.Items) == 0 {
				status = "empty"
			}
			e.metrics.RecordRetrieval(string(st.LastSource), status)
		}
		e.transition(r, types.NodePublishContext, "")

	case types.NodePublishContext:
		st.Context = e.deps.Compiler.Compile(r.retrieved)
		e.transition(r, types.NodeEnhanceQuery, "")

	case types.NodeEnhanceQuery:
		st.Metadata["enhanced_query"] = enhancedQuery(st.Query.CurrentText, st.Context)
		e.transition(r, types.NodeGenerate, "")

	case types.NodeGenerate:
		answer, err := e.deps.Oracle.Answer(ctx, st.Query.CurrentText, st.Context)
		if ctx.Err() != nil {
			final, ferr := e.interrupted(parentCtx, r, logger)
			return final, ferr, true
		}
		if err != nil {
			e.recover(r, "answer", err, logger)
			answer = ""
		}
		st.Answer = answer
		e.transition(r, types.NodeGradeAnswer, "")

	case types.NodeGradeAnswer:
		var grading *types.GradingResult
		var err error
		if st.Answer != "" {
			grading, err = e.deps.Grader.Grade(ctx, st.Query.CurrentText, st.Context, st.Answer, st.LastSource)
			if ctx.Err() != nil {
				final, ferr := e.interrupted(parentCtx, r, logger)
				return final, ferr, true
			}
		}
		if err != nil || st.Answer == "" {
			// Conservative default: reject. This consumes retry budget.
			if err != nil {
				e.recover(r, "grade", err, logger)
			}
			st.Grading = nil
			r.loopOrigin = types.NodeGradeAnswer
			e.transition(r, types.NodeLoopback, decisionNo)
			break
		}
		st.Grading = grading
		if e.metrics != nil {
			e.metrics.RecordGrading(grading.Overall)
		}
		e.updateBest(r)
		// The run-level threshold decides acceptance so per-run overrides
		// take effect even though the grader carries its own default.
		if grading.Overall >= st.AcceptanceThreshold {
			e.transition(r, types.NodeAccept, decisionYes)
		} else {
			r.loopOrigin = types.NodeGradeAnswer
			e.transition(r, types.NodeLoopback, decisionNo)
		}

	case types.NodeAccept:
		final := e.acceptResponse(r)
		st.Status = types.StatusAccepted
		st.Final = final
		e.publish(r)
		return final, nil, true

	case types.NodeLoopback:
		if st.RetryCount < st.MaxRetries {
			e.loopback(r, logger)
			break
		}
		if st.Best == nil {
			st.Status = types.StatusExhausted
			e.publish(r)
			return nil, e.exhaustedError(r), true
		}
		final := e.fallbackResponse(r, "max retries reached without an acceptable answer")
		st.Status = types.StatusFallback
		st.Final = final
		e.publish(r)
		return final, nil, true

	default:
		// Unreachable by construction.
		return nil, types.NewError(types.ErrWorkflowExhausted,
			fmt.Sprintf("illegal node %d", st.CurrentNode)), true
	}
	return nil, nil, false
}

// transition records the edge traversal, advances the node, and publishes a
// snapshot for the visit. Entries into the two terminal-capable nodes are
// published by their node bodies instead, so that every node visit yields
// exactly one snapshot and it carries the node's completed state. The
// loopback re-entry to the rewrite node is likewise published by loopback.
func (e *Engine) transition(r *run, to types.NodeID, decision string) {
	from := r.state.CurrentNode
	r.state.History = append(r.state.History, types.NodeTransition{
		FromNode:  from,
		ToNode:    to,
		Decision:  decision,
		Timestamp: time.Now(),
	})
	r.state.CurrentNode = to
	if e.metrics != nil {
		e.metrics.RecordTransition(from.String(), to.String())
	}
	if to != types.NodeAccept && to != types.NodeLoopback {
		e.publish(r)
	}
}

// loopback increments the retry counter, appends the enhancement hint, resets
// the per-iteration working set, and re-enters the rewrite node. The ledger
// already carries the entry into the loopback node with its decision; the
// re-entry is visible through the snapshot with the incremented counter.
func (e *Engine) loopback(r *run, logger *zap.Logger) {
	st := r.state
	st.RetryCount++
	if e.metrics != nil {
		e.metrics.RecordRetry()
	}

	var hint string
	if r.loopOrigin == types.NodeNeedMoreInfo {
		hint = needMoreInfoHint
	} else {
		reason := ""
		if st.Grading != nil {
			reason = st.Grading.ImprovementReason
		}
		hint = hintFromImprovement(reason)
	}
	st.Query.EnhancementHints = append(st.Query.EnhancementHints, hint)

	logger.Info("looping back",
		zap.Int("retry", st.RetryCount),
		zap.Int("max_retries", st.MaxRetries),
		zap.String("hint", hint))

	// The loopback node's own snapshot, with the incremented counter and the
	// appended hint.
	e.publish(r)

	// Reset the per-iteration working set; the best candidate survives.
	st.Query.CurrentText = st.Query.OriginalText
	st.LastSource = ""
	st.Context = nil
	st.Answer = ""
	st.Grading = nil
	r.retrieved = nil
	r.loopOrigin = 0

	st.CurrentNode = types.NodeRewrite
	e.publish(r)
}

// updateBest retains the highest-overall-graded answer seen so far.
func (e *Engine) updateBest(r *run) {
	st := r.state
	if st.Answer == "" || st.Grading == nil {
		return
	}
	if st.Best != nil && st.Grading.Overall <= st.Best.Grading.Overall {
		return
	}
	st.Best = &types.Candidate{
		Answer:  st.Answer,
		Grading: st.Grading.Clone(),
		Sources: st.Context.SourceIDs(),
		Source:  st.LastSource,
	}
}

// interrupted handles cancellation and the wall-clock ceiling. Caller
// cancellation never produces a response; a wall-clock expiry emits the best
// candidate when one exists.
func (e *Engine) interrupted(parentCtx context.Context, r *run, logger *zap.Logger) (*types.FinalResponse, error) {
	st := r.state
	if parentCtx.Err() == nil && st.Best != nil {
		// Wall clock crossed but the caller is still there: degrade to the
		// best candidate.
		logger.Warn("wall clock exceeded, emitting best candidate")
		final := e.fallbackResponse(r, "wall clock timeout")
		st.Status = types.StatusFallback
		st.Final = final
		e.publish(r)
		return final, nil
	}

	st.Status = types.StatusCancelled
	e.publish(r)

	msg := "workflow cancelled"
	if parentCtx.Err() == nil {
		msg = "workflow wall clock exceeded"
	}
	logger.Warn(msg)
	return nil, types.NewError(types.ErrWorkflowCancelled, msg)
}

func (e *Engine) acceptResponse(r *run) *types.FinalResponse {
	st := r.state
	final := &types.FinalResponse{
		Answer:     st.Answer,
		Confidence: st.Grading.Overall,
		Sources:    st.Context.SourceIDs(),
		Metadata: map[string]any{
			types.MetaRetrievalMethod: string(st.LastSource),
			types.MetaQueryRewrites:   st.RetryCount + 1,
			types.MetaCompletedAtNode: int(types.NodeAccept),
		},
		GradingScores: st.Grading.Clone(),
	}
	e.noteDegradation(r, final)
	return final
}

func (e *Engine) fallbackResponse(r *run, reason string) *types.FinalResponse {
	st := r.state
	best := st.Best
	final := &types.FinalResponse{
		Answer:     best.Answer,
		Confidence: best.Grading.Overall,
		Sources:    append([]string(nil), best.Sources...),
		Metadata: map[string]any{
			types.MetaRetrievalMethod: string(best.Source),
			types.MetaQueryRewrites:   st.RetryCount + 1,
			types.MetaCompletedAtNode: int(types.NodeLoopback),
			types.MetaDegraded:        true,
			types.MetaDegradedReason:  reason,
		},
		GradingScores: best.Grading.Clone(),
	}
	e.noteDegradation(r, final)
	return final
}

// noteDegradation surfaces recovered failures on the final response metadata.
func (e *Engine) noteDegradation(r *run, final *types.FinalResponse) {
	if len(r.recovered) == 0 {
		return
	}
	final.Metadata[types.MetaDegraded] = true
	final.Metadata["recovered_failures"] = append([]string(nil), r.recovered...)
}

// recover records a locally-recovered failure in the run metadata and the
// snapshot, per the conservative-default policy.
func (e *Engine) recover(r *run, op string, err error, logger *zap.Logger) {
	entry := op + ": " + err.Error()
	r.recovered = append(r.recovered, entry)
	r.lastErr = err
	r.state.Metadata["last_recovered_failure"] = entry
	logger.Warn("recovered oracle failure, applying conservative default",
		zap.String("op", op),
		zap.Error(err))
}

func (e *Engine) exhaustedError(r *run) error {
	err := types.NewError(types.ErrWorkflowExhausted,
		"retries exhausted without any gradable answer")
	if r.lastErr != nil {
		err = err.WithCause(r.lastErr)
	}
	return err
}

// publish clones the state and hands it to the snapshot sink.
func (e *Engine) publish(r *run) {
	e.deps.Snapshots.Put(r.state.Clone())
}

// enhancedQuery is the context-enriched prompt form published at the
// enhance-query node.
func enhancedQuery(queryText string, cc *types.CompiledContext) string {
	rendered := cc.Render()
	if rendered == "" {
		return queryText
	}
	return "Query: " + queryText + "\n\nAvailable context:\n" + rendered
}
