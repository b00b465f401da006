// Package oracle adapts an llm.Provider into the typed operations the
// workflow engine consumes: query rewriting, routing decisions, answer
// generation, and grading. Transport failures are retried internally with
// exponential backoff; parse failures are returned to the caller untouched,
// because the engine owns the conservative-default policy.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/ragflow/llm"
	"github.com/BaSui01/ragflow/llm/retry"
	"github.com/BaSui01/ragflow/types"
)

// Config configures the adapter.
type Config struct {
	Model             string        `yaml:"model" json:"model"`
	Temperature       float64       `yaml:"temperature" json:"temperature"`
	MaxTokens         int           `yaml:"max_tokens" json:"max_tokens"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"` // 0 disables client-side limiting
}

// DefaultConfig keeps routing decisions stable with a low temperature.
func DefaultConfig() Config {
	return Config{
		Model:       "gpt-4o-mini",
		Temperature: 0.3,
		MaxTokens:   500,
		Timeout:     60 * time.Second,
		MaxAttempts: 3,
	}
}

// Adapter issues typed prompts to the provider and parses structured replies.
// It holds no per-call state and is safe for concurrent use.
type Adapter struct {
	provider llm.Provider
	cfg      Config
	retryer  retry.Retryer
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewAdapter builds an Adapter around the given provider.
func NewAdapter(provider llm.Provider, cfg Config, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxAttempts - 1
	policy.RetryIf = types.IsRetryable

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Adapter{
		provider: provider,
		cfg:      cfg,
		retryer:  retry.NewBackoffRetryer(policy, logger),
		limiter:  limiter,
		logger:   logger.With(zap.String("component", "oracle")),
	}
}

// Rewrite canonicalizes and clarifies a query, optionally incorporating
// reformulation hints from earlier loopbacks.
func (a *Adapter) Rewrite(ctx context.Context, queryText string, hints []string) (string, error) {
	user := "Original query: " + queryText
	if len(hints) > 0 {
		user += "\n\nReformulation hints from earlier attempts:\n- " + strings.Join(hints, "\n- ")
	}
	raw, err := a.complete(ctx, "rewrite", rewriteSystemPrompt, user)
	if err != nil {
		return "", err
	}
	return parseRewrite(raw)
}

// NeedsMoreInformation returns the binary retrieval-need decision.
func (a *Adapter) NeedsMoreInformation(ctx context.Context, queryText string) (types.Decision, error) {
	raw, err := a.complete(ctx, "needs_more_information", needsInfoSystemPrompt, "Query: "+queryText)
	if err != nil {
		return types.Decision{}, err
	}
	return parseDecision(raw)
}

// ChooseSource routes the query to exactly one source kind.
func (a *Adapter) ChooseSource(ctx context.Context, queryText string) (types.SourceKind, error) {
	raw, err := a.complete(ctx, "choose_source", chooseSourceSystemPrompt, "Query: "+queryText)
	if err != nil {
		return "", err
	}
	return parseSource(raw)
}

// Answer generates a response grounded in the compiled context. An empty
// context is valid; the prompt says so and the grader will typically reject.
func (a *Adapter) Answer(ctx context.Context, queryText string, cc *types.CompiledContext) (string, error) {
	rendered := cc.Render()
	if rendered == "" {
		rendered = "(no context retrieved)"
	}
	user := fmt.Sprintf("CONTEXT:\n%s\n\nUSER QUESTION:\n%s\n\nGenerate your response now.", rendered, queryText)
	raw, err := a.complete(ctx, "answer", answerSystemPrompt, user)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

// Grade scores an answer against the rubric. The evaluation package derives
// the acceptance fields; this returns the model's raw axis scores.
func (a *Adapter) Grade(ctx context.Context, queryText string, cc *types.CompiledContext, answer string) (*types.GradingResult, error) {
	rendered := cc.Render()
	if rendered == "" {
		rendered = "(no context retrieved)"
	}
	user := fmt.Sprintf("QUERY: %s\n\nCONTEXT PROVIDED:\n%s\n\nGENERATED RESPONSE:\n%s\n\nGrade this response on the specified criteria.",
		queryText, rendered, answer)
	raw, err := a.complete(ctx, "grade", gradeSystemPrompt, user)
	if err != nil {
		return nil, err
	}
	return parseGrading(raw)
}

// complete runs one prompt through the provider with rate limiting, timeout,
// and transport-error retry.
func (a *Adapter) complete(ctx context.Context, op, system, user string) (string, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", llm.TransportError(a.provider.Name(), err)
		}
	}

	start := time.Now()
	result, err := a.retryer.DoWithResult(ctx, func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		resp, err := a.provider.Completion(callCtx, &llm.ChatRequest{
			Model: a.cfg.Model,
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: system},
				{Role: llm.RoleUser, Content: user},
			},
			Temperature: float32(a.cfg.Temperature),
			MaxTokens:   a.cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		if resp.Text() == "" {
			return nil, llm.TransportError(a.provider.Name(), fmt.Errorf("empty completion"))
		}
		return resp.Text(), nil
	})
	if err != nil {
		a.logger.Warn("oracle call failed",
			zap.String("op", op),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return "", err
	}

	a.logger.Debug("oracle call completed",
		zap.String("op", op),
		zap.Duration("duration", time.Since(start)))
	return result.(string), nil
}
