// Package ragflow provides the top-level entry point for the agentic RAG
// orchestrator: wire a configuration and an LLM provider into a Client, then
// drive queries through the twelve-node workflow.
//
//	cfg := config.DefaultConfig()
//	cfg.Retrieval.KnowledgeStoreURL = "http://localhost:9621"
//	client, err := ragflow.New(cfg, openai.New(openai.DefaultConfig(apiKey)))
//	resp, err := client.ProcessQuery(ctx, "What is machine learning?")
package ragflow

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/config"
	"github.com/BaSui01/ragflow/evaluation"
	"github.com/BaSui01/ragflow/internal/metrics"
	"github.com/BaSui01/ragflow/llm"
	"github.com/BaSui01/ragflow/oracle"
	"github.com/BaSui01/ragflow/rag"
	"github.com/BaSui01/ragflow/session"
	"github.com/BaSui01/ragflow/types"
	"github.com/BaSui01/ragflow/workflow"
)

// Client orchestrates workflow runs over a fixed set of collaborators. It is
// safe for concurrent use; any number of queries may be in flight.
type Client struct {
	cfg    *config.Config
	engine *workflow.Engine
	store  session.Store
	ks     *rag.KnowledgeStoreClient
	logger *zap.Logger

	mu        sync.Mutex
	responses []*types.FinalResponse
}

type options struct {
	logger    *zap.Logger
	store     session.Store
	webSearch rag.WebSearchFunc
	tools     []rag.Tool
	registry  prometheus.Registerer
}

// Option configures the Client.
type Option func(*options)

// WithLogger sets the zap logger shared by all components.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore replaces the session store.
func WithStore(store session.Store) Option {
	return func(o *options) { o.store = store }
}

// WithWebSearch installs a custom web search function, enabling the web
// backend without an API key.
func WithWebSearch(fn rag.WebSearchFunc) Option {
	return func(o *options) { o.webSearch = fn }
}

// WithTools replaces the default tool set of the tool/API backend.
func WithTools(tools ...rag.Tool) Option {
	return func(o *options) { o.tools = tools }
}

// WithPrometheusRegisterer sets the metrics registerer. Defaults to the
// global one when metrics are enabled.
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// New builds a Client from configuration and an LLM provider.
func New(cfg *config.Config, provider llm.Provider, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if provider == nil {
		return nil, types.NewError(types.ErrConfiguration, "an llm provider is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.NewError(types.ErrConfiguration, "invalid configuration").WithCause(err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := oracle.NewAdapter(provider, oracle.Config{
		Model:             cfg.Oracle.Model,
		Temperature:       cfg.Oracle.Temperature,
		MaxTokens:         cfg.Oracle.MaxTokens,
		Timeout:           cfg.Oracle.Timeout,
		MaxAttempts:       cfg.Oracle.MaxAttempts,
		RequestsPerSecond: cfg.Oracle.RequestsPerSecond,
	}, logger)

	backends, ks, err := buildBackends(cfg, &o, logger)
	if err != nil {
		return nil, err
	}
	registry := rag.NewRegistry(cfg.Retrieval.BackendTimeout, logger, backends...)

	var counter rag.TokenCounter
	if cfg.Compiler.TokenEncoding != "" {
		tk, err := rag.NewTiktokenCounter(cfg.Compiler.TokenEncoding)
		if err != nil {
			logger.Warn("token encoding unavailable, budgeting by characters only", zap.Error(err))
		} else {
			counter = tk
		}
	}
	compiler := rag.NewCompiler(rag.CompilerConfig{
		MaxItems:  cfg.Compiler.MaxItems,
		MaxChars:  cfg.Compiler.MaxChars,
		MaxTokens: cfg.Compiler.MaxTokens,
	}, counter)

	grader := evaluation.NewGrader(adapter, cfg.Workflow.AcceptanceThreshold, logger)

	store := o.store
	if store == nil {
		if cfg.Session.RedisAddr != "" {
			rs, err := session.NewRedisStore(context.Background(), session.RedisConfig{
				Addr:     cfg.Session.RedisAddr,
				Password: cfg.Session.RedisPassword,
				DB:       cfg.Session.RedisDB,
				TTL:      cfg.Session.SnapshotTTL,
			}, logger)
			if err != nil {
				return nil, err
			}
			store = rs
		} else {
			store = session.NewMemoryStore(logger)
		}
	}

	engine, err := workflow.NewEngine(workflow.Config{
		MaxRetries:          cfg.Workflow.MaxRetries,
		AcceptanceThreshold: cfg.Workflow.AcceptanceThreshold,
		WallClockTimeout:    cfg.Workflow.WallClockTimeout,
	}, workflow.Dependencies{
		Oracle:    adapter,
		Retriever: registry,
		Compiler:  compiler,
		Grader:    grader,
		Snapshots: store,
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		engine.WithMetrics(metrics.NewCollector(cfg.Metrics.Namespace, o.registry, logger))
	}

	return &Client{
		cfg:    cfg,
		engine: engine,
		store:  store,
		ks:     ks,
		logger: logger,
	}, nil
}

// buildBackends assembles the retrieval backends the configuration enables.
func buildBackends(cfg *config.Config, o *options, logger *zap.Logger) ([]rag.Backend, *rag.KnowledgeStoreClient, error) {
	var backends []rag.Backend
	var ks *rag.KnowledgeStoreClient

	if cfg.Retrieval.KnowledgeStoreURL != "" {
		client, err := rag.NewKnowledgeStoreClient(rag.KnowledgeStoreConfig{
			BaseURL:   cfg.Retrieval.KnowledgeStoreURL,
			QueryPath: cfg.Retrieval.KnowledgeStoreQueryPath,
			Timeout:   cfg.Retrieval.BackendTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		ks = client
		backends = append(backends, client)
	}

	// The web backend needs either a custom search function or both an API
	// key and an endpoint; otherwise it is disabled.
	search := o.webSearch
	if search == nil && cfg.Retrieval.WebAPIKey != "" && cfg.Retrieval.WebEndpoint != "" {
		search = rag.NewHTTPWebSearch(cfg.Retrieval.WebEndpoint, cfg.Retrieval.WebAPIKey, cfg.Retrieval.BackendTimeout)
	}
	if search != nil {
		backends = append(backends, rag.NewWebBackend(search, cfg.Retrieval.WebTopK, logger))
	}

	tools := o.tools
	if tools == nil {
		tools = []rag.Tool{rag.CalculatorTool()}
	}
	if len(tools) > 0 {
		backends = append(backends, rag.NewToolBackend(logger, tools...))
	}

	if len(backends) == 0 {
		return nil, nil, types.NewError(types.ErrConfiguration,
			"no retrieval backend available: configure knowledge_store_url, a web search, or tools")
	}
	return backends, ks, nil
}

// QueryOption overrides per-query workflow parameters.
type QueryOption func(*workflow.RunRequest)

// WithQueryID pins the query identifier, letting callers subscribe to
// snapshots before the run starts.
func WithQueryID(id string) QueryOption {
	return func(r *workflow.RunRequest) { r.QueryID = id }
}

// WithMaxRetries overrides the retry budget for this query.
func WithMaxRetries(n int) QueryOption {
	return func(r *workflow.RunRequest) { r.MaxRetries = &n }
}

// WithAcceptanceThreshold overrides the acceptance threshold for this query.
func WithAcceptanceThreshold(threshold float64) QueryOption {
	return func(r *workflow.RunRequest) { r.AcceptanceThreshold = &threshold }
}

// ProcessQuery drives one query through the workflow and returns the final
// response. Errors are of kind WorkflowCancelled, WorkflowExhausted, or
// ConfigurationError.
func (c *Client) ProcessQuery(ctx context.Context, text string, opts ...QueryOption) (*types.FinalResponse, error) {
	req := workflow.RunRequest{Query: text}
	for _, opt := range opts {
		opt(&req)
	}

	final, err := c.engine.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.responses = append(c.responses, final)
	c.mu.Unlock()
	return final, nil
}

// Subscribe registers a snapshot observer for a query. Use WithQueryID on
// ProcessQuery to know the identifier up front.
func (c *Client) Subscribe(queryID string, fn session.Subscriber) (cancel func()) {
	return c.store.Subscribe(queryID, fn)
}

// Snapshot returns the latest published state for a query.
func (c *Client) Snapshot(queryID string) (*types.WorkflowState, bool) {
	return c.store.Get(queryID)
}

// Responses returns the final responses produced so far, in completion order.
func (c *Client) Responses() []*types.FinalResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.FinalResponse(nil), c.responses...)
}

// IndexDocument adds one document to the knowledge store.
func (c *Client) IndexDocument(ctx context.Context, text string, metadata map[string]string) (*rag.InsertResult, error) {
	if c.ks == nil {
		return nil, types.NewError(types.ErrConfiguration, "knowledge store not configured")
	}
	return c.ks.Insert(ctx, text, metadata)
}

// IndexDocuments adds a batch of documents to the knowledge store.
func (c *Client) IndexDocuments(ctx context.Context, docs []rag.Document) (*rag.BatchInsertResult, error) {
	if c.ks == nil {
		return nil, types.NewError(types.ErrConfiguration, "knowledge store not configured")
	}
	return c.ks.BatchInsert(ctx, docs)
}

// KnowledgeStoreStatus probes the knowledge store's health endpoint.
func (c *Client) KnowledgeStoreStatus(ctx context.Context) (*rag.Status, error) {
	if c.ks == nil {
		return nil, types.NewError(types.ErrConfiguration, "knowledge store not configured")
	}
	return c.ks.CheckStatus(ctx)
}
