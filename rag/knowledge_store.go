package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/types"
)

// KnowledgeStoreConfig configures the remote knowledge-store backend.
type KnowledgeStoreConfig struct {
	BaseURL   string        `yaml:"base_url" json:"base_url"`
	QueryPath string        `yaml:"query_path" json:"query_path"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

// Paths for the supplemental indexing and status operations.
const (
	insertPath      = "/insert"
	batchInsertPath = "/batch_insert"
	statusPath      = "/status"
)

// KnowledgeStoreClient talks to a remote knowledge store over a simple
// JSON request/response protocol. It implements Backend for retrieval and
// additionally exposes document indexing and a status probe.
type KnowledgeStoreClient struct {
	cfg    KnowledgeStoreConfig
	client *http.Client
	logger *zap.Logger
}

// NewKnowledgeStoreClient builds the client. BaseURL is required; QueryPath
// defaults to /query.
func NewKnowledgeStoreClient(cfg KnowledgeStoreConfig, logger *zap.Logger) (*KnowledgeStoreClient, error) {
	if cfg.BaseURL == "" {
		return nil, types.NewError(types.ErrConfiguration, "knowledge store base URL is required")
	}
	if cfg.QueryPath == "" {
		cfg.QueryPath = "/query"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KnowledgeStoreClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "knowledge_store")),
	}, nil
}

// Kind implements Backend.
func (c *KnowledgeStoreClient) Kind() types.SourceKind { return types.SourceKnowledgeStore }

type ksQueryRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode"`
}

type ksQueryResponse struct {
	Response string   `json:"response"`
	Entities []string `json:"entities"`
	Results  []struct {
		Text     string  `json:"text"`
		EntityID string  `json:"entity_id"`
		Score    float64 `json:"score"`
	} `json:"results"`
}

// Retrieve implements Backend. An empty mode is auto-detected from the query.
func (c *KnowledgeStoreClient) Retrieve(ctx context.Context, query string, mode types.KnowledgeMode) (*types.RetrievalResult, error) {
	if mode == "" {
		mode = DetectMode(query)
	}

	var parsed ksQueryResponse
	if err := c.postJSON(ctx, c.cfg.QueryPath, ksQueryRequest{Query: query, Mode: string(mode)}, &parsed); err != nil {
		return nil, err
	}

	result := &types.RetrievalResult{
		SourceKind: types.SourceKnowledgeStore,
		RawMetadata: map[string]any{
			"mode": string(mode),
		},
	}

	if len(parsed.Results) > 0 {
		for _, r := range parsed.Results {
			if strings.TrimSpace(r.Text) == "" {
				continue
			}
			sourceID := r.EntityID
			if sourceID == "" {
				sourceID = fmt.Sprintf("kb:result_%d", len(result.Items))
			} else {
				sourceID = "kb:" + sourceID
			}
			result.Items = append(result.Items, types.ContextItem{
				Text:     r.Text,
				SourceID: sourceID,
				Score:    r.Score,
				Mode:     string(mode),
			})
		}
		return result, nil
	}

	if strings.TrimSpace(parsed.Response) != "" {
		sourceID := "kb:response"
		if len(parsed.Entities) > 0 {
			sourceID = "kb:" + parsed.Entities[0]
		}
		result.Items = append(result.Items, types.ContextItem{
			Text:     parsed.Response,
			SourceID: sourceID,
			Score:    1.0,
			Entities: parsed.Entities,
			Mode:     string(mode),
		})
	}
	return result, nil
}

// InsertResult reports the outcome of a document insertion.
type InsertResult struct {
	DocumentID    string   `json:"document_id"`
	Entities      []string `json:"entities"`
	Relationships int      `json:"relationships"`
}

// Insert indexes a single document into the knowledge store.
func (c *KnowledgeStoreClient) Insert(ctx context.Context, text string, metadata map[string]string) (*InsertResult, error) {
	payload := map[string]any{"text": text, "metadata": metadata}
	var out InsertResult
	if err := c.postJSON(ctx, insertPath, payload, &out); err != nil {
		return nil, err
	}
	c.logger.Info("document indexed", zap.String("document_id", out.DocumentID))
	return &out, nil
}

// BatchInsertResult reports the outcome of a batch insertion.
type BatchInsertResult struct {
	DocumentsProcessed int `json:"documents_processed"`
	TotalEntities      int `json:"total_entities"`
	TotalRelationships int `json:"total_relationships"`
}

// Document is one unit of a batch insertion.
type Document struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// BatchInsert indexes multiple documents in one call.
func (c *KnowledgeStoreClient) BatchInsert(ctx context.Context, docs []Document) (*BatchInsertResult, error) {
	var out BatchInsertResult
	if err := c.postJSON(ctx, batchInsertPath, map[string]any{"documents": docs}, &out); err != nil {
		return nil, err
	}
	c.logger.Info("batch indexed", zap.Int("documents", out.DocumentsProcessed))
	return &out, nil
}

// Status describes the knowledge store's health and corpus statistics.
type Status struct {
	Available bool           `json:"available"`
	KBStats   map[string]any `json:"kb_stats,omitempty"`
}

// CheckStatus probes the store's status endpoint.
func (c *KnowledgeStoreClient) CheckStatus(ctx context.Context) (*Status, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + statusPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &Status{Available: false}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &Status{Available: false}, nil
	}
	var body struct {
		KBStats map[string]any `json:"kb_stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &Status{Available: true}, nil
	}
	return &Status{Available: true, KBStats: body.KBStats}, nil
}

func (c *KnowledgeStoreClient) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return types.NewError(types.ErrBackendProtocol, "encode request").WithCause(err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.NewError(types.ErrBackendProtocol, "build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return types.NewError(types.ErrBackendTimeout, "knowledge store timed out").WithCause(err)
		}
		return types.NewError(types.ErrBackendUnavailable, "knowledge store unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return types.NewError(types.ErrBackendProtocol,
			fmt.Sprintf("knowledge store returned status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewError(types.ErrBackendProtocol, "decode response").WithCause(err)
	}
	return nil
}
