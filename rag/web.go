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

// WebResult is one web search hit.
type WebResult struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// WebSearchFunc decouples the backend from a specific search provider. Wrap
// any search client into this signature.
type WebSearchFunc func(ctx context.Context, query string, maxResults int) ([]WebResult, error)

// WebBackend retrieves evidence via a general web search.
type WebBackend struct {
	search WebSearchFunc
	topK   int
	logger *zap.Logger
}

// NewWebBackend builds the web backend. topK defaults to 5.
func NewWebBackend(search WebSearchFunc, topK int, logger *zap.Logger) *WebBackend {
	if topK <= 0 {
		topK = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebBackend{
		search: search,
		topK:   topK,
		logger: logger.With(zap.String("component", "web_backend")),
	}
}

// Kind implements Backend.
func (b *WebBackend) Kind() types.SourceKind { return types.SourceWeb }

// Retrieve implements Backend. The mode argument is ignored.
func (b *WebBackend) Retrieve(ctx context.Context, query string, _ types.KnowledgeMode) (*types.RetrievalResult, error) {
	if b.search == nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "web search not configured")
	}

	hits, err := b.search(ctx, query, b.topK)
	if err != nil {
		return nil, err
	}

	result := &types.RetrievalResult{
		SourceKind:  types.SourceWeb,
		RawMetadata: map[string]any{"requested": b.topK},
	}
	for _, h := range hits {
		if strings.TrimSpace(h.Content) == "" {
			continue
		}
		result.Items = append(result.Items, types.ContextItem{
			Text:     h.Content,
			SourceID: h.URL,
			Score:    h.Score,
		})
	}
	return result, nil
}

// NewHTTPWebSearch returns a WebSearchFunc that POSTs to a generic search
// endpoint with bearer authentication. The endpoint is expected to accept
// {"query": ..., "max_results": ...} and return {"results": [{url, title,
// content, score}]}.
func NewHTTPWebSearch(endpoint, apiKey string, timeout time.Duration) WebSearchFunc {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context, query string, maxResults int) ([]WebResult, error) {
		payload, err := json.Marshal(map[string]any{
			"query":       query,
			"max_results": maxResults,
		})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, types.NewError(types.ErrBackendTimeout, "web search timed out").WithCause(err)
			}
			return nil, types.NewError(types.ErrBackendUnavailable, "web search unreachable").WithCause(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return nil, types.NewError(types.ErrBackendProtocol,
				fmt.Sprintf("web search returned status %d", resp.StatusCode))
		}

		var body struct {
			Results []WebResult `json:"results"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, types.NewError(types.ErrBackendProtocol, "decode web search response").WithCause(err)
		}
		return body.Results, nil
	}
}
