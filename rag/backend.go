package rag

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/types"
)

// Backend is a single retrieval source. Implementations may return an error;
// the Registry converts every failure into an empty result with the failure
// classified in raw metadata.
type Backend interface {
	// Kind returns the source tag this backend serves.
	Kind() types.SourceKind

	// Retrieve fetches evidence for the query. The mode argument is only
	// meaningful for the knowledge store; other backends ignore it.
	Retrieve(ctx context.Context, query string, mode types.KnowledgeMode) (*types.RetrievalResult, error)
}

// Metadata keys the registry writes into RetrievalResult.RawMetadata.
const (
	MetaError     = "error"
	MetaErrorCode = "error_code"
	MetaElapsed   = "elapsed_ms"
)

// Registry dispatches retrieval requests by source kind and enforces the
// per-call timeout. It is safe for concurrent use once constructed.
type Registry struct {
	backends map[types.SourceKind]Backend
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRegistry builds a Registry over the given backends. A zero timeout
// defaults to 30 seconds.
func NewRegistry(timeout time.Duration, logger *zap.Logger, backends ...Backend) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	m := make(map[types.SourceKind]Backend, len(backends))
	for _, b := range backends {
		m[b.Kind()] = b
	}
	return &Registry{
		backends: m,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "retrieval")),
	}
}

// Kinds returns the source kinds with a registered backend.
func (r *Registry) Kinds() []types.SourceKind {
	kinds := make([]types.SourceKind, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	return kinds
}

// Has reports whether a backend is registered for the kind.
func (r *Registry) Has(kind types.SourceKind) bool {
	_, ok := r.backends[kind]
	return ok
}

// Retrieve dispatches to the backend for kind. It never returns an error:
// failures yield a result with empty items and the cause in raw metadata.
func (r *Registry) Retrieve(ctx context.Context, query string, kind types.SourceKind, mode types.KnowledgeMode) *types.RetrievalResult {
	backend, ok := r.backends[kind]
	if !ok {
		r.logger.Warn("no backend registered", zap.String("source", string(kind)))
		return failedResult(kind, types.NewError(types.ErrBackendUnavailable, "no backend registered for "+string(kind)))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	result, err := backend.Retrieve(callCtx, query, mode)
	elapsed := time.Since(start)

	if err != nil {
		classified := classifyBackendError(kind, err, callCtx)
		r.logger.Warn("retrieval failed",
			zap.String("source", string(kind)),
			zap.Duration("elapsed", elapsed),
			zap.Error(classified))
		out := failedResult(kind, classified)
		out.RawMetadata[MetaElapsed] = elapsed.Milliseconds()
		return out
	}

	if result == nil {
		result = &types.RetrievalResult{SourceKind: kind}
	}
	if result.RawMetadata == nil {
		result.RawMetadata = map[string]any{}
	}
	result.RawMetadata[MetaElapsed] = elapsed.Milliseconds()

	r.logger.Info("retrieval completed",
		zap.String("source", string(kind)),
		zap.Int("items", len(result.Items)),
		zap.Duration("elapsed", elapsed))
	return result
}

func failedResult(kind types.SourceKind, err *types.Error) *types.RetrievalResult {
	return &types.RetrievalResult{
		SourceKind: kind,
		Items:      nil,
		RawMetadata: map[string]any{
			MetaError:     err.Error(),
			MetaErrorCode: string(err.Code),
		},
	}
}

// classifyBackendError maps a raw backend failure onto the three error kinds
// the façade exposes.
func classifyBackendError(kind types.SourceKind, err error, callCtx context.Context) *types.Error {
	if typed, ok := err.(*types.Error); ok {
		return typed
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded:
		return types.NewError(types.ErrBackendTimeout, "backend call timed out").
			WithCause(err).WithProvider(string(kind))
	case isConnectionError(err):
		return types.NewError(types.ErrBackendUnavailable, "backend unreachable").
			WithCause(err).WithProvider(string(kind))
	default:
		return types.NewError(types.ErrBackendProtocol, "backend protocol error").
			WithCause(err).WithProvider(string(kind))
	}
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
