// Package session holds the per-query workflow state records: the latest
// snapshot, the full snapshot history, and push-notification of subscribers.
// State is process-local and ephemeral; an optional Redis-backed store mirrors
// snapshots for external observers.
package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/types"
)

// Subscriber receives every snapshot published for a query, in publish order.
// Callbacks run synchronously on the publishing goroutine and must not block.
type Subscriber func(snapshot *types.WorkflowState)

// Store is the snapshot storage and observation surface.
type Store interface {
	// Put records a snapshot and notifies subscribers. The caller must pass a
	// clone it will not mutate afterwards; the workflow engine does.
	Put(snapshot *types.WorkflowState)

	// Get returns the latest snapshot for a query.
	Get(queryID string) (*types.WorkflowState, bool)

	// Subscribe registers a callback for a query's snapshots. The returned
	// function cancels the subscription.
	Subscribe(queryID string, fn Subscriber) (cancel func())
}

// MemoryStore is the in-memory Store. Safe for concurrent readers while a
// single engine goroutine writes per query.
type MemoryStore struct {
	mu      sync.RWMutex
	latest  map[string]*types.WorkflowState
	history map[string][]*types.WorkflowState
	subs    map[string]map[int]Subscriber
	nextSub int
	logger  *zap.Logger
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		latest:  make(map[string]*types.WorkflowState),
		history: make(map[string][]*types.WorkflowState),
		subs:    make(map[string]map[int]Subscriber),
		logger:  logger.With(zap.String("component", "session_store")),
	}
}

// Put implements Store.
func (s *MemoryStore) Put(snapshot *types.WorkflowState) {
	if snapshot == nil || snapshot.QueryID == "" {
		return
	}

	s.mu.Lock()
	s.latest[snapshot.QueryID] = snapshot
	s.history[snapshot.QueryID] = append(s.history[snapshot.QueryID], snapshot)
	subs := make([]Subscriber, 0, len(s.subs[snapshot.QueryID]))
	for _, fn := range s.subs[snapshot.QueryID] {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	// The engine publishes from a single goroutine per query, so invoking
	// outside the lock preserves per-query snapshot order.
	for _, fn := range subs {
		fn(snapshot)
	}
}

// Get implements Store.
func (s *MemoryStore) Get(queryID string) (*types.WorkflowState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.latest[queryID]
	return snap, ok
}

// History returns all snapshots recorded for a query, in publish order.
func (s *MemoryStore) History(queryID string) []*types.WorkflowState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*types.WorkflowState(nil), s.history[queryID]...)
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(queryID string, fn Subscriber) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[queryID] == nil {
		s.subs[queryID] = make(map[int]Subscriber)
	}
	id := s.nextSub
	s.nextSub++
	s.subs[queryID][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[queryID], id)
	}
}

// Delete removes all records for a query.
func (s *MemoryStore) Delete(queryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, queryID)
	delete(s.history, queryID)
	delete(s.subs, queryID)
}
