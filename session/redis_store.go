package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/types"
)

// RedisConfig configures the Redis snapshot mirror.
type RedisConfig struct {
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"` // expiry for per-query keys
}

const (
	latestKeyPrefix  = "ragflow:session:latest:"
	historyKeyPrefix = "ragflow:session:history:"
)

// RedisStore mirrors every snapshot to Redis while delegating Get/Subscribe
// to an embedded MemoryStore. The in-memory store remains the contract-bearing
// surface; the mirror exists so out-of-process observers can follow progress.
type RedisStore struct {
	inner  *MemoryStore
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewError(types.ErrConfiguration, "redis unreachable").WithCause(err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{
		inner:  NewMemoryStore(logger),
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "redis_session_store")),
	}, nil
}

// Put implements Store: records in memory, notifies subscribers, and mirrors
// the snapshot to Redis. Mirror failures are logged and swallowed; snapshot
// publication never fails a workflow run.
func (s *RedisStore) Put(snapshot *types.WorkflowState) {
	s.inner.Put(snapshot)
	if snapshot == nil || snapshot.QueryID == "" {
		return
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Warn("snapshot marshal failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.Set(ctx, latestKeyPrefix+snapshot.QueryID, payload, s.ttl)
	pipe.RPush(ctx, historyKeyPrefix+snapshot.QueryID, payload)
	pipe.Expire(ctx, historyKeyPrefix+snapshot.QueryID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("snapshot mirror failed",
			zap.String("query_id", snapshot.QueryID),
			zap.Error(err))
	}
}

// Get implements Store from the in-memory record.
func (s *RedisStore) Get(queryID string) (*types.WorkflowState, bool) {
	return s.inner.Get(queryID)
}

// Subscribe implements Store.
func (s *RedisStore) Subscribe(queryID string, fn Subscriber) func() {
	return s.inner.Subscribe(queryID, fn)
}

// Remote fetches the latest mirrored snapshot directly from Redis. Useful for
// observers in other processes.
func (s *RedisStore) Remote(ctx context.Context, queryID string) (*types.WorkflowState, error) {
	raw, err := s.client.Get(ctx, latestKeyPrefix+queryID).Bytes()
	if err != nil {
		return nil, err
	}
	var snap types.WorkflowState
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RemoteHistory fetches the full mirrored snapshot history from Redis.
func (s *RedisStore) RemoteHistory(ctx context.Context, queryID string) ([]*types.WorkflowState, error) {
	raws, err := s.client.LRange(ctx, historyKeyPrefix+queryID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.WorkflowState, 0, len(raws))
	for _, raw := range raws {
		var snap types.WorkflowState
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, err
		}
		out = append(out, &snap)
	}
	return out, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
