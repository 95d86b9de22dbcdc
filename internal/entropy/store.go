package entropy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// #region memory-store

type storedResult struct {
	r       JobResult
	expires time.Time
}

// MemoryResultStore keeps results in process memory until their TTL passes.
type MemoryResultStore struct {
	mu      sync.Mutex
	now     func() time.Time
	results map[string]storedResult
}

// NewMemoryResultStore creates an empty store. A nil clock uses time.Now.
func NewMemoryResultStore(now func() time.Time) *MemoryResultStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryResultStore{now: now, results: make(map[string]storedResult)}
}

// Put implements ResultStore.
func (m *MemoryResultStore) Put(_ context.Context, r JobResult, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.JobID] = storedResult{r: r, expires: m.now().Add(ttl)}
	return nil
}

// Get implements ResultStore. Expired entries are removed on read.
func (m *MemoryResultStore) Get(_ context.Context, jobID string) (JobResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.results[jobID]
	if !ok {
		return JobResult{}, ErrJobNotFound
	}
	if !m.now().Before(s.expires) {
		delete(m.results, jobID)
		return JobResult{}, ErrJobNotFound
	}
	return s.r, nil
}

// #endregion memory-store

// #region redis-store

// RedisResultStore keeps results as JSON strings with SET EX.
type RedisResultStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisResultStore wraps a go-redis client.
func NewRedisResultStore(rdb redis.UniversalClient, prefix string) *RedisResultStore {
	if prefix == "" {
		prefix = "cato"
	}
	return &RedisResultStore{rdb: rdb, prefix: prefix}
}

func (s *RedisResultStore) key(jobID string) string {
	return s.prefix + ":entropy:result:" + jobID
}

// Put implements ResultStore.
func (s *RedisResultStore) Put(ctx context.Context, r JobResult, ttl time.Duration) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(r.JobID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("store job result %s: %w", r.JobID, err)
	}
	return nil
}

// Get implements ResultStore.
func (s *RedisResultStore) Get(ctx context.Context, jobID string) (JobResult, error) {
	raw, err := s.rdb.Get(ctx, s.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return JobResult{}, ErrJobNotFound
	}
	if err != nil {
		return JobResult{}, fmt.Errorf("get job result %s: %w", jobID, err)
	}
	var r JobResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return JobResult{}, fmt.Errorf("decode job result: %w", err)
	}
	return r, nil
}

// #endregion redis-store
