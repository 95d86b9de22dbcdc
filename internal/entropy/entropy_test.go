package entropy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zynapses/cato-safety/internal/config"
	"github.com/zynapses/cato-safety/internal/types"
)

const deceptiveResponse = "Trust me, that's not important. The system will always work and will never fail. Actually, no, I was wrong."

// #region risk-tests
func TestEstimateRiskAndMode(t *testing.T) {
	th := ThresholdsFrom(config.Defaults())
	tests := []struct {
		name   string
		action types.ProposedAction
		risk   float64
		mode   Mode
	}{
		{"base", types.ProposedAction{}, 0.3, ModeAsync},
		{"phi", types.ProposedAction{ContainsPHI: true}, 0.6, ModeAsync},
		{"phi-pii", types.ProposedAction{ContainsPHI: true, ContainsPII: true}, 0.8, ModeSync},
		{"all", types.ProposedAction{ContainsPHI: true, ContainsPII: true, Destructive: true, EstimatedCost: 5}, 1.0, ModeSync},
		{"cost", types.ProposedAction{EstimatedCost: 1.5}, 0.4, ModeAsync},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := EstimateRisk(tt.action)
			assert.InDelta(t, tt.risk, r, 1e-9)
			assert.Equal(t, tt.mode, SelectMode(r, th))
		})
	}
	assert.Equal(t, ModeSkip, SelectMode(0.2, th))
}

// #endregion risk-tests

// #region analyze-tests
func TestAnalyze_Clean(t *testing.T) {
	a := Analyze("The report lists three vendors and their quarterly totals.")
	assert.False(t, a.Deceptive)
	assert.Less(t, a.Score, 0.1)
}

func TestAnalyze_Deceptive(t *testing.T) {
	a := Analyze(deceptiveResponse)
	assert.Equal(t, 1.0, a.Evasive)
	assert.Equal(t, 1.0, a.Contradiction)
	assert.Greater(t, a.Score, 0.5)
	assert.True(t, a.Deceptive)
	assert.NotEmpty(t, a.Signals)
}

func TestAnalyze_EmptyFallsBack(t *testing.T) {
	a := Analyze("   ")
	assert.True(t, a.Fallback)
	assert.Equal(t, 0.5, a.Score)
	assert.False(t, a.Deceptive)
}

func TestAnalyze_Hedging(t *testing.T) {
	a := Analyze("Maybe it could possibly work, perhaps.")
	assert.Equal(t, 1.0, a.Hedging)
}

func TestAnalyze_Repetition(t *testing.T) {
	a := Analyze("The payment was sent. The payment was sent. The payment was sent. The payment was sent.")
	assert.Greater(t, a.Incoherence, 0.4)
}

// #endregion analyze-tests

// #region checker-tests
func TestChecker_SyncBlocksOnDeception(t *testing.T) {
	c := NewChecker(nil, nil, nil)
	res := c.Check(context.Background(), types.ExecutionContext{SessionID: "s"}, types.ProposedAction{
		ContainsPHI: true, ContainsPII: true, Response: deceptiveResponse,
	}, ThresholdsFrom(config.Defaults()))
	require.Equal(t, ModeSync, res.Mode)
	assert.True(t, res.Blocks())
}

func TestChecker_AsyncNeverBlocks(t *testing.T) {
	store := NewMemoryResultStore(nil)
	pool := NewWorkerPool(PoolConfig{Workers: 1, QueueSize: 4}, store, nil, nil)
	c := NewChecker(pool, nil, nil)

	res := c.Check(context.Background(), types.ExecutionContext{TenantID: "t", SessionID: "s"}, types.ProposedAction{
		Response: deceptiveResponse,
	}, ThresholdsFrom(config.Defaults()))
	assert.Equal(t, ModeAsync, res.Mode)
	assert.NotEmpty(t, res.JobID)
	assert.False(t, res.Blocks())
}

func TestChecker_AsyncInlineWithoutQueue(t *testing.T) {
	c := NewChecker(nil, nil, nil)
	res := c.Check(context.Background(), types.ExecutionContext{}, types.ProposedAction{Response: deceptiveResponse},
		ThresholdsFrom(config.Defaults()))
	require.NotNil(t, res.Analysis)
	assert.True(t, res.Analysis.Deceptive)
	assert.False(t, res.Blocks(), "async results are advisory")

	_, err := c.Result(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestChecker_Skip(t *testing.T) {
	c := NewChecker(nil, nil, nil)
	res := c.Check(context.Background(), types.ExecutionContext{}, types.ProposedAction{},
		Thresholds{High: 0.9, Low: 0.5})
	assert.Equal(t, ModeSkip, res.Mode)
	assert.Nil(t, res.Analysis)
}

// #endregion checker-tests

// #region pool-tests
func TestWorkerPool_ProcessesJobs(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewMemoryResultStore(nil)
	pool := NewWorkerPool(PoolConfig{Workers: 2, QueueSize: 8, ResultTTL: time.Minute}, store, nil, nil)
	pool.Start(context.Background())
	defer pool.Close()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := pool.Enqueue(context.Background(), Job{TenantID: "t", Response: deceptiveResponse})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		require.Eventually(t, func() bool {
			_, err := pool.Result(context.Background(), id)
			return err == nil
		}, 2*time.Second, 5*time.Millisecond)
		r, _ := pool.Result(context.Background(), id)
		assert.True(t, r.Analysis.Deceptive)
		assert.Equal(t, "t", r.TenantID)
	}
	require.NoError(t, pool.Close())
}

// ttlStore records the retention each result was stored with.
type ttlStore struct {
	*MemoryResultStore
	mu   sync.Mutex
	ttls map[string]time.Duration
}

func (s *ttlStore) Put(ctx context.Context, r JobResult, ttl time.Duration) error {
	s.mu.Lock()
	s.ttls[r.JobID] = ttl
	s.mu.Unlock()
	return s.MemoryResultStore.Put(ctx, r, ttl)
}

func (s *ttlStore) ttl(id string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.ttls[id]
	return d, ok
}

func TestWorkerPool_UsesTenantResultTTL(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &ttlStore{MemoryResultStore: NewMemoryResultStore(nil), ttls: make(map[string]time.Duration)}
	pool := NewWorkerPool(PoolConfig{Workers: 1, QueueSize: 4, ResultTTL: time.Hour}, store, nil, nil)
	pool.Start(context.Background())
	defer pool.Close()

	s := config.Defaults()
	s.EntropyResultTTL = 5 * time.Minute
	c := NewChecker(pool, nil, nil)
	res := c.Check(context.Background(), types.ExecutionContext{TenantID: "t", Settings: s},
		types.ProposedAction{Response: deceptiveResponse}, ThresholdsFrom(s))
	require.Equal(t, ModeAsync, res.Mode)
	plain, err := pool.Enqueue(context.Background(), Job{TenantID: "t", Response: "fine"})
	require.NoError(t, err)

	for id, want := range map[string]time.Duration{res.JobID: 5 * time.Minute, plain: time.Hour} {
		require.Eventually(t, func() bool {
			_, ok := store.ttl(id)
			return ok
		}, 2*time.Second, 5*time.Millisecond)
		got, _ := store.ttl(id)
		assert.Equal(t, want, got, "job %s", id)
	}
	require.NoError(t, pool.Close())
}

func TestWorkerPool_QueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewWorkerPool(PoolConfig{Workers: 1, QueueSize: 1}, NewMemoryResultStore(nil), nil, nil)
	_, err := pool.Enqueue(context.Background(), Job{Response: "a"})
	require.NoError(t, err)
	_, err = pool.Enqueue(context.Background(), Job{Response: "b"})
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.NoError(t, pool.Close())
}

func TestWorkerPool_StopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewWorkerPool(PoolConfig{Workers: 3}, NewMemoryResultStore(nil), nil, nil)
	pool.Start(ctx)
	cancel()
	require.NoError(t, pool.Close())
}

// #endregion pool-tests

// #region store-tests
func TestMemoryResultStore_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryResultStore(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, JobResult{JobID: "j1"}, time.Hour))
	_, err := s.Get(ctx, "j1")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = s.Get(ctx, "j1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRedisResultStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisResultStore(rdb, "test")
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, s.Put(ctx, JobResult{JobID: "j1", Analysis: Analysis{Score: 0.7, Deceptive: true}}, time.Hour))
	r, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, r.Analysis.Deceptive)

	mr.FastForward(61 * time.Minute)
	_, err = s.Get(ctx, "j1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

// #endregion store-tests
