package entropy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zynapses/cato-safety/internal/logging"
	"github.com/zynapses/cato-safety/internal/metrics"
)

// #region pool

// WorkerPool runs async checks on a fixed number of goroutines, reading from
// a bounded queue and writing into a ResultStore.
type WorkerPool struct {
	jobs    chan Job
	store   ResultStore
	ttl     time.Duration
	workers int
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics

	group  *errgroup.Group
	cancel context.CancelFunc
}

// PoolConfig sizes a WorkerPool. ResultTTL is the retention for jobs that
// carry none of their own.
type PoolConfig struct {
	Workers   int
	QueueSize int
	ResultTTL time.Duration
}

// NewWorkerPool creates a pool. Call Start before Enqueue.
func NewWorkerPool(cfg PoolConfig, store ResultStore, log *zap.Logger, m *metrics.Metrics) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}
	return &WorkerPool{
		jobs:    make(chan Job, cfg.QueueSize),
		store:   store,
		ttl:     cfg.ResultTTL,
		workers: cfg.Workers,
		now:     time.Now,
		log:     logging.OrNop(log).Named("entropy"),
		metrics: m,
	}
}

// Start launches the workers. They exit when ctx is cancelled or Close is
// called.
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p.group = g
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
}

// Close stops the workers and waits for them. Queued jobs that were not
// picked up are dropped; their ids simply never resolve.
func (p *WorkerPool) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.group == nil {
		return nil
	}
	return p.group.Wait()
}

// #endregion pool

// #region enqueue

// Enqueue implements JobQueue. It never blocks: a full queue returns
// ErrQueueFull.
func (p *WorkerPool) Enqueue(_ context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = p.now()
	}
	select {
	case p.jobs <- job:
		p.metrics.RecordEntropyJob(string(ModeAsync), "queued")
		return job.ID, nil
	default:
		p.metrics.RecordEntropyJob(string(ModeAsync), "dropped")
		return "", ErrQueueFull
	}
}

// Result implements JobQueue.
func (p *WorkerPool) Result(ctx context.Context, jobID string) (JobResult, error) {
	return p.store.Get(ctx, jobID)
}

// #endregion enqueue

// #region work

func (p *WorkerPool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.run(ctx, job)
		}
	}
}

func (p *WorkerPool) run(ctx context.Context, job Job) {
	a := Analyze(job.Response)
	r := JobResult{
		JobID:       job.ID,
		TenantID:    job.TenantID,
		SessionID:   job.SessionID,
		Analysis:    a,
		CompletedAt: p.now(),
	}
	ttl := job.ResultTTL
	if ttl <= 0 {
		ttl = p.ttl
	}
	if err := p.store.Put(ctx, r, ttl); err != nil {
		if !errors.Is(err, context.Canceled) {
			p.log.Error("store async result", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}
	outcome := "clean"
	if a.Deceptive {
		outcome = "deceptive"
		p.log.Warn("async check flagged deception",
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.TenantID),
			zap.String("session_id", job.SessionID),
			zap.Float64("score", a.Score))
	}
	p.metrics.RecordEntropyJob(string(ModeAsync), outcome)
}

// #endregion work
