package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/zynapses/cato-safety/internal/audit"
	"github.com/zynapses/cato-safety/internal/barrier"
	"github.com/zynapses/cato-safety/internal/config"
	"github.com/zynapses/cato-safety/internal/entropy"
	"github.com/zynapses/cato-safety/internal/escalation"
	"github.com/zynapses/cato-safety/internal/metrics"
	"github.com/zynapses/cato-safety/internal/perception"
	"github.com/zynapses/cato-safety/internal/persona"
	"github.com/zynapses/cato-safety/internal/pipeline"
	"github.com/zynapses/cato-safety/internal/recovery"
	"github.com/zynapses/cato-safety/internal/session"
	"github.com/zynapses/cato-safety/internal/veto"
)

const redisPrefix = "cato"

// #region stack

// stack is the wired process: one SQLite database for durable records,
// Redis for session state and entropy results when reachable, and in-memory
// stores otherwise.
type stack struct {
	cfg      config.File
	log      *zap.Logger
	db       *sql.DB
	rdb      *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	settings *config.SQLiteStore
	records  *audit.SQLiteStore
	chain    *audit.Chain
	access   *barrier.SQLiteAccessStore
	queue    *escalation.Queue
	catalog  *persona.SQLiteCatalog
	veto     *veto.Monitor
	pool     *entropy.WorkerPool
	detector perception.Detector
	remote   *perception.GRPCDetector
	pipeline *pipeline.Pipeline
}

// openStore opens the SQLite database with the pragmas every command uses.
func openStore(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

// openRedis connects and pings. A nil client with a nil error means Redis
// is not configured.
func openRedis(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return rdb, nil
}

// newStack wires every store and engine. With async set, ASYNC entropy
// checks go to a worker pool that the caller must Start; otherwise they run
// inline.
func newStack(ctx context.Context, cfg config.File, log *zap.Logger, async bool) (*stack, error) {
	s := &stack{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var err error
	if s.metrics, err = metrics.New(s.registry); err != nil {
		return nil, err
	}
	if s.db, err = openStore(cfg.DatabasePath); err != nil {
		return nil, err
	}
	if err := s.openDurable(ctx); err != nil {
		s.Close()
		return nil, err
	}

	// 1. Volatile state: Redis when reachable, memory otherwise.
	var (
		sessions session.StateStore
		results  entropy.ResultStore
	)
	s.rdb, err = openRedis(ctx, cfg.RedisAddr)
	if err != nil {
		log.Warn("redis unavailable, falling back to in-memory session state", zap.Error(err))
	}
	if s.rdb != nil {
		sessions = session.NewRedisStore(s.rdb, redisPrefix)
		results = entropy.NewRedisResultStore(s.rdb, redisPrefix)
	} else {
		sessions = session.NewMemoryStore()
		results = entropy.NewMemoryResultStore(time.Now)
	}

	// 2. Perception: local patterns, plus the remote detector when configured.
	local := perception.NewPatternDetector()
	s.detector = local
	if cfg.PerceptionAddr != "" {
		if s.remote, err = perception.NewGRPCDetector(cfg.PerceptionAddr); err != nil {
			s.Close()
			return nil, err
		}
		s.detector = perception.NewEnsemble(log, local, s.remote)
	}

	// 3. Engines.
	defaults := cfg.Defaults.Apply(config.Defaults())
	s.veto = veto.NewMonitor(veto.WithLogger(log), veto.WithMetrics(s.metrics))
	var queue entropy.JobQueue
	if async {
		s.pool = entropy.NewWorkerPool(entropy.PoolConfig{
			Workers:   cfg.EntropyWorkers,
			QueueSize: cfg.EntropyWorkers * 64,
			ResultTTL: defaults.EntropyResultTTL,
		}, results, log, s.metrics)
		queue = s.pool
	}
	s.chain = audit.NewChain(s.records, log,
		audit.WithMetrics(s.metrics),
		audit.WithTileSizer(s.tileSize),
	)

	s.pipeline, err = pipeline.New(pipeline.Deps{
		Veto:       s.veto,
		Perception: s.detector,
		Barriers: barrier.NewEvaluator(barrier.Collaborators{
			Definitions: s.access,
			Authorizer:  s.access,
			Models:      s.access,
			Agreements:  s.access,
			Violations:  s.access,
		}, log),
		Entropy:  entropy.NewChecker(queue, log, s.metrics),
		Recovery: recovery.NewService(sessions, s.queue, log),
		Personas: persona.NewResolver(sessions, s.catalog, log),
		Audit:    s.chain,
		Metrics:  s.metrics,
		Logger:   log,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// openDurable creates the SQLite-backed stores and seeds tenant overrides
// from the config file.
func (s *stack) openDurable(ctx context.Context) error {
	var err error
	base := s.cfg.Defaults.Apply(config.Defaults())
	if s.settings, err = config.NewSQLiteStore(s.db, base); err != nil {
		return err
	}
	for id, o := range s.cfg.Tenants {
		if err := s.settings.PutOverrides(ctx, id, o); err != nil {
			return fmt.Errorf("seed tenant %s: %w", id, err)
		}
	}
	if s.records, err = audit.NewSQLiteStore(s.db); err != nil {
		return err
	}
	if s.access, err = barrier.NewSQLiteAccessStore(s.db); err != nil {
		return err
	}
	if s.queue, err = escalation.NewQueue(s.db, s.log); err != nil {
		return err
	}
	if s.catalog, err = persona.NewSQLiteCatalog(s.db); err != nil {
		return err
	}
	return nil
}

// tileSize reads the tenant's audit tile size, falling back to the default
// when settings cannot be loaded.
func (s *stack) tileSize(ctx context.Context, tenantID string) int {
	ts, err := s.settings.Settings(ctx, tenantID)
	if err != nil || ts.AuditTileSize <= 0 {
		return audit.DefaultTileSize
	}
	return ts.AuditTileSize
}

// Close waits for background audit writes and releases connections.
func (s *stack) Close() error {
	if s.pipeline != nil {
		s.pipeline.Wait()
	}
	var errs []error
	if s.remote != nil {
		errs = append(errs, s.remote.Close())
	}
	if s.rdb != nil {
		errs = append(errs, s.rdb.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// #endregion stack
