package entropy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zynapses/cato-safety/internal/config"
	"github.com/zynapses/cato-safety/internal/logging"
	"github.com/zynapses/cato-safety/internal/metrics"
	"github.com/zynapses/cato-safety/internal/types"
)

// #region checker

// Checker runs the tiered deception check for the pipeline.
type Checker struct {
	queue   JobQueue
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewChecker creates a checker. A nil queue makes ASYNC checks run inline
// without blocking the pipeline.
func NewChecker(queue JobQueue, log *zap.Logger, m *metrics.Metrics) *Checker {
	return &Checker{queue: queue, log: logging.OrNop(log).Named("entropy"), metrics: m, now: time.Now}
}

// ThresholdsFrom extracts the tier split from tenant settings.
func ThresholdsFrom(s config.TenantSettings) Thresholds {
	return Thresholds{High: s.EntropyHighRisk, Low: s.EntropyLowRisk}
}

// Check picks a tier and runs it. Only SYNC waits on the analysis.
func (c *Checker) Check(ctx context.Context, ec types.ExecutionContext, action types.ProposedAction, th Thresholds) CheckResult {
	risk := EstimateRisk(action)
	mode := SelectMode(risk, th)
	res := CheckResult{Mode: mode, Risk: risk}

	switch mode {
	case ModeSync:
		a := Analyze(action.Response)
		res.Analysis = &a
		outcome := "clean"
		if a.Deceptive {
			outcome = "deceptive"
		}
		c.metrics.RecordEntropyJob(string(ModeSync), outcome)

	case ModeAsync:
		if c.queue == nil {
			a := Analyze(action.Response)
			res.Analysis = &a
			c.metrics.RecordEntropyJob(string(ModeAsync), "inline")
			break
		}
		id, err := c.queue.Enqueue(ctx, Job{
			TenantID:   ec.TenantID,
			SessionID:  ec.SessionID,
			Response:   action.Response,
			Risk:       risk,
			EnqueuedAt: c.now(),
			ResultTTL:  ec.Settings.EntropyResultTTL,
		})
		if err != nil {
			c.log.Warn("async check not queued", zap.String("session_id", ec.SessionID), zap.Error(err))
			break
		}
		res.JobID = id

	default:
		c.metrics.RecordEntropyJob(string(ModeSkip), "skipped")
	}
	return res
}

// Result polls an async job.
func (c *Checker) Result(ctx context.Context, jobID string) (JobResult, error) {
	if c.queue == nil {
		return JobResult{}, ErrJobNotFound
	}
	return c.queue.Result(ctx, jobID)
}

// #endregion checker
