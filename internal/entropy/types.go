package entropy

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned for unknown, unfinished or expired job ids.
var ErrJobNotFound = errors.New("entropy: job not found")

// ErrQueueFull is returned when the async queue cannot accept more work.
var ErrQueueFull = errors.New("entropy: queue full")

// #region mode

// Mode is the verification tier chosen from estimated risk.
type Mode string

const (
	ModeSync  Mode = "SYNC"
	ModeAsync Mode = "ASYNC"
	ModeSkip  Mode = "SKIP"
)

// Thresholds split risk into tiers.
type Thresholds struct {
	High float64 // risk >= High runs SYNC
	Low  float64 // risk >= Low runs ASYNC
}

// #endregion mode

// #region analysis

// Analysis is the semantic-entropy breakdown of one response.
type Analysis struct {
	Score         float64  `json:"score"`
	Deceptive     bool     `json:"deceptive"`
	Evasive       float64  `json:"evasive"`
	Contradiction float64  `json:"contradiction"`
	Hedging       float64  `json:"hedging"`
	Incoherence   float64  `json:"incoherence"`
	Signals       []string `json:"signals,omitempty"`
	Fallback      bool     `json:"fallback,omitempty"` // input could not be scored
}

// #endregion analysis

// #region check-result

// CheckResult is what the pipeline sees from one check. Analysis is set for
// SYNC; JobID is set for ASYNC.
type CheckResult struct {
	Mode     Mode      `json:"mode"`
	Risk     float64   `json:"risk"`
	Analysis *Analysis `json:"analysis,omitempty"`
	JobID    string    `json:"job_id,omitempty"`
}

// Blocks reports whether the result should stop the pipeline.
func (c CheckResult) Blocks() bool {
	return c.Mode == ModeSync && c.Analysis != nil && c.Analysis.Deceptive
}

// #endregion check-result

// #region jobs

// Job is one queued async check.
type Job struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	SessionID  string    `json:"session_id"`
	Response   string    `json:"response"`
	Risk       float64   `json:"risk"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// ResultTTL is the tenant's retention for the result; zero uses the
	// pool default.
	ResultTTL time.Duration `json:"result_ttl,omitempty"`
}

// JobResult is the stored outcome of an async check.
type JobResult struct {
	JobID       string    `json:"job_id"`
	TenantID    string    `json:"tenant_id"`
	SessionID   string    `json:"session_id"`
	Analysis    Analysis  `json:"analysis"`
	CompletedAt time.Time `json:"completed_at"`
}

// JobQueue accepts async checks and serves their results.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) (string, error)
	Result(ctx context.Context, jobID string) (JobResult, error)
}

// ResultStore keeps job results for a bounded time.
type ResultStore interface {
	Put(ctx context.Context, r JobResult, ttl time.Duration) error
	Get(ctx context.Context, jobID string) (JobResult, error)
}

// #endregion jobs
