package pipeline

import (
	"github.com/zynapses/cato-safety/internal/barrier"
	"github.com/zynapses/cato-safety/internal/entropy"
	"github.com/zynapses/cato-safety/internal/fracture"
	"github.com/zynapses/cato-safety/internal/governor"
	"github.com/zynapses/cato-safety/internal/perception"
	"github.com/zynapses/cato-safety/internal/persona"
	"github.com/zynapses/cato-safety/internal/recovery"
	"github.com/zynapses/cato-safety/internal/session"
	"github.com/zynapses/cato-safety/internal/types"
	"github.com/zynapses/cato-safety/internal/veto"
)

// #region status-stage

// Status is the externally visible outcome of one evaluation.
type Status string

const (
	StatusAllowed   Status = "ALLOWED"
	StatusBlocked   Status = "BLOCKED"
	StatusRecovery  Status = "EPISTEMIC_RECOVERY"
	StatusEscalated Status = "ESCALATED"
)

// Stage names the pipeline step that produced a decision.
type Stage string

const (
	StageVeto       Stage = "veto"
	StageGovernor   Stage = "governor"
	StagePerception Stage = "perception"
	StageBarrier    Stage = "barrier"
	StageEntropy    Stage = "entropy"
	StageFracture   Stage = "fracture"
	StageCheckpoint Stage = "checkpoint"
	StageComplete   Stage = "complete"
	StageFailOpen   Stage = "fail_open"
)

// #endregion status-stage

// #region decision

// Decision is one of Allowed, Blocked, Retry or Escalated. The set is closed;
// switch on the concrete type.
type Decision interface {
	Status() Status
	Stage() Stage
	decision()
}

// Trace carries each stage's result up to the point the pipeline stopped.
type Trace struct {
	Veto       *veto.Result         `json:"veto,omitempty"`
	Governor   *governor.Result     `json:"governor,omitempty"`
	Perception *perception.Result   `json:"perception,omitempty"`
	Barrier    *barrier.Result      `json:"barrier,omitempty"`
	Entropy    *entropy.CheckResult `json:"entropy,omitempty"`
	Fracture   *fracture.Result     `json:"fracture,omitempty"`
	Checkpoint *CheckpointResult    `json:"checkpoint,omitempty"`
}

// Allowed lets the action through with a bounded confidence.
type Allowed struct {
	Confidence    float64            `json:"confidence"`
	GovernorState governor.State     `json:"governor_state"`
	WasLimited    bool               `json:"was_limited"`
	Persona       persona.Resolution `json:"persona"`
	EntropyJobID  string             `json:"entropy_job_id,omitempty"`
	AuditSequence int64              `json:"audit_sequence,omitempty"`
	// FailOpen marks an allow produced by SafeEvaluate after an internal
	// error. Cause holds that error.
	FailOpen bool   `json:"fail_open,omitempty"`
	Cause    string `json:"cause,omitempty"`
	Trace    Trace  `json:"trace"`
}

// Blocked is a terminal rejection below the livelock threshold.
type Blocked struct {
	By                 Stage                    `json:"by"`
	Source             types.RejectionSource    `json:"source"`
	Reason             string                   `json:"reason"`
	EnforcedConfidence float64                  `json:"enforced_confidence,omitempty"`
	Alternative        *barrier.SafeAlternative `json:"alternative,omitempty"`
	RequiresApproval   bool                     `json:"requires_approval,omitempty"`
	Count              int                      `json:"count"`
	Trace              Trace                    `json:"trace"`
}

// Retry asks the caller to run the action again with Context. The plan's
// confidence boost and barrier mode are fixed by the plan itself.
type Retry struct {
	By      Stage                  `json:"by"`
	Source  types.RejectionSource  `json:"source"`
	Reason  string                 `json:"reason"`
	Attempt int                    `json:"attempt"`
	Count   int                    `json:"count"`
	Plan    recovery.Plan          `json:"plan"`
	Context types.ExecutionContext `json:"-"`
	Trace   Trace                  `json:"trace"`
}

// Strategy is the recovery strategy chosen for the retry.
func (r Retry) Strategy() recovery.StrategyID { return r.Plan.ID() }

// ConfidenceBoost is always zero.
func (r Retry) ConfidenceBoost() float64 { return r.Plan.ConfidenceBoost() }

// Escalated hands the session to a human with its rejection history.
type Escalated struct {
	By                 Stage                    `json:"by"`
	Source             types.RejectionSource    `json:"source"`
	Reason             string                   `json:"reason"`
	EscalationID       string                   `json:"escalation_id,omitempty"`
	EnforcedConfidence float64                  `json:"enforced_confidence,omitempty"`
	History            []session.RejectionEvent `json:"history"`
	Trace              Trace                    `json:"trace"`
}

func (Allowed) Status() Status   { return StatusAllowed }
func (Blocked) Status() Status   { return StatusBlocked }
func (Retry) Status() Status     { return StatusRecovery }
func (Escalated) Status() Status { return StatusEscalated }

func (a Allowed) Stage() Stage {
	if a.FailOpen {
		return StageFailOpen
	}
	return StageComplete
}
func (b Blocked) Stage() Stage   { return b.By }
func (r Retry) Stage() Stage     { return r.By }
func (e Escalated) Stage() Stage { return e.By }

func (Allowed) decision()   {}
func (Blocked) decision()   {}
func (Retry) decision()     {}
func (Escalated) decision() {}

// #endregion decision
