// Package pipeline runs one proposed action through veto, governor,
// perception, barriers, entropy, fracture and the governance checkpoint, and
// records the decision in the audit chain.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zynapses/cato-safety/internal/audit"
	"github.com/zynapses/cato-safety/internal/barrier"
	"github.com/zynapses/cato-safety/internal/config"
	"github.com/zynapses/cato-safety/internal/entropy"
	"github.com/zynapses/cato-safety/internal/fracture"
	"github.com/zynapses/cato-safety/internal/governor"
	"github.com/zynapses/cato-safety/internal/logging"
	"github.com/zynapses/cato-safety/internal/metrics"
	"github.com/zynapses/cato-safety/internal/perception"
	"github.com/zynapses/cato-safety/internal/persona"
	"github.com/zynapses/cato-safety/internal/recovery"
	"github.com/zynapses/cato-safety/internal/types"
	"github.com/zynapses/cato-safety/internal/veto"
)

// #region deps

// Deps are the collaborators of a Pipeline. Barriers, Recovery and Audit are
// required. Governor, Veto, Entropy, Fracture and Personas get in-process
// defaults when nil. A nil Perception leaves the caller's PHI/PII flags as
// they are.
type Deps struct {
	Governor   *governor.Governor
	Veto       *veto.Monitor
	Perception perception.Detector
	Barriers   *barrier.Evaluator
	Entropy    *entropy.Checker
	Fracture   *fracture.Detector
	Recovery   *recovery.Service
	Personas   *persona.Resolver
	Audit      *audit.Chain
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Request is one evaluation. Context.Settings holds the tenant settings used
// by every stage.
type Request struct {
	Context types.ExecutionContext
	Action  types.ProposedAction
	State   types.SystemState
}

// #endregion deps

// #region pipeline

// Pipeline evaluates requests. It keeps no per-session state; everything
// that survives a request lives in the session store and the audit chain.
type Pipeline struct {
	d      Deps
	log    *zap.Logger
	notify NotifyRecording
	now    func() time.Time
	wg     sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNotifyRecording picks how NOTIFY_ONLY checkpoints are recorded.
func WithNotifyRecording(n NotifyRecording) Option {
	return func(p *Pipeline) { p.notify = n }
}

// WithClock injects the time source used for stage latencies.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New validates deps and fills in defaults.
func New(d Deps, opts ...Option) (*Pipeline, error) {
	var missing []error
	if d.Barriers == nil {
		missing = append(missing, errors.New("barrier evaluator"))
	}
	if d.Recovery == nil {
		missing = append(missing, errors.New("recovery service"))
	}
	if d.Audit == nil {
		missing = append(missing, errors.New("audit chain"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, fmt.Errorf("pipeline deps missing: %w", err)
	}

	log := logging.OrNop(d.Logger)
	if d.Governor == nil {
		d.Governor = governor.New()
	}
	if d.Veto == nil {
		d.Veto = veto.NewMonitor(veto.WithLogger(log), veto.WithMetrics(d.Metrics))
	}
	if d.Entropy == nil {
		d.Entropy = entropy.NewChecker(nil, log, d.Metrics)
	}
	if d.Fracture == nil {
		d.Fracture = fracture.NewDetector(log)
	}
	if d.Personas == nil {
		d.Personas = persona.NewResolver(nil, nil, log)
	}

	p := &Pipeline{d: d, log: log.Named("pipeline"), notify: NotifySync, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Wait blocks until background NOTIFY_ONLY writes have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// #endregion pipeline

// #region evaluate

// Evaluate runs the stages in order and stops at the first rejection. Every
// rejection is recorded with the recovery service first, which turns it into
// a Blocked, Retry or Escalated decision. Errors are infrastructure faults;
// rejections are never errors.
func (p *Pipeline) Evaluate(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ec := req.Context
	s := ec.Settings
	action := req.Action
	var tr Trace

	// 1. Veto: any active signal stops everything else.
	start := p.now()
	vr := p.d.Veto.Check(ec.TenantID)
	p.observe(StageVeto, start)
	if vr.Active {
		tr.Veto = &vr
		return p.reject(ctx, req, tr, rejection{
			stage:     StageVeto,
			source:    types.SourceVeto,
			reason:    vr.Reason,
			immediate: vr.Escalate,
			enforced:  vr.EnforcedConfidence,
		})
	}

	// 2. Governor: emergency state stops, any other state is recorded.
	start = p.now()
	gr := p.d.Governor.Evaluate(governorInput(ec, action), governor.ConfigFrom(s))
	p.observe(StageGovernor, start)
	tr.Governor = &gr
	if gr.State == governor.StateEmergency {
		return p.reject(ctx, req, tr, rejection{
			stage:    StageGovernor,
			source:   types.SourceGovernor,
			reason:   gr.Reason,
			enforced: gr.AllowedConfidence,
		})
	}

	// 3. Perception annotates a copy of the action.
	if p.d.Perception != nil {
		start = p.now()
		pr, err := p.d.Perception.Detect(ctx, action.Content)
		if err != nil {
			p.log.Warn("perception failed, treating content as PHI/PII",
				zap.String("session_id", ec.SessionID), zap.Error(err))
			pr = perception.Conservative()
		}
		p.observe(StagePerception, start)
		tr.Perception = &pr
		action.ContainsPHI = action.ContainsPHI || pr.PHIDetected
		action.ContainsPII = action.ContainsPII || pr.PIIDetected
	}

	// 4. Barriers.
	start = p.now()
	br := p.d.Barriers.Evaluate(ctx, ec.TenantID, ec.UserID, action, req.State)
	p.observe(StageBarrier, start)
	tr.Barrier = &br
	if !br.Admissible {
		return p.reject(ctx, req, tr, rejection{
			stage:       StageBarrier,
			source:      types.SourceCBF,
			reason:      barrierReason(br),
			alternative: br.Alternative,
		})
	}

	// 5. Entropy: only a SYNC check can stop the pipeline.
	var er entropy.CheckResult
	if s.EntropyEnabled {
		start = p.now()
		er = p.d.Entropy.Check(ctx, ec, action, entropy.ThresholdsFrom(s))
		p.observe(StageEntropy, start)
		tr.Entropy = &er
		if er.Blocks() {
			return p.reject(ctx, req, tr, rejection{
				stage:  StageEntropy,
				source: types.SourceCBF,
				reason: fmt.Sprintf("deceptive response (entropy %.3f)", er.Analysis.Score),
			})
		}
	}

	// 6. Fracture: only critical severity stops.
	if s.FractureEnabled {
		start = p.now()
		fr := p.d.Fracture.Detect(ctx, fracture.Input{
			Intent:     action.Intent,
			ActionType: action.Type,
			Response:   action.Response,
			Entropy:    er.Analysis,
		}, fracture.ConfigFrom(s))
		p.observe(StageFracture, start)
		tr.Fracture = &fr
		if fr.Blocks() {
			return p.reject(ctx, req, tr, rejection{
				stage:  StageFracture,
				source: types.SourceCBF,
				reason: fr.Recommendation,
			})
		}
	}

	// 7. Governance checkpoint.
	start = p.now()
	cp := ScoreCheckpoint(s, entropy.EstimateRisk(action), gr.AllowedConfidence, action.EstimatedCost)
	p.observe(StageCheckpoint, start)
	tr.Checkpoint = cp
	if cp != nil && cp.RequiresApproval {
		return p.reject(ctx, req, tr, rejection{
			stage:            StageCheckpoint,
			source:           types.SourceGovernor,
			reason:           cp.Reason,
			requiresApproval: true,
		})
	}
	if cp != nil && cp.Mode == config.CheckpointNotifyOnly {
		p.recordNotify(ctx, req, *cp)
	}

	// 8. Success.
	return p.allow(ctx, req, gr, er, tr)
}

// SafeEvaluate is the one fail-open boundary: an internal error or panic in
// Evaluate allows the action with the governor-bounded confidence, logs at
// error level and writes a fail_open audit entry.
func (p *Pipeline) SafeEvaluate(ctx context.Context, req Request) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = p.failOpen(ctx, req, fmt.Errorf("panic: %v", r))
		}
	}()
	d, err := p.Evaluate(ctx, req)
	if err != nil {
		return p.failOpen(ctx, req, err)
	}
	return d
}

// RecordSuccess returns the session to normal: rejections, recovery state and
// the recovery persona override are cleared.
func (p *Pipeline) RecordSuccess(ctx context.Context, ec types.ExecutionContext) error {
	if err := p.d.Recovery.Reset(ctx, ec.SessionID); err != nil {
		return fmt.Errorf("reset recovery: %w", err)
	}
	return nil
}

// #endregion evaluate

// #region outcomes

type rejection struct {
	stage            Stage
	source           types.RejectionSource
	reason           string
	immediate        bool
	enforced         float64
	alternative      *barrier.SafeAlternative
	requiresApproval bool
}

// reject records the rejection and maps the recovery outcome to a decision.
// Recovery and audit failures are logged and the rejection still stands: a
// session store outage degrades to Blocked, or Escalated for an emergency.
func (p *Pipeline) reject(ctx context.Context, req Request, tr Trace, rj rejection) (Decision, error) {
	ec := req.Context
	out, err := p.d.Recovery.RecordRejection(ctx, ec, recovery.Rejection{
		Source:    rj.source,
		Reason:    rj.reason,
		Stage:     string(rj.stage),
		Immediate: rj.immediate,
	})
	if err != nil {
		p.log.Error("record rejection failed, rejection stands",
			zap.String("tenant_id", ec.TenantID),
			zap.String("session_id", ec.SessionID),
			zap.String("stage", string(rj.stage)),
			zap.Error(err),
		)
		if out.Action != recovery.ActionEscalate {
			out = recovery.Outcome{Action: recovery.ActionNone, Count: out.Count}
			if rj.immediate {
				out.Action = recovery.ActionEscalate
			}
		}
	}

	var (
		d   Decision
		typ audit.EntryType
	)
	switch out.Action {
	case recovery.ActionRetry:
		d = Retry{
			By:      rj.stage,
			Source:  rj.source,
			Reason:  rj.reason,
			Attempt: out.Attempt,
			Count:   out.Count,
			Plan:    out.Plan,
			Context: *out.RetryContext,
			Trace:   tr,
		}
		typ = audit.EntryRecoveryRetry
	case recovery.ActionEscalate:
		d = Escalated{
			By:                 rj.stage,
			Source:             rj.source,
			Reason:             rj.reason,
			EscalationID:       out.EscalationID,
			EnforcedConfidence: rj.enforced,
			History:            out.History,
			Trace:              tr,
		}
		typ = audit.EntryEscalation
	default:
		d = Blocked{
			By:                 rj.stage,
			Source:             rj.source,
			Reason:             rj.reason,
			EnforcedConfidence: rj.enforced,
			Alternative:        rj.alternative,
			RequiresApproval:   rj.requiresApproval,
			Count:              out.Count,
			Trace:              tr,
		}
		typ = audit.EntryActionBlocked
	}

	if _, err := p.appendAudit(ctx, req, typ, d); err != nil {
		p.log.Error("audit rejection", zap.String("type", string(typ)), zap.Error(err))
	}
	p.log.Info("action rejected",
		zap.String("tenant_id", ec.TenantID),
		zap.String("session_id", ec.SessionID),
		zap.String("stage", string(rj.stage)),
		zap.String("status", string(d.Status())),
		zap.Int("count", out.Count),
	)
	p.d.Metrics.RecordDecision(string(d.Status()), string(rj.stage))
	return d, nil
}

// allow resolves the persona the action ran under, resets recovery and
// appends the approval entry.
func (p *Pipeline) allow(ctx context.Context, req Request, gr governor.Result, er entropy.CheckResult, tr Trace) (Decision, error) {
	ec := req.Context
	res, err := p.d.Personas.Resolve(ctx, ec)
	if err != nil {
		return nil, fmt.Errorf("resolve persona: %w", err)
	}
	if err := p.RecordSuccess(ctx, ec); err != nil {
		p.log.Warn("recovery reset failed", zap.String("session_id", ec.SessionID), zap.Error(err))
	}

	d := Allowed{
		Confidence:    gr.AllowedConfidence,
		GovernorState: gr.State,
		WasLimited:    gr.WasLimited,
		Persona:       res,
		EntropyJobID:  er.JobID,
		Trace:         tr,
	}
	e, err := p.appendAudit(ctx, req, audit.EntryActionApproved, d)
	if err != nil {
		return nil, fmt.Errorf("audit approval: %w", err)
	}
	d.AuditSequence = e.Sequence
	p.d.Metrics.RecordDecision(string(StatusAllowed), string(StageComplete))
	return d, nil
}

func (p *Pipeline) failOpen(ctx context.Context, req Request, cause error) Decision {
	ec := req.Context
	p.log.Error("safety evaluation failed, allowing action",
		zap.String("tenant_id", ec.TenantID),
		zap.String("session_id", ec.SessionID),
		zap.Error(cause),
	)
	p.d.Metrics.RecordFailOpen()

	gr := p.d.Governor.Evaluate(governorInput(ec, req.Action), governor.ConfigFrom(ec.Settings))
	def, _ := persona.Builtin(persona.SystemDefault)
	d := Allowed{
		Confidence:    gr.AllowedConfidence,
		GovernorState: gr.State,
		WasLimited:    gr.WasLimited,
		Persona:       persona.Resolution{Persona: def, Source: persona.SourceSystemDefault, Matrix: def.Matrix()},
		FailOpen:      true,
		Cause:         cause.Error(),
		Trace:         Trace{Governor: &gr},
	}
	e, err := p.appendAudit(context.WithoutCancel(ctx), req, audit.EntryFailOpen, d)
	if err != nil {
		p.log.Error("audit fail-open", zap.Error(err))
	} else {
		d.AuditSequence = e.Sequence
	}
	p.d.Metrics.RecordDecision(string(StatusAllowed), string(StageFailOpen))
	return d
}

// recordNotify writes the checkpoint_notify entry in the configured mode.
func (p *Pipeline) recordNotify(ctx context.Context, req Request, cp CheckpointResult) {
	write := func(ctx context.Context) {
		if _, err := p.appendAudit(ctx, req, audit.EntryCheckpointNotify, cp); err != nil {
			p.log.Error("audit checkpoint notify", zap.String("recording", p.notify.String()), zap.Error(err))
		}
	}
	if p.notify == NotifyAsync {
		bg := context.WithoutCancel(ctx)
		p.wg.Go(func() { write(bg) })
		return
	}
	write(ctx)
}

// #endregion outcomes

// #region helpers

// auditRecord is the content of every entry the pipeline appends.
type auditRecord struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id,omitempty"`
	ActionType string `json:"action_type,omitempty"`
	ModelID    string `json:"model_id,omitempty"`
	Status     Status `json:"status,omitempty"`
	Stage      Stage  `json:"stage,omitempty"`
	Detail     any    `json:"detail"`
}

func (p *Pipeline) appendAudit(ctx context.Context, req Request, typ audit.EntryType, detail any) (audit.Entry, error) {
	rec := auditRecord{
		SessionID:  req.Context.SessionID,
		UserID:     req.Context.UserID,
		ActionType: req.Action.Type,
		ModelID:    req.Action.ModelID,
		Detail:     detail,
	}
	if d, ok := detail.(Decision); ok {
		rec.Status = d.Status()
		rec.Stage = d.Stage()
	}
	return p.d.Audit.Append(ctx, req.Context.TenantID, typ, rec)
}

func (p *Pipeline) observe(stage Stage, start time.Time) {
	p.d.Metrics.ObserveStage(string(stage), p.now().Sub(start))
}

func governorInput(ec types.ExecutionContext, a types.ProposedAction) governor.Input {
	return governor.Input{
		RequestedConfidence:  a.RequestedConfidence,
		EpistemicUncertainty: ec.EpistemicUncertainty,
		SensoryPrecision:     ec.SensoryPrecision,
	}
}

// barrierReason names the violated barriers, critical ones first.
func barrierReason(r barrier.Result) string {
	if len(r.Violations) == 0 {
		return "barrier violated"
	}
	v := r.Violations[0]
	for _, c := range r.Violations {
		if c.Critical {
			v = c
			break
		}
	}
	msg := fmt.Sprintf("barrier %s violated (margin %.2f)", v.Name, v.Margin)
	if v.Detail != "" {
		msg += ": " + v.Detail
	}
	if n := len(r.Violations); n > 1 {
		msg += fmt.Sprintf(" and %d more", n-1)
	}
	return msg
}

// #endregion helpers
