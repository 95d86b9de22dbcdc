// Package recovery detects rejection livelock per session and chooses a
// recovery strategy or a human escalation.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zynapses/cato-safety/internal/logging"
	"github.com/zynapses/cato-safety/internal/session"
	"github.com/zynapses/cato-safety/internal/types"
)

// #region types

// Action is what the pipeline should do after a rejection was recorded.
type Action string

const (
	ActionNone     Action = "NONE"     // below threshold, the rejection stands
	ActionRetry    Action = "RETRY"    // retry with Outcome.RetryContext
	ActionEscalate Action = "ESCALATE" // handed to a human
)

// Rejection describes one short-circuit of the pipeline.
type Rejection struct {
	Source types.RejectionSource
	Reason string
	Stage  string
	// Immediate skips the livelock count and escalates at once. Set for
	// emergency vetoes.
	Immediate bool
}

// Outcome is the result of recording a rejection.
type Outcome struct {
	Action       Action
	Count        int // rejections inside the window, this one included
	Attempt      int
	Plan         Plan
	RetryContext *types.ExecutionContext
	EscalationID string
	History      []session.RejectionEvent
}

// Escalator hands a session to a human queue and returns the ticket id.
type Escalator interface {
	Escalate(ctx context.Context, tenantID, sessionID, reason string, history []session.RejectionEvent) (string, error)
}

// #endregion types

// #region service

// Service runs the Normal -> Recovering(n) -> Resolved | Escalated machine on
// top of a StateStore. It keeps no session state of its own.
type Service struct {
	store     session.StateStore
	escalator Escalator
	log       *zap.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source used for rejection timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a recovery service. A nil escalator still records the
// escalated state and history but returns no ticket id.
func NewService(store session.StateStore, escalator Escalator, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		escalator: escalator,
		log:       logging.OrNop(log).Named("recovery"),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// #endregion service

// #region record

// RecordRejection appends the rejection to the session window and advances
// the state machine. The T-th rejection inside the window arms Recovering
// without a retry; the next rejection while Recovering returns attempt 1.
//
// On a store error the returned Outcome is still usable: ActionNone, or
// ActionEscalate for an immediate rejection, which is handed to the
// escalator with this event as its only history.
func (s *Service) RecordRejection(ctx context.Context, ec types.ExecutionContext, rej Rejection) (Outcome, error) {
	cfg := ec.Settings
	ev := session.RejectionEvent{
		ID:        uuid.New().String(),
		Source:    rej.Source,
		Reason:    rej.Reason,
		Stage:     rej.Stage,
		Timestamp: s.now().UTC(),
	}

	// 1. Append and count atomically.
	count, err := s.store.AppendRejection(ctx, ec.SessionID, ev, cfg.LivelockWindow)
	if err != nil {
		return s.degraded(ctx, ec, rej, ev, 0, fmt.Errorf("append rejection: %w", err))
	}

	// 2. Load the current phase.
	prev, err := s.Status(ctx, ec.SessionID)
	if err != nil {
		return s.degraded(ctx, ec, rej, ev, count, err)
	}
	if prev.Phase == session.PhaseEscalated {
		return Outcome{
			Action:       ActionEscalate,
			Count:        count,
			Attempt:      prev.Attempt,
			Plan:         Strategies[StrategyHumanEscalation],
			EscalationID: prev.EscalationID,
			History:      prev.History,
		}, nil
	}

	// 3. Immediate escalation bypasses the window.
	if rej.Immediate {
		return s.escalate(ctx, ec, prev, count, rej.Reason, ev), nil
	}

	// 4. Below threshold nothing changes.
	if count < cfg.LivelockThreshold {
		return Outcome{Action: ActionNone, Count: count, Attempt: prev.Attempt}, nil
	}

	// 5. Pick a strategy from the last rejection source.
	plan := Select(rej.Source)
	if plan.ID() == StrategyHumanEscalation {
		return s.escalate(ctx, ec, prev, count, rej.Reason, ev), nil
	}

	history, err := s.store.Rejections(ctx, ec.SessionID)
	if err != nil {
		return Outcome{Action: ActionNone, Count: count}, fmt.Errorf("read rejections: %w", err)
	}

	// 6. Crossing the threshold from Normal arms Recovering; the rejection
	// itself stands.
	if prev.Phase != session.PhaseRecovering {
		st := session.RecoveryState{
			Phase:     session.PhaseRecovering,
			Strategy:  string(plan.ID()),
			History:   history,
			UpdatedAt: ev.Timestamp,
		}
		if err := s.store.SetRecoveryState(ctx, ec.SessionID, st, cfg.RecoveryStateTTL); err != nil {
			return Outcome{Action: ActionNone, Count: count}, fmt.Errorf("set recovery state: %w", err)
		}
		s.log.Info("entered recovering",
			zap.String("session_id", ec.SessionID),
			zap.String("strategy", string(plan.ID())),
			zap.Int("count", count),
		)
		return Outcome{Action: ActionNone, Count: count, History: history}, nil
	}

	attempt := prev.Attempt + 1
	if attempt > cfg.MaxRecoveryAttempts {
		prev.Attempt = attempt - 1
		return s.escalate(ctx, ec, prev, count,
			fmt.Sprintf("recovery exhausted after %d attempts: %s", cfg.MaxRecoveryAttempts, rej.Reason), ev), nil
	}

	// 7. Persist the attempt and the forced persona.
	st := session.RecoveryState{
		Phase:          session.PhaseRecovering,
		Attempt:        attempt,
		Strategy:       string(plan.ID()),
		ForcedPersona:  plan.ForcedPersona(),
		InjectedPrompt: plan.InjectedPrompt(),
		History:        history,
		UpdatedAt:      ev.Timestamp,
	}
	if err := s.store.SetRecoveryState(ctx, ec.SessionID, st, cfg.RecoveryStateTTL); err != nil {
		return Outcome{Action: ActionNone, Count: count}, fmt.Errorf("set recovery state: %w", err)
	}
	if p := plan.ForcedPersona(); p != "" {
		if err := s.store.SetPersonaOverride(ctx, ec.SessionID, session.OverrideRecovery, p, cfg.PersonaOverrideTTL); err != nil {
			return Outcome{Action: ActionNone, Count: count}, fmt.Errorf("set persona override: %w", err)
		}
	}

	retry := plan.Apply(ec)
	s.log.Info("recovering",
		zap.String("session_id", ec.SessionID),
		zap.String("strategy", string(plan.ID())),
		zap.Int("attempt", attempt),
		zap.Int("count", count),
	)
	return Outcome{
		Action:       ActionRetry,
		Count:        count,
		Attempt:      attempt,
		Plan:         plan,
		RetryContext: &retry,
		History:      history,
	}, nil
}

// degraded maps a store failure to a conservative outcome. An immediate
// rejection still escalates.
func (s *Service) degraded(ctx context.Context, ec types.ExecutionContext, rej Rejection, ev session.RejectionEvent, count int, cause error) (Outcome, error) {
	if !rej.Immediate {
		return Outcome{Action: ActionNone, Count: count}, cause
	}
	return s.escalate(ctx, ec, session.RecoveryState{Phase: session.PhaseNormal}, count, rej.Reason, ev), cause
}

// escalate records the escalated phase and hands the full history to the
// escalator. Store and escalator failures are logged; when the history cannot
// be read the triggering event stands in for it.
func (s *Service) escalate(ctx context.Context, ec types.ExecutionContext, prev session.RecoveryState, count int, reason string, ev session.RejectionEvent) Outcome {
	history, err := s.store.Rejections(ctx, ec.SessionID)
	if err != nil || len(history) == 0 {
		if err != nil {
			s.log.Error("read rejections for escalation", zap.String("session_id", ec.SessionID), zap.Error(err))
		}
		history = []session.RejectionEvent{ev}
	}

	var id string
	if s.escalator != nil {
		id, err = s.escalator.Escalate(ctx, ec.TenantID, ec.SessionID, reason, history)
		if err != nil {
			s.log.Error("escalation sink failed", zap.String("session_id", ec.SessionID), zap.Error(err))
		}
	}

	st := session.RecoveryState{
		Phase:        session.PhaseEscalated,
		Attempt:      prev.Attempt,
		Strategy:     string(StrategyHumanEscalation),
		EscalationID: id,
		History:      history,
		UpdatedAt:    s.now().UTC(),
	}
	if err := s.store.SetRecoveryState(ctx, ec.SessionID, st, ec.Settings.RecoveryStateTTL); err != nil {
		s.log.Error("persist escalated state", zap.String("session_id", ec.SessionID), zap.Error(err))
	}

	s.log.Warn("escalated",
		zap.String("session_id", ec.SessionID),
		zap.String("escalation_id", id),
		zap.Int("history", len(history)),
	)
	return Outcome{
		Action:       ActionEscalate,
		Count:        count,
		Attempt:      prev.Attempt,
		Plan:         Strategies[StrategyHumanEscalation],
		EscalationID: id,
		History:      history,
	}
}

// #endregion record

// #region reset-status

// Reset returns the session to Normal after a successful pass. Only the
// recovery persona override is cleared; an API override stays.
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	return errors.Join(
		s.store.ClearRejections(ctx, sessionID),
		s.store.ClearRecoveryState(ctx, sessionID),
		s.store.ClearPersonaOverride(ctx, sessionID, session.OverrideRecovery),
	)
}

// Status returns the stored recovery state, or Normal when none is stored.
func (s *Service) Status(ctx context.Context, sessionID string) (session.RecoveryState, error) {
	st, err := s.store.RecoveryState(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return session.RecoveryState{Phase: session.PhaseNormal}, nil
	}
	if err != nil {
		return session.RecoveryState{}, fmt.Errorf("get recovery state: %w", err)
	}
	return st, nil
}

// #endregion reset-status
