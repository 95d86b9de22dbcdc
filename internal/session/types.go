package session

import (
	"context"
	"errors"
	"time"

	"github.com/zynapses/cato-safety/internal/types"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("session: not found")

// #region rejection-event

// RejectionEvent records one pipeline rejection for a session.
type RejectionEvent struct {
	ID        string                `json:"id"`
	Source    types.RejectionSource `json:"source"`
	Reason    string                `json:"reason"`
	Stage     string                `json:"stage,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// #endregion rejection-event

// #region recovery-state

// Phase is the recovery state machine position.
type Phase string

const (
	PhaseNormal     Phase = "NORMAL"
	PhaseRecovering Phase = "RECOVERING"
	PhaseResolved   Phase = "RESOLVED"
	PhaseEscalated  Phase = "ESCALATED"
)

// RecoveryState is the persisted recovery position of a session.
type RecoveryState struct {
	Phase          Phase            `json:"phase"`
	Attempt        int              `json:"attempt"`
	Strategy       string           `json:"strategy,omitempty"`
	ForcedPersona  string           `json:"forced_persona,omitempty"`
	InjectedPrompt string           `json:"injected_prompt,omitempty"`
	EscalationID   string           `json:"escalation_id,omitempty"`
	History        []RejectionEvent `json:"history,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// #endregion recovery-state

// #region override-kind

// OverrideKind separates persona overrides set by recovery from those set
// through the API, since a successful pass only clears the former.
type OverrideKind string

const (
	OverrideRecovery OverrideKind = "recovery"
	OverrideAPI      OverrideKind = "api"
)

// #endregion override-kind

// #region state-store

// StateStore is the external per-session state used by recovery and persona
// resolution. AppendRejection must append and count atomically.
type StateStore interface {
	// AppendRejection stores ev and returns how many rejections for the
	// session fall within window ending at ev.Timestamp.
	AppendRejection(ctx context.Context, sessionID string, ev RejectionEvent, window time.Duration) (int, error)
	Rejections(ctx context.Context, sessionID string) ([]RejectionEvent, error)
	ClearRejections(ctx context.Context, sessionID string) error

	PersonaOverride(ctx context.Context, sessionID string, kind OverrideKind) (string, error)
	SetPersonaOverride(ctx context.Context, sessionID string, kind OverrideKind, persona string, ttl time.Duration) error
	ClearPersonaOverride(ctx context.Context, sessionID string, kind OverrideKind) error

	RecoveryState(ctx context.Context, sessionID string) (RecoveryState, error)
	SetRecoveryState(ctx context.Context, sessionID string, st RecoveryState, ttl time.Duration) error
	ClearRecoveryState(ctx context.Context, sessionID string) error
}

// #endregion state-store
