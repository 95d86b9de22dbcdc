package barrier

import (
	"context"
	"time"

	"github.com/zynapses/cato-safety/internal/types"
)

// #region enforcement-mode

// EnforcementMode is how barriers apply. ENFORCE is the only value.
type EnforcementMode string

const ModeEnforce EnforcementMode = "ENFORCE"

// #endregion enforcement-mode

// #region kind

// Kind enumerates barrier categories.
type Kind string

const (
	KindPHI    Kind = "phi"
	KindPII    Kind = "pii"
	KindCost   Kind = "cost"
	KindRate   Kind = "rate"
	KindAuth   Kind = "auth"
	KindCustom Kind = "custom"

	// kindDefinitions marks the synthetic violation used when definitions
	// cannot be loaded.
	kindDefinitions Kind = "definitions"
)

// #endregion kind

// #region definition

// Threshold is the per-kind configuration of a barrier.
type Threshold struct {
	HardCeiling   float64 `json:"hard_ceiling,omitempty"`   // cost
	BufferPercent float64 `json:"buffer_percent,omitempty"` // cost, 0-100
	MaxRequests   int     `json:"max_requests,omitempty"`   // rate
	Rule          string  `json:"rule,omitempty"`           // custom
}

// Definition is one barrier. An empty TenantID means global.
type Definition struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name"`
	Critical  bool      `json:"critical"`
	Threshold Threshold `json:"threshold"`
}

// DefaultDefinitions apply when neither the tenant nor the global scope has
// any definitions.
func DefaultDefinitions() []Definition {
	return []Definition{
		{ID: "default-phi", Kind: KindPHI, Name: "phi_exposure", Critical: true},
		{ID: "default-pii", Kind: KindPII, Name: "pii_exposure", Critical: true},
		{ID: "default-auth", Kind: KindAuth, Name: "model_authorization", Critical: true},
	}
}

// #endregion definition

// #region evaluation

// Evaluation is the margin of one barrier. Margin > 0 is safe.
type Evaluation struct {
	BarrierID string  `json:"barrier_id"`
	Kind      Kind    `json:"kind"`
	Name      string  `json:"name"`
	Margin    float64 `json:"margin"`
	Critical  bool    `json:"critical"`
	Detail    string  `json:"detail,omitempty"`
}

// Violated reports whether the margin is at or below zero.
func (e Evaluation) Violated() bool { return e.Margin <= 0 }

// Strategy is the kind of safe alternative offered on rejection.
type Strategy string

const (
	StrategyRejectAndAsk       Strategy = "REJECT_AND_ASK"
	StrategySuggestAlternative Strategy = "SUGGEST_ALTERNATIVE"
	StrategyReduceScope        Strategy = "REDUCE_SCOPE"
)

// SafeAlternative is offered in place of an inadmissible action.
type SafeAlternative struct {
	Strategy       Strategy              `json:"strategy"`
	ModifiedAction *types.ProposedAction `json:"modified_action,omitempty"`
	Message        string                `json:"message"`
}

// Result is the aggregate over all barriers for one action.
type Result struct {
	Admissible  bool             `json:"admissible"`
	Evaluations []Evaluation     `json:"evaluations"`
	Violations  []Evaluation     `json:"violations,omitempty"`
	Alternative *SafeAlternative `json:"alternative,omitempty"`
	Mode        EnforcementMode  `json:"mode"`
}

// #endregion evaluation

// #region collaborators

// Model is an entry of the tenant-visible model catalog.
type Model struct {
	ID    string  `json:"id"`
	Price float64 `json:"price"` // relative cost per request
}

// DefinitionStore loads the global and tenant barriers.
type DefinitionStore interface {
	Definitions(ctx context.Context, tenantID string) ([]Definition, error)
}

// Authorizer answers whether a user may call a model.
type Authorizer interface {
	IsAuthorized(ctx context.Context, tenantID, userID, modelID string) (bool, error)
}

// ModelCatalog lists the models a user may call, cheapest first.
type ModelCatalog interface {
	AccessibleModels(ctx context.Context, tenantID, userID string) ([]Model, error)
}

// AgreementChecker reports whether a tenant has a signed BAA.
type AgreementChecker interface {
	HasSignedBAA(ctx context.Context, tenantID string) (bool, error)
}

// Violation is a persisted barrier failure.
type Violation struct {
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	BarrierID  string    `json:"barrier_id"`
	Kind       Kind      `json:"kind"`
	Margin     float64   `json:"margin"`
	Critical   bool      `json:"critical"`
	Strategy   Strategy  `json:"strategy,omitempty"`
	ActionType string    `json:"action_type"`
	ModelID    string    `json:"model_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ViolationRecorder persists violations.
type ViolationRecorder interface {
	RecordViolation(ctx context.Context, v Violation) error
}

// RuleInput is what a custom rule sees.
type RuleInput struct {
	TenantID string
	UserID   string
	Action   types.ProposedAction
	State    types.SystemState
}

// CustomRule returns a signed margin for a custom barrier.
type CustomRule func(ctx context.Context, in RuleInput) (margin float64, detail string)

// #endregion collaborators
