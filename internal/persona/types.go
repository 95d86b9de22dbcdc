package persona

import (
	"context"
	"errors"
)

// ErrUnknownPersona is returned when a name does not resolve in the catalog.
var ErrUnknownPersona = errors.New("persona: unknown persona")

// #region scope

// Scope says who owns a persona definition.
type Scope string

const (
	ScopeSystem Scope = "system"
	ScopeTenant Scope = "tenant"
	ScopeUser   Scope = "user"
)

// #endregion scope

// #region drives

// Drives is the motivational vector a persona is built from. Each value is
// in [0,1].
type Drives struct {
	Curiosity   float64 `json:"curiosity"`
	Achievement float64 `json:"achievement"`
	Service     float64 `json:"service"`
	Discovery   float64 `json:"discovery"`
	Reflection  float64 `json:"reflection"`
}

// Matrix is the behaviour derived from Drives. It holds no state of its own.
type Matrix struct {
	Exploration  float64 `json:"exploration"`
	Thoroughness float64 `json:"thoroughness"`
	Proactivity  float64 `json:"proactivity"`
	Caution      float64 `json:"caution"`
	Verbosity    float64 `json:"verbosity"`
	QuestionRate float64 `json:"question_rate"`
}

// #endregion drives

// #region persona

// Persona is one operating mode.
type Persona struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Scope             Scope   `json:"scope"`
	OwnerID           string  `json:"owner_id,omitempty"` // tenant or user id for non-system scopes
	Drives            Drives  `json:"drives"`
	DefaultConfidence float64 `json:"default_confidence"`
	Voice             string  `json:"voice"`
	Presentation      string  `json:"presentation"`
	Behavior          string  `json:"behavior"`
}

// #endregion persona

// #region resolution

// Source is the priority level that produced a resolution.
type Source string

const (
	SourceRecoveryOverride Source = "recovery_override"
	SourceAPIOverride      Source = "api_override"
	SourceUserSelection    Source = "user_selection"
	SourceTenantDefault    Source = "tenant_default"
	SourceSystemDefault    Source = "system_default"
)

// Resolution is the persona chosen for a request and why.
type Resolution struct {
	Persona Persona `json:"persona"`
	Source  Source  `json:"source"`
	Matrix  Matrix  `json:"matrix"`
}

// #endregion resolution

// #region catalog

// Catalog looks up persona definitions and saved selections. Selection
// lookups return "" when nothing is saved.
type Catalog interface {
	Persona(ctx context.Context, tenantID, name string) (Persona, error)
	UserSelection(ctx context.Context, tenantID, userID string) (string, error)
	TenantDefault(ctx context.Context, tenantID string) (string, error)
}

// #endregion catalog
