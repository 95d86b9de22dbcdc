// Package types holds the request-scoped values shared by every stage of the
// safety pipeline.
package types

import (
	"github.com/zynapses/cato-safety/internal/config"
)

// #region rejection-source

// RejectionSource classifies which gate produced a rejection.
type RejectionSource string

const (
	SourceGovernor RejectionSource = "GOVERNOR"
	SourceCBF      RejectionSource = "CBF"
	SourceVeto     RejectionSource = "VETO"
)

// #endregion rejection-source

// #region execution-context

// ExecutionContext is built once per request and is read-only within one
// pipeline pass. A retry returns a new value instead of mutating this one.
type ExecutionContext struct {
	TenantID             string
	UserID               string
	SessionID            string
	EpistemicUncertainty float64 // 0-1
	SensoryPrecision     float64 // 0-1
	ActivePersona        string
	Settings             config.TenantSettings
	SystemPrompt         string // optional injected prompt text
}

// #endregion execution-context

// #region proposed-action

// ProposedAction is the caller's candidate action. The pipeline only reads it;
// perception flags are applied to a copy.
type ProposedAction struct {
	Type                string
	ModelID             string
	EstimatedCost       float64
	Destructive         bool
	ContainsPHI         bool
	ContainsPII         bool
	Parameters          map[string]any
	RequestedConfidence float64
	Priority            int

	Content  string // text inspected by perception
	Intent   string // stated user intent
	Response string // generated output under review
}

// #endregion proposed-action

// #region system-state

// SystemState is the per-tenant running totals maintained by the caller.
type SystemState struct {
	CurrentCost  float64
	RequestCount int
	Settings     config.TenantSettings
}

// #endregion system-state

// #region helpers

// Clamp01 restricts v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
