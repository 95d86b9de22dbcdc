// Package governor bounds a requested confidence level by the current
// epistemic uncertainty and sensory precision.
package governor

import (
	"fmt"

	"github.com/zynapses/cato-safety/internal/config"
	"github.com/zynapses/cato-safety/internal/types"
)

// #region constants

const (
	minConfidence      = 0.1
	emergencyCap       = 1.0
	conservativeBand   = 0.4
	cautiousBand       = 0.2
	conservativeFactor = 0.5
	cautiousFactor     = 0.8
)

// #endregion constants

// #region governor

// Governor is stateless; one value can serve every tenant.
type Governor struct{}

// New creates a governor.
func New() *Governor {
	return &Governor{}
}

// ConfigFrom extracts governor bounds from tenant settings.
func ConfigFrom(s config.TenantSettings) Config {
	return Config{
		GammaMax:           s.GammaMax,
		EmergencyThreshold: s.EmergencyThreshold,
		SensoryFloor:       s.SensoryFloor,
	}
}

// #endregion governor

// #region evaluate

// Evaluate computes the allowed confidence. It is total: out-of-range
// uncertainty and precision are clamped to [0,1] first.
func (g *Governor) Evaluate(in Input, cfg Config) Result {
	eps := types.Clamp01(in.EpistemicUncertainty)
	pi := types.Clamp01(in.SensoryPrecision)

	// 1. Base factors
	cf := 1 - eps
	sf := 1.0
	if cfg.SensoryFloor > 0 {
		sf = pi / cfg.SensoryFloor
		if sf > 1 {
			sf = 1
		}
	}
	raw := in.RequestedConfidence * cf * sf

	// 2. State band
	state, mult := selectState(eps, cfg.EmergencyThreshold)
	allowed := raw * mult
	capped := false
	if state == StateEmergency && allowed > emergencyCap {
		allowed = emergencyCap
		capped = true
	}

	// 3. Clamp to [0.1, γ_max]
	allowed = clamp(allowed, minConfidence, cfg.GammaMax)

	limited := allowed < in.RequestedConfidence
	return Result{
		AllowedConfidence: allowed,
		State:             state,
		WasLimited:        limited,
		SensoryFloor:      cfg.SensoryFloor,
		Reason:            reason(state, in.RequestedConfidence, allowed, eps, limited),
		Trace: Trace{
			ConfidenceFactor: cf,
			SensoryFactor:    sf,
			Raw:              raw,
			StateMultiplier:  mult,
			EmergencyCapped:  capped,
			Clamped:          allowed,
		},
	}
}

// #endregion evaluate

// #region helpers

// selectState maps ε to a band. The emergency band keeps the conservative
// multiplier so the result never rises when ε crosses the threshold.
func selectState(eps, emergency float64) (State, float64) {
	switch {
	case eps >= emergency:
		return StateEmergency, conservativeFactor
	case eps >= conservativeBand:
		return StateConservative, conservativeFactor
	case eps >= cautiousBand:
		return StateCautious, cautiousFactor
	default:
		return StateNormal, 1.0
	}
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func reason(state State, requested, allowed, eps float64, limited bool) string {
	if !limited {
		return fmt.Sprintf("%s: confidence %.4f granted (ε=%.2f)", state, allowed, eps)
	}
	return fmt.Sprintf("%s: confidence reduced %.4f -> %.4f (ε=%.2f)", state, requested, allowed, eps)
}

// #endregion helpers
