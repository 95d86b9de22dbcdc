package recovery

import (
	"encoding/json"
	"strings"

	"github.com/zynapses/cato-safety/internal/barrier"
	"github.com/zynapses/cato-safety/internal/persona"
	"github.com/zynapses/cato-safety/internal/types"
)

// #region strategy-ids

// StrategyID names a recovery strategy.
type StrategyID string

const (
	StrategyHumanEscalation StrategyID = "HUMAN_ESCALATION"
	StrategySafetyViolation StrategyID = "SAFETY_VIOLATION_RECOVERY"
	StrategyCognitiveStall  StrategyID = "COGNITIVE_STALL_RECOVERY"
)

// #endregion strategy-ids

// #region plan

// Plan is the output of a strategy. Its fields are read-only and it has no
// confidence boost or barrier mode field, so neither can be set.
type Plan struct {
	id              StrategyID
	forcedPersona   string
	injectedPrompt  string
	sensoryFloorCut float64
	emergencyCut    float64
}

// ID returns the strategy that produced the plan.
func (p Plan) ID() StrategyID { return p.id }

// ForcedPersona returns the persona the retry must use, or "".
func (p Plan) ForcedPersona() string { return p.forcedPersona }

// InjectedPrompt returns the prompt text added to the retry context.
func (p Plan) InjectedPrompt() string { return p.injectedPrompt }

// ConfidenceBoost is always zero.
func (Plan) ConfidenceBoost() float64 { return 0 }

// BarrierMode is always ENFORCE.
func (Plan) BarrierMode() barrier.EnforcementMode { return barrier.ModeEnforce }

// Apply returns a retry context derived from ec. ec itself is not changed.
func (p Plan) Apply(ec types.ExecutionContext) types.ExecutionContext {
	out := ec
	if p.forcedPersona != "" {
		out.ActivePersona = p.forcedPersona
	}
	if p.injectedPrompt != "" {
		out.SystemPrompt = strings.TrimSpace(ec.SystemPrompt + "\n\n" + p.injectedPrompt)
	}
	if p.sensoryFloorCut > 0 {
		out.Settings.SensoryFloor = max(minSensoryFloor, ec.Settings.SensoryFloor-p.sensoryFloorCut)
	}
	if p.emergencyCut > 0 {
		out.Settings.EmergencyThreshold = max(minEmergencyThreshold, ec.Settings.EmergencyThreshold-p.emergencyCut)
	}
	return out
}

// MarshalJSON writes the plan for audit entries, invariants included.
func (p Plan) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Strategy        StrategyID              `json:"strategy"`
		ForcedPersona   string                  `json:"forced_persona,omitempty"`
		InjectedPrompt  string                  `json:"injected_prompt,omitempty"`
		ConfidenceBoost float64                 `json:"confidence_boost"`
		BarrierMode     barrier.EnforcementMode `json:"barrier_mode"`
	}{p.id, p.forcedPersona, p.injectedPrompt, p.ConfidenceBoost(), p.BarrierMode()})
}

// #endregion plan

// #region strategy-definitions

const (
	minSensoryFloor       = 0.05
	minEmergencyThreshold = 0.3

	safetyPrompt = "A previous attempt was blocked by a safety constraint. " +
		"Propose an alternative that stays within the constraint, or ask the user how to proceed."
	stallPrompt = "Confidence is too low to act. " +
		"Ask the user one clarifying question before attempting the action again."
)

// Strategies holds the built-in plans.
var Strategies = map[StrategyID]Plan{
	StrategyHumanEscalation: {
		id: StrategyHumanEscalation,
	},
	StrategySafetyViolation: {
		id:              StrategySafetyViolation,
		injectedPrompt:  safetyPrompt,
		sensoryFloorCut: 0.05,
	},
	StrategyCognitiveStall: {
		id:             StrategyCognitiveStall,
		forcedPersona:  persona.Scout,
		injectedPrompt: stallPrompt,
		emergencyCut:   0.1,
	},
}

// #endregion strategy-definitions

// #region select

// Select maps the source of the last rejection to a strategy.
func Select(source types.RejectionSource) Plan {
	switch source {
	case types.SourceVeto:
		return Strategies[StrategyHumanEscalation]
	case types.SourceCBF:
		return Strategies[StrategySafetyViolation]
	default:
		return Strategies[StrategyCognitiveStall]
	}
}

// #endregion select
