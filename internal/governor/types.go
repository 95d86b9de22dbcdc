package governor

// #region state

// State is the governor's operating band, selected from epistemic uncertainty.
type State string

const (
	StateNormal       State = "NORMAL"
	StateCautious     State = "CAUTIOUS"
	StateConservative State = "CONSERVATIVE"
	StateEmergency    State = "EMERGENCY_SAFE_MODE"
)

// #endregion state

// #region input-config

// Input is one governor evaluation request.
type Input struct {
	RequestedConfidence  float64 // γ_req, > 0
	EpistemicUncertainty float64 // ε in [0,1]
	SensoryPrecision     float64 // π_s in [0,1]
}

// Config holds the tenant-tunable bounds.
type Config struct {
	GammaMax           float64
	EmergencyThreshold float64
	SensoryFloor       float64
}

// #endregion input-config

// #region result

// Trace is the arithmetic behind a result, kept for audit.
type Trace struct {
	ConfidenceFactor float64 `json:"confidence_factor"`
	SensoryFactor    float64 `json:"sensory_factor"`
	Raw              float64 `json:"raw"`
	StateMultiplier  float64 `json:"state_multiplier"`
	EmergencyCapped  bool    `json:"emergency_capped"`
	Clamped          float64 `json:"clamped"`
}

// Result is the bounded confidence and the state that produced it.
type Result struct {
	AllowedConfidence float64 `json:"allowed_confidence"`
	State             State   `json:"state"`
	WasLimited        bool    `json:"was_limited"`
	SensoryFloor      float64 `json:"sensory_floor"`
	Reason            string  `json:"reason"`
	Trace             Trace   `json:"trace"`
}

// #endregion result
