package config

import (
	"fmt"
	"time"
)

// #region checkpoint-mode

// CheckpointMode selects how the governance checkpoint gates an action.
type CheckpointMode string

const (
	CheckpointDisabled   CheckpointMode = "DISABLED"
	CheckpointAuto       CheckpointMode = "AUTO"
	CheckpointManual     CheckpointMode = "MANUAL"
	CheckpointNotifyOnly CheckpointMode = "NOTIFY_ONLY"
)

// #endregion checkpoint-mode

// #region narrative-weights

// NarrativeWeights blends the narrative-alignment components. Weights are
// normalized by their sum at scoring time.
type NarrativeWeights struct {
	WordOverlap      float64 `yaml:"word_overlap" toml:"word_overlap" json:"word_overlap"`
	IntentCompletion float64 `yaml:"intent_completion" toml:"intent_completion" json:"intent_completion"`
	Sentiment        float64 `yaml:"sentiment" toml:"sentiment" json:"sentiment"`
	TopicCoherence   float64 `yaml:"topic_coherence" toml:"topic_coherence" json:"topic_coherence"`
	Completeness     float64 `yaml:"completeness" toml:"completeness" json:"completeness"`
}

// Sum returns the total weight.
func (w NarrativeWeights) Sum() float64 {
	return w.WordOverlap + w.IntentCompletion + w.Sentiment + w.TopicCoherence + w.Completeness
}

// #endregion narrative-weights

// #region tenant-settings

// TenantSettings carries every tunable the pipeline reads for one tenant.
type TenantSettings struct {
	// Governor
	GammaMax           float64
	EmergencyThreshold float64
	SensoryFloor       float64

	// Epistemic recovery
	LivelockThreshold   int
	LivelockWindow      time.Duration
	MaxRecoveryAttempts int
	RecoveryStateTTL    time.Duration
	PersonaOverrideTTL  time.Duration

	// Entropy checker
	EntropyEnabled   bool
	EntropyHighRisk  float64
	EntropyLowRisk   float64
	EntropyResultTTL time.Duration

	// Fracture detector
	FractureEnabled        bool
	FractureEntropyEnabled bool
	NarrativeWeights       NarrativeWeights
	AlignmentThreshold     float64
	EvasionThreshold       float64

	// Audit
	AuditTileSize int

	// Governance checkpoint
	CheckpointMode          CheckpointMode
	CheckpointRiskThreshold float64
	CheckpointCostThreshold float64
}

// #endregion tenant-settings

// #region duration

// Duration is a time.Duration that reads and writes Go duration strings
// ("10s", "1h") in YAML, TOML and JSON.
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(b), err)
	}
	d.Duration = v
	return nil
}

// #endregion duration

// #region tenant-overrides

// TenantOverrides is a sparse set of settings; nil fields keep the base value.
type TenantOverrides struct {
	GammaMax           *float64 `yaml:"gamma_max,omitempty" toml:"gamma_max" json:"gamma_max,omitempty"`
	EmergencyThreshold *float64 `yaml:"emergency_threshold,omitempty" toml:"emergency_threshold" json:"emergency_threshold,omitempty"`
	SensoryFloor       *float64 `yaml:"sensory_floor,omitempty" toml:"sensory_floor" json:"sensory_floor,omitempty"`

	LivelockThreshold   *int      `yaml:"livelock_threshold,omitempty" toml:"livelock_threshold" json:"livelock_threshold,omitempty"`
	LivelockWindow      *Duration `yaml:"livelock_window,omitempty" toml:"livelock_window" json:"livelock_window,omitempty"`
	MaxRecoveryAttempts *int      `yaml:"max_recovery_attempts,omitempty" toml:"max_recovery_attempts" json:"max_recovery_attempts,omitempty"`
	RecoveryStateTTL    *Duration `yaml:"recovery_state_ttl,omitempty" toml:"recovery_state_ttl" json:"recovery_state_ttl,omitempty"`
	PersonaOverrideTTL  *Duration `yaml:"persona_override_ttl,omitempty" toml:"persona_override_ttl" json:"persona_override_ttl,omitempty"`

	EntropyEnabled   *bool     `yaml:"entropy_enabled,omitempty" toml:"entropy_enabled" json:"entropy_enabled,omitempty"`
	EntropyHighRisk  *float64  `yaml:"entropy_high_risk,omitempty" toml:"entropy_high_risk" json:"entropy_high_risk,omitempty"`
	EntropyLowRisk   *float64  `yaml:"entropy_low_risk,omitempty" toml:"entropy_low_risk" json:"entropy_low_risk,omitempty"`
	EntropyResultTTL *Duration `yaml:"entropy_result_ttl,omitempty" toml:"entropy_result_ttl" json:"entropy_result_ttl,omitempty"`

	FractureEnabled        *bool             `yaml:"fracture_enabled,omitempty" toml:"fracture_enabled" json:"fracture_enabled,omitempty"`
	FractureEntropyEnabled *bool             `yaml:"fracture_entropy_enabled,omitempty" toml:"fracture_entropy_enabled" json:"fracture_entropy_enabled,omitempty"`
	NarrativeWeights       *NarrativeWeights `yaml:"narrative_weights,omitempty" toml:"narrative_weights" json:"narrative_weights,omitempty"`
	AlignmentThreshold     *float64          `yaml:"alignment_threshold,omitempty" toml:"alignment_threshold" json:"alignment_threshold,omitempty"`
	EvasionThreshold       *float64          `yaml:"evasion_threshold,omitempty" toml:"evasion_threshold" json:"evasion_threshold,omitempty"`

	AuditTileSize *int `yaml:"audit_tile_size,omitempty" toml:"audit_tile_size" json:"audit_tile_size,omitempty"`

	CheckpointMode          *CheckpointMode `yaml:"checkpoint_mode,omitempty" toml:"checkpoint_mode" json:"checkpoint_mode,omitempty"`
	CheckpointRiskThreshold *float64        `yaml:"checkpoint_risk_threshold,omitempty" toml:"checkpoint_risk_threshold" json:"checkpoint_risk_threshold,omitempty"`
	CheckpointCostThreshold *float64        `yaml:"checkpoint_cost_threshold,omitempty" toml:"checkpoint_cost_threshold" json:"checkpoint_cost_threshold,omitempty"`
}

// #endregion tenant-overrides

// #region file

// File is the on-disk process configuration.
type File struct {
	DatabasePath   string   `yaml:"database_path" toml:"database_path"`
	RedisAddr      string   `yaml:"redis_addr" toml:"redis_addr"`
	MetricsAddr    string   `yaml:"metrics_addr" toml:"metrics_addr"`
	GRPCAddr       string   `yaml:"grpc_addr" toml:"grpc_addr"`
	PerceptionAddr string   `yaml:"perception_addr" toml:"perception_addr"`
	AlarmFile      string   `yaml:"alarm_file" toml:"alarm_file"`
	AlarmPoll      Duration `yaml:"alarm_poll" toml:"alarm_poll"`
	EntropyWorkers int      `yaml:"entropy_workers" toml:"entropy_workers"`

	Defaults TenantOverrides            `yaml:"defaults" toml:"defaults"`
	Tenants  map[string]TenantOverrides `yaml:"tenants" toml:"tenants"`
}

// #endregion file
