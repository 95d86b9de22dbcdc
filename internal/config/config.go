// Package config holds tenant settings for the safety pipeline: built-in
// defaults, sparse per-tenant overrides, file loading and tenant stores.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// #region defaults

// Defaults returns the built-in settings used when a tenant has no overrides.
func Defaults() TenantSettings {
	return TenantSettings{
		GammaMax:           5.0,
		EmergencyThreshold: 0.5,
		SensoryFloor:       0.5,

		LivelockThreshold:   3,
		LivelockWindow:      10 * time.Second,
		MaxRecoveryAttempts: 3,
		RecoveryStateTTL:    5 * time.Minute,
		PersonaOverrideTTL:  30 * time.Minute,

		EntropyEnabled:   true,
		EntropyHighRisk:  0.8,
		EntropyLowRisk:   0.3,
		EntropyResultTTL: time.Hour,

		FractureEnabled:        true,
		FractureEntropyEnabled: true,
		NarrativeWeights: NarrativeWeights{
			WordOverlap:      0.25,
			IntentCompletion: 0.25,
			Sentiment:        0.15,
			TopicCoherence:   0.20,
			Completeness:     0.15,
		},
		AlignmentThreshold: 0.5,
		EvasionThreshold:   0.3,

		AuditTileSize: 1000,

		CheckpointMode:          CheckpointAuto,
		CheckpointRiskThreshold: 0.85,
		CheckpointCostThreshold: 25.0,
	}
}

// #endregion defaults

// #region apply

// Apply returns base with every non-nil override written over it.
func (o TenantOverrides) Apply(base TenantSettings) TenantSettings {
	s := base
	if o.GammaMax != nil {
		s.GammaMax = *o.GammaMax
	}
	if o.EmergencyThreshold != nil {
		s.EmergencyThreshold = *o.EmergencyThreshold
	}
	if o.SensoryFloor != nil {
		s.SensoryFloor = *o.SensoryFloor
	}
	if o.LivelockThreshold != nil {
		s.LivelockThreshold = *o.LivelockThreshold
	}
	if o.LivelockWindow != nil {
		s.LivelockWindow = o.LivelockWindow.Duration
	}
	if o.MaxRecoveryAttempts != nil {
		s.MaxRecoveryAttempts = *o.MaxRecoveryAttempts
	}
	if o.RecoveryStateTTL != nil {
		s.RecoveryStateTTL = o.RecoveryStateTTL.Duration
	}
	if o.PersonaOverrideTTL != nil {
		s.PersonaOverrideTTL = o.PersonaOverrideTTL.Duration
	}
	if o.EntropyEnabled != nil {
		s.EntropyEnabled = *o.EntropyEnabled
	}
	if o.EntropyHighRisk != nil {
		s.EntropyHighRisk = *o.EntropyHighRisk
	}
	if o.EntropyLowRisk != nil {
		s.EntropyLowRisk = *o.EntropyLowRisk
	}
	if o.EntropyResultTTL != nil {
		s.EntropyResultTTL = o.EntropyResultTTL.Duration
	}
	if o.FractureEnabled != nil {
		s.FractureEnabled = *o.FractureEnabled
	}
	if o.FractureEntropyEnabled != nil {
		s.FractureEntropyEnabled = *o.FractureEntropyEnabled
	}
	if o.NarrativeWeights != nil {
		s.NarrativeWeights = *o.NarrativeWeights
	}
	if o.AlignmentThreshold != nil {
		s.AlignmentThreshold = *o.AlignmentThreshold
	}
	if o.EvasionThreshold != nil {
		s.EvasionThreshold = *o.EvasionThreshold
	}
	if o.AuditTileSize != nil {
		s.AuditTileSize = *o.AuditTileSize
	}
	if o.CheckpointMode != nil {
		s.CheckpointMode = *o.CheckpointMode
	}
	if o.CheckpointRiskThreshold != nil {
		s.CheckpointRiskThreshold = *o.CheckpointRiskThreshold
	}
	if o.CheckpointCostThreshold != nil {
		s.CheckpointCostThreshold = *o.CheckpointCostThreshold
	}
	return s
}

// #endregion apply

// #region validate

// Validate checks ranges of a fully merged settings value.
func Validate(s TenantSettings) error {
	if s.GammaMax < 0.1 {
		return fmt.Errorf("%w: gamma_max %.4f below minimum 0.1", ErrInvalid, s.GammaMax)
	}
	if !inUnit(s.EmergencyThreshold) {
		return fmt.Errorf("%w: emergency_threshold %.4f outside [0,1]", ErrInvalid, s.EmergencyThreshold)
	}
	if s.SensoryFloor <= 0 || s.SensoryFloor > 1 {
		return fmt.Errorf("%w: sensory_floor %.4f outside (0,1]", ErrInvalid, s.SensoryFloor)
	}
	if s.LivelockThreshold < 1 {
		return fmt.Errorf("%w: livelock_threshold must be >= 1", ErrInvalid)
	}
	if s.LivelockWindow <= 0 {
		return fmt.Errorf("%w: livelock_window must be positive", ErrInvalid)
	}
	if s.MaxRecoveryAttempts < 1 {
		return fmt.Errorf("%w: max_recovery_attempts must be >= 1", ErrInvalid)
	}
	if !inUnit(s.EntropyLowRisk) || !inUnit(s.EntropyHighRisk) || s.EntropyLowRisk > s.EntropyHighRisk {
		return fmt.Errorf("%w: entropy thresholds low=%.2f high=%.2f", ErrInvalid, s.EntropyLowRisk, s.EntropyHighRisk)
	}
	if s.NarrativeWeights.Sum() <= 0 {
		return fmt.Errorf("%w: narrative weights sum to zero", ErrInvalid)
	}
	if !inUnit(s.AlignmentThreshold) || !inUnit(s.EvasionThreshold) {
		return fmt.Errorf("%w: fracture thresholds outside [0,1]", ErrInvalid)
	}
	if s.AuditTileSize < 1 {
		return fmt.Errorf("%w: audit_tile_size must be >= 1", ErrInvalid)
	}
	switch s.CheckpointMode {
	case CheckpointDisabled, CheckpointAuto, CheckpointManual, CheckpointNotifyOnly:
	default:
		return fmt.Errorf("%w: unknown checkpoint mode %q", ErrInvalid, s.CheckpointMode)
	}
	return nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

// #endregion validate

// #region load

// Load reads a process config file. The format follows the extension:
// .yaml/.yml or .toml.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".toml":
		err = toml.Unmarshal(data, &f)
	default:
		return File{}, fmt.Errorf("%w: unsupported config extension %q", ErrInvalid, filepath.Ext(path))
	}
	if err != nil {
		return File{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	applyFileDefaults(&f)
	if err := Validate(f.Defaults.Apply(Defaults())); err != nil {
		return File{}, fmt.Errorf("defaults: %w", err)
	}
	for id, o := range f.Tenants {
		if err := Validate(o.Apply(f.Defaults.Apply(Defaults()))); err != nil {
			return File{}, fmt.Errorf("tenant %s: %w", id, err)
		}
	}
	return f, nil
}

// DefaultFile is the process config used when no file is given.
func DefaultFile() File {
	var f File
	applyFileDefaults(&f)
	return f
}

func applyFileDefaults(f *File) {
	if f.DatabasePath == "" {
		f.DatabasePath = "cato.db"
	}
	if f.MetricsAddr == "" {
		f.MetricsAddr = ":9464"
	}
	if f.EntropyWorkers <= 0 {
		f.EntropyWorkers = 4
	}
	if f.AlarmPoll.Duration <= 0 {
		f.AlarmPoll.Duration = 30 * time.Second
	}
}

// #endregion load
