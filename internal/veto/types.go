package veto

import (
	"fmt"
	"time"
)

// GlobalScope applies a signal to every tenant.
const GlobalScope = "global"

// #region severity

// Severity ranks veto signals. Higher values win.
type Severity int

const (
	SeverityWarning Severity = iota + 1
	SeverityCritical
	SeverityEmergency
)

var severityNames = map[Severity]string{
	SeverityWarning:   "warning",
	SeverityCritical:  "critical",
	SeverityEmergency: "emergency",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseSeverity reads "warning", "critical" or "emergency".
func ParseSeverity(s string) (Severity, bool) {
	for k, v := range severityNames {
		if v == s {
			return k, true
		}
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, ok := ParseSeverity(string(b))
	if !ok {
		return fmt.Errorf("unknown severity %q", string(b))
	}
	*s = v
	return nil
}

// TTL is how long a signal of this severity stays active after activation.
func (s Severity) TTL() time.Duration {
	switch s {
	case SeverityEmergency:
		return 24 * time.Hour
	case SeverityCritical:
		return time.Hour
	default:
		return 5 * time.Minute
	}
}

// Ceiling is the confidence enforced while a signal of this severity is active.
func (s Severity) Ceiling() float64 {
	switch s {
	case SeverityEmergency:
		return 0.1
	case SeverityCritical:
		return 0.5
	default:
		return 1.0
	}
}

// #endregion severity

// #region signal

// Signal is one active veto.
type Signal struct {
	Name        string    `json:"name"`
	Scope       string    `json:"scope"`
	Severity    Severity  `json:"severity"`
	Source      string    `json:"source"`
	ActivatedAt time.Time `json:"activated_at"`
	// RefreshedAt is the last re-activation of the already active signal.
	RefreshedAt time.Time `json:"refreshed_at,omitzero"`
}

// ExpiresAt is the later of ActivatedAt and RefreshedAt plus the severity TTL.
func (s Signal) ExpiresAt() time.Time {
	base := s.ActivatedAt
	if s.RefreshedAt.After(base) {
		base = s.RefreshedAt
	}
	return base.Add(s.Severity.TTL())
}

// #endregion signal

// #region result

// Result aggregates the active signals visible to a tenant.
type Result struct {
	Active             bool     `json:"active"`
	Signal             *Signal  `json:"signal,omitempty"` // highest severity
	Signals            []Signal `json:"signals,omitempty"`
	EnforcedConfidence float64  `json:"enforced_confidence"`
	Escalate           bool     `json:"escalate"`
	Reason             string   `json:"reason,omitempty"`
}

// #endregion result

// #region alarms

// AlarmState is the state reported by an external alarm.
type AlarmState string

const (
	AlarmFiring AlarmState = "FIRING"
	AlarmOK     AlarmState = "OK"
)

// AlarmTransition is one alarm observation. Scope defaults to global.
type AlarmTransition struct {
	Alarm string     `json:"alarm"`
	State AlarmState `json:"state"`
	Scope string     `json:"scope,omitempty"`
}

// AlarmMapping binds an alarm name to the signal it drives.
type AlarmMapping struct {
	Signal   string
	Severity Severity
}

// DefaultAlarmMappings returns the built-in alarm table.
func DefaultAlarmMappings() map[string]AlarmMapping {
	return map[string]AlarmMapping{
		"data_breach_detected": {Signal: "data_breach", Severity: SeverityEmergency},
		"phi_leak_detected":    {Signal: "phi_leak", Severity: SeverityEmergency},
		"system_overload":      {Signal: "system_overload", Severity: SeverityCritical},
		"cost_anomaly":         {Signal: "cost_anomaly", Severity: SeverityCritical},
		"error_rate_high":      {Signal: "error_rate_high", Severity: SeverityWarning},
		"model_drift":          {Signal: "model_drift", Severity: SeverityWarning},
	}
}

// #endregion alarms
