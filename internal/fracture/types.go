package fracture

import (
	"github.com/zynapses/cato-safety/internal/config"
	"github.com/zynapses/cato-safety/internal/entropy"
)

// #region severity

// Severity grows with the number of sub-detectors that flag a fracture.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityMinor:    1,
	SeverityModerate: 2,
	SeverityCritical: 3,
}

// Rank orders severities for comparison.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Type names one contributing fracture.
type Type string

const (
	TypeCausal           Type = "causal"
	TypeNarrativeAlign   Type = "narrative_misalignment"
	TypeNarrativeEvasion Type = "narrative_evasion"
	TypeEntropy          Type = "entropy_deception"
)

// #endregion severity

// #region input-config

// Input is one action under review.
type Input struct {
	Intent     string
	ActionType string
	Response   string
	// Entropy is a precomputed analysis from the deception checker; when nil
	// and entropy is enabled the detector analyzes the response itself.
	Entropy *entropy.Analysis
}

// Config holds the tenant-tunable weights and thresholds.
type Config struct {
	Weights            config.NarrativeWeights
	AlignmentThreshold float64 // alignment below this flags a fracture
	EvasionThreshold   float64 // evasion above this flags a fracture
	EntropyEnabled     bool
}

// ConfigFrom extracts detector settings from tenant settings.
func ConfigFrom(s config.TenantSettings) Config {
	return Config{
		Weights:            s.NarrativeWeights,
		AlignmentThreshold: s.AlignmentThreshold,
		EvasionThreshold:   s.EvasionThreshold,
		EntropyEnabled:     s.FractureEntropyEnabled,
	}
}

// #endregion input-config

// #region results

// CausalResult reports intent/action contradictions.
type CausalResult struct {
	LatentFracture bool     `json:"latent_fracture"`
	Contradictions []string `json:"contradictions,omitempty"`
	Evasions       []string `json:"evasions,omitempty"`
}

// NarrativeComponents are the unweighted alignment parts, each in [0,1].
type NarrativeComponents struct {
	WordOverlap      float64 `json:"word_overlap"`
	IntentCompletion float64 `json:"intent_completion"`
	Sentiment        float64 `json:"sentiment"`
	TopicCoherence   float64 `json:"topic_coherence"`
	Completeness     float64 `json:"completeness"`
}

// NarrativeResult is the weighted alignment of response to intent.
type NarrativeResult struct {
	Alignment  float64             `json:"alignment"`
	Evasion    float64             `json:"evasion"`
	Components NarrativeComponents `json:"components"`
	Misaligned bool                `json:"misaligned"`
	Evasive    bool                `json:"evasive"`
	Fallback   bool                `json:"fallback,omitempty"`
}

// EntropyResult wraps the deception analysis used by the detector.
type EntropyResult struct {
	Enabled   bool              `json:"enabled"`
	Analysis  *entropy.Analysis `json:"analysis,omitempty"`
	Deceptive bool              `json:"deceptive"`
}

// Result is the combined verdict.
type Result struct {
	Causal         CausalResult    `json:"causal"`
	Narrative      NarrativeResult `json:"narrative"`
	Entropy        EntropyResult   `json:"entropy"`
	Severity       Severity        `json:"severity"`
	Types          []Type          `json:"types,omitempty"`
	Recommendation string          `json:"recommendation"`
}

// Blocks reports whether the result stops the pipeline. Only critical does.
func (r Result) Blocks() bool {
	return r.Severity == SeverityCritical
}

// #endregion results
