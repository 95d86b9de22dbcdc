package governor

import (
	"math"
	"testing"

	"github.com/zynapses/cato-safety/internal/config"
)

func defaultConfig() Config {
	return ConfigFrom(config.Defaults())
}

// #region scenario-tests
func TestEvaluate_NormalReduced(t *testing.T) {
	g := New()
	r := g.Evaluate(Input{RequestedConfidence: 2.0, EpistemicUncertainty: 0.1, SensoryPrecision: 0.9}, defaultConfig())

	if r.State != StateNormal {
		t.Errorf("expected NORMAL, got %s", r.State)
	}
	if math.Abs(r.AllowedConfidence-1.8) > 1e-9 {
		t.Errorf("expected 1.8, got %.6f", r.AllowedConfidence)
	}
	if !r.WasLimited {
		t.Error("expected wasLimited")
	}
	if r.Trace.SensoryFactor != 1 {
		t.Errorf("sensory factor should saturate at 1, got %.4f", r.Trace.SensoryFactor)
	}
}

func TestEvaluate_States(t *testing.T) {
	tests := []struct {
		eps   float64
		state State
		want  float64
	}{
		{0.0, StateNormal, 4.0},
		{0.2, StateCautious, 4.0 * 0.8 * 0.8},
		{0.4, StateConservative, 4.0 * 0.6 * 0.5},
		{0.5, StateEmergency, 1.0},
		{0.9, StateEmergency, 4.0 * 0.1 * 0.5},
	}
	g := New()
	for _, tt := range tests {
		r := g.Evaluate(Input{RequestedConfidence: 4.0, EpistemicUncertainty: tt.eps, SensoryPrecision: 1}, defaultConfig())
		if r.State != tt.state {
			t.Errorf("ε=%.1f: expected %s, got %s", tt.eps, tt.state, r.State)
		}
		if math.Abs(r.AllowedConfidence-tt.want) > 1e-9 {
			t.Errorf("ε=%.1f: expected %.4f, got %.4f", tt.eps, tt.want, r.AllowedConfidence)
		}
	}
}

func TestEvaluate_EmergencyCapsAtOne(t *testing.T) {
	g := New()
	r := g.Evaluate(Input{RequestedConfidence: 5, EpistemicUncertainty: 0.5, SensoryPrecision: 1}, defaultConfig())
	if r.State != StateEmergency {
		t.Fatalf("expected emergency, got %s", r.State)
	}
	if r.AllowedConfidence > 1.0 {
		t.Errorf("emergency must cap at 1.0, got %.4f", r.AllowedConfidence)
	}
	if !r.Trace.EmergencyCapped {
		t.Error("expected cap to be recorded in trace")
	}
}

func TestEvaluate_SensoryFloor(t *testing.T) {
	g := New()
	r := g.Evaluate(Input{RequestedConfidence: 2, EpistemicUncertainty: 0, SensoryPrecision: 0.25}, defaultConfig())
	if math.Abs(r.AllowedConfidence-1.0) > 1e-9 {
		t.Errorf("expected 2*0.5=1.0, got %.4f", r.AllowedConfidence)
	}
	if r.SensoryFloor != 0.5 {
		t.Errorf("expected floor 0.5 reported, got %.2f", r.SensoryFloor)
	}
}

func TestEvaluate_NotLimited(t *testing.T) {
	r := New().Evaluate(Input{RequestedConfidence: 1, EpistemicUncertainty: 0, SensoryPrecision: 1}, defaultConfig())
	if r.WasLimited {
		t.Error("unreduced confidence should not be limited")
	}
}

// #endregion scenario-tests

// #region property-tests
func TestEvaluate_MonotoneAndBounded(t *testing.T) {
	g := New()
	thresholds := []float64{0.1, 0.3, 0.5, 0.7, 1.0}
	requests := []float64{0.05, 0.5, 1, 2, 5, 20}
	precisions := []float64{0, 0.1, 0.5, 0.9, 1}

	for _, em := range thresholds {
		cfg := Config{GammaMax: 5, EmergencyThreshold: em, SensoryFloor: 0.5}
		for _, req := range requests {
			for _, pi := range precisions {
				prev := math.Inf(1)
				for i := 0; i <= 100; i++ {
					eps := float64(i) / 100
					r := g.Evaluate(Input{RequestedConfidence: req, EpistemicUncertainty: eps, SensoryPrecision: pi}, cfg)
					if r.AllowedConfidence > prev+1e-12 {
						t.Fatalf("not monotone: em=%.1f req=%.2f pi=%.1f ε=%.2f: %.6f > %.6f",
							em, req, pi, eps, r.AllowedConfidence, prev)
					}
					if r.AllowedConfidence > cfg.GammaMax || r.AllowedConfidence < 0.1 {
						t.Fatalf("out of bounds: %.6f", r.AllowedConfidence)
					}
					prev = r.AllowedConfidence
				}
			}
		}
	}
}

func TestEvaluate_ClampsInputs(t *testing.T) {
	r := New().Evaluate(Input{RequestedConfidence: 2, EpistemicUncertainty: 3, SensoryPrecision: -1}, defaultConfig())
	if r.State != StateEmergency {
		t.Errorf("ε>1 should clamp to 1 and select emergency, got %s", r.State)
	}
	if r.AllowedConfidence != 0.1 {
		t.Errorf("expected floor 0.1, got %.4f", r.AllowedConfidence)
	}
}

// #endregion property-tests
