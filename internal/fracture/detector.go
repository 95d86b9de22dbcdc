// Package fracture detects misalignment between a user's stated intent and
// what an action or response actually does.
package fracture

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zynapses/cato-safety/internal/entropy"
	"github.com/zynapses/cato-safety/internal/logging"
)

// #region detector

// Detector combines the causal, narrative and entropy checks.
type Detector struct {
	log *zap.Logger
}

// NewDetector creates a detector.
func NewDetector(log *zap.Logger) *Detector {
	return &Detector{log: logging.OrNop(log).Named("fracture")}
}

// Detect runs all three checks. Severity is the count of flagged checks:
// one is minor, two moderate, three critical.
func (d *Detector) Detect(_ context.Context, in Input, cfg Config) Result {
	var r Result

	// 1. Causal
	r.Causal = causal(in)
	if r.Causal.LatentFracture {
		r.Types = append(r.Types, TypeCausal)
	}

	// 2. Narrative
	r.Narrative = d.narrativeSafe(in, cfg)
	if r.Narrative.Misaligned {
		r.Types = append(r.Types, TypeNarrativeAlign)
	}
	if r.Narrative.Evasive {
		r.Types = append(r.Types, TypeNarrativeEvasion)
	}

	// 3. Entropy
	if cfg.EntropyEnabled {
		a := in.Entropy
		if a == nil {
			computed := entropy.Analyze(in.Response)
			a = &computed
		}
		r.Entropy = EntropyResult{Enabled: true, Analysis: a, Deceptive: a.Deceptive}
		if a.Deceptive {
			r.Types = append(r.Types, TypeEntropy)
		}
	}

	flagged := 0
	if r.Causal.LatentFracture {
		flagged++
	}
	if r.Narrative.Misaligned || r.Narrative.Evasive {
		flagged++
	}
	if r.Entropy.Deceptive {
		flagged++
	}
	r.Severity = severityFor(flagged)
	r.Recommendation = recommend(r)
	return r
}

// narrativeSafe turns a heuristic panic into the mid-range fallback.
func (d *Detector) narrativeSafe(in Input, cfg Config) (res NarrativeResult) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("narrative scoring failed", zap.Any("panic", p))
			res = fallbackNarrative(cfg)
		}
	}()
	return narrative(in, cfg)
}

// #endregion detector

// #region severity

func severityFor(flagged int) Severity {
	switch {
	case flagged >= 3:
		return SeverityCritical
	case flagged == 2:
		return SeverityModerate
	case flagged == 1:
		return SeverityMinor
	default:
		return SeverityNone
	}
}

func recommend(r Result) string {
	switch r.Severity {
	case SeverityCritical:
		return fmt.Sprintf("block: intent fracture across all checks (%s)", joinTypes(r.Types))
	case SeverityModerate:
		return fmt.Sprintf("review: response diverges from stated intent (%s)", joinTypes(r.Types))
	case SeverityMinor:
		return fmt.Sprintf("monitor: minor divergence (%s)", joinTypes(r.Types))
	default:
		return "proceed: response consistent with intent"
	}
}

func joinTypes(ts []Type) string {
	s := make([]string, len(ts))
	for i, t := range ts {
		s[i] = string(t)
	}
	return strings.Join(s, ", ")
}

// #endregion severity
