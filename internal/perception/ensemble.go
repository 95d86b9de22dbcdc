package perception

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zynapses/cato-safety/internal/logging"
)

// #region ensemble

// Ensemble runs several detectors concurrently and ORs their flags.
// If any member fails the result is degraded to Conservative; if all fail the
// joined error is returned as well.
type Ensemble struct {
	members []Detector
	log     *zap.Logger
}

// NewEnsemble combines detectors. A nil logger discards output.
func NewEnsemble(log *zap.Logger, members ...Detector) *Ensemble {
	return &Ensemble{members: members, log: logging.OrNop(log).Named("perception")}
}

// Detect implements Detector.
func (e *Ensemble) Detect(ctx context.Context, text string) (Result, error) {
	if len(e.members) == 0 {
		return Result{}, errors.New("perception: empty ensemble")
	}
	results := make([]Result, len(e.members))
	errs := make([]error, len(e.members))

	var g errgroup.Group
	for i, d := range e.members {
		g.Go(func() error {
			results[i], errs[i] = d.Detect(ctx, text)
			return nil
		})
	}
	g.Wait()

	var out Result
	failed := 0
	for i, r := range results {
		if errs[i] != nil {
			failed++
			e.log.Warn("detector failed", zap.Int("member", i), zap.Error(errs[i]))
			continue
		}
		out.PHIDetected = out.PHIDetected || r.PHIDetected
		out.PIIDetected = out.PIIDetected || r.PIIDetected
		if r.Confidence > out.Confidence {
			out.Confidence = r.Confidence
		}
		out.Findings = append(out.Findings, r.Findings...)
	}

	switch {
	case failed == len(e.members):
		return Conservative(), errors.Join(errs...)
	case failed > 0:
		c := Conservative()
		c.Findings = out.Findings
		return c, nil
	}
	return out, nil
}

// #endregion ensemble
