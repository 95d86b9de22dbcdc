package perception

import "context"

// #region finding

// Category is the class of sensitive data a finding belongs to.
type Category string

const (
	CategoryPHI Category = "phi"
	CategoryPII Category = "pii"
)

// Finding is one matched pattern. The matched text itself is not kept.
type Finding struct {
	Category Category `json:"category"`
	Kind     string   `json:"kind"`
	Count    int      `json:"count"`
}

// #endregion finding

// #region result

// Result is the output of a detection pass.
type Result struct {
	PHIDetected bool      `json:"phi_detected"`
	PIIDetected bool      `json:"pii_detected"`
	Confidence  float64   `json:"confidence"`
	Findings    []Finding `json:"findings,omitempty"`
	Degraded    bool      `json:"degraded,omitempty"` // a detector failed; flags are conservative
}

// Conservative is the result used when detection could not run: content is
// treated as carrying both PHI and PII.
func Conservative() Result {
	return Result{PHIDetected: true, PIIDetected: true, Confidence: 0, Degraded: true}
}

// #endregion result

// #region detector

// Detector reports whether text contains PHI or PII.
type Detector interface {
	Detect(ctx context.Context, text string) (Result, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, text string) (Result, error)

// Detect implements Detector.
func (f DetectorFunc) Detect(ctx context.Context, text string) (Result, error) {
	return f(ctx, text)
}

// #endregion detector
