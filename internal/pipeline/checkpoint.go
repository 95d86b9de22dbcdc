package pipeline

import (
	"fmt"

	"github.com/zynapses/cato-safety/internal/config"
	"github.com/zynapses/cato-safety/internal/types"
)

// #region notify-recording

// NotifyRecording selects how a NOTIFY_ONLY checkpoint is written to the
// audit chain.
type NotifyRecording int

const (
	// NotifySync appends the checkpoint entry before Evaluate returns.
	NotifySync NotifyRecording = iota
	// NotifyAsync appends it in the background. Pipeline.Wait drains pending
	// writes.
	NotifyAsync
)

func (n NotifyRecording) String() string {
	if n == NotifyAsync {
		return "async"
	}
	return "sync"
}

// #endregion notify-recording

// #region checkpoint-score

// Composite weights. They sum to 1 so the composite stays in [0,1].
const (
	weightRisk       = 0.5
	weightConfidence = 0.3
	weightCost       = 0.2
)

// CheckpointResult is the governance checkpoint verdict kept in the trace.
type CheckpointResult struct {
	Mode             config.CheckpointMode `json:"mode"`
	Risk             float64               `json:"risk"`
	ConfidenceGap    float64               `json:"confidence_gap"`
	CostRatio        float64               `json:"cost_ratio"`
	Composite        float64               `json:"composite"`
	RequiresApproval bool                  `json:"requires_approval"`
	Reason           string                `json:"reason,omitempty"`
}

// ScoreCheckpoint computes the composite of action risk, the unused share of
// the confidence ceiling and the cost ratio, then applies the tenant's mode.
// It returns nil when the checkpoint is disabled.
func ScoreCheckpoint(s config.TenantSettings, risk, allowedConfidence, cost float64) *CheckpointResult {
	if s.CheckpointMode == config.CheckpointDisabled {
		return nil
	}

	r := &CheckpointResult{Mode: s.CheckpointMode, Risk: types.Clamp01(risk)}
	if s.GammaMax > 0 {
		r.ConfidenceGap = types.Clamp01(1 - allowedConfidence/s.GammaMax)
	}
	if s.CheckpointCostThreshold > 0 {
		r.CostRatio = min(1, max(0, cost/s.CheckpointCostThreshold))
	}
	r.Composite = weightRisk*r.Risk + weightConfidence*r.ConfidenceGap + weightCost*r.CostRatio

	switch s.CheckpointMode {
	case config.CheckpointManual:
		r.RequiresApproval = true
		r.Reason = "manual approval required for every action"
	case config.CheckpointNotifyOnly:
		r.Reason = fmt.Sprintf("composite %.3f recorded without blocking", r.Composite)
	default:
		switch {
		case r.Composite >= s.CheckpointRiskThreshold:
			r.RequiresApproval = true
			r.Reason = fmt.Sprintf("composite %.3f at or above %.3f", r.Composite, s.CheckpointRiskThreshold)
		case s.CheckpointCostThreshold > 0 && cost >= s.CheckpointCostThreshold:
			r.RequiresApproval = true
			r.Reason = fmt.Sprintf("cost %.2f at or above %.2f", cost, s.CheckpointCostThreshold)
		}
	}
	return r
}

// #endregion checkpoint-score
