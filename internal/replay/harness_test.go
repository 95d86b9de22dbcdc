package replay

import (
	"context"
	"testing"

	"github.com/zynapses/cato-safety/internal/barrier"
	"github.com/zynapses/cato-safety/internal/config"
	"github.com/zynapses/cato-safety/internal/persona"
	"github.com/zynapses/cato-safety/internal/pipeline"
	"github.com/zynapses/cato-safety/internal/types"
	"github.com/zynapses/cato-safety/internal/veto"
)

// helper: environment with one public model seeded.
func newTestEnv(t *testing.T) *Env {
	t.Helper()
	env, err := NewEnv(nil)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	if err := env.Access.PutModel(context.Background(), barrier.Model{ID: "m1", Price: 1}, true); err != nil {
		t.Fatalf("PutModel: %v", err)
	}
	return env
}

// helper: interaction for session sid with the given uncertainty.
func turn(id, sid string, eps float64) Interaction {
	s := config.Defaults()
	return Interaction{
		TurnID: id,
		Request: pipeline.Request{
			Context: types.ExecutionContext{
				TenantID:             "t1",
				UserID:               "u1",
				SessionID:            sid,
				EpistemicUncertainty: eps,
				SensoryPrecision:     0.9,
				Settings:             s,
			},
			Action: types.ProposedAction{Type: "summarize", ModelID: "m1", RequestedConfidence: 2},
			State:  types.SystemState{Settings: s},
		},
	}
}

// 1. Clean turn is allowed under the default persona.
func TestReplay_Allowed(t *testing.T) {
	env := newTestEnv(t)
	results, err := Replay(context.Background(), env, []Interaction{turn("t1", "s1", 0.1)})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Status != pipeline.StatusAllowed || r.Stage != pipeline.StageComplete {
		t.Fatalf("expected ALLOWED/complete, got %s/%s (%s)", r.Status, r.Stage, r.Reason)
	}
	a := r.Decision.(pipeline.Allowed)
	if a.Confidence <= 0 || a.Confidence > 2 {
		t.Errorf("confidence %.3f outside (0, 2]", a.Confidence)
	}
}

// 2. Three stalls in the window arm recovery and the fourth produces a retry;
// the retry context carries the lowered emergency threshold.
func TestReplay_StallRetry(t *testing.T) {
	env := newTestEnv(t)
	retry := turn("retry", "s2", 0.45)
	retry.UseRetryContext = true

	results, err := Replay(context.Background(), env, []Interaction{
		turn("stall-1", "s2", 0.6),
		turn("stall-2", "s2", 0.6),
		turn("stall-3", "s2", 0.6),
		turn("stall-4", "s2", 0.6),
		retry,
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	want := []pipeline.Status{pipeline.StatusBlocked, pipeline.StatusBlocked, pipeline.StatusBlocked, pipeline.StatusRecovery}
	for i, w := range want {
		if results[i].Status != w {
			t.Errorf("turn %s: expected %s, got %s", results[i].TurnID, w, results[i].Status)
		}
	}
	r := results[3].Decision.(pipeline.Retry)
	if r.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", r.Attempt)
	}
	if r.Context.Settings.EmergencyThreshold >= config.Defaults().EmergencyThreshold {
		t.Errorf("expected lowered emergency threshold, got %.2f", r.Context.Settings.EmergencyThreshold)
	}

	// ε 0.45 sits between the lowered threshold and the default, so the
	// retry turn only fails because it runs under the retry context. The
	// window is still over threshold, so it becomes the second attempt.
	last, ok := results[4].Decision.(pipeline.Retry)
	if !ok {
		t.Fatalf("expected second Retry, got %T (%s)", results[4].Decision, results[4].Reason)
	}
	if last.Stage() != pipeline.StageGovernor || last.Attempt != 2 {
		t.Errorf("expected governor retry attempt 2, got %s attempt %d", last.Stage(), last.Attempt)
	}
}

// 3. A retry followed by a clean turn resets the session and reports the
// persona the action ran under.
func TestReplay_RetryThenSuccess(t *testing.T) {
	env := newTestEnv(t)
	retry := turn("retry", "s2", 0.1)
	retry.UseRetryContext = true

	results, err := Replay(context.Background(), env, []Interaction{
		turn("stall-1", "s2", 0.6),
		turn("stall-2", "s2", 0.6),
		turn("stall-3", "s2", 0.6),
		turn("stall-4", "s2", 0.6),
		retry,
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	a, ok := results[4].Decision.(pipeline.Allowed)
	if !ok {
		t.Fatalf("expected Allowed, got %T (%s)", results[4].Decision, results[4].Reason)
	}
	if a.Persona.Persona.Name != persona.Scout {
		t.Errorf("expected scout persona, got %s", a.Persona.Persona.Name)
	}

	rejections, err := env.Sessions.Rejections(context.Background(), "s2")
	if err != nil {
		t.Fatal(err)
	}
	if len(rejections) != 0 {
		t.Errorf("expected window cleared after success, got %d", len(rejections))
	}
}

// 4. An emergency veto escalates and files a ticket; clearing it lets the
// next turn through.
func TestReplay_VetoEscalation(t *testing.T) {
	env := newTestEnv(t)
	vetoed := turn("vetoed", "s3", 0.1)
	vetoed.Vetoes = []VetoChange{{Scope: veto.GlobalScope, Name: "system_overload", Severity: veto.SeverityEmergency}}
	cleared := turn("cleared", "s4", 0.1)
	cleared.Vetoes = []VetoChange{{Scope: veto.GlobalScope, Name: "system_overload", Clear: true}}

	ctx := context.Background()
	results, err := Replay(ctx, env, []Interaction{vetoed, cleared})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if results[0].Status != pipeline.StatusEscalated {
		t.Fatalf("expected ESCALATED, got %s", results[0].Status)
	}
	if results[1].Status != pipeline.StatusAllowed {
		t.Errorf("expected ALLOWED after clear, got %s (%s)", results[1].Status, results[1].Reason)
	}

	esc := results[0].Decision.(pipeline.Escalated)
	tk, err := env.Escalations.Get(ctx, esc.EscalationID)
	if err != nil {
		t.Fatalf("Get ticket: %v", err)
	}
	if tk.SessionID != "s3" || len(tk.History) == 0 {
		t.Errorf("unexpected ticket %+v", tk)
	}
}

// 5. Cancelled context surfaces as an error with partial results.
func TestReplay_Cancelled(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := Replay(ctx, env, []Interaction{turn("t1", "s1", 0.1)})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

// 6. Summarize counts each status.
func TestSummarize(t *testing.T) {
	results := []Result{
		{Status: pipeline.StatusAllowed},
		{Status: pipeline.StatusAllowed},
		{Status: pipeline.StatusBlocked},
		{Status: pipeline.StatusRecovery},
		{Status: pipeline.StatusEscalated},
	}
	s := Summarize(results)
	if s.TotalTurns != 5 || s.Allowed != 2 || s.Blocked != 1 || s.Retries != 1 || s.Escalations != 1 {
		t.Errorf("unexpected summary %+v", s)
	}
}
