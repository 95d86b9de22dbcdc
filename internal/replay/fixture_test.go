package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// #region fixture-tests

// runFixture loads, seeds and replays a fixture in a fresh environment.
func runFixture(t *testing.T, path string) (*Fixture, *Env, []Result) {
	t.Helper()
	f, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	env, err := NewEnv(nil)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	t.Cleanup(func() { env.Close() })

	ctx := context.Background()
	if err := f.Seed(ctx, env); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	turns, err := f.Turns()
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	results, err := Replay(ctx, env, turns)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	env.Pipeline.Wait()
	return f, env, results
}

// TestFixture_Scenarios replays the scenarios fixture and compares each turn's
// status and stage. Any change to thresholds, barrier ordering or recovery
// counting shows up here.
func TestFixture_Scenarios(t *testing.T) {
	f, env, results := runFixture(t, filepath.Join("testdata", "scenarios.json"))

	if len(results) != len(f.ExpectedResults) {
		t.Fatalf("expected %d results, got %d", len(f.ExpectedResults), len(results))
	}
	for i, expected := range f.ExpectedResults {
		actual := results[i]
		if actual.TurnID != expected.TurnID {
			t.Errorf("turn %d: expected turn_id=%s, got %s", i, expected.TurnID, actual.TurnID)
			continue
		}
		if string(actual.Status) != expected.Status {
			t.Errorf("turn %s: expected status=%s, got %s (reason: %s)",
				expected.TurnID, expected.Status, actual.Status, actual.Reason)
		}
		if expected.Stage != "" && string(actual.Stage) != expected.Stage {
			t.Errorf("turn %s: expected stage=%s, got %s", expected.TurnID, expected.Stage, actual.Stage)
		}
	}

	sum := Summarize(results)
	if sum.Allowed != 3 || sum.Blocked != 6 || sum.Retries != 1 || sum.Escalations != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}

	ctx := context.Background()
	report, err := env.Chain.Verify(ctx, f.TenantID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.Valid {
		t.Errorf("audit chain invalid at %d: %s", report.FirstMismatch, report.Reason)
	}
	if report.Checked < len(results) {
		t.Errorf("expected at least %d audit entries, got %d", len(results), report.Checked)
	}

	pending, err := env.Escalations.ListPending(ctx, f.TenantID)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].SessionID != "s6" {
		t.Errorf("expected one pending ticket for s6, got %+v", pending)
	}
}

// TestFixture_YAML checks that a YAML fixture runs the same way as JSON.
func TestFixture_YAML(t *testing.T) {
	const doc = `
description: yaml smoke test
tenant_id: yaml-tenant
settings:
  checkpoint_mode: DISABLED
models:
  - id: m-small
    price: 1
    public: true
interactions:
  - turn_id: ok
    session_id: s1
    user_id: u1
    epistemic_uncertainty: 0.1
    sensory_precision: 0.9
    action:
      type: summarize
      model_id: m-small
      estimated_cost: 500
      requested_confidence: 2.0
  - turn_id: unknown-model
    session_id: s2
    user_id: u1
    epistemic_uncertainty: 0.1
    sensory_precision: 0.9
    action:
      type: summarize
      model_id: m-missing
      requested_confidence: 2.0
expected_results:
  - turn_id: ok
    status: ALLOWED
  - turn_id: unknown-model
    status: BLOCKED
    stage: barrier
`
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	f, _, results := runFixture(t, path)
	if f.TenantID != "yaml-tenant" {
		t.Errorf("expected tenant yaml-tenant, got %s", f.TenantID)
	}
	for i, expected := range f.ExpectedResults {
		if string(results[i].Status) != expected.Status {
			t.Errorf("turn %s: expected %s, got %s (%s)", expected.TurnID, expected.Status, results[i].Status, results[i].Reason)
		}
		if expected.Stage != "" && string(results[i].Stage) != expected.Stage {
			t.Errorf("turn %s: expected stage %s, got %s", expected.TurnID, expected.Stage, results[i].Stage)
		}
	}
}

func TestFixture_DefaultTenant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(path, []byte(`{"interactions": []}`), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	if f.TenantID != "replay" {
		t.Errorf("expected default tenant replay, got %s", f.TenantID)
	}
}

func TestFixture_UnknownSeverity(t *testing.T) {
	fi := FixtureInteraction{
		TurnID: "bad",
		Vetoes: []FixtureVeto{{Name: "x", Severity: "apocalyptic"}},
	}
	f := Fixture{TenantID: "t"}
	s, err := f.TenantSettings()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fi.ToInteraction("t", s); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestFixture_InvalidSettings(t *testing.T) {
	gamma := -1.0
	f := Fixture{TenantID: "t"}
	f.Settings.GammaMax = &gamma
	if _, err := f.Turns(); err == nil {
		t.Error("expected validation error for negative gamma_max")
	}
}

func TestLoadFixture_Missing(t *testing.T) {
	if _, err := LoadFixture(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing fixture")
	}
}

// #endregion fixture-tests
