package barrier

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/zynapses/cato-safety/internal/types"
)

// #region fakes

type fakeAuth struct {
	ok  bool
	err error
}

func (f fakeAuth) IsAuthorized(context.Context, string, string, string) (bool, error) {
	return f.ok, f.err
}

type fakeDefs struct {
	defs []Definition
	err  error
}

func (f fakeDefs) Definitions(context.Context, string) ([]Definition, error) {
	return f.defs, f.err
}

type fakeAgreements struct {
	signed bool
	err    error
}

func (f fakeAgreements) HasSignedBAA(context.Context, string) (bool, error) {
	return f.signed, f.err
}

type captureViolations struct{ got []Violation }

func (c *captureViolations) RecordViolation(_ context.Context, v Violation) error {
	c.got = append(c.got, v)
	return nil
}

func findEval(evs []Evaluation, k Kind) (Evaluation, bool) {
	for _, e := range evs {
		if e.Kind == k {
			return e, true
		}
	}
	return Evaluation{}, false
}

func newTestAccessStore(t *testing.T) *SQLiteAccessStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "barrier.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewSQLiteAccessStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

// #endregion fakes

// #region default-barrier-tests
func TestEvaluate_CleanActionAdmissible(t *testing.T) {
	e := NewEvaluator(Collaborators{Authorizer: fakeAuth{ok: true}}, nil)
	res := e.Evaluate(context.Background(), "t1", "u1", types.ProposedAction{ModelID: "m1"}, types.SystemState{})

	if !res.Admissible {
		t.Fatalf("expected admissible, got violations %+v", res.Violations)
	}
	if len(res.Evaluations) != len(DefaultDefinitions()) {
		t.Errorf("expected %d evaluations, got %d", len(DefaultDefinitions()), len(res.Evaluations))
	}
	if res.Alternative != nil {
		t.Error("admissible action needs no alternative")
	}
	if res.Mode != ModeEnforce || e.Mode() != ModeEnforce {
		t.Error("mode must be ENFORCE")
	}
}

func TestEvaluate_AuthLookupFailureDenies(t *testing.T) {
	e := NewEvaluator(Collaborators{Authorizer: fakeAuth{ok: true, err: errors.New("db timeout")}}, nil)
	res := e.Evaluate(context.Background(), "t1", "u1", types.ProposedAction{ModelID: "m1"}, types.SystemState{})

	auth, ok := findEval(res.Evaluations, KindAuth)
	if !ok {
		t.Fatal("missing auth evaluation")
	}
	if auth.Margin > 0 {
		t.Fatalf("auth margin must be <= 0 on lookup failure, got %.2f", auth.Margin)
	}
	if res.Admissible {
		t.Fatal("lookup failure must not admit")
	}
	if res.Alternative == nil || res.Alternative.Strategy != StrategyRejectAndAsk {
		t.Errorf("expected generic REJECT_AND_ASK, got %+v", res.Alternative)
	}
}

func TestEvaluate_NoAuthorizerDenies(t *testing.T) {
	e := NewEvaluator(Collaborators{}, nil)
	res := e.Evaluate(context.Background(), "t1", "u1", types.ProposedAction{ModelID: "m1"}, types.SystemState{})
	if res.Admissible {
		t.Fatal("missing authorizer must deny")
	}
}

func TestEvaluate_PHIRejectsWithoutDisclosure(t *testing.T) {
	rec := &captureViolations{}
	e := NewEvaluator(Collaborators{Authorizer: fakeAuth{ok: true}, Violations: rec}, nil)
	action := types.ProposedAction{ModelID: "m1", ContainsPHI: true, Content: "patient John Smith MRN 12345"}
	res := e.Evaluate(context.Background(), "t1", "u1", action, types.SystemState{})

	if res.Admissible {
		t.Fatal("PHI must be inadmissible")
	}
	if res.Alternative == nil || res.Alternative.Strategy != StrategyRejectAndAsk {
		t.Fatalf("expected REJECT_AND_ASK, got %+v", res.Alternative)
	}
	if res.Alternative.ModifiedAction != nil {
		t.Error("PHI alternative must not carry the action")
	}
	for _, s := range []string{"John", "12345"} {
		if strings.Contains(res.Alternative.Message, s) {
			t.Errorf("message discloses %q", s)
		}
	}
	if len(rec.got) != 1 || rec.got[0].Kind != KindPHI || rec.got[0].Strategy != StrategyRejectAndAsk {
		t.Errorf("expected one recorded PHI violation, got %+v", rec.got)
	}
}

func TestEvaluate_DefinitionLoadFailureFailsClosed(t *testing.T) {
	e := NewEvaluator(Collaborators{
		Definitions: fakeDefs{err: errors.New("no such table")},
		Authorizer:  fakeAuth{ok: true},
	}, nil)
	res := e.Evaluate(context.Background(), "t1", "u1", types.ProposedAction{ModelID: "m1"}, types.SystemState{})
	if res.Admissible {
		t.Fatal("definition failure must not admit")
	}
	if len(res.Violations) != 1 || !res.Violations[0].Critical {
		t.Fatalf("expected one critical synthetic violation, got %+v", res.Violations)
	}
}

// #endregion default-barrier-tests

// #region margin-tests
func TestEvaluate_RateReducesScope(t *testing.T) {
	e := NewEvaluator(Collaborators{Definitions: fakeDefs{defs: []Definition{
		{ID: "r1", Kind: KindRate, Name: "rpm", Critical: true, Threshold: Threshold{MaxRequests: 100}},
	}}}, nil)

	tests := []struct {
		count      int
		admissible bool
	}{
		{99, true},
		{100, false},
		{150, false},
	}
	for _, tt := range tests {
		res := e.Evaluate(context.Background(), "t1", "u1", types.ProposedAction{}, types.SystemState{RequestCount: tt.count})
		if res.Admissible != tt.admissible {
			t.Errorf("count %d: expected admissible=%v", tt.count, tt.admissible)
		}
		if !tt.admissible && (res.Alternative == nil || res.Alternative.Strategy != StrategyReduceScope) {
			t.Errorf("count %d: expected REDUCE_SCOPE, got %+v", tt.count, res.Alternative)
		}
	}
}

func TestEvaluate_NonCriticalViolationHasNoAlternative(t *testing.T) {
	e := NewEvaluator(Collaborators{Definitions: fakeDefs{defs: []Definition{
		{ID: "r1", Kind: KindRate, Name: "soft-rpm", Threshold: Threshold{MaxRequests: 1}},
	}}}, nil)
	res := e.Evaluate(context.Background(), "t1", "u1", types.ProposedAction{}, types.SystemState{RequestCount: 5})
	if res.Admissible || res.Alternative != nil {
		t.Fatalf("expected inadmissible with no alternative, got %+v", res)
	}
}

func TestCustomRule_BAARequiredForPHI(t *testing.T) {
	defs := fakeDefs{defs: []Definition{
		{ID: "c1", Kind: KindCustom, Name: "baa", Critical: true, Threshold: Threshold{Rule: RuleBAARequiredForPHI}},
	}}
	phi := types.ProposedAction{ContainsPHI: true}

	tests := []struct {
		name   string
		agree  AgreementChecker
		action types.ProposedAction
		want   bool
	}{
		{"no-phi", fakeAgreements{}, types.ProposedAction{}, true},
		{"signed", fakeAgreements{signed: true}, phi, true},
		{"unsigned", fakeAgreements{}, phi, false},
		{"lookup-error", fakeAgreements{signed: true, err: errors.New("down")}, phi, false},
		{"no-checker", nil, phi, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(Collaborators{Definitions: defs, Agreements: tt.agree}, nil)
			res := e.Evaluate(context.Background(), "t1", "u1", tt.action, types.SystemState{})
			if res.Admissible != tt.want {
				t.Errorf("expected admissible=%v, got %+v", tt.want, res.Evaluations)
			}
		})
	}
}

func TestCustomRule_RegisteredAndUnknown(t *testing.T) {
	defs := fakeDefs{defs: []Definition{
		{ID: "c1", Kind: KindCustom, Name: "weekday", Threshold: Threshold{Rule: "weekday_only"}},
		{ID: "c2", Kind: KindCustom, Name: "ghost", Threshold: Threshold{Rule: "missing"}},
	}}
	e := NewEvaluator(Collaborators{Definitions: defs}, nil,
		WithRule("weekday_only", func(context.Context, RuleInput) (float64, string) { return 1, "" }))
	res := e.Evaluate(context.Background(), "t1", "u1", types.ProposedAction{}, types.SystemState{})

	if len(res.Violations) != 1 || res.Violations[0].BarrierID != "c2" {
		t.Fatalf("expected only the unknown rule to fail, got %+v", res.Violations)
	}
}

// #endregion margin-tests

// #region sqlite-tests
func TestCostSuggestsCheaperModel(t *testing.T) {
	ctx := context.Background()
	s := newTestAccessStore(t)
	if _, err := s.PutDefinition(ctx, Definition{
		TenantID: "t1", Kind: KindCost, Name: "monthly_spend", Critical: true,
		Threshold: Threshold{HardCeiling: 100, BufferPercent: 10},
	}); err != nil {
		t.Fatalf("put definition: %v", err)
	}
	mustNoErr(t, s.PutModel(ctx, Model{ID: "large", Price: 10}, false))
	mustNoErr(t, s.GrantModel(ctx, "t1", "large"))

	e := NewEvaluator(Collaborators{Definitions: s, Authorizer: s, Models: s, Agreements: s, Violations: s}, nil)
	action := types.ProposedAction{Type: "generate", ModelID: "large", EstimatedCost: 10}
	state := types.SystemState{CurrentCost: 85}

	// Without a cheaper model the fallback is REJECT_AND_ASK.
	res := e.Evaluate(ctx, "t1", "u1", action, state)
	cost, _ := findEval(res.Evaluations, KindCost)
	if diff := cost.Margin - (-5); diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected margin -5, got %.6f", cost.Margin)
	}
	if res.Admissible || res.Alternative == nil || res.Alternative.Strategy != StrategyRejectAndAsk {
		t.Fatalf("expected REJECT_AND_ASK, got %+v", res.Alternative)
	}

	// A cheaper public model becomes the suggested substitute.
	mustNoErr(t, s.PutModel(ctx, Model{ID: "small", Price: 2}, true))
	res = e.Evaluate(ctx, "t1", "u1", action, state)
	alt := res.Alternative
	if alt == nil || alt.Strategy != StrategySuggestAlternative {
		t.Fatalf("expected SUGGEST_ALTERNATIVE, got %+v", alt)
	}
	if alt.ModifiedAction == nil || alt.ModifiedAction.ModelID != "small" || alt.ModifiedAction.EstimatedCost != 2 {
		t.Errorf("unexpected modified action %+v", alt.ModifiedAction)
	}
	if action.ModelID != "large" {
		t.Error("original action must not change")
	}

	vs, err := s.Violations(ctx, "t1")
	if err != nil {
		t.Fatalf("violations: %v", err)
	}
	if len(vs) != 2 || vs[1].Strategy != StrategySuggestAlternative || vs[1].Margin > 0 {
		t.Errorf("expected two recorded cost violations, got %+v", vs)
	}
}

func TestSQLiteAccessStore_Authorization(t *testing.T) {
	ctx := context.Background()
	s := newTestAccessStore(t)
	mustNoErr(t, s.PutModel(ctx, Model{ID: "public", Price: 1}, true))
	mustNoErr(t, s.PutModel(ctx, Model{ID: "private", Price: 5}, false))
	mustNoErr(t, s.GrantModel(ctx, "t1", "private"))
	mustNoErr(t, s.BlockModel(ctx, "t1", "u2", "public"))

	tests := []struct {
		tenant, user, model string
		want                bool
	}{
		{"t1", "u1", "public", true},
		{"t1", "u1", "private", true},
		{"t2", "u1", "private", false},
		{"t1", "u2", "public", false},
		{"t1", "u1", "unknown", false},
	}
	for _, tt := range tests {
		got, err := s.IsAuthorized(ctx, tt.tenant, tt.user, tt.model)
		if err != nil {
			t.Fatalf("authorize: %v", err)
		}
		if got != tt.want {
			t.Errorf("%s/%s/%s: expected %v, got %v", tt.tenant, tt.user, tt.model, tt.want, got)
		}
	}

	models, err := s.AccessibleModels(ctx, "t1", "u2")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if len(models) != 1 || models[0].ID != "private" {
		t.Errorf("expected only private for blocked user, got %+v", models)
	}
}

func TestSQLiteAccessStore_ClosedDBFailsClosed(t *testing.T) {
	s := newTestAccessStore(t)
	s.db.Close()

	e := NewEvaluator(Collaborators{Authorizer: s}, nil)
	res := e.Evaluate(context.Background(), "t1", "u1", types.ProposedAction{ModelID: "m"}, types.SystemState{})
	if res.Admissible {
		t.Fatal("closed database must deny")
	}
	if signed, err := s.HasSignedBAA(context.Background(), "t1"); err == nil || signed {
		t.Errorf("expected error and unsigned, got %v %v", signed, err)
	}
}

func TestSQLiteAccessStore_DefinitionsScopeAndBAA(t *testing.T) {
	ctx := context.Background()
	s := newTestAccessStore(t)
	_, err := s.PutDefinition(ctx, Definition{ID: "g", Kind: KindPHI, Name: "phi", Critical: true})
	mustNoErr(t, err)
	_, err = s.PutDefinition(ctx, Definition{ID: "x", TenantID: "t2", Kind: KindRate, Threshold: Threshold{MaxRequests: 5}})
	mustNoErr(t, err)

	defs, err := s.Definitions(ctx, "t1")
	mustNoErr(t, err)
	if len(defs) != 1 || defs[0].ID != "g" {
		t.Errorf("t1 should only see the global definition, got %+v", defs)
	}
	defs, _ = s.Definitions(ctx, "t2")
	if len(defs) != 2 || defs[1].Threshold.MaxRequests != 5 {
		t.Errorf("t2 should see global and own, got %+v", defs)
	}

	if signed, _ := s.HasSignedBAA(ctx, "t1"); signed {
		t.Error("missing agreement means unsigned")
	}
	mustNoErr(t, s.SetBAA(ctx, "t1", true))
	if signed, _ := s.HasSignedBAA(ctx, "t1"); !signed {
		t.Error("expected signed after SetBAA")
	}
}

// #endregion sqlite-tests

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
