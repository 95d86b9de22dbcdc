package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zynapses/cato-safety/internal/barrier"
	"github.com/zynapses/cato-safety/internal/config"
	"github.com/zynapses/cato-safety/internal/persona"
	"github.com/zynapses/cato-safety/internal/session"
	"github.com/zynapses/cato-safety/internal/types"
)

// #region fakes

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

type fakeEscalator struct {
	calls   int
	history []session.RejectionEvent
	reason  string
	err     error
}

func (f *fakeEscalator) Escalate(_ context.Context, _, _, reason string, history []session.RejectionEvent) (string, error) {
	f.calls++
	f.reason = reason
	f.history = history
	if f.err != nil {
		return "", f.err
	}
	return "esc-1", nil
}

func newTestService(clock *fakeClock, esc Escalator) (*Service, *session.MemoryStore) {
	store := session.NewMemoryStoreWithClock(clock.Now)
	return NewService(store, esc, nil, WithClock(clock.Now)), store
}

func testContext() types.ExecutionContext {
	return types.ExecutionContext{
		TenantID:  "t1",
		SessionID: "s1",
		Settings:  config.Defaults(),
	}
}

func reject(t *testing.T, s *Service, src types.RejectionSource) Outcome {
	t.Helper()
	out, err := s.RecordRejection(context.Background(), testContext(), Rejection{Source: src, Reason: "blocked"})
	require.NoError(t, err)
	return out
}

// #endregion fakes

// #region livelock-tests
func TestLivelock_ExactlyThresholdEntersRecovering(t *testing.T) {
	clock := newClock()
	s, _ := newTestService(clock, nil)

	for i := 1; i < 3; i++ {
		out := reject(t, s, types.SourceGovernor)
		assert.Equal(t, ActionNone, out.Action, "rejection %d", i)
		assert.Equal(t, i, out.Count)
		clock.Advance(time.Second)
	}

	st, err := s.Status(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, session.PhaseNormal, st.Phase, "T-1 rejections must not enter recovering")

	out := reject(t, s, types.SourceGovernor)
	assert.Equal(t, ActionNone, out.Action, "the threshold rejection itself stands")
	assert.Equal(t, 3, out.Count)
	assert.Nil(t, out.RetryContext)

	st, _ = s.Status(context.Background(), "s1")
	assert.Equal(t, session.PhaseRecovering, st.Phase)
	assert.Equal(t, 0, st.Attempt)
	assert.Equal(t, string(StrategyCognitiveStall), st.Strategy)
	assert.Len(t, st.History, 3)

	out = reject(t, s, types.SourceGovernor)
	require.Equal(t, ActionRetry, out.Action)
	assert.Equal(t, 1, out.Attempt)
	assert.Equal(t, 4, out.Count)
	assert.Equal(t, StrategyCognitiveStall, out.Plan.ID())
}

func TestLivelock_OldRejectionsDoNotCount(t *testing.T) {
	clock := newClock()
	s, _ := newTestService(clock, nil)

	reject(t, s, types.SourceGovernor)
	reject(t, s, types.SourceGovernor)
	clock.Advance(10 * time.Second)

	out := reject(t, s, types.SourceGovernor)
	assert.Equal(t, ActionNone, out.Action)
	assert.Equal(t, 1, out.Count, "events exactly one window old fall out")
}

func TestLivelock_AttemptsThenEscalation(t *testing.T) {
	clock := newClock()
	esc := &fakeEscalator{}
	s, _ := newTestService(clock, esc)

	for i := 0; i < 3; i++ {
		assert.Equal(t, ActionNone, reject(t, s, types.SourceCBF).Action)
	}
	for attempt := 1; attempt <= 3; attempt++ {
		out := reject(t, s, types.SourceCBF)
		require.Equal(t, ActionRetry, out.Action, "attempt %d", attempt)
		assert.Equal(t, attempt, out.Attempt)
		assert.Equal(t, StrategySafetyViolation, out.Plan.ID())
	}

	out := reject(t, s, types.SourceCBF)
	require.Equal(t, ActionEscalate, out.Action)
	assert.Equal(t, "esc-1", out.EscalationID)
	assert.Len(t, out.History, 7)
	assert.Equal(t, 1, esc.calls)
	assert.Len(t, esc.history, 7, "escalation must carry the full history")
	assert.Contains(t, esc.reason, "recovery exhausted")

	// Further rejections report the existing escalation instead of opening another.
	out = reject(t, s, types.SourceCBF)
	assert.Equal(t, ActionEscalate, out.Action)
	assert.Equal(t, "esc-1", out.EscalationID)
	assert.Equal(t, 1, esc.calls)
}

// #endregion livelock-tests

// #region strategy-tests
func TestVetoAtThresholdEscalatesWithoutRetry(t *testing.T) {
	clock := newClock()
	esc := &fakeEscalator{}
	s, _ := newTestService(clock, esc)

	reject(t, s, types.SourceGovernor)
	reject(t, s, types.SourceGovernor)
	out := reject(t, s, types.SourceVeto)
	assert.Equal(t, ActionEscalate, out.Action)
	assert.Equal(t, StrategyHumanEscalation, out.Plan.ID())
	assert.Nil(t, out.RetryContext)
	assert.Equal(t, 1, esc.calls)
}

func TestImmediateRejectionEscalatesBelowThreshold(t *testing.T) {
	clock := newClock()
	esc := &fakeEscalator{}
	s, _ := newTestService(clock, esc)

	out, err := s.RecordRejection(context.Background(), testContext(), Rejection{
		Source: types.SourceVeto, Reason: "emergency veto", Immediate: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionEscalate, out.Action)
	assert.Equal(t, 1, out.Count)
	require.Len(t, esc.history, 1)
	assert.Equal(t, types.SourceVeto, esc.history[0].Source)
}

func TestEscalatorFailureKeepsHistory(t *testing.T) {
	clock := newClock()
	s, _ := newTestService(clock, &fakeEscalator{err: errors.New("queue down")})

	out, err := s.RecordRejection(context.Background(), testContext(), Rejection{Source: types.SourceVeto, Immediate: true})
	require.NoError(t, err)
	assert.Equal(t, ActionEscalate, out.Action)
	assert.Empty(t, out.EscalationID)
	assert.Len(t, out.History, 1)
}

func TestCognitiveStallForcesScoutAndTightensContext(t *testing.T) {
	clock := newClock()
	s, store := newTestService(clock, nil)
	for i := 0; i < 3; i++ {
		reject(t, s, types.SourceGovernor)
	}
	_, err := store.PersonaOverride(context.Background(), "s1", session.OverrideRecovery)
	assert.ErrorIs(t, err, session.ErrNotFound, "arming recovery forces no persona yet")

	out := reject(t, s, types.SourceGovernor)
	require.NotNil(t, out.RetryContext)

	rc := *out.RetryContext
	ec := testContext()
	assert.Equal(t, persona.Scout, rc.ActivePersona)
	assert.Contains(t, rc.SystemPrompt, "clarifying question")
	assert.Less(t, rc.Settings.EmergencyThreshold, ec.Settings.EmergencyThreshold)

	name, err := store.PersonaOverride(context.Background(), "s1", session.OverrideRecovery)
	require.NoError(t, err)
	assert.Equal(t, persona.Scout, name)
}

// failingStore fails every rejection append.
type failingStore struct {
	*session.MemoryStore
}

func (failingStore) AppendRejection(context.Context, string, session.RejectionEvent, time.Duration) (int, error) {
	return 0, errors.New("store unavailable")
}

func TestStoreFailureStillEscalatesImmediateRejection(t *testing.T) {
	clock := newClock()
	esc := &fakeEscalator{}
	s := NewService(failingStore{session.NewMemoryStoreWithClock(clock.Now)}, esc, nil, WithClock(clock.Now))

	out, err := s.RecordRejection(context.Background(), testContext(), Rejection{
		Source: types.SourceVeto, Reason: "emergency veto", Immediate: true,
	})
	require.Error(t, err)
	assert.Equal(t, ActionEscalate, out.Action)
	assert.Equal(t, "esc-1", out.EscalationID)
	require.Len(t, esc.history, 1)
	assert.Equal(t, "emergency veto", esc.history[0].Reason)

	out, err = s.RecordRejection(context.Background(), testContext(), Rejection{Source: types.SourceGovernor})
	require.Error(t, err)
	assert.Equal(t, ActionNone, out.Action)
	assert.Nil(t, out.RetryContext)
	assert.Equal(t, 1, esc.calls)
}

func TestSafetyViolationLowersSensoryFloorSlightly(t *testing.T) {
	ec := testContext()
	rc := Strategies[StrategySafetyViolation].Apply(ec)
	assert.InDelta(t, ec.Settings.SensoryFloor-0.05, rc.Settings.SensoryFloor, 1e-9)
	assert.Equal(t, ec.ActivePersona, rc.ActivePersona)
	assert.Empty(t, ec.SystemPrompt, "the input context is not mutated")
}

func TestEveryStrategyKeepsInvariants(t *testing.T) {
	for id, p := range Strategies {
		assert.Zero(t, p.ConfidenceBoost(), "%s boost", id)
		assert.Equal(t, barrier.ModeEnforce, p.BarrierMode(), "%s barrier mode", id)
	}
	for _, src := range []types.RejectionSource{types.SourceGovernor, types.SourceCBF, types.SourceVeto} {
		p := Select(src)
		assert.Zero(t, p.ConfidenceBoost())
		assert.Equal(t, barrier.ModeEnforce, p.BarrierMode())
	}

	raw, err := Strategies[StrategyHumanEscalation].MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"strategy":"HUMAN_ESCALATION","confidence_boost":0,"barrier_mode":"ENFORCE"}`, string(raw))
}

// #endregion strategy-tests

// #region reset-tests
func TestResetClearsRecoveryButKeepsAPIOverride(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s, store := newTestService(clock, nil)
	require.NoError(t, store.SetPersonaOverride(ctx, "s1", session.OverrideAPI, persona.Sage, time.Hour))

	reject(t, s, types.SourceGovernor)
	reject(t, s, types.SourceGovernor)
	reject(t, s, types.SourceGovernor)

	require.NoError(t, s.Reset(ctx, "s1"))

	st, err := s.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.PhaseNormal, st.Phase)

	rej, _ := store.Rejections(ctx, "s1")
	assert.Empty(t, rej)
	_, err = store.PersonaOverride(ctx, "s1", session.OverrideRecovery)
	assert.ErrorIs(t, err, session.ErrNotFound)
	name, err := store.PersonaOverride(ctx, "s1", session.OverrideAPI)
	require.NoError(t, err)
	assert.Equal(t, persona.Sage, name)

	out := reject(t, s, types.SourceGovernor)
	assert.Equal(t, ActionNone, out.Action, "window restarts after reset")
}

// #endregion reset-tests
