package escalation

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/zynapses/cato-safety/internal/config"
	"github.com/zynapses/cato-safety/internal/recovery"
	"github.com/zynapses/cato-safety/internal/session"
	"github.com/zynapses/cato-safety/internal/types"
)

var _ recovery.Escalator = (*Queue)(nil)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "esc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	q, err := NewQueue(db, nil)
	require.NoError(t, err)
	return q
}

func TestQueue_EscalateListResolve(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	history := []session.RejectionEvent{
		{ID: "r1", Source: types.SourceCBF, Reason: "phi", Timestamp: ts},
		{ID: "r2", Source: types.SourceVeto, Reason: "outage", Timestamp: ts.Add(time.Second)},
	}

	id, err := q.Escalate(ctx, "t1", "s1", "recovery exhausted", history)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	_, err = q.Escalate(ctx, "t2", "s9", "veto", nil)
	require.NoError(t, err)

	pending, err := q.ListPending(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, StatusPending, pending[0].Status)
	assert.Equal(t, history, pending[0].History)

	all, err := q.ListPending(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, q.Resolve(ctx, id, "approved retry", "reviewer@example.com"))
	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, "reviewer@example.com", got.ResolvedBy)
	assert.False(t, got.ResolvedAt.IsZero())

	pending, _ = q.ListPending(ctx, "t1")
	assert.Empty(t, pending)

	err = q.Resolve(ctx, id, "again", "x")
	assert.True(t, errors.Is(err, ErrNotFound), "resolving twice should fail, got %v", err)
	_, err = q.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_ReceivesRecoveryHistory(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	svc := recovery.NewService(session.NewMemoryStore(), q, nil)

	ec := types.ExecutionContext{TenantID: "t1", SessionID: "s1", Settings: config.Defaults()}
	out, err := svc.RecordRejection(ctx, ec, recovery.Rejection{Source: types.SourceVeto, Reason: "emergency", Immediate: true})
	require.NoError(t, err)
	require.Equal(t, recovery.ActionEscalate, out.Action)

	got, err := q.Get(ctx, out.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	require.Len(t, got.History, 1)
	assert.Equal(t, types.SourceVeto, got.History[0].Source)
}
