// Package escalation is the human review queue that receives sessions the
// recovery service could not resolve.
package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/zynapses/cato-safety/internal/logging"
	"github.com/zynapses/cato-safety/internal/session"
)

// ErrNotFound is returned when a ticket id does not exist or is already
// resolved.
var ErrNotFound = errors.New("escalation: ticket not found")

// #region schema
const queueSchema = `
CREATE TABLE IF NOT EXISTS escalations (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	reason       TEXT NOT NULL,
	history_json TEXT NOT NULL,
	status       TEXT NOT NULL,
	resolution   TEXT,
	resolved_by  TEXT,
	created_at   TEXT NOT NULL,
	resolved_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_escalations_pending ON escalations(status, tenant_id, created_at);
`

// #endregion schema

// #region types

// Status is a ticket's review state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusResolved Status = "RESOLVED"
)

// Ticket is one escalated session with its full rejection history.
type Ticket struct {
	ID         string                   `json:"id"`
	TenantID   string                   `json:"tenant_id"`
	SessionID  string                   `json:"session_id"`
	Reason     string                   `json:"reason"`
	History    []session.RejectionEvent `json:"history"`
	Status     Status                   `json:"status"`
	Resolution string                   `json:"resolution,omitempty"`
	ResolvedBy string                   `json:"resolved_by,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
	ResolvedAt time.Time                `json:"resolved_at,omitempty"`
}

// #endregion types

// #region queue

// Queue stores tickets in SQLite. It satisfies recovery.Escalator.
type Queue struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// NewQueue creates the escalations table if needed.
func NewQueue(db *sql.DB, log *zap.Logger) (*Queue, error) {
	if _, err := db.Exec(queueSchema); err != nil {
		return nil, fmt.Errorf("migrate escalations: %w", err)
	}
	return &Queue{db: db, log: logging.OrNop(log).Named("escalation"), now: time.Now}, nil
}

// Escalate opens a pending ticket and returns its id.
func (q *Queue) Escalate(ctx context.Context, tenantID, sessionID, reason string, history []session.RejectionEvent) (string, error) {
	if history == nil {
		history = []session.RejectionEvent{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("marshal history: %w", err)
	}
	id := uuid.New().String()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO escalations (id, tenant_id, session_id, reason, history_json, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, tenantID, sessionID, reason, string(raw), string(StatusPending),
		q.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert escalation: %w", err)
	}
	q.log.Info("escalation opened",
		zap.String("id", id),
		zap.String("tenant_id", tenantID),
		zap.String("session_id", sessionID),
		zap.Int("history", len(history)),
	)
	return id, nil
}

// ListPending returns open tickets, oldest first. An empty tenantID lists
// every tenant.
func (q *Queue) ListPending(ctx context.Context, tenantID string) ([]Ticket, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, tenant_id, session_id, reason, history_json, status,
		        COALESCE(resolution, ''), COALESCE(resolved_by, ''), created_at, COALESCE(resolved_at, '')
		 FROM escalations WHERE status = ? AND (? = '' OR tenant_id = ?) ORDER BY created_at, id`,
		string(StatusPending), tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get returns one ticket by id.
func (q *Queue) Get(ctx context.Context, id string) (Ticket, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, session_id, reason, history_json, status,
		        COALESCE(resolution, ''), COALESCE(resolved_by, ''), created_at, COALESCE(resolved_at, '')
		 FROM escalations WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// Resolve closes a pending ticket.
func (q *Queue) Resolve(ctx context.Context, id, resolution, resolvedBy string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE escalations SET status = ?, resolution = ?, resolved_by = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusResolved), resolution, resolvedBy, q.now().UTC().Format(time.RFC3339Nano),
		id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// #endregion queue

// #region scan

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(s scanner) (Ticket, error) {
	var (
		t                     Ticket
		status, history       string
		createdAt, resolvedAt string
	)
	if err := s.Scan(&t.ID, &t.TenantID, &t.SessionID, &t.Reason, &history, &status,
		&t.Resolution, &t.ResolvedBy, &createdAt, &resolvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ticket{}, err
		}
		return Ticket{}, fmt.Errorf("scan escalation: %w", err)
	}
	t.Status = Status(status)
	if err := json.Unmarshal([]byte(history), &t.History); err != nil {
		return Ticket{}, fmt.Errorf("unmarshal history %s: %w", t.ID, err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if resolvedAt != "" {
		t.ResolvedAt, _ = time.Parse(time.RFC3339Nano, resolvedAt)
	}
	return t, nil
}

// #endregion scan
