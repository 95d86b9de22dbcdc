package barrier

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const accessSchema = `
CREATE TABLE IF NOT EXISTS barrier_definitions (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL DEFAULT '',
	kind           TEXT NOT NULL,
	name           TEXT NOT NULL,
	critical       INTEGER NOT NULL,
	threshold_json TEXT NOT NULL,
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS models (
	id     TEXT PRIMARY KEY,
	price  REAL NOT NULL,
	public INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tenant_model_access (
	tenant_id TEXT NOT NULL,
	model_id  TEXT NOT NULL,
	PRIMARY KEY (tenant_id, model_id)
);

CREATE TABLE IF NOT EXISTS user_model_blocks (
	tenant_id TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	model_id  TEXT NOT NULL,
	PRIMARY KEY (tenant_id, user_id, model_id)
);

CREATE TABLE IF NOT EXISTS tenant_agreements (
	tenant_id  TEXT PRIMARY KEY,
	baa_signed INTEGER NOT NULL,
	signed_at  TEXT
);

CREATE TABLE IF NOT EXISTS barrier_violations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id   TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	barrier_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	margin      REAL NOT NULL,
	critical    INTEGER NOT NULL,
	strategy    TEXT,
	action_type TEXT,
	model_id    TEXT,
	created_at  TEXT NOT NULL
);
`

// #endregion schema

// #region store-struct

// SQLiteAccessStore backs barrier definitions, model access, BAA status and
// violation history with one SQLite database.
type SQLiteAccessStore struct {
	db *sql.DB
}

// NewSQLiteAccessStore creates the barrier tables if needed.
func NewSQLiteAccessStore(db *sql.DB) (*SQLiteAccessStore, error) {
	if _, err := db.Exec(accessSchema); err != nil {
		return nil, fmt.Errorf("migrate barrier tables: %w", err)
	}
	return &SQLiteAccessStore{db: db}, nil
}

// #endregion store-struct

// #region definitions

// Definitions implements DefinitionStore. Global rows come first.
func (s *SQLiteAccessStore) Definitions(ctx context.Context, tenantID string) ([]Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, kind, name, critical, threshold_json FROM barrier_definitions
		 WHERE tenant_id = '' OR tenant_id = ? ORDER BY tenant_id, created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()

	var out []Definition
	for rows.Next() {
		var (
			d        Definition
			kind     string
			critical int
			raw      string
		)
		if err := rows.Scan(&d.ID, &d.TenantID, &kind, &d.Name, &critical, &raw); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		d.Kind = Kind(kind)
		d.Critical = critical != 0
		if err := json.Unmarshal([]byte(raw), &d.Threshold); err != nil {
			return nil, fmt.Errorf("unmarshal threshold %s: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PutDefinition upserts a barrier. An empty ID is generated.
func (s *SQLiteAccessStore) PutDefinition(ctx context.Context, d Definition) (Definition, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	raw, err := json.Marshal(d.Threshold)
	if err != nil {
		return Definition{}, fmt.Errorf("marshal threshold: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO barrier_definitions (id, tenant_id, kind, name, critical, threshold_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET tenant_id = excluded.tenant_id, kind = excluded.kind,
			name = excluded.name, critical = excluded.critical, threshold_json = excluded.threshold_json`,
		d.ID, d.TenantID, string(d.Kind), d.Name, boolInt(d.Critical), string(raw),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Definition{}, fmt.Errorf("put definition %s: %w", d.ID, err)
	}
	return d, nil
}

// #endregion definitions

// #region access

// IsAuthorized implements Authorizer: the model must be public or on the
// tenant list, and not blocked for the user.
func (s *SQLiteAccessStore) IsAuthorized(ctx context.Context, tenantID, userID, modelID string) (bool, error) {
	var ok int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM models m
		 WHERE m.id = ?
		   AND (m.public = 1 OR EXISTS (SELECT 1 FROM tenant_model_access a WHERE a.tenant_id = ? AND a.model_id = m.id))
		   AND NOT EXISTS (SELECT 1 FROM user_model_blocks b WHERE b.tenant_id = ? AND b.user_id = ? AND b.model_id = m.id)`,
		modelID, tenantID, tenantID, userID,
	).Scan(&ok)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check authorization: %w", err)
	}
	return true, nil
}

// AccessibleModels implements ModelCatalog.
func (s *SQLiteAccessStore) AccessibleModels(ctx context.Context, tenantID, userID string) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.price FROM models m
		 WHERE (m.public = 1 OR EXISTS (SELECT 1 FROM tenant_model_access a WHERE a.tenant_id = ? AND a.model_id = m.id))
		   AND NOT EXISTS (SELECT 1 FROM user_model_blocks b WHERE b.tenant_id = ? AND b.user_id = ? AND b.model_id = m.id)
		 ORDER BY m.price, m.id`,
		tenantID, tenantID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		var m Model
		if err := rows.Scan(&m.ID, &m.Price); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PutModel upserts a catalog entry.
func (s *SQLiteAccessStore) PutModel(ctx context.Context, m Model, public bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO models (id, price, public) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET price = excluded.price, public = excluded.public`,
		m.ID, m.Price, boolInt(public))
	if err != nil {
		return fmt.Errorf("put model %s: %w", m.ID, err)
	}
	return nil
}

// GrantModel adds a model to a tenant's allow-list.
func (s *SQLiteAccessStore) GrantModel(ctx context.Context, tenantID, modelID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tenant_model_access (tenant_id, model_id) VALUES (?, ?)`, tenantID, modelID)
	if err != nil {
		return fmt.Errorf("grant model: %w", err)
	}
	return nil
}

// BlockModel blocks a model for one user.
func (s *SQLiteAccessStore) BlockModel(ctx context.Context, tenantID, userID, modelID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_model_blocks (tenant_id, user_id, model_id) VALUES (?, ?, ?)`,
		tenantID, userID, modelID)
	if err != nil {
		return fmt.Errorf("block model: %w", err)
	}
	return nil
}

// #endregion access

// #region agreements

// HasSignedBAA implements AgreementChecker. A missing row means unsigned.
func (s *SQLiteAccessStore) HasSignedBAA(ctx context.Context, tenantID string) (bool, error) {
	var signed int
	err := s.db.QueryRowContext(ctx,
		`SELECT baa_signed FROM tenant_agreements WHERE tenant_id = ?`, tenantID).Scan(&signed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get agreement: %w", err)
	}
	return signed != 0, nil
}

// SetBAA records whether a tenant has signed a BAA.
func (s *SQLiteAccessStore) SetBAA(ctx context.Context, tenantID string, signed bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_agreements (tenant_id, baa_signed, signed_at) VALUES (?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET baa_signed = excluded.baa_signed, signed_at = excluded.signed_at`,
		tenantID, boolInt(signed), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set agreement: %w", err)
	}
	return nil
}

// #endregion agreements

// #region violations

// RecordViolation implements ViolationRecorder.
func (s *SQLiteAccessStore) RecordViolation(ctx context.Context, v Violation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO barrier_violations
		 (tenant_id, user_id, barrier_id, kind, margin, critical, strategy, action_type, model_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.TenantID, v.UserID, v.BarrierID, string(v.Kind), v.Margin, boolInt(v.Critical),
		string(v.Strategy), v.ActionType, v.ModelID, v.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// Violations returns a tenant's recorded violations, oldest first.
func (s *SQLiteAccessStore) Violations(ctx context.Context, tenantID string) ([]Violation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, user_id, barrier_id, kind, margin, critical, COALESCE(strategy, ''),
		        COALESCE(action_type, ''), COALESCE(model_id, ''), created_at
		 FROM barrier_violations WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var (
			v                  Violation
			kind, strategy, ts string
			critical           int
		)
		if err := rows.Scan(&v.TenantID, &v.UserID, &v.BarrierID, &kind, &v.Margin, &critical,
			&strategy, &v.ActionType, &v.ModelID, &ts); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Kind = Kind(kind)
		v.Critical = critical != 0
		v.Strategy = Strategy(strategy)
		v.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, v)
	}
	return out, rows.Err()
}

// #endregion violations

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
