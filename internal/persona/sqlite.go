package persona

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
const catalogSchema = `
CREATE TABLE IF NOT EXISTS personas (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	scope       TEXT NOT NULL,
	owner_id    TEXT NOT NULL DEFAULT '',
	drives_json TEXT NOT NULL,
	confidence  REAL NOT NULL,
	voice       TEXT NOT NULL DEFAULT '',
	presentation TEXT NOT NULL DEFAULT '',
	behavior    TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS persona_selections (
	tenant_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	persona    TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, user_id)
);

CREATE TABLE IF NOT EXISTS tenant_persona_defaults (
	tenant_id  TEXT PRIMARY KEY,
	persona    TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// #endregion schema

// #region catalog-struct

// SQLiteCatalog stores tenant and user personas, selections and tenant
// defaults. Built-in names always resolve and cannot be shadowed.
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLiteCatalog creates the persona tables if needed.
func NewSQLiteCatalog(db *sql.DB) (*SQLiteCatalog, error) {
	if _, err := db.Exec(catalogSchema); err != nil {
		return nil, fmt.Errorf("migrate personas: %w", err)
	}
	return &SQLiteCatalog{db: db}, nil
}

// #endregion catalog-struct

// #region lookups

// Persona implements Catalog.
func (c *SQLiteCatalog) Persona(ctx context.Context, tenantID, name string) (Persona, error) {
	if p, ok := builtins[name]; ok {
		return p, nil
	}
	var (
		p      Persona
		scope  string
		drives string
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, scope, owner_id, drives_json, confidence, voice, presentation, behavior
		 FROM personas WHERE tenant_id = ? AND name = ?`, tenantID, name,
	).Scan(&p.ID, &p.Name, &scope, &p.OwnerID, &drives, &p.DefaultConfidence, &p.Voice, &p.Presentation, &p.Behavior)
	if errors.Is(err, sql.ErrNoRows) {
		return Persona{}, fmt.Errorf("%w: %s", ErrUnknownPersona, name)
	}
	if err != nil {
		return Persona{}, fmt.Errorf("get persona %s: %w", name, err)
	}
	p.Scope = Scope(scope)
	if err := json.Unmarshal([]byte(drives), &p.Drives); err != nil {
		return Persona{}, fmt.Errorf("unmarshal drives %s: %w", name, err)
	}
	return p, nil
}

// UserSelection implements Catalog.
func (c *SQLiteCatalog) UserSelection(ctx context.Context, tenantID, userID string) (string, error) {
	return c.scanName(ctx,
		`SELECT persona FROM persona_selections WHERE tenant_id = ? AND user_id = ?`, tenantID, userID)
}

// TenantDefault implements Catalog.
func (c *SQLiteCatalog) TenantDefault(ctx context.Context, tenantID string) (string, error) {
	return c.scanName(ctx,
		`SELECT persona FROM tenant_persona_defaults WHERE tenant_id = ?`, tenantID)
}

func (c *SQLiteCatalog) scanName(ctx context.Context, query string, args ...any) (string, error) {
	var name string
	err := c.db.QueryRowContext(ctx, query, args...).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query selection: %w", err)
	}
	return name, nil
}

// #endregion lookups

// #region writes

// SavePersona upserts a tenant or user persona. Built-in names are reserved.
func (c *SQLiteCatalog) SavePersona(ctx context.Context, tenantID string, p Persona) (Persona, error) {
	if _, ok := builtins[p.Name]; ok {
		return Persona{}, fmt.Errorf("save persona: %q is a built-in name", p.Name)
	}
	if p.Name == "" {
		return Persona{}, fmt.Errorf("save persona: empty name")
	}
	if p.Scope == "" || p.Scope == ScopeSystem {
		p.Scope = ScopeTenant
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	drives, err := json.Marshal(p.Drives)
	if err != nil {
		return Persona{}, fmt.Errorf("marshal drives: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO personas (id, tenant_id, name, scope, owner_id, drives_json, confidence, voice, presentation, behavior, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, name) DO UPDATE SET
			scope = excluded.scope, owner_id = excluded.owner_id, drives_json = excluded.drives_json,
			confidence = excluded.confidence, voice = excluded.voice,
			presentation = excluded.presentation, behavior = excluded.behavior`,
		p.ID, tenantID, p.Name, string(p.Scope), p.OwnerID, string(drives), p.DefaultConfidence,
		p.Voice, p.Presentation, p.Behavior, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Persona{}, fmt.Errorf("save persona %s: %w", p.Name, err)
	}
	return c.Persona(ctx, tenantID, p.Name)
}

// SelectForUser saves a user's persona choice. The name must resolve.
func (c *SQLiteCatalog) SelectForUser(ctx context.Context, tenantID, userID, name string) error {
	if _, err := c.Persona(ctx, tenantID, name); err != nil {
		return fmt.Errorf("select persona: %w", err)
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO persona_selections (tenant_id, user_id, persona, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tenant_id, user_id) DO UPDATE SET persona = excluded.persona, updated_at = excluded.updated_at`,
		tenantID, userID, name, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("select persona: %w", err)
	}
	return nil
}

// SetTenantDefault saves the persona used for a tenant's users with no
// selection of their own.
func (c *SQLiteCatalog) SetTenantDefault(ctx context.Context, tenantID, name string) error {
	if _, err := c.Persona(ctx, tenantID, name); err != nil {
		return fmt.Errorf("set tenant default: %w", err)
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO tenant_persona_defaults (tenant_id, persona, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET persona = excluded.persona, updated_at = excluded.updated_at`,
		tenantID, name, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set tenant default: %w", err)
	}
	return nil
}

// #endregion writes
