package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// #region store-interface

// Store resolves the effective settings of a tenant. A tenant without a row
// gets the store's base settings.
type Store interface {
	Settings(ctx context.Context, tenantID string) (TenantSettings, error)
}

// #endregion store-interface

// #region static-store

// StaticStore serves settings from an in-memory override table, typically
// built from a config File.
type StaticStore struct {
	base    TenantSettings
	tenants map[string]TenantOverrides
}

// NewStaticStore merges defaults onto the built-ins and keeps tenant overrides.
func NewStaticStore(defaults TenantOverrides, tenants map[string]TenantOverrides) *StaticStore {
	t := make(map[string]TenantOverrides, len(tenants))
	for id, o := range tenants {
		t[id] = o
	}
	return &StaticStore{base: defaults.Apply(Defaults()), tenants: t}
}

// NewFileStore builds a StaticStore from a loaded config File.
func NewFileStore(f File) *StaticStore {
	return NewStaticStore(f.Defaults, f.Tenants)
}

// Settings implements Store.
func (s *StaticStore) Settings(_ context.Context, tenantID string) (TenantSettings, error) {
	o, ok := s.tenants[tenantID]
	if !ok {
		return s.base, nil
	}
	return o.Apply(s.base), nil
}

// #endregion static-store

// #region sqlite-store

const tenantSettingsSchema = `
CREATE TABLE IF NOT EXISTS tenant_settings (
	tenant_id      TEXT PRIMARY KEY,
	overrides_json TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
`

// SQLiteStore keeps per-tenant overrides as JSON rows.
type SQLiteStore struct {
	db   *sql.DB
	base TenantSettings
}

// NewSQLiteStore creates the tenant_settings table if needed.
func NewSQLiteStore(db *sql.DB, base TenantSettings) (*SQLiteStore, error) {
	if _, err := db.Exec(tenantSettingsSchema); err != nil {
		return nil, fmt.Errorf("migrate tenant_settings: %w", err)
	}
	return &SQLiteStore{db: db, base: base}, nil
}

// Settings implements Store.
func (s *SQLiteStore) Settings(ctx context.Context, tenantID string) (TenantSettings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT overrides_json FROM tenant_settings WHERE tenant_id = ?`, tenantID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return s.base, nil
	}
	if err != nil {
		return TenantSettings{}, fmt.Errorf("get tenant settings %s: %w", tenantID, err)
	}
	var o TenantOverrides
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return TenantSettings{}, fmt.Errorf("unmarshal tenant overrides %s: %w", tenantID, err)
	}
	return o.Apply(s.base), nil
}

// PutOverrides validates and upserts the overrides of a tenant.
func (s *SQLiteStore) PutOverrides(ctx context.Context, tenantID string, o TenantOverrides) error {
	if err := Validate(o.Apply(s.base)); err != nil {
		return err
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal overrides: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenant_settings (tenant_id, overrides_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET overrides_json = excluded.overrides_json, updated_at = excluded.updated_at`,
		tenantID, string(raw), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put tenant settings %s: %w", tenantID, err)
	}
	return nil
}

// DeleteOverrides removes a tenant row so it falls back to the base settings.
func (s *SQLiteStore) DeleteOverrides(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tenant_settings WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("delete tenant settings %s: %w", tenantID, err)
	}
	return nil
}

// #endregion sqlite-store
