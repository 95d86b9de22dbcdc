package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// #region schema
const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	tenant_id  TEXT NOT NULL,
	sequence   INTEGER NOT NULL,
	entry_type TEXT NOT NULL,
	content    TEXT NOT NULL,
	prev_hash  TEXT NOT NULL,
	hash       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, sequence)
);

CREATE TABLE IF NOT EXISTS audit_tiles (
	tenant_id    TEXT NOT NULL,
	tile_index   INTEGER NOT NULL,
	start_seq    INTEGER NOT NULL,
	end_seq      INTEGER NOT NULL,
	capacity     INTEGER NOT NULL,
	root         TEXT NOT NULL,
	prev_root    TEXT NOT NULL,
	finalized_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, tile_index)
);
`

// #endregion schema

// #region sqlite-store

// SQLiteStore persists chains in SQLite. Appends run in one transaction
// behind a single writer lock; the primary keys reject any out-of-order
// write from another process.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore creates the audit tables if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, fmt.Errorf("migrate audit tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, tenantID string, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx, tenant: tenantID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReadChain implements Store.
func (s *SQLiteStore) ReadChain(ctx context.Context, tenantID string, fromSeq int64) ([]Entry, error) {
	return queryEntries(ctx, s.db,
		`SELECT tenant_id, sequence, entry_type, content, prev_hash, hash, created_at
		 FROM audit_entries WHERE tenant_id = ? AND sequence >= ? ORDER BY sequence`,
		tenantID, fromSeq)
}

// Tiles implements Store.
func (s *SQLiteStore) Tiles(ctx context.Context, tenantID string) ([]Tile, error) {
	return queryTiles(ctx, s.db,
		`SELECT tenant_id, tile_index, start_seq, end_seq, capacity, root, prev_root, finalized_at
		 FROM audit_tiles WHERE tenant_id = ? ORDER BY tile_index`, tenantID)
}

// Tenants implements Store.
func (s *SQLiteStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM audit_entries ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// #endregion sqlite-store

// #region sqlite-tx

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqliteTx struct {
	tx     *sql.Tx
	tenant string
}

func (t *sqliteTx) Last(ctx context.Context) (Entry, bool, error) {
	es, err := queryEntries(ctx, t.tx,
		`SELECT tenant_id, sequence, entry_type, content, prev_hash, hash, created_at
		 FROM audit_entries WHERE tenant_id = ? ORDER BY sequence DESC LIMIT 1`, t.tenant)
	if err != nil || len(es) == 0 {
		return Entry{}, false, err
	}
	return es[0], true, nil
}

func (t *sqliteTx) Insert(ctx context.Context, e Entry) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO audit_entries (tenant_id, sequence, entry_type, content, prev_hash, hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.tenant, e.Sequence, string(e.Type), string(e.Content), e.PrevHash, e.Hash,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (t *sqliteTx) Range(ctx context.Context, fromSeq, toSeq int64) ([]Entry, error) {
	return queryEntries(ctx, t.tx,
		`SELECT tenant_id, sequence, entry_type, content, prev_hash, hash, created_at
		 FROM audit_entries WHERE tenant_id = ? AND sequence BETWEEN ? AND ? ORDER BY sequence`,
		t.tenant, fromSeq, toSeq)
}

func (t *sqliteTx) LastTile(ctx context.Context) (Tile, bool, error) {
	ts, err := queryTiles(ctx, t.tx,
		`SELECT tenant_id, tile_index, start_seq, end_seq, capacity, root, prev_root, finalized_at
		 FROM audit_tiles WHERE tenant_id = ? ORDER BY tile_index DESC LIMIT 1`, t.tenant)
	if err != nil || len(ts) == 0 {
		return Tile{}, false, err
	}
	return ts[0], true, nil
}

func (t *sqliteTx) InsertTile(ctx context.Context, tl Tile) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO audit_tiles (tenant_id, tile_index, start_seq, end_seq, capacity, root, prev_root, finalized_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.tenant, tl.Index, tl.StartSeq, tl.EndSeq, tl.Capacity, tl.Root, tl.PrevRoot,
		tl.FinalizedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// #endregion sqlite-tx

// #region scan-helpers

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			typ, c, ts string
		)
		if err := rows.Scan(&e.TenantID, &e.Sequence, &typ, &c, &e.PrevHash, &e.Hash, &ts); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Type = EntryType(typ)
		e.Content = json.RawMessage(c)
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse entry time: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func queryTiles(ctx context.Context, q querier, query string, args ...any) ([]Tile, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tiles: %w", err)
	}
	defer rows.Close()

	var out []Tile
	for rows.Next() {
		var (
			t  Tile
			ts string
		)
		if err := rows.Scan(&t.TenantID, &t.Index, &t.StartSeq, &t.EndSeq, &t.Capacity, &t.Root, &t.PrevRoot, &ts); err != nil {
			return nil, fmt.Errorf("scan tile: %w", err)
		}
		t.Finalized = true
		if t.FinalizedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse tile time: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// #endregion scan-helpers
