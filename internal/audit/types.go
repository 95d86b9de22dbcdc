package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrChainBroken is returned when verification finds a mismatch.
var ErrChainBroken = errors.New("audit: chain broken")

// DefaultTileSize is the tile capacity when none is configured.
const DefaultTileSize = 1000

// #region entry-type

// EntryType classifies an audit entry.
type EntryType string

const (
	EntryActionApproved   EntryType = "action_approved"
	EntryActionBlocked    EntryType = "action_blocked"
	EntryRecoveryRetry    EntryType = "recovery_retry"
	EntryEscalation       EntryType = "escalation"
	EntryCheckpointNotify EntryType = "checkpoint_notify"
	EntryFailOpen         EntryType = "fail_open"
)

// #endregion entry-type

// #region entry

// Entry is one link of a tenant's chain. Entries are never updated.
type Entry struct {
	TenantID  string          `json:"tenant_id"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	Content   json.RawMessage `json:"content"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Timestamp time.Time       `json:"timestamp"`
}

// Tile is a window of consecutive entries. Root is set only once the tile
// is full, and never changes afterwards.
type Tile struct {
	TenantID    string    `json:"tenant_id"`
	Index       int64     `json:"index"`
	StartSeq    int64     `json:"start_seq"`
	EndSeq      int64     `json:"end_seq"`
	Capacity    int       `json:"capacity"`
	Root        string    `json:"root,omitempty"`
	PrevRoot    string    `json:"prev_root,omitempty"`
	Finalized   bool      `json:"finalized"`
	FinalizedAt time.Time `json:"finalized_at,omitempty"`
}

// Count is the number of entries in the tile.
func (t Tile) Count() int {
	if t.EndSeq < t.StartSeq {
		return 0
	}
	return int(t.EndSeq - t.StartSeq + 1)
}

// Report is the outcome of a verification pass.
type Report struct {
	TenantID      string `json:"tenant_id"`
	Checked       int    `json:"checked"`
	Valid         bool   `json:"valid"`
	FirstMismatch int64  `json:"first_mismatch,omitempty"` // sequence number
	Reason        string `json:"reason,omitempty"`
}

// #endregion entry

// #region store

// Tx is a serialized view of one tenant's chain. Implementations hold the
// tenant's write lock for the duration of Store.Update.
type Tx interface {
	Last(ctx context.Context) (Entry, bool, error)
	Insert(ctx context.Context, e Entry) error
	Range(ctx context.Context, fromSeq, toSeq int64) ([]Entry, error)
	LastTile(ctx context.Context) (Tile, bool, error)
	InsertTile(ctx context.Context, t Tile) error
}

// Store persists chains. Update must serialize callers per tenant; tenants
// are independent.
type Store interface {
	Update(ctx context.Context, tenantID string, fn func(Tx) error) error
	ReadChain(ctx context.Context, tenantID string, fromSeq int64) ([]Entry, error)
	Tiles(ctx context.Context, tenantID string) ([]Tile, error)
	Tenants(ctx context.Context) ([]string, error)
}

// #endregion store
