package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// #region memory-store

type tenantLog struct {
	mu      sync.Mutex
	entries []Entry
	tiles   []Tile
}

// MemoryStore keeps chains in process memory with one lock per tenant.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*tenantLog
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*tenantLog)}
}

func (m *MemoryStore) tenant(id string) *tenantLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		t = &tenantLog{}
		m.tenants[id] = t
	}
	return t
}

// Update implements Store. Writes made by fn are discarded if it fails.
func (m *MemoryStore) Update(ctx context.Context, tenantID string, fn func(Tx) error) error {
	t := m.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	tx := &memoryTx{log: t}
	if err := fn(tx); err != nil {
		return err
	}
	t.entries = append(t.entries, tx.entries...)
	t.tiles = append(t.tiles, tx.tiles...)
	return nil
}

// ReadChain implements Store.
func (m *MemoryStore) ReadChain(_ context.Context, tenantID string, fromSeq int64) ([]Entry, error) {
	t := m.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Entry
	for _, e := range t.entries {
		if e.Sequence >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// Tiles implements Store.
func (m *MemoryStore) Tiles(_ context.Context, tenantID string) ([]Tile, error) {
	t := m.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Tile(nil), t.tiles...), nil
}

// Tenants implements Store.
func (m *MemoryStore) Tenants(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tenants))
	for id, t := range m.tenants {
		t.mu.Lock()
		n := len(t.entries)
		t.mu.Unlock()
		if n > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// #endregion memory-store

// #region memory-tx

// memoryTx buffers writes until Update commits them.
type memoryTx struct {
	log     *tenantLog
	entries []Entry
	tiles   []Tile
}

func (tx *memoryTx) Last(context.Context) (Entry, bool, error) {
	if n := len(tx.entries); n > 0 {
		return tx.entries[n-1], true, nil
	}
	if n := len(tx.log.entries); n > 0 {
		return tx.log.entries[n-1], true, nil
	}
	return Entry{}, false, nil
}

func (tx *memoryTx) Insert(_ context.Context, e Entry) error {
	if last, ok, _ := tx.Last(context.Background()); ok && e.Sequence != last.Sequence+1 {
		return fmt.Errorf("sequence %d does not follow %d", e.Sequence, last.Sequence)
	}
	tx.entries = append(tx.entries, e)
	return nil
}

func (tx *memoryTx) Range(_ context.Context, fromSeq, toSeq int64) ([]Entry, error) {
	var out []Entry
	for _, src := range [][]Entry{tx.log.entries, tx.entries} {
		for _, e := range src {
			if e.Sequence >= fromSeq && e.Sequence <= toSeq {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (tx *memoryTx) LastTile(context.Context) (Tile, bool, error) {
	if n := len(tx.tiles); n > 0 {
		return tx.tiles[n-1], true, nil
	}
	if n := len(tx.log.tiles); n > 0 {
		return tx.log.tiles[n-1], true, nil
	}
	return Tile{}, false, nil
}

func (tx *memoryTx) InsertTile(_ context.Context, t Tile) error {
	if last, ok, _ := tx.LastTile(context.Background()); ok && t.Index != last.Index+1 {
		return fmt.Errorf("tile %d does not follow %d", t.Index, last.Index)
	}
	tx.tiles = append(tx.tiles, t)
	return nil
}

// #endregion memory-tx
