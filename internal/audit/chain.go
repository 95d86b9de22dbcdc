// Package audit keeps an append-only, hash-linked log of pipeline decisions
// per tenant, grouped into Merkle-rooted tiles.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zynapses/cato-safety/internal/logging"
	"github.com/zynapses/cato-safety/internal/metrics"
)

// #region chain

// Chain appends and verifies entries on top of a Store.
type Chain struct {
	store    Store
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	tileSize func(ctx context.Context, tenantID string) int
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock injects the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// WithTileSize fixes the tile capacity for every tenant.
func WithTileSize(n int) Option {
	return func(c *Chain) { c.tileSize = func(context.Context, string) int { return n } }
}

// WithTileSizer looks the tile capacity up per tenant.
func WithTileSizer(fn func(ctx context.Context, tenantID string) int) Option {
	return func(c *Chain) { c.tileSize = fn }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Chain) { c.metrics = m }
}

// NewChain creates a chain over store.
func NewChain(store Store, log *zap.Logger, opts ...Option) *Chain {
	c := &Chain{
		store:    store,
		log:      logging.OrNop(log).Named("audit"),
		now:      time.Now,
		tileSize: func(context.Context, string) int { return DefaultTileSize },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// #endregion chain

// #region append

// Append links a new entry onto the tenant's chain and finalizes the open
// tile when it reaches capacity.
func (c *Chain) Append(ctx context.Context, tenantID string, typ EntryType, content any) (Entry, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal content: %w", err)
	}
	canon, err := Canonicalize(raw)
	if err != nil {
		return Entry{}, err
	}
	size := c.tileSize(ctx, tenantID)
	if size <= 0 {
		size = DefaultTileSize
	}

	var out Entry
	err = c.store.Update(ctx, tenantID, func(tx Tx) error {
		// 1. Link to the tail, or to genesis.
		last, ok, err := tx.Last(ctx)
		if err != nil {
			return fmt.Errorf("read tail: %w", err)
		}
		e := Entry{
			TenantID:  tenantID,
			Sequence:  1,
			Type:      typ,
			Content:   canon,
			PrevHash:  GenesisHash(tenantID),
			Timestamp: c.now().UTC(),
		}
		if ok {
			e.Sequence = last.Sequence + 1
			e.PrevHash = last.Hash
		}
		if e.Hash, err = ComputeHash(e.PrevHash, e); err != nil {
			return err
		}
		if err := tx.Insert(ctx, e); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		out = e

		// 2. Finalize the open tile if this entry filled it.
		prev, hasPrev, err := tx.LastTile(ctx)
		if err != nil {
			return fmt.Errorf("read last tile: %w", err)
		}
		start, index, prevRoot := int64(1), int64(0), ""
		if hasPrev {
			start, index, prevRoot = prev.EndSeq+1, prev.Index+1, prev.Root
		}
		if e.Sequence-start+1 < int64(size) {
			return nil
		}
		entries, err := tx.Range(ctx, start, e.Sequence)
		if err != nil {
			return fmt.Errorf("read tile entries: %w", err)
		}
		root, err := MerkleRoot(hashesOf(entries))
		if err != nil {
			return err
		}
		tile := Tile{
			TenantID:    tenantID,
			Index:       index,
			StartSeq:    start,
			EndSeq:      e.Sequence,
			Capacity:    size,
			Root:        root,
			PrevRoot:    prevRoot,
			Finalized:   true,
			FinalizedAt: e.Timestamp,
		}
		if err := tx.InsertTile(ctx, tile); err != nil {
			return fmt.Errorf("insert tile: %w", err)
		}
		c.log.Debug("tile finalized",
			zap.String("tenant_id", tenantID),
			zap.Int64("index", index),
			zap.String("root", root),
		)
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("append %s: %w", typ, err)
	}
	c.metrics.RecordAuditAppend(string(typ))
	return out, nil
}

// #endregion append

// #region read

// ReadChain returns entries with sequence >= fromSeq in order.
func (c *Chain) ReadChain(ctx context.Context, tenantID string, fromSeq int64) ([]Entry, error) {
	return c.store.ReadChain(ctx, tenantID, fromSeq)
}

// Tiles returns the finalized tiles followed by the open tile, if any.
func (c *Chain) Tiles(ctx context.Context, tenantID string) ([]Tile, error) {
	tiles, err := c.store.Tiles(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	start, index := int64(1), int64(0)
	if n := len(tiles); n > 0 {
		start, index = tiles[n-1].EndSeq+1, tiles[n-1].Index+1
	}
	open, err := c.store.ReadChain(ctx, tenantID, start)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		tiles = append(tiles, Tile{
			TenantID: tenantID,
			Index:    index,
			StartSeq: start,
			EndSeq:   open[len(open)-1].Sequence,
			Capacity: c.tileSize(ctx, tenantID),
		})
	}
	return tiles, nil
}

// #endregion read

// #region verify

// Verify replays the chain from genesis and stops at the first entry whose
// link or hash does not match. A broken chain returns ErrChainBroken along
// with the report.
func (c *Chain) Verify(ctx context.Context, tenantID string) (Report, error) {
	entries, err := c.store.ReadChain(ctx, tenantID, 1)
	if err != nil {
		return Report{}, fmt.Errorf("read chain: %w", err)
	}
	rep := Report{TenantID: tenantID, Valid: true}
	prev := GenesisHash(tenantID)
	for i, e := range entries {
		rep.Checked = i + 1
		reason := ""
		switch {
		case e.Sequence != int64(i+1):
			reason = fmt.Sprintf("expected sequence %d, found %d", i+1, e.Sequence)
		case e.PrevHash != prev:
			reason = "previous hash does not link"
		default:
			h, err := ComputeHash(prev, e)
			if err != nil {
				reason = err.Error()
			} else if h != e.Hash {
				reason = "hash does not match content"
			}
		}
		if reason != "" {
			rep.Valid = false
			rep.FirstMismatch = e.Sequence
			rep.Reason = reason
			return rep, fmt.Errorf("%w: tenant %s sequence %d: %s", ErrChainBroken, tenantID, e.Sequence, reason)
		}
		prev = e.Hash
	}
	return rep, nil
}

// VerifyTiles recomputes every finalized root and checks the tile links.
func (c *Chain) VerifyTiles(ctx context.Context, tenantID string) (Report, error) {
	tiles, err := c.store.Tiles(ctx, tenantID)
	if err != nil {
		return Report{}, fmt.Errorf("read tiles: %w", err)
	}
	rep := Report{TenantID: tenantID, Valid: true}
	prevRoot, nextStart := "", int64(1)
	for i, t := range tiles {
		rep.Checked = i + 1
		reason := ""
		entries, err := c.store.ReadChain(ctx, tenantID, t.StartSeq)
		if err != nil {
			return rep, fmt.Errorf("read tile %d: %w", t.Index, err)
		}
		if n := t.Count(); len(entries) > n {
			entries = entries[:n]
		}
		switch {
		case t.StartSeq != nextStart:
			reason = fmt.Sprintf("tile starts at %d, expected %d", t.StartSeq, nextStart)
		case t.PrevRoot != prevRoot:
			reason = "previous root does not link"
		case len(entries) != t.Count():
			reason = fmt.Sprintf("tile has %d entries, expected %d", len(entries), t.Count())
		default:
			root, err := MerkleRoot(hashesOf(entries))
			if err != nil {
				reason = err.Error()
			} else if root != t.Root {
				reason = "root does not match entries"
			}
		}
		if reason != "" {
			rep.Valid = false
			rep.FirstMismatch = t.StartSeq
			rep.Reason = fmt.Sprintf("tile %d: %s", t.Index, reason)
			return rep, fmt.Errorf("%w: tenant %s %s", ErrChainBroken, tenantID, rep.Reason)
		}
		prevRoot, nextStart = t.Root, t.EndSeq+1
	}
	return rep, nil
}

// VerifyAll verifies entries and tiles of every tenant concurrently. The
// returned error is the first failure; reports cover every tenant.
func (c *Chain) VerifyAll(ctx context.Context) ([]Report, error) {
	tenants, err := c.store.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	reports := make([]Report, len(tenants))
	errs := make([]error, len(tenants))
	var g errgroup.Group
	g.SetLimit(8)
	for i, tenant := range tenants {
		g.Go(func() error {
			rep, err := c.Verify(ctx, tenant)
			if err == nil {
				rep, err = c.VerifyTiles(ctx, tenant)
			}
			reports[i], errs[i] = rep, err
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range errs {
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// #endregion verify

func hashesOf(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Hash
	}
	return out
}
