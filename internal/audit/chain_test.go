package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"
)

// #region helpers

type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newClock() *tickClock {
	return &tickClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
}

type storeFactory struct {
	name string
	new  func(t *testing.T) (Store, *sql.DB)
}

func factories() []storeFactory {
	return []storeFactory{
		{"memory", func(*testing.T) (Store, *sql.DB) { return NewMemoryStore(), nil }},
		{"sqlite", func(t *testing.T) (Store, *sql.DB) {
			db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
			if err != nil {
				t.Fatalf("open db: %v", err)
			}
			t.Cleanup(func() { db.Close() })
			s, err := NewSQLiteStore(db)
			if err != nil {
				t.Fatalf("new store: %v", err)
			}
			return s, db
		}},
	}
}

func appendN(t *testing.T, c *Chain, tenant string, n int) []Entry {
	t.Helper()
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := c.Append(context.Background(), tenant, EntryActionApproved, map[string]any{"i": i, "tenant": tenant})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

// #endregion helpers

// #region hash-tests
func TestGenesisHashIsDeterministicPerTenant(t *testing.T) {
	if GenesisHash("a") != GenesisHash("a") {
		t.Fatal("genesis must be deterministic")
	}
	if GenesisHash("a") == GenesisHash("b") {
		t.Fatal("tenants must have distinct genesis hashes")
	}
}

func TestCanonicalizeSortsKeys(t *testing.T) {
	a, err := Canonicalize(json.RawMessage(`{"b": 1, "a": {"y": 2.50, "x": true}}`))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(a), `{"a":{"x":true,"y":2.50},"b":1}`; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestMerkleRootOddDuplicatesLast(t *testing.T) {
	h := []string{GenesisHash("1"), GenesisHash("2"), GenesisHash("3")}
	odd, err := MerkleRoot(h)
	if err != nil {
		t.Fatal(err)
	}
	even, _ := MerkleRoot([]string{h[0], h[1], h[2], h[2]})
	if odd != even {
		t.Error("odd level should equal the level with its last node duplicated")
	}
	single, _ := MerkleRoot(h[:1])
	if single != h[0] {
		t.Error("a single leaf is its own root")
	}
	if _, err := MerkleRoot(nil); err == nil {
		t.Error("empty set should fail")
	}
}

// #endregion hash-tests

// #region chain-tests
func TestChain_IntegrityAcrossStores(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			store, _ := f.new(t)
			c := NewChain(store, nil, WithClock(newClock().Now), WithTileSize(4))
			entries := appendN(t, c, "t1", 10)

			if entries[0].PrevHash != GenesisHash("t1") || entries[0].Sequence != 1 {
				t.Fatalf("first entry must chain from genesis: %+v", entries[0])
			}
			for i := 1; i < len(entries); i++ {
				if entries[i].PrevHash != entries[i-1].Hash {
					t.Fatalf("entry %d does not link", i+1)
				}
			}

			rep, err := c.Verify(context.Background(), "t1")
			if err != nil || !rep.Valid || rep.Checked != 10 {
				t.Fatalf("expected valid chain of 10, got %+v %v", rep, err)
			}

			read, err := c.ReadChain(context.Background(), "t1", 1)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(entries, read); diff != "" {
				t.Errorf("stored chain differs (-appended +read):\n%s", diff)
			}
			tail, _ := c.ReadChain(context.Background(), "t1", 8)
			if len(tail) != 3 || tail[0].Sequence != 8 {
				t.Errorf("expected entries 8-10, got %d", len(tail))
			}
		})
	}
}

func TestChain_TilesFinalizeOnceAndLink(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			store, _ := f.new(t)
			c := NewChain(store, nil, WithClock(newClock().Now), WithTileSize(4))

			appendN(t, c, "t1", 3)
			tiles, _ := c.Tiles(ctx, "t1")
			if len(tiles) != 1 || tiles[0].Finalized || tiles[0].Root != "" {
				t.Fatalf("partial tile must stay open without a root: %+v", tiles)
			}

			appendN(t, c, "t1", 1)
			tiles, _ = c.Tiles(ctx, "t1")
			if len(tiles) != 1 || !tiles[0].Finalized || tiles[0].Count() != 4 {
				t.Fatalf("expected one finalized tile of 4, got %+v", tiles)
			}
			first := tiles[0]

			appendN(t, c, "t1", 6)
			tiles, _ = c.Tiles(ctx, "t1")
			if len(tiles) != 3 {
				t.Fatalf("expected 2 finalized + 1 open tile, got %d", len(tiles))
			}
			if tiles[0].Root != first.Root {
				t.Fatal("finalized root changed after more appends")
			}
			if tiles[1].PrevRoot != first.Root || tiles[1].StartSeq != 5 {
				t.Errorf("second tile must link to the first: %+v", tiles[1])
			}
			if tiles[2].Finalized || tiles[2].StartSeq != 9 || tiles[2].EndSeq != 10 {
				t.Errorf("unexpected open tile %+v", tiles[2])
			}

			rep, err := c.VerifyTiles(ctx, "t1")
			if err != nil || !rep.Valid || rep.Checked != 2 {
				t.Fatalf("expected two valid tiles, got %+v %v", rep, err)
			}
		})
	}
}

func TestChain_TamperReportsFirstMismatch(t *testing.T) {
	ctx := context.Background()
	for idx := 1; idx <= 6; idx++ {
		t.Run(fmt.Sprintf("entry-%d", idx), func(t *testing.T) {
			store, db := factories()[1].new(t)
			c := NewChain(store, nil, WithClock(newClock().Now), WithTileSize(100))
			appendN(t, c, "t1", 6)

			if _, err := db.Exec(`UPDATE audit_entries SET content = '{"forged":true}' WHERE tenant_id = 't1' AND sequence = ?`, idx); err != nil {
				t.Fatal(err)
			}
			rep, err := c.Verify(ctx, "t1")
			if !errors.Is(err, ErrChainBroken) {
				t.Fatalf("expected ErrChainBroken, got %v", err)
			}
			if rep.Valid || rep.FirstMismatch < int64(idx) {
				t.Fatalf("mismatch reported at %d, before tampered entry %d", rep.FirstMismatch, idx)
			}
			if rep.FirstMismatch != int64(idx) {
				t.Errorf("expected mismatch at %d, got %d", idx, rep.FirstMismatch)
			}
		})
	}
}

func TestChain_BrokenLinkInMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewChain(store, nil, WithClock(newClock().Now), WithTileSize(2))
	appendN(t, c, "t1", 4)

	store.tenants["t1"].entries[2].PrevHash = GenesisHash("t1")
	rep, err := c.Verify(ctx, "t1")
	if !errors.Is(err, ErrChainBroken) || rep.FirstMismatch != 3 {
		t.Fatalf("expected break at 3, got %+v %v", rep, err)
	}

	store.tenants["t1"].tiles[1].PrevRoot = "bogus"
	rep, err = c.VerifyTiles(ctx, "t1")
	if !errors.Is(err, ErrChainBroken) || rep.FirstMismatch != 3 {
		t.Fatalf("expected tile break at seq 3, got %+v %v", rep, err)
	}
}

func TestChain_ConcurrentAppendsStayOrdered(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			store, _ := f.new(t)
			c := NewChain(store, nil, WithTileSize(5))

			var wg sync.WaitGroup
			for _, tenant := range []string{"a", "b"} {
				for w := 0; w < 4; w++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						for i := 0; i < 5; i++ {
							if _, err := c.Append(context.Background(), tenant, EntryActionBlocked, map[string]int{"w": w, "i": i}); err != nil {
								t.Errorf("append: %v", err)
							}
						}
					}()
				}
			}
			wg.Wait()

			reports, err := c.VerifyAll(context.Background())
			if err != nil {
				t.Fatalf("verify all: %v", err)
			}
			if len(reports) != 2 {
				t.Fatalf("expected two tenants, got %d", len(reports))
			}
			for _, r := range reports {
				if !r.Valid || r.Checked != 4 {
					t.Errorf("tenant %s: expected 4 valid tiles, got %+v", r.TenantID, r)
				}
			}
		})
	}
}

// #endregion chain-tests
