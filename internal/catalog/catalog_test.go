package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/tickvault/tickvault/internal/chunkstore"
	tverr "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/internal/storage"
	"github.com/tickvault/tickvault/pkg/types"
)

type testEnv struct {
	dir     string
	store   *chunkstore.Store
	catalog *Catalog
	journal *SwapJournal
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	return openEnv(t, dir)
}

func openEnv(t *testing.T, dir string) *testEnv {
	t.Helper()
	objects, err := storage.NewLocalStorage(filepath.Join(dir, "blocks"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "segments"), 0755); err != nil {
		t.Fatal(err)
	}
	store := chunkstore.NewStore(filepath.Join(dir, "segments"), objects)
	if err := store.RegisterSchema(types.QuoteSchema("stock_quotes")); err != nil {
		t.Fatal(err)
	}
	journal, err := NewSwapJournal(filepath.Join(dir, "swap"))
	if err != nil {
		t.Fatal(err)
	}
	cat, err := NewCatalog(filepath.Join(dir, "catalog.db"), store, journal)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })
	if err := cat.RegisterTable(context.Background(), "stock_quotes", time.Hour); err != nil {
		t.Fatal(err)
	}
	return &testEnv{dir: dir, store: store, catalog: cat, journal: journal}
}

const hourNs = int64(time.Hour)

func TestResolve_CreatesAlignedOpenChunk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ts := 5*hourNs + 12345
	chunk, err := env.catalog.Resolve(ctx, "stock_quotes", ts)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if chunk.StartNs != 5*hourNs || chunk.EndNs != 6*hourNs {
		t.Errorf("bad alignment: [%d, %d)", chunk.StartNs, chunk.EndNs)
	}
	if chunk.State != types.ChunkOpen {
		t.Errorf("state: got %s, want open", chunk.State)
	}

	// Same timestamp resolves to the same chunk.
	again, err := env.catalog.Resolve(ctx, "stock_quotes", ts+1)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != chunk.ID {
		t.Errorf("resolve not stable: %s vs %s", again.ID, chunk.ID)
	}
}

func TestResolve_AdvanceClosesSuperseded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.catalog.Resolve(ctx, "stock_quotes", 1*hourNs)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.store.Append(first.ID, types.Row{Time: 1 * hourNs, Symbol: "AAPL", Fields: map[string]float64{"price": 1}}); err != nil {
		t.Fatal(err)
	}

	second, err := env.catalog.Resolve(ctx, "stock_quotes", 2*hourNs)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new chunk")
	}
	if second.State != types.ChunkOpen {
		t.Errorf("new chunk state: %s", second.State)
	}

	closed, err := env.catalog.Get(first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.State != types.ChunkClosed {
		t.Errorf("superseded chunk state: got %s, want closed", closed.State)
	}
	if closed.RowCount != 1 {
		t.Errorf("superseded row count: got %d, want 1", closed.RowCount)
	}

	// The closed chunk no longer accepts appends.
	err = env.store.Append(first.ID, types.Row{Time: 1*hourNs + 1, Symbol: "AAPL", Fields: map[string]float64{"price": 2}})
	if !tverr.HasCode(err, tverr.CodeChunkNotOpen) {
		t.Errorf("expected CHUNK_NOT_OPEN, got %v", err)
	}
}

func TestResolve_GapSlotsTileRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.catalog.Resolve(ctx, "stock_quotes", 1*hourNs); err != nil {
		t.Fatal(err)
	}
	// Jump 4 hours ahead; hours 2 and 3 must be materialized as empty
	// closed slots so the range tiles gap-free.
	if _, err := env.catalog.Resolve(ctx, "stock_quotes", 4*hourNs+30); err != nil {
		t.Fatal(err)
	}

	chunks := env.catalog.Chunks("stock_quotes")
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		wantStart := int64(i+1) * hourNs
		if chunk.StartNs != wantStart || chunk.EndNs != wantStart+hourNs {
			t.Errorf("chunk %d: range [%d, %d), want [%d, %d)", i, chunk.StartNs, chunk.EndNs, wantStart, wantStart+hourNs)
		}
		wantState := types.ChunkClosed
		if i == len(chunks)-1 {
			wantState = types.ChunkOpen
		}
		if chunk.State != wantState {
			t.Errorf("chunk %d: state %s, want %s", i, chunk.State, wantState)
		}
	}
}

func TestResolve_BelowCoverageIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.catalog.Resolve(ctx, "stock_quotes", 10*hourNs); err != nil {
		t.Fatal(err)
	}

	// Before the first chunk: never covered, never creatable.
	_, err := env.catalog.Resolve(ctx, "stock_quotes", 1*hourNs)
	if !tverr.HasCode(err, tverr.CodeNotFound) {
		t.Errorf("expected NOT_FOUND below coverage, got %v", err)
	}
}

func TestResolve_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const goroutines = 16
	ids := make([]string, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chunk, err := env.catalog.Resolve(ctx, "stock_quotes", 7*hourNs+int64(i))
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			ids[i] = chunk.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent resolves produced different chunks: %s vs %s", ids[i], ids[0])
		}
	}
	if got := len(env.catalog.Chunks("stock_quotes")); got != 1 {
		t.Errorf("expected exactly 1 chunk, got %d", got)
	}
}

func TestTransition_Graph(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chunk, err := env.catalog.Resolve(ctx, "stock_quotes", hourNs)
	if err != nil {
		t.Fatal(err)
	}

	// Open -> Compressed skips Closed.
	err = env.catalog.Transition(ctx, chunk.ID, types.ChunkCompressed)
	if !tverr.HasCode(err, tverr.CodeInvalidTransition) {
		t.Errorf("expected INVALID_TRANSITION, got %v", err)
	}

	if err := env.catalog.Transition(ctx, chunk.ID, types.ChunkClosed); err != nil {
		t.Fatalf("open->closed: %v", err)
	}
	// Closed -> Open is backwards.
	err = env.catalog.Transition(ctx, chunk.ID, types.ChunkOpen)
	if !tverr.HasCode(err, tverr.CodeInvalidTransition) {
		t.Errorf("expected INVALID_TRANSITION going backwards, got %v", err)
	}

	err = env.catalog.Transition(ctx, "no-such-chunk", types.ChunkClosed)
	if !tverr.HasCode(err, tverr.CodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestRangeScan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.catalog.Resolve(ctx, "stock_quotes", 5*hourNs); err != nil {
		t.Fatal(err)
	}
	// Coverage is now hours [1..5]; scan hours 2-4.
	if _, err := env.catalog.Resolve(ctx, "stock_quotes", 1*hourNs); err == nil {
		t.Fatal("expected below-coverage error")
	}

	chunks, err := env.catalog.RangeScan("stock_quotes", 5*hourNs+1, 6*hourNs)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 overlapping chunk, got %d", len(chunks))
	}

	chunks, err = env.catalog.RangeScan("stock_quotes", 0, 100*hourNs)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Errorf("full scan: expected 1 chunk, got %d", len(chunks))
	}

	// A zero upper bound means unbounded, not empty.
	chunks, err = env.catalog.RangeScan("stock_quotes", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Errorf("unbounded scan: expected 1 chunk, got %d", len(chunks))
	}
}

func TestCandidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.catalog.Resolve(ctx, "stock_quotes", 1*hourNs); err != nil {
		t.Fatal(err)
	}
	if _, err := env.catalog.Resolve(ctx, "stock_quotes", 4*hourNs); err != nil {
		t.Fatal(err)
	}
	// Chunks: h1 Closed, h2 Closed, h3 Closed, h4 Open.

	comp := env.catalog.CompressionCandidates("stock_quotes", 3*hourNs)
	if len(comp) != 2 { // h1 and h2 end at or before 3h
		t.Errorf("compression candidates: got %d, want 2", len(comp))
	}

	ret := env.catalog.RetentionCandidates("stock_quotes", 100*hourNs)
	for _, chunk := range ret {
		if chunk.State == types.ChunkOpen {
			t.Errorf("open chunk offered for retention: %s", chunk.ID)
		}
	}
	if len(ret) != 3 {
		t.Errorf("retention candidates: got %d, want 3", len(ret))
	}
}

func TestWatermark_Persistence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ns, err := env.catalog.Watermark(ctx, "stock_ohlcv_5m")
	if err != nil || ns != 0 {
		t.Fatalf("fresh watermark: got %d, %v", ns, err)
	}

	if err := env.catalog.SetWatermark(ctx, "stock_ohlcv_5m", 12345); err != nil {
		t.Fatal(err)
	}
	if err := env.catalog.SetWatermark(ctx, "stock_ohlcv_5m", 67890); err != nil {
		t.Fatal(err)
	}

	ns, err = env.catalog.Watermark(ctx, "stock_ohlcv_5m")
	if err != nil || ns != 67890 {
		t.Fatalf("watermark after upsert: got %d, %v", ns, err)
	}
}

func TestCatalog_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	env := openEnv(t, dir)
	ctx := context.Background()

	chunk, err := env.catalog.Resolve(ctx, "stock_quotes", 2*hourNs)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.store.Append(chunk.ID, types.Row{Time: 2 * hourNs, Symbol: "AAPL", Fields: map[string]float64{"price": 9}}); err != nil {
		t.Fatal(err)
	}
	if err := env.catalog.SetWatermark(ctx, "agg", 555); err != nil {
		t.Fatal(err)
	}
	env.store.Close()
	env.catalog.Close()

	reopened := openEnv(t, dir)
	got, err := reopened.catalog.Get(chunk.ID)
	if err != nil {
		t.Fatalf("chunk lost across reopen: %v", err)
	}
	if got.StartNs != chunk.StartNs || got.State != types.ChunkOpen {
		t.Errorf("chunk changed across reopen: %+v", got)
	}

	// Rows load lazily from the segment.
	cur, err := reopened.store.Scan(ctx, chunk.ID, chunkstore.Predicate{})
	if err != nil {
		t.Fatal(err)
	}
	defer cur.Close()
	if cur.Remaining() != 1 {
		t.Errorf("rows lost across reopen: %d", cur.Remaining())
	}

	ns, err := reopened.catalog.Watermark(ctx, "agg")
	if err != nil || ns != 555 {
		t.Errorf("watermark lost across reopen: %d, %v", ns, err)
	}
}

func TestProperty_ChunksAlwaysTile(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("resolved coverage is gap-free with one trailing open chunk", prop.ForAll(
		func(deltas []int64) bool {
			env := newTestEnv(t)
			ctx := context.Background()

			ts := hourNs
			for _, d := range deltas {
				ts += (d%5 + 5) % 5 * hourNs / 2 // advance 0..2h in 30m steps
				if _, err := env.catalog.Resolve(ctx, "stock_quotes", ts); err != nil {
					return false
				}
			}

			chunks := env.catalog.Chunks("stock_quotes")
			if len(chunks) == 0 {
				return false
			}
			openCount := 0
			for i, chunk := range chunks {
				if chunk.EndNs-chunk.StartNs != hourNs {
					return false
				}
				if i > 0 && chunk.StartNs != chunks[i-1].EndNs {
					return false // gap or overlap
				}
				if chunk.State == types.ChunkOpen {
					openCount++
					if i != len(chunks)-1 {
						return false // open chunk not at the leading edge
					}
				}
			}
			return openCount == 1
		},
		gen.SliceOfN(8, gen.Int64Range(0, 10)),
	))

	properties.TestingRun(t)
}
