package compress

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tickvault/tickvault/internal/catalog"
	"github.com/tickvault/tickvault/internal/chunkstore"
	"github.com/tickvault/tickvault/internal/ingest"
	"github.com/tickvault/tickvault/internal/storage"
	"github.com/tickvault/tickvault/pkg/types"
)

type fixture struct {
	catalog *catalog.Catalog
	store   *chunkstore.Store
	router  *ingest.Router
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
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
	journal, err := catalog.NewSwapJournal(filepath.Join(dir, "swap"))
	if err != nil {
		t.Fatal(err)
	}
	cat, err := catalog.NewCatalog(filepath.Join(dir, "catalog.db"), store, journal)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })
	if err := cat.RegisterTable(context.Background(), "stock_quotes", time.Hour); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		catalog: cat,
		store:   store,
		router:  ingest.NewRouter(cat, store),
		manager: NewManager("stock_quotes", 2*time.Hour, cat, store),
	}
}

var baseTime = time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

func (f *fixture) ingestHour(t *testing.T, hour int, prices ...float64) {
	t.Helper()
	for i, p := range prices {
		row := types.Row{
			Time:   baseTime.Add(time.Duration(hour)*time.Hour + time.Duration(i)*time.Second).UnixNano(),
			Symbol: "AAPL",
			Fields: map[string]float64{"price": p},
		}
		if err := f.router.Ingest(context.Background(), "stock_quotes", row); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunOnce_CompressesColdChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingestHour(t, 1, 100, 101, 102)
	f.ingestHour(t, 2, 103)
	f.ingestHour(t, 3, 104) // keeps hour 1 and 2 closed behind the open chunk

	// At hour 5 the threshold (2h) covers chunks ending at or before hour 3.
	n := f.manager.RunOnce(ctx, baseTime.Add(5*time.Hour))
	if n != 2 {
		t.Fatalf("compressed %d chunks, want 2", n)
	}

	chunks := f.catalog.Chunks("stock_quotes")
	wantStates := []types.ChunkState{types.ChunkCompressed, types.ChunkCompressed, types.ChunkOpen}
	for i, chunk := range chunks {
		if chunk.State != wantStates[i] {
			t.Errorf("chunk %d: state %s, want %s", i, chunk.State, wantStates[i])
		}
	}

	// Compressed chunks still serve their rows.
	cur, err := f.store.Scan(ctx, chunks[0].ID, chunkstore.Predicate{})
	if err != nil {
		t.Fatalf("scan compressed chunk: %v", err)
	}
	defer cur.Close()
	rows := cur.All()
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].Fields["price"] != 100 || rows[2].Fields["price"] != 102 {
		t.Errorf("row values changed across compression: %+v", rows)
	}

	// Segment reclaimed, block present, journal clean.
	if _, err := os.Stat(f.store.SegmentPath(chunks[0].ID)); !os.IsNotExist(err) {
		t.Errorf("segment not reclaimed after compression")
	}
	exists, err := f.store.Objects().Exists(ctx, "stock_quotes/"+chunks[0].ID+".tvb")
	if err != nil || !exists {
		t.Errorf("block missing: exists=%v err=%v", exists, err)
	}
	markers, err := f.catalog.Journal().Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(markers) != 0 {
		t.Errorf("journal not cleared: %+v", markers)
	}
}

func TestRunOnce_YoungChunksUntouched(t *testing.T) {
	f := newFixture(t)

	f.ingestHour(t, 1, 100)
	f.ingestHour(t, 2, 101)

	// Hour 1's chunk ends at hour 2; at hour 3 it is only 1h old.
	n := f.manager.RunOnce(context.Background(), baseTime.Add(3*time.Hour))
	if n != 0 {
		t.Fatalf("compressed %d chunks before threshold, want 0", n)
	}
	chunks := f.catalog.Chunks("stock_quotes")
	if chunks[0].State != types.ChunkClosed {
		t.Errorf("young chunk state: %s", chunks[0].State)
	}
}

func TestRunOnce_OpenChunkNeverCompressed(t *testing.T) {
	f := newFixture(t)

	f.ingestHour(t, 1, 100)

	// Far future: the lone chunk is way past the threshold but still Open.
	n := f.manager.RunOnce(context.Background(), baseTime.Add(100*time.Hour))
	if n != 0 {
		t.Fatalf("compressed the open chunk")
	}
	chunks := f.catalog.Chunks("stock_quotes")
	if chunks[0].State != types.ChunkOpen {
		t.Errorf("open chunk state: %s", chunks[0].State)
	}
}

func TestRunOnce_EmptyGapChunk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingestHour(t, 1, 100)
	f.ingestHour(t, 4, 101) // hours 2 and 3 become empty closed slots

	n := f.manager.RunOnce(ctx, baseTime.Add(10*time.Hour))
	if n != 3 {
		t.Fatalf("compressed %d chunks, want 3", n)
	}

	// An empty chunk compresses to an empty block and still scans clean.
	chunks := f.catalog.Chunks("stock_quotes")
	cur, err := f.store.Scan(ctx, chunks[1].ID, chunkstore.Predicate{})
	if err != nil {
		t.Fatalf("scan empty compressed chunk: %v", err)
	}
	defer cur.Close()
	if got := len(cur.All()); got != 0 {
		t.Errorf("empty chunk produced %d rows", got)
	}
}

func TestRunOnce_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ingestHour(t, 1, 100)
	f.ingestHour(t, 2, 101)

	now := baseTime.Add(10 * time.Hour)
	if n := f.manager.RunOnce(ctx, now); n != 1 {
		t.Fatalf("first sweep: %d", n)
	}
	if n := f.manager.RunOnce(ctx, now); n != 0 {
		t.Errorf("second sweep recompressed: %d", n)
	}
}
