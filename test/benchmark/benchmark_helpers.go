// Package benchmark holds throughput and latency benchmarks for the hot
// paths: ingest routing, segment appends, columnar encode/decode, scans,
// and object storage round trips.
//
// Run with: go test -bench=. -benchtime=1x ./test/benchmark/...
package benchmark

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/tickvault/tickvault/internal/catalog"
	"github.com/tickvault/tickvault/internal/chunkstore"
	"github.com/tickvault/tickvault/internal/storage"
	"github.com/tickvault/tickvault/pkg/types"
)

var benchSymbols = []string{"AAPL", "MSFT", "GOOG", "AMZN", "NVDA", "TSLA", "META", "NFLX"}

// benchStart anchors all generated timestamps. Aligned to the hour so
// chunk boundaries are predictable.
var benchStart = time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

// getBenchmarkStorage returns the object storage under test. Defaults to a
// local temp directory; set TICKVAULT_STORAGE_TYPE=s3 (in the environment
// or a .env at the repo root) to benchmark against a real bucket.
func getBenchmarkStorage(b *testing.B, benchName string) (storage.ObjectStorage, string) {
	// .env lives at the repo root, two levels up from test/benchmark.
	_ = godotenv.Load("../../.env")

	if os.Getenv("TICKVAULT_STORAGE_TYPE") == "s3" {
		bucket := os.Getenv("TICKVAULT_S3_BUCKET")
		if bucket == "" {
			b.Fatal("TICKVAULT_S3_BUCKET is required for s3 benchmarks")
		}
		prefix := fmt.Sprintf("bench/%s/%d", benchName, time.Now().UnixNano())
		objects, err := storage.NewS3Storage(context.Background(), bucket, storage.S3Config{
			Region:   os.Getenv("TICKVAULT_S3_REGION"),
			Prefix:   prefix,
			Endpoint: os.Getenv("TICKVAULT_S3_ENDPOINT"),
		})
		if err != nil {
			b.Fatalf("failed to initialize s3 storage: %v", err)
		}
		return objects, "s3:" + bucket + "/" + prefix
	}

	dir := b.TempDir()
	objects, err := storage.NewLocalStorage(dir)
	if err != nil {
		b.Fatalf("failed to initialize local storage: %v", err)
	}
	return objects, dir
}

// benchEnv is a catalog+store pair over temp directories, one registered
// quote table with the given chunk width.
type benchEnv struct {
	cat   *catalog.Catalog
	store *chunkstore.Store
}

func newBenchEnv(b *testing.B, chunkWidth time.Duration) *benchEnv {
	b.Helper()
	dir := b.TempDir()

	objects, err := storage.NewLocalStorage(dir + "/blocks")
	if err != nil {
		b.Fatal(err)
	}
	if err := os.MkdirAll(dir+"/segments", 0755); err != nil {
		b.Fatal(err)
	}
	journal, err := catalog.NewSwapJournal(dir + "/swap")
	if err != nil {
		b.Fatal(err)
	}

	store := chunkstore.NewStore(dir+"/segments", objects)
	if err := store.RegisterSchema(types.QuoteSchema("stock_quotes")); err != nil {
		b.Fatal(err)
	}
	cat, err := catalog.NewCatalog(dir+"/catalog.db", store, journal)
	if err != nil {
		b.Fatal(err)
	}
	if err := cat.RegisterTable(context.Background(), "stock_quotes", chunkWidth); err != nil {
		b.Fatal(err)
	}

	b.Cleanup(func() {
		cat.Close()
		store.Close()
	})
	return &benchEnv{cat: cat, store: store}
}

// genQuotes produces n rows with ascending timestamps spread evenly over
// the span, cycling through the symbol set.
func genQuotes(n int, span time.Duration) []types.Row {
	rng := rand.New(rand.NewSource(42))
	step := span.Nanoseconds() / int64(n)
	if step < 1 {
		step = 1
	}

	rows := make([]types.Row, n)
	for i := range rows {
		rows[i] = types.Row{
			Time:   benchStart.UnixNano() + int64(i)*step,
			Symbol: benchSymbols[i%len(benchSymbols)],
			Fields: map[string]float64{
				"price":  100 + rng.Float64()*50,
				"volume": float64(1 + rng.Intn(500)),
				"bid":    100 + rng.Float64()*50,
				"ask":    100 + rng.Float64()*50,
			},
		}
	}
	return rows
}
