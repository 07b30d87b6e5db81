package benchmark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tickvault/tickvault/internal/bloom"
	"github.com/tickvault/tickvault/internal/cache"
	"github.com/tickvault/tickvault/internal/chunkstore"
	"github.com/tickvault/tickvault/internal/ingest"
	"github.com/tickvault/tickvault/pkg/types"
)

func BenchmarkIngestRouting(b *testing.B) {
	env := newBenchEnv(b, 24*time.Hour)
	router := ingest.NewRouter(env.cat, env.store)
	rows := genQuotes(b.N, time.Hour)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := router.Ingest(ctx, "stock_quotes", rows[i]); err != nil {
			b.Fatal(err)
		}
	}
	b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "rows/s")
}

func BenchmarkIngestRouting_ChunkRollover(b *testing.B) {
	// One-minute chunks force frequent open-chunk advancement.
	env := newBenchEnv(b, time.Minute)
	router := ingest.NewRouter(env.cat, env.store)
	rows := genQuotes(b.N, time.Duration(b.N)*time.Millisecond)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := router.Ingest(ctx, "stock_quotes", rows[i]); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCatalogResolve_Covered(b *testing.B) {
	env := newBenchEnv(b, 24*time.Hour)
	ctx := context.Background()
	ts := benchStart.UnixNano()
	if _, err := env.cat.Resolve(ctx, "stock_quotes", ts); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := env.cat.Resolve(ctx, "stock_quotes", ts+int64(i)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkColumnarEncode_10K(b *testing.B) {
	schema := types.QuoteSchema("stock_quotes")
	rows := genQuotes(10_000, time.Hour)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		block, err := chunkstore.EncodeBlock(schema, rows)
		if err != nil {
			b.Fatal(err)
		}
		b.SetBytes(int64(len(block)))
	}
}

func BenchmarkColumnarDecode_10K(b *testing.B) {
	schema := types.QuoteSchema("stock_quotes")
	block, err := chunkstore.EncodeBlock(schema, genQuotes(10_000, time.Hour))
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(int64(len(block)))

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		rows, err := chunkstore.DecodeBlock(block, "")
		if err != nil {
			b.Fatal(err)
		}
		if len(rows) != 10_000 {
			b.Fatalf("decoded %d rows", len(rows))
		}
	}
}

func BenchmarkColumnarDecode_SymbolFiltered(b *testing.B) {
	// The block bloom filter short-circuits absent symbols; a present one
	// still decodes only its own row group.
	block, err := chunkstore.EncodeBlock(types.QuoteSchema("stock_quotes"), genQuotes(10_000, time.Hour))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := chunkstore.DecodeBlock(block, "AAPL"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBloomFilterLookup(b *testing.B) {
	filter := bloom.NewWithEstimates(10_000, 0.01)
	for i := 0; i < 10_000; i++ {
		filter.Add(fmt.Sprintf("SYM%05d", i))
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		filter.Contains(benchSymbols[i%len(benchSymbols)])
	}
}

func BenchmarkCompressedScan(b *testing.B) {
	benchmarkCompressedScan(b, nil)
}

func BenchmarkCompressedScan_BlockCache(b *testing.B) {
	blockCache, err := cache.NewBlockCache(64 << 20)
	if err != nil {
		b.Fatal(err)
	}
	benchmarkCompressedScan(b, blockCache)
}

func benchmarkCompressedScan(b *testing.B, blockCache *cache.BlockCache) {
	env := newBenchEnv(b, 24*time.Hour)
	if blockCache != nil {
		env.store.SetBlockCache(blockCache)
	}
	router := ingest.NewRouter(env.cat, env.store)
	ctx := context.Background()

	for _, row := range genQuotes(10_000, time.Hour) {
		if err := router.Ingest(ctx, "stock_quotes", row); err != nil {
			b.Fatal(err)
		}
	}
	chunks := env.cat.Chunks("stock_quotes")
	if len(chunks) != 1 {
		b.Fatalf("expected one chunk, got %d", len(chunks))
	}
	id := chunks[0].ID

	env.store.Seal(id)
	block, n, err := env.store.EncodeChunk(ctx, id)
	if err != nil {
		b.Fatal(err)
	}
	objectPath := "stock_quotes/" + id + ".tvb"
	if err := env.store.Objects().Put(ctx, objectPath, block); err != nil {
		b.Fatal(err)
	}
	if err := env.store.PublishCompressed(id, objectPath); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		cur, err := env.store.Scan(ctx, id, chunkstore.Predicate{Symbol: "AAPL"})
		if err != nil {
			b.Fatal(err)
		}
		rows := cur.All()
		cur.Close()
		if int64(len(rows)) >= n {
			b.Fatalf("filter returned %d of %d rows", len(rows), n)
		}
	}
}

func BenchmarkObjectStoragePutGet(b *testing.B) {
	objects, root := getBenchmarkStorage(b, "put-get")
	b.Logf("storage: %s", root)
	ctx := context.Background()

	block, err := chunkstore.EncodeBlock(types.QuoteSchema("stock_quotes"), genQuotes(10_000, time.Hour))
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(int64(len(block)))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		path := fmt.Sprintf("stock_quotes/bench-%d.tvb", i)
		if err := objects.Put(ctx, path, block); err != nil {
			b.Fatal(err)
		}
		data, err := objects.Get(ctx, path)
		if err != nil {
			b.Fatal(err)
		}
		if len(data) != len(block) {
			b.Fatalf("round trip changed size: %d != %d", len(data), len(block))
		}
		if err := objects.Delete(ctx, path); err != nil {
			b.Fatal(err)
		}
	}
}
