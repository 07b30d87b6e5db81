// Package engine ties the storage and maintenance components together
// behind one facade. It registers every configured table and aggregate
// output table in the catalog, runs the startup reconciliation pass, and
// exposes the ingest and query operations the API serves.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tickvault/tickvault/internal/aggregate"
	"github.com/tickvault/tickvault/internal/catalog"
	"github.com/tickvault/tickvault/internal/chunkstore"
	"github.com/tickvault/tickvault/internal/compress"
	"github.com/tickvault/tickvault/internal/config"
	tverr "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/internal/ingest"
	"github.com/tickvault/tickvault/internal/observability"
	"github.com/tickvault/tickvault/internal/retention"
	"github.com/tickvault/tickvault/internal/scheduler"
	"github.com/tickvault/tickvault/pkg/types"
)

// statsWindow is how long an idle table stays in the scan statistics.
const statsWindow = time.Hour

// Engine is the assembled storage engine.
type Engine struct {
	catalog *catalog.Catalog
	store   *chunkstore.Store
	router  *ingest.Router
	stats   *observability.ScanStats

	baseTables  map[string]struct{}
	aggregates  map[string]*aggregate.Engine
	compressors []*compress.Manager
	retainers   []*retention.Manager
}

// New registers every table from the config, loads persisted chunks, and
// reconciles catalog and storage. Aggregate output tables are chunked
// tables in their own right; they inherit chunk width, compression, and
// retention settings from their source table.
func New(ctx context.Context, cfg *config.Config, cat *catalog.Catalog, store *chunkstore.Store) (*Engine, error) {
	e := &Engine{
		catalog:    cat,
		store:      store,
		router:     ingest.NewRouter(cat, store),
		stats:      observability.NewScanStats(statsWindow),
		baseTables: make(map[string]struct{}),
		aggregates: make(map[string]*aggregate.Engine),
	}

	for _, tbl := range cfg.Tables {
		if err := store.RegisterSchema(types.QuoteSchema(tbl.Name)); err != nil {
			return nil, err
		}
		if err := cat.RegisterTable(ctx, tbl.Name, tbl.ChunkWidth.D()); err != nil {
			return nil, err
		}
		e.baseTables[tbl.Name] = struct{}{}
		e.addMaintenance(tbl.Name, tbl)

		for _, agg := range tbl.Aggregates {
			if err := store.RegisterSchema(types.CandleSchema(agg.Name)); err != nil {
				return nil, err
			}
			if err := cat.RegisterTable(ctx, agg.Name, tbl.ChunkWidth.D()); err != nil {
				return nil, err
			}
			eng, err := aggregate.NewEngine(aggregate.Definition{
				Name:        agg.Name,
				Source:      tbl.Name,
				BucketWidth: agg.BucketWidth.D(),
				StartOffset: agg.StartOffset.D(),
				EndOffset:   agg.EndOffset.D(),
				Interval:    agg.ScheduleInterval.D(),
			}, cat, store, e.router)
			if err != nil {
				return nil, err
			}
			e.aggregates[agg.Name] = eng
			e.addMaintenance(agg.Name, tbl)
		}
	}

	if _, err := cat.Reconcile(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) addMaintenance(table string, tbl config.TableConfig) {
	if tbl.CompressionThreshold > 0 {
		e.compressors = append(e.compressors,
			compress.NewManager(table, tbl.CompressionThreshold.D(), e.catalog, e.store))
	}
	if tbl.RetentionThreshold > 0 {
		e.retainers = append(e.retainers,
			retention.NewManager(table, tbl.RetentionThreshold.D(), e.catalog))
	}
}

// RegisterJobs wires the engine's maintenance work into the scheduler: one
// refresh job per aggregate at its own interval, plus a compression and a
// retention sweep per table. Jobs are grouped by the table they read or
// rewrite, so maintenance for one table never overlaps itself while tables
// proceed independently.
func (e *Engine) RegisterJobs(s *scheduler.Scheduler, sweepInterval time.Duration) {
	for name, agg := range e.aggregates {
		agg := agg
		s.Add("refresh/"+name, agg.Definition().Source, agg.Definition().Interval,
			func(ctx context.Context, now time.Time) error {
				return agg.Refresh(ctx, now)
			})
	}
	for _, m := range e.compressors {
		m := m
		s.Add("compress/"+m.Table(), m.Table(), sweepInterval, func(ctx context.Context, now time.Time) error {
			m.RunOnce(ctx, now)
			return nil
		})
	}
	for _, m := range e.retainers {
		m := m
		s.Add("retention/"+m.Table(), m.Table(), sweepInterval, func(ctx context.Context, now time.Time) error {
			m.RunOnce(ctx, now)
			return nil
		})
	}
	s.Add("stats/prune", "stats", statsWindow, func(ctx context.Context, now time.Time) error {
		e.stats.Prune(now)
		return nil
	})
}

// Ingest appends one row to a base table. Aggregate output tables only
// accept rows from their own refresh cycle, never external writes.
func (e *Engine) Ingest(ctx context.Context, table string, row types.Row) error {
	if _, ok := e.baseTables[table]; !ok {
		if _, isAgg := e.aggregates[table]; isAgg {
			return tverr.NewIngestError(tverr.CodeInvalidRow,
				fmt.Sprintf("table %q is an aggregate output table and rejects external writes", table))
		}
		return tverr.NewIngestError(tverr.CodeNotFound,
			fmt.Sprintf("unknown table %q", table))
	}
	return e.router.Ingest(ctx, table, row)
}

// IngestBatch appends rows in order, returning how many were accepted
// before the first failure.
func (e *Engine) IngestBatch(ctx context.Context, table string, rows []types.Row) (int, error) {
	for i, row := range rows {
		if err := e.Ingest(ctx, table, row); err != nil {
			return i, err
		}
	}
	return len(rows), nil
}

// ScanRange returns the rows of a table with timestamps in [fromNs, toNs),
// optionally restricted to one symbol, ordered by timestamp ascending with
// insertion-order tie-break. Chunks tile disjoint ranges, so each row is
// returned exactly once.
func (e *Engine) ScanRange(ctx context.Context, table, symbol string, fromNs, toNs int64) ([]types.Row, error) {
	chunks, err := e.catalog.RangeScan(table, fromNs, toNs)
	if err != nil {
		return nil, err
	}

	pred := chunkstore.Predicate{Symbol: symbol, FromNs: fromNs, ToNs: toNs}
	var rows []types.Row
	for _, chunk := range chunks {
		cur, err := e.store.Scan(ctx, chunk.ID, pred)
		if err != nil {
			if tverr.HasCode(err, tverr.CodeChunkCompressedOrDropped) || tverr.HasCode(err, tverr.CodeNotFound) {
				continue // dropped between catalog lookup and scan
			}
			return nil, err
		}
		rows = append(rows, cur.All()...)
		cur.Close()
	}
	e.stats.RecordScan(table, symbol, len(rows), time.Now().UTC())
	return rows, nil
}

// ScanBuckets returns the buckets of an aggregate overlapping [fromNs,
// toNs) for a symbol, final and provisional merged, sorted by bucket start
// then symbol. Final buckets come from the aggregate's chunked output
// table; provisional ones from the refresh engine's in-memory set.
func (e *Engine) ScanBuckets(ctx context.Context, aggregateName, symbol string, fromNs, toNs int64) ([]types.Bucket, error) {
	agg, ok := e.aggregates[aggregateName]
	if !ok {
		return nil, tverr.New(tverr.ErrCategoryAggregate, tverr.CodeNotFound,
			fmt.Sprintf("unknown aggregate %q", aggregateName))
	}
	widthNs := agg.Definition().BucketWidth.Nanoseconds()

	// Final buckets are stored keyed by their start, but the query asks for
	// overlap. Widen the scan by one bucket width so a bucket straddling the
	// lower bound is found, then drop anything that ends at or before it.
	scanFrom := fromNs - widthNs
	rows, err := e.ScanRange(ctx, aggregateName, symbol, scanFrom, toNs)
	if err != nil {
		return nil, err
	}

	buckets := make([]types.Bucket, 0, len(rows))
	for _, row := range rows {
		b := types.BucketFromRow(aggregateName, widthNs, row)
		if b.EndNs() <= fromNs {
			continue
		}
		buckets = append(buckets, b)
	}
	buckets = append(buckets, agg.Provisional(symbol, fromNs, toNs)...)

	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].StartNs != buckets[j].StartNs {
			return buckets[i].StartNs < buckets[j].StartNs
		}
		return buckets[i].Symbol < buckets[j].Symbol
	})
	return buckets, nil
}

// Aggregate returns the refresh engine for an aggregate name.
func (e *Engine) Aggregate(name string) (*aggregate.Engine, bool) {
	agg, ok := e.aggregates[name]
	return agg, ok
}

// Tables returns the base table names, sorted.
func (e *Engine) Tables() []string {
	out := make([]string, 0, len(e.baseTables))
	for name := range e.baseTables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Catalog exposes the catalog for operational queries.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// ScanStats returns the most scanned tables, busiest first.
func (e *Engine) ScanStats(n int) []observability.TableStats {
	return e.stats.Top(n)
}
