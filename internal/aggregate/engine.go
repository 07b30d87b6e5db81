// Package aggregate implements incrementally refreshed OHLCV aggregates
// over raw quote tables. Each engine owns one aggregate: it rebuilds the
// provisional buckets inside its refresh window on every cycle and appends
// buckets exactly once to the aggregate's own chunked output table when
// they become final.
package aggregate

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tickvault/tickvault/internal/catalog"
	"github.com/tickvault/tickvault/internal/chunkstore"
	tverr "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/internal/ingest"
	"github.com/tickvault/tickvault/pkg/types"
)

// Definition describes one aggregate: its output table name, the source
// table it reduces, the bucket width, and the refresh window offsets. The
// refresh window at wall time now is [now-StartOffset, now-EndOffset);
// buckets ending at or before now-EndOffset are finalized.
type Definition struct {
	Name        string
	Source      string
	BucketWidth time.Duration
	StartOffset time.Duration
	EndOffset   time.Duration
	Interval    time.Duration

	// PriceField and VolumeField name the source fields reduced into OHLC
	// and volume. Empty values default to "price" and "volume".
	PriceField  string
	VolumeField string
}

// Engine computes one aggregate. Safe for concurrent use: Refresh holds the
// engine lock only while swapping the provisional set, and reads take a
// copy.
type Engine struct {
	def     Definition
	catalog *catalog.Catalog
	store   *chunkstore.Store
	router  *ingest.Router

	mu          sync.Mutex
	provisional map[bucketKey]types.Bucket
}

type bucketKey struct {
	symbol  string
	startNs int64
}

// NewEngine creates an aggregate engine. The output table named by
// def.Name must already be registered in the catalog with a candle schema.
func NewEngine(def Definition, cat *catalog.Catalog, store *chunkstore.Store, router *ingest.Router) (*Engine, error) {
	if def.BucketWidth <= 0 {
		return nil, tverr.New(tverr.ErrCategoryConfig, tverr.CodeInvalidConfig,
			fmt.Sprintf("aggregate %s: bucket width must be positive", def.Name))
	}
	if def.StartOffset <= def.EndOffset {
		return nil, tverr.New(tverr.ErrCategoryConfig, tverr.CodeInvalidConfig,
			fmt.Sprintf("aggregate %s: start offset must exceed end offset", def.Name))
	}
	if def.PriceField == "" {
		def.PriceField = "price"
	}
	if def.VolumeField == "" {
		def.VolumeField = types.FieldVolume
	}
	return &Engine{
		def:         def,
		catalog:     cat,
		store:       store,
		router:      router,
		provisional: make(map[bucketKey]types.Bucket),
	}, nil
}

// Definition returns the engine's aggregate definition.
func (e *Engine) Definition() Definition { return e.def }

// Refresh recomputes the aggregate as of now. Provisional buckets inside
// the refresh window are rebuilt from scratch; buckets whose end has moved
// at or below now-EndOffset are finalized and appended to the output table,
// guarded by the persisted watermark so a bucket is appended exactly once
// even across restarts.
func (e *Engine) Refresh(ctx context.Context, now time.Time) error {
	widthNs := e.def.BucketWidth.Nanoseconds()
	windowStart := now.Add(-e.def.StartOffset).UnixNano()
	finalCutoff := now.Add(-e.def.EndOffset).UnixNano()

	watermark, err := e.catalog.Watermark(ctx, e.def.Name)
	if err != nil {
		return err
	}
	if watermark == 0 {
		// First refresh ever: nothing behind the window is finalized
		// retroactively.
		watermark = floorNs(windowStart, widthNs)
	}

	scanFrom := watermark
	if ws := floorNs(windowStart, widthNs); ws < scanFrom {
		scanFrom = ws
	}

	rows, err := e.scanSource(ctx, scanFrom, finalCutoff)
	if err != nil {
		return err
	}

	buckets := e.reduce(rows, watermark, widthNs)

	var final, provisional []types.Bucket
	for _, b := range buckets {
		if b.EndNs() <= finalCutoff {
			b.Final = true
			final = append(final, b)
		} else {
			provisional = append(provisional, b)
		}
	}

	if err := e.finalize(ctx, final, finalCutoff, watermark); err != nil {
		return err
	}

	next := make(map[bucketKey]types.Bucket, len(provisional))
	for _, b := range provisional {
		next[bucketKey{symbol: b.Symbol, startNs: b.StartNs}] = b
	}
	e.mu.Lock()
	e.provisional = next
	e.mu.Unlock()

	return nil
}

// reduce folds time-ordered rows into per-(symbol, bucket) OHLCV values.
// Scan order is timestamp ascending with insertion-order tie-break, so the
// first row seen per bucket fixes open and the last fixes close.
func (e *Engine) reduce(rows []types.Row, watermark, widthNs int64) []types.Bucket {
	type bucketAcc struct {
		bucket types.Bucket
		priced bool
	}
	acc := make(map[bucketKey]*bucketAcc)
	for _, row := range rows {
		start := floorNs(row.Time, widthNs)
		if start < watermark {
			continue // already finalized
		}
		price, hasPrice := row.Field(e.def.PriceField)
		volume, hasVolume := row.Field(e.def.VolumeField)
		if !hasPrice && !hasVolume {
			continue
		}

		key := bucketKey{symbol: row.Symbol, startNs: start}
		a, ok := acc[key]
		if !ok {
			a = &bucketAcc{bucket: types.Bucket{
				Aggregate: e.def.Name,
				Symbol:    row.Symbol,
				StartNs:   start,
				WidthNs:   widthNs,
			}}
			acc[key] = a
		}
		if hasPrice {
			b := &a.bucket
			if !a.priced {
				b.Open, b.High, b.Low = price, price, price
				a.priced = true
			} else {
				if price > b.High {
					b.High = price
				}
				if price < b.Low {
					b.Low = price
				}
			}
			b.Close = price
		}
		if hasVolume {
			a.bucket.Volume += volume
		}
	}

	out := make([]types.Bucket, 0, len(acc))
	for _, a := range acc {
		if !a.priced {
			// Volume without a single trade price gives no candle.
			continue
		}
		out = append(out, a.bucket)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartNs != out[j].StartNs {
			return out[i].StartNs < out[j].StartNs
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// finalize appends final buckets to the output table in bucket-start order
// and advances the watermark after each completed bucket window. A failure
// leaves the watermark at the last fully appended window; the retry skips
// rows the interrupted attempt already wrote, so replays never duplicate a
// (symbol, bucket start) pair.
func (e *Engine) finalize(ctx context.Context, final []types.Bucket, finalCutoff, watermark int64) error {
	if len(final) == 0 {
		// The window may still have moved past empty bucket slots.
		if cut := floorNs(finalCutoff, e.def.BucketWidth.Nanoseconds()); cut > watermark {
			return e.catalog.SetWatermark(ctx, e.def.Name, cut)
		}
		return nil
	}

	i := 0
	for i < len(final) {
		start := final[i].StartNs
		j := i
		for j < len(final) && final[j].StartNs == start {
			j++
		}
		// A crash between appending part of this window and advancing the
		// watermark means some symbols are already in the output table.
		// Skip those so the retry stays exactly-once per (symbol, start).
		appended, err := e.outputSymbols(ctx, start, final[i].EndNs())
		if err != nil {
			return err
		}
		for _, b := range final[i:j] {
			if appended[b.Symbol] {
				continue
			}
			if err := e.router.Ingest(ctx, e.def.Name, b.ToRow()); err != nil {
				return tverr.Wrap(tverr.ErrCategoryAggregate, tverr.CodeUnexpected,
					fmt.Sprintf("aggregate %s: failed to append final bucket at %d", e.def.Name, start), err)
			}
		}
		if err := e.catalog.SetWatermark(ctx, e.def.Name, final[i].EndNs()); err != nil {
			return err
		}
		i = j
	}

	// Empty slots between the last populated bucket and the cutoff are
	// finalized too; they just produce no rows.
	if cut := floorNs(finalCutoff, e.def.BucketWidth.Nanoseconds()); cut > final[len(final)-1].EndNs() {
		return e.catalog.SetWatermark(ctx, e.def.Name, cut)
	}
	return nil
}

// outputSymbols reports which symbols already have a final row in the
// output table for the bucket window [startNs, endNs).
func (e *Engine) outputSymbols(ctx context.Context, startNs, endNs int64) (map[string]bool, error) {
	chunks, err := e.catalog.RangeScan(e.def.Name, startNs, endNs)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool)
	for _, chunk := range chunks {
		cur, err := e.store.Scan(ctx, chunk.ID, chunkstore.Predicate{FromNs: startNs, ToNs: endNs})
		if err != nil {
			return nil, err
		}
		for _, row := range cur.All() {
			present[row.Symbol] = true
		}
		cur.Close()
	}
	return present, nil
}

// scanSource reads source rows in [fromNs, toNs) across all overlapping
// chunks. Chunks tile disjoint ascending ranges, so concatenating their
// cursors preserves global time order.
func (e *Engine) scanSource(ctx context.Context, fromNs, toNs int64) ([]types.Row, error) {
	if fromNs >= toNs {
		return nil, nil
	}
	chunks, err := e.catalog.RangeScan(e.def.Source, fromNs, toNs)
	if err != nil {
		return nil, err
	}

	var rows []types.Row
	for _, chunk := range chunks {
		cur, err := e.store.Scan(ctx, chunk.ID, chunkstore.Predicate{FromNs: fromNs, ToNs: toNs})
		if err != nil {
			if tverr.HasCode(err, tverr.CodeChunkCompressedOrDropped) || tverr.HasCode(err, tverr.CodeNotFound) {
				// Lost a race with retention; the rows are gone.
				log.Printf("aggregate: %s: chunk %s vanished mid-refresh: %v", e.def.Name, chunk.ID, err)
				continue
			}
			return nil, err
		}
		rows = append(rows, cur.All()...)
		cur.Close()
	}
	return rows, nil
}

// Provisional returns the provisional buckets for a symbol overlapping
// [fromNs, toNs), sorted by bucket start. An empty symbol matches all.
func (e *Engine) Provisional(symbol string, fromNs, toNs int64) []types.Bucket {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []types.Bucket
	for _, b := range e.provisional {
		if symbol != "" && b.Symbol != symbol {
			continue
		}
		if toNs > 0 && b.StartNs >= toNs {
			continue
		}
		if b.EndNs() <= fromNs {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartNs != out[j].StartNs {
			return out[i].StartNs < out[j].StartNs
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// floorNs floors tsNs to a multiple of widthNs.
func floorNs(tsNs, widthNs int64) int64 {
	return tsNs - ((tsNs%widthNs)+widthNs)%widthNs
}
