// Package catalog maintains the partition catalog: the durable index of
// every chunk's table, time range, lifecycle state, and storage handle. The
// catalog is the single source of truth for which chunk owns a timestamp
// and the only place chunk lifecycle transitions happen.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tickvault/tickvault/internal/chunkstore"
	tverr "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/pkg/types"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS chunks (
	chunk_id     TEXT PRIMARY KEY,
	table_name   TEXT NOT NULL,
	start_ns     INTEGER NOT NULL,
	end_ns       INTEGER NOT NULL,
	state        TEXT NOT NULL,
	row_count    INTEGER NOT NULL DEFAULT 0,
	storage_path TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	UNIQUE (table_name, start_ns)
);
CREATE INDEX IF NOT EXISTS idx_chunks_table_state ON chunks(table_name, state);

CREATE TABLE IF NOT EXISTS watermarks (
	aggregate_name TEXT PRIMARY KEY,
	finalized_ns   INTEGER NOT NULL
);
`

// Catalog is the SQLite-backed partition catalog. An in-memory mirror of
// the chunk index serves lookups; every mutation is written through to
// SQLite inside the same critical section, so the durable index never lags
// a published chunk.
type Catalog struct {
	db      *sql.DB
	store   *chunkstore.Store
	journal *SwapJournal

	mu     sync.Mutex
	tables map[string]*tableState
	byID   map[string]*types.Chunk
}

// tableState holds one table's chunks sorted ascending by start.
type tableState struct {
	widthNs int64
	chunks  []*types.Chunk
}

// NewCatalog opens (creating if necessary) the catalog database and binds
// it to the chunk store and swap journal.
func NewCatalog(dbPath string, store *chunkstore.Store, journal *SwapJournal) (*Catalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, tverr.Wrap(tverr.ErrCategoryCatalog, tverr.CodeCatalogIO,
			"failed to open catalog database", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, tverr.Wrap(tverr.ErrCategoryCatalog, tverr.CodeCatalogIO,
			"failed to create catalog schema", err)
	}

	return &Catalog{
		db:      db,
		store:   store,
		journal: journal,
		tables:  make(map[string]*tableState),
		byID:    make(map[string]*types.Chunk),
	}, nil
}

// Journal exposes the swap journal for the compression manager.
func (c *Catalog) Journal() *SwapJournal { return c.journal }

// RegisterTable declares a logical table with its chunk width, loads its
// persisted chunks, and attaches them to the chunk store. Called once per
// table at startup, before any ingest.
func (c *Catalog) RegisterTable(ctx context.Context, name string, chunkWidth time.Duration) error {
	if chunkWidth <= 0 {
		return tverr.New(tverr.ErrCategoryConfig, tverr.CodeInvalidConfig,
			fmt.Sprintf("table %s: chunk width must be positive", name))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.tables[name]; dup {
		return tverr.New(tverr.ErrCategoryConfig, tverr.CodeInvalidConfig,
			fmt.Sprintf("table %s already registered", name))
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT chunk_id, start_ns, end_ns, state, row_count, storage_path, created_at
		FROM chunks WHERE table_name = ? ORDER BY start_ns ASC`, name)
	if err != nil {
		return tverr.Wrap(tverr.ErrCategoryCatalog, tverr.CodeCatalogIO,
			"failed to load chunks", err)
	}
	defer rows.Close()

	ts := &tableState{widthNs: chunkWidth.Nanoseconds()}
	for rows.Next() {
		var createdAt int64
		chunk := &types.Chunk{Table: name}
		if err := rows.Scan(&chunk.ID, &chunk.StartNs, &chunk.EndNs, &chunk.State,
			&chunk.RowCount, &chunk.StoragePath, &createdAt); err != nil {
			return tverr.Wrap(tverr.ErrCategoryCatalog, tverr.CodeCatalogIO,
				"failed to scan chunk row", err)
		}
		chunk.CreatedAt = time.Unix(0, createdAt).UTC()
		ts.chunks = append(ts.chunks, chunk)
		c.byID[chunk.ID] = chunk

		switch chunk.State {
		case types.ChunkOpen:
			if err := c.store.AttachRaw(chunk, true); err != nil {
				return err
			}
		case types.ChunkClosed:
			if err := c.store.AttachRaw(chunk, false); err != nil {
				return err
			}
		case types.ChunkCompressed:
			if err := c.store.AttachCompressed(chunk); err != nil {
				return err
			}
		case types.ChunkDropped:
			// Dropped rows are purged after storage reclaim; one that
			// survived a crash is finished during reconciliation.
		}
	}
	if err := rows.Err(); err != nil {
		return tverr.Wrap(tverr.ErrCategoryCatalog, tverr.CodeCatalogIO,
			"failed to iterate chunks", err)
	}

	c.tables[name] = ts
	return nil
}

// Resolve returns the chunk owning the timestamp, creating it (and any
// intervening empty chunks up from the previous leading edge) if the
// timestamp is not yet covered. Creation atomically closes the superseded
// open chunk. Concurrent resolves for the same uncovered timestamp are
// serialized; exactly one chunk is created and all callers observe it.
//
// Timestamps below the table's existing coverage are not resolvable: the
// leading-edge invariant forbids opening a chunk in the past, so the caller
// sees NotFound and surfaces it as out-of-order data.
func (c *Catalog) Resolve(ctx context.Context, table string, tsNs int64) (types.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.tables[table]
	if !ok {
		return types.Chunk{}, tverr.NewCatalogError(tverr.CodeNotFound,
			fmt.Sprintf("unknown table %q", table))
	}

	if chunk := ts.covering(tsNs); chunk != nil {
		return *chunk, nil
	}

	last := ts.leading()
	if last != nil && tsNs < last.EndNs {
		// Inside or below existing coverage but not covered: the range
		// was dropped by retention, or predates the first chunk.
		return types.Chunk{}, tverr.NewCatalogError(tverr.CodeNotFound,
			fmt.Sprintf("no chunk covers timestamp %d for table %s", tsNs, table))
	}

	return c.extendLocked(ctx, table, ts, tsNs)
}

// extendLocked grows the table's coverage up to and including the aligned
// slot for tsNs. The previous open chunk is closed, gap slots are created
// directly in Closed state, and the final slot becomes the new open chunk.
func (c *Catalog) extendLocked(ctx context.Context, table string, ts *tableState, tsNs int64) (types.Chunk, error) {
	targetStart := alignStart(tsNs, ts.widthNs)

	nextStart := targetStart
	if last := ts.leading(); last != nil {
		nextStart = last.EndNs
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Chunk{}, tverr.Wrap(tverr.ErrCategoryCatalog, tverr.CodeCatalogIO,
			"failed to begin transaction", err)
	}
	defer tx.Rollback()

	var created []*types.Chunk
	now := time.Now().UTC()
	for start := nextStart; start <= targetStart; start += ts.widthNs {
		state := types.ChunkClosed
		if start == targetStart {
			state = types.ChunkOpen
		}
		chunk := &types.Chunk{
			ID:        uuid.New().String(),
			Table:     table,
			StartNs:   start,
			EndNs:     start + ts.widthNs,
			State:     state,
			CreatedAt: now,
		}
		chunk.StoragePath = c.store.SegmentPath(chunk.ID)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (chunk_id, table_name, start_ns, end_ns, state, row_count, storage_path, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			chunk.ID, table, chunk.StartNs, chunk.EndNs, string(chunk.State),
			chunk.StoragePath, now.UnixNano()); err != nil {
			return types.Chunk{}, tverr.Wrap(tverr.ErrCategoryCatalog, tverr.CodeCatalogIO,
				"failed to insert chunk", err)
		}
		created = append(created, chunk)
	}

	var superseded *types.Chunk
	if last := ts.leading(); last != nil && last.State == types.ChunkOpen {
		superseded = last
		if _, err := tx.ExecContext(ctx,
			`UPDATE chunks SET state = ?, row_count = ? WHERE chunk_id = ?`,
			string(types.ChunkClosed), c.store.RowCount(last.ID), last.ID); err != nil {
			return types.Chunk{}, tverr.Wrap(tverr.ErrCategoryCatalog, tverr.CodeCatalogIO,
				"failed to close superseded chunk", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return types.Chunk{}, tverr.Wrap(tverr.ErrCategoryCatalog, tverr.CodeCatalogIO,
			"failed to commit chunk creation", err)
	}

	// Durable; now mirror in memory and in the chunk store.
	if superseded != nil {
		c.store.Seal(superseded.ID)
		superseded.State = types.ChunkClosed
		superseded.RowCount = c.store.RowCount(superseded.ID)
	}
	for _, chunk := range created {
		if chunk.State == types.ChunkOpen {
			if err := c.store.OpenChunk(chunk); err != nil {
				return types.Chunk{}, err
			}
		} else {
			if err := c.store.AttachRaw(chunk, false); err != nil {
				return types.Chunk{}, err
			}
		}
		ts.chunks = append(ts.chunks, chunk)
		c.byID[chunk.ID] = chunk
	}

	return *created[len(created)-1], nil
}

// RangeScan returns the chunks of a table overlapping [fromNs, toNs),
// ascending by start. Dropped chunks are excluded. A toNs of zero or below
// means no upper bound, matching the scan predicate convention.
func (c *Catalog) RangeScan(table string, fromNs, toNs int64) ([]types.Chunk, error) {
	if toNs <= 0 {
		toNs = math.MaxInt64
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.tables[table]
	if !ok {
		return nil, tverr.NewCatalogError(tverr.CodeNotFound,
			fmt.Sprintf("unknown table %q", table))
	}

	var out []types.Chunk
	for _, chunk := range ts.chunks {
		if chunk.State == types.ChunkDropped {
			continue
		}
		if chunk.Overlaps(fromNs, toNs) {
			out = append(out, *chunk)
		}
	}
	return out, nil
}

// Transition moves a chunk to a new lifecycle state. Fails with
// InvalidTransition if the state graph (Open→Closed→Compressed→Dropped,
// monotonic, Closed never skipped) would be violated, and NotFound for an
// unknown chunk ID.
func (c *Catalog) Transition(ctx context.Context, chunkID string, newState types.ChunkState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(ctx, chunkID, newState)
}

func (c *Catalog) transitionLocked(ctx context.Context, chunkID string, newState types.ChunkState) error {
	chunk, ok := c.byID[chunkID]
	if !ok {
		return tverr.NewCatalogError(tverr.CodeNotFound,
			fmt.Sprintf("unknown chunk %s", chunkID))
	}
	if !chunk.State.CanTransition(newState) {
		return tverr.NewCatalogError(tverr.CodeInvalidTransition,
			fmt.Sprintf("chunk %s: %s -> %s is not a valid transition", chunkID, chunk.State, newState))
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE chunks SET state = ? WHERE chunk_id = ?`,
		string(newState), chunkID); err != nil {
		return tverr.Wrap(tverr.ErrCategoryCatalog, tverr.CodeCatalogIO,
			"failed to persist transition", err)
	}

	chunk.State = newState
	if newState == types.ChunkClosed {
		c.store.Seal(chunkID)
		chunk.RowCount = c.store.RowCount(chunkID)
	}
	return nil
}

// Get returns a copy of the chunk record.
func (c *Catalog) Get(chunkID string) (types.Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chunk, ok := c.byID[chunkID]
	if !ok {
		return types.Chunk{}, tverr.NewCatalogError(tverr.CodeNotFound,
			fmt.Sprintf("unknown chunk %s", chunkID))
	}
	return *chunk, nil
}

// CompleteCompression atomically records the handle swap from raw segment
// to compressed block: the exclusive catalog-entry lock is held only for
// this transition, not for the encode/upload work that precedes it.
func (c *Catalog) CompleteCompression(ctx context.Context, chunkID, objectPath string, rowCount int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	chunk, ok := c.byID[chunkID]
	if !ok {
		return tverr.NewCatalogError(tverr.CodeNotFound,
			fmt.Sprintf("unknown chunk %s", chunkID))
	}
	if !chunk.State.CanTransition(types.ChunkCompressed) {
		return tverr.NewCatalogError(tverr.CodeInvalidTransition,
			fmt.Sprintf("chunk %s: %s -> %s is not a valid transition", chunkID, chunk.State, types.ChunkCompressed))
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE chunks SET state = ?, storage_path = ?, row_count = ? WHERE chunk_id = ?`,
		string(types.ChunkCompressed), objectPath, rowCount, chunkID); err != nil {
		return tverr.Wrap(tverr.ErrCategoryCatalog, tverr.CodeCatalogIO,
			"failed to persist compression", err)
	}

	chunk.State = types.ChunkCompressed
	chunk.StoragePath = objectPath
	chunk.RowCount = rowCount
	return c.store.PublishCompressed(chunkID, objectPath)
}

// DropChunk transitions a chunk to Dropped, detaches its storage (reclaimed
// once unreferenced), and purges the catalog row. Irreversible.
func (c *Catalog) DropChunk(ctx context.Context, chunkID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	chunk, ok := c.byID[chunkID]
	if !ok {
		return tverr.NewCatalogError(tverr.CodeNotFound,
			fmt.Sprintf("unknown chunk %s", chunkID))
	}
	if !chunk.State.CanTransition(types.ChunkDropped) {
		return tverr.NewCatalogError(tverr.CodeInvalidTransition,
			fmt.Sprintf("chunk %s: %s -> %s is not a valid transition", chunkID, chunk.State, types.ChunkDropped))
	}

	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE chunk_id = ?`, chunkID); err != nil {
		return tverr.Wrap(tverr.ErrCategoryCatalog, tverr.CodeCatalogIO,
			"failed to purge dropped chunk", err)
	}

	chunk.State = types.ChunkDropped
	c.store.Drop(chunkID)
	delete(c.byID, chunkID)

	ts := c.tables[chunk.Table]
	for i, ch := range ts.chunks {
		if ch.ID == chunkID {
			ts.chunks = append(ts.chunks[:i], ts.chunks[i+1:]...)
			break
		}
	}
	return nil
}

// CompressionCandidates returns Closed chunks whose end is at or before the
// cutoff, oldest first.
func (c *Catalog) CompressionCandidates(table string, cutoffNs int64) []types.Chunk {
	return c.candidates(table, cutoffNs, func(chunk *types.Chunk) bool {
		return chunk.State == types.ChunkClosed
	})
}

// RetentionCandidates returns non-Open, non-Dropped chunks whose end is at
// or before the cutoff, oldest first. The Open leading-edge chunk is never
// a candidate: exactly one chunk per table stays Open.
func (c *Catalog) RetentionCandidates(table string, cutoffNs int64) []types.Chunk {
	return c.candidates(table, cutoffNs, func(chunk *types.Chunk) bool {
		return chunk.State == types.ChunkClosed || chunk.State == types.ChunkCompressed
	})
}

func (c *Catalog) candidates(table string, cutoffNs int64, match func(*types.Chunk) bool) []types.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.tables[table]
	if !ok {
		return nil
	}

	var out []types.Chunk
	for _, chunk := range ts.chunks {
		if chunk.EndNs <= cutoffNs && match(chunk) {
			out = append(out, *chunk)
		}
	}
	return out
}

// Chunks returns all chunks of a table, ascending by start.
func (c *Catalog) Chunks(table string) []types.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.tables[table]
	if !ok {
		return nil
	}
	out := make([]types.Chunk, len(ts.chunks))
	for i, chunk := range ts.chunks {
		out[i] = *chunk
	}
	return out
}

// Watermark returns the finalized-through timestamp for an aggregate, or 0
// if none has been recorded.
func (c *Catalog) Watermark(ctx context.Context, aggregate string) (int64, error) {
	var ns int64
	err := c.db.QueryRowContext(ctx,
		`SELECT finalized_ns FROM watermarks WHERE aggregate_name = ?`, aggregate).Scan(&ns)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, tverr.Wrap(tverr.ErrCategoryCatalog, tverr.CodeCatalogIO,
			"failed to read watermark", err)
	}
	return ns, nil
}

// SetWatermark durably records the finalized-through timestamp for an
// aggregate.
func (c *Catalog) SetWatermark(ctx context.Context, aggregate string, ns int64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO watermarks (aggregate_name, finalized_ns) VALUES (?, ?)
		ON CONFLICT(aggregate_name) DO UPDATE SET finalized_ns = excluded.finalized_ns`,
		aggregate, ns)
	if err != nil {
		return tverr.Wrap(tverr.ErrCategoryCatalog, tverr.CodeCatalogIO,
			"failed to persist watermark", err)
	}
	return nil
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// covering returns the chunk owning tsNs, or nil.
func (ts *tableState) covering(tsNs int64) *types.Chunk {
	i := sort.Search(len(ts.chunks), func(i int) bool {
		return ts.chunks[i].EndNs > tsNs
	})
	if i < len(ts.chunks) && ts.chunks[i].Covers(tsNs) && ts.chunks[i].State != types.ChunkDropped {
		return ts.chunks[i]
	}
	return nil
}

// leading returns the newest chunk, or nil.
func (ts *tableState) leading() *types.Chunk {
	if len(ts.chunks) == 0 {
		return nil
	}
	return ts.chunks[len(ts.chunks)-1]
}

// alignStart floors tsNs to a multiple of widthNs.
func alignStart(tsNs, widthNs int64) int64 {
	return tsNs - ((tsNs%widthNs)+widthNs)%widthNs
}
