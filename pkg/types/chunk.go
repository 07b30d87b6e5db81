package types

import "time"

// ChunkState is the lifecycle state of a chunk.
type ChunkState string

const (
	// ChunkOpen accepts appends. Exactly one chunk per table is Open at
	// the leading edge of the time axis.
	ChunkOpen ChunkState = "open"

	// ChunkClosed no longer accepts appends but still holds raw row
	// storage. A chunk becomes Closed when a newer chunk supersedes it.
	ChunkClosed ChunkState = "closed"

	// ChunkCompressed holds columnar-encoded storage. Scans are served
	// by decoding the block; the row set is identical to the raw form.
	ChunkCompressed ChunkState = "compressed"

	// ChunkDropped marks a chunk past the retention horizon. Its storage
	// is reclaimed once no scan references it. Dropping is irreversible.
	ChunkDropped ChunkState = "dropped"
)

// CanTransition reports whether the state machine permits moving from s to
// next. The graph is Open→Closed→Compressed→Dropped, monotonic. Closed may
// transition directly to Dropped (retention of never-compressed chunks);
// Closed itself is never skipped.
func (s ChunkState) CanTransition(next ChunkState) bool {
	switch s {
	case ChunkOpen:
		return next == ChunkClosed
	case ChunkClosed:
		return next == ChunkCompressed || next == ChunkDropped
	case ChunkCompressed:
		return next == ChunkDropped
	default:
		return false
	}
}

// Chunk describes one time-bounded storage unit of a logical table. The
// catalog owns chunks by ID; chunks hold no back-pointer to the catalog.
type Chunk struct {
	// ID is the unique chunk identifier (UUID string).
	ID string `json:"id"`

	// Table is the logical table this chunk belongs to.
	Table string `json:"table"`

	// StartNs and EndNs bound the closed-open time range [start, end)
	// in Unix nanoseconds. Ranges for one table never overlap.
	StartNs int64 `json:"start_ns"`
	EndNs   int64 `json:"end_ns"`

	// State is the lifecycle state.
	State ChunkState `json:"state"`

	// RowCount is the number of rows appended. Maintained in memory for
	// Open chunks and made durable on close/compress.
	RowCount int64 `json:"row_count"`

	// StoragePath locates the backing storage: a segment file for raw
	// chunks, an object path for compressed blocks.
	StoragePath string `json:"storage_path"`

	// CreatedAt is when the chunk record was created.
	CreatedAt time.Time `json:"created_at"`
}

// Covers reports whether ts (Unix nanoseconds) falls inside [start, end).
func (c *Chunk) Covers(ts int64) bool {
	return ts >= c.StartNs && ts < c.EndNs
}

// Overlaps reports whether the chunk range intersects [t0, t1).
func (c *Chunk) Overlaps(t0, t1 int64) bool {
	return c.StartNs < t1 && t0 < c.EndNs
}

// Start returns the inclusive lower bound as a time.Time.
func (c *Chunk) Start() time.Time { return time.Unix(0, c.StartNs).UTC() }

// End returns the exclusive upper bound as a time.Time.
func (c *Chunk) End() time.Time { return time.Unix(0, c.EndNs).UTC() }
