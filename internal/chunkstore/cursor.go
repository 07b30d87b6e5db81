package chunkstore

import (
	"sort"

	"github.com/tickvault/tickvault/pkg/types"
)

// Predicate narrows a chunk scan. Zero values leave a dimension unbounded.
type Predicate struct {
	// Symbol restricts the scan to one symbol when non-empty.
	Symbol string

	// FromNs (inclusive) and ToNs (exclusive) bound row timestamps.
	// ToNs <= 0 means no upper bound.
	FromNs int64
	ToNs   int64
}

func (p Predicate) matches(row types.Row) bool {
	if p.Symbol != "" && row.Symbol != p.Symbol {
		return false
	}
	if row.Time < p.FromNs {
		return false
	}
	if p.ToNs > 0 && row.Time >= p.ToNs {
		return false
	}
	return true
}

// Cursor iterates the rows of one chunk snapshot, ordered by timestamp
// ascending with ties broken by insertion order. It is finite and
// restartable; Close releases the underlying handle reference.
type Cursor struct {
	rows    []types.Row
	order   []int
	pos     int
	release func()
	closed  bool
}

// newCursor builds a cursor over rows in insertion order, applying the
// predicate and establishing the time-ascending scan order.
func newCursor(rows []types.Row, pred Predicate, release func()) *Cursor {
	order := make([]int, 0, len(rows))
	for i, row := range rows {
		if pred.matches(row) {
			order = append(order, i)
		}
	}
	// Stable sort on a slice already in insertion order yields the
	// required deterministic tie-break for equal timestamps.
	sort.SliceStable(order, func(a, b int) bool {
		return rows[order[a]].Time < rows[order[b]].Time
	})
	return &Cursor{rows: rows, order: order, release: release}
}

// Next returns the next row. ok is false once the cursor is exhausted.
func (c *Cursor) Next() (row types.Row, ok bool) {
	if c.closed || c.pos >= len(c.order) {
		return types.Row{}, false
	}
	row = c.rows[c.order[c.pos]]
	c.pos++
	return row, true
}

// Reset restarts the cursor at the beginning of the same snapshot.
func (c *Cursor) Reset() {
	c.pos = 0
}

// Remaining returns how many rows are left.
func (c *Cursor) Remaining() int {
	if c.closed {
		return 0
	}
	return len(c.order) - c.pos
}

// All drains the cursor into a slice. The cursor stays open.
func (c *Cursor) All() []types.Row {
	out := make([]types.Row, 0, c.Remaining())
	for {
		row, ok := c.Next()
		if !ok {
			return out
		}
		out = append(out, row)
	}
}

// Close releases the handle reference backing this cursor. It is safe to
// call more than once.
func (c *Cursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.release != nil {
		c.release()
		c.release = nil
	}
}
