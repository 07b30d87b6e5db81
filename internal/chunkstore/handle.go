// Package chunkstore provides append-only row storage for chunks: raw
// segment files for open and closed chunks, columnar blocks in object
// storage for compressed chunks. Scans hold reference-counted handle
// snapshots so background compression and retention never mutate storage
// out from under a reader.
package chunkstore

import (
	"sync"

	"github.com/tickvault/tickvault/pkg/types"
)

// HandleKind identifies the storage representation behind a handle.
type HandleKind int

const (
	// HandleRaw is an in-memory row slice backed by a segment file.
	HandleRaw HandleKind = iota
	// HandleCompressed is a columnar block in object storage.
	HandleCompressed
)

// Handle is a reference-counted snapshot of a chunk's storage. Compression
// and retention never modify a handle in place: they publish a new handle
// and retire the old one, which is reclaimed once the last reference drops.
type Handle struct {
	chunkID string
	kind    HandleKind

	// Raw representation. rows is append-only; a scan snapshots its
	// length and iterates that prefix, so appends never disturb readers.
	segmentPath string

	// Compressed representation.
	objectPath string

	mu      sync.Mutex
	rows    []types.Row
	loaded  bool
	refs    int
	retired bool
	reclaim func(*Handle)
}

// ChunkID returns the owning chunk's ID.
func (h *Handle) ChunkID() string { return h.chunkID }

// Kind returns the storage representation.
func (h *Handle) Kind() HandleKind { return h.kind }

// ObjectPath returns the block object path for compressed handles.
func (h *Handle) ObjectPath() string { return h.objectPath }

// SegmentPath returns the segment file path for raw handles.
func (h *Handle) SegmentPath() string { return h.segmentPath }

// retain increments the reference count. Returns false if the handle has
// already been retired and fully reclaimed.
func (h *Handle) retain() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retired && h.refs == 0 {
		return false
	}
	h.refs++
	return true
}

// release decrements the reference count. When a retired handle drops its
// last reference, its storage is reclaimed.
func (h *Handle) release() {
	h.mu.Lock()
	h.refs--
	reclaimNow := h.retired && h.refs == 0
	reclaim := h.reclaim
	if reclaimNow {
		h.reclaim = nil
	}
	h.mu.Unlock()

	if reclaimNow && reclaim != nil {
		reclaim(h)
	}
}

// retire marks the handle obsolete. Storage is reclaimed immediately if no
// scan holds a reference, otherwise when the last reference is released.
func (h *Handle) retire(reclaim func(*Handle)) {
	h.mu.Lock()
	h.retired = true
	h.reclaim = reclaim
	reclaimNow := h.refs == 0
	if reclaimNow {
		h.reclaim = nil
	}
	h.mu.Unlock()

	if reclaimNow && reclaim != nil {
		reclaim(h)
	}
}

// snapshotRows returns the row slice and its current length. Only valid for
// raw handles whose rows have been loaded.
func (h *Handle) snapshotRows() ([]types.Row, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rows, len(h.rows)
}

// appendRow adds a row to a raw handle's in-memory slice.
func (h *Handle) appendRow(row types.Row) {
	h.mu.Lock()
	h.rows = append(h.rows, row)
	h.mu.Unlock()
}
