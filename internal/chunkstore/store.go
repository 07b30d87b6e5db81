package chunkstore

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/tickvault/tickvault/internal/cache"
	tverr "github.com/tickvault/tickvault/internal/errors"
	"github.com/tickvault/tickvault/internal/storage"
	"github.com/tickvault/tickvault/pkg/types"
)

// Store manages the physical storage of all chunks across tables. The
// catalog owns chunk lifecycle; the store owns bytes. Raw chunks live as
// in-memory row slices backed by append-only segment files; compressed
// chunks live as columnar blocks in object storage.
type Store struct {
	segmentDir string
	objects    storage.ObjectStorage
	blockCache *cache.BlockCache

	mu      sync.RWMutex
	schemas map[string]types.Schema
	chunks  map[string]*chunkState
}

// chunkState is the store's per-chunk bookkeeping. Its mutex guards append
// and handle-swap; scans only hold it long enough to retain the handle.
type chunkState struct {
	mu       sync.Mutex
	table    string
	writable bool
	handle   *Handle
	writer   *segmentWriter
}

// NewStore creates a chunk store writing segments under segmentDir and
// compressed blocks to the given object storage.
func NewStore(segmentDir string, objects storage.ObjectStorage) *Store {
	return &Store{
		segmentDir: segmentDir,
		objects:    objects,
		schemas:    make(map[string]types.Schema),
		chunks:     make(map[string]*chunkState),
	}
}

// SetBlockCache enables caching of fetched block objects. Must be called
// before any scan.
func (s *Store) SetBlockCache(c *cache.BlockCache) {
	s.blockCache = c
}

// RegisterSchema registers the schema for a logical table. Must be called
// before any chunk of that table is attached.
func (s *Store) RegisterSchema(schema types.Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.schemas[schema.Name]; dup {
		return fmt.Errorf("chunkstore: schema %q already registered", schema.Name)
	}
	s.schemas[schema.Name] = schema
	return nil
}

// Schema returns the registered schema for a table.
func (s *Store) Schema(table string) (types.Schema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, ok := s.schemas[table]
	return schema, ok
}

// SegmentPath returns the segment file path for a chunk ID.
func (s *Store) SegmentPath(chunkID string) string {
	return filepath.Join(s.segmentDir, chunkID+".seg")
}

// SegmentDir returns the directory holding raw segment files.
func (s *Store) SegmentDir() string { return s.segmentDir }

// Objects returns the object storage backend for compressed blocks.
func (s *Store) Objects() storage.ObjectStorage { return s.objects }

// OpenChunk attaches a newly created Open chunk, ready for appends.
func (s *Store) OpenChunk(chunk *types.Chunk) error {
	return s.attach(chunk, HandleRaw, true)
}

// AttachRaw attaches an existing raw (Open or Closed) chunk, e.g. during
// startup recovery. Rows are loaded lazily from the segment on first use.
func (s *Store) AttachRaw(chunk *types.Chunk, writable bool) error {
	return s.attach(chunk, HandleRaw, writable)
}

// AttachCompressed attaches an existing compressed chunk.
func (s *Store) AttachCompressed(chunk *types.Chunk) error {
	return s.attach(chunk, HandleCompressed, false)
}

func (s *Store) attach(chunk *types.Chunk, kind HandleKind, writable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schemas[chunk.Table]; !ok {
		return tverr.NewChunkError(tverr.CodeNotFound,
			fmt.Sprintf("no schema registered for table %q", chunk.Table))
	}
	if _, dup := s.chunks[chunk.ID]; dup {
		return tverr.NewInternalError(
			fmt.Sprintf("chunk %s already attached", chunk.ID), nil)
	}

	h := &Handle{chunkID: chunk.ID, kind: kind}
	switch kind {
	case HandleRaw:
		h.segmentPath = s.SegmentPath(chunk.ID)
	case HandleCompressed:
		h.objectPath = chunk.StoragePath
		h.loaded = true // compressed handles decode per scan, nothing to preload
	}

	s.chunks[chunk.ID] = &chunkState{
		table:    chunk.Table,
		writable: writable,
		handle:   h,
	}
	return nil
}

// Seal marks a chunk read-only. Called on the Open→Closed transition; any
// in-flight append that already passed the writable check finishes first
// because Seal takes the same per-chunk lock.
func (s *Store) Seal(chunkID string) {
	cs := s.chunk(chunkID)
	if cs == nil {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.writable = false
	if cs.writer != nil {
		if err := cs.writer.sync(); err != nil {
			log.Printf("chunkstore: sync on seal of %s: %v", chunkID, err)
		}
		cs.writer.close()
		cs.writer = nil
	}
}

// Append adds a row to an Open chunk. Amortized O(1); rows are never
// reordered. Fails with ChunkNotOpen once the chunk is sealed.
func (s *Store) Append(chunkID string, row types.Row) error {
	cs := s.chunk(chunkID)
	if cs == nil {
		return tverr.NewChunkError(tverr.CodeNotFound,
			fmt.Sprintf("unknown chunk %s", chunkID))
	}

	schema, ok := s.Schema(cs.table)
	if !ok {
		return tverr.NewInternalError(
			fmt.Sprintf("chunk %s references unregistered table %s", chunkID, cs.table), nil)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.writable {
		return tverr.NewChunkError(tverr.CodeChunkNotOpen,
			fmt.Sprintf("chunk %s is not open for writes", chunkID))
	}
	if err := s.ensureLoadedLocked(cs, schema); err != nil {
		return err
	}
	if cs.writer == nil {
		w, err := openSegmentWriter(cs.handle.segmentPath)
		if err != nil {
			return tverr.Wrap(tverr.ErrCategoryChunk, tverr.CodeUnexpected,
				"failed to open segment writer", err)
		}
		cs.writer = w
	}

	if err := cs.writer.append(schema, row); err != nil {
		return tverr.Wrap(tverr.ErrCategoryChunk, tverr.CodeUnexpected,
			"failed to append row", err)
	}
	cs.handle.appendRow(row.Clone())
	return nil
}

// Scan returns a cursor over the chunk's rows matching the predicate,
// ordered by timestamp ascending with insertion-order tie-break. The cursor
// holds a handle reference until Close, so compression or retention running
// concurrently cannot reclaim the storage mid-scan.
func (s *Store) Scan(ctx context.Context, chunkID string, pred Predicate) (*Cursor, error) {
	cs := s.chunk(chunkID)
	if cs == nil {
		return nil, tverr.NewChunkError(tverr.CodeNotFound,
			fmt.Sprintf("unknown chunk %s", chunkID))
	}

	schema, ok := s.Schema(cs.table)
	if !ok {
		return nil, tverr.NewInternalError(
			fmt.Sprintf("chunk %s references unregistered table %s", chunkID, cs.table), nil)
	}

	cs.mu.Lock()
	h := cs.handle
	if h.kind == HandleRaw {
		if err := s.ensureLoadedLocked(cs, schema); err != nil {
			cs.mu.Unlock()
			return nil, err
		}
	}
	retained := h.retain()
	cs.mu.Unlock()

	if !retained {
		return nil, tverr.NewChunkError(tverr.CodeChunkCompressedOrDropped,
			fmt.Sprintf("chunk %s storage already reclaimed", chunkID))
	}

	switch h.kind {
	case HandleRaw:
		rows, n := h.snapshotRows()
		return newCursor(rows[:n], pred, h.release), nil

	case HandleCompressed:
		data, err := s.fetchBlock(ctx, h.objectPath)
		if err != nil {
			h.release()
			return nil, tverr.NewStorageError(tverr.CodeDownloadFailed,
				fmt.Sprintf("failed to fetch block for chunk %s", chunkID), err)
		}
		rows, err := DecodeBlock(data, pred.Symbol)
		if err != nil {
			h.release()
			return nil, tverr.Wrap(tverr.ErrCategoryChunk, tverr.CodeStorageCorruption,
				fmt.Sprintf("failed to decode block for chunk %s", chunkID), err)
		}
		return newCursor(rows, pred, h.release), nil

	default:
		h.release()
		return nil, tverr.NewInternalError(
			fmt.Sprintf("chunk %s has unknown handle kind", chunkID), nil)
	}
}

// EncodeChunk scans a raw chunk and encodes it into a columnar block,
// returning the block and the row count. The chunk is not modified.
func (s *Store) EncodeChunk(ctx context.Context, chunkID string) ([]byte, int64, error) {
	cs := s.chunk(chunkID)
	if cs == nil {
		return nil, 0, tverr.NewChunkError(tverr.CodeNotFound,
			fmt.Sprintf("unknown chunk %s", chunkID))
	}

	schema, ok := s.Schema(cs.table)
	if !ok {
		return nil, 0, tverr.NewInternalError(
			fmt.Sprintf("chunk %s references unregistered table %s", chunkID, cs.table), nil)
	}

	cs.mu.Lock()
	h := cs.handle
	if h.kind != HandleRaw {
		cs.mu.Unlock()
		return nil, 0, tverr.NewChunkError(tverr.CodeChunkCompressedOrDropped,
			fmt.Sprintf("chunk %s is not in raw form", chunkID))
	}
	if err := s.ensureLoadedLocked(cs, schema); err != nil {
		cs.mu.Unlock()
		return nil, 0, err
	}
	retained := h.retain()
	cs.mu.Unlock()

	if !retained {
		return nil, 0, tverr.NewChunkError(tverr.CodeChunkCompressedOrDropped,
			fmt.Sprintf("chunk %s storage already reclaimed", chunkID))
	}
	defer h.release()

	rows, n := h.snapshotRows()
	block, err := EncodeBlock(schema, rows[:n])
	if err != nil {
		return nil, 0, tverr.NewCompressionError(
			fmt.Sprintf("failed to encode chunk %s", chunkID), err)
	}
	return block, int64(n), nil
}

// PublishCompressed atomically swaps a chunk's handle from raw to the
// compressed block at objectPath. The old raw handle is retired; its
// segment file is removed once the last in-flight scan releases it.
func (s *Store) PublishCompressed(chunkID, objectPath string) error {
	cs := s.chunk(chunkID)
	if cs == nil {
		return tverr.NewChunkError(tverr.CodeNotFound,
			fmt.Sprintf("unknown chunk %s", chunkID))
	}

	cs.mu.Lock()
	old := cs.handle
	cs.handle = &Handle{
		chunkID:    chunkID,
		kind:       HandleCompressed,
		objectPath: objectPath,
		loaded:     true,
	}
	cs.writable = false
	if cs.writer != nil {
		cs.writer.close()
		cs.writer = nil
	}
	cs.mu.Unlock()

	old.retire(func(h *Handle) {
		if err := os.Remove(h.segmentPath); err != nil && !os.IsNotExist(err) {
			log.Printf("chunkstore: failed to remove segment %s: %v", h.segmentPath, err)
		}
	})
	return nil
}

// Drop retires a chunk's handle and detaches it from the store. Backing
// storage (segment file or block object) is reclaimed once no scan holds a
// reference. Irreversible.
func (s *Store) Drop(chunkID string) {
	s.mu.Lock()
	cs, ok := s.chunks[chunkID]
	if ok {
		delete(s.chunks, chunkID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	cs.mu.Lock()
	cs.writable = false
	if cs.writer != nil {
		cs.writer.close()
		cs.writer = nil
	}
	h := cs.handle
	cs.mu.Unlock()

	objects := s.objects
	blockCache := s.blockCache
	h.retire(func(h *Handle) {
		switch h.kind {
		case HandleRaw:
			if err := os.Remove(h.segmentPath); err != nil && !os.IsNotExist(err) {
				log.Printf("chunkstore: failed to remove segment %s: %v", h.segmentPath, err)
			}
		case HandleCompressed:
			if blockCache != nil {
				blockCache.Remove(h.objectPath)
			}
			if err := objects.Delete(context.Background(), h.objectPath); err != nil {
				// Orphaned blocks are picked up by reconciliation.
				log.Printf("chunkstore: failed to delete block %s: %v", h.objectPath, err)
			}
		}
	})
}

// fetchBlock reads a block object, consulting the block cache if enabled.
func (s *Store) fetchBlock(ctx context.Context, objectPath string) ([]byte, error) {
	if s.blockCache != nil {
		if data, ok := s.blockCache.Get(objectPath); ok {
			return data, nil
		}
	}
	data, err := s.objects.Get(ctx, objectPath)
	if err != nil {
		return nil, err
	}
	if s.blockCache != nil {
		s.blockCache.Put(objectPath, data)
	}
	return data, nil
}

// RowCount returns the number of rows currently held by a raw chunk, or -1
// if the chunk is unknown or compressed.
func (s *Store) RowCount(chunkID string) int64 {
	cs := s.chunk(chunkID)
	if cs == nil {
		return -1
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.handle.kind != HandleRaw || !cs.handle.loaded {
		if cs.handle.kind == HandleRaw {
			n, err := countSegmentRows(cs.handle.segmentPath)
			if err != nil {
				return -1
			}
			return n
		}
		return -1
	}
	_, n := cs.handle.snapshotRows()
	return int64(n)
}

// Close syncs and closes all open segment writers.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, cs := range s.chunks {
		cs.mu.Lock()
		if cs.writer != nil {
			if err := cs.writer.sync(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("chunkstore: sync %s: %w", id, err)
			}
			cs.writer.close()
			cs.writer = nil
		}
		cs.mu.Unlock()
	}
	return firstErr
}

func (s *Store) chunk(chunkID string) *chunkState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chunks[chunkID]
}

// ensureLoadedLocked lazily loads a raw chunk's rows from its segment file.
// Caller holds cs.mu.
func (s *Store) ensureLoadedLocked(cs *chunkState, schema types.Schema) error {
	h := cs.handle
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded {
		return nil
	}
	rows, err := readSegment(h.segmentPath, schema)
	if err != nil {
		return tverr.Wrap(tverr.ErrCategoryChunk, tverr.CodeStorageCorruption,
			fmt.Sprintf("failed to load segment for chunk %s", h.chunkID), err)
	}
	h.rows = rows
	h.loaded = true
	return nil
}
