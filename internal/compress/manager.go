// Package compress converts cold Closed chunks from row-oriented segments
// into columnar blocks in object storage.
package compress

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tickvault/tickvault/internal/catalog"
	"github.com/tickvault/tickvault/internal/chunkstore"
	tverr "github.com/tickvault/tickvault/internal/errors"
)

// Manager compresses eligible chunks of one table. Chunks become eligible
// once Closed and older than the configured threshold; the Open chunk is
// never touched.
type Manager struct {
	table     string
	threshold time.Duration
	catalog   *catalog.Catalog
	store     *chunkstore.Store
}

// NewManager creates a compression manager for a table.
func NewManager(table string, threshold time.Duration, cat *catalog.Catalog, store *chunkstore.Store) *Manager {
	return &Manager{table: table, threshold: threshold, catalog: cat, store: store}
}

// Table returns the table this manager sweeps.
func (m *Manager) Table() string { return m.table }

// RunOnce compresses every eligible chunk as of now. Per-chunk failures are
// logged and skipped; one bad chunk never halts the sweep. Returns how many
// chunks were compressed.
func (m *Manager) RunOnce(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-m.threshold).UnixNano()
	candidates := m.catalog.CompressionCandidates(m.table, cutoff)

	compressed := 0
	for _, chunk := range candidates {
		if ctx.Err() != nil {
			return compressed
		}
		if err := m.compressChunk(ctx, chunk.ID); err != nil {
			log.Printf("compress: %s: chunk %s: %v", m.table, chunk.ID, err)
			continue
		}
		compressed++
	}
	return compressed
}

// compressChunk runs the swap protocol for one chunk: encode the block,
// upload it, journal the pending swap, commit the catalog transition, then
// clear the marker. The catalog commit is the point of no return; the
// journal marker lets startup reconciliation roll an interrupted swap
// forward or back. Readers are never blocked: in-flight scans keep the raw
// handle alive until they close, and the segment file is reclaimed only
// after the last one releases it.
func (m *Manager) compressChunk(ctx context.Context, chunkID string) error {
	block, rowCount, err := m.store.EncodeChunk(ctx, chunkID)
	if err != nil {
		return err
	}

	objectPath := m.objectPath(chunkID)
	if err := m.store.Objects().Put(ctx, objectPath, block); err != nil {
		return tverr.NewStorageError(tverr.CodeUploadFailed,
			fmt.Sprintf("failed to upload block for chunk %s", chunkID), err)
	}

	journal := m.catalog.Journal()
	if err := journal.Write(chunkID, objectPath); err != nil {
		return err
	}

	if err := m.catalog.CompleteCompression(ctx, chunkID, objectPath, rowCount); err != nil {
		// Commit failed; the block is garbage. Best effort cleanup, the
		// reconciler finishes the job if this fails too.
		if derr := m.store.Objects().Delete(ctx, objectPath); derr != nil {
			log.Printf("compress: failed to delete unpublished block %s: %v", objectPath, derr)
			return err
		}
		if cerr := journal.Clear(chunkID); cerr != nil {
			log.Printf("compress: failed to clear journal marker for %s: %v", chunkID, cerr)
		}
		return err
	}

	if err := journal.Clear(chunkID); err != nil {
		// The swap is committed; a stale marker is rolled forward harmlessly
		// at next startup.
		log.Printf("compress: failed to clear journal marker for %s: %v", chunkID, err)
	}

	log.Printf("compress: %s: compressed chunk %s (%d rows) to %s", m.table, chunkID, rowCount, objectPath)
	return nil
}

func (m *Manager) objectPath(chunkID string) string {
	return m.table + "/" + chunkID + ".tvb"
}
