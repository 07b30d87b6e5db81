package catalog

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/tickvault/tickvault/pkg/types"
)

// ReconcileReport summarizes what the startup scan-and-repair pass found
// and fixed.
type ReconcileReport struct {
	SwapsRolledForward int
	SwapsRolledBack    int
	OrphanedSegments   int
	OrphanedBlocks     int
	MissingBlocks      []string
}

// Reconcile repairs any inconsistency between the catalog, the segment
// directory, the object store, and the swap journal left behind by a crash.
// It must run after every table has been registered and before ingest or
// background work starts.
//
// The compression swap protocol makes the catalog commit the single point
// of truth: a surviving journal marker whose chunk is Compressed in the
// catalog means the crash happened after the commit, so the swap is rolled
// forward (delete the stale segment). A marker whose chunk is still Closed
// means the commit never happened, so the uploaded block is discarded.
// Storage not referenced by any catalog entry is garbage from an
// interrupted upload or reclaim and is deleted.
func (c *Catalog) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	if err := c.reconcileSwaps(ctx, report); err != nil {
		return nil, err
	}
	if err := c.reconcileSegments(report); err != nil {
		return nil, err
	}
	if err := c.reconcileBlocks(ctx, report); err != nil {
		return nil, err
	}

	log.Printf("catalog: reconciliation complete: %d swaps rolled forward, %d rolled back, %d orphaned segments, %d orphaned blocks, %d missing blocks",
		report.SwapsRolledForward, report.SwapsRolledBack,
		report.OrphanedSegments, report.OrphanedBlocks, len(report.MissingBlocks))
	return report, nil
}

func (c *Catalog) reconcileSwaps(ctx context.Context, report *ReconcileReport) error {
	markers, err := c.journal.Pending()
	if err != nil {
		return err
	}

	for _, m := range markers {
		chunk, err := c.Get(m.ChunkID)
		switch {
		case err == nil && chunk.State == types.ChunkCompressed:
			// Commit happened before the crash. The compressed handle was
			// attached at load time; only the stale segment file remains.
			seg := c.store.SegmentPath(m.ChunkID)
			if err := os.Remove(seg); err != nil && !os.IsNotExist(err) {
				log.Printf("catalog: reconcile: failed to remove stale segment %s: %v", seg, err)
			}
			log.Printf("catalog: reconcile: rolled swap forward for chunk %s", m.ChunkID)
			report.SwapsRolledForward++

		default:
			// Commit never happened (chunk still Closed, or already gone).
			// The raw segment stays authoritative; the uploaded block is
			// garbage.
			if err := c.store.Objects().Delete(ctx, m.ObjectPath); err != nil {
				log.Printf("catalog: reconcile: failed to delete orphaned block %s: %v", m.ObjectPath, err)
			}
			log.Printf("catalog: reconcile: rolled swap back for chunk %s", m.ChunkID)
			report.SwapsRolledBack++
		}

		if err := c.journal.Clear(m.ChunkID); err != nil {
			return err
		}
	}
	return nil
}

// reconcileSegments removes segment files no catalog entry references.
// A raw chunk with no segment file is fine (no row was ever appended), so
// only the reverse direction needs repair.
func (c *Catalog) reconcileSegments(report *ReconcileReport) error {
	entries, err := os.ReadDir(c.store.SegmentDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	c.mu.Lock()
	known := make(map[string]types.ChunkState, len(c.byID))
	for id, chunk := range c.byID {
		known[id] = chunk.State
	}
	c.mu.Unlock()

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".seg") {
			continue
		}
		chunkID := strings.TrimSuffix(name, ".seg")
		state, ok := known[chunkID]
		if ok && state != types.ChunkCompressed {
			continue
		}
		// Either no catalog entry at all, or the chunk is Compressed and
		// the segment delete after publish was interrupted.
		path := filepath.Join(c.store.SegmentDir(), name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("catalog: reconcile: failed to remove orphaned segment %s: %v", path, err)
			continue
		}
		log.Printf("catalog: reconcile: removed orphaned segment %s", name)
		report.OrphanedSegments++
	}
	return nil
}

// reconcileBlocks deletes unreferenced block objects and reports referenced
// blocks that are missing. A missing block is not repairable here; the data
// is gone and scans of that chunk will fail until an operator intervenes.
func (c *Catalog) reconcileBlocks(ctx context.Context, report *ReconcileReport) error {
	objects, err := c.store.Objects().List(ctx, "")
	if err != nil {
		return err
	}

	c.mu.Lock()
	referenced := make(map[string]string)
	for id, chunk := range c.byID {
		if chunk.State == types.ChunkCompressed {
			referenced[chunk.StoragePath] = id
		}
	}
	c.mu.Unlock()

	present := make(map[string]bool, len(objects))
	for _, path := range objects {
		present[path] = true
		if _, ok := referenced[path]; ok {
			continue
		}
		if err := c.store.Objects().Delete(ctx, path); err != nil {
			log.Printf("catalog: reconcile: failed to delete orphaned block %s: %v", path, err)
			continue
		}
		log.Printf("catalog: reconcile: removed orphaned block %s", path)
		report.OrphanedBlocks++
	}

	for path, chunkID := range referenced {
		if !present[path] {
			log.Printf("catalog: reconcile: chunk %s references missing block %s", chunkID, path)
			report.MissingBlocks = append(report.MissingBlocks, path)
		}
	}
	return nil
}
