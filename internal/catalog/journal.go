package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SwapJournal records write-ahead markers for raw→compressed handle swaps.
// A marker is written after the block object is uploaded and before the
// catalog transaction commits; it is cleared once the swap is fully
// published. After a crash, a surviving marker tells the reconciliation
// pass whether to roll the swap forward (catalog already committed) or
// discard the uploaded block (catalog never committed). Either way the
// catalog ends in exactly the pre- or post-swap state, never between.
type SwapJournal struct {
	dir string
}

// SwapMarker is one pending swap record.
type SwapMarker struct {
	ChunkID    string
	ObjectPath string
}

// NewSwapJournal creates a journal rooted at dir.
func NewSwapJournal(dir string) (*SwapJournal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("journal: failed to create directory: %w", err)
	}
	return &SwapJournal{dir: dir}, nil
}

// Write records a pending swap marker for a chunk.
func (j *SwapJournal) Write(chunkID, objectPath string) error {
	path := j.markerPath(chunkID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(objectPath), 0644); err != nil {
		return fmt.Errorf("journal: failed to write marker for %s: %w", chunkID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("journal: failed to publish marker for %s: %w", chunkID, err)
	}
	return nil
}

// Clear removes the marker for a chunk. Clearing a missing marker is fine.
func (j *SwapJournal) Clear(chunkID string) error {
	if err := os.Remove(j.markerPath(chunkID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("journal: failed to clear marker for %s: %w", chunkID, err)
	}
	return nil
}

// Pending returns all surviving markers.
func (j *SwapJournal) Pending() ([]SwapMarker, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to read directory: %w", err)
	}

	var markers []SwapMarker
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".swap") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(j.dir, name))
		if err != nil {
			return nil, fmt.Errorf("journal: failed to read marker %s: %w", name, err)
		}
		markers = append(markers, SwapMarker{
			ChunkID:    strings.TrimSuffix(name, ".swap"),
			ObjectPath: string(data),
		})
	}
	return markers, nil
}

func (j *SwapJournal) markerPath(chunkID string) string {
	return filepath.Join(j.dir, chunkID+".swap")
}
