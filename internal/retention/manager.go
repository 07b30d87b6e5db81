// Package retention drops whole chunks once their time range ages past the
// configured threshold. Retention is the only way data is deleted; there
// are no row-level deletes.
package retention

import (
	"context"
	"log"
	"time"

	"github.com/tickvault/tickvault/internal/catalog"
)

// Manager enforces the retention threshold for one table. Only Closed and
// Compressed chunks whose entire range is past the cutoff are dropped; the
// Open leading-edge chunk never is.
type Manager struct {
	table     string
	threshold time.Duration
	catalog   *catalog.Catalog
}

// NewManager creates a retention manager for a table.
func NewManager(table string, threshold time.Duration, cat *catalog.Catalog) *Manager {
	return &Manager{table: table, threshold: threshold, catalog: cat}
}

// Table returns the table this manager sweeps.
func (m *Manager) Table() string { return m.table }

// RunOnce drops every chunk eligible as of now. Dropping marks the chunk in
// the catalog immediately; the backing storage is reclaimed once the last
// in-flight scan releases its handle. Per-chunk failures are logged and
// skipped. Returns how many chunks were dropped.
func (m *Manager) RunOnce(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-m.threshold).UnixNano()
	candidates := m.catalog.RetentionCandidates(m.table, cutoff)

	dropped := 0
	for _, chunk := range candidates {
		if ctx.Err() != nil {
			return dropped
		}
		if err := m.catalog.DropChunk(ctx, chunk.ID); err != nil {
			log.Printf("retention: %s: failed to drop chunk %s: %v", m.table, chunk.ID, err)
			continue
		}
		log.Printf("retention: %s: dropped chunk %s [%d, %d)", m.table, chunk.ID, chunk.StartNs, chunk.EndNs)
		dropped++
	}
	return dropped
}
