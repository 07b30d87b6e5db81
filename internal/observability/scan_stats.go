// Package observability tracks query access patterns for performance
// monitoring: which tables get scanned, how often, and for which symbols.
package observability

import (
	"sort"
	"sync"
	"time"
)

// ScanStats tracks per-table scan frequency over a sliding window.
type ScanStats struct {
	mu     sync.RWMutex
	tables map[string]*TableStats
	window time.Duration
}

// TableStats holds the access counters for one table.
type TableStats struct {
	// Table is the logical table or aggregate name.
	Table string `json:"table"`

	// Scans is the number of range scans since the last prune.
	Scans int64 `json:"scans"`

	// Rows is the total number of rows those scans returned.
	Rows int64 `json:"rows"`

	// LastSeen is when the table was last scanned.
	LastSeen time.Time `json:"last_seen"`

	// Symbols counts scans per requested symbol. The empty key counts
	// unfiltered scans.
	Symbols map[string]int64 `json:"symbols"`
}

// NewScanStats creates a tracker. Entries idle longer than window are
// dropped on Prune.
func NewScanStats(window time.Duration) *ScanStats {
	return &ScanStats{
		tables: make(map[string]*TableStats),
		window: window,
	}
}

// RecordScan records one range scan. O(1) and safe for concurrent use.
func (s *ScanStats) RecordScan(table, symbol string, rows int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.tables[table]
	if !ok {
		ts = &TableStats{Table: table, Symbols: make(map[string]int64)}
		s.tables[table] = ts
	}
	ts.Scans++
	ts.Rows += int64(rows)
	ts.LastSeen = now
	ts.Symbols[symbol]++
}

// Top returns the n most scanned tables, copied so callers cannot mutate
// the live counters.
func (s *ScanStats) Top(n int) []TableStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.tables) == 0 {
		return []TableStats{}
	}

	out := make([]TableStats, 0, len(s.tables))
	for _, ts := range s.tables {
		cp := *ts
		cp.Symbols = make(map[string]int64, len(ts.Symbols))
		for sym, count := range ts.Symbols {
			cp.Symbols[sym] = count
		}
		out = append(out, cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Scans != out[j].Scans {
			return out[i].Scans > out[j].Scans
		}
		return out[i].Table < out[j].Table
	})

	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// Prune drops tables not scanned within the window.
func (s *ScanStats) Prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := now.Add(-s.window)
	for name, ts := range s.tables {
		if ts.LastSeen.Before(threshold) {
			delete(s.tables, name)
		}
	}
}
