// Package types provides core data types for tickvault.
package types

import (
	"math"
	"time"
)

// Row represents a single measurement in a logical table, typically one
// market-data quote. Rows are immutable once appended to a chunk;
// corrections are new rows.
type Row struct {
	// Time is the Unix timestamp (nanoseconds, UTC) of the measurement.
	Time int64 `json:"time"`

	// Symbol is the partition key within a chunk (e.g. "AAPL").
	// Venue-qualified symbols like "AAPL.XNAS" are the caller's choice.
	Symbol string `json:"symbol"`

	// Fields holds the numeric payload keyed by field name. The table
	// schema fixes which field names are valid. Absent optional fields
	// are simply missing from the map; NaN values are rejected at ingest.
	Fields map[string]float64 `json:"fields"`
}

// Timestamp returns the row time as a time.Time.
func (r Row) Timestamp() time.Time {
	return time.Unix(0, r.Time).UTC()
}

// Field returns the named field value and whether it is present.
func (r Row) Field(name string) (float64, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Valid reports whether the row can be stored: a symbol, a positive
// timestamp, and no NaN or infinite field values.
func (r Row) Valid() bool {
	if r.Symbol == "" || r.Time <= 0 {
		return false
	}
	for _, v := range r.Fields {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	cp := r
	if r.Fields != nil {
		cp.Fields = make(map[string]float64, len(r.Fields))
		for k, v := range r.Fields {
			cp.Fields[k] = v
		}
	}
	return cp
}
