package types

import "time"

// Candle field names used by bucket rows in aggregate output tables.
const (
	FieldOpen   = "open"
	FieldHigh   = "high"
	FieldLow    = "low"
	FieldClose  = "close"
	FieldVolume = "volume"
)

// Bucket is one aggregated OHLCV summary for a (symbol, time bucket) pair.
type Bucket struct {
	// Aggregate is the aggregate (output table) name, e.g. "stock_ohlcv_5m".
	Aggregate string `json:"aggregate"`

	// Symbol is the instrument the bucket summarizes.
	Symbol string `json:"symbol"`

	// StartNs is the inclusive bucket start in Unix nanoseconds. The
	// bucket covers [StartNs, StartNs+WidthNs).
	StartNs int64 `json:"start_ns"`

	// WidthNs is the bucket width in nanoseconds.
	WidthNs int64 `json:"width_ns"`

	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`

	// Final marks a bucket whose value is permanently fixed. Provisional
	// buckets (Final=false) are recomputed on every refresh cycle.
	Final bool `json:"final"`
}

// EndNs returns the exclusive bucket upper bound in Unix nanoseconds.
func (b Bucket) EndNs() int64 { return b.StartNs + b.WidthNs }

// Start returns the bucket start as a time.Time.
func (b Bucket) Start() time.Time { return time.Unix(0, b.StartNs).UTC() }

// ToRow converts the bucket to a candle row for storage in the aggregate's
// chunked output table.
func (b Bucket) ToRow() Row {
	return Row{
		Time:   b.StartNs,
		Symbol: b.Symbol,
		Fields: map[string]float64{
			FieldOpen:   b.Open,
			FieldHigh:   b.High,
			FieldLow:    b.Low,
			FieldClose:  b.Close,
			FieldVolume: b.Volume,
		},
	}
}

// BucketFromRow reconstructs a final bucket from a stored candle row.
func BucketFromRow(aggregate string, widthNs int64, row Row) Bucket {
	return Bucket{
		Aggregate: aggregate,
		Symbol:    row.Symbol,
		StartNs:   row.Time,
		WidthNs:   widthNs,
		Open:      row.Fields[FieldOpen],
		High:      row.Fields[FieldHigh],
		Low:       row.Fields[FieldLow],
		Close:     row.Fields[FieldClose],
		Volume:    row.Fields[FieldVolume],
		Final:     true,
	}
}
