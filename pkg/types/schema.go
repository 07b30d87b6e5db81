package types

import "fmt"

// Schema fixes the ordered field set of a logical table. The field order is
// the column order used by the segment and columnar codecs, so it must be
// stable for the lifetime of the table.
type Schema struct {
	// Name identifies the schema (usually the table name).
	Name string `json:"name"`

	// Fields is the ordered list of numeric field names.
	Fields []string `json:"fields"`
}

// QuoteSchema returns the built-in schema for raw quote tables, matching
// the stock_quotes layout: last trade price/volume plus top-of-book.
func QuoteSchema(name string) Schema {
	return Schema{
		Name:   name,
		Fields: []string{"price", "volume", "bid", "ask", "bid_size", "ask_size"},
	}
}

// CandleSchema returns the built-in schema for OHLCV aggregate output tables.
func CandleSchema(name string) Schema {
	return Schema{
		Name:   name,
		Fields: []string{FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume},
	}
}

// FieldIndex returns the column position of the named field, or -1.
func (s Schema) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f == name {
			return i
		}
	}
	return -1
}

// Validate checks the schema for duplicate or empty field names.
func (s Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema: name must not be empty")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %q: at least one field is required", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f == "" {
			return fmt.Errorf("schema %q: empty field name", s.Name)
		}
		if _, dup := seen[f]; dup {
			return fmt.Errorf("schema %q: duplicate field %q", s.Name, f)
		}
		seen[f] = struct{}{}
	}
	return nil
}

// CheckRow verifies that every field present on the row exists in the schema.
func (s Schema) CheckRow(row Row) error {
	for name := range row.Fields {
		if s.FieldIndex(name) < 0 {
			return fmt.Errorf("schema %q: unknown field %q", s.Name, name)
		}
	}
	return nil
}
