package chunkstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tickvault/tickvault/pkg/types"
)

func quoteRows() []types.Row {
	return []types.Row{
		{Time: 1000, Symbol: "AAPL", Fields: map[string]float64{"price": 182.5, "volume": 100}},
		{Time: 2000, Symbol: "MSFT", Fields: map[string]float64{"price": 410.0, "bid": 409.9, "ask": 410.1}},
		{Time: 2000, Symbol: "AAPL", Fields: map[string]float64{"price": 182.6}},
		{Time: 3000, Symbol: "GOOG", Fields: map[string]float64{"price": 140.0, "bid_size": 300, "ask_size": 200}},
	}
}

func TestSegment_RoundTrip(t *testing.T) {
	schema := types.QuoteSchema("stock_quotes")
	path := filepath.Join(t.TempDir(), "chunk.seg")

	w, err := openSegmentWriter(path)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	want := quoteRows()
	for _, row := range want {
		if err := w.append(schema, row); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.sync(); err != nil {
		t.Fatal(err)
	}
	w.close()

	got, err := readSegment(path, schema)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("row count: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Time != want[i].Time || got[i].Symbol != want[i].Symbol {
			t.Errorf("row %d: got %+v, want %+v", i, got[i], want[i])
		}
		if len(got[i].Fields) != len(want[i].Fields) {
			t.Errorf("row %d: field count %d, want %d", i, len(got[i].Fields), len(want[i].Fields))
		}
		for name, v := range want[i].Fields {
			if got[i].Fields[name] != v {
				t.Errorf("row %d field %s: got %v, want %v", i, name, got[i].Fields[name], v)
			}
		}
	}
}

func TestSegment_AbsentFieldsStayAbsent(t *testing.T) {
	schema := types.QuoteSchema("stock_quotes")
	path := filepath.Join(t.TempDir(), "chunk.seg")

	w, _ := openSegmentWriter(path)
	row := types.Row{Time: 1, Symbol: "AAPL", Fields: map[string]float64{"price": 1.5}}
	if err := w.append(schema, row); err != nil {
		t.Fatal(err)
	}
	w.close()

	rows, err := readSegment(path, schema)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := rows[0].Fields["bid"]; ok {
		t.Error("absent field materialized on read")
	}
	if rows[0].Fields["price"] != 1.5 {
		t.Error("present field lost")
	}
}

func TestSegment_TornTailTruncated(t *testing.T) {
	schema := types.QuoteSchema("stock_quotes")
	path := filepath.Join(t.TempDir(), "chunk.seg")

	w, _ := openSegmentWriter(path)
	for _, row := range quoteRows()[:2] {
		if err := w.append(schema, row); err != nil {
			t.Fatal(err)
		}
	}
	w.close()

	// Simulate a crash mid-append: a partial frame at the tail.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0x40, 0x00, 0x00, 0x00, 0xde, 0xad})
	f.Close()

	rows, err := readSegment(path, schema)
	if err != nil {
		t.Fatalf("read with torn tail: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 intact rows, got %d", len(rows))
	}
}

func TestSegment_MissingFileIsEmpty(t *testing.T) {
	rows, err := readSegment(filepath.Join(t.TempDir(), "nope.seg"), types.QuoteSchema("q"))
	if err != nil {
		t.Fatalf("missing segment should be empty, got error: %v", err)
	}
	if rows != nil {
		t.Errorf("expected nil rows, got %v", rows)
	}
}

func TestCountSegmentRows(t *testing.T) {
	schema := types.QuoteSchema("stock_quotes")
	path := filepath.Join(t.TempDir(), "chunk.seg")

	w, _ := openSegmentWriter(path)
	for _, row := range quoteRows() {
		w.append(schema, row)
	}
	w.close()

	n, err := countSegmentRows(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("count: got %d, want 4", n)
	}
}
