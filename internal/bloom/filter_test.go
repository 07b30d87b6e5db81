package bloom

import (
	"fmt"
	"testing"
)

func TestFilter_NoFalseNegatives(t *testing.T) {
	f := NewWithEstimates(1000, 0.01)
	symbols := make([]string, 1000)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%04d", i)
		f.Add(symbols[i])
	}
	for _, sym := range symbols {
		if !f.Contains(sym) {
			t.Fatalf("false negative for %s", sym)
		}
	}
}

func TestFilter_FalsePositiveRate(t *testing.T) {
	f := NewWithEstimates(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Add(fmt.Sprintf("IN%04d", i))
	}

	falsePositives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if f.Contains(fmt.Sprintf("OUT%05d", i)) {
			falsePositives++
		}
	}
	// Target is 1%; allow generous slack for hash variance.
	if rate := float64(falsePositives) / probes; rate > 0.05 {
		t.Errorf("false positive rate too high: %.4f", rate)
	}
}

func TestFilter_SerializationRoundTrip(t *testing.T) {
	f := NewWithEstimates(100, 0.01)
	for i := 0; i < 50; i++ {
		f.Add(fmt.Sprintf("T%d", i))
	}

	data := f.Marshal()
	restored, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if restored.Count() != f.Count() {
		t.Errorf("count mismatch: got %d, want %d", restored.Count(), f.Count())
	}
	for i := 0; i < 50; i++ {
		if !restored.Contains(fmt.Sprintf("T%d", i)) {
			t.Fatalf("restored filter lost T%d", i)
		}
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	if _, err := Unmarshal(nil); err == nil {
		t.Error("nil data should fail")
	}
	if _, err := Unmarshal([]byte{1, 2, 3}); err == nil {
		t.Error("short data should fail")
	}
	f := NewWithEstimates(10, 0.01)
	data := f.Marshal()
	if _, err := Unmarshal(data[:len(data)-1]); err == nil {
		t.Error("truncated data should fail")
	}
}

func TestOptimalParameters(t *testing.T) {
	bits, hashes := OptimalParameters(1000, 0.01)
	if bits == 0 || hashes == 0 {
		t.Fatalf("degenerate parameters: bits=%d hashes=%d", bits, hashes)
	}
	// ~9.6 bits per element at 1% FP.
	if bits < 8000 || bits > 16000 {
		t.Errorf("unexpected bit count %d for n=1000 p=0.01", bits)
	}
}
