package types

import "testing"

func TestChunkState_CanTransition(t *testing.T) {
	cases := []struct {
		from, to ChunkState
		want     bool
	}{
		{ChunkOpen, ChunkClosed, true},
		{ChunkOpen, ChunkCompressed, false},
		{ChunkOpen, ChunkDropped, false},
		{ChunkClosed, ChunkCompressed, true},
		{ChunkClosed, ChunkDropped, true},
		{ChunkClosed, ChunkOpen, false},
		{ChunkCompressed, ChunkDropped, true},
		{ChunkCompressed, ChunkClosed, false},
		{ChunkCompressed, ChunkOpen, false},
		{ChunkDropped, ChunkOpen, false},
		{ChunkDropped, ChunkClosed, false},
		{ChunkDropped, ChunkCompressed, false},
		{ChunkDropped, ChunkDropped, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestChunk_Covers(t *testing.T) {
	chunk := &Chunk{StartNs: 100, EndNs: 200}

	if !chunk.Covers(100) {
		t.Error("start should be covered (inclusive)")
	}
	if !chunk.Covers(199) {
		t.Error("last nanosecond should be covered")
	}
	if chunk.Covers(200) {
		t.Error("end should not be covered (exclusive)")
	}
	if chunk.Covers(99) {
		t.Error("below start should not be covered")
	}
}

func TestChunk_Overlaps(t *testing.T) {
	chunk := &Chunk{StartNs: 100, EndNs: 200}

	cases := []struct {
		t0, t1 int64
		want   bool
	}{
		{0, 100, false},  // touches start, half-open
		{200, 300, false}, // touches end, half-open
		{0, 101, true},
		{199, 300, true},
		{120, 180, true},
		{0, 1000, true},
	}
	for _, c := range cases {
		if got := chunk.Overlaps(c.t0, c.t1); got != c.want {
			t.Errorf("Overlaps(%d, %d) = %v, want %v", c.t0, c.t1, got, c.want)
		}
	}
}
