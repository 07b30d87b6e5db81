package chunkstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"math"
	"os"

	"github.com/tickvault/tickvault/pkg/types"
)

// Raw chunk segments are append-only files of length-prefixed, checksummed
// row frames:
//
//	[payloadLen:4][crc32(payload):4][payload:payloadLen]
//
// The payload is schema-ordered binary, little-endian:
//
//	time int64 | symbolLen uint16 | symbol bytes | one float64 per schema
//	field (NaN bits encode an absent field)
//
// A torn trailing frame (crash mid-append) is detected by length or
// checksum mismatch and truncated on load; everything before it is intact.

const frameHeaderSize = 8

var errTornFrame = errors.New("segment: torn frame")

// encodeRowPayload serializes a row using the schema's column order.
func encodeRowPayload(schema types.Schema, row types.Row) []byte {
	size := 8 + 2 + len(row.Symbol) + 8*len(schema.Fields)
	buf := make([]byte, size)

	binary.LittleEndian.PutUint64(buf[0:8], uint64(row.Time))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(row.Symbol)))
	copy(buf[10:], row.Symbol)

	off := 10 + len(row.Symbol)
	for _, field := range schema.Fields {
		v, ok := row.Fields[field]
		bits := math.Float64bits(math.NaN())
		if ok {
			bits = math.Float64bits(v)
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], bits)
		off += 8
	}
	return buf
}

// decodeRowPayload deserializes a row using the schema's column order.
func decodeRowPayload(schema types.Schema, payload []byte) (types.Row, error) {
	if len(payload) < 10 {
		return types.Row{}, fmt.Errorf("segment: payload too short (%d bytes)", len(payload))
	}

	row := types.Row{
		Time: int64(binary.LittleEndian.Uint64(payload[0:8])),
	}
	symLen := int(binary.LittleEndian.Uint16(payload[8:10]))
	if len(payload) != 10+symLen+8*len(schema.Fields) {
		return types.Row{}, fmt.Errorf("segment: payload length %d does not match schema %q", len(payload), schema.Name)
	}
	row.Symbol = string(payload[10 : 10+symLen])

	off := 10 + symLen
	for _, field := range schema.Fields {
		bits := binary.LittleEndian.Uint64(payload[off : off+8])
		off += 8
		v := math.Float64frombits(bits)
		if math.IsNaN(v) {
			continue
		}
		if row.Fields == nil {
			row.Fields = make(map[string]float64, len(schema.Fields))
		}
		row.Fields[field] = v
	}
	return row, nil
}

// segmentWriter appends row frames to a chunk's segment file.
type segmentWriter struct {
	file *os.File
	path string
}

// openSegmentWriter opens (or creates) a segment file for appending.
func openSegmentWriter(path string) (*segmentWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to open %s: %w", path, err)
	}
	return &segmentWriter{file: file, path: path}, nil
}

// append writes one row frame.
func (w *segmentWriter) append(schema types.Schema, row types.Row) error {
	payload := encodeRowPayload(schema, row)

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)

	if _, err := w.file.Write(frame); err != nil {
		return fmt.Errorf("segment: failed to append to %s: %w", w.path, err)
	}
	return nil
}

// sync flushes the segment to disk.
func (w *segmentWriter) sync() error {
	return w.file.Sync()
}

// close closes the underlying file.
func (w *segmentWriter) close() error {
	return w.file.Close()
}

// readSegment loads all rows from a segment file in insertion order. A torn
// trailing frame is logged and dropped; a missing file yields no rows (a
// chunk created without appends has no segment yet).
func readSegment(path string, schema types.Schema) ([]types.Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("segment: failed to read %s: %w", path, err)
	}

	var rows []types.Row
	off := 0
	for off < len(data) {
		row, n, err := readFrame(data[off:], schema)
		if err != nil {
			if errors.Is(err, errTornFrame) {
				log.Printf("chunkstore: truncating torn frame in %s at offset %d", path, off)
				break
			}
			return nil, err
		}
		rows = append(rows, row)
		off += n
	}
	return rows, nil
}

// readFrame decodes one frame, returning the row and bytes consumed.
func readFrame(data []byte, schema types.Schema) (types.Row, int, error) {
	if len(data) < frameHeaderSize {
		return types.Row{}, 0, errTornFrame
	}

	payloadLen := int(binary.LittleEndian.Uint32(data[0:4]))
	checksum := binary.LittleEndian.Uint32(data[4:8])
	if len(data) < frameHeaderSize+payloadLen {
		return types.Row{}, 0, errTornFrame
	}

	payload := data[frameHeaderSize : frameHeaderSize+payloadLen]
	if crc32.ChecksumIEEE(payload) != checksum {
		return types.Row{}, 0, errTornFrame
	}

	row, err := decodeRowPayload(schema, payload)
	if err != nil {
		return types.Row{}, 0, err
	}
	return row, frameHeaderSize + payloadLen, nil
}

// countSegmentRows counts intact frames without decoding payloads fully.
// Used by the startup reconciliation pass to restore row counts.
func countSegmentRows(path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	var count int64
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(file, header); err != nil {
			break
		}
		payloadLen := int64(binary.LittleEndian.Uint32(header[0:4]))
		if _, err := file.Seek(payloadLen, io.SeekCurrent); err != nil {
			break
		}
		count++
	}
	return count, nil
}
