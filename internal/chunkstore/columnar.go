package chunkstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/golang/snappy"

	"github.com/tickvault/tickvault/internal/bloom"
	"github.com/tickvault/tickvault/pkg/types"
)

// Columnar block layout, little-endian:
//
//	magic "TVB1" | version u8 | rowCount u32 | fieldCount u16
//	fieldCount * (nameLen u16 | name)
//	bloomLen u32 | bloom bytes
//	3 sections, each [compLen u32 | snappy bytes]:
//	  timestamps: delta-encoded signed varints (insertion order)
//	  symbols:    dict count u32, dict entries (len u16 | bytes),
//	              then one uvarint dict index per row
//	  values:     column-major float64 bits, one column per schema field
//	crc32 u32 over all preceding bytes
//
// Rows keep insertion order inside the block so the scan tie-break for
// equal timestamps is identical before and after compression. Encoding is
// lossless: float bits round-trip exactly, absent fields stay absent (NaN
// bits).

const (
	blockMagic   = "TVB1"
	blockVersion = 1
)

// ErrCorruptBlock reports a checksum or structural decode failure. Callers
// surface it as StorageCorruption; it is fatal for the chunk.
type ErrCorruptBlock struct {
	Reason string
}

func (e *ErrCorruptBlock) Error() string {
	return fmt.Sprintf("corrupt columnar block: %s", e.Reason)
}

func corrupt(format string, args ...interface{}) error {
	return &ErrCorruptBlock{Reason: fmt.Sprintf(format, args...)}
}

// EncodeBlock encodes rows (in insertion order) into a columnar block.
func EncodeBlock(schema types.Schema, rows []types.Row) ([]byte, error) {
	// Header with embedded schema for self-description.
	var buf []byte
	buf = append(buf, blockMagic...)
	buf = append(buf, blockVersion)
	buf = appendUint32(buf, uint32(len(rows)))
	buf = appendUint16(buf, uint16(len(schema.Fields)))
	for _, field := range schema.Fields {
		buf = appendUint16(buf, uint16(len(field)))
		buf = append(buf, field...)
	}

	// Symbol bloom filter.
	symbols := make(map[string]uint32)
	var dict []string
	for _, row := range rows {
		if _, ok := symbols[row.Symbol]; !ok {
			symbols[row.Symbol] = uint32(len(dict))
			dict = append(dict, row.Symbol)
		}
	}
	filter := bloom.NewWithEstimates(len(dict), 0.01)
	for _, sym := range dict {
		filter.Add(sym)
	}
	filterBytes := filter.Marshal()
	buf = appendUint32(buf, uint32(len(filterBytes)))
	buf = append(buf, filterBytes...)

	// Section 1: delta-varint timestamps.
	ts := make([]byte, 0, len(rows)*2)
	var prev int64
	for _, row := range rows {
		ts = binary.AppendVarint(ts, row.Time-prev)
		prev = row.Time
	}
	buf = appendSection(buf, ts)

	// Section 2: symbol dictionary + per-row indices.
	sym := appendUint32(nil, uint32(len(dict)))
	for _, s := range dict {
		sym = appendUint16(sym, uint16(len(s)))
		sym = append(sym, s...)
	}
	for _, row := range rows {
		sym = binary.AppendUvarint(sym, uint64(symbols[row.Symbol]))
	}
	buf = appendSection(buf, sym)

	// Section 3: column-major float64 bits; NaN marks an absent field.
	vals := make([]byte, 0, 8*len(rows)*len(schema.Fields))
	for _, field := range schema.Fields {
		for _, row := range rows {
			v, ok := row.Fields[field]
			bits := math.Float64bits(math.NaN())
			if ok {
				bits = math.Float64bits(v)
			}
			vals = appendUint64(vals, bits)
		}
	}
	buf = appendSection(buf, vals)

	// Trailing checksum over everything so far.
	buf = appendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf, nil
}

// DecodeBlockFilter reads only the header and bloom filter of a block.
func DecodeBlockFilter(data []byte) (*bloom.Filter, error) {
	r, err := newBlockReader(data)
	if err != nil {
		return nil, err
	}
	return r.filter, nil
}

// DecodeBlock decodes a block back into rows in insertion order. If symbol
// is non-empty, the bloom filter may be used to skip decoding entirely and
// only matching rows are returned.
func DecodeBlock(data []byte, symbol string) ([]types.Row, error) {
	r, err := newBlockReader(data)
	if err != nil {
		return nil, err
	}

	if symbol != "" && !r.filter.Contains(symbol) {
		return nil, nil
	}

	// Section 1: timestamps.
	tsData, err := r.section()
	if err != nil {
		return nil, err
	}
	times := make([]int64, r.rowCount)
	var prev int64
	off := 0
	for i := 0; i < r.rowCount; i++ {
		delta, n := binary.Varint(tsData[off:])
		if n <= 0 {
			return nil, corrupt("bad timestamp varint at row %d", i)
		}
		off += n
		prev += delta
		times[i] = prev
	}

	// Section 2: symbols.
	symData, err := r.section()
	if err != nil {
		return nil, err
	}
	if len(symData) < 4 {
		return nil, corrupt("symbol section too short")
	}
	dictCount := int(binary.LittleEndian.Uint32(symData[0:4]))
	off = 4
	dict := make([]string, dictCount)
	for i := 0; i < dictCount; i++ {
		if off+2 > len(symData) {
			return nil, corrupt("truncated symbol dictionary")
		}
		n := int(binary.LittleEndian.Uint16(symData[off : off+2]))
		off += 2
		if off+n > len(symData) {
			return nil, corrupt("truncated symbol dictionary entry")
		}
		dict[i] = string(symData[off : off+n])
		off += n
	}
	symIdx := make([]int, r.rowCount)
	for i := 0; i < r.rowCount; i++ {
		idx, n := binary.Uvarint(symData[off:])
		if n <= 0 || int(idx) >= dictCount {
			return nil, corrupt("bad symbol index at row %d", i)
		}
		off += n
		symIdx[i] = int(idx)
	}

	// Section 3: values.
	valData, err := r.section()
	if err != nil {
		return nil, err
	}
	if len(valData) != 8*r.rowCount*len(r.fields) {
		return nil, corrupt("value section length %d does not match %d rows", len(valData), r.rowCount)
	}

	rows := make([]types.Row, 0, r.rowCount)
	for i := 0; i < r.rowCount; i++ {
		sym := dict[symIdx[i]]
		if symbol != "" && sym != symbol {
			continue
		}
		row := types.Row{Time: times[i], Symbol: sym}
		for f := range r.fields {
			bits := binary.LittleEndian.Uint64(valData[8*(f*r.rowCount+i):])
			v := math.Float64frombits(bits)
			if math.IsNaN(v) {
				continue
			}
			if row.Fields == nil {
				row.Fields = make(map[string]float64, len(r.fields))
			}
			row.Fields[r.fields[f]] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// blockReader validates framing and walks a block's sections.
type blockReader struct {
	data     []byte
	off      int
	rowCount int
	fields   []string
	filter   *bloom.Filter
}

func newBlockReader(data []byte) (*blockReader, error) {
	if len(data) < len(blockMagic)+1+4+2+4 {
		return nil, corrupt("block too short (%d bytes)", len(data))
	}
	if string(data[:4]) != blockMagic {
		return nil, corrupt("bad magic %q", data[:4])
	}

	// Verify the trailing checksum before trusting any structure.
	body := data[:len(data)-4]
	want := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != want {
		return nil, corrupt("checksum mismatch")
	}

	r := &blockReader{data: body, off: 4}
	version := r.data[r.off]
	r.off++
	if version != blockVersion {
		return nil, corrupt("unsupported version %d", version)
	}

	rowCount, err := r.uint32()
	if err != nil {
		return nil, err
	}
	r.rowCount = int(rowCount)

	fieldCount, err := r.uint16()
	if err != nil {
		return nil, err
	}
	r.fields = make([]string, fieldCount)
	for i := range r.fields {
		n, err := r.uint16()
		if err != nil {
			return nil, err
		}
		if r.off+int(n) > len(r.data) {
			return nil, corrupt("truncated field name")
		}
		r.fields[i] = string(r.data[r.off : r.off+int(n)])
		r.off += int(n)
	}

	bloomLen, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if r.off+int(bloomLen) > len(r.data) {
		return nil, corrupt("truncated bloom filter")
	}
	r.filter, err = bloom.Unmarshal(r.data[r.off : r.off+int(bloomLen)])
	if err != nil {
		return nil, corrupt("bad bloom filter: %v", err)
	}
	r.off += int(bloomLen)

	return r, nil
}

func (r *blockReader) uint16() (uint16, error) {
	if r.off+2 > len(r.data) {
		return 0, corrupt("truncated header")
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *blockReader) uint32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, corrupt("truncated header")
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

// section decompresses the next snappy section.
func (r *blockReader) section() ([]byte, error) {
	compLen, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if r.off+int(compLen) > len(r.data) {
		return nil, corrupt("truncated section")
	}
	comp := r.data[r.off : r.off+int(compLen)]
	r.off += int(compLen)

	out, err := snappy.Decode(nil, comp)
	if err != nil {
		return nil, corrupt("snappy decode failed: %v", err)
	}
	return out, nil
}

func appendSection(buf, payload []byte) []byte {
	comp := snappy.Encode(nil, payload)
	buf = appendUint32(buf, uint32(len(comp)))
	return append(buf, comp...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
