package bloom

import (
	"encoding/binary"
	"fmt"
)

// Serialized layout, little-endian:
//   - 8 bytes: numBits
//   - 8 bytes: numHashes
//   - 8 bytes: count
//   - remaining: bit array as []uint64

const headerSize = 3 * 8

// Marshal serializes the filter for embedding in a block header.
func (f *Filter) Marshal() []byte {
	buf := make([]byte, headerSize+len(f.bits)*8)
	binary.LittleEndian.PutUint64(buf[0:8], f.numBits)
	binary.LittleEndian.PutUint64(buf[8:16], f.numHashes)
	binary.LittleEndian.PutUint64(buf[16:24], f.count)
	for i, word := range f.bits {
		binary.LittleEndian.PutUint64(buf[headerSize+i*8:], word)
	}
	return buf
}

// Unmarshal reconstructs a filter from its serialized form.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("bloom: serialized filter too short (%d bytes)", len(data))
	}

	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHashes := binary.LittleEndian.Uint64(data[8:16])
	count := binary.LittleEndian.Uint64(data[16:24])

	if numBits == 0 || numBits%64 != 0 {
		return nil, fmt.Errorf("bloom: invalid bit count %d", numBits)
	}
	numWords := int(numBits / 64)
	if len(data) != headerSize+numWords*8 {
		return nil, fmt.Errorf("bloom: serialized length %d does not match %d bits", len(data), numBits)
	}
	if numHashes == 0 || numHashes > 64 {
		return nil, fmt.Errorf("bloom: invalid hash count %d", numHashes)
	}

	f := &Filter{
		bits:      make([]uint64, numWords),
		numBits:   numBits,
		numHashes: numHashes,
		count:     count,
	}
	for i := range f.bits {
		f.bits[i] = binary.LittleEndian.Uint64(data[headerSize+i*8:])
	}
	return f, nil
}
