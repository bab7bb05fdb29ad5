// codec.go defines the serialized form of both estimators.
//
// Layout
// ======
//
// Every serialized sketch starts with a fixed 16-byte header:
//
//	+------+------+------+-----+-------------------------------+
//	| Bytes| Field       | Size| Notes                         |
//	+------+------+------+-----+-------------------------------+
//	| 0-3  | Magic       | 4   | "CSK1"                        |
//	| 4    | Kind        | 1   | 0 for flat, 1 for packed      |
//	| 5    | Precision   | 1   | bucket exponent b             |
//	| 6-7  | Not Used    | 2   | Reserved, must be zero        |
//	| 8-15 | Cardinality | 8   | Cached estimate (uint64, LE)  |
//	+------+------+------+-----+-------------------------------+
//
// The header is followed by a snappy block (github.com/golang/snappy)
// holding the register body:
//
//   - flat: the raw register array, 2^b bytes.
//   - packed: the dense nibble array ((2^b+1)/2 bytes), a uint32 overflow
//     entry count, then (uint32 index, uint64 value) pairs sorted by index.
//     All integers little-endian.
//
// Register files compress extremely well below saturation (long runs of
// zero nibbles), so the snappy pass typically shrinks a fresh sketch to a
// few dozen bytes regardless of precision.
//
// The header stays uncompressed so stores can type-check a value and read
// its cached estimate without inflating the body.

package hyperloglog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/golang/snappy"
)

const (
	headerSize = 16
	Magic      = "CSK1"
)

// Register layout identifiers as stored in the header's kind byte.
const (
	KindFlat   byte = 0
	KindPacked byte = 1
)

var (
	ErrBadMagic     = errors.New("hyperloglog: magic string not found")
	ErrTruncated    = errors.New("hyperloglog: payload shorter than declared")
	ErrKindMismatch = errors.New("hyperloglog: register layout mismatch")
	ErrUnknownKind  = errors.New("hyperloglog: unknown register layout")
)

// KindName returns the human-readable name of a kind byte, "unknown" for
// anything else.
func KindName(kind byte) string {
	switch kind {
	case KindFlat:
		return "flat"
	case KindPacked:
		return "packed"
	default:
		return "unknown"
	}
}

// ParseKind maps a layout name to its kind byte. Accepts exactly the names
// KindName produces.
func ParseKind(name string) (byte, error) {
	switch name {
	case "flat":
		return KindFlat, nil
	case "packed":
		return KindPacked, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
}

// HasMagic reports whether data starts with a sketch header. Used by stores
// as a cheap type check before committing to a full decode.
func HasMagic(data []byte) bool {
	return len(data) >= headerSize &&
		data[0] == Magic[0] && data[1] == Magic[1] &&
		data[2] == Magic[2] && data[3] == Magic[3]
}

// PeekKind reads the register layout from a serialized sketch without
// decoding the body.
func PeekKind(data []byte) (byte, bool) {
	if !HasMagic(data) {
		return 0, false
	}
	return data[4], true
}

// PeekPrecision reads the bucket exponent from a serialized sketch without
// decoding the body.
func PeekPrecision(data []byte) (int, bool) {
	if !HasMagic(data) {
		return 0, false
	}
	return int(data[5]), true
}

// PeekCardinality reads the cached estimate from a serialized sketch without
// decoding the body.
func PeekCardinality(data []byte) (uint64, bool) {
	if !HasMagic(data) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(data[8:16]), true
}

// encodeHeader writes the fixed header for a sketch of the given kind.
func encodeHeader(kind byte, precision int, cardinality uint64) []byte {
	buffer := make([]byte, headerSize)
	buffer[0] = Magic[0]
	buffer[1] = Magic[1]
	buffer[2] = Magic[2]
	buffer[3] = Magic[3]
	buffer[4] = kind
	buffer[5] = byte(precision)
	binary.LittleEndian.PutUint64(buffer[8:16], cardinality)
	return buffer
}

// decodeHeader validates the header and returns the precision, the cached
// cardinality and the (still compressed) body.
func decodeHeader(data []byte, wantKind byte) (precision int, cardinality uint64, body []byte, err error) {
	if len(data) < headerSize {
		return 0, 0, nil, ErrTruncated
	}
	if !HasMagic(data) {
		return 0, 0, nil, ErrBadMagic
	}
	if data[4] != wantKind {
		if data[4] > KindPacked {
			return 0, 0, nil, ErrUnknownKind
		}
		return 0, 0, nil, fmt.Errorf("%w: have %s, want %s",
			ErrKindMismatch, KindName(data[4]), KindName(wantKind))
	}
	precision = int(data[5])
	cardinality = binary.LittleEndian.Uint64(data[8:16])
	return precision, cardinality, data[headerSize:], nil
}

// Serialize encodes the sketch as header + compressed register body.
func (f *Flat[K]) Serialize() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := encodeHeader(KindFlat, f.precision, f.cardinality)
	return append(out, snappy.Encode(nil, f.registers)...)
}

// DeserializeFlat rebuilds a flat estimator from Serialize output. The hash
// oracle is not part of the serialized form and must be supplied by the
// caller; feeding a different oracle than the one that built the sketch
// silently degrades the estimate, so stores should pin one oracle per
// deployment.
func DeserializeFlat[K any](data []byte, hash Oracle[K]) (*Flat[K], error) {
	precision, cardinality, body, err := decodeHeader(data, KindFlat)
	if err != nil {
		return nil, err
	}

	registers, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("hyperloglog: decompress registers: %w", err)
	}
	if len(registers) != 1<<precision {
		return nil, ErrTruncated
	}

	return &Flat[K]{
		registers:   registers,
		cardinality: cardinality,
		precision:   precision,
		hash:        hash,
	}, nil
}

// Serialize encodes the sketch as header + compressed register body.
func (p *Packed[K]) Serialize() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw := make([]byte, 0, len(p.dense)+4+12*len(p.overflow))
	raw = append(raw, p.dense...)
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(p.overflow)))

	// Map iteration order is random; sort the indexes so identical register
	// states serialize to identical bytes.
	indexes := make([]uint64, 0, len(p.overflow))
	for idx := range p.overflow {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, idx := range indexes {
		raw = binary.LittleEndian.AppendUint32(raw, uint32(idx))
		raw = binary.LittleEndian.AppendUint64(raw, p.overflow[idx])
	}

	out := encodeHeader(KindPacked, p.precision, p.cardinality)
	return append(out, snappy.Encode(nil, raw)...)
}

// DeserializePacked rebuilds a packed estimator from Serialize output. See
// DeserializeFlat for the oracle caveat.
func DeserializePacked[K any](data []byte, hash Oracle[K]) (*Packed[K], error) {
	precision, cardinality, body, err := decodeHeader(data, KindPacked)
	if err != nil {
		return nil, err
	}

	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("hyperloglog: decompress registers: %w", err)
	}

	m := 1 << precision
	denseLen := (m + 1) / 2
	if len(raw) < denseLen+4 {
		return nil, ErrTruncated
	}

	dense := make([]byte, denseLen)
	copy(dense, raw[:denseLen])

	entries := binary.LittleEndian.Uint32(raw[denseLen : denseLen+4])
	rest := raw[denseLen+4:]
	if uint64(len(rest)) < uint64(entries)*12 {
		return nil, ErrTruncated
	}

	overflow := make(map[uint64]uint64, entries)
	for i := uint32(0); i < entries; i++ {
		off := int(i) * 12
		idx := uint64(binary.LittleEndian.Uint32(rest[off : off+4]))
		overflow[idx] = binary.LittleEndian.Uint64(rest[off+4 : off+12])
	}

	return &Packed[K]{
		dense:       dense,
		overflow:    overflow,
		cardinality: cardinality,
		precision:   precision,
		hash:        hash,
	}, nil
}
