// Package rawblock provides the byte-level helpers the rest of the
// indexer builds on: var-int decoding, double-SHA256, and pulling a
// script's watch-address hash out of a raw output script. Nothing here
// keeps state; every function is a pure transform over a byte slice.
package rawblock

import "encoding/binary"

// VarInt decodes a Bitcoin var_int from the head of b, returning the
// value and the number of bytes it occupied. It returns (0, 0) if b is
// too short to hold the encoded value.
func VarInt(b []byte) (value uint64, size int) {
	if len(b) == 0 {
		return 0, 0
	}
	switch b[0] {
	case 0xfd:
		if len(b) < 3 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3
	case 0xfe:
		if len(b) < 5 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint32(b[1:5])), 5
	case 0xff:
		if len(b) < 9 {
			return 0, 0
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9
	default:
		return uint64(b[0]), 1
	}
}

// VarIntSize returns how many bytes PutVarInt would need to encode v.
func VarIntSize(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

// PutVarInt encodes v into b (which must be at least VarIntSize(v)
// bytes) and returns the number of bytes written.
func PutVarInt(b []byte, v uint64) int {
	switch {
	case v < 0xfd:
		b[0] = byte(v)
		return 1
	case v <= 0xffff:
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:3], uint16(v))
		return 3
	case v <= 0xffffffff:
		b[0] = 0xfe
		binary.LittleEndian.PutUint32(b[1:5], uint32(v))
		return 5
	default:
		b[0] = 0xff
		binary.LittleEndian.PutUint64(b[1:9], v)
		return 9
	}
}
