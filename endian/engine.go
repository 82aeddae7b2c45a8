// Package endian provides byte order utilities for the encoded metadata blocks.
//
// Every encoded record carries a one-bit byte-order flag. Writers encode in
// the order selected by their EndianEngine and readers convert multi-byte
// values back when the flag differs from the order they expect.
//
// # Basic Usage
//
//	engine := endian.GetLittleEndianEngine()
//	flag := endian.Flag(engine)          // stored in the block header
//	reader := endian.EngineForFlag(flag) // recovered on the read side
//
// # Thread Safety
//
// All functions in this package are safe for concurrent use.
// The returned EndianEngine instances are immutable and stateless.
package endian

import "encoding/binary"

// FlagBigEndian is the block header bit marking big-endian encoded values.
const FlagBigEndian byte = 0x01

// EndianEngine combines ByteOrder and AppendByteOrder interfaces from encoding/binary
// into a single interface for convenient byte order operations.
type EndianEngine interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// GetLittleEndianEngine returns the little-endian engine.
func GetLittleEndianEngine() EndianEngine {
	return binary.LittleEndian
}

// GetBigEndianEngine returns the big-endian engine.
func GetBigEndianEngine() EndianEngine {
	return binary.BigEndian
}

// IsBigEndian reports whether engine encodes big-endian.
func IsBigEndian(engine EndianEngine) bool {
	return engine == binary.BigEndian
}

// Flag returns the block header flags byte for the given engine.
func Flag(engine EndianEngine) byte {
	if IsBigEndian(engine) {
		return FlagBigEndian
	}

	return 0
}

// EngineForFlag returns the engine that decodes a block with the given flags byte.
func EngineForFlag(flags byte) EndianEngine {
	if flags&FlagBigEndian != 0 {
		return binary.BigEndian
	}

	return binary.LittleEndian
}

// SwapInPlace reverses the byte order of every unit-sized value in data.
//
// A unit of 1 or less, or a data length that is not a multiple of unit,
// leaves data unchanged.
func SwapInPlace(data []byte, unit int) {
	if unit <= 1 || len(data)%unit != 0 {
		return
	}

	for off := 0; off < len(data); off += unit {
		v := data[off : off+unit]
		for i, j := 0, unit-1; i < j; i, j = i+1, j-1 {
			v[i], v[j] = v[j], v[i]
		}
	}
}
