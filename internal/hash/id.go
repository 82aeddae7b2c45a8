package hash

import (
	"github.com/cespare/xxhash/v2"

	"github.com/arloliu/stepmeta/endian"
)

// Seeds of the two xxHash64 lanes that make up a Digest.
const (
	seedLow  uint64 = 0x9E3779B97F4A7C15
	seedHigh uint64 = 0xC2B2AE3D27D4EB4F
)

// Digest is a 128-bit content fingerprint built from two seeded xxHash64 lanes.
type Digest [2]uint64

// Sum128 computes the 128-bit digest of data.
func Sum128(data []byte) Digest {
	d := xxhash.NewWithSeed(seedLow)
	_, _ = d.Write(data)
	lo := d.Sum64()

	d.ResetWithSeed(seedHigh)
	_, _ = d.Write(data)

	return Digest{lo, d.Sum64()}
}

// IsZero reports whether d is the zero digest, used as "no content".
func (d Digest) IsZero() bool {
	return d[0] == 0 && d[1] == 0
}

// Bytes returns the big-endian wire form of the digest.
func (d Digest) Bytes() [16]byte {
	var b [16]byte
	d.Put(b[:])

	return b
}

// Put writes the big-endian wire form of the digest into b, which must hold 16 bytes.
func (d Digest) Put(b []byte) {
	engine := endian.GetBigEndianEngine()
	engine.PutUint64(b[:8], d[0])
	engine.PutUint64(b[8:16], d[1])
}

// FromBytes parses the big-endian wire form written by Put.
func FromBytes(b []byte) Digest {
	engine := endian.GetBigEndianEngine()
	return Digest{engine.Uint64(b[:8]), engine.Uint64(b[8:16])}
}
