package schema

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/format"
)

// Value holds the content of one record field.
//
// Exactly one member is used, chosen by the field:
//   - Raw: numeric scalars (ElemSize bytes) and numeric arrays other than
//     64-bit integers, little-endian, elements packed
//   - Str: string scalars
//   - Ints: arrays of 64-bit integers
//   - Strs: string arrays
//
// A nil array member means the array is absent, which is distinct from a
// present array with zero elements.
type Value struct {
	Raw  []byte
	Str  string
	Ints []uint64
	Strs []string
}

// Record is a decoded or to-be-encoded instance of a schema.
type Record struct {
	Schema *Schema
	Values []Value
}

// NewRecord creates a zeroed record for s.
func NewRecord(s *Schema) *Record {
	return &Record{
		Schema: s,
		Values: make([]Value, s.NumFields()),
	}
}

// Uint returns field i interpreted as an unsigned little-endian integer.
// Missing or short values read as zero.
func (r *Record) Uint(i int) uint64 {
	return leUint(r.Values[i].Raw)
}

// SetUint stores v into field i using the field's element size.
func (r *Record) SetUint(i int, v uint64) {
	size := r.Schema.Field(i).ElemSize
	raw := r.Values[i].Raw
	if len(raw) != size {
		raw = make([]byte, size)
	}
	putLEUint(raw, v)
	r.Values[i].Raw = raw
}

// Present reports whether array field i is present.
func (r *Record) Present(i int) bool {
	v := &r.Values[i]
	return v.Raw != nil || v.Ints != nil || v.Strs != nil
}

// elemCount returns the number of elements held by an array value.
func (v *Value) elemCount(f Field) int {
	switch {
	case f.Type == format.TypeString:
		return len(v.Strs)
	case f.IsIntArray():
		return len(v.Ints)
	case f.ElemSize > 0:
		return len(v.Raw) / f.ElemSize
	default:
		return 0
	}
}

// expectedCount returns the element count the schema requires for array field i.
func (r *Record) expectedCount(i int) (int, error) {
	f := r.Schema.Field(i)
	if f.Kind == KindFixedArray {
		return f.FixedLen, nil
	}

	n := r.Uint(f.LenField)
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: field %q length %d", errs.ErrInvalidBlock, f.Name, n)
	}

	return int(n), nil
}

// Uint64sToBytes packs values as little-endian 8-byte elements.
func Uint64sToBytes(vals []uint64) []byte {
	if vals == nil {
		return nil
	}
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[8*i:], v)
	}

	return out
}

// BytesToUint64s unpacks little-endian 8-byte elements. Trailing bytes are ignored.
func BytesToUint64s(data []byte) []uint64 {
	if data == nil {
		return nil
	}
	out := make([]uint64, len(data)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(data[8*i:])
	}

	return out
}

// Int64Bytes returns the little-endian encoding of v.
func Int64Bytes(v int64) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(v))
}

func leUint(raw []byte) uint64 {
	var v uint64
	for i := len(raw) - 1; i >= 0; i-- {
		v = v<<8 | uint64(raw[i])
	}

	return v
}

func putLEUint(raw []byte, v uint64) {
	for i := range raw {
		raw[i] = byte(v)
		v >>= 8
	}
}
