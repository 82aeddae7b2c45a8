// Package schema implements the structured-encoding service used for
// per-timestep metadata and attribute records.
//
// A Schema is an ordered list of named, typed fields. Its identity (ID) is a
// 128-bit digest of its canonical body, so any two processes that build the
// same field list agree on the ID without exchanging the body. Readers that
// see an unknown ID must be taught the body (see Registry.Learn) before the
// block can be decoded.
//
// # Wire Format
//
// Schema body:
//
//	uvarint len | name | uvarint fieldCount |
//	  per field: uvarint len | name | type | uvarint elemSize | kind |
//	             uvarint fixedLen | uvarint lenField+1
//
// Encoded record:
//
//	16-byte ID | flags | field values...
//
// Scalars are ElemSize bytes in the block byte order, strings are uvarint
// length prefixed. Arrays start with a presence byte (0 = absent) followed by
// their elements; the element count is FixedLen or the value of the LenField
// scalar that precedes the array.
package schema

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/multierr"

	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/format"
	"github.com/arloliu/stepmeta/internal/hash"
)

// ID is the content-derived identity of a schema.
type ID = hash.Digest

// FieldKind classifies how a field is laid out in a record.
type FieldKind uint8

const (
	KindScalar     FieldKind = 0x0 // KindScalar is a single value.
	KindFixedArray FieldKind = 0x1 // KindFixedArray holds FixedLen elements.
	KindVarArray   FieldKind = 0x2 // KindVarArray holds as many elements as its LenField says.
)

func (k FieldKind) String() string {
	switch k {
	case KindScalar:
		return "Scalar"
	case KindFixedArray:
		return "FixedArray"
	case KindVarArray:
		return "VarArray"
	default:
		return "Unknown"
	}
}

// Field describes one field of a schema.
type Field struct {
	Name     string
	Type     format.DataType
	ElemSize int
	Kind     FieldKind
	// FixedLen is the element count of a KindFixedArray field.
	FixedLen int
	// LenField is the index of the integer scalar holding the element count
	// of a KindVarArray field. It must precede the array.
	LenField int
}

// IsIntArray reports whether the field is an array of 64-bit integers.
// Such arrays are held in Value.Ints.
func (f Field) IsIntArray() bool {
	return f.Kind != KindScalar && (f.Type == format.TypeInt64 || f.Type == format.TypeUint64)
}

func (f Field) isLenSource() bool {
	if f.Kind != KindScalar {
		return false
	}
	switch f.Type {
	case format.TypeInt8, format.TypeInt16, format.TypeInt32, format.TypeInt64,
		format.TypeUint8, format.TypeUint16, format.TypeUint32, format.TypeUint64:
		return true
	default:
		return false
	}
}

// Block is a schema identity paired with its body, the unit exchanged between
// writers and readers.
type Block struct {
	ID   ID
	Body []byte
}

// Schema is an immutable, validated field list.
type Schema struct {
	name   string
	fields []Field
	body   []byte
	id     ID
}

// New validates a field list and builds a schema from a copy of it.
//
// Parameters:
//   - name: Record name, part of the identity ("MetaData", "Attributes", ...)
//   - fields: Ordered field list
//
// Returns:
//   - *Schema: The schema with its identity computed
//   - error: errs.ErrInvalidSchema describing every invalid field
func New(name string, fields []Field) (*Schema, error) {
	s := &Schema{
		name:   name,
		fields: append([]Field(nil), fields...),
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	s.body = s.appendBody(nil)
	s.id = hash.Sum128(s.body)

	return s, nil
}

func (s *Schema) validate() error {
	var err error
	if len(s.fields) == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: schema %q has no fields", errs.ErrInvalidSchema, s.name))
	}

	seen := make(map[string]struct{}, len(s.fields))
	for i, f := range s.fields {
		if f.Name == "" {
			err = multierr.Append(err, fmt.Errorf("%w: field %d has no name", errs.ErrInvalidSchema, i))
		}
		if _, dup := seen[f.Name]; dup {
			err = multierr.Append(err, fmt.Errorf("%w: duplicate field %q", errs.ErrInvalidSchema, f.Name))
		}
		seen[f.Name] = struct{}{}

		if !f.Type.Valid() {
			err = multierr.Append(err, fmt.Errorf("%w: field %q has invalid type %d", errs.ErrInvalidSchema, f.Name, f.Type))
		} else if f.Type != format.TypeString && f.ElemSize != f.Type.Size() {
			err = multierr.Append(err, fmt.Errorf("%w: field %q element size %d does not match %s",
				errs.ErrInvalidSchema, f.Name, f.ElemSize, f.Type))
		}

		switch f.Kind {
		case KindScalar:
		case KindFixedArray:
			if f.FixedLen < 0 {
				err = multierr.Append(err, fmt.Errorf("%w: field %q has negative length", errs.ErrInvalidSchema, f.Name))
			}
		case KindVarArray:
			if f.LenField < 0 || f.LenField >= i || !s.fields[f.LenField].isLenSource() {
				err = multierr.Append(err, fmt.Errorf("%w: field %q has invalid length field %d",
					errs.ErrInvalidSchema, f.Name, f.LenField))
			}
		default:
			err = multierr.Append(err, fmt.Errorf("%w: field %q has unknown kind %d", errs.ErrInvalidSchema, f.Name, f.Kind))
		}
	}

	return err
}

// Name returns the record name.
func (s *Schema) Name() string { return s.name }

// ID returns the content-derived identity.
func (s *Schema) ID() ID { return s.id }

// Body returns the canonical body. It must not be modified.
func (s *Schema) Body() []byte { return s.body }

// NumFields returns the number of fields.
func (s *Schema) NumFields() int { return len(s.fields) }

// Field returns field i.
func (s *Schema) Field(i int) Field { return s.fields[i] }

// Fields returns the field list. It must not be modified.
func (s *Schema) Fields() []Field { return s.fields }

// Block returns the identity/body pair of the schema.
func (s *Schema) Block() Block {
	return Block{ID: s.id, Body: s.body}
}

// FieldIndex returns the index of the named field, or -1.
func (s *Schema) FieldIndex(name string) int {
	for i := range s.fields {
		if s.fields[i].Name == name {
			return i
		}
	}

	return -1
}

func (s *Schema) appendBody(dst []byte) []byte {
	dst = appendString(dst, s.name)
	dst = binary.AppendUvarint(dst, uint64(len(s.fields)))
	for _, f := range s.fields {
		dst = appendString(dst, f.Name)
		dst = append(dst, byte(f.Type))
		dst = binary.AppendUvarint(dst, uint64(f.ElemSize))
		dst = append(dst, byte(f.Kind))
		dst = binary.AppendUvarint(dst, uint64(f.FixedLen))
		dst = binary.AppendUvarint(dst, uint64(f.LenField+1))
	}

	return dst
}

// Parse rebuilds a schema from its canonical body.
func Parse(body []byte) (*Schema, error) {
	r := reader{data: body}

	name := r.string()
	n := r.uvarint()
	if r.err != nil || n > uint64(len(body)) {
		return nil, fmt.Errorf("%w: truncated schema body", errs.ErrInvalidSchema)
	}

	fields := make([]Field, 0, n)
	for range n {
		var f Field
		f.Name = r.string()
		f.Type = format.DataType(r.byte())
		f.ElemSize = int(r.uvarint())
		f.Kind = FieldKind(r.byte())
		f.FixedLen = int(r.uvarint())
		f.LenField = int(r.uvarint()) - 1
		if r.err != nil {
			return nil, fmt.Errorf("%w: truncated schema body", errs.ErrInvalidSchema)
		}
		fields = append(fields, f)
	}

	if r.pos != len(body) {
		return nil, fmt.Errorf("%w: %d trailing bytes in schema body", errs.ErrInvalidSchema, len(body)-r.pos)
	}

	return New(name, fields)
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// reader is a sticky-error cursor over a byte slice.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = errs.ErrInvalidBlock
	}
}

func (r *reader) byte() byte {
	if r.err != nil || r.pos >= len(r.data) {
		r.fail()
		return 0
	}
	b := r.data[r.pos]
	r.pos++

	return b
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		r.fail()
		return 0
	}
	r.pos += n

	return v
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil || n < 0 || n > len(r.data)-r.pos {
		r.fail()
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n

	return b
}

func (r *reader) string() string {
	n := r.uvarint()
	if n > uint64(len(r.data)) {
		r.fail()
		return ""
	}

	return string(r.bytes(int(n)))
}
