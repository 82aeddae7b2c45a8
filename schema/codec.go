package schema

import (
	"fmt"

	"github.com/arloliu/stepmeta/endian"
	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/format"
	"github.com/arloliu/stepmeta/internal/hash"
	"github.com/arloliu/stepmeta/internal/options"
)

// HeaderSize is the size of the identity and flags prefix of an encoded record.
const HeaderSize = 17

// Codec is the structured-encoding service consumed by the marshaler and
// the installer.
type Codec interface {
	// Register makes s known for encoding and decoding and returns its identity.
	Register(s *Schema) ID
	// Learn parses a schema body received from a writer and registers it.
	Learn(body []byte) (ID, error)
	// Lookup returns the schema registered under id.
	Lookup(id ID) (*Schema, bool)
	// IdentifyBlock returns the schema identity stored in an encoded record.
	IdentifyBlock(block []byte) (ID, error)
	// HasConversion reports whether a decode plan for id is already established.
	HasConversion(id ID) bool
	// EstablishConversion prepares decoding of records of a known schema.
	EstablishConversion(id ID) error
	// AppendEncode encodes rec and appends it to dst.
	AppendEncode(dst []byte, rec *Record) ([]byte, error)
	// Decode decodes an encoded record into a fresh Record.
	Decode(block []byte) (*Record, error)
}

// conversion is the per-schema decode plan.
type conversion struct {
	schema *Schema
	// units holds the byte-order unit of each field, 0 for strings.
	units []int
}

// Registry is the in-process Codec implementation.
//
// A Registry is not safe for concurrent use.
type Registry struct {
	engine      endian.EndianEngine
	schemas     map[ID]*Schema
	conversions map[ID]*conversion
}

var _ Codec = (*Registry)(nil)

// RegistryOption configures a Registry.
type RegistryOption = options.Option[*Registry]

// WithEngine selects the byte order used when encoding. Decoding always
// honors the byte order recorded in each block.
func WithEngine(engine endian.EndianEngine) RegistryOption {
	return options.New(func(r *Registry) error {
		if engine == nil {
			return fmt.Errorf("%w: nil byte order engine", errs.ErrInvalidSchema)
		}
		r.engine = engine

		return nil
	})
}

// NewRegistry creates an empty registry encoding little-endian by default.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		engine:      endian.GetLittleEndianEngine(),
		schemas:     make(map[ID]*Schema),
		conversions: make(map[ID]*conversion),
	}

	if err := options.Apply(r, opts...); err != nil {
		return nil, err
	}

	return r, nil
}

// Register makes s known and returns its identity.
func (r *Registry) Register(s *Schema) ID {
	if _, ok := r.schemas[s.ID()]; !ok {
		r.schemas[s.ID()] = s
	}

	return s.ID()
}

// Learn parses body and registers the resulting schema.
func (r *Registry) Learn(body []byte) (ID, error) {
	if s, ok := r.schemas[hash.Sum128(body)]; ok {
		return s.ID(), nil
	}

	s, err := Parse(body)
	if err != nil {
		return ID{}, err
	}

	return r.Register(s), nil
}

// Lookup returns the schema registered under id.
func (r *Registry) Lookup(id ID) (*Schema, bool) {
	s, ok := r.schemas[id]
	return s, ok
}

// IdentifyBlock returns the schema identity stored in block.
func (r *Registry) IdentifyBlock(block []byte) (ID, error) {
	if len(block) < HeaderSize {
		return ID{}, fmt.Errorf("%w: %d byte block is shorter than its header", errs.ErrInvalidBlock, len(block))
	}

	return hash.FromBytes(block[:16]), nil
}

// HasConversion reports whether a decode plan for id exists.
func (r *Registry) HasConversion(id ID) bool {
	_, ok := r.conversions[id]
	return ok
}

// EstablishConversion builds the decode plan of a registered schema.
func (r *Registry) EstablishConversion(id ID) error {
	if _, ok := r.conversions[id]; ok {
		return nil
	}

	s, ok := r.schemas[id]
	if !ok {
		return fmt.Errorf("%w: %x", errs.ErrUnknownSchema, id.Bytes())
	}

	conv := &conversion{schema: s, units: make([]int, s.NumFields())}
	for i, f := range s.Fields() {
		if f.Type != format.TypeString {
			conv.units[i] = f.Type.SwapUnit()
		}
	}
	r.conversions[id] = conv

	return nil
}

// AppendEncode encodes rec in the registry byte order and appends it to dst.
//
// The record schema is registered if needed. Returns errs.ErrRecordMismatch
// when a value does not fit its field.
func (r *Registry) AppendEncode(dst []byte, rec *Record) ([]byte, error) {
	s := rec.Schema
	if s == nil || len(rec.Values) != s.NumFields() {
		return dst, fmt.Errorf("%w: value count does not match schema", errs.ErrRecordMismatch)
	}
	r.Register(s)

	swap := endian.IsBigEndian(r.engine)
	id := s.ID().Bytes()
	dst = append(dst, id[:]...)
	dst = append(dst, endian.Flag(r.engine))

	for i, f := range s.Fields() {
		v := &rec.Values[i]

		if f.Kind == KindScalar {
			if f.Type == format.TypeString {
				dst = appendString(dst, v.Str)
				continue
			}
			if v.Raw != nil && len(v.Raw) != f.ElemSize {
				return dst, fmt.Errorf("%w: field %q holds %d bytes, want %d",
					errs.ErrRecordMismatch, f.Name, len(v.Raw), f.ElemSize)
			}
			dst = appendRaw(dst, v.Raw, f.ElemSize, f.Type.SwapUnit(), swap)

			continue
		}

		if !rec.Present(i) {
			dst = append(dst, 0)
			continue
		}

		want, err := rec.expectedCount(i)
		if err != nil {
			return dst, err
		}
		if got := v.elemCount(f); got != want {
			return dst, fmt.Errorf("%w: field %q holds %d elements, want %d",
				errs.ErrRecordMismatch, f.Name, got, want)
		}

		dst = append(dst, 1)
		switch {
		case f.Type == format.TypeString:
			for _, str := range v.Strs {
				dst = appendString(dst, str)
			}
		case f.IsIntArray():
			for _, n := range v.Ints {
				dst = r.engine.AppendUint64(dst, n)
			}
		default:
			if len(v.Raw) != want*f.ElemSize {
				return dst, fmt.Errorf("%w: field %q holds %d bytes, want %d",
					errs.ErrRecordMismatch, f.Name, len(v.Raw), want*f.ElemSize)
			}
			dst = appendRaw(dst, v.Raw, len(v.Raw), f.Type.SwapUnit(), swap)
		}
	}

	return dst, nil
}

// appendRaw appends size bytes of little-endian data, zero filled when data is
// nil, converted to big-endian when swap is set.
func appendRaw(dst, data []byte, size, unit int, swap bool) []byte {
	start := len(dst)
	if data == nil {
		dst = append(dst, make([]byte, size)...)
	} else {
		dst = append(dst, data...)
	}
	if swap {
		endian.SwapInPlace(dst[start:], unit)
	}

	return dst
}

// Decode decodes block into a fresh record.
//
// Trailing bytes after the last field are ignored so that alignment padding
// added by transports is harmless. Returns errs.ErrUnknownSchema when the
// block identity is not registered.
func (r *Registry) Decode(block []byte) (*Record, error) {
	id, err := r.IdentifyBlock(block)
	if err != nil {
		return nil, err
	}

	if err := r.EstablishConversion(id); err != nil {
		return nil, err
	}
	conv := r.conversions[id]
	s := conv.schema

	engine := endian.EngineForFlag(block[16])
	swap := endian.IsBigEndian(engine)
	rd := reader{data: block, pos: HeaderSize}
	rec := NewRecord(s)

	for i, f := range s.Fields() {
		v := &rec.Values[i]

		if f.Kind == KindScalar {
			if f.Type == format.TypeString {
				v.Str = rd.string()
			} else {
				v.Raw = copyRaw(rd.bytes(f.ElemSize), conv.units[i], swap)
			}

			continue
		}

		if rd.byte() == 0 {
			continue
		}

		n, err := rec.expectedCount(i)
		if err != nil {
			return nil, err
		}
		if n > len(block) {
			return nil, fmt.Errorf("%w: field %q claims %d elements", errs.ErrInvalidBlock, f.Name, n)
		}

		switch {
		case f.Type == format.TypeString:
			v.Strs = make([]string, n)
			for j := range v.Strs {
				v.Strs[j] = rd.string()
			}
		case f.IsIntArray():
			raw := rd.bytes(8 * n)
			if rd.err != nil {
				break
			}
			v.Ints = make([]uint64, n)
			for j := range v.Ints {
				v.Ints[j] = engine.Uint64(raw[8*j:])
			}
		default:
			v.Raw = copyRaw(rd.bytes(n*f.ElemSize), conv.units[i], swap)
			if v.Raw == nil && rd.err == nil {
				v.Raw = []byte{}
			}
		}

		if rd.err != nil {
			break
		}
	}

	if rd.err != nil {
		return nil, fmt.Errorf("%w: truncated record of schema %q", errs.ErrInvalidBlock, s.Name())
	}

	return rec, nil
}

func copyRaw(data []byte, unit int, swap bool) []byte {
	if data == nil {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	if swap {
		endian.SwapInPlace(out, unit)
	}

	return out
}
