package serializer

import (
	"fmt"

	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/format"
	"github.com/arloliu/stepmeta/schema"
)

// MarshalAttribute records an attribute to be emitted with the current
// step. Attributes marshaled between two closes form the step's attribute
// record; marshaling the same name twice replaces the earlier value.
//
// Parameters:
//   - name: Attribute name
//   - typ: Element type
//   - elemCount: -1 for a single value, the element count of an array otherwise
//   - data: Numeric values, little-endian, ignored for strings
//   - strs: String values, ignored for numeric types
//
// Returns:
//   - error: errs.ErrInvalidAttribute for malformed values
func (m *Marshaler) MarshalAttribute(name string, typ format.DataType, elemCount int, data []byte, strs []string) error {
	if name == "" || !typ.Valid() {
		return fmt.Errorf("%w: name %q type %s", errs.ErrInvalidAttribute, name, typ)
	}

	single := elemCount < 0
	size := typ.Size()

	var val schema.Value
	switch {
	case typ == format.TypeString && single:
		if len(strs) != 1 {
			return fmt.Errorf("%w: single string %q has %d values", errs.ErrInvalidAttribute, name, len(strs))
		}
		val.Str = strs[0]
	case typ == format.TypeString:
		if len(strs) != elemCount {
			return fmt.Errorf("%w: %q has %d strings, want %d", errs.ErrInvalidAttribute, name, len(strs), elemCount)
		}
		val.Strs = append([]string{}, strs...)
	case single:
		if len(data) != size {
			return fmt.Errorf("%w: %q has %d bytes, want %d", errs.ErrInvalidAttribute, name, len(data), size)
		}
		val.Raw = append([]byte(nil), data...)
	default:
		if len(data) != elemCount*size {
			return fmt.Errorf("%w: %q has %d bytes, want %d", errs.ErrInvalidAttribute, name, len(data), elemCount*size)
		}
		if typ == format.TypeInt64 || typ == format.TypeUint64 {
			val.Ints = append([]uint64{}, schema.BytesToUint64s(data)...)
		} else {
			val.Raw = append([]byte{}, data...)
		}
	}

	if idx, ok := m.attrIndex[name]; ok {
		f := m.attrFields[idx]
		if f.Type != typ || (f.Kind == schema.KindScalar) != single {
			return fmt.Errorf("%w: %q already marshaled as a different kind", errs.ErrInvalidAttribute, name)
		}
		m.attrValues[idx] = val
		if !single {
			m.attrValues[idx-1].Raw = schema.Int64Bytes(int64(elemCount))
		}

		return nil
	}

	if single {
		m.attrFields = append(m.attrFields, schema.Field{
			Name:     format.BuildFieldName(format.ShapeGlobalValue, size, typ, name, ""),
			Type:     typ,
			ElemSize: size,
			Kind:     schema.KindScalar,
		})
		m.attrValues = append(m.attrValues, val)
		m.attrIndex[name] = len(m.attrFields) - 1

		return nil
	}

	countField := len(m.attrFields)
	m.attrFields = append(m.attrFields,
		schema.Field{
			Name:     format.BuildFieldName(format.ShapeGlobalArray, size, typ, name, format.SuffixElemCount),
			Type:     format.TypeInt64,
			ElemSize: 8,
			Kind:     schema.KindScalar,
		},
		schema.Field{
			Name:     format.BuildFieldName(format.ShapeGlobalArray, size, typ, name, ""),
			Type:     typ,
			ElemSize: size,
			Kind:     schema.KindVarArray,
			LenField: countField,
		},
	)
	m.attrValues = append(m.attrValues, schema.Value{Raw: schema.Int64Bytes(int64(elemCount))}, val)
	m.attrIndex[name] = countField + 1

	return nil
}

func (m *Marshaler) resetAttributes() {
	m.attrFields = nil
	m.attrValues = nil
	clear(m.attrIndex)
}
