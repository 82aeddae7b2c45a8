package format

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/arloliu/stepmeta/errs"
)

// Sibling field suffixes of an array entry, in schema order.
const (
	SuffixDims          = "Dims"
	SuffixBlockCount    = "BlockCount"
	SuffixDBCount       = "DBCount"
	SuffixShape         = "Shape"
	SuffixCount         = "Count"
	SuffixOffsets       = "Offsets"
	SuffixDataLocations = "DataLocations"

	// SuffixElemCount names the element count sibling of an array attribute.
	SuffixElemCount = "ElemCount"
)

// ArraySuffixes lists the array entry siblings in the order they appear in a schema.
var ArraySuffixes = [...]string{
	SuffixDims,
	SuffixBlockCount,
	SuffixDBCount,
	SuffixShape,
	SuffixCount,
	SuffixOffsets,
	SuffixDataLocations,
}

// Positions of the array siblings relative to the Dims field.
const (
	ArrayDims = iota
	ArrayBlockCount
	ArrayDBCount
	ArrayShape
	ArrayCount
	ArrayOffsets
	ArrayDataLocations

	// ArrayFieldCount is the number of schema fields an array variable occupies.
	ArrayFieldCount
)

// FieldName is the parsed form of a schema field name.
//
// Encoded names follow "<prefix>_<elemSize>_<typeCode>_<base>", where base
// is the variable name optionally followed by "_<suffix>".
type FieldName struct {
	Shape    ShapeID
	ElemSize int
	Type     DataType
	Base     string
}

// BuildFieldName returns the encoded field name for a variable.
//
// Parameters:
//   - shape: Variable shape, selects the prefix
//   - elemSize: Element size in bytes
//   - typ: Element type code
//   - name: Variable name, may contain underscores
//   - suffix: Optional sibling suffix, empty for the value field itself
//
// Returns:
//   - string: Encoded field name
func BuildFieldName(shape ShapeID, elemSize int, typ DataType, name, suffix string) string {
	var sb strings.Builder
	sb.Grow(len(name) + len(suffix) + 16)
	sb.WriteString(shape.Prefix())
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(elemSize))
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(int(typ)))
	sb.WriteByte('_')
	sb.WriteString(name)
	if suffix != "" {
		sb.WriteByte('_')
		sb.WriteString(suffix)
	}

	return sb.String()
}

// ParseFieldName breaks an encoded field name back into its components.
//
// Returns an error wrapping errs.ErrInvalidSchema when the name does not
// follow the naming convention.
func ParseFieldName(s string) (FieldName, error) {
	var fn FieldName

	if len(s) < 4 || s[3] != '_' {
		return fn, fmt.Errorf("%w: malformed field name %q", errs.ErrInvalidSchema, s)
	}

	shape, ok := ShapeFromPrefix(s[:3])
	if !ok {
		return fn, fmt.Errorf("%w: unknown field prefix in %q", errs.ErrInvalidSchema, s)
	}

	parts := strings.SplitN(s[4:], "_", 3)
	if len(parts) != 3 || parts[2] == "" {
		return fn, fmt.Errorf("%w: malformed field name %q", errs.ErrInvalidSchema, s)
	}

	size, err := strconv.Atoi(parts[0])
	if err != nil || size < 0 {
		return fn, fmt.Errorf("%w: bad element size in %q", errs.ErrInvalidSchema, s)
	}

	code, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return fn, fmt.Errorf("%w: bad type code in %q", errs.ErrInvalidSchema, s)
	}

	fn.Shape = shape
	fn.ElemSize = size
	fn.Type = DataType(code)
	fn.Base = parts[2]

	return fn, nil
}

// CutSuffix removes "_<suffix>" from the base name.
//
// It returns the variable name and true if the base carried the suffix.
func (f FieldName) CutSuffix(suffix string) (string, bool) {
	name, ok := strings.CutSuffix(f.Base, "_"+suffix)
	if !ok || name == "" {
		return f.Base, false
	}

	return name, true
}

// Record names of the two encoded per-step records.
const (
	MetadataRecordName  = "MetaData"
	AttributeRecordName = "Attributes"
)

// Names of the fixed leading fields of a metadata record.
const (
	FieldBitFieldCount = "BitFieldCount"
	FieldBitField      = "BitField"
	FieldDataBlockSize = "DataBlockSize"
)

// Positions of the fixed leading fields of a metadata record.
const (
	MetaBitFieldCount = iota
	MetaBitField
	MetaDataBlockSize

	// MetaHeaderFields is the number of fields preceding the first variable.
	MetaHeaderFields
)
