package format

type (
	DataType uint8
	ShapeID  uint8
)

// Element type codes. The numeric values are part of the field naming
// convention and must not change.
const (
	TypeNone       DataType = 0  // TypeNone represents an unset type.
	TypeInt8       DataType = 1  // TypeInt8 represents int8.
	TypeInt16      DataType = 2  // TypeInt16 represents int16.
	TypeInt32      DataType = 3  // TypeInt32 represents int32.
	TypeInt64      DataType = 4  // TypeInt64 represents int64.
	TypeUint8      DataType = 5  // TypeUint8 represents uint8.
	TypeUint16     DataType = 6  // TypeUint16 represents uint16.
	TypeUint32     DataType = 7  // TypeUint32 represents uint32.
	TypeUint64     DataType = 8  // TypeUint64 represents uint64.
	TypeFloat32    DataType = 9  // TypeFloat32 represents float32.
	TypeFloat64    DataType = 10 // TypeFloat64 represents float64.
	TypeComplex64  DataType = 12 // TypeComplex64 represents complex64.
	TypeComplex128 DataType = 13 // TypeComplex128 represents complex128.
	TypeString     DataType = 14 // TypeString represents a variable-length string.
	TypeChar       DataType = 15 // TypeChar represents a single byte character.
)

const (
	ShapeUnknown     ShapeID = 0x0 // ShapeUnknown represents an unclassified variable.
	ShapeGlobalValue ShapeID = 0x1 // ShapeGlobalValue represents a single value shared by all writers.
	ShapeGlobalArray ShapeID = 0x2 // ShapeGlobalArray represents an array with a global shape.
	ShapeJoinedArray ShapeID = 0x3 // ShapeJoinedArray represents an array joined along its first dimension.
	ShapeLocalValue  ShapeID = 0x4 // ShapeLocalValue represents one value per writer.
	ShapeLocalArray  ShapeID = 0x5 // ShapeLocalArray represents a per-writer array without global shape.
)

// Size returns the element size in bytes, or 0 for TypeNone and TypeString.
func (t DataType) Size() int {
	switch t {
	case TypeInt8, TypeUint8, TypeChar:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64, TypeComplex64:
		return 8
	case TypeComplex128:
		return 16
	default:
		return 0
	}
}

// SwapUnit returns the width of the byte-order unit of an element.
//
// Complex values are swapped per component, everything else per element.
func (t DataType) SwapUnit() int {
	switch t {
	case TypeComplex64:
		return 4
	case TypeComplex128:
		return 8
	default:
		return t.Size()
	}
}

// Valid reports whether t is a known element type.
func (t DataType) Valid() bool {
	return t == TypeString || t.Size() > 0
}

func (t DataType) String() string {
	switch t {
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeComplex64:
		return "complex64"
	case TypeComplex128:
		return "complex128"
	case TypeString:
		return "string"
	case TypeChar:
		return "char"
	default:
		return "none"
	}
}

// Prefix returns the three letter field name prefix of the shape.
func (s ShapeID) Prefix() string {
	switch s {
	case ShapeGlobalValue:
		return "BPg"
	case ShapeGlobalArray:
		return "BPG"
	case ShapeJoinedArray:
		return "BPJ"
	case ShapeLocalValue:
		return "BPl"
	case ShapeLocalArray:
		return "BPL"
	default:
		return "BPU"
	}
}

// IsArray reports whether the shape describes an array variable.
func (s ShapeID) IsArray() bool {
	return s == ShapeGlobalArray || s == ShapeJoinedArray || s == ShapeLocalArray
}

func (s ShapeID) String() string {
	switch s {
	case ShapeGlobalValue:
		return "GlobalValue"
	case ShapeGlobalArray:
		return "GlobalArray"
	case ShapeJoinedArray:
		return "JoinedArray"
	case ShapeLocalValue:
		return "LocalValue"
	case ShapeLocalArray:
		return "LocalArray"
	default:
		return "Unknown"
	}
}

// ShapeFromPrefix maps a field name prefix back to its shape.
func ShapeFromPrefix(prefix string) (ShapeID, bool) {
	switch prefix {
	case "BPU":
		return ShapeUnknown, true
	case "BPg":
		return ShapeGlobalValue, true
	case "BPG":
		return ShapeGlobalArray, true
	case "BPJ":
		return ShapeJoinedArray, true
	case "BPl":
		return ShapeLocalValue, true
	case "BPL":
		return ShapeLocalArray, true
	default:
		return ShapeUnknown, false
	}
}
