// Package hostdir defines the host variable directory that the installer
// populates, and an in-memory implementation of it.
//
// A Variable is both the description of what a writer cohort produced and
// the handle a reader uses to express what it wants to read: a bounding box
// or a single write block, and a range of steps.
package hostdir

import (
	"slices"

	"github.com/arloliu/stepmeta/format"
)

// SelectionKind distinguishes the two ways of selecting array data.
type SelectionKind uint8

const (
	SelectionBoundingBox SelectionKind = iota // SelectionBoundingBox selects by global offset and extent.
	SelectionWriteBlock                       // SelectionWriteBlock selects one contributed block by id.
)

func (k SelectionKind) String() string {
	if k == SelectionWriteBlock {
		return "WriteBlock"
	}

	return "BoundingBox"
}

// Variable is a host-visible variable and its current read selection.
type Variable struct {
	Name     string
	Type     format.DataType
	ElemSize int
	ShapeID  format.ShapeID
	// Shape is the global shape, nil for scalars and local arrays.
	Shape []uint64
	// Start and Count describe the default box, the whole variable.
	Start []uint64
	Count []uint64

	// AvailableSteps is the number of steps that contain the variable.
	AvailableSteps int
	// StepShapes records the global shape per relative step when it changes
	// over time (random access readers).
	StepShapes map[int][]uint64

	Selection  SelectionKind
	SelStart   []uint64
	SelCount   []uint64
	BlockID    int
	StepsStart int
	StepsCount int
}

// IsArray reports whether the variable has dimensions.
func (v *Variable) IsArray() bool {
	return v.ShapeID.IsArray()
}

// Dims returns the dimensionality of the variable.
func (v *Variable) Dims() int {
	if len(v.Shape) > 0 {
		return len(v.Shape)
	}

	return len(v.Count)
}

// SetSelection selects a bounding box in global coordinates.
func (v *Variable) SetSelection(start, count []uint64) {
	v.Selection = SelectionBoundingBox
	v.SelStart = slices.Clone(start)
	v.SelCount = slices.Clone(count)
}

// SetBlockSelection selects the write block with the given global block id.
func (v *Variable) SetBlockSelection(id int) {
	v.Selection = SelectionWriteBlock
	v.BlockID = id
}

// SetStepSelection selects count steps starting at the relative step start.
func (v *Variable) SetStepSelection(start, count int) {
	v.StepsStart = start
	v.StepsCount = count
}

// ShapeAt returns the global shape of the variable at a relative step.
func (v *Variable) ShapeAt(step int) []uint64 {
	if s, ok := v.StepShapes[step]; ok {
		return s
	}

	return v.Shape
}

// Attribute is a named, typed value attached to the stream.
type Attribute struct {
	Name string
	Type format.DataType
	// ElemCount is -1 for a single value, the element count otherwise.
	ElemCount int
	// Data holds numeric values, little-endian.
	Data []byte
	// Strings holds string values.
	Strings []string
}

// IsSingle reports whether the attribute holds one value.
func (a Attribute) IsSingle() bool {
	return a.ElemCount < 0
}

// Directory is the host library's variable and attribute namespace.
type Directory interface {
	// DefineVariable defines or replaces a variable. For scalars shape,
	// start and count are nil.
	DefineVariable(name string, typ format.DataType, elemSize int, shapeID format.ShapeID, shape, start, count []uint64) *Variable
	// Variable returns a defined variable.
	Variable(name string) (*Variable, bool)
	// RemoveVariable forgets a variable. Unknown names are ignored.
	RemoveVariable(name string)
	// SetAvailableSteps records how many steps contain v.
	SetAvailableSteps(v *Variable, steps int)
	// SetStepShape records the global shape of v at a relative step.
	SetStepShape(v *Variable, step int, shape []uint64)
	// ClearStepShapes forgets every per-step shape of v.
	ClearStepShapes(v *Variable)
	// DefineAttribute defines or replaces an attribute.
	DefineAttribute(a Attribute)
	// Attribute returns a defined attribute.
	Attribute(name string) (Attribute, bool)
	// RemoveAllAttributes forgets every attribute.
	RemoveAllAttributes()
}
