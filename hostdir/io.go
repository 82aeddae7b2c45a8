package hostdir

import (
	"slices"
	"sort"

	"github.com/arloliu/stepmeta/format"
)

// IO is the in-memory Directory.
//
// An IO is not safe for concurrent use.
type IO struct {
	variables  map[string]*Variable
	attributes map[string]Attribute
}

var _ Directory = (*IO)(nil)

// NewIO creates an empty directory.
func NewIO() *IO {
	return &IO{
		variables:  make(map[string]*Variable),
		attributes: make(map[string]Attribute),
	}
}

// DefineVariable defines or replaces a variable. The selection defaults to
// the whole variable at the first available step.
func (d *IO) DefineVariable(name string, typ format.DataType, elemSize int, shapeID format.ShapeID,
	shape, start, count []uint64,
) *Variable {
	v := &Variable{
		Name:           name,
		Type:           typ,
		ElemSize:       elemSize,
		ShapeID:        shapeID,
		Shape:          slices.Clone(shape),
		Start:          slices.Clone(start),
		Count:          slices.Clone(count),
		AvailableSteps: 1,
		StepsCount:     1,
	}
	v.SelStart = slices.Clone(v.Start)
	v.SelCount = slices.Clone(v.Count)
	d.variables[name] = v

	return v
}

func (d *IO) Variable(name string) (*Variable, bool) {
	v, ok := d.variables[name]
	return v, ok
}

// Variables returns every defined variable ordered by name.
func (d *IO) Variables() []*Variable {
	out := make([]*Variable, 0, len(d.variables))
	for _, v := range d.variables {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

func (d *IO) RemoveVariable(name string) {
	delete(d.variables, name)
}

func (d *IO) SetAvailableSteps(v *Variable, steps int) {
	v.AvailableSteps = steps
}

func (d *IO) SetStepShape(v *Variable, step int, shape []uint64) {
	if v.StepShapes == nil {
		v.StepShapes = make(map[int][]uint64)
	}
	v.StepShapes[step] = slices.Clone(shape)
}

func (d *IO) ClearStepShapes(v *Variable) {
	clear(v.StepShapes)
}

func (d *IO) DefineAttribute(a Attribute) {
	a.Data = slices.Clone(a.Data)
	a.Strings = slices.Clone(a.Strings)
	d.attributes[a.Name] = a
}

func (d *IO) Attribute(name string) (Attribute, bool) {
	a, ok := d.attributes[name]
	return a, ok
}

// Attributes returns every defined attribute ordered by name.
func (d *IO) Attributes() []Attribute {
	out := make([]Attribute, 0, len(d.attributes))
	for _, a := range d.attributes {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

func (d *IO) RemoveAllAttributes() {
	clear(d.attributes)
}
