package deserializer

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/format"
	"github.com/arloliu/stepmeta/hostdir"
	"github.com/arloliu/stepmeta/schema"
)

// VarRec is the reader-side record of one variable. It is created the first
// time any writer's schema mentions the variable and lives as long as the
// Installer.
type VarRec struct {
	// VarNum is the creation order of the record, never reused.
	VarNum   int
	Name     string
	Type     format.DataType
	ElemSize int
	ShapeID  format.ShapeID
	// Dims is the dimensionality seen in the most recent step.
	Dims int
	// Variable is the host handle, nil until the variable is seen in a step.
	Variable *hostdir.Variable

	// steps lists the absolute steps containing the variable, ascending.
	steps   []uint64
	perStep map[uint64]*varStep
}

// Steps returns the absolute steps that contain the variable, ascending.
func (r *VarRec) Steps() []uint64 {
	return slices.Clone(r.steps)
}

func (r *VarRec) isArray() bool { return r.ShapeID.IsArray() }

// stepState returns the bookkeeping of step, creating it when create is set.
func (r *VarRec) stepState(step uint64, writers int, create bool) (*varStep, bool) {
	if vs, ok := r.perStep[step]; ok {
		return vs, false
	}
	if !create {
		return nil, false
	}

	vs := &varStep{writers: make([]writerEntry, writers)}
	r.perStep[step] = vs
	if i, found := slices.BinarySearch(r.steps, step); !found {
		r.steps = slices.Insert(r.steps, i, step)
	}

	return vs, true
}

// forgetSteps drops every per-step state.
func (r *VarRec) forgetSteps() {
	clear(r.perStep)
	r.steps = r.steps[:0]
}

// varStep is what the writer cohort contributed for one variable in one step.
type varStep struct {
	// globalDims is the authoritative global shape of the step.
	globalDims []uint64
	writers    []writerEntry
}

// writerEntry is one writer's contribution to a variable in one step.
type writerEntry struct {
	present bool
	// field is the index of the first schema field of the variable.
	field      int
	dims       int
	blockCount int
	// counts and offsets hold dims values per block; offsets is nil for local arrays.
	counts    []uint64
	offsets   []uint64
	locations []uint64
}

func (w *writerEntry) blockCounts(b int) []uint64 {
	return w.counts[b*w.dims : (b+1)*w.dims]
}

func (w *writerEntry) blockOffsets(b int) []uint64 {
	if w.offsets == nil {
		return nil
	}

	return w.offsets[b*w.dims : (b+1)*w.dims]
}

// blockStart returns the global id of the first block of writer rank.
// Block ids number the blocks of writers 0..rank-1 first.
func (vs *varStep) blockStart(rank int) int {
	start := 0
	for i := range rank {
		start += vs.writers[i].blockCount
	}

	return start
}

// totalBlocks returns the number of blocks contributed by every writer.
func (vs *varStep) totalBlocks() int {
	return vs.blockStart(len(vs.writers))
}

// findBlock maps a global block id to its writer and local index.
func (vs *varStep) findBlock(id int) (rank, local int, ok bool) {
	start := 0
	for i := range vs.writers {
		n := vs.writers[i].blockCount
		if id >= start && id < start+n {
			return i, id - start, true
		}
		start += n
	}

	return 0, 0, false
}

// firstWriter returns the lowest rank that contributed to the step.
func (vs *varStep) firstWriter() (int, bool) {
	for i := range vs.writers {
		if vs.writers[i].present {
			return i, true
		}
	}

	return 0, false
}

// controlEntry maps one variable slot of a metadata schema to its VarRec.
// The position of the entry in its table is the slot's dirty bit.
type controlEntry struct {
	field   int
	isArray bool
	rec     *VarRec
}

// controlTable is the decoded layout of one metadata schema.
type controlTable struct {
	schema  *schema.Schema
	entries []controlEntry
}

// buildControl walks the fields of a metadata schema and creates the
// records of variables not seen before.
func (in *Installer) buildControl(s *schema.Schema) (*controlTable, error) {
	if s.Name() != format.MetadataRecordName || s.NumFields() < format.MetaHeaderFields ||
		s.Field(format.MetaBitField).Name != format.FieldBitField {
		return nil, fmt.Errorf("%w: %q is not a metadata schema", errs.ErrInvalidSchema, s.Name())
	}

	ct := &controlTable{schema: s}
	for i := format.MetaHeaderFields; i < s.NumFields(); {
		f := s.Field(i)
		fn, err := format.ParseFieldName(f.Name)
		if err != nil {
			return nil, err
		}

		if !fn.Shape.IsArray() {
			ct.entries = append(ct.entries, controlEntry{field: i, rec: in.lookupOrCreate(fn.Base, fn)})
			i++

			continue
		}

		name, ok := fn.CutSuffix(format.SuffixDims)
		if !ok || i+format.ArrayFieldCount > s.NumFields() {
			return nil, fmt.Errorf("%w: array field %q does not start an array entry", errs.ErrInvalidSchema, f.Name)
		}
		ct.entries = append(ct.entries, controlEntry{field: i, isArray: true, rec: in.lookupOrCreate(name, fn)})
		i += format.ArrayFieldCount
	}

	in.logger.Debug("control table built",
		zap.Int("entries", len(ct.entries)),
		zap.Int("fields", s.NumFields()))

	return ct, nil
}

func (in *Installer) lookupOrCreate(name string, fn format.FieldName) *VarRec {
	if rec, ok := in.varByName[name]; ok {
		return rec
	}

	rec := &VarRec{
		VarNum:   len(in.vars),
		Name:     name,
		Type:     fn.Type,
		ElemSize: fn.ElemSize,
		ShapeID:  fn.Shape,
		perStep:  make(map[uint64]*varStep),
	}
	in.vars = append(in.vars, rec)
	in.varByName[name] = rec

	return rec
}
