// Package deserializer implements the read side of the per-timestep
// metadata format.
//
// An Installer receives, for every step, one encoded metadata record per
// writer and optionally an attribute record. It decodes them, keeps track of
// which writer contributed which blocks of which variable, defines the
// variables and attributes in the host directory, and finally serves reads:
// scalar values are answered directly from metadata, array selections are
// queued, turned into per-writer payload read requests, and extracted from
// the fetched payloads into the caller's buffers.
//
// # Modes
//
// In streaming mode only the current step is kept; SetupForTimestep drops
// everything installed for earlier steps and the host variables are defined
// anew. In random-access mode every installed step is retained for the
// lifetime of the Installer and variables expose all their steps.
//
// An Installer is not safe for concurrent use.
package deserializer

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/format"
	"github.com/arloliu/stepmeta/hostdir"
	"github.com/arloliu/stepmeta/internal/bitset"
	"github.com/arloliu/stepmeta/internal/options"
	"github.com/arloliu/stepmeta/schema"
)

// writerMeta is one writer's decoded metadata for one step.
type writerMeta struct {
	rec      *schema.Record
	control  *controlTable
	dirty    *bitset.Bitset
	dataSize uint64
}

// Installer decodes incoming metadata and serves reads against it.
type Installer struct {
	cfg         *InstallerConfig
	codec       schema.Codec
	dir         hostdir.Directory
	logger      *zap.Logger
	writerCount int

	controls  map[schema.ID]*controlTable
	vars      []*VarRec
	varByName map[string]*VarRec
	varByKey  map[*hostdir.Variable]*VarRec

	curStep uint64
	steps   map[uint64][]*writerMeta
	pending []pendingSelection
}

// NewInstaller creates an Installer for a cohort of writerCount writers.
//
// Parameters:
//   - codec: Structured-encoding service holding the schemas sent by the writers
//   - dir: Host directory receiving the variable and attribute definitions
//   - writerCount: Number of writers in the cohort
//   - opts: Optional configuration
//
// Returns:
//   - *Installer: The installer positioned at step 0
//   - error: Invalid arguments or configuration
func NewInstaller(codec schema.Codec, dir hostdir.Directory, writerCount int, opts ...InstallerOption) (*Installer, error) {
	if codec == nil || dir == nil {
		return nil, fmt.Errorf("%w: codec and directory are required", errs.ErrInvalidVariable)
	}
	if writerCount < 1 {
		return nil, fmt.Errorf("%w: cohort of %d writers", errs.ErrInvalidWriterRank, writerCount)
	}

	cfg := newInstallerConfig()
	if err := options.ApplyAndValidate(cfg, opts...); err != nil {
		return nil, err
	}

	return &Installer{
		cfg:         cfg,
		codec:       codec,
		dir:         dir,
		logger:      cfg.logger,
		writerCount: writerCount,
		controls:    make(map[schema.ID]*controlTable),
		varByName:   make(map[string]*VarRec),
		varByKey:    make(map[*hostdir.Variable]*VarRec),
		steps:       make(map[uint64][]*writerMeta),
	}, nil
}

// WriterCount returns the size of the writer cohort.
func (in *Installer) WriterCount() int {
	return in.writerCount
}

// CurrentStep returns the step selected by the last SetupForTimestep.
func (in *Installer) CurrentStep() uint64 {
	return in.curStep
}

// VarByName returns the record of a variable seen in any writer schema.
func (in *Installer) VarByName(name string) (*VarRec, bool) {
	rec, ok := in.varByName[name]
	return rec, ok
}

// InstallSchema teaches the codec a schema sent by a writer.
func (in *Installer) InstallSchema(b schema.Block) error {
	id, err := in.codec.Learn(b.Body)
	if err != nil {
		return err
	}
	if id != b.ID {
		return fmt.Errorf("%w: schema body does not match its identity %x", errs.ErrInvalidSchema, b.ID.Bytes())
	}

	return nil
}

// SetupForTimestep selects the step served by QueueGet and clears queued
// selections. In streaming mode it also discards everything installed for
// other steps and forgets the host variables.
func (in *Installer) SetupForTimestep(step uint64) {
	in.curStep = step
	in.pending = in.pending[:0]

	if in.cfg.randomAccess {
		return
	}

	clear(in.steps)
	for _, rec := range in.vars {
		rec.forgetSteps()
		if rec.Variable != nil {
			delete(in.varByKey, rec.Variable)
			in.dir.RemoveVariable(rec.Name)
			rec.Variable = nil
		}
	}
}

// decode identifies and decodes an encoded block whose schema must already
// be known to the codec.
func (in *Installer) decode(block []byte) (*schema.Record, error) {
	id, err := in.codec.IdentifyBlock(block)
	if err != nil {
		return nil, err
	}
	if _, ok := in.codec.Lookup(id); !ok {
		return nil, fmt.Errorf("%w: %x", errs.ErrUnknownSchema, id.Bytes())
	}
	if !in.codec.HasConversion(id) {
		if err := in.codec.EstablishConversion(id); err != nil {
			return nil, err
		}
	}

	return in.codec.Decode(block)
}

// InstallMetaData decodes one writer's metadata record for a step and
// records every variable the writer marked dirty.
//
// Parameters:
//   - block: Encoded metadata record, trailing padding allowed
//   - writerRank: Rank of the writer in the cohort
//   - step: Absolute step number
//
// Returns:
//   - error: errs.ErrUnknownSchema when the record's schema was never
//     installed, errs.ErrInvalidBlock for malformed content
func (in *Installer) InstallMetaData(block []byte, writerRank int, step uint64) error {
	if writerRank < 0 || writerRank >= in.writerCount {
		return fmt.Errorf("%w: %d of %d", errs.ErrInvalidWriterRank, writerRank, in.writerCount)
	}

	rec, err := in.decode(block)
	if err != nil {
		return err
	}

	ct, ok := in.controls[rec.Schema.ID()]
	if !ok {
		ct, err = in.buildControl(rec.Schema)
		if err != nil {
			return err
		}
		in.controls[rec.Schema.ID()] = ct
	}

	if in.cfg.dump && writerRank == 0 {
		in.logger.Info("incoming metadata block",
			append([]zap.Field{zap.Int("writer", writerRank), zap.Uint64("step", step)}, dumpFields(rec)...)...)
	}

	wm := &writerMeta{
		rec:      rec,
		control:  ct,
		dirty:    bitset.FromWords(rec.Values[format.MetaBitField].Ints),
		dataSize: rec.Uint(format.MetaDataBlockSize),
	}
	writers, ok := in.steps[step]
	if !ok {
		writers = make([]*writerMeta, in.writerCount)
		in.steps[step] = writers
	}
	writers[writerRank] = wm

	for i, ce := range ct.entries {
		if !wm.dirty.Test(i) {
			continue
		}

		if ce.isArray {
			err = in.installArray(rec, ce, writerRank, step)
		} else {
			in.installValue(ce, writerRank, step)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// reverseBlocks reverses every dims-long group of vals in place.
func reverseBlocks(vals []uint64, dims int) {
	for b := 0; b+dims <= len(vals); b += dims {
		slices.Reverse(vals[b : b+dims])
	}
}

func (in *Installer) installArray(rec *schema.Record, ce controlEntry, rank int, step uint64) error {
	f := ce.field
	dims := int(rec.Uint(f + format.ArrayDims))
	blocks := int(rec.Uint(f + format.ArrayBlockCount))
	shape := rec.Values[f+format.ArrayShape].Ints
	counts := rec.Values[f+format.ArrayCount].Ints
	offsets := rec.Values[f+format.ArrayOffsets].Ints
	locations := rec.Values[f+format.ArrayDataLocations].Ints

	if dims < 1 || len(counts) != dims*blocks || len(locations) != blocks ||
		(offsets != nil && len(offsets) != len(counts)) ||
		(shape != nil && len(shape) != dims) {
		return fmt.Errorf("%w: array %q of writer %d has inconsistent block metadata",
			errs.ErrInvalidBlock, ce.rec.Name, rank)
	}

	if dims > 1 && in.cfg.writerRowMajor != in.cfg.readerRowMajor {
		slices.Reverse(shape)
		reverseBlocks(counts, dims)
		reverseBlocks(offsets, dims)
	}

	vr := ce.rec
	vr.Dims = dims
	vs, created := vr.stepState(step, in.writerCount, true)
	vs.writers[rank] = writerEntry{
		present:    true,
		field:      f,
		dims:       dims,
		blockCount: blocks,
		counts:     counts,
		offsets:    offsets,
		locations:  locations,
	}
	if shape != nil && (rank == 0 || vs.globalDims == nil) {
		vs.globalDims = shape
	}

	switch {
	case vr.Variable == nil:
		// local arrays expose the extent of their first block
		var start, count []uint64
		if shape != nil {
			start = make([]uint64, dims)
			count = shape
		} else {
			count = counts[:dims]
		}
		vr.Variable = in.dir.DefineVariable(vr.Name, vr.Type, vr.ElemSize, vr.ShapeID, shape, start, count)
		in.varByKey[vr.Variable] = vr

		in.logger.Debug("array variable defined",
			zap.String("name", vr.Name),
			zap.Uint64("step", step),
			zap.Uint64s("shape", shape))
	case rank == 0 && shape != nil && !in.cfg.randomAccess:
		v := vr.Variable
		v.Shape = slices.Clone(shape)
		v.Count = slices.Clone(shape)
	}

	if in.cfg.randomAccess {
		if created {
			in.dir.SetAvailableSteps(vr.Variable, len(vr.steps))
		}
		if shape != nil {
			in.syncStepShapes(vr)
		}
	}

	return nil
}

// syncStepShapes rebuilds the per-step host shapes of vr in step order.
// Relative step indices shift when an earlier step is installed late.
func (in *Installer) syncStepShapes(vr *VarRec) {
	in.dir.ClearStepShapes(vr.Variable)
	for rel, step := range vr.steps {
		dims := vr.perStep[step].globalDims
		if dims != nil && !slices.Equal(dims, vr.Variable.Shape) {
			in.dir.SetStepShape(vr.Variable, rel, dims)
		}
	}
}

func (in *Installer) installValue(ce controlEntry, rank int, step uint64) {
	vr := ce.rec
	vs, created := vr.stepState(step, in.writerCount, true)
	vs.writers[rank] = writerEntry{present: true, field: ce.field}

	if vr.Variable == nil {
		vr.Variable = in.dir.DefineVariable(vr.Name, vr.Type, vr.ElemSize, vr.ShapeID, nil, nil, nil)
		in.varByKey[vr.Variable] = vr
	}
	if in.cfg.randomAccess && created {
		in.dir.SetAvailableSteps(vr.Variable, len(vr.steps))
	}
}

// InstallAttributeData replaces the host attributes with the content of an
// attribute record. An empty block is ignored.
func (in *Installer) InstallAttributeData(block []byte, step uint64) error {
	if len(block) == 0 {
		return nil
	}

	rec, err := in.decode(block)
	if err != nil {
		return err
	}
	if rec.Schema.Name() != format.AttributeRecordName {
		return fmt.Errorf("%w: %q is not an attribute schema", errs.ErrInvalidSchema, rec.Schema.Name())
	}

	if in.cfg.dump {
		in.logger.Info("incoming attribute block",
			append([]zap.Field{zap.Uint64("step", step)}, dumpFields(rec)...)...)
	}

	in.dir.RemoveAllAttributes()

	for i, f := range rec.Schema.Fields() {
		fn, err := format.ParseFieldName(f.Name)
		if err != nil {
			return err
		}
		v := &rec.Values[i]

		switch f.Kind {
		case schema.KindScalar:
			// element count of the array that follows
			if fn.Shape.IsArray() {
				continue
			}
			attr := hostdir.Attribute{Name: fn.Base, Type: fn.Type, ElemCount: -1, Data: v.Raw}
			if fn.Type == format.TypeString {
				attr.Strings = []string{v.Str}
			}
			in.dir.DefineAttribute(attr)
		default:
			attr := hostdir.Attribute{Name: fn.Base, Type: fn.Type}
			switch {
			case fn.Type == format.TypeString:
				attr.Strings = v.Strs
				attr.ElemCount = len(v.Strs)
			case f.IsIntArray():
				attr.Data = schema.Uint64sToBytes(v.Ints)
				attr.ElemCount = len(v.Ints)
			default:
				attr.Data = v.Raw
				if f.ElemSize > 0 {
					attr.ElemCount = len(v.Raw) / f.ElemSize
				}
			}
			in.dir.DefineAttribute(attr)
		}
	}

	return nil
}

// dumpFields renders a decoded record as log fields.
func dumpFields(rec *schema.Record) []zap.Field {
	out := make([]zap.Field, 0, len(rec.Values)+1)
	out = append(out, zap.String("schema", rec.Schema.Name()))
	for i, f := range rec.Schema.Fields() {
		v := &rec.Values[i]
		switch {
		case f.Kind == schema.KindScalar && f.Type == format.TypeString:
			out = append(out, zap.String(f.Name, v.Str))
		case f.Kind == schema.KindScalar:
			out = append(out, zap.Binary(f.Name, v.Raw))
		case v.Ints != nil:
			out = append(out, zap.Uint64s(f.Name, v.Ints))
		case v.Strs != nil:
			out = append(out, zap.Strings(f.Name, v.Strs))
		case v.Raw != nil:
			out = append(out, zap.Binary(f.Name, v.Raw))
		}
	}

	return out
}
