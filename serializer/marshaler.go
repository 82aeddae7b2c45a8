// Package serializer implements the write side of the per-timestep metadata
// format.
//
// A Marshaler collects the variables written by one writer process during a
// timestep into a single metadata record and a payload accumulator. The
// record layout is a schema that grows the first time each variable is
// seen: a scalar adds one field, an array adds seven sibling fields
// describing its dimensions, blocks and payload locations. Once a variable
// is known its slot is stable for the lifetime of the Marshaler, so a writer
// whose variable set does not change emits no new schema after its first
// timestep.
//
// # Basic Usage
//
//	m, _ := serializer.NewMarshaler()
//	_ = m.InitStep(buffer.NewChunked())
//	_ = m.Put(temperature, shape, count, offsets, data, false)
//	snap, _ := m.CloseTimestep(step)
//	defer snap.Release()
//
// # Borrowed Payload
//
// Array writes that are not synchronous are deferred: the Marshaler keeps a
// reference to the caller's slice and only copies it into the accumulator at
// the next PerformPuts, ReinitStepData or CloseTimestep. The caller must not
// modify the slice before that point.
//
// A Marshaler is not safe for concurrent use.
package serializer

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/arloliu/stepmeta/buffer"
	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/format"
	"github.com/arloliu/stepmeta/internal/bitset"
	"github.com/arloliu/stepmeta/internal/options"
	"github.com/arloliu/stepmeta/internal/pool"
	"github.com/arloliu/stepmeta/schema"
	"github.com/arloliu/stepmeta/selection"
)

// Variable describes a variable as the host library defines it.
type Variable struct {
	Name  string
	Type  format.DataType
	Shape format.ShapeID
	// Dims is the dimensionality of an array variable. It is ignored for values.
	Dims int
}

// writerRec is the per-variable registration of a Marshaler.
type writerRec struct {
	v        Variable
	elemSize int
	// fieldID is the dirty bit and entry index of the variable.
	fieldID int
	// field is the index of the first schema field of the variable.
	field int
}

func (r *writerRec) isArray() bool { return r.v.Shape.IsArray() }

// entry is the per-step content of one metadata slot.
type entry struct {
	scalar    []byte
	str       string
	blocks    uint64
	shape     []uint64
	count     []uint64
	offsets   []uint64
	locations []uint64
}

// deferredBlock is an array block whose payload has not been placed yet.
type deferredBlock struct {
	fieldID int
	block   int
	data    []byte
	align   int
}

// Marshaler builds the metadata record and payload of one writer.
type Marshaler struct {
	cfg    *MarshalerConfig
	codec  schema.Codec
	logger *zap.Logger

	fields  []schema.Field
	meta    *schema.Schema // nil whenever fields changed since the last close
	recs    map[string]*writerRec
	order   []*writerRec
	entries []entry
	dirty   bitset.Bitset

	attrFields []schema.Field
	attrValues []schema.Value
	attrIndex  map[string]int

	cur        buffer.Accumulator
	priorTotal uint64
	deferred   []deferredBlock
}

// NewMarshaler creates a Marshaler with an empty schema.
//
// Parameters:
//   - opts: Optional configuration (codec, byte order, block alignment, logger)
//
// Returns:
//   - *Marshaler: The marshaler, ready for InitStep
//   - error: Configuration error, if any
func NewMarshaler(opts ...MarshalerOption) (*Marshaler, error) {
	cfg := newMarshalerConfig()
	if err := options.ApplyAndValidate(cfg, opts...); err != nil {
		return nil, err
	}

	if cfg.codec == nil {
		reg, err := schema.NewRegistry(schema.WithEngine(cfg.engine))
		if err != nil {
			return nil, err
		}
		cfg.codec = reg
	}

	m := &Marshaler{
		cfg:       cfg,
		codec:     cfg.codec,
		logger:    cfg.logger,
		recs:      make(map[string]*writerRec),
		attrIndex: make(map[string]int),
	}
	m.fields = []schema.Field{
		{Name: format.FieldBitFieldCount, Type: format.TypeUint64, ElemSize: 8, Kind: schema.KindScalar},
		{Name: format.FieldBitField, Type: format.TypeUint64, ElemSize: 8, Kind: schema.KindVarArray, LenField: format.MetaBitFieldCount},
		{Name: format.FieldDataBlockSize, Type: format.TypeUint64, ElemSize: 8, Kind: schema.KindScalar},
	}

	return m, nil
}

// Codec returns the structured-encoding service of the marshaler.
func (m *Marshaler) Codec() schema.Codec {
	return m.codec
}

// NumVariables returns the number of variables registered so far.
func (m *Marshaler) NumVariables() int {
	return len(m.order)
}

// InitStep opens a timestep whose payload is collected in acc.
//
// Returns errs.ErrStepAlreadyOpen when the previous step was not closed.
func (m *Marshaler) InitStep(acc buffer.Accumulator) error {
	if m.cur != nil {
		return fmt.Errorf("%w: InitStep without prior CloseTimestep", errs.ErrStepAlreadyOpen)
	}
	if acc == nil {
		return fmt.Errorf("%w: nil accumulator", errs.ErrInvalidVariable)
	}

	m.cur = acc
	m.priorTotal = 0

	return nil
}

// DataBufferSize returns the number of payload bytes collected so far in the
// open step, across every accumulator of the step.
func (m *Marshaler) DataBufferSize() uint64 {
	if m.cur == nil {
		return 0
	}

	return m.priorTotal + m.cur.Size()
}

// lookup returns the registration of v, growing the schema on first use.
func (m *Marshaler) lookup(v Variable) (*writerRec, error) {
	if rec, ok := m.recs[v.Name]; ok {
		if rec.v.Type != v.Type || rec.v.Shape != v.Shape {
			return nil, fmt.Errorf("%w: variable %q registered as %s %s",
				errs.ErrTypeMismatch, v.Name, rec.v.Shape, rec.v.Type)
		}
		if rec.isArray() && rec.v.Dims != v.Dims {
			return nil, fmt.Errorf("%w: variable %q registered with %d dimensions, got %d",
				errs.ErrDimensionMismatch, v.Name, rec.v.Dims, v.Dims)
		}

		return rec, nil
	}

	if v.Name == "" {
		return nil, fmt.Errorf("%w: empty name", errs.ErrInvalidVariable)
	}
	if !v.Type.Valid() || v.Shape == format.ShapeUnknown {
		return nil, fmt.Errorf("%w: variable %q has type %s and shape %s",
			errs.ErrInvalidVariable, v.Name, v.Type, v.Shape)
	}
	if v.Shape.IsArray() {
		if v.Dims < 1 {
			return nil, fmt.Errorf("%w: array %q needs at least one dimension", errs.ErrDimensionMismatch, v.Name)
		}
		if v.Type == format.TypeString {
			return nil, fmt.Errorf("%w: string arrays are not supported (%q)", errs.ErrInvalidVariable, v.Name)
		}
	}

	rec := &writerRec{
		v:        v,
		elemSize: v.Type.Size(),
		fieldID:  len(m.order),
		field:    len(m.fields),
	}

	if !rec.isArray() {
		m.fields = append(m.fields, schema.Field{
			Name:     format.BuildFieldName(v.Shape, rec.elemSize, v.Type, v.Name, ""),
			Type:     v.Type,
			ElemSize: rec.elemSize,
			Kind:     schema.KindScalar,
		})
	} else {
		base := rec.field
		name := func(suffix string) string {
			return format.BuildFieldName(v.Shape, rec.elemSize, v.Type, v.Name, suffix)
		}
		scalar := func(suffix string) schema.Field {
			return schema.Field{Name: name(suffix), Type: format.TypeUint64, ElemSize: 8, Kind: schema.KindScalar}
		}
		varArray := func(suffix string, lenField int) schema.Field {
			return schema.Field{Name: name(suffix), Type: format.TypeUint64, ElemSize: 8, Kind: schema.KindVarArray, LenField: base + lenField}
		}

		m.fields = append(m.fields,
			scalar(format.SuffixDims),
			scalar(format.SuffixBlockCount),
			scalar(format.SuffixDBCount),
			schema.Field{Name: name(format.SuffixShape), Type: format.TypeUint64, ElemSize: 8, Kind: schema.KindFixedArray, FixedLen: v.Dims},
			varArray(format.SuffixCount, format.ArrayDBCount),
			varArray(format.SuffixOffsets, format.ArrayDBCount),
			varArray(format.SuffixDataLocations, format.ArrayBlockCount),
		)
	}

	m.recs[v.Name] = rec
	m.order = append(m.order, rec)
	m.entries = append(m.entries, entry{})
	m.meta = nil

	m.logger.Debug("variable registered",
		zap.String("name", v.Name),
		zap.Stringer("type", v.Type),
		zap.Stringer("shape", v.Shape),
		zap.Int("fields", len(m.fields)))

	return rec, nil
}

// Put records one value or one array block of v in the open step.
//
// Parameters:
//   - v: Variable descriptor
//   - shape: Global shape, nil for local arrays and values
//   - count: Extent of the block, nil for values
//   - offsets: Position of the block in the global array, nil for local arrays and values
//   - data: Value bytes or dense block bytes, little-endian
//   - sync: Copy the block now instead of borrowing data until the next flush
//
// Returns:
//   - error: errs.ErrStepNotOpen without InitStep, or a validation error
func (m *Marshaler) Put(v Variable, shape, count, offsets []uint64, data []byte, sync bool) error {
	if m.cur == nil {
		return fmt.Errorf("%w: Put of %q", errs.ErrStepNotOpen, v.Name)
	}

	rec, err := m.lookup(v)
	if err != nil {
		return err
	}

	if !rec.isArray() {
		if v.Type == format.TypeString {
			return fmt.Errorf("%w: string value %q must use PutString", errs.ErrTypeMismatch, v.Name)
		}
		if len(data) != rec.elemSize {
			return fmt.Errorf("%w: value %q has %d bytes, want %d", errs.ErrDataSizeMismatch, v.Name, len(data), rec.elemSize)
		}
		m.dirty.Set(rec.fieldID)
		e := &m.entries[rec.fieldID]
		e.scalar = append(e.scalar[:0], data...)

		return nil
	}

	if err := m.checkBlock(rec, shape, count, offsets); err != nil {
		return err
	}
	size := selection.ElementCount(count) * uint64(rec.elemSize)
	if uint64(len(data)) != size {
		return fmt.Errorf("%w: block of %q has %d bytes, want %d", errs.ErrDataSizeMismatch, v.Name, len(data), size)
	}

	if sync {
		loc := m.priorTotal + m.cur.Append(data, rec.elemSize, true)
		m.addBlock(rec, shape, count, offsets, loc)

		return nil
	}

	block := m.addBlock(rec, shape, count, offsets, 0)
	m.deferred = append(m.deferred, deferredBlock{
		fieldID: rec.fieldID,
		block:   block,
		data:    data,
		align:   rec.elemSize,
	})

	return nil
}

// PutString records the value of a string variable, replacing a value
// written earlier in the same step.
func (m *Marshaler) PutString(v Variable, value string) error {
	if m.cur == nil {
		return fmt.Errorf("%w: PutString of %q", errs.ErrStepNotOpen, v.Name)
	}
	if v.Type != format.TypeString || v.Shape.IsArray() {
		return fmt.Errorf("%w: %q is not a string value", errs.ErrTypeMismatch, v.Name)
	}

	rec, err := m.lookup(v)
	if err != nil {
		return err
	}
	m.dirty.Set(rec.fieldID)
	m.entries[rec.fieldID].str = value

	return nil
}

// PutSpan reserves payload space for one array block and returns it for the
// caller to fill. The slice stays valid until the step's accumulator is released.
func (m *Marshaler) PutSpan(v Variable, shape, count, offsets []uint64) ([]byte, error) {
	if m.cur == nil {
		return nil, fmt.Errorf("%w: PutSpan of %q", errs.ErrStepNotOpen, v.Name)
	}
	if !v.Shape.IsArray() {
		return nil, fmt.Errorf("%w: span of value %q", errs.ErrInvalidVariable, v.Name)
	}

	rec, err := m.lookup(v)
	if err != nil {
		return nil, err
	}
	if err := m.checkBlock(rec, shape, count, offsets); err != nil {
		return nil, err
	}

	size := selection.ElementCount(count) * uint64(rec.elemSize)
	off, span := m.cur.Allocate(int(size), rec.elemSize)
	m.addBlock(rec, shape, count, offsets, m.priorTotal+off)

	return span, nil
}

func (m *Marshaler) checkBlock(rec *writerRec, shape, count, offsets []uint64) error {
	dims := rec.v.Dims
	if len(count) != dims ||
		(shape != nil && len(shape) != dims) ||
		(offsets != nil && len(offsets) != dims) {
		return fmt.Errorf("%w: %q has %d dimensions, got shape %d count %d offsets %d",
			errs.ErrDimensionMismatch, rec.v.Name, dims, len(shape), len(count), len(offsets))
	}

	// local arrays are placed by block; every other array by global offsets
	if rec.v.Shape == format.ShapeLocalArray {
		if shape != nil || offsets != nil {
			return fmt.Errorf("%w: local array %q takes no shape or offsets", errs.ErrDimensionMismatch, rec.v.Name)
		}
	} else if shape == nil || offsets == nil {
		return fmt.Errorf("%w: %s %q needs a shape and offsets", errs.ErrDimensionMismatch, rec.v.Shape, rec.v.Name)
	}

	return nil
}

// addBlock records block metadata and returns the block index within the step.
func (m *Marshaler) addBlock(rec *writerRec, shape, count, offsets []uint64, loc uint64) int {
	e := &m.entries[rec.fieldID]

	if !m.dirty.Set(rec.fieldID) {
		e.shape = slices.Clone(shape)
		e.count = slices.Clone(count)
		e.offsets = slices.Clone(offsets)
		e.locations = []uint64{loc}
		e.blocks = 1

		return 0
	}

	if shape != nil && e.shape != nil {
		copy(e.shape, shape)
	}
	e.count = append(e.count, count...)
	if offsets != nil {
		e.offsets = append(e.offsets, offsets...)
	}
	e.locations = append(e.locations, loc)
	e.blocks++

	return int(e.blocks - 1)
}

// dumpDeferred places every deferred block and patches its data location.
func (m *Marshaler) dumpDeferred(copyNow bool) {
	for _, d := range m.deferred {
		off := m.cur.Append(d.data, d.align, copyNow)
		m.entries[d.fieldID].locations[d.block] = m.priorTotal + off
	}
	clear(m.deferred)
	m.deferred = m.deferred[:0]
}

// PerformPuts places every deferred block and copies borrowed bytes into
// memory owned by the accumulator. Caller slices may be reused afterwards.
func (m *Marshaler) PerformPuts() error {
	if m.cur == nil {
		return fmt.Errorf("%w: PerformPuts", errs.ErrStepNotOpen)
	}

	m.dumpDeferred(false)
	m.cur.CopyExternalToInternal()

	return nil
}

// ReinitStepData finishes the current payload accumulator and continues the
// step in next. Data locations stay relative to the start of the step.
//
// Returns the finished accumulator, or errs.ErrStepNotOpen.
func (m *Marshaler) ReinitStepData(next buffer.Accumulator) (buffer.Accumulator, error) {
	if m.cur == nil {
		return nil, fmt.Errorf("%w: ReinitStepData without prior InitStep", errs.ErrStepNotOpen)
	}
	if next == nil {
		return nil, fmt.Errorf("%w: nil accumulator", errs.ErrInvalidVariable)
	}

	m.dumpDeferred(true)
	m.priorTotal += m.cur.Pad(m.cfg.blockAlignment)

	prev := m.cur
	m.cur = next

	return prev, nil
}

// CloseTimestep encodes the step and hands its buffers to the caller.
//
// The metadata schema is emitted in NewSchemas when it changed since the
// previous close, the attribute schema whenever attributes were marshaled in
// this step. Afterwards every slot is empty and a new step may be opened.
//
// Parameters:
//   - step: Timestep number, informational
//
// Returns:
//   - *Snapshot: Encoded metadata, attributes and payload; call Release when done
//   - error: errs.ErrStepNotOpen without InitStep, or an encoding error
func (m *Marshaler) CloseTimestep(step uint64) (*Snapshot, error) {
	if m.cur == nil {
		return nil, fmt.Errorf("%w: CloseTimestep without prior InitStep", errs.ErrStepNotOpen)
	}

	var newSchemas []schema.Block
	if m.meta == nil {
		s, err := schema.New(format.MetadataRecordName, m.fields)
		if err != nil {
			return nil, err
		}
		m.codec.Register(s)
		m.meta = s
		newSchemas = append(newSchemas, s.Block())
	}

	m.dumpDeferred(true)
	dataSize := m.cur.Pad(m.cfg.blockAlignment) + m.priorTotal

	written := m.dirty.Count()
	metaBuf := pool.GetMetadataBuffer()
	encoded, err := m.codec.AppendEncode(metaBuf.B[:0], m.takeRecord(dataSize))
	if err != nil {
		pool.PutMetadataBuffer(metaBuf)
		return nil, err
	}
	metaBuf.B = encoded

	var attrBuf *pool.ByteBuffer
	if len(m.attrFields) > 0 {
		s, err := schema.New(format.AttributeRecordName, m.attrFields)
		if err != nil {
			pool.PutMetadataBuffer(metaBuf)
			return nil, err
		}
		m.codec.Register(s)
		newSchemas = append(newSchemas, s.Block())

		attrBuf = pool.GetMetadataBuffer()
		encoded, err := m.codec.AppendEncode(attrBuf.B[:0], &schema.Record{Schema: s, Values: m.attrValues})
		if err != nil {
			pool.PutMetadataBuffer(metaBuf)
			pool.PutMetadataBuffer(attrBuf)

			return nil, err
		}
		attrBuf.B = encoded
	}
	m.resetAttributes()

	snap := &Snapshot{
		Step:       step,
		NewSchemas: newSchemas,
		Data:       m.cur,
		DataSize:   dataSize,
		metadata:   metaBuf,
		attributes: attrBuf,
	}
	m.cur = nil
	m.priorTotal = 0

	m.logger.Debug("timestep closed",
		zap.Uint64("step", step),
		zap.Int("written_variables", written),
		zap.Int("metadata_bytes", metaBuf.Len()),
		zap.Int("new_schemas", len(newSchemas)),
		zap.Uint64("data_bytes", dataSize))

	return snap, nil
}

// takeRecord moves the step content into a record and leaves every slot empty.
func (m *Marshaler) takeRecord(dataSize uint64) *schema.Record {
	rec := schema.NewRecord(m.meta)

	rec.SetUint(format.MetaBitFieldCount, uint64(m.dirty.Len()))
	rec.Values[format.MetaBitField].Ints = append([]uint64{}, m.dirty.Words()...)
	rec.SetUint(format.MetaDataBlockSize, dataSize)

	for _, wr := range m.order {
		if !m.dirty.Test(wr.fieldID) {
			continue
		}

		e := &m.entries[wr.fieldID]
		i := wr.field
		switch {
		case !wr.isArray() && wr.v.Type == format.TypeString:
			rec.Values[i].Str = e.str
		case !wr.isArray():
			rec.Values[i].Raw = e.scalar
		default:
			rec.SetUint(i+format.ArrayDims, uint64(wr.v.Dims))
			rec.SetUint(i+format.ArrayBlockCount, e.blocks)
			rec.SetUint(i+format.ArrayDBCount, e.blocks*uint64(wr.v.Dims))
			rec.Values[i+format.ArrayShape].Ints = e.shape
			rec.Values[i+format.ArrayCount].Ints = e.count
			rec.Values[i+format.ArrayOffsets].Ints = e.offsets
			rec.Values[i+format.ArrayDataLocations].Ints = e.locations
		}
		*e = entry{}
	}
	m.dirty.Clear()

	return rec
}
