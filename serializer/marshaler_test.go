package serializer

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/arloliu/stepmeta/buffer"
	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/format"
	"github.com/arloliu/stepmeta/internal/bitset"
	"github.com/arloliu/stepmeta/schema"
)

var (
	stepVar = Variable{Name: "step", Type: format.TypeInt64, Shape: format.ShapeGlobalValue}
	gridVar = Variable{Name: "grid", Type: format.TypeFloat64, Shape: format.ShapeGlobalArray, Dims: 2}
	idsVar  = Variable{Name: "ids", Type: format.TypeInt32, Shape: format.ShapeLocalArray, Dims: 1}
	tagVar  = Variable{Name: "tag", Type: format.TypeString, Shape: format.ShapeGlobalValue}
)

func int64Bytes(v int64) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(v))
}

func float64s(vals ...float64) []byte {
	out := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
	}

	return out
}

func int32s(vals ...int32) []byte {
	out := make([]byte, 0, 4*len(vals))
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint32(out, uint32(v))
	}

	return out
}

func newTestMarshaler(t *testing.T, opts ...MarshalerOption) *Marshaler {
	t.Helper()

	m, err := NewMarshaler(opts...)
	require.NoError(t, err)

	return m
}

func decodeMeta(t *testing.T, m *Marshaler, snap *Snapshot) *schema.Record {
	t.Helper()

	rec, err := m.Codec().Decode(snap.Metadata())
	require.NoError(t, err)
	require.Equal(t, format.MetadataRecordName, rec.Schema.Name())

	return rec
}

func fieldIndex(t *testing.T, rec *schema.Record, v Variable, suffix string) int {
	t.Helper()

	idx := rec.Schema.FieldIndex(format.BuildFieldName(v.Shape, v.Type.Size(), v.Type, v.Name, suffix))
	require.GreaterOrEqual(t, idx, 0, "field of %q with suffix %q", v.Name, suffix)

	return idx
}

func TestMarshalerStepLifecycle(t *testing.T) {
	m := newTestMarshaler(t)

	err := m.Put(stepVar, nil, nil, nil, int64Bytes(1), true)
	require.ErrorIs(t, err, errs.ErrStepNotOpen)

	_, err = m.CloseTimestep(0)
	require.ErrorIs(t, err, errs.ErrStepNotOpen)

	_, err = m.ReinitStepData(buffer.NewChunked())
	require.ErrorIs(t, err, errs.ErrStepNotOpen)

	require.ErrorIs(t, m.PerformPuts(), errs.ErrStepNotOpen)

	require.NoError(t, m.InitStep(buffer.NewChunked()))
	require.ErrorIs(t, m.InitStep(buffer.NewChunked()), errs.ErrStepAlreadyOpen)

	snap, err := m.CloseTimestep(0)
	require.NoError(t, err)
	defer snap.Release()

	require.NoError(t, m.InitStep(buffer.NewChunked()))
}

func TestMarshalerEmptyStep(t *testing.T) {
	m := newTestMarshaler(t)
	require.NoError(t, m.InitStep(buffer.NewChunked()))

	snap, err := m.CloseTimestep(7)
	require.NoError(t, err)
	defer snap.Release()

	require.Len(t, snap.NewSchemas, 1)
	require.Nil(t, snap.Attributes())
	require.Zero(t, snap.DataSize)

	rec := decodeMeta(t, m, snap)
	require.Zero(t, rec.Uint(format.MetaBitFieldCount))
	require.Zero(t, rec.Uint(format.MetaDataBlockSize))
}

func TestMarshalerScalarRewriteSetsBitOnce(t *testing.T) {
	m := newTestMarshaler(t)
	require.NoError(t, m.InitStep(buffer.NewChunked()))

	require.NoError(t, m.Put(stepVar, nil, nil, nil, int64Bytes(10), true))
	require.NoError(t, m.Put(stepVar, nil, nil, nil, int64Bytes(42), true))
	require.Equal(t, 1, m.NumVariables())

	snap, err := m.CloseTimestep(0)
	require.NoError(t, err)
	defer snap.Release()

	rec := decodeMeta(t, m, snap)
	dirty := bitset.FromWords(rec.Values[format.MetaBitField].Ints)
	require.Equal(t, 1, dirty.Count())
	require.True(t, dirty.Test(0))

	idx := fieldIndex(t, rec, stepVar, "")
	require.Equal(t, uint64(42), rec.Uint(idx))
	require.Equal(t, format.MetaHeaderFields+1, rec.Schema.NumFields())
}

func TestMarshalerMultipleBlocksPerStep(t *testing.T) {
	m := newTestMarshaler(t)
	require.NoError(t, m.InitStep(buffer.NewChunked()))

	shape := []uint64{4, 4}
	block0 := float64s(1, 2, 3, 4, 5, 6, 7, 8)
	block1 := float64s(9, 10, 11, 12, 13, 14, 15, 16)
	require.NoError(t, m.Put(gridVar, shape, []uint64{2, 4}, []uint64{0, 0}, block0, true))
	require.NoError(t, m.Put(gridVar, shape, []uint64{2, 4}, []uint64{2, 0}, block1, true))

	snap, err := m.CloseTimestep(0)
	require.NoError(t, err)
	defer snap.Release()

	rec := decodeMeta(t, m, snap)
	dirty := bitset.FromWords(rec.Values[format.MetaBitField].Ints)
	require.Equal(t, 1, dirty.Count())

	base := fieldIndex(t, rec, gridVar, format.SuffixDims)
	require.Equal(t, uint64(2), rec.Uint(base+format.ArrayDims))
	require.Equal(t, uint64(2), rec.Uint(base+format.ArrayBlockCount))
	require.Equal(t, uint64(4), rec.Uint(base+format.ArrayDBCount))
	require.Equal(t, shape, rec.Values[base+format.ArrayShape].Ints)
	require.Equal(t, []uint64{2, 4, 2, 4}, rec.Values[base+format.ArrayCount].Ints)
	require.Equal(t, []uint64{0, 0, 2, 0}, rec.Values[base+format.ArrayOffsets].Ints)
	require.Equal(t, []uint64{0, 64}, rec.Values[base+format.ArrayDataLocations].Ints)

	data := snap.Data.Bytes()
	require.Equal(t, block0, data[0:64])
	require.Equal(t, block1, data[64:128])
	require.Equal(t, uint64(128), snap.DataSize)
}

func TestMarshalerSchemaStability(t *testing.T) {
	m := newTestMarshaler(t)

	step := func(n uint64, vars ...Variable) *Snapshot {
		require.NoError(t, m.InitStep(buffer.NewChunked()))
		for _, v := range vars {
			switch {
			case v.Type == format.TypeString:
				require.NoError(t, m.PutString(v, "hello"))
			case v.Shape.IsArray():
				require.NoError(t, m.Put(v, nil, []uint64{2}, nil, int32s(1, 2), true))
			default:
				require.NoError(t, m.Put(v, nil, nil, nil, int64Bytes(int64(n)), true))
			}
		}
		snap, err := m.CloseTimestep(n)
		require.NoError(t, err)
		t.Cleanup(snap.Release)

		return snap
	}

	first := step(0, stepVar, idsVar)
	require.Len(t, first.NewSchemas, 1)

	second := step(1, stepVar, idsVar)
	require.Empty(t, second.NewSchemas)

	// a subset of known variables reuses the schema
	third := step(2, stepVar)
	require.Empty(t, third.NewSchemas)

	fourth := step(3, stepVar, tagVar)
	require.Len(t, fourth.NewSchemas, 1)
	require.NotEqual(t, first.NewSchemas[0].ID, fourth.NewSchemas[0].ID)

	rec := decodeMeta(t, m, fourth)
	require.Equal(t, "hello", rec.Values[fieldIndex(t, rec, tagVar, "")].Str)

	// the unwritten array stays absent
	base := fieldIndex(t, rec, idsVar, format.SuffixDims)
	require.False(t, rec.Present(base+format.ArrayCount))
	require.Zero(t, rec.Uint(base+format.ArrayBlockCount))
}

func TestMarshalerDeferredBlocks(t *testing.T) {
	m := newTestMarshaler(t)
	acc := buffer.NewChunked()
	require.NoError(t, m.InitStep(acc))

	src := int32s(1, 2, 3)
	require.NoError(t, m.Put(idsVar, nil, []uint64{3}, nil, src, false))
	require.Zero(t, m.DataBufferSize())

	require.NoError(t, m.PerformPuts())
	require.Equal(t, uint64(12), m.DataBufferSize())

	// the caller may reuse its slice after PerformPuts
	copy(src, int32s(7, 7, 7))

	deferred := int32s(4, 5)
	require.NoError(t, m.Put(idsVar, nil, []uint64{2}, nil, deferred, false))

	snap, err := m.CloseTimestep(0)
	require.NoError(t, err)
	defer snap.Release()

	rec := decodeMeta(t, m, snap)
	base := fieldIndex(t, rec, idsVar, format.SuffixDims)
	require.Equal(t, []uint64{0, 12}, rec.Values[base+format.ArrayDataLocations].Ints)
	require.False(t, rec.Present(base+format.ArrayShape))
	require.False(t, rec.Present(base+format.ArrayOffsets))

	data := snap.Data.Bytes()
	require.Equal(t, int32s(1, 2, 3, 4, 5), data[:20])
	require.Equal(t, uint64(24), snap.DataSize)
}

func TestMarshalerReinitStepData(t *testing.T) {
	m := newTestMarshaler(t, WithBlockAlignment(16))
	first := buffer.NewChunked()
	require.NoError(t, m.InitStep(first))

	require.NoError(t, m.Put(idsVar, nil, []uint64{3}, nil, int32s(1, 2, 3), false))

	second := buffer.NewChunked()
	prev, err := m.ReinitStepData(second)
	require.NoError(t, err)
	require.Same(t, first, prev)
	require.Equal(t, uint64(16), prev.Size())
	defer prev.Release()

	require.NoError(t, m.Put(idsVar, nil, []uint64{4}, nil, int32s(4, 5, 6, 7), true))

	snap, err := m.CloseTimestep(0)
	require.NoError(t, err)
	defer snap.Release()

	rec := decodeMeta(t, m, snap)
	base := fieldIndex(t, rec, idsVar, format.SuffixDims)
	require.Equal(t, []uint64{0, 16}, rec.Values[base+format.ArrayDataLocations].Ints)
	require.Equal(t, uint64(32), snap.DataSize)
	require.Equal(t, uint64(32), rec.Uint(format.MetaDataBlockSize))
	require.Same(t, second, snap.Data)
}

func TestMarshalerPutSpan(t *testing.T) {
	m := newTestMarshaler(t)
	require.NoError(t, m.InitStep(buffer.NewChunked()))

	require.NoError(t, m.Put(stepVar, nil, nil, nil, int64Bytes(1), true))
	require.NoError(t, m.Put(idsVar, nil, []uint64{1}, nil, int32s(9), true))

	span, err := m.PutSpan(idsVar, nil, []uint64{2}, nil)
	require.NoError(t, err)
	require.Len(t, span, 8)
	copy(span, int32s(11, 12))

	snap, err := m.CloseTimestep(0)
	require.NoError(t, err)
	defer snap.Release()

	rec := decodeMeta(t, m, snap)
	base := fieldIndex(t, rec, idsVar, format.SuffixDims)
	require.Equal(t, []uint64{0, 4}, rec.Values[base+format.ArrayDataLocations].Ints)
	require.Equal(t, int32s(9, 11, 12), snap.Data.Bytes()[:12])

	_, err = m.PutSpan(stepVar, nil, nil, nil)
	require.ErrorIs(t, err, errs.ErrStepNotOpen)
}

func TestMarshalerValidation(t *testing.T) {
	m := newTestMarshaler(t)
	require.NoError(t, m.InitStep(buffer.NewChunked()))
	require.NoError(t, m.Put(gridVar, []uint64{4, 4}, []uint64{1, 4}, []uint64{0, 0}, float64s(1, 2, 3, 4), true))

	tests := []struct {
		name string
		put  func() error
		want error
	}{
		{
			name: "empty name",
			put:  func() error { return m.Put(Variable{Type: format.TypeInt8, Shape: format.ShapeGlobalValue}, nil, nil, nil, []byte{1}, true) },
			want: errs.ErrInvalidVariable,
		},
		{
			name: "scalar size",
			put:  func() error { return m.Put(stepVar, nil, nil, nil, []byte{1, 2}, true) },
			want: errs.ErrDataSizeMismatch,
		},
		{
			name: "type change",
			put: func() error {
				v := gridVar
				v.Type = format.TypeFloat32
				return m.Put(v, []uint64{4, 4}, []uint64{1, 4}, []uint64{0, 0}, make([]byte, 16), true)
			},
			want: errs.ErrTypeMismatch,
		},
		{
			name: "dimension change",
			put: func() error {
				v := gridVar
				v.Dims = 3
				return m.Put(v, nil, []uint64{1, 1, 1}, nil, make([]byte, 8), true)
			},
			want: errs.ErrDimensionMismatch,
		},
		{
			name: "count length",
			put:  func() error { return m.Put(gridVar, []uint64{4, 4}, []uint64{4}, []uint64{0, 0}, make([]byte, 32), true) },
			want: errs.ErrDimensionMismatch,
		},
		{
			name: "global array without offsets",
			put:  func() error { return m.Put(gridVar, []uint64{4, 4}, []uint64{1, 4}, nil, make([]byte, 32), true) },
			want: errs.ErrDimensionMismatch,
		},
		{
			name: "global array without shape",
			put:  func() error { return m.Put(gridVar, nil, []uint64{1, 4}, []uint64{1, 0}, make([]byte, 32), true) },
			want: errs.ErrDimensionMismatch,
		},
		{
			name: "first put of global array without shape",
			put: func() error {
				v := Variable{Name: "line", Type: format.TypeFloat64, Shape: format.ShapeGlobalArray, Dims: 1}
				return m.Put(v, nil, []uint64{3}, []uint64{0}, make([]byte, 24), true)
			},
			want: errs.ErrDimensionMismatch,
		},
		{
			name: "joined array without offsets",
			put: func() error {
				v := Variable{Name: "rows", Type: format.TypeInt32, Shape: format.ShapeJoinedArray, Dims: 1}
				return m.Put(v, []uint64{3}, []uint64{3}, nil, make([]byte, 12), true)
			},
			want: errs.ErrDimensionMismatch,
		},
		{
			name: "local array with shape",
			put:  func() error { return m.Put(idsVar, []uint64{3}, []uint64{3}, nil, make([]byte, 12), true) },
			want: errs.ErrDimensionMismatch,
		},
		{
			name: "local array with offsets",
			put:  func() error { return m.Put(idsVar, nil, []uint64{3}, []uint64{0}, make([]byte, 12), true) },
			want: errs.ErrDimensionMismatch,
		},
		{
			name: "span of global array without shape",
			put: func() error {
				_, err := m.PutSpan(gridVar, nil, []uint64{1, 4}, []uint64{2, 0})
				return err
			},
			want: errs.ErrDimensionMismatch,
		},
		{
			name: "block size",
			put:  func() error { return m.Put(gridVar, []uint64{4, 4}, []uint64{1, 4}, []uint64{1, 0}, make([]byte, 31), true) },
			want: errs.ErrDataSizeMismatch,
		},
		{
			name: "string through Put",
			put:  func() error { return m.Put(tagVar, nil, nil, nil, []byte("x"), true) },
			want: errs.ErrTypeMismatch,
		},
		{
			name: "string array",
			put: func() error {
				v := Variable{Name: "names", Type: format.TypeString, Shape: format.ShapeGlobalArray, Dims: 1}
				return m.Put(v, []uint64{1}, []uint64{1}, []uint64{0}, nil, true)
			},
			want: errs.ErrInvalidVariable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.put(), tt.want)
		})
	}
}

func TestMarshalerLogsRegistration(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := newTestMarshaler(t, WithLogger(zap.New(core)))
	require.NoError(t, m.InitStep(buffer.NewChunked()))
	require.NoError(t, m.Put(stepVar, nil, nil, nil, int64Bytes(1), true))

	snap, err := m.CloseTimestep(3)
	require.NoError(t, err)
	defer snap.Release()

	registered := logs.FilterMessage("variable registered").All()
	require.Len(t, registered, 1)
	require.Equal(t, "step", registered[0].ContextMap()["name"])

	closed := logs.FilterMessage("timestep closed").All()
	require.Len(t, closed, 1)
	require.Equal(t, uint64(3), closed[0].ContextMap()["step"])
	require.Equal(t, int64(1), closed[0].ContextMap()["written_variables"])
	require.Equal(t, int64(len(snap.Metadata())), closed[0].ContextMap()["metadata_bytes"])
}

func TestMarshalerBigEndianRecords(t *testing.T) {
	writer := newTestMarshaler(t, WithBigEndian())
	require.NoError(t, writer.InitStep(buffer.NewChunked()))
	require.NoError(t, writer.Put(stepVar, nil, nil, nil, int64Bytes(-5), true))

	snap, err := writer.CloseTimestep(0)
	require.NoError(t, err)
	defer snap.Release()

	reader, err := schema.NewRegistry()
	require.NoError(t, err)
	for _, b := range snap.NewSchemas {
		_, err := reader.Learn(b.Body)
		require.NoError(t, err)
	}

	rec, err := reader.Decode(snap.Metadata())
	require.NoError(t, err)
	require.Equal(t, int64Bytes(-5), rec.Values[fieldIndex(t, rec, stepVar, "")].Raw)
}

func BenchmarkMarshalerStep(b *testing.B) {
	m, err := NewMarshaler()
	require.NoError(b, err)
	block := make([]byte, 8*64)

	for b.Loop() {
		_ = m.InitStep(buffer.NewChunked())
		_ = m.Put(stepVar, nil, nil, nil, int64Bytes(1), true)
		_ = m.Put(gridVar, []uint64{8, 8}, []uint64{8, 8}, []uint64{0, 0}, block, false)
		snap, _ := m.CloseTimestep(0)
		snap.Release()
	}
}
