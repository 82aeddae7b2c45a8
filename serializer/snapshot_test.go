package serializer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/stepmeta/buffer"
	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/format"
	"github.com/arloliu/stepmeta/schema"
)

func TestMarshalAttribute(t *testing.T) {
	m := newTestMarshaler(t)
	require.NoError(t, m.InitStep(buffer.NewChunked()))

	require.NoError(t, m.MarshalAttribute("version", format.TypeInt32, -1, int32s(1), nil))
	require.NoError(t, m.MarshalAttribute("bounds", format.TypeFloat64, 2, float64s(-1, 1), nil))
	require.NoError(t, m.MarshalAttribute("ids", format.TypeInt64, 3, append(append(int64Bytes(1), int64Bytes(2)...), int64Bytes(3)...), nil))
	require.NoError(t, m.MarshalAttribute("unit", format.TypeString, -1, nil, []string{"K"}))
	require.NoError(t, m.MarshalAttribute("axes", format.TypeString, 2, nil, []string{"x", "y"}))

	// a second value replaces the first
	require.NoError(t, m.MarshalAttribute("version", format.TypeInt32, -1, int32s(2), nil))
	require.NoError(t, m.MarshalAttribute("bounds", format.TypeFloat64, 3, float64s(-2, 0, 2), nil))

	snap, err := m.CloseTimestep(0)
	require.NoError(t, err)
	defer snap.Release()

	require.Len(t, snap.NewSchemas, 2)
	require.NotNil(t, snap.Attributes())

	rec, err := m.Codec().Decode(snap.Attributes())
	require.NoError(t, err)
	require.Equal(t, format.AttributeRecordName, rec.Schema.Name())

	field := func(shape format.ShapeID, typ format.DataType, name, suffix string) int {
		idx := rec.Schema.FieldIndex(format.BuildFieldName(shape, typ.Size(), typ, name, suffix))
		require.GreaterOrEqual(t, idx, 0, name)

		return idx
	}

	require.Equal(t, int32s(2), rec.Values[field(format.ShapeGlobalValue, format.TypeInt32, "version", "")].Raw)
	require.Equal(t, "K", rec.Values[field(format.ShapeGlobalValue, format.TypeString, "unit", "")].Str)

	require.Equal(t, uint64(3), rec.Uint(field(format.ShapeGlobalArray, format.TypeFloat64, "bounds", format.SuffixElemCount)))
	require.Equal(t, float64s(-2, 0, 2), rec.Values[field(format.ShapeGlobalArray, format.TypeFloat64, "bounds", "")].Raw)
	require.Equal(t, []uint64{1, 2, 3}, rec.Values[field(format.ShapeGlobalArray, format.TypeInt64, "ids", "")].Ints)
	require.Equal(t, []string{"x", "y"}, rec.Values[field(format.ShapeGlobalArray, format.TypeString, "axes", "")].Strs)

	// attributes are emitted once
	require.NoError(t, m.InitStep(buffer.NewChunked()))
	next, err := m.CloseTimestep(1)
	require.NoError(t, err)
	defer next.Release()
	require.Nil(t, next.Attributes())
	require.Empty(t, next.NewSchemas)
}

func TestMarshalAttributeErrors(t *testing.T) {
	m := newTestMarshaler(t)

	tests := []struct {
		name      string
		attr      string
		typ       format.DataType
		elemCount int
		data      []byte
		strs      []string
	}{
		{name: "empty name", typ: format.TypeInt8, elemCount: -1, data: []byte{1}},
		{name: "invalid type", attr: "a", typ: format.DataType(99), elemCount: -1},
		{name: "single size", attr: "a", typ: format.TypeInt32, elemCount: -1, data: []byte{1}},
		{name: "array size", attr: "a", typ: format.TypeInt32, elemCount: 2, data: int32s(1)},
		{name: "single string count", attr: "a", typ: format.TypeString, elemCount: -1, strs: []string{"a", "b"}},
		{name: "string array count", attr: "a", typ: format.TypeString, elemCount: 3, strs: []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.MarshalAttribute(tt.attr, tt.typ, tt.elemCount, tt.data, tt.strs)
			require.ErrorIs(t, err, errs.ErrInvalidAttribute)
		})
	}

	t.Run("kind change", func(t *testing.T) {
		require.NoError(t, m.MarshalAttribute("k", format.TypeInt32, -1, int32s(1), nil))
		err := m.MarshalAttribute("k", format.TypeInt32, 1, int32s(1), nil)
		require.ErrorIs(t, err, errs.ErrInvalidAttribute)
	})
}

func closeStep(t *testing.T, m *Marshaler, value int64, block []byte) *Snapshot {
	t.Helper()

	require.NoError(t, m.InitStep(buffer.NewChunked()))
	require.NoError(t, m.Put(stepVar, nil, nil, nil, int64Bytes(value), true))
	require.NoError(t, m.Put(idsVar, nil, []uint64{uint64(len(block) / 4)}, nil, block, false))
	snap, err := m.CloseTimestep(0)
	require.NoError(t, err)
	t.Cleanup(snap.Release)

	return snap
}

func TestPackUnpackContiguous(t *testing.T) {
	w0 := newTestMarshaler(t)
	w1 := newTestMarshaler(t)
	require.NoError(t, w1.MarshalAttribute("origin", format.TypeInt64, -1, int64Bytes(1), nil))

	s0 := closeStep(t, w0, 100, int32s(1, 2, 3))
	s1 := closeStep(t, w1, 200, int32s(4))

	p0 := PackContiguous(s0, s0.DataSize, 0)
	p1 := PackContiguous(s1, s1.DataSize, s0.DataSize)

	agg := append(append([]byte{}, p0...), p1...)
	out, err := UnpackContiguous(agg, []uint64{uint64(len(p0)), uint64(len(p1))})
	require.NoError(t, err)

	// identical variable sets share one metadata schema
	require.Len(t, out.Schemas, 2)
	require.Equal(t, s0.NewSchemas[0].ID, out.Schemas[0].ID)
	require.Equal(t, s0.NewSchemas[0].Body, out.Schemas[0].Body)

	require.Equal(t, []uint64{s0.DataSize, s1.DataSize}, out.DataSizes)
	require.Equal(t, []uint64{0, s0.DataSize}, out.WriterDataPositions)
	require.Nil(t, out.Attributes[0])
	require.NotNil(t, out.Attributes[1])

	reader, err := schema.NewRegistry()
	require.NoError(t, err)
	for _, b := range out.Schemas {
		_, err := reader.Learn(b.Body)
		require.NoError(t, err)
	}

	for rank, want := range []uint64{100, 200} {
		rec, err := reader.Decode(out.Metadata[rank])
		require.NoError(t, err)
		require.Equal(t, want, rec.Uint(fieldIndex(t, rec, stepVar, "")))
	}

	attr, err := reader.Decode(out.Attributes[1])
	require.NoError(t, err)
	require.Equal(t, format.AttributeRecordName, attr.Schema.Name())
}

func TestUnpackContiguousRejectsMalformed(t *testing.T) {
	m := newTestMarshaler(t)
	snap := closeStep(t, m, 1, int32s(1))
	packed := PackContiguous(snap, snap.DataSize, 0)

	_, err := UnpackContiguous(packed, []uint64{uint64(len(packed)) + 8})
	require.ErrorIs(t, err, errs.ErrInvalidContribution)

	_, err = UnpackContiguous(packed[:len(packed)-8], []uint64{uint64(len(packed)) - 8})
	require.ErrorIs(t, err, errs.ErrInvalidContribution)

	_, err = UnpackContiguous(append(packed, 0, 0, 0, 0, 0, 0, 0, 0), []uint64{uint64(len(packed)) + 8})
	require.ErrorIs(t, err, errs.ErrInvalidContribution)
}
