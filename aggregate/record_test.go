package aggregate

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/internal/hash"
)

func sampleContrib(schemas int) nodeContrib {
	c := nodeContrib{
		attrHash:    hash.Sum128([]byte("attributes")),
		attrSize:    10,
		schemaCount: uint64(schemas),
		metaSize:    1234,
		dataPos:     1 << 40,
	}
	for i := range schemas {
		c.schemaIDs = append(c.schemaIDs, hash.Sum128([]byte{byte(i)}))
		c.schemaSizes = append(c.schemaSizes, uint64(100+i))
	}

	return c
}

func TestFixedRecord(t *testing.T) {
	require.Equal(t, 144, FixedRecordSize)

	tests := []struct {
		name    string
		schemas int
		kept    int
	}{
		{name: "empty", schemas: 0, kept: 0},
		{name: "partial", schemas: 2, kept: 2},
		{name: "full", schemas: FixedSchemaSlots, kept: FixedSchemaSlots},
		{name: "overflow", schemas: 6, kept: FixedSchemaSlots},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sampleContrib(tt.schemas)
			b := appendFixed(nil, &in)
			require.Len(t, b, FixedRecordSize)

			out, err := decodeFixed(b)
			require.NoError(t, err)
			require.Equal(t, uint64(tt.schemas), out.schemaCount, "the true count survives")

			want := in
			if tt.kept > 0 {
				want.schemaIDs = in.schemaIDs[:tt.kept]
				want.schemaSizes = in.schemaSizes[:tt.kept]
			}
			if diff := cmp.Diff(want, out, cmp.AllowUnexported(nodeContrib{})); diff != "" {
				t.Errorf("decoded record mismatch (-want +got):\n%s", diff)
			}
		})
	}

	_, err := decodeFixed(make([]byte, FixedRecordSize-1))
	require.ErrorIs(t, err, errs.ErrInvalidRecordSize)
}

func TestDynamicRecord(t *testing.T) {
	in := sampleContrib(9)
	b := appendDynamic(nil, &in)
	require.Len(t, b, 48+24*9)

	out, err := decodeDynamic(b)
	require.NoError(t, err)
	if diff := cmp.Diff(in, out, cmp.AllowUnexported(nodeContrib{})); diff != "" {
		t.Errorf("decoded record mismatch (-want +got):\n%s", diff)
	}

	_, err = decodeDynamic(b[:len(b)-8])
	require.ErrorIs(t, err, errs.ErrInvalidRecordSize)
	_, err = decodeDynamic(b[:20])
	require.ErrorIs(t, err, errs.ErrInvalidRecordSize)
}

func TestAlign8(t *testing.T) {
	for in, want := range map[uint64]uint64{0: 0, 1: 8, 7: 8, 8: 8, 9: 16, 144: 144} {
		require.Equal(t, want, align8(in), "align8(%d)", in)
	}
}
