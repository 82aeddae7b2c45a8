package serializer

import (
	"fmt"

	"github.com/arloliu/stepmeta/buffer"
	"github.com/arloliu/stepmeta/endian"
	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/internal/hash"
	"github.com/arloliu/stepmeta/internal/pool"
	"github.com/arloliu/stepmeta/schema"
)

// Snapshot is the encoded result of one closed timestep.
//
// The caller owns the snapshot and must call Release once the encoded
// blocks and the payload have been consumed.
type Snapshot struct {
	Step uint64
	// NewSchemas holds the schemas first used by this step.
	NewSchemas []schema.Block
	// Data is the payload accumulator of the step's last data buffer.
	Data buffer.Accumulator
	// DataSize is the payload size of the whole step, alignment included.
	DataSize uint64

	metadata   *pool.ByteBuffer
	attributes *pool.ByteBuffer
}

// Metadata returns the encoded metadata record, valid until Release.
func (s *Snapshot) Metadata() []byte {
	if s.metadata == nil {
		return nil
	}

	return s.metadata.B
}

// Attributes returns the encoded attribute record, or nil when the step
// carries no attributes. Valid until Release.
func (s *Snapshot) Attributes() []byte {
	if s.attributes == nil {
		return nil
	}

	return s.attributes.B
}

// Release returns the encoded blocks and the payload to their pools.
// It is safe to call more than once.
func (s *Snapshot) Release() {
	if s.metadata != nil {
		pool.PutMetadataBuffer(s.metadata)
		s.metadata = nil
	}
	if s.attributes != nil {
		pool.PutMetadataBuffer(s.attributes)
		s.attributes = nil
	}
	if s.Data != nil {
		s.Data.Release()
		s.Data = nil
	}
}

// Breakout is the per-writer content of a contiguous metadata aggregate.
type Breakout struct {
	// Schemas holds every distinct schema found, in first-seen order.
	Schemas []schema.Block
	// Metadata holds the encoded metadata record of each writer, padding included.
	Metadata [][]byte
	// Attributes holds the encoded attribute record of each writer, nil when absent.
	Attributes [][]byte
	// DataSizes holds the payload size of each writer.
	DataSizes []uint64
	// WriterDataPositions holds the payload position of each writer.
	WriterDataPositions []uint64
}

const contiguousAlign = 8

func alignUp(n int) int {
	return (n + contiguousAlign - 1) &^ (contiguousAlign - 1)
}

// PackContiguous lays out one writer's schemas, metadata and attributes as
// a single buffer suitable for a plain gather.
//
// Layout, little-endian:
//
//	int32 schemaCount |
//	  per schema: int64 idLen | int64 bodyLen | id | body |
//	int64 metaLen | metadata, zero padded to metaLen |
//	int64 attrLen | attributes, zero padded to attrLen |
//	uint64 dataSize | uint64 writerDataPos
//
// metaLen and attrLen are the 8-byte aligned sizes.
func PackContiguous(snap *Snapshot, dataSize, writerDataPos uint64) []byte {
	le := endian.GetLittleEndianEngine()
	meta := snap.Metadata()
	attr := snap.Attributes()

	size := 4
	for _, b := range snap.NewSchemas {
		size += 16 + len(b.ID.Bytes()) + len(b.Body)
	}
	size += 8 + alignUp(len(meta)) + 8 + alignUp(len(attr)) + 16

	out := make([]byte, 0, size)
	out = le.AppendUint32(out, uint32(len(snap.NewSchemas)))
	for _, b := range snap.NewSchemas {
		id := b.ID.Bytes()
		out = le.AppendUint64(out, uint64(len(id)))
		out = le.AppendUint64(out, uint64(len(b.Body)))
		out = append(out, id[:]...)
		out = append(out, b.Body...)
	}

	out = le.AppendUint64(out, uint64(alignUp(len(meta))))
	out = append(out, meta...)
	out = append(out, make([]byte, alignUp(len(meta))-len(meta))...)

	out = le.AppendUint64(out, uint64(alignUp(len(attr))))
	out = append(out, attr...)
	out = append(out, make([]byte, alignUp(len(attr))-len(attr))...)

	out = le.AppendUint64(out, dataSize)
	out = le.AppendUint64(out, writerDataPos)

	return out
}

// UnpackContiguous splits a gathered buffer of PackContiguous records.
//
// Parameters:
//   - agg: Concatenated records, one per writer in rank order
//   - counts: Size of each writer's record
//
// Returns:
//   - *Breakout: Per-writer blocks referencing agg, schemas deduplicated by identity
//   - error: errs.ErrInvalidContribution when a record is malformed
func UnpackContiguous(agg []byte, counts []uint64) (*Breakout, error) {
	le := endian.GetLittleEndianEngine()
	out := &Breakout{
		Metadata:            make([][]byte, len(counts)),
		Attributes:          make([][]byte, len(counts)),
		DataSizes:           make([]uint64, len(counts)),
		WriterDataPositions: make([]uint64, len(counts)),
	}
	seen := make(map[hash.Digest]struct{})

	pos := uint64(0)
	for rank, count := range counts {
		end := pos + count
		if end > uint64(len(agg)) {
			return nil, fmt.Errorf("%w: rank %d record exceeds the aggregate", errs.ErrInvalidContribution, rank)
		}
		rec := agg[pos:end]
		cur := 0
		bad := false

		take := func(n uint64) []byte {
			if bad || n > uint64(len(rec)-cur) {
				bad = true
				return nil
			}
			b := rec[cur : cur+int(n)]
			cur += int(n)

			return b
		}
		u64 := func() uint64 {
			b := take(8)
			if b == nil {
				return 0
			}

			return le.Uint64(b)
		}

		var n uint32
		if b := take(4); b != nil {
			n = le.Uint32(b)
		}
		for range n {
			idLen, bodyLen := u64(), u64()
			id := take(idLen)
			body := take(bodyLen)
			if bad || idLen != 16 {
				return nil, fmt.Errorf("%w: rank %d schema entry", errs.ErrInvalidContribution, rank)
			}
			d := hash.FromBytes(id)
			if _, dup := seen[d]; !dup {
				seen[d] = struct{}{}
				out.Schemas = append(out.Schemas, schema.Block{ID: d, Body: body})
			}
		}

		out.Metadata[rank] = take(u64())
		if attr := take(u64()); len(attr) > 0 {
			out.Attributes[rank] = attr
		}
		out.DataSizes[rank] = u64()
		out.WriterDataPositions[rank] = u64()

		if bad || cur != len(rec) {
			return nil, fmt.Errorf("%w: rank %d record is %d bytes, parsed %d",
				errs.ErrInvalidContribution, rank, len(rec), cur)
		}
		pos = end
	}

	return out, nil
}
