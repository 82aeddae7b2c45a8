// Package buffer implements the payload byte accumulator that collects the
// bulk data of one timestep.
//
// Offsets returned by an Accumulator are relative to the start of that
// accumulator. The marshaler adds the size of previously finished
// accumulators of the same step so that data locations stay relative to the
// whole step.
package buffer

import "github.com/arloliu/stepmeta/internal/pool"

// Accumulator collects payload bytes as an ordered list of segments.
type Accumulator interface {
	// Append places data at the next offset aligned to align and returns it.
	// When copyNow is false the accumulator may keep a reference to data
	// instead of copying it; the caller must keep data unchanged until
	// CopyExternalToInternal or Release.
	Append(data []byte, align int, copyNow bool) uint64
	// Allocate reserves size zeroed bytes at the next offset aligned to
	// align. The returned slice stays valid until Release.
	Allocate(size, align int) (uint64, []byte)
	// CopyExternalToInternal copies every borrowed region into owned memory.
	CopyExternalToInternal()
	// Pad appends zero bytes up to a multiple of align and returns the new size.
	Pad(align int) uint64
	// Size returns the total number of bytes, padding included.
	Size() uint64
	// Segments returns the scatter-gather list of the accumulated bytes.
	Segments() [][]byte
	// Bytes returns the accumulated bytes as one contiguous slice.
	Bytes() []byte
	// Release returns owned memory to the pool. The accumulator is empty afterwards.
	Release()
}

type segment struct {
	owned  *pool.ByteBuffer // nil for a borrowed region
	data   []byte           // borrowed region
	sealed bool             // no further appends into owned
}

func (s *segment) bytes() []byte {
	if s.owned != nil {
		return s.owned.B
	}

	return s.data
}

// Chunked is the pooled, segment based Accumulator.
//
// A Chunked accumulator is not safe for concurrent use.
type Chunked struct {
	segments []segment
	size     uint64
}

var _ Accumulator = (*Chunked)(nil)

// NewChunked creates an empty accumulator.
func NewChunked() *Chunked {
	return &Chunked{}
}

// tail returns an owned, unsealed segment to append into.
func (c *Chunked) tail() *pool.ByteBuffer {
	if n := len(c.segments); n > 0 {
		last := &c.segments[n-1]
		if last.owned != nil && !last.sealed {
			return last.owned
		}
	}

	c.segments = append(c.segments, segment{owned: pool.GetSegmentBuffer()})

	return c.segments[len(c.segments)-1].owned
}

// Pad appends zero bytes until Size is a multiple of align.
func (c *Chunked) Pad(align int) uint64 {
	if align <= 1 {
		return c.size
	}
	if rem := c.size % uint64(align); rem != 0 {
		n := uint64(align) - rem
		c.tail().ExtendOrGrow(int(n))
		c.size += n
	}

	return c.size
}

// Append places data at the next aligned offset.
func (c *Chunked) Append(data []byte, align int, copyNow bool) uint64 {
	offset := c.Pad(align)
	if len(data) == 0 {
		return offset
	}

	if copyNow {
		c.tail().MustWrite(data)
	} else {
		c.segments = append(c.segments, segment{data: data, sealed: true})
	}
	c.size += uint64(len(data))

	return offset
}

// Allocate reserves size zeroed bytes in a dedicated segment.
func (c *Chunked) Allocate(size, align int) (uint64, []byte) {
	offset := c.Pad(align)

	bb := pool.GetSegmentBuffer()
	bb.ExtendOrGrow(size)
	c.segments = append(c.segments, segment{owned: bb, sealed: true})
	c.size += uint64(size)

	return offset, bb.B
}

// CopyExternalToInternal copies borrowed regions into pooled memory.
func (c *Chunked) CopyExternalToInternal() {
	for i := range c.segments {
		seg := &c.segments[i]
		if seg.owned != nil {
			continue
		}
		bb := pool.GetSegmentBuffer()
		bb.MustWrite(seg.data)
		seg.owned = bb
		seg.data = nil
	}
}

// Size returns the total number of bytes.
func (c *Chunked) Size() uint64 {
	return c.size
}

// Segments returns the scatter-gather list. Empty segments are skipped.
func (c *Chunked) Segments() [][]byte {
	out := make([][]byte, 0, len(c.segments))
	for i := range c.segments {
		if b := c.segments[i].bytes(); len(b) > 0 {
			out = append(out, b)
		}
	}

	return out
}

// Bytes returns a contiguous copy of the accumulated bytes.
func (c *Chunked) Bytes() []byte {
	out := make([]byte, 0, c.size)
	for i := range c.segments {
		out = append(out, c.segments[i].bytes()...)
	}

	return out
}

// Release returns owned segments to the pool and empties the accumulator.
func (c *Chunked) Release() {
	for i := range c.segments {
		if c.segments[i].owned != nil {
			pool.PutSegmentBuffer(c.segments[i].owned)
		}
	}
	c.segments = c.segments[:0]
	c.size = 0
}
