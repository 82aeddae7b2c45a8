package pool

import "sync"

// Default pool sizing.
const (
	MetadataBufferDefaultSize  = 1024 * 4         // 4KiB
	MetadataBufferMaxThreshold = 1024 * 1024      // 1MiB
	SegmentBufferDefaultSize   = 1024 * 1024      // 1MiB
	SegmentBufferMaxThreshold  = 1024 * 1024 * 16 // 16MiB
)

// ByteBuffer is a growable byte slice handed out by the pools.
type ByteBuffer struct {
	// B is the underlying byte slice.
	B []byte
}

// NewByteBuffer creates a new ByteBuffer with the specified default size.
func NewByteBuffer(defaultSize int) *ByteBuffer {
	return &ByteBuffer{
		B: make([]byte, 0, defaultSize),
	}
}

// Bytes returns the underlying byte slice.
func (bb *ByteBuffer) Bytes() []byte {
	return bb.B
}

// Reset resets the buffer to be empty, but retains the allocated memory for reuse.
func (bb *ByteBuffer) Reset() {
	bb.B = bb.B[:0]
}

// Len returns the length of the buffer.
func (bb *ByteBuffer) Len() int {
	return len(bb.B)
}

// Cap returns the capacity of the buffer.
func (bb *ByteBuffer) Cap() int {
	return cap(bb.B)
}

// MustWrite writes data to the buffer, growing it if necessary.
func (bb *ByteBuffer) MustWrite(data []byte) {
	bb.B = append(bb.B, data...)
}

// Extend extends the buffer by n bytes if there is sufficient capacity.
func (bb *ByteBuffer) Extend(n int) bool {
	curLen := len(bb.B)
	if cap(bb.B)-curLen < n {
		return false
	}

	bb.B = bb.B[:curLen+n]

	return true
}

// ExtendOrGrow extends the buffer by n zeroed bytes, growing it if necessary.
//
// It returns the offset of the first new byte.
func (bb *ByteBuffer) ExtendOrGrow(n int) int {
	start := len(bb.B)
	if !bb.Extend(n) {
		bb.Grow(n)
		bb.B = bb.B[:start+n]
	}
	clear(bb.B[start:])

	return start
}

// PadTo appends zero bytes until the length is a multiple of align.
//
// It returns the padded length. An align of 1 or less is a no-op.
func (bb *ByteBuffer) PadTo(align int) int {
	if align > 1 {
		if rem := len(bb.B) % align; rem != 0 {
			bb.ExtendOrGrow(align - rem)
		}
	}

	return len(bb.B)
}

// Grow grows the buffer to ensure it can hold requiredBytes more bytes without reallocating.
// If the buffer has sufficient capacity, Grow does nothing.
//
// The growth strategy is as follows:
//   - For small buffers, grow by MetadataBufferDefaultSize to minimize reallocations.
//   - For larger buffers, grow by 25% of current capacity to balance memory usage and reallocation cost.
func (bb *ByteBuffer) Grow(requiredBytes int) {
	available := cap(bb.B) - len(bb.B)
	if available >= requiredBytes {
		return
	}

	growBy := MetadataBufferDefaultSize
	if cap(bb.B) > 4*MetadataBufferDefaultSize {
		growBy = cap(bb.B) / 4
	}

	if growBy < requiredBytes {
		growBy = requiredBytes
	}

	newBuf := make([]byte, len(bb.B), len(bb.B)+growBy)
	copy(newBuf, bb.B)
	bb.B = newBuf
}

// ByteBufferPool is a pool of ByteBuffers to minimize allocations.
//
// It uses sync.Pool internally to manage the buffers.
// Buffers that grew beyond maxThreshold are dropped instead of being retained.
type ByteBufferPool struct {
	pool         sync.Pool
	maxThreshold int
}

// NewByteBufferPool creates a new ByteBufferPool with buffers of the specified default size.
func NewByteBufferPool(defaultSize int, maxThreshold int) *ByteBufferPool {
	return &ByteBufferPool{
		pool: sync.Pool{
			New: func() any {
				return NewByteBuffer(defaultSize)
			},
		},
		maxThreshold: maxThreshold,
	}
}

// Get retrieves a ByteBuffer from the pool.
func (bbp *ByteBufferPool) Get() *ByteBuffer {
	bb, _ := bbp.pool.Get().(*ByteBuffer)
	return bb
}

// Put returns a ByteBuffer to the pool for reuse.
func (bbp *ByteBufferPool) Put(bb *ByteBuffer) {
	if bb == nil {
		return
	}

	if bbp.maxThreshold > 0 && bb.Cap() > bbp.maxThreshold {
		return
	}

	bb.Reset()
	bbp.pool.Put(bb)
}

var (
	metadataDefaultPool = NewByteBufferPool(MetadataBufferDefaultSize, MetadataBufferMaxThreshold)
	segmentDefaultPool  = NewByteBufferPool(SegmentBufferDefaultSize, SegmentBufferMaxThreshold)
)

// GetMetadataBuffer retrieves a buffer for an encoded metadata or attribute record.
func GetMetadataBuffer() *ByteBuffer {
	return metadataDefaultPool.Get()
}

// PutMetadataBuffer returns a buffer obtained from GetMetadataBuffer.
func PutMetadataBuffer(bb *ByteBuffer) {
	metadataDefaultPool.Put(bb)
}

// GetSegmentBuffer retrieves a buffer for a data accumulator segment.
func GetSegmentBuffer() *ByteBuffer {
	return segmentDefaultPool.Get()
}

// PutSegmentBuffer returns a buffer obtained from GetSegmentBuffer.
func PutSegmentBuffer(bb *ByteBuffer) {
	segmentDefaultPool.Put(bb)
}
