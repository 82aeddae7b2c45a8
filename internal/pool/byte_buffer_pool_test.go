package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewByteBuffer(t *testing.T) {
	capacity := 1024
	bb := NewByteBuffer(capacity)

	require.NotNil(t, bb)
	require.NotNil(t, bb.B)
	assert.Equal(t, 0, bb.Len(), "new buffer should have zero length")
	assert.Equal(t, capacity, bb.Cap(), "new buffer should have specified capacity")
}

func TestByteBuffer_Reset(t *testing.T) {
	bb := NewByteBuffer(MetadataBufferDefaultSize)
	bb.MustWrite([]byte("some data"))
	originalCap := bb.Cap()

	bb.Reset()

	assert.Equal(t, 0, bb.Len(), "Reset should clear the buffer length")
	assert.Equal(t, originalCap, bb.Cap(), "Reset should preserve capacity")
}

func TestByteBuffer_MustWrite(t *testing.T) {
	bb := NewByteBuffer(4)

	bb.MustWrite([]byte("hello"))
	bb.MustWrite([]byte(" world"))
	assert.Equal(t, []byte("hello world"), bb.Bytes())
	assert.Equal(t, 11, bb.Len())
}

func TestByteBuffer_ExtendOrGrow(t *testing.T) {
	t.Run("within capacity", func(t *testing.T) {
		bb := NewByteBuffer(16)
		bb.MustWrite([]byte{1, 2})
		off := bb.ExtendOrGrow(4)
		require.Equal(t, 2, off)
		require.Equal(t, []byte{1, 2, 0, 0, 0, 0}, bb.Bytes())
	})

	t.Run("grows and zeroes reused memory", func(t *testing.T) {
		bb := NewByteBuffer(4)
		bb.MustWrite([]byte{9, 9, 9, 9})
		bb.Reset()
		bb.MustWrite([]byte{1})
		off := bb.ExtendOrGrow(10)
		require.Equal(t, 1, off)
		require.Equal(t, 11, bb.Len())
		for _, b := range bb.Bytes()[1:] {
			require.Zero(t, b)
		}
	})
}

func TestByteBuffer_PadTo(t *testing.T) {
	tests := []struct {
		name   string
		length int
		align  int
		want   int
	}{
		{"already aligned", 16, 8, 16},
		{"pad to eight", 13, 8, 16},
		{"empty", 0, 8, 0},
		{"no alignment", 13, 1, 13},
		{"zero alignment", 13, 0, 13},
		{"block alignment", 100, 64, 128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bb := NewByteBuffer(8)
			bb.ExtendOrGrow(tt.length)
			require.Equal(t, tt.want, bb.PadTo(tt.align))
			require.Equal(t, tt.want, bb.Len())
		})
	}
}

func TestByteBuffer_Grow(t *testing.T) {
	t.Run("sufficient capacity", func(t *testing.T) {
		bb := NewByteBuffer(100)
		bb.Grow(50)
		assert.Equal(t, 100, bb.Cap())
	})

	t.Run("small buffer grows by default size", func(t *testing.T) {
		bb := NewByteBuffer(10)
		bb.MustWrite(make([]byte, 10))
		bb.Grow(1)
		assert.Equal(t, 10+MetadataBufferDefaultSize, bb.Cap())
	})

	t.Run("large request", func(t *testing.T) {
		bb := NewByteBuffer(10)
		bb.Grow(MetadataBufferDefaultSize * 3)
		assert.GreaterOrEqual(t, bb.Cap(), MetadataBufferDefaultSize*3)
	})

	t.Run("preserves data", func(t *testing.T) {
		bb := NewByteBuffer(4)
		bb.MustWrite([]byte("abcd"))
		bb.Grow(1000)
		assert.Equal(t, []byte("abcd"), bb.Bytes())
	})
}

func TestByteBufferPool_MaxThreshold(t *testing.T) {
	pool := NewByteBufferPool(1024, 4096)

	bb := pool.Get()
	bb.Grow(10000)
	require.Greater(t, bb.Cap(), 4096)
	pool.Put(bb)

	bb2 := pool.Get()
	assert.LessOrEqual(t, bb2.Cap(), 4096, "oversized buffers must not be reused")
	assert.Equal(t, 0, bb2.Len())
}

func TestDefaultPools(t *testing.T) {
	meta := GetMetadataBuffer()
	seg := GetSegmentBuffer()
	require.NotNil(t, meta)
	require.NotNil(t, seg)
	assert.Equal(t, 0, meta.Len())
	assert.Equal(t, 0, seg.Len())

	meta.MustWrite([]byte("meta"))
	seg.MustWrite([]byte("segment"))

	PutMetadataBuffer(meta)
	PutSegmentBuffer(seg)
	PutMetadataBuffer(nil)
	PutSegmentBuffer(nil)

	again := GetMetadataBuffer()
	assert.Equal(t, 0, again.Len(), "pooled buffers come back empty")
	PutMetadataBuffer(again)
}

func TestPool_ConcurrentAccess(t *testing.T) {
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				bb := GetMetadataBuffer()
				bb.MustWrite([]byte("record"))
				PutMetadataBuffer(bb)
			}
		}()
	}
	wg.Wait()
}

func BenchmarkPool_GetWritePut(b *testing.B) {
	data := make([]byte, 512)
	for b.Loop() {
		bb := GetMetadataBuffer()
		bb.MustWrite(data)
		bb.PadTo(8)
		PutMetadataBuffer(bb)
	}
}
