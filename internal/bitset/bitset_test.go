package bitset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitset_SetTest(t *testing.T) {
	var b Bitset

	require.False(t, b.Test(0))
	require.False(t, b.Test(-1))
	require.False(t, b.Test(1000))

	require.False(t, b.Set(3))
	require.True(t, b.Set(3), "second set reports the bit was already set")
	require.True(t, b.Test(3))
	require.False(t, b.Test(2))
	require.Equal(t, 1, b.Count())
	require.Equal(t, 1, b.Len())
}

func TestBitset_Grow(t *testing.T) {
	var b Bitset

	b.Set(0)
	b.Set(64)
	b.Set(200)

	require.Equal(t, 4, b.Len())
	assert.True(t, b.Test(0))
	assert.True(t, b.Test(64))
	assert.True(t, b.Test(200))
	assert.False(t, b.Test(199))
	assert.Equal(t, uint64(1), b.Words()[0])
	assert.Equal(t, uint64(1), b.Words()[1])
	assert.Equal(t, uint64(1)<<8, b.Words()[3])
}

func TestBitset_ClearKeepsStorage(t *testing.T) {
	var b Bitset
	b.Set(5)
	b.Set(130)
	before := b.Words()

	b.Clear()

	require.Equal(t, 0, b.Count())
	require.Equal(t, 3, b.Len())
	require.Same(t, &before[0], &b.Words()[0], "clear must not reallocate")

	b.Set(7)
	require.Same(t, &before[0], &b.Words()[0])
	require.True(t, b.Test(7))
}

func TestFromWords(t *testing.T) {
	b := FromWords([]uint64{0b1010, 1})

	require.True(t, b.Test(1))
	require.True(t, b.Test(3))
	require.True(t, b.Test(64))
	require.False(t, b.Test(0))
	require.Equal(t, 3, b.Count())
}

func BenchmarkBitset_Set(b *testing.B) {
	var bs Bitset
	for b.Loop() {
		for i := range 256 {
			bs.Set(i)
		}
		bs.Clear()
	}
}
