// Package bitset implements the dirty bit-vector of a metadata record.
//
// Bit i corresponds to metadata slot i. The set grows on demand and keeps its
// word storage across Clear so that a long-running writer does not reallocate
// it every timestep.
package bitset

import "math/bits"

const wordBits = 64

// Bitset is a growable bit-vector backed by 64-bit words.
//
// The zero value is an empty set ready to use.
type Bitset struct {
	words []uint64
}

// FromWords wraps decoded words without copying them.
func FromWords(words []uint64) *Bitset {
	return &Bitset{words: words}
}

// Set marks bit i, growing the storage when needed.
//
// It returns true if the bit was already set.
func (b *Bitset) Set(i int) bool {
	w := i / wordBits
	if w >= len(b.words) {
		if w < cap(b.words) {
			b.words = b.words[:w+1]
		} else {
			grown := make([]uint64, w+1, max(w+1, 2*cap(b.words)))
			copy(grown, b.words)
			b.words = grown
		}
	}

	mask := uint64(1) << uint(i%wordBits)
	was := b.words[w]&mask != 0
	b.words[w] |= mask

	return was
}

// Test reports whether bit i is set. Bits beyond the storage read as unset.
func (b *Bitset) Test(i int) bool {
	if i < 0 {
		return false
	}
	w := i / wordBits
	if w >= len(b.words) {
		return false
	}

	return b.words[w]&(uint64(1)<<uint(i%wordBits)) != 0
}

// Clear zeroes every bit while keeping the word storage and its length.
func (b *Bitset) Clear() {
	clear(b.words)
}

// Words returns the backing words, valid until the next Set.
func (b *Bitset) Words() []uint64 {
	return b.words
}

// Len returns the number of words in use.
func (b *Bitset) Len() int {
	return len(b.words)
}

// Count returns the number of set bits.
func (b *Bitset) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}

	return n
}
