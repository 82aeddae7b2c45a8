// Package dedup tracks content digests that a collective root already holds.
package dedup

import "github.com/arloliu/stepmeta/internal/hash"

// Tracker remembers content digests together with the body size they were
// reported with. A digest that reappears with a different size is counted as
// a collision and treated as new content so that it is transmitted again.
type Tracker struct {
	sizes        map[hash.Digest]uint64 // digest -> body size
	hasCollision bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{sizes: make(map[hash.Digest]uint64)}
}

// Track records a digest and reports whether it was not known before.
//
// Zero digests or zero sizes describe "no content" and are never tracked.
func (t *Tracker) Track(d hash.Digest, size uint64) bool {
	if d.IsZero() || size == 0 {
		return false
	}

	if known, exists := t.sizes[d]; exists {
		if known == size {
			return false
		}
		t.hasCollision = true
		t.sizes[d] = size

		return true
	}

	t.sizes[d] = size

	return true
}

// Seen reports whether d is known with the given size.
func (t *Tracker) Seen(d hash.Digest, size uint64) bool {
	known, exists := t.sizes[d]
	return exists && known == size
}

// HasCollision returns true if a digest was ever reported with two sizes.
func (t *Tracker) HasCollision() bool {
	return t.hasCollision
}

// Count returns the number of tracked digests.
func (t *Tracker) Count() int {
	return len(t.sizes)
}
