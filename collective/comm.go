// Package collective defines the group communication primitives used by the
// aggregation protocol and ships an in-process implementation.
//
// Every rank of a group must issue the same collectives in the same order.
// Calls block until the participating ranks have contributed; there is no
// timeout or cancellation at this layer.
package collective

import (
	"fmt"
	"sync"

	"github.com/arloliu/stepmeta/errs"
)

// Comm is a communicator over a fixed group of ranks.
type Comm interface {
	// Rank returns the index of the calling rank within the group.
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int
	// Gather collects an equally sized contribution from every rank.
	// The root receives the contributions concatenated in rank order,
	// other ranks receive nil.
	Gather(send []byte, root int) ([]byte, error)
	// GatherUint64 collects one value per rank at the root.
	GatherUint64(v uint64, root int) ([]uint64, error)
	// Gatherv collects variable sized contributions at the root. counts is
	// only consulted at the root and holds the byte count of every rank.
	Gatherv(send []byte, counts []uint64, root int) ([]byte, error)
	// BroadcastUint64s distributes the root's values to every rank.
	BroadcastUint64s(vals []uint64, root int) ([]uint64, error)
}

type msgKey struct {
	seq  uint64
	from int
}

type message struct {
	data []byte
	vals []uint64
}

// mailbox is an unbounded, keyed inbox of one rank.
type mailbox struct {
	mu   sync.Mutex
	cond *sync.Cond
	msgs map[msgKey]message
}

func newMailbox() *mailbox {
	mb := &mailbox{msgs: make(map[msgKey]message)}
	mb.cond = sync.NewCond(&mb.mu)

	return mb
}

func (mb *mailbox) put(k msgKey, m message) {
	mb.mu.Lock()
	mb.msgs[k] = m
	mb.mu.Unlock()
	mb.cond.Broadcast()
}

func (mb *mailbox) take(k msgKey) message {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for {
		if m, ok := mb.msgs[k]; ok {
			delete(mb.msgs, k)
			return m
		}
		mb.cond.Wait()
	}
}

type hub struct {
	boxes []*mailbox
}

// local is one rank of an in-process group.
type local struct {
	hub  *hub
	rank int
	seq  uint64
}

// NewLocalGroup creates an in-process group of n ranks. Each returned Comm
// must be driven by its own goroutine.
func NewLocalGroup(n int) []Comm {
	h := &hub{boxes: make([]*mailbox, n)}
	comms := make([]Comm, n)
	for i := range n {
		h.boxes[i] = newMailbox()
		comms[i] = &local{hub: h, rank: i}
	}

	return comms
}

func (c *local) Rank() int { return c.rank }

func (c *local) Size() int { return len(c.hub.boxes) }

func (c *local) next(root int) (uint64, error) {
	if root < 0 || root >= c.Size() {
		return 0, fmt.Errorf("%w: root %d in group of %d", errs.ErrInvalidRank, root, c.Size())
	}
	c.seq++

	return c.seq, nil
}

// collect runs the gather pattern and returns every rank's message at the root.
func (c *local) collect(m message, root int) ([]message, error) {
	seq, err := c.next(root)
	if err != nil {
		return nil, err
	}

	if c.rank != root {
		c.hub.boxes[root].put(msgKey{seq: seq, from: c.rank}, m)
		return nil, nil
	}

	all := make([]message, c.Size())
	for r := range all {
		if r == root {
			all[r] = m
			continue
		}
		all[r] = c.hub.boxes[root].take(msgKey{seq: seq, from: r})
	}

	return all, nil
}

func (c *local) Gather(send []byte, root int) ([]byte, error) {
	all, err := c.collect(message{data: append([]byte(nil), send...)}, root)
	if err != nil || all == nil {
		return nil, err
	}

	out := make([]byte, 0, len(send)*len(all))
	for r, m := range all {
		if len(m.data) != len(send) {
			return nil, fmt.Errorf("%w: rank %d sent %d bytes, root sent %d",
				errs.ErrSizeMismatch, r, len(m.data), len(send))
		}
		out = append(out, m.data...)
	}

	return out, nil
}

func (c *local) GatherUint64(v uint64, root int) ([]uint64, error) {
	all, err := c.collect(message{vals: []uint64{v}}, root)
	if err != nil || all == nil {
		return nil, err
	}

	out := make([]uint64, len(all))
	for r, m := range all {
		out[r] = m.vals[0]
	}

	return out, nil
}

func (c *local) Gatherv(send []byte, counts []uint64, root int) ([]byte, error) {
	all, err := c.collect(message{data: append([]byte(nil), send...)}, root)
	if err != nil || all == nil {
		return nil, err
	}

	if len(counts) != len(all) {
		return nil, fmt.Errorf("%w: %d counts for %d ranks", errs.ErrSizeMismatch, len(counts), len(all))
	}

	var total uint64
	for _, n := range counts {
		total += n
	}

	out := make([]byte, 0, total)
	for r, m := range all {
		if uint64(len(m.data)) != counts[r] {
			return nil, fmt.Errorf("%w: rank %d sent %d bytes, expected %d",
				errs.ErrSizeMismatch, r, len(m.data), counts[r])
		}
		out = append(out, m.data...)
	}

	return out, nil
}

func (c *local) BroadcastUint64s(vals []uint64, root int) ([]uint64, error) {
	seq, err := c.next(root)
	if err != nil {
		return nil, err
	}

	if c.rank == root {
		for r := range c.Size() {
			if r != root {
				c.hub.boxes[r].put(msgKey{seq: seq, from: root}, message{vals: append([]uint64(nil), vals...)})
			}
		}

		return append([]uint64(nil), vals...), nil
	}

	return c.hub.boxes[c.rank].take(msgKey{seq: seq, from: root}).vals, nil
}
