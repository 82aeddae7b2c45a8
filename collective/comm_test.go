package collective

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arloliu/stepmeta/errs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLocalGroup_RankAndSize(t *testing.T) {
	comms := NewLocalGroup(3)
	require.Len(t, comms, 3)
	for i, c := range comms {
		assert.Equal(t, i, c.Rank())
		assert.Equal(t, 3, c.Size())
	}
}

func TestGather(t *testing.T) {
	comms := NewLocalGroup(4)
	var mu sync.Mutex
	var rootResult []byte

	err := Run(comms, func(c Comm) error {
		out, err := c.Gather([]byte{byte(c.Rank()), byte(c.Rank() * 10)}, 0)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			mu.Lock()
			rootResult = out
			mu.Unlock()
		} else if out != nil {
			t.Errorf("rank %d received gather output", c.Rank())
		}

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 1, 10, 2, 20, 3, 30}, rootResult)
}

func TestGather_SizeMismatch(t *testing.T) {
	comms := NewLocalGroup(2)
	var rootErr error

	_ = Run(comms, func(c Comm) error {
		send := []byte{1}
		if c.Rank() == 1 {
			send = []byte{1, 2}
		}
		_, err := c.Gather(send, 0)
		if c.Rank() == 0 {
			rootErr = err
		}

		return nil
	})
	require.ErrorIs(t, rootErr, errs.ErrSizeMismatch)
}

func TestGatherUint64AndGatherv(t *testing.T) {
	comms := NewLocalGroup(3)
	var sizes []uint64
	var gathered []byte

	err := Run(comms, func(c Comm) error {
		contrib := bytes.Repeat([]byte{byte('a' + c.Rank())}, c.Rank()+1)

		counts, err := c.GatherUint64(uint64(len(contrib)), 2)
		if err != nil {
			return err
		}
		out, err := c.Gatherv(contrib, counts, 2)
		if err != nil {
			return err
		}
		if c.Rank() == 2 {
			sizes, gathered = counts, out
		}

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, sizes)
	require.Equal(t, []byte("abbccc"), gathered)
}

func TestGatherv_CountMismatch(t *testing.T) {
	comms := NewLocalGroup(2)
	var rootErr error

	_ = Run(comms, func(c Comm) error {
		_, err := c.Gatherv([]byte{1, 2, 3}, []uint64{3, 1}, 0)
		if c.Rank() == 0 {
			rootErr = err
		}

		return nil
	})
	require.ErrorIs(t, rootErr, errs.ErrSizeMismatch)
}

func TestBroadcastUint64s(t *testing.T) {
	comms := NewLocalGroup(3)
	results := make([][]uint64, 3)

	err := Run(comms, func(c Comm) error {
		var vals []uint64
		if c.Rank() == 1 {
			vals = []uint64{7, 8, 9}
		}
		out, err := c.BroadcastUint64s(vals, 1)
		results[c.Rank()] = out

		return err
	})
	require.NoError(t, err)
	for _, r := range results {
		require.Equal(t, []uint64{7, 8, 9}, r)
	}
}

func TestInvalidRoot(t *testing.T) {
	c := NewLocalGroup(1)[0]

	_, err := c.Gather(nil, 1)
	require.ErrorIs(t, err, errs.ErrInvalidRank)
	_, err = c.BroadcastUint64s(nil, -1)
	require.ErrorIs(t, err, errs.ErrInvalidRank)
}

func TestSequencedCollectives(t *testing.T) {
	// many back to back collectives must not mix up messages
	comms := NewLocalGroup(4)
	totals := make([]uint64, 4)

	err := Run(comms, func(c Comm) error {
		for round := range 50 {
			vals, err := c.GatherUint64(uint64(round*10+c.Rank()), 0)
			if err != nil {
				return err
			}
			var sum uint64
			for _, v := range vals {
				sum += v
			}
			out, err := c.BroadcastUint64s([]uint64{sum}, 0)
			if err != nil {
				return err
			}
			totals[c.Rank()] += out[0]
		}

		return nil
	})
	require.NoError(t, err)

	var want uint64
	for round := range 50 {
		want += uint64(4*round*10 + 0 + 1 + 2 + 3)
	}
	for _, got := range totals {
		require.Equal(t, want, got)
	}
}
