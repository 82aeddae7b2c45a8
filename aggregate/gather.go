package aggregate

import (
	"fmt"

	"github.com/arloliu/stepmeta/collective"
	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/schema"
)

// GatherContiguous gathers one opaque buffer per rank at rank 0.
//
// Returns the concatenated buffers and the size of each at rank 0, nil
// elsewhere.
func GatherContiguous(comm collective.Comm, contrib []byte) ([]byte, []uint64, error) {
	counts, err := comm.GatherUint64(uint64(len(contrib)), root)
	if err != nil {
		return nil, nil, err
	}
	all, err := comm.Gatherv(contrib, counts, root)
	if err != nil {
		return nil, nil, err
	}

	return all, counts, nil
}

// GatherTwoLevel gathers one opaque buffer per rank in two stages: first
// within each group at its rank 0, then across the group leaders at leader
// rank 0.
//
// Parameters:
//   - group: Communicator of the caller's group
//   - leaders: Communicator joining rank 0 of every group, nil on other ranks
//   - contrib: The caller's buffer
//
// Returns:
//   - []byte: Every buffer, grouped by leader rank then group rank; only
//     at rank 0 of leaders
//   - []uint64: The size of each buffer in the same order
//   - error: errs.ErrNotLeader when a group rank 0 has no leaders communicator
func GatherTwoLevel(group, leaders collective.Comm, contrib []byte) ([]byte, []uint64, error) {
	if group.Rank() == root && leaders == nil {
		return nil, nil, fmt.Errorf("%w: group rank 0 needs the leaders communicator", errs.ErrNotLeader)
	}

	local, counts, err := GatherContiguous(group, contrib)
	if err != nil || group.Rank() != root {
		return nil, nil, err
	}

	// the leaders exchange their groups' sizes before the data itself
	all, sizeCounts, err := GatherContiguous(leaders, schema.Uint64sToBytes(counts))
	if err != nil {
		return nil, nil, err
	}
	data, _, err := GatherContiguous(leaders, local)
	if err != nil || leaders.Rank() != root {
		return nil, nil, err
	}

	if uint64(len(all)) != sum(sizeCounts) || len(all)%8 != 0 {
		return nil, nil, fmt.Errorf("%w: leader size tables of %d bytes", errs.ErrSizeMismatch, len(all))
	}
	sizes := schema.BytesToUint64s(all)
	if sum(sizes) != uint64(len(data)) {
		return nil, nil, fmt.Errorf("%w: %d bytes gathered, sizes announce %d",
			errs.ErrSizeMismatch, len(data), sum(sizes))
	}

	return data, sizes, nil
}

func sum(vals []uint64) uint64 {
	var total uint64
	for _, v := range vals {
		total += v
	}

	return total
}
