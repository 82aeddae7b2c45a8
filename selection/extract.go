// Package selection copies the part of a contributed array block that falls
// inside a requested box.
//
// A block is described by the global shape of the array, its offset inside
// the global array and its extent. The caller's request is a box given by
// offset and extent in the same global coordinates, and its destination
// buffer holds exactly that box. Both the block data and the destination are
// dense, in row-major or column-major order.
//
// Trailing axes where the block, the selection and the global shape all agree
// are contiguous in both buffers and are folded into a single copy run. The
// remaining axes are walked as an odometer, one run per position.
package selection

import (
	"fmt"

	"github.com/arloliu/stepmeta/errs"
)

// Overlap returns the first index and length of the intersection of
// [aOff, aOff+aCnt) and [bOff, bOff+bCnt). The length is 0 when they are
// disjoint.
func Overlap(aOff, aCnt, bOff, bCnt uint64) (first, count uint64) {
	first = max(aOff, bOff)
	end := min(aOff+aCnt, bOff+bCnt)
	if end <= first {
		return first, 0
	}

	return first, end - first
}

// Intersects reports whether a block and a selection overlap on every axis.
// Empty extents never intersect.
func Intersects(blockOffsets, blockCounts, selOffsets, selCounts []uint64) bool {
	for i := range blockCounts {
		if _, n := Overlap(blockOffsets[i], blockCounts[i], selOffsets[i], selCounts[i]); n == 0 {
			return false
		}
	}

	return true
}

// ElementCount returns the number of elements in a box of the given extents.
func ElementCount(counts []uint64) uint64 {
	n := uint64(1)
	for _, c := range counts {
		n *= c
	}

	return n
}

// ExtractRowMajor copies the overlap of a row-major block into a row-major
// selection buffer.
//
// Parameters:
//   - elemSize: Element size in bytes
//   - globalDims: Global shape of the array
//   - partialOffsets, partialCounts: Position and extent of the block
//   - selOffsets, selCounts: Position and extent of the selection
//   - in: Dense block data
//   - out: Dense selection buffer
//
// Returns:
//   - error: errs.ErrShortReadBuffer or errs.ErrDestinationTooSmall when a
//     buffer cannot hold the described box. A block that does not overlap
//     the selection copies nothing and is not an error.
func ExtractRowMajor(elemSize int, globalDims, partialOffsets, partialCounts, selOffsets, selCounts []uint64, in, out []byte) error {
	dims := len(partialCounts)
	order := make([]int, dims)
	for i := range order {
		order[i] = dims - 1 - i
	}

	return extract(order, elemSize, globalDims, partialOffsets, partialCounts, selOffsets, selCounts, in, out)
}

// ExtractColumnMajor is ExtractRowMajor for column-major buffers, where the
// first axis varies fastest.
func ExtractColumnMajor(elemSize int, globalDims, partialOffsets, partialCounts, selOffsets, selCounts []uint64, in, out []byte) error {
	order := make([]int, len(partialCounts))
	for i := range order {
		order[i] = i
	}

	return extract(order, elemSize, globalDims, partialOffsets, partialCounts, selOffsets, selCounts, in, out)
}

// Extract dispatches to ExtractRowMajor or ExtractColumnMajor.
func Extract(rowMajor bool, elemSize int, globalDims, partialOffsets, partialCounts, selOffsets, selCounts []uint64, in, out []byte) error {
	if rowMajor {
		return ExtractRowMajor(elemSize, globalDims, partialOffsets, partialCounts, selOffsets, selCounts, in, out)
	}

	return ExtractColumnMajor(elemSize, globalDims, partialOffsets, partialCounts, selOffsets, selCounts, in, out)
}

// extract walks axes in order, fastest varying first.
func extract(order []int, elemSize int, globalDims, partialOffsets, partialCounts, selOffsets, selCounts []uint64, in, out []byte) error {
	dims := len(order)
	if len(globalDims) != dims || len(partialOffsets) != dims || len(selOffsets) != dims || len(selCounts) != dims {
		return fmt.Errorf("%w: selection of %d dimensions", errs.ErrDimensionMismatch, dims)
	}

	first := make([]uint64, dims)
	span := make([]uint64, dims)
	for a := range dims {
		first[a], span[a] = Overlap(partialOffsets[a], partialCounts[a], selOffsets[a], selCounts[a])
		if span[a] == 0 {
			return nil
		}
	}

	// fold fully covered fast axes and the first partial one into the run
	runElems := uint64(1)
	k := 0
	for k < dims {
		a := order[k]
		k++
		if globalDims[a] == partialCounts[a] && selCounts[a] == partialCounts[a] {
			runElems *= globalDims[a]
			continue
		}
		runElems *= span[a]

		break
	}

	srcStride := make([]uint64, dims)
	dstStride := make([]uint64, dims)
	srcAcc, dstAcc := uint64(1), uint64(1)
	for _, a := range order {
		srcStride[a], dstStride[a] = srcAcc, dstAcc
		srcAcc *= partialCounts[a]
		dstAcc *= selCounts[a]
	}

	var srcPos, dstPos uint64
	for a := range dims {
		srcPos += (first[a] - partialOffsets[a]) * srcStride[a]
		dstPos += (first[a] - selOffsets[a]) * dstStride[a]
	}

	size := uint64(elemSize)
	runBytes := runElems * size
	outer := order[k:]
	idx := make([]uint64, len(outer))

	for {
		src, dst := srcPos*size, dstPos*size
		if src+runBytes > uint64(len(in)) {
			return fmt.Errorf("%w: block needs %d bytes, have %d", errs.ErrShortReadBuffer, src+runBytes, len(in))
		}
		if dst+runBytes > uint64(len(out)) {
			return fmt.Errorf("%w: selection needs %d bytes, have %d", errs.ErrDestinationTooSmall, dst+runBytes, len(out))
		}
		copy(out[dst:dst+runBytes], in[src:src+runBytes])

		// advance the odometer over the outer axes, fastest first
		j := 0
		for ; j < len(outer); j++ {
			a := outer[j]
			idx[j]++
			srcPos += srcStride[a]
			dstPos += dstStride[a]
			if idx[j] < span[a] {
				break
			}
			srcPos -= span[a] * srcStride[a]
			dstPos -= span[a] * dstStride[a]
			idx[j] = 0
		}
		if j == len(outer) {
			return nil
		}
	}
}
