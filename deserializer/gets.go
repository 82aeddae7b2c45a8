package deserializer

import (
	"cmp"
	"fmt"
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/format"
	"github.com/arloliu/stepmeta/hostdir"
	"github.com/arloliu/stepmeta/schema"
	"github.com/arloliu/stepmeta/selection"
)

// pendingSelection is an array read waiting for its payloads.
type pendingSelection struct {
	rec     *VarRec
	step    uint64
	kind    hostdir.SelectionKind
	start   []uint64
	count   []uint64
	blockID int
	dest    []byte
}

// ReadRequest asks the transport for one writer's payload of one step.
//
// Data is allocated with ReadLength bytes by GenerateReadRequests. The
// transport fills it with the bytes read at StartOffset of the writer's
// payload region, or replaces it with a slice of at least that length,
// before the request is handed to FinalizeGets.
type ReadRequest struct {
	Step        uint64
	WriterRank  int
	StartOffset uint64
	ReadLength  uint64
	Data        []byte
}

// BlockInfo describes one block contributed to an array variable.
type BlockInfo struct {
	WriterRank int
	// BlockID is the global block id used by a write-block selection.
	BlockID int
	// Start is nil for local arrays.
	Start        []uint64
	Count        []uint64
	DataLocation uint64
}

type requestKey struct {
	step uint64
	rank int
}

// selectedSteps resolves the step selection of v into absolute steps.
func (in *Installer) selectedSteps(rec *VarRec, v *hostdir.Variable) ([]uint64, error) {
	start, count := v.StepsStart, max(v.StepsCount, 1)

	avail := len(rec.steps)
	if !in.cfg.randomAccess {
		avail = min(avail, 1)
	}
	if start < 0 || start+count > avail {
		return nil, fmt.Errorf("%w: variable %q steps [%d, %d) requested, %d available",
			errs.ErrStepOutOfRange, rec.Name, start, start+count, avail)
	}

	if !in.cfg.randomAccess {
		return []uint64{in.curStep}, nil
	}

	return rec.steps[start : start+count], nil
}

func (in *Installer) recordOf(v *hostdir.Variable) (*VarRec, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil variable", errs.ErrUnknownVariable)
	}
	rec, ok := in.varByKey[v]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownVariable, v.Name)
	}

	return rec, nil
}

// QueueGet reads v with its current selection into dest.
//
// Values are copied from metadata immediately. Array selections are queued
// for every selected step, each step's box laid out after the previous one
// in dest, and served by FinalizeGets.
//
// Parameters:
//   - v: Host variable defined by this Installer, with its selection set
//   - dest: Destination buffer, little-endian elements
//
// Returns:
//   - bool: true when a FinalizeGets is needed to complete the read
//   - error: errs.ErrStepOutOfRange, errs.ErrBlockNotFound,
//     errs.ErrDimensionMismatch or errs.ErrDestinationTooSmall
func (in *Installer) QueueGet(v *hostdir.Variable, dest []byte) (bool, error) {
	rec, err := in.recordOf(v)
	if err != nil {
		return false, err
	}

	steps, err := in.selectedSteps(rec, v)
	if err != nil {
		return false, err
	}

	return in.queue(rec, v, dest, steps)
}

// QueueGetSingle is QueueGet restricted to one absolute step.
func (in *Installer) QueueGetSingle(v *hostdir.Variable, dest []byte, step uint64) (bool, error) {
	rec, err := in.recordOf(v)
	if err != nil {
		return false, err
	}
	if vs, _ := rec.stepState(step, 0, false); vs == nil {
		return false, fmt.Errorf("%w: variable %q has no step %d", errs.ErrStepOutOfRange, rec.Name, step)
	}

	return in.queue(rec, v, dest, []uint64{step})
}

func (in *Installer) queue(rec *VarRec, v *hostdir.Variable, dest []byte, steps []uint64) (bool, error) {
	if !rec.isArray() {
		if rec.Type == format.TypeString {
			return false, fmt.Errorf("%w: %q is a string, use GetString", errs.ErrTypeMismatch, rec.Name)
		}
		if need := rec.ElemSize * len(steps); len(dest) < need {
			return false, fmt.Errorf("%w: %q needs %d bytes, got %d",
				errs.ErrDestinationTooSmall, rec.Name, need, len(dest))
		}
		for i, step := range steps {
			val, err := in.valueAt(rec, v, step)
			if err != nil {
				return false, err
			}
			copy(dest[i*rec.ElemSize:(i+1)*rec.ElemSize], val.Raw)
		}

		return false, nil
	}

	queued := len(in.pending)
	for _, step := range steps {
		n, err := in.queueArray(rec, v, step, dest)
		if err != nil {
			in.pending = in.pending[:queued]
			return false, err
		}
		dest = dest[n:]
	}

	return true, nil
}

// valueAt returns the metadata value of a scalar at step. A write-block
// selection picks the writer by rank, otherwise the lowest contributing
// rank answers.
func (in *Installer) valueAt(rec *VarRec, v *hostdir.Variable, step uint64) (*schema.Value, error) {
	vs, _ := rec.stepState(step, 0, false)
	if vs == nil {
		return nil, fmt.Errorf("%w: variable %q has no step %d", errs.ErrStepOutOfRange, rec.Name, step)
	}

	rank, ok := vs.firstWriter()
	if v.Selection == hostdir.SelectionWriteBlock {
		rank = v.BlockID
		ok = rank >= 0 && rank < len(vs.writers) && vs.writers[rank].present
	}
	if !ok {
		return nil, fmt.Errorf("%w: value %q block %d at step %d", errs.ErrBlockNotFound, rec.Name, v.BlockID, step)
	}

	return &in.steps[step][rank].rec.Values[vs.writers[rank].field], nil
}

// GetString returns a string value at an absolute step.
func (in *Installer) GetString(v *hostdir.Variable, step uint64) (string, error) {
	rec, err := in.recordOf(v)
	if err != nil {
		return "", err
	}
	if rec.isArray() || rec.Type != format.TypeString {
		return "", fmt.Errorf("%w: %q is not a string value", errs.ErrTypeMismatch, rec.Name)
	}

	val, err := in.valueAt(rec, v, step)
	if err != nil {
		return "", err
	}

	return val.Str, nil
}

func (in *Installer) queueArray(rec *VarRec, v *hostdir.Variable, step uint64, dest []byte) (int, error) {
	vs, _ := rec.stepState(step, 0, false)
	if vs == nil {
		return 0, fmt.Errorf("%w: variable %q has no step %d", errs.ErrStepOutOfRange, rec.Name, step)
	}

	ps := pendingSelection{rec: rec, step: step, kind: v.Selection}
	var elems uint64

	if v.Selection == hostdir.SelectionWriteBlock {
		rank, local, ok := vs.findBlock(v.BlockID)
		if !ok {
			return 0, fmt.Errorf("%w: %q block %d of %d at step %d",
				errs.ErrBlockNotFound, rec.Name, v.BlockID, vs.totalBlocks(), step)
		}
		ps.blockID = v.BlockID
		elems = selection.ElementCount(vs.writers[rank].blockCounts(local))
	} else {
		if vs.globalDims == nil {
			return 0, fmt.Errorf("%w: local array %q needs a block selection", errs.ErrInvalidVariable, rec.Name)
		}
		dims := len(vs.globalDims)
		if len(v.SelStart) != dims || len(v.SelCount) != dims {
			return 0, fmt.Errorf("%w: %q selection has %d/%d dimensions, variable has %d",
				errs.ErrDimensionMismatch, rec.Name, len(v.SelStart), len(v.SelCount), dims)
		}
		for i := range dims {
			if v.SelStart[i]+v.SelCount[i] > vs.globalDims[i] {
				return 0, fmt.Errorf("%w: %q selection exceeds shape %v on axis %d",
					errs.ErrDimensionMismatch, rec.Name, vs.globalDims, i)
			}
		}
		ps.start = slices.Clone(v.SelStart)
		ps.count = slices.Clone(v.SelCount)
		elems = selection.ElementCount(ps.count)
	}

	n := int(elems) * rec.ElemSize
	if len(dest) < n {
		return 0, fmt.Errorf("%w: %q step %d needs %d bytes, got %d",
			errs.ErrDestinationTooSmall, rec.Name, step, n, len(dest))
	}
	ps.dest = dest[:n]
	in.pending = append(in.pending, ps)

	return n, nil
}

// needWriter reports whether writer rank holds data for a pending selection.
func (in *Installer) needWriter(ps *pendingSelection, vs *varStep, rank int) bool {
	w := &vs.writers[rank]
	if !w.present {
		return false
	}

	if ps.kind == hostdir.SelectionWriteBlock {
		start := vs.blockStart(rank)
		return ps.blockID >= start && ps.blockID < start+w.blockCount
	}

	if w.offsets == nil {
		return false
	}

	if in.cfg.overlap == OverlapAnyBlock {
		for b := range w.blockCount {
			if selection.Intersects(w.blockOffsets(b), w.blockCounts(b), ps.start, ps.count) {
				return true
			}
		}

		return false
	}

	for b := range w.blockCount {
		offs, cnts := w.blockOffsets(b), w.blockCounts(b)
		for j := range cnts {
			if ps.count[j] == 0 || cnts[j] == 0 {
				return false
			}
			if _, n := selection.Overlap(offs[j], cnts[j], ps.start[j], ps.count[j]); n == 0 {
				return false
			}
		}
	}

	return true
}

// GenerateReadRequests lists the payload reads needed by the queued
// selections, one per writer and step, ordered by step then rank.
func (in *Installer) GenerateReadRequests() []ReadRequest {
	seen := make(map[requestKey]struct{})
	var reqs []ReadRequest

	for i := range in.pending {
		ps := &in.pending[i]
		vs, _ := ps.rec.stepState(ps.step, 0, false)
		if vs == nil {
			continue
		}
		for rank := range vs.writers {
			key := requestKey{step: ps.step, rank: rank}
			if _, dup := seen[key]; dup || !in.needWriter(ps, vs, rank) {
				continue
			}
			seen[key] = struct{}{}
			size := in.steps[ps.step][rank].dataSize
			reqs = append(reqs, ReadRequest{
				Step:       ps.step,
				WriterRank: rank,
				ReadLength: size,
				Data:       make([]byte, size),
			})
		}
	}

	slices.SortFunc(reqs, func(a, b ReadRequest) int {
		if c := cmp.Compare(a.Step, b.Step); c != 0 {
			return c
		}

		return cmp.Compare(a.WriterRank, b.WriterRank)
	})

	in.logger.Debug("read requests generated",
		zap.Int("selections", len(in.pending)),
		zap.Int("requests", len(reqs)))

	return reqs
}

// FinalizeGets extracts every queued selection from the fetched payloads,
// then drops the payload references and clears the queue.
//
// A selection whose payload is missing from reqs is reported and skipped;
// the other selections are still served. Every failure is returned combined.
func (in *Installer) FinalizeGets(reqs []ReadRequest) error {
	defer func() {
		for i := range reqs {
			reqs[i].Data = nil
		}
		clear(in.pending)
		in.pending = in.pending[:0]
	}()

	index := make(map[requestKey]*ReadRequest, len(reqs))
	for i := range reqs {
		index[requestKey{step: reqs[i].Step, rank: reqs[i].WriterRank}] = &reqs[i]
	}

	var err error
	for i := range in.pending {
		ps := &in.pending[i]
		vs, _ := ps.rec.stepState(ps.step, 0, false)
		if vs == nil {
			err = multierr.Append(err, fmt.Errorf("%w: variable %q has no step %d",
				errs.ErrStepOutOfRange, ps.rec.Name, ps.step))
			continue
		}

		for rank := range vs.writers {
			if !in.needWriter(ps, vs, rank) {
				continue
			}
			req := index[requestKey{step: ps.step, rank: rank}]
			if req == nil || req.Data == nil {
				err = multierr.Append(err, fmt.Errorf("%w: %q step %d writer %d",
					errs.ErrMissingReadRequest, ps.rec.Name, ps.step, rank))
				continue
			}
			err = multierr.Append(err, in.extractWriter(ps, vs, rank, req))
		}
	}

	return err
}

// payload returns n bytes of a fetched payload at an absolute location.
func payload(req *ReadRequest, loc uint64, n uint64) ([]byte, error) {
	if loc < req.StartOffset || loc-req.StartOffset+n > uint64(len(req.Data)) {
		return nil, fmt.Errorf("%w: writer %d step %d needs [%d, %d), buffer holds [%d, %d)",
			errs.ErrShortReadBuffer, req.WriterRank, req.Step, loc, loc+n,
			req.StartOffset, req.StartOffset+uint64(len(req.Data)))
	}
	rel := loc - req.StartOffset

	return req.Data[rel : rel+n], nil
}

func (in *Installer) extractWriter(ps *pendingSelection, vs *varStep, rank int, req *ReadRequest) error {
	w := &vs.writers[rank]
	es := uint64(ps.rec.ElemSize)

	if ps.kind == hostdir.SelectionWriteBlock {
		local := ps.blockID - vs.blockStart(rank)
		src, err := payload(req, w.locations[local], selection.ElementCount(w.blockCounts(local))*es)
		if err != nil {
			return err
		}
		copy(ps.dest, src)

		return nil
	}

	for b := range w.blockCount {
		offs, cnts := w.blockOffsets(b), w.blockCounts(b)
		if !selection.Intersects(offs, cnts, ps.start, ps.count) {
			continue
		}
		src, err := payload(req, w.locations[b], selection.ElementCount(cnts)*es)
		if err != nil {
			return err
		}
		err = selection.Extract(in.cfg.readerRowMajor, ps.rec.ElemSize, vs.globalDims, offs, cnts,
			ps.start, ps.count, src, ps.dest)
		if err != nil {
			return err
		}
	}

	return nil
}

// BlocksInfo lists the blocks of an array variable at an absolute step in
// global block id order.
func (in *Installer) BlocksInfo(v *hostdir.Variable, step uint64) ([]BlockInfo, error) {
	rec, err := in.recordOf(v)
	if err != nil {
		return nil, err
	}
	if !rec.isArray() {
		return nil, fmt.Errorf("%w: %q is not an array", errs.ErrTypeMismatch, rec.Name)
	}
	vs, _ := rec.stepState(step, 0, false)
	if vs == nil {
		return nil, fmt.Errorf("%w: variable %q has no step %d", errs.ErrStepOutOfRange, rec.Name, step)
	}

	out := make([]BlockInfo, 0, vs.totalBlocks())
	id := 0
	for rank := range vs.writers {
		w := &vs.writers[rank]
		for b := range w.blockCount {
			out = append(out, BlockInfo{
				WriterRank:   rank,
				BlockID:      id,
				Start:        slices.Clone(w.blockOffsets(b)),
				Count:        slices.Clone(w.blockCounts(b)),
				DataLocation: w.locations[b],
			})
			id++
		}
	}

	return out, nil
}
