// Package aggregate implements the per-timestep collective exchange that
// brings the schemas and attribute records of a writer cohort to rank 0.
//
// Most steps introduce nothing new: every writer reuses the schemas it sent
// before and the attributes did not change. The protocol is therefore built
// so that such a step costs one fixed-size gather and one broadcast:
//
//  1. Every rank gathers a FixedRecordSize summary at rank 0: attribute
//     digest and size, up to FixedSchemaSlots schema identities and sizes,
//     metadata size and payload position.
//  2. Rank 0 decides which content it does not hold yet and broadcasts one
//     outcome word per rank: bit 63 asks for the attribute record, bit b
//     for the rank's b-th new schema.
//
// When some rank introduced more schemas than the fixed record can carry,
// rank 0 broadcasts FallbackSentinel instead and every rank repeats the
// summary through a size-prefixed variable gather before the outcome is
// broadcast. An all-zero outcome ends the exchange. Otherwise a last
// variable gather moves the requested bodies, each padded to 8 bytes, and
// rank 0 unpacks them.
//
// Rank 0 remembers every schema it received for the lifetime of the
// Aggregator, so a schema is transmitted at most once per stream.
package aggregate

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/arloliu/stepmeta/collective"
	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/internal/dedup"
	"github.com/arloliu/stepmeta/internal/hash"
	"github.com/arloliu/stepmeta/internal/options"
	"github.com/arloliu/stepmeta/internal/pool"
	"github.com/arloliu/stepmeta/schema"
	"github.com/arloliu/stepmeta/serializer"
)

const (
	// FallbackSentinel in the first outcome word sends every rank to the
	// variable-size summary gather.
	FallbackSentinel = ^uint64(0)

	attributeBit = uint64(1) << 63
	root         = 0
)

// Contribution is what one rank brings to a step's exchange.
type Contribution struct {
	// Schemas holds the schemas first used by the rank in this step.
	Schemas []schema.Block
	// Attributes is the encoded attribute record, nil when there is none.
	Attributes []byte
	// MetadataSize is the size of the rank's encoded metadata record.
	MetadataSize uint64
	// WriterDataPosition is the position of the rank's payload.
	WriterDataPosition uint64
}

// FromSnapshot builds the contribution of a closed timestep.
func FromSnapshot(snap *serializer.Snapshot, writerDataPos uint64) Contribution {
	return Contribution{
		Schemas:            snap.NewSchemas,
		Attributes:         snap.Attributes(),
		MetadataSize:       uint64(len(snap.Metadata())),
		WriterDataPosition: writerDataPos,
	}
}

// Result is the outcome of one exchange.
type Result struct {
	// Fallback reports that the variable-size summary gather was needed.
	Fallback bool
	// Outcome holds the final outcome word of every rank.
	Outcome []uint64
	// Sent is the number of content bytes this rank transmitted.
	Sent uint64

	// The remaining fields are only set at rank 0.

	// Schemas holds the schemas new to rank 0, in rank order.
	Schemas []schema.Block
	// Attributes holds the attribute records new to rank 0, in rank order.
	Attributes [][]byte
	// ContentSizes holds the content bytes received from every rank.
	ContentSizes        []uint64
	MetadataSizes       []uint64
	WriterDataPositions []uint64
}

// Aggregator runs the exchange over one communicator. Every rank of the
// communicator owns one Aggregator and calls Aggregate once per step.
//
// An Aggregator is not safe for concurrent use.
type Aggregator struct {
	comm   collective.Comm
	logger *zap.Logger

	// root state
	known    *dedup.Tracker
	lastAttr hash.Digest
}

// New creates the Aggregator of one rank.
func New(comm collective.Comm, opts ...Option) (*Aggregator, error) {
	if comm == nil {
		return nil, fmt.Errorf("%w: nil communicator", errs.ErrInvalidRank)
	}

	cfg := &Config{logger: zap.NewNop()}
	if err := options.Apply(cfg, opts...); err != nil {
		return nil, err
	}

	return &Aggregator{
		comm:   comm,
		logger: cfg.logger,
		known:  dedup.NewTracker(),
	}, nil
}

// KnownSchemas returns the number of schemas rank 0 holds.
func (a *Aggregator) KnownSchemas() int {
	return a.known.Count()
}

// plan is rank 0's decision for one exchange.
type plan struct {
	nodes   []nodeContrib
	outcome []uint64
	counts  []uint64
	// attrs holds the attribute digest that is transmitted last
	attrs hash.Digest
}

// decide computes the outcome of every rank. It returns nil when a rank
// reported more schemas than slots allow.
func (a *Aggregator) decide(nodes []nodeContrib, slots int) *plan {
	for i := range nodes {
		if nodes[i].schemaCount > uint64(slots) {
			return nil
		}
	}

	p := &plan{
		nodes:   nodes,
		outcome: make([]uint64, len(nodes)),
		counts:  make([]uint64, len(nodes)),
		attrs:   a.lastAttr,
	}
	takenAttr := make(map[hash.Digest]struct{})
	taken := make(map[hash.Digest]struct{})

	for rank := range nodes {
		n := &nodes[rank]

		if n.attrSize > 0 && n.attrHash != a.lastAttr {
			if _, dup := takenAttr[n.attrHash]; !dup {
				takenAttr[n.attrHash] = struct{}{}
				p.outcome[rank] |= attributeBit
				p.counts[rank] += align8(n.attrSize)
				p.attrs = n.attrHash
			}
		}

		for b, id := range n.schemaIDs {
			size := n.schemaSizes[b]
			if size == 0 || a.known.Seen(id, size) {
				continue
			}
			if _, dup := taken[id]; dup {
				continue
			}
			taken[id] = struct{}{}
			p.outcome[rank] |= uint64(1) << b
			p.counts[rank] += align8(size)
		}
	}

	return p
}

func summarize(c *Contribution) (nodeContrib, error) {
	if len(c.Schemas) > MaxSchemasPerStep {
		return nodeContrib{}, fmt.Errorf("%w: %d new schemas, at most %d per step",
			errs.ErrInvalidContribution, len(c.Schemas), MaxSchemasPerStep)
	}

	n := nodeContrib{
		schemaCount: uint64(len(c.Schemas)),
		metaSize:    c.MetadataSize,
		dataPos:     c.WriterDataPosition,
	}
	if len(c.Attributes) > 0 {
		n.attrHash = hash.Sum128(c.Attributes)
		n.attrSize = uint64(len(c.Attributes))
	}
	for _, s := range c.Schemas {
		if len(s.Body) == 0 {
			return nodeContrib{}, fmt.Errorf("%w: empty schema body", errs.ErrInvalidContribution)
		}
		n.schemaIDs = append(n.schemaIDs, s.ID)
		n.schemaSizes = append(n.schemaSizes, uint64(len(s.Body)))
	}

	return n, nil
}

// Aggregate runs one exchange. Every rank of the communicator must call it
// for the same step.
//
// Parameters:
//   - c: This rank's new schemas, attribute record and sizes
//
// Returns:
//   - *Result: The outcome; content and per-rank sizes only at rank 0
//   - error: Communicator failures, or errs.ErrInvalidContribution for
//     malformed input. A contribution rejected locally is reported before
//     any collective is issued, leaving the peers blocked.
func (a *Aggregator) Aggregate(c Contribution) (*Result, error) {
	self, err := summarize(&c)
	if err != nil {
		return nil, err
	}
	isRoot := a.comm.Rank() == root

	// phase 1, fixed summary
	all, err := a.comm.Gather(appendFixed(make([]byte, 0, FixedRecordSize), &self), root)
	if err != nil {
		return nil, err
	}

	var p *plan
	var outcome []uint64
	if isRoot {
		nodes := make([]nodeContrib, a.comm.Size())
		for rank := range nodes {
			if nodes[rank], err = decodeFixed(all[rank*FixedRecordSize : (rank+1)*FixedRecordSize]); err != nil {
				return nil, err
			}
		}
		p = a.decide(nodes, FixedSchemaSlots)
		if p == nil {
			outcome = make([]uint64, len(nodes))
			outcome[0] = FallbackSentinel
		} else {
			outcome = p.outcome
		}
	}
	if outcome, err = a.comm.BroadcastUint64s(outcome, root); err != nil {
		return nil, err
	}

	res := &Result{Fallback: outcome[0] == FallbackSentinel}
	if res.Fallback {
		if p, outcome, err = a.dynamicSummary(&self); err != nil {
			return nil, err
		}
	}
	res.Outcome = outcome

	if isRoot {
		res.MetadataSizes = make([]uint64, len(p.nodes))
		res.WriterDataPositions = make([]uint64, len(p.nodes))
		for rank := range p.nodes {
			res.MetadataSizes[rank] = p.nodes[rank].metaSize
			res.WriterDataPositions[rank] = p.nodes[rank].dataPos
		}
		res.ContentSizes = p.counts
	}

	if !anySet(outcome) {
		a.logResult(res)
		return res, nil
	}

	// phase 2, requested content
	own := pool.GetMetadataBuffer()
	writeContent(own, &c, outcome[a.comm.Rank()])
	res.Sent = uint64(own.Len())

	var counts []uint64
	if isRoot {
		counts = p.counts
	}
	content, err := a.comm.Gatherv(own.Bytes(), counts, root)
	pool.PutMetadataBuffer(own)
	if err != nil {
		return nil, err
	}
	if isRoot {
		if err := a.unpack(p, content, res); err != nil {
			return nil, err
		}
	}
	a.logResult(res)

	return res, nil
}

// dynamicSummary repeats the summary through a size-prefixed variable gather.
func (a *Aggregator) dynamicSummary(self *nodeContrib) (*plan, []uint64, error) {
	rec := appendDynamic(nil, self)
	sizes, err := a.comm.GatherUint64(uint64(len(rec)), root)
	if err != nil {
		return nil, nil, err
	}
	all, err := a.comm.Gatherv(rec, sizes, root)
	if err != nil {
		return nil, nil, err
	}

	var p *plan
	var outcome []uint64
	if a.comm.Rank() == root {
		nodes := make([]nodeContrib, len(sizes))
		pos := uint64(0)
		for rank, n := range sizes {
			if nodes[rank], err = decodeDynamic(all[pos : pos+n]); err != nil {
				return nil, nil, err
			}
			pos += n
		}
		p = a.decide(nodes, MaxSchemasPerStep)
		outcome = p.outcome

		a.logger.Debug("schema slots exceeded, summary gathered dynamically",
			zap.Uint64("summary_bytes", pos))
	}

	outcome, err = a.comm.BroadcastUint64s(outcome, root)
	if err != nil {
		return nil, nil, err
	}

	return p, outcome, nil
}

func anySet(outcome []uint64) bool {
	for _, w := range outcome {
		if w != 0 {
			return true
		}
	}

	return false
}

// writeContent writes the bodies requested by bits, each padded to 8
// bytes: the attribute record first, then the schemas in ascending bit order.
func writeContent(bb *pool.ByteBuffer, c *Contribution, bits uint64) {
	if bits&attributeBit != 0 {
		bb.MustWrite(c.Attributes)
		bb.PadTo(8)
	}
	for b, s := range c.Schemas {
		if bits&(uint64(1)<<b) != 0 {
			bb.MustWrite(s.Body)
			bb.PadTo(8)
		}
	}
}

// unpack splits the gathered content at rank 0 and records what was received.
func (a *Aggregator) unpack(p *plan, content []byte, res *Result) error {
	pos := uint64(0)
	for rank := range p.nodes {
		n := &p.nodes[rank]
		bits := p.outcome[rank]
		end := pos + p.counts[rank]
		if end > uint64(len(content)) {
			return fmt.Errorf("%w: rank %d content exceeds the gathered %d bytes",
				errs.ErrInvalidContribution, rank, len(content))
		}

		take := func(size uint64, want hash.Digest) ([]byte, error) {
			if pos+align8(size) > end {
				return nil, fmt.Errorf("%w: rank %d content is short", errs.ErrInvalidContribution, rank)
			}
			body := content[pos : pos+size]
			if hash.Sum128(body) != want {
				return nil, fmt.Errorf("%w: rank %d content does not match its digest", errs.ErrInvalidContribution, rank)
			}
			pos += align8(size)

			return append([]byte(nil), body...), nil
		}

		if bits&attributeBit != 0 {
			body, err := take(n.attrSize, n.attrHash)
			if err != nil {
				return err
			}
			res.Attributes = append(res.Attributes, body)
		}
		for b, id := range n.schemaIDs {
			if bits&(uint64(1)<<b) == 0 {
				continue
			}
			body, err := take(n.schemaSizes[b], id)
			if err != nil {
				return err
			}
			res.Schemas = append(res.Schemas, schema.Block{ID: id, Body: body})
		}

		if pos != end {
			return fmt.Errorf("%w: rank %d sent %d content bytes, %d used",
				errs.ErrInvalidContribution, rank, p.counts[rank], pos-(end-p.counts[rank]))
		}
	}

	for _, s := range res.Schemas {
		a.known.Track(s.ID, uint64(len(s.Body)))
	}
	a.lastAttr = p.attrs

	return nil
}

func (a *Aggregator) logResult(res *Result) {
	if a.comm.Rank() != root {
		return
	}

	a.logger.Debug("metadata aggregated",
		zap.Bool("fallback", res.Fallback),
		zap.Int("new_schemas", len(res.Schemas)),
		zap.Int("new_attributes", len(res.Attributes)),
		zap.Uint64("content_bytes", sum(res.ContentSizes)),
		zap.Int("known_schemas", a.known.Count()),
		zap.Bool("digest_collision", a.known.HasCollision()))
}
