// Package stepmeta provides per-timestep metadata marshaling for parallel
// array output.
//
// A cohort of writer processes produces, for every timestep, one metadata
// record per writer describing the scalars and array blocks it wrote, plus
// the payload holding the array bytes. The records are self-describing: a
// record carries the identity of its schema and a schema is sent once, the
// first time it is used. Readers install the records of every writer and
// read bounding boxes or individual blocks out of the payloads.
//
// # Core Features
//
//   - Stable per-writer schemas grown on first use of each variable
//   - Dirty bitset marking the variables written in a step
//   - Multi-block arrays, deferred zero-copy puts, aligned payload layout
//   - Row-major and column-major readers with dimension reversal
//   - Streaming and random-access read modes
//   - Collective schema and attribute deduplication across the cohort
//
// # Basic Usage
//
// Writing one step:
//
//	m, _ := stepmeta.NewDefaultMarshaler()
//	_ = m.InitStep(buffer.NewChunked())
//	_ = m.Put(temperature, shape, count, offsets, block, false)
//	snap, _ := m.CloseTimestep(step)
//	defer snap.Release()
//
// Reading it back:
//
//	in, _ := stepmeta.NewInstaller(hostdir.NewIO(), writers)
//	_ = stepmeta.InstallStep(in, step, schemas, metadata, attributes)
//	v, _ := dir.Variable("temperature")
//	v.SetSelection(start, count)
//	flush, _ := in.QueueGet(v, dest)
//	if flush {
//	    reqs := in.GenerateReadRequests()
//	    // fill reqs[i].Data from the writers' payloads
//	    _ = in.FinalizeGets(reqs)
//	}
//
// # Package Structure
//
// This package provides top-level wrappers around the serializer,
// deserializer and aggregate packages for the common cases. Use those
// packages directly for full control.
package stepmeta

import (
	"go.uber.org/multierr"

	"github.com/arloliu/stepmeta/aggregate"
	"github.com/arloliu/stepmeta/collective"
	"github.com/arloliu/stepmeta/deserializer"
	"github.com/arloliu/stepmeta/hostdir"
	"github.com/arloliu/stepmeta/schema"
	"github.com/arloliu/stepmeta/serializer"
)

var defaultMarshalerOptions = []serializer.MarshalerOption{
	serializer.WithLittleEndian(),
	serializer.WithBlockAlignment(serializer.DefaultBlockAlignment),
}

// NewMarshaler creates a writer-side Marshaler.
//
// Parameters:
//   - opts: Marshaler options, applied after the defaults
//
// Returns:
//   - *serializer.Marshaler: The marshaler, ready for InitStep
//   - error: Configuration error, if any
func NewMarshaler(opts ...serializer.MarshalerOption) (*serializer.Marshaler, error) {
	all := make([]serializer.MarshalerOption, 0, len(defaultMarshalerOptions)+len(opts))
	all = append(all, defaultMarshalerOptions...)
	all = append(all, opts...)

	return serializer.NewMarshaler(all...)
}

// NewDefaultMarshaler creates a Marshaler encoding little-endian records
// with 8-byte aligned payload blocks.
func NewDefaultMarshaler() (*serializer.Marshaler, error) {
	return NewMarshaler()
}

// NewInstaller creates a reader-side Installer with its own schema registry.
//
// Parameters:
//   - dir: Host directory receiving variables and attributes
//   - writerCount: Size of the writer cohort
//   - opts: Installer options
//
// Returns:
//   - *deserializer.Installer: The installer
//   - error: Invalid arguments or configuration
func NewInstaller(dir hostdir.Directory, writerCount int, opts ...deserializer.InstallerOption) (*deserializer.Installer, error) {
	reader, err := schema.NewRegistry()
	if err != nil {
		return nil, err
	}

	return deserializer.NewInstaller(reader, dir, writerCount, opts...)
}

// NewAggregator creates the Aggregator of one rank.
func NewAggregator(comm collective.Comm, opts ...aggregate.Option) (*aggregate.Aggregator, error) {
	return aggregate.New(comm, opts...)
}

// InstallStep feeds one step into an Installer: the schemas, then every
// writer's metadata record in rank order, then the attribute records in
// order. A nil attribute record is skipped.
//
// Every failure is reported; installation continues past a bad writer
// record so that the other writers remain readable.
func InstallStep(in *deserializer.Installer, step uint64, schemas []schema.Block, metadata, attributes [][]byte) error {
	for _, b := range schemas {
		if err := in.InstallSchema(b); err != nil {
			return err
		}
	}

	var err error
	for rank, block := range metadata {
		err = multierr.Append(err, in.InstallMetaData(block, rank, step))
	}
	for _, block := range attributes {
		if block != nil {
			err = multierr.Append(err, in.InstallAttributeData(block, step))
		}
	}

	return err
}

// InstallBreakout feeds a contiguous metadata aggregate split by
// serializer.UnpackContiguous into an Installer.
func InstallBreakout(in *deserializer.Installer, step uint64, b *serializer.Breakout) error {
	return InstallStep(in, step, b.Schemas, b.Metadata, b.Attributes)
}

// SplitGathered cuts a gathered buffer into per-rank slices.
func SplitGathered(all []byte, counts []uint64) [][]byte {
	out := make([][]byte, len(counts))
	pos := uint64(0)
	for i, n := range counts {
		out[i] = all[pos : pos+n : pos+n]
		pos += n
	}

	return out
}
