package deserializer

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/internal/options"
)

// DumpMetadataEnv enables the decoded metadata dump when set to a non-empty value.
const DumpMetadataEnv = "STEPMETA_DUMP_METADATA"

// OverlapPolicy decides whether a writer is relevant to a bounding-box read.
type OverlapPolicy uint8

const (
	// OverlapFirstMismatch rejects a writer as soon as one dimension of one
	// of its blocks misses the requested box, even when another of its
	// blocks overlaps it. A writer contributing several blocks per step may
	// therefore be skipped for a box that only some of its blocks touch.
	OverlapFirstMismatch OverlapPolicy = iota
	// OverlapAnyBlock accepts a writer when any of its blocks overlaps the
	// requested box.
	OverlapAnyBlock
)

func (p OverlapPolicy) String() string {
	switch p {
	case OverlapFirstMismatch:
		return "FirstMismatch"
	case OverlapAnyBlock:
		return "AnyBlock"
	default:
		return "Unknown"
	}
}

// InstallerConfig holds the construction-time settings of an Installer.
type InstallerConfig struct {
	writerRowMajor bool
	readerRowMajor bool
	randomAccess   bool
	overlap        OverlapPolicy
	dump           bool
	logger         *zap.Logger
}

func newInstallerConfig() *InstallerConfig {
	return &InstallerConfig{
		writerRowMajor: true,
		readerRowMajor: true,
		overlap:        OverlapFirstMismatch,
		dump:           os.Getenv(DumpMetadataEnv) != "",
		logger:         zap.NewNop(),
	}
}

// Validate checks the configuration once every option has been applied.
func (c *InstallerConfig) Validate() error {
	if c.overlap > OverlapAnyBlock {
		return fmt.Errorf("%w: unknown overlap policy %d", errs.ErrInvalidVariable, c.overlap)
	}

	return nil
}

// InstallerOption represents a functional option for configuring an Installer.
type InstallerOption = options.Option[*InstallerConfig]

// WithWriterRowMajor declares the array ordering of the writers. Default true.
func WithWriterRowMajor(rowMajor bool) InstallerOption {
	return options.NoError(func(c *InstallerConfig) {
		c.writerRowMajor = rowMajor
	})
}

// WithReaderRowMajor declares the array ordering of the reader. Default true.
func WithReaderRowMajor(rowMajor bool) InstallerOption {
	return options.NoError(func(c *InstallerConfig) {
		c.readerRowMajor = rowMajor
	})
}

// WithRandomAccess keeps every installed step for the lifetime of the
// Installer so that steps can be read in any order.
func WithRandomAccess() InstallerOption {
	return options.NoError(func(c *InstallerConfig) {
		c.randomAccess = true
	})
}

// WithOverlapPolicy selects how writers are matched against bounding boxes.
func WithOverlapPolicy(p OverlapPolicy) InstallerOption {
	return options.NoError(func(c *InstallerConfig) {
		c.overlap = p
	})
}

// WithMetadataDump logs every decoded metadata and attribute record at
// Info level. The default follows the STEPMETA_DUMP_METADATA environment variable.
func WithMetadataDump(enabled bool) InstallerOption {
	return options.NoError(func(c *InstallerConfig) {
		c.dump = enabled
	})
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) InstallerOption {
	return options.NoError(func(c *InstallerConfig) {
		if logger != nil {
			c.logger = logger
		}
	})
}
