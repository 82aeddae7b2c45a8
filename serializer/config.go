package serializer

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/arloliu/stepmeta/endian"
	"github.com/arloliu/stepmeta/errs"
	"github.com/arloliu/stepmeta/internal/options"
	"github.com/arloliu/stepmeta/schema"
)

// DefaultBlockAlignment is the payload alignment applied when a data buffer
// is finished by ReinitStepData or CloseTimestep.
const DefaultBlockAlignment = 8

// MarshalerConfig holds the construction-time settings of a Marshaler.
type MarshalerConfig struct {
	codec          schema.Codec
	engine         endian.EndianEngine
	blockAlignment int
	logger         *zap.Logger
}

func newMarshalerConfig() *MarshalerConfig {
	return &MarshalerConfig{
		engine:         endian.GetLittleEndianEngine(),
		blockAlignment: DefaultBlockAlignment,
		logger:         zap.NewNop(),
	}
}

// Validate checks the configuration once every option has been applied.
func (c *MarshalerConfig) Validate() error {
	if c.blockAlignment < 1 {
		return fmt.Errorf("%w: block alignment %d must be positive", errs.ErrInvalidVariable, c.blockAlignment)
	}

	return nil
}

// MarshalerOption represents a functional option for configuring a Marshaler.
type MarshalerOption = options.Option[*MarshalerConfig]

// WithCodec sets the structured-encoding service used to encode metadata
// and attribute records. By default the Marshaler creates its own
// schema.Registry.
func WithCodec(codec schema.Codec) MarshalerOption {
	return options.New(func(c *MarshalerConfig) error {
		if codec == nil {
			return fmt.Errorf("%w: nil codec", errs.ErrInvalidSchema)
		}
		c.codec = codec

		return nil
	})
}

// WithLittleEndian encodes records in little-endian byte order.
// It is the default option.
func WithLittleEndian() MarshalerOption {
	return options.NoError(func(c *MarshalerConfig) {
		c.engine = endian.GetLittleEndianEngine()
	})
}

// WithBigEndian encodes records in big-endian byte order.
// It only applies to the default codec.
func WithBigEndian() MarshalerOption {
	return options.NoError(func(c *MarshalerConfig) {
		c.engine = endian.GetBigEndianEngine()
	})
}

// WithBlockAlignment sets the alignment the payload is padded to when a
// data buffer is finished.
func WithBlockAlignment(align int) MarshalerOption {
	return options.NoError(func(c *MarshalerConfig) {
		c.blockAlignment = align
	})
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) MarshalerOption {
	return options.NoError(func(c *MarshalerConfig) {
		if logger != nil {
			c.logger = logger
		}
	})
}
