package aggregate

import (
	"go.uber.org/zap"

	"github.com/arloliu/stepmeta/internal/options"
)

// Config holds the settings of an Aggregator.
type Config struct {
	logger *zap.Logger
}

// Option represents a functional option for configuring an Aggregator.
type Option = options.Option[*Config]

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return options.NoError(func(c *Config) {
		if logger != nil {
			c.logger = logger
		}
	})
}
