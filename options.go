package rdma

import (
	"errors"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultCQSize is the default completion queue depth.
	DefaultCQSize = 16
	// DefaultGIDIndex is the source GID index used for the RTR transition.
	DefaultGIDIndex = 1
	// DefaultMRChanCap bounds the queue of regions handed over by the peer
	// and not yet picked up with RecvMR.
	DefaultMRChanCap = 16
)

// ErrInvalidConfig is returned when the provided options result in an invalid
// configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// Option defines a functional option for Dial/Listen.
type Option func(*Config)

// Config holds runtime settings for a connection or listener. The zero value
// is not valid; defaultConfig() yields the library defaults. Users should
// modify it through functional options.
type Config struct {
	device    string
	access    AccessFlags
	cqSize    int
	gidIndex  int
	mrChanCap int

	metrics Metrics
	logger  *logrus.Logger
}

// Validate checks if the configuration is sane and valid.
func (c *Config) Validate() error {
	if c.cqSize <= 0 {
		return ErrInvalidConfig
	}
	if c.gidIndex < 0 {
		return ErrInvalidConfig
	}
	if c.access == 0 {
		return ErrInvalidConfig
	}
	return nil
}

// defaultConfig returns config with library defaults.
func defaultConfig() *Config {
	return &Config{
		access:    DefaultAccess,
		cqSize:    DefaultCQSize,
		gidIndex:  DefaultGIDIndex,
		mrChanCap: DefaultMRChanCap,
		metrics:   NewDefaultMetrics(),
		logger:    logrus.StandardLogger(),
	}
}

// applyConfig builds a runtime config by applying the given options on top of defaults.
func applyConfig(opts []Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithDevice selects the RDMA device by name. The first device found is used
// when unset.
func WithDevice(name string) Option {
	return func(c *Config) {
		c.device = name
	}
}

// WithAccess overrides the access flags requested for the queue pair and for
// locally allocated memory regions.
func WithAccess(access AccessFlags) Option {
	return func(c *Config) {
		if access != 0 {
			c.access = access
		}
	}
}

// WithCQSize sets the completion queue depth.
func WithCQSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.cqSize = size
		}
	}
}

// WithGIDIndex sets the source GID index used during the RTR transition.
func WithGIDIndex(index int) Option {
	return func(c *Config) {
		if index >= 0 {
			c.gidIndex = index
		}
	}
}

// WithMRChanCap sets how many handed-over regions may queue before SendMR on
// the peer blocks.
func WithMRChanCap(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.mrChanCap = n
		}
	}
}

// WithMetrics sets a custom metrics implementation for tracking connection
// statistics. If not provided, a default implementation with atomic counters
// will be used.
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithLogger sets the logger used by the connection's background tasks.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.logger = logger
		}
	}
}
