package provider

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Options holds configuration for the Redis registry provider.
type Options struct {
	// Redis client instance (required).
	Client redis.Cmdable
	// Prefix for all registration keys stored in Redis (default: "extreg").
	KeyPrefix string
	// Interval at which Watch polls for registration changes (default: 30s).
	WatchInterval time.Duration
}

// Option defines a function type for setting options.
type Option func(*Options)

// Default values
const (
	DefaultKeyPrefix     = "extreg"
	DefaultWatchInterval = 30 * time.Second
)

// newOptions creates default options and applies user overrides.
func newOptions(opts ...Option) *Options {
	options := &Options{
		KeyPrefix:     DefaultKeyPrefix,
		WatchInterval: DefaultWatchInterval,
	}
	for _, o := range opts {
		o(options)
	}
	return options
}

// WithRedisClient sets the Redis client.
func WithRedisClient(client redis.Cmdable) Option {
	return func(o *Options) {
		o.Client = client
	}
}

// WithKeyPrefix sets the registration key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) {
		if prefix != "" {
			o.KeyPrefix = prefix
		}
	}
}

// WithWatchInterval sets the polling interval for Watch.
func WithWatchInterval(interval time.Duration) Option {
	return func(o *Options) {
		if interval > 0 {
			o.WatchInterval = interval
		} else {
			log.Warn().Dur("invalid_watch_interval", interval).Msg("ignoring non-positive watch interval option")
		}
	}
}
