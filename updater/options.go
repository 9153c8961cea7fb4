package updater

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hostbridge/extmgr/prefs"
)

// Options holds configuration for the update scheduler.
type Options struct {
	// Frequency between periodic update checks (default: 5h).
	Frequency time.Duration
	// InitialDelay before the first check after Start (default: 1m).
	InitialDelay time.Duration
	// MinInterval is the floor between any two checks, enforced through the
	// throttle. Manual triggers are subject to it too (default: 1m).
	MinInterval time.Duration
	// CheckTimeout bounds a single check pass (default: 5m).
	CheckTimeout time.Duration
	// Throttle gates every check (default: in-process token bucket).
	Throttle Throttle
	// PingStore, when set, records the day of the last completed check so
	// restarts can report how stale the host's extensions may be.
	PingStore prefs.Store
}

// Option defines a function type for setting options.
type Option func(*Options)

// Default values
const (
	DefaultFrequency    = 5 * time.Hour
	DefaultInitialDelay = 1 * time.Minute
	DefaultMinInterval  = 1 * time.Minute
	DefaultCheckTimeout = 5 * time.Minute
)

// newOptions creates default options and applies user overrides.
func newOptions(opts ...Option) *Options {
	options := &Options{
		Frequency:    DefaultFrequency,
		InitialDelay: DefaultInitialDelay,
		MinInterval:  DefaultMinInterval,
		CheckTimeout: DefaultCheckTimeout,
	}
	for _, o := range opts {
		o(options)
	}
	if options.Throttle == nil {
		options.Throttle = NewMemoryThrottle()
	}
	return options
}

// WithFrequency sets the interval between periodic checks.
func WithFrequency(frequency time.Duration) Option {
	return func(o *Options) {
		if frequency > 0 {
			o.Frequency = frequency
		} else {
			log.Warn().Dur("invalid_frequency", frequency).Msg("ignoring non-positive frequency option")
		}
	}
}

// WithInitialDelay sets the delay before the first check after Start.
func WithInitialDelay(delay time.Duration) Option {
	return func(o *Options) {
		if delay >= 0 {
			o.InitialDelay = delay
		}
	}
}

// WithMinInterval sets the floor between any two checks.
func WithMinInterval(interval time.Duration) Option {
	return func(o *Options) {
		if interval > 0 {
			o.MinInterval = interval
		}
	}
}

// WithCheckTimeout bounds a single check pass.
func WithCheckTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		if timeout > 0 {
			o.CheckTimeout = timeout
		}
	}
}

// WithThrottle sets the throttle implementation.
func WithThrottle(throttle Throttle) Option {
	return func(o *Options) {
		o.Throttle = throttle
	}
}

// WithPingStore enables last-check-day bookkeeping through the given store.
func WithPingStore(store prefs.Store) Option {
	return func(o *Options) {
		o.PingStore = store
	}
}
