package installer

import (
	"github.com/redis/go-redis/v9"

	"github.com/hostbridge/extmgr/lock"
)

// Options holds configuration for the directory installer.
type Options struct {
	// LockClient, when set, makes every install take a distributed lock on
	// the extension id for the duration of the copy. Required when several
	// hosts share one install directory.
	LockClient redis.Cmdable
	// LockOptions tune the per-install lock guard.
	LockOptions []lock.Option
}

// Option defines a function type for setting options.
type Option func(*Options)

// newOptions creates default options and applies user overrides.
func newOptions(opts ...Option) *Options {
	options := &Options{}
	for _, o := range opts {
		o(options)
	}
	return options
}

// WithInstallLocking enables distributed install locking through the given
// Redis client.
func WithInstallLocking(client redis.Cmdable, lockOpts ...lock.Option) Option {
	return func(o *Options) {
		o.LockClient = client
		o.LockOptions = lockOpts
	}
}
