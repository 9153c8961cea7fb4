package taskq

// Options holds configuration for a queue.
type Options struct {
	// BufferSize is the capacity of the task buffer. Posts block once the
	// buffer is full. Defaults to 128.
	BufferSize int
}

// Option is a function type used to configure a queue.
type Option func(*Options)

// DefaultOptions returns the default queue options.
func DefaultOptions() *Options {
	return &Options{
		BufferSize: 128,
	}
}

// WithBufferSize sets the task buffer capacity.
func WithBufferSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.BufferSize = n
		}
	}
}

func newOptions(opts ...Option) *Options {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}
