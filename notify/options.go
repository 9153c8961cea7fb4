package notify

// SubscriptionOptions holds configuration for a subscription.
type SubscriptionOptions struct {
	// Concurrency is the number of goroutines invoking a func handler.
	// Defaults to 1, which preserves per-subscription delivery order.
	Concurrency int
	// MaxQueueSize caps the Redis delivery list length; older entries are
	// trimmed once the cap is exceeded. 0 means no limit.
	MaxQueueSize int64
}

// Option is a function type used to configure subscriptions.
type Option func(*SubscriptionOptions)

// DefaultSubscriptionOptions returns the default options.
func DefaultSubscriptionOptions() *SubscriptionOptions {
	return &SubscriptionOptions{
		Concurrency:  1,
		MaxQueueSize: 0,
	}
}

// WithConcurrency sets the concurrency level for func handlers.
func WithConcurrency(n int) Option {
	return func(o *SubscriptionOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithMaxQueueSize caps the Redis delivery list length.
func WithMaxQueueSize(size int64) Option {
	return func(o *SubscriptionOptions) {
		if size >= 0 {
			o.MaxQueueSize = size
		}
	}
}

// Apply applies the options to the SubscriptionOptions struct.
func (o *SubscriptionOptions) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
}
