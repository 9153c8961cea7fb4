package notify

import (
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// BrokerOption configures which bus backend New returns.
type BrokerOption func(*brokerOptions)

type brokerOptions struct {
	redisClient redis.Cmdable
}

// WithRedisClient selects the Redis backend. Without it New returns the
// in-memory bus.
func WithRedisClient(client redis.Cmdable) BrokerOption {
	return func(o *brokerOptions) {
		o.redisClient = client
	}
}

// New creates a bus. The in-memory backend is the default; passing
// WithRedisClient switches to Redis list delivery so listeners in other
// processes observe lifecycle events.
func New(opts ...BrokerOption) Bus {
	options := &brokerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if options.redisClient != nil {
		log.Debug().Msg("initializing notification bus with redis backend")
		return NewRedisBus(options.redisClient)
	}
	log.Debug().Msg("initializing notification bus with memory backend")
	return NewMemoryBus()
}
