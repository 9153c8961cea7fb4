package updater

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Throttle bounds how often update checks may fire. A shared backend lets a
// fleet of hosts collectively respect one budget instead of stampeding the
// external providers together.
type Throttle interface {
	// Allow checks whether one more check may run now (token bucket).
	// rate: max tokens (burst)
	// period: time in seconds to regenerate 'rate' tokens
	Allow(ctx context.Context, key string, rate float64, period float64) (bool, error)
}

// bucketState holds the state for a specific key in the memory throttle.
type bucketState struct {
	Allowance float64   // current number of tokens
	LastCheck time.Time // timestamp of the last check
}

// memoryThrottle implements Throttle with an in-memory map.
type memoryThrottle struct {
	mu    sync.Mutex
	state map[string]bucketState
}

// NewMemoryThrottle creates an in-process throttle.
func NewMemoryThrottle() Throttle {
	return &memoryThrottle{
		state: make(map[string]bucketState),
	}
}

func (s *memoryThrottle) Allow(ctx context.Context, key string, rate float64, period float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	currentState, exists := s.state[key]

	if !exists {
		// first check for this key, consume one token now
		s.state[key] = bucketState{
			Allowance: rate - 1.0,
			LastCheck: now,
		}
		return true, nil
	}

	timePassed := now.Sub(currentState.LastCheck).Seconds()
	tokensToAdd := timePassed * (rate / period)
	currentState.LastCheck = now

	currentState.Allowance += tokensToAdd
	if currentState.Allowance > rate {
		currentState.Allowance = rate // clamp to burst capacity
	}

	allowed := currentState.Allowance >= 1.0
	if allowed {
		currentState.Allowance -= 1.0
	} else {
		log.Debug().Str("key", key).Float64("allowance", currentState.Allowance).Msg("update check throttled")
	}

	s.state[key] = currentState
	return allowed, nil
}
