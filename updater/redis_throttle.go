package updater

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed throttle.lua
var throttleScriptSource string

var throttleScript = redis.NewScript(throttleScriptSource)

// redisThrottle implements Throttle on Redis, so hosts sharing one profile
// share one check budget.
type redisThrottle struct {
	client redis.Cmdable
}

// NewRedisThrottle creates a Redis backed throttle. It expects a
// pre-configured redis.Cmdable (e.g. redis.Client or redis.ClusterClient).
func NewRedisThrottle(client redis.Cmdable) Throttle {
	return &redisThrottle{client: client}
}

func (s *redisThrottle) Allow(ctx context.Context, key string, rate float64, period float64) (bool, error) {
	nowFloat := float64(time.Now().UnixNano()) / 1e9

	keys := []string{fmt.Sprintf("extthrottle:%s", key)}
	args := []any{
		rate,          // ARG[1]: max_tokens (burst capacity)
		rate / period, // ARG[2]: tokens_per_second (refill rate)
		nowFloat,      // ARG[3]: current timestamp (float seconds)
		1.0,           // ARG[4]: tokens to consume for this check
	}

	result, err := throttleScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("throttle lua script execution failed")
		return false, fmt.Errorf("redis command failed for key %s: %w", key, err)
	}

	allowedInt, ok := result.(int64)
	if !ok {
		log.Error().Str("key", key).Str("result_type", fmt.Sprintf("%T", result)).Msg("throttle lua script returned unexpected type")
		return false, fmt.Errorf("unexpected result type from redis script for key %s: %T", key, result)
	}
	return allowedInt == 1, nil
}
