package updater

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/extmgr/prefs"
)

func TestMemoryThrottleTokenBucket(t *testing.T) {
	ctx := context.Background()
	throttle := NewMemoryThrottle()

	// Burst of 2, refilling over 10 minutes: two checks pass, the third
	// is denied.
	allowed, err := throttle.Allow(ctx, "k", 2, 600)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = throttle.Allow(ctx, "k", 2, 600)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = throttle.Allow(ctx, "k", 2, 600)
	require.NoError(t, err)
	assert.False(t, allowed)

	// Independent keys have independent buckets.
	allowed, err = throttle.Allow(ctx, "other", 2, 600)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestMemoryThrottleRefills(t *testing.T) {
	ctx := context.Background()
	throttle := NewMemoryThrottle()

	// 1 token refilling every 50ms.
	allowed, err := throttle.Allow(ctx, "k", 1, 0.05)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = throttle.Allow(ctx, "k", 1, 0.05)
	require.NoError(t, err)
	assert.False(t, allowed)

	assert.Eventually(t, func() bool {
		allowed, err := throttle.Allow(ctx, "k", 1, 0.05)
		return err == nil && allowed
	}, time.Second, 10*time.Millisecond)
}

func TestUpdaterFiresPeriodically(t *testing.T) {
	var checks atomic.Int32
	u := New(func(ctx context.Context) {
		checks.Add(1)
	},
		WithInitialDelay(5*time.Millisecond),
		WithFrequency(20*time.Millisecond),
		WithMinInterval(time.Millisecond),
	)
	u.Start()
	defer u.Stop()

	assert.Eventually(t, func() bool {
		return checks.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUpdaterStopHaltsChecks(t *testing.T) {
	var checks atomic.Int32
	u := New(func(ctx context.Context) {
		checks.Add(1)
	},
		WithInitialDelay(time.Millisecond),
		WithFrequency(5*time.Millisecond),
		WithMinInterval(time.Millisecond),
	)
	u.Start()

	assert.Eventually(t, func() bool {
		return checks.Load() >= 1
	}, time.Second, time.Millisecond)

	u.Stop()
	after := checks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, checks.Load())

	// Stop is idempotent.
	u.Stop()
}

func TestUpdaterTriggerNowHonorsThrottle(t *testing.T) {
	var checks atomic.Int32
	u := New(func(ctx context.Context) {
		checks.Add(1)
	},
		WithInitialDelay(time.Hour),
		WithMinInterval(time.Hour),
	)

	assert.True(t, u.TriggerNow(context.Background()))
	assert.False(t, u.TriggerNow(context.Background()))
	assert.Equal(t, int32(1), checks.Load())
}

func TestUpdaterRecordsPingDay(t *testing.T) {
	store := prefs.NewMemoryStore()
	u := New(func(ctx context.Context) {},
		WithInitialDelay(time.Hour),
		WithMinInterval(time.Millisecond),
		WithPingStore(store),
	)

	require.True(t, u.TriggerNow(context.Background()))

	day, err := store.LastPingDay(context.Background())
	require.NoError(t, err)
	assert.False(t, day.IsZero())
	assert.WithinDuration(t, time.Now(), day, time.Minute)
}
