package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// Block timeout for BRPOP polls.
	redisBlockTimeout = 5 * time.Second
	// Key prefix for the per-event-type delivery lists.
	redisQueueKeyPrefix = "notify:queue:"
)

// redisSubscription pairs a subscription with its Redis listener goroutine.
type redisSubscription struct {
	*Subscription
	client     redis.Cmdable
	queueKeys  []string
	stopChan   chan struct{}
	listenerWg sync.WaitGroup
}

// RedisBus implements Bus on Redis lists, one list per event type. Unlike
// the in-memory bus this gives work-queue semantics across processes: each
// published event is consumed by exactly one listener per list.
type RedisBus struct {
	client redis.Cmdable
	mu     sync.RWMutex
	closed bool
	subs   map[string]*redisSubscription
}

// NewRedisBus creates a Redis backed bus.
func NewRedisBus(client redis.Cmdable) *RedisBus {
	if client == nil {
		panic("notify: redis client cannot be nil")
	}
	return &RedisBus{
		client: client,
		subs:   make(map[string]*redisSubscription),
	}
}

func queueKey(t EventType) string {
	return redisQueueKeyPrefix + string(t)
}

// Publish serializes events onto their per-type lists.
func (r *RedisBus) Publish(ctx context.Context, events ...Event) error {
	return r.publish(ctx, events, false)
}

// TryPublish behaves like Publish but drops events when a configured queue
// cap is reached instead of failing.
func (r *RedisBus) TryPublish(ctx context.Context, events ...Event) error {
	return r.publish(ctx, events, true)
}

func (r *RedisBus) publish(ctx context.Context, events []Event, try bool) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrBusClosed
	}
	// The tightest cap among subscriptions covering a type bounds that
	// type's list length.
	caps := make(map[EventType]int64)
	for _, sub := range r.subs {
		if sub.options.MaxQueueSize <= 0 {
			continue
		}
		for _, t := range sub.Types {
			if cur, ok := caps[t]; !ok || sub.options.MaxQueueSize < cur {
				caps[t] = sub.options.MaxQueueSize
			}
		}
	}
	r.mu.RUnlock()

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to marshal event")
			continue
		}

		key := queueKey(ev.Type)
		if err := r.client.RPush(ctx, key, payload).Err(); err != nil {
			if try {
				log.Warn().Err(err).Str("queue_key", key).Msg("failed to push event, dropping")
				continue
			}
			return fmt.Errorf("notify: push event to redis: %w", err)
		}

		if max, ok := caps[ev.Type]; ok {
			// Keep only the newest max entries.
			if err := r.client.LTrim(ctx, key, -max, -1).Err(); err != nil {
				log.Warn().Err(err).Str("queue_key", key).Msg("failed to trim event queue")
			}
		}
	}
	return nil
}

// Subscribe registers a handler and starts a BRPOP listener covering the
// subscribed event types.
func (r *RedisBus) Subscribe(ctx context.Context, handler any, types []EventType, opts ...Option) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrBusClosed
	}

	baseSub, err := newSubscription(handler, types, opts...)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(baseSub.Types))
	for _, t := range baseSub.Types {
		keys = append(keys, queueKey(t))
	}

	sub := &redisSubscription{
		Subscription: baseSub,
		client:       r.client,
		queueKeys:    keys,
		stopChan:     make(chan struct{}),
	}
	r.subs[sub.ID] = sub

	sub.listenerWg.Add(1)
	go sub.listenLoop()

	log.Debug().Str("subscription_id", sub.ID).Strs("queue_keys", keys).Msg("new redis subscription created")
	return sub.ID, nil
}

// Unsubscribe stops the listener and removes the subscription.
func (r *RedisBus) Unsubscribe(ctx context.Context, id string) error {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.subs, id)
	r.mu.Unlock()

	close(sub.stopChan)
	sub.listenerWg.Wait()

	if err := sub.Subscription.Close(); err != nil {
		log.Error().Err(err).Str("subscription_id", id).Msg("error closing subscription during unsubscribe")
	}
	return nil
}

// Close stops every listener and releases all subscriptions.
func (r *RedisBus) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	subsToClose := make([]*redisSubscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subsToClose = append(subsToClose, sub)
	}
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()

	log.Debug().Msg("redis bus closing")
	for _, sub := range subsToClose {
		close(sub.stopChan)
	}
	for _, sub := range subsToClose {
		sub.listenerWg.Wait()
	}

	var wg sync.WaitGroup
	wg.Add(len(subsToClose))
	for _, sub := range subsToClose {
		go func(s *redisSubscription) {
			defer wg.Done()
			if err := s.Subscription.Close(); err != nil {
				log.Error().Err(err).Str("subscription_id", s.ID).Msg("error closing subscription during bus close")
			}
		}(sub)
	}
	wg.Wait()

	log.Debug().Msg("redis bus closed")
	return nil
}

// listenLoop polls the subscription's lists with BRPOP and delivers decoded
// events.
func (rs *redisSubscription) listenLoop() {
	defer rs.listenerWg.Done()

	log.Debug().Str("subscription_id", rs.ID).Strs("queue_keys", rs.queueKeys).Msg("redis listener loop started")

	for {
		select {
		case <-rs.stopChan:
			log.Debug().Str("subscription_id", rs.ID).Msg("redis listener loop stopping")
			return
		default:
		}

		result, err := rs.client.BRPop(context.Background(), redisBlockTimeout, rs.queueKeys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			select {
			case <-rs.stopChan:
				return
			default:
			}
			log.Error().Err(err).Str("subscription_id", rs.ID).Msg("redis brpop error")
			select {
			case <-time.After(time.Second):
			case <-rs.stopChan:
				return
			}
			continue
		}

		if len(result) != 2 {
			log.Error().Str("subscription_id", rs.ID).Strs("brpop_result", result).Msg("invalid result format from brpop")
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(result[1]), &ev); err != nil {
			log.Error().Err(err).Str("subscription_id", rs.ID).Msg("failed to unmarshal event from redis")
			continue
		}

		if err := rs.Subscription.deliver(context.Background(), ev, false); err != nil && !errors.Is(err, ErrSubscriptionClosed) {
			log.Error().Err(err).Str("subscription_id", rs.ID).Str("event_type", string(ev.Type)).Msg("failed to deliver event from redis")
		}
	}
}

// Ensure RedisBus implements the Bus interface.
var _ Bus = (*RedisBus)(nil)
