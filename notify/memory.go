package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// MemoryBus implements Bus with in-process delivery.
type MemoryBus struct {
	mu      sync.RWMutex
	closed  bool
	types   map[EventType]map[string]*Subscription // event type -> subID -> subscription
	subs    map[string]*Subscription               // subID -> subscription
	closeWg sync.WaitGroup                         // waits for in-flight publishes during close
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		types: make(map[EventType]map[string]*Subscription),
		subs:  make(map[string]*Subscription),
	}
}

// Publish delivers events to every covering subscription, waiting for all
// of them.
func (m *MemoryBus) Publish(ctx context.Context, events ...Event) error {
	return m.publish(ctx, events, false)
}

// TryPublish delivers events without blocking on slow subscribers.
func (m *MemoryBus) TryPublish(ctx context.Context, events ...Event) error {
	return m.publish(ctx, events, true)
}

func (m *MemoryBus) publish(ctx context.Context, events []Event, try bool) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrBusClosed
	}
	m.closeWg.Add(1)
	defer m.closeWg.Done()

	type delivery struct {
		sub *Subscription
		ev  Event
	}
	var deliveries []delivery
	for _, ev := range events {
		for _, sub := range m.types[ev.Type] {
			deliveries = append(deliveries, delivery{sub: sub, ev: ev})
		}
	}
	m.mu.RUnlock()

	if len(deliveries) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(deliveries))
	wg.Add(len(deliveries))
	for _, d := range deliveries {
		go func(d delivery) {
			defer wg.Done()
			err := d.sub.deliver(ctx, d.ev, try)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSubscriptionClosed) {
				log.Error().
					Err(err).
					Str("subscription_id", d.sub.ID).
					Str("event_type", string(d.ev.Type)).
					Msg("failed to deliver event")
				select {
				case errChan <- err:
				default:
				}
			}
		}(d)
	}

	if try {
		// Fire and forget; deliveries drop instead of blocking.
		return nil
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		close(errChan)
		if err := <-errChan; err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Warn().Msg("publish context canceled before all subscribers finished")
		return ctx.Err()
	}
}

// Subscribe registers a handler for the given event types.
func (m *MemoryBus) Subscribe(ctx context.Context, handler any, types []EventType, opts ...Option) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrBusClosed
	}

	sub, err := newSubscription(handler, types, opts...)
	if err != nil {
		return "", err
	}

	for _, t := range sub.Types {
		if _, ok := m.types[t]; !ok {
			m.types[t] = make(map[string]*Subscription)
		}
		m.types[t][sub.ID] = sub
	}
	m.subs[sub.ID] = sub

	log.Debug().Str("subscription_id", sub.ID).Int("type_count", len(sub.Types)).Msg("new subscription created")
	return sub.ID, nil
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (m *MemoryBus) Unsubscribe(ctx context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.subs, id)
	for _, t := range sub.Types {
		if typeSubs, ok := m.types[t]; ok {
			delete(typeSubs, id)
			if len(typeSubs) == 0 {
				delete(m.types, t)
			}
		}
	}
	m.mu.Unlock()

	if err := sub.Close(); err != nil {
		log.Error().Err(err).Str("subscription_id", id).Msg("error closing subscription during unsubscribe")
	}
	return nil
}

// Close shuts the bus down, waiting for in-flight publishes and releasing
// every subscription.
func (m *MemoryBus) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	subsToClose := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subsToClose = append(subsToClose, sub)
	}
	m.types = make(map[EventType]map[string]*Subscription)
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	log.Debug().Msg("memory bus closing")
	m.closeWg.Wait()

	var wg sync.WaitGroup
	wg.Add(len(subsToClose))
	for _, sub := range subsToClose {
		go func(s *Subscription) {
			defer wg.Done()
			if err := s.Close(); err != nil {
				log.Error().Err(err).Str("subscription_id", s.ID).Msg("error closing subscription during bus close")
			}
		}(sub)
	}
	wg.Wait()

	log.Debug().Msg("memory bus closed")
	return nil
}

// Ensure MemoryBus implements the Bus interface.
var _ Bus = (*MemoryBus)(nil)
