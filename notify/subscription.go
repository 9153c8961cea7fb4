package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type queuedEvent struct {
	ctx context.Context
	ev  Event
}

// Subscription represents one registered listener covering a set of event
// types.
type Subscription struct {
	ID      string
	Types   []EventType
	options *SubscriptionOptions

	mu     sync.RWMutex
	closed bool

	handlerFunc Handler
	handlerChan chan Event

	// For func handlers with concurrency > 1.
	deliveryQueue chan queuedEvent
	wg            sync.WaitGroup
	cancel        context.CancelFunc
}

// newSubscription validates the handler and prepares delivery. The handler
// must be a Handler func or a chan Event.
func newSubscription(handler any, types []EventType, opts ...Option) (*Subscription, error) {
	if len(types) == 0 {
		return nil, ErrNoEventTypes
	}

	options := DefaultSubscriptionOptions()
	options.Apply(opts...)

	s := &Subscription{
		ID:      uuid.NewString(),
		Types:   append([]EventType(nil), types...),
		options: options,
	}

	switch h := handler.(type) {
	case Handler:
		s.handlerFunc = h
	case func(context.Context, Event):
		s.handlerFunc = h
	case chan Event:
		s.handlerChan = h
	default:
		return nil, ErrInvalidHandler
	}

	if s.handlerFunc != nil && options.Concurrency > 1 {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.deliveryQueue = make(chan queuedEvent, options.Concurrency*2)
		s.wg.Add(options.Concurrency)
		for i := 0; i < options.Concurrency; i++ {
			go s.runWorker(ctx)
		}
	}

	return s, nil
}

// covers reports whether the subscription listens for the given type.
func (s *Subscription) covers(t EventType) bool {
	for _, st := range s.Types {
		if st == t {
			return true
		}
	}
	return false
}

func (s *Subscription) runWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("subscription_id", s.ID).Msg("subscription worker shutting down")
			return
		case item, ok := <-s.deliveryQueue:
			if !ok {
				return
			}
			s.invokeFuncHandler(item.ctx, item.ev)
		}
	}
}

// deliver hands one event to the subscription's handler.
func (s *Subscription) deliver(ctx context.Context, ev Event, try bool) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrSubscriptionClosed
	}
	fn := s.handlerFunc
	ch := s.handlerChan
	s.mu.RUnlock()

	if fn != nil {
		if s.deliveryQueue != nil {
			select {
			case s.deliveryQueue <- queuedEvent{ctx: ctx, ev: ev}:
				return nil
			default:
			}
			if try {
				log.Warn().Str("subscription_id", s.ID).Str("event_type", string(ev.Type)).Msg("delivery queue full, dropping event")
				return nil
			}
			select {
			case s.deliveryQueue <- queuedEvent{ctx: ctx, ev: ev}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s.invokeFuncHandler(ctx, ev)
		return nil
	}

	if try {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("subscription_id", s.ID).Str("event_type", string(ev.Type)).Msg("channel full, dropping event")
		}
		return nil
	}

	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// invokeFuncHandler calls the handler with panic recovery so one faulty
// listener cannot take down the publisher.
func (s *Subscription) invokeFuncHandler(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("subscription_id", s.ID).
				Str("event_type", string(ev.Type)).
				Interface("panic_value", r).
				Msg("panic recovered during event handler execution")
		}
	}()

	s.mu.RLock()
	fn := s.handlerFunc
	s.mu.RUnlock()
	if fn == nil {
		return
	}
	fn(ctx, ev)
}

// Close releases the subscription. Channel handlers are not closed; the
// channel belongs to the subscriber.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	if s.cancel != nil {
		s.cancel()
	}
	if s.deliveryQueue != nil {
		close(s.deliveryQueue)
	}
	s.handlerFunc = nil
	s.handlerChan = nil
	s.mu.Unlock()

	if s.options.Concurrency > 1 {
		s.wg.Wait()
	}

	log.Debug().Str("subscription_id", s.ID).Msg("subscription closed")
	return nil
}
