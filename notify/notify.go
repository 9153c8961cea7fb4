package notify

import (
	"context"
	"errors"
)

// Predefined errors for bus operations.
var (
	ErrBusClosed          = errors.New("notify: bus is closed")
	ErrInvalidHandler     = errors.New("notify: handler must be a func(context.Context, Event) or a chan Event")
	ErrNoEventTypes       = errors.New("notify: subscription needs at least one event type")
	ErrSubscriptionClosed = errors.New("notify: subscription is closed")
)

// Handler receives delivered events. Subscribe also accepts a chan Event in
// its place.
type Handler func(ctx context.Context, ev Event)

// Bus is the notification dispatch interface.
type Bus interface {
	// Publish delivers events to every subscription registered for their
	// types. It blocks until all subscribers accepted the events or the
	// context is canceled.
	Publish(ctx context.Context, events ...Event) error

	// TryPublish delivers events without blocking, dropping them for
	// subscribers that are not ready.
	TryPublish(ctx context.Context, events ...Event) error

	// Subscribe registers a handler for the given event types. The handler
	// can be a Handler func or a chan Event. Returns the subscription id.
	Subscribe(ctx context.Context, handler any, types []EventType, opts ...Option) (string, error)

	// Unsubscribe removes the subscription with the given id.
	Unsubscribe(ctx context.Context, id string) error

	// Close shuts the bus down and releases all subscriptions.
	Close() error
}
