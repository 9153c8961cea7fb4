// Package meta carries event-scoped metadata through a context.Context.
// The lifecycle service tags the contexts it publishes notifications with,
// so listeners can tell manager-originated events from host-originated
// ones and correlate events belonging to one operation.
package meta

import (
	"context"
	"fmt"
	"sync"
)

// Well-known metadata keys.
const (
	// SourceKey names the component that emitted an event.
	SourceKey = "source"
	// OperationKey carries the id of the backend operation an event
	// belongs to.
	OperationKey = "operation"
)

type metadataKey struct{}

// Metadata holds the key-value pairs attached to a context.
type Metadata struct {
	mu   sync.RWMutex
	data map[string]any
}

// New creates an empty Metadata store.
func New() *Metadata {
	return &Metadata{
		data: make(map[string]any),
	}
}

// Set adds or updates a key-value pair.
func (m *Metadata) Set(key string, value any) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]any)
	}
	m.data[key] = value
}

// Get retrieves a raw value by key.
func (m *Metadata) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[key]
	return value, ok
}

// WithContext returns a context carrying the metadata.
func (m *Metadata) WithContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if m == nil {
		return ctx
	}
	return context.WithValue(ctx, metadataKey{}, m)
}

// FromContext extracts the Metadata from ctx. A context without metadata
// yields an empty store so callers never handle nil.
func FromContext(ctx context.Context) *Metadata {
	if ctx == nil {
		return New()
	}
	if md, ok := ctx.Value(metadataKey{}).(*Metadata); ok {
		return md
	}
	return New()
}

// Get retrieves a typed value from the metadata stored in ctx.
func Get[T any](ctx context.Context, key string) (t T, err error) {
	raw, ok := FromContext(ctx).Get(key)
	if !ok {
		return t, fmt.Errorf("meta: key %q not found in context metadata", key)
	}
	typed, ok := raw.(T)
	if !ok {
		return t, fmt.Errorf("meta: value for key %q has type %T, but type %T was requested", key, raw, *new(T))
	}
	return typed, nil
}

// MustGet is Get that panics when the key is absent or mistyped.
func MustGet[T any](ctx context.Context, key string) T {
	t, err := Get[T](ctx, key)
	if err != nil {
		panic(err)
	}
	return t
}

// WithSource tags ctx with the emitting component name, creating metadata
// when ctx has none.
func WithSource(ctx context.Context, source string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if md, ok := ctx.Value(metadataKey{}).(*Metadata); ok {
		md.Set(SourceKey, source)
		return ctx
	}
	md := New()
	md.Set(SourceKey, source)
	return md.WithContext(ctx)
}

// Source returns the emitting component name, empty when untagged.
func Source(ctx context.Context) string {
	s, err := Get[string](ctx, SourceKey)
	if err != nil {
		return ""
	}
	return s
}
