package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/extmgr/extension"
)

func TestMemoryBusFuncHandler(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []Event
	_, err := bus.Subscribe(context.Background(), func(ctx context.Context, ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}, []EventType{EventExtensionLoaded})
	require.NoError(t, err)

	err = bus.Publish(context.Background(), Event{Type: EventExtensionLoaded, ExtensionID: "aaaa"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, EventExtensionLoaded, got[0].Type)
	assert.Equal(t, "aaaa", got[0].ExtensionID)
}

func TestMemoryBusChanHandler(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ch := make(chan Event, 4)
	_, err := bus.Subscribe(context.Background(), ch, []EventType{EventExtensionInstalled})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventExtensionInstalled, ExtensionID: "bbbb"}))

	select {
	case ev := <-ch:
		assert.Equal(t, "bbbb", ev.ExtensionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryBusTypeFiltering(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var count atomic.Int32
	_, err := bus.Subscribe(context.Background(), func(ctx context.Context, ev Event) {
		count.Add(1)
	}, []EventType{EventExtensionLoaded, EventExtensionUnloaded})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(),
		Event{Type: EventExtensionLoaded},
		Event{Type: EventExtensionUnloaded},
		Event{Type: EventThemeInstalled},
	))

	assert.Equal(t, int32(2), count.Load(), "only subscribed types must be delivered")
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var count atomic.Int32
	id, err := bus.Subscribe(context.Background(), func(ctx context.Context, ev Event) {
		count.Add(1)
	}, []EventType{EventExtensionLoaded})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventExtensionLoaded}))
	require.NoError(t, bus.Unsubscribe(context.Background(), id))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventExtensionLoaded}))

	assert.Equal(t, int32(1), count.Load())
}

func TestMemoryBusUnsubscribeUnknownID(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	assert.NoError(t, bus.Unsubscribe(context.Background(), "no-such-subscription"))
}

func TestMemoryBusInvalidHandler(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	_, err := bus.Subscribe(context.Background(), 42, []EventType{EventExtensionLoaded})
	assert.ErrorIs(t, err, ErrInvalidHandler)

	_, err = bus.Subscribe(context.Background(), func(ctx context.Context, ev Event) {}, nil)
	assert.ErrorIs(t, err, ErrNoEventTypes)
}

func TestMemoryBusTryPublishDoesNotBlock(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ch := make(chan Event) // unbuffered, no receiver
	_, err := bus.Subscribe(context.Background(), ch, []EventType{EventExtensionLoaded})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.TryPublish(context.Background(), Event{Type: EventExtensionLoaded})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TryPublish blocked on a full channel")
	}
}

func TestMemoryBusPublishAfterClose(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), Event{Type: EventExtensionLoaded})
	assert.ErrorIs(t, err, ErrBusClosed)

	_, err = bus.Subscribe(context.Background(), func(ctx context.Context, ev Event) {}, []EventType{EventExtensionLoaded})
	assert.ErrorIs(t, err, ErrBusClosed)

	assert.NoError(t, bus.Close(), "double close must be a no-op")
}

func TestMemoryBusHandlerPanicRecovered(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	_, err := bus.Subscribe(context.Background(), func(ctx context.Context, ev Event) {
		panic("listener exploded")
	}, []EventType{EventExtensionLoaded})
	require.NoError(t, err)

	assert.NoError(t, bus.Publish(context.Background(), Event{Type: EventExtensionLoaded}))
}

func TestMemoryBusConcurrentHandlers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var count atomic.Int32
	_, err := bus.Subscribe(context.Background(), func(ctx context.Context, ev Event) {
		count.Add(1)
	}, []EventType{EventExtensionLoaded}, WithConcurrency(4))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{Type: EventExtensionLoaded}))
	}

	assert.Eventually(t, func() bool {
		return count.Load() == 20
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventCarriesExtension(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	m := &extension.Manifest{Name: "Sample", Version: "1.0.0"}
	ext, err := extension.New(m, "/ext/sample", extension.LocationInternal)
	require.NoError(t, err)

	ch := make(chan Event, 1)
	_, err = bus.Subscribe(context.Background(), ch, []EventType{EventExtensionLoaded})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{
		Type:        EventExtensionLoaded,
		ExtensionID: ext.ID,
		Extension:   ext,
	}))

	ev := <-ch
	require.NotNil(t, ev.Extension)
	assert.Equal(t, "Sample", ev.Extension.Name())
}
