package events

import (
	"context"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMemoryBus_FanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewMemoryBus()

	a, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, Event{Type: TypePositionOpened, Underlying: "NIFTY50"}))

	for _, ch := range []<-chan Event{a, b} {
		ev := receive(t, ch)
		assert.Equal(t, TypePositionOpened, ev.Type)
		assert.Equal(t, "NIFTY50", ev.Underlying)
		assert.False(t, ev.At.IsZero(), "timestamp filled in")
	}
}

func TestMemoryBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer*2; i++ {
		require.NoError(t, bus.Publish(ctx, Event{Type: TypeTickError}))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestMemoryBus_UnsubscribeOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewMemoryBus()
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryBus_Close(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	_, ok := <-ch
	assert.False(t, ok)

	assert.ErrorIs(t, bus.Publish(ctx, Event{Type: TypeOrder}), ErrClosed)
	_, err = bus.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

// Runs only when a Redis server is available, e.g. REDIS_ADDR=localhost:6379.
func TestMemoryBus_CloseReleasesSubscriberGoroutines(t *testing.T) {
	before := runtime.NumGoroutine()
	bus := NewMemoryBus()
	for i := 0; i < 20; i++ {
		_, err := bus.Subscribe(context.Background())
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, runtime.NumGoroutine(), before+20)

	require.NoError(t, bus.Close())
	assert.Eventually(t, func() bool { return runtime.NumGoroutine() <= before+2 },
		2*time.Second, 10*time.Millisecond)
}

func TestRedisBus_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus, err := NewRedisBus(ctx, RedisConfig{Addr: addr, Channel: "fno_trader:test:" + t.Name()})
	require.NoError(t, err)
	defer bus.Close()

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, Event{Type: TypePositionClosed, Underlying: "BANKNIFTY", Data: map[string]any{"pnl": 450.0}}))

	ev := receive(t, ch)
	assert.Equal(t, TypePositionClosed, ev.Type)
	assert.Equal(t, "BANKNIFTY", ev.Underlying)
	assert.Equal(t, map[string]any{"pnl": 450.0}, ev.Data)
}

func TestNewRedisBus_UnreachableServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisBus(ctx, RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
