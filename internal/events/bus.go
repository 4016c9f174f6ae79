// Package events fans trading lifecycle events out to the dashboard and any
// external consumer.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event types
const (
	TypePositionOpened = "position_opened"
	TypePositionClosed = "position_closed"
	TypeOrder          = "order"
	TypeTickError      = "tick_error"
	TypeStatus         = "status"
)

// ErrClosed is returned by a bus after Close.
var ErrClosed = errors.New("event bus closed")

// Event is one lifecycle notification.
type Event struct {
	Type       string    `json:"type"`
	At         time.Time `json:"at"`
	Underlying string    `json:"underlying,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// Bus publishes events to every current subscriber. Publishing never blocks on
// a slow subscriber.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a channel closed when ctx is done or the bus closes.
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

const subscriberBuffer = 64

// MemoryBus is an in-process Bus.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
	done   chan struct{}
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[chan Event]struct{}), done: make(chan struct{})}
}

// Publish delivers ev to every subscriber with buffer space; full subscribers miss it.
func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber.
func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.remove(ch)
		case <-b.done:
		}
	}()
	return ch, nil
}

func (b *MemoryBus) remove(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Close closes every subscriber channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}
