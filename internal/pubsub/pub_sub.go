// Package pubsub is a small process-internal event bus used for daemon
// lifecycle signals; the daemon publishes only its shutdown event on it, and
// leadership changes are not published. Subscribers own their
// channels; publishing never blocks on a slow subscriber.
package pubsub

import (
	"log"
	"sync"
	"sync/atomic"
)

// EventType identifies the kind of event subscribers listen for.
type EventType int

// Event carries one published occurrence and its payload.
type Event struct {
	Type    EventType
	Payload any
}

// Bus implements the publish-subscribe pattern and is safe for concurrent
// use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[EventType][]chan Event
	closed  bool
	dropped atomic.Uint64
	logger  *log.Logger
}

func New(logger *log.Logger) *Bus {
	return &Bus{
		subs:   make(map[EventType][]chan Event),
		logger: logger,
	}
}

// Subscribe registers interest in one event type and returns the channel
// events will arrive on. buf controls the channel buffer; events published
// while the buffer is full are dropped rather than stalling the publisher.
func (b *Bus) Subscribe(t EventType, buf int) <-chan Event {
	ch := make(chan Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[t] = append(b.subs[t], ch)
	return ch
}

// Publish broadcasts an event to every subscriber of its type. Events
// published after Close are silently discarded.
func (b *Bus) Publish(t EventType, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs[t] {
		select {
		case ch <- Event{Type: t, Payload: payload}:
		default:
			b.dropped.Add(1)
			if b.logger != nil {
				b.logger.Printf("[PUBSUB] dropped event %d (subscriber channel full)", t)
			}
		}
	}
}

// Close shuts the bus down, closing every subscriber channel so receivers
// can exit their loops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
