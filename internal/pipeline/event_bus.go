package pipeline

import (
	"context"
	"sync"

	"visionguard/internal/events"
)

// EventBus fans events out to ordered handlers and buffered channels
type EventBus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []busHandler
	channels map[*busChannel]struct{}
}

type busHandler struct {
	id uint64
	h  EventHandler
}

type busChannel struct {
	sourceFilter string // empty receives every source
	ch           chan *events.Event
}

var _ EventHandler = (*EventBus)(nil)

// NewEventBus creates an empty bus
func NewEventBus() *EventBus {
	return &EventBus{channels: make(map[*busChannel]struct{})}
}

// Subscribe registers a handler. Handlers run synchronously, in registration
// order, on the publishing goroutine. Returns an unsubscribe function.
func (b *EventBus) Subscribe(h EventHandler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, busHandler{id: id, h: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, bh := range b.handlers {
			if bh.id == id {
				b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// SubscribeChannel returns a channel receiving events for sourceID (all
// sources when empty). Events are dropped when the channel is full.
func (b *EventBus) SubscribeChannel(sourceID string, bufferSize int) (<-chan *events.Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}
	sub := &busChannel{sourceFilter: sourceID, ch: make(chan *events.Event, bufferSize)}

	b.mu.Lock()
	b.channels[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.channels[sub]; ok {
			delete(b.channels, sub)
			close(sub.ch)
		}
	}
}

// HandleEvent publishes ev; it lets the bus sit behind the worker pool
func (b *EventBus) HandleEvent(ctx context.Context, ev *events.Event) {
	b.Publish(ctx, ev)
}

// Publish delivers ev to every handler, then to matching channels
func (b *EventBus) Publish(ctx context.Context, ev *events.Event) {
	if ev == nil {
		return
	}

	b.mu.RLock()
	handlers := make([]EventHandler, len(b.handlers))
	for i, bh := range b.handlers {
		handlers[i] = bh.h
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h.HandleEvent(ctx, ev)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.channels {
		if sub.sourceFilter != "" && sub.sourceFilter != ev.SourceID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of handlers and channels
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers) + len(b.channels)
}

// Close drops every subscriber and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.channels {
		close(sub.ch)
		delete(b.channels, sub)
	}
	b.handlers = nil
}
