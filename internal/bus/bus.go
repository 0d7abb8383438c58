// Package bus implements the engine's synchronous publish/subscribe event
// bus. Topics are named "namespace:action[:detail]"; delivery is synchronous
// in subscription order, and a failing handler never prevents the remaining
// handlers from running nor propagates to the emitter.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Handler receives an event payload. The engine's topics all carry
// map[string]any payloads; see topics.go for the fields per topic.
type Handler func(payload any)

// Subscription identifies a registered handler so it can be removed with Off.
type Subscription struct {
	topic string
	id    uint64
}

type entry struct {
	id      uint64
	handler Handler
	once    bool
}

// Bus is a synchronous event bus. The zero value is not usable; construct
// with New.
type Bus struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]*entry
	logger   *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]*entry),
		logger:   logger.With("component", "bus"),
	}
}

// On registers a handler for a topic and returns its subscription.
func (b *Bus) On(topic string, h Handler) *Subscription {
	return b.subscribe(topic, h, false)
}

// Once registers a handler that is removed after its first delivery.
func (b *Bus) Once(topic string, h Handler) *Subscription {
	return b.subscribe(topic, h, true)
}

func (b *Bus) subscribe(topic string, h Handler, once bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], &entry{id: b.nextID, handler: h, once: once})
	return &Subscription{topic: topic, id: b.nextID}
}

// Off removes a subscription. Removing an already-removed subscription is a
// no-op.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub.topic, sub.id)
}

func (b *Bus) remove(topic string, id uint64) {
	entries := b.handlers[topic]
	for i, e := range entries {
		if e.id == id {
			b.handlers[topic] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// RemoveAllListeners drops every registered handler. Used on engine dispose.
func (b *Bus) RemoveAllListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]*entry)
}

// Emit delivers the payload to every handler subscribed to the topic, in
// subscription order, on the caller's goroutine. It returns whether any
// listener ran. A handler panic is recovered and logged; remaining handlers
// still run.
func (b *Bus) Emit(topic string, payload any) bool {
	b.mu.Lock()
	entries := b.handlers[topic]
	snapshot := make([]*entry, len(entries))
	copy(snapshot, entries)
	for _, e := range entries {
		if e.once {
			b.remove(topic, e.id)
		}
	}
	b.mu.Unlock()

	if !silentTopic(topic) {
		b.logger.Debug("emit", "topic", topic, "listeners", len(snapshot))
	}

	for _, e := range snapshot {
		b.deliver(topic, e, payload)
	}
	return len(snapshot) > 0
}

func (b *Bus) deliver(topic string, e *entry, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", topic, "panic", r)
		}
	}()
	e.handler(payload)
}

// WaitFor subscribes to a topic and blocks until a payload satisfying match
// arrives or the context is cancelled. The subscription is always removed
// before returning. A nil match accepts the first payload.
//
// This is the response half of the bus's request/response idiom: a producer
// emits "*:request", then waits on the matching "*:response".
func (b *Bus) WaitFor(ctx context.Context, topic string, match func(payload any) bool) (any, error) {
	ch := make(chan any, 1)
	sub := b.On(topic, func(payload any) {
		if match != nil && !match(payload) {
			return
		}
		select {
		case ch <- payload:
		default:
		}
	})
	defer b.Off(sub)

	select {
	case payload := <-ch:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Request implements the request/response idiom atomically: it subscribes to
// the response topic, emits the request, and blocks until a matching
// response or context cancellation. Subscribing before emitting guarantees a
// consumer answering synchronously from its request handler is not missed.
func (b *Bus) Request(ctx context.Context, requestTopic string, payload any, responseTopic string, match func(payload any) bool) (any, error) {
	ch := make(chan any, 1)
	sub := b.On(responseTopic, func(p any) {
		if match != nil && !match(p) {
			return
		}
		select {
		case ch <- p:
		default:
		}
	})
	defer b.Off(sub)

	b.Emit(requestTopic, payload)

	select {
	case p := <-ch:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func silentTopic(topic string) bool {
	return topic == MessageTextChunk || topic == MessageThinkingChunk
}
