package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aescanero/dago-master/pkg/ports"
)

// InMemoryEventBus implements EventBus using in-process handlers.
// Publish calls every handler synchronously in the caller's goroutine.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]ports.MessageHandler
	retained    map[string][]byte
	nextID      uint64
	closed      bool
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make(map[string]map[uint64]ports.MessageHandler),
		retained:    make(map[string][]byte),
	}
}

// Publish delivers payload to all subscribers of topic
func (e *InMemoryEventBus) Publish(ctx context.Context, topic string, payload []byte) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return fmt.Errorf("publish %s: %w", topic, ports.ErrTransport)
	}
	handlers := make([]ports.MessageHandler, 0, len(e.subscribers[topic]))
	for _, h := range e.subscribers[topic] {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	msg := ports.Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	for _, handler := range handlers {
		// handler errors belong to the subscriber
		_ = handler(ctx, msg)
	}
	return nil
}

// PublishRetained publishes payload and keeps it for future subscribers
func (e *InMemoryEventBus) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	e.mu.Lock()
	if !e.closed {
		e.retained[topic] = append([]byte(nil), payload...)
	}
	e.mu.Unlock()

	return e.Publish(ctx, topic, payload)
}

// Subscribe registers handler on topic until ctx is cancelled. A retained
// message for the topic is delivered before Subscribe returns.
func (e *InMemoryEventBus) Subscribe(ctx context.Context, topic string, handler ports.MessageHandler) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", topic, ports.ErrTransport)
	}
	e.nextID++
	id := e.nextID
	if e.subscribers[topic] == nil {
		e.subscribers[topic] = make(map[uint64]ports.MessageHandler)
	}
	e.subscribers[topic][id] = handler
	retained, hasRetained := e.retained[topic]
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.unsubscribe(topic, id)
	}()

	if hasRetained {
		_ = handler(ctx, ports.Message{Topic: topic, Payload: append([]byte(nil), retained...)})
	}
	return nil
}

// Connected reports whether the bus is open
func (e *InMemoryEventBus) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Subscribers returns the number of handlers on topic
func (e *InMemoryEventBus) Subscribers(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers[topic])
}

// Close drops all subscribers; later publishes fail with ErrTransport
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	e.subscribers = make(map[string]map[uint64]ports.MessageHandler)
	e.retained = make(map[string][]byte)
	return nil
}

func (e *InMemoryEventBus) unsubscribe(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.subscribers[topic], id)
	if len(e.subscribers[topic]) == 0 {
		delete(e.subscribers, topic)
	}
}
