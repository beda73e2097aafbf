package ports

import (
	"context"
	"errors"
)

// ErrTransport marks broker or RPC connectivity failures
var ErrTransport = errors.New("transport unavailable")

// Message is one payload received from the event bus
type Message struct {
	Topic   string
	Payload []byte
}

// MessageHandler processes a message received on a subscribed topic
type MessageHandler func(ctx context.Context, msg Message) error

// EventBus is a broker-mediated publish/subscribe channel
type EventBus interface {
	// Publish sends payload to every subscriber of topic
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for topic until ctx is cancelled
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error

	// Connected reports whether the broker is currently reachable
	Connected() bool

	// Close releases broker resources
	Close() error
}

// RetainingBus is implemented by buses able to keep the last message of a
// topic for late subscribers
type RetainingBus interface {
	PublishRetained(ctx context.Context, topic string, payload []byte) error
}
