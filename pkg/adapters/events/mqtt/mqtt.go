package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aescanero/dago-master/internal/retry"
	"github.com/aescanero/dago-master/pkg/ports"
)

// Config holds MQTT connection settings
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte

	// MaxReconnectInterval caps paho's automatic reconnect backoff
	MaxReconnectInterval time.Duration
}

// EventBus implements EventBus on an MQTT broker. Subscriptions are
// remembered and restored after every reconnect.
type EventBus struct {
	client paho.Client
	qos    byte
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	subs    map[string]map[uint64]ports.MessageHandler
	inboxes map[string]*inbox
}

// NewEventBus creates an MQTT event bus. Call Connect before use.
func NewEventBus(cfg Config, logger *zap.Logger) *EventBus {
	b := &EventBus{
		qos:    cfg.QoS,
		logger: logger,
		subs:    make(map[string]map[uint64]ports.MessageHandler),
		inboxes: make(map[string]*inbox),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "dago-" + uuid.NewString()[:8]
	}
	maxReconnect := cfg.MaxReconnectInterval
	if maxReconnect <= 0 {
		maxReconnect = 30 * time.Second
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnect).
		// route only queues, so handlers may publish and wait for acks
		SetOrderMatters(true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost)

	b.client = paho.NewClient(opts)
	return b
}

// newEventBus wraps an existing client
func newEventBus(client paho.Client, qos byte, logger *zap.Logger) *EventBus {
	return &EventBus{
		client: client,
		qos:    qos,
		logger:  logger,
		subs:    make(map[string]map[uint64]ports.MessageHandler),
		inboxes: make(map[string]*inbox),
	}
}

// Connect dials the broker, retrying with policy until it answers
func (b *EventBus) Connect(ctx context.Context, policy retry.Policy) error {
	err := policy.Do(ctx, func(ctx context.Context) error {
		return waitToken(ctx, b.client.Connect())
	}, func(attempt int, delay time.Duration, err error) {
		b.logger.Warn("MQTT broker not reachable, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w: %w", ports.ErrTransport, err)
	}
	return nil
}

// Publish sends payload to topic
func (b *EventBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.publish(ctx, topic, payload, false)
}

// PublishRetained sends payload to topic with the retain flag set
func (b *EventBus) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	return b.publish(ctx, topic, payload, true)
}

func (b *EventBus) publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if !b.client.IsConnectionOpen() {
		return fmt.Errorf("publish %s: %w", topic, ports.ErrTransport)
	}
	if err := waitToken(ctx, b.client.Publish(topic, b.qos, retained, payload)); err != nil {
		return fmt.Errorf("publish %s: %w: %w", topic, ports.ErrTransport, err)
	}

	b.logger.Debug("event published",
		zap.String("topic", topic),
		zap.Bool("retained", retained))
	return nil
}

// Subscribe registers handler for topic until ctx is cancelled
func (b *EventBus) Subscribe(ctx context.Context, topic string, handler ports.MessageHandler) error {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	first := len(b.subs[topic]) == 0
	if first {
		b.subs[topic] = make(map[uint64]ports.MessageHandler)
	}
	b.subs[topic][id] = handler
	b.mu.Unlock()

	if first && b.client.IsConnectionOpen() {
		if err := waitToken(ctx, b.client.Subscribe(topic, b.qos, b.route(topic))); err != nil {
			b.removeHandler(topic, id)
			return fmt.Errorf("subscribe %s: %w: %w", topic, ports.ErrTransport, err)
		}
	}

	b.logger.Info("subscribed to topic", zap.String("topic", topic))

	go func() {
		<-ctx.Done()
		if b.removeHandler(topic, id) && b.client.IsConnectionOpen() {
			b.client.Unsubscribe(topic)
		}
	}()
	return nil
}

// route queues each broker message on the topic's inbox. Messages of
// one topic reach the handlers in the order the broker delivered them.
func (b *EventBus) route(topic string) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		b.mu.Lock()
		if len(b.subs[topic]) == 0 {
			b.mu.Unlock()
			return
		}
		in, ok := b.inboxes[topic]
		if !ok {
			in = newInbox(func(msg ports.Message) { b.deliver(topic, msg) })
			b.inboxes[topic] = in
		}
		b.mu.Unlock()

		in.push(ports.Message{Topic: m.Topic(), Payload: m.Payload()})
	}
}

// deliver fans one message out to every local handler of topic
func (b *EventBus) deliver(topic string, msg ports.Message) {
	b.mu.Lock()
	handlers := make([]ports.MessageHandler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(context.Background(), msg); err != nil {
			b.logger.Debug("handler error",
				zap.String("topic", msg.Topic),
				zap.Error(err))
		}
	}
}

// removeHandler reports whether the topic has no handlers left
func (b *EventBus) removeHandler(topic string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs[topic], id)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
		if in, ok := b.inboxes[topic]; ok {
			in.close()
			delete(b.inboxes, topic)
		}
		return true
	}
	return false
}

func (b *EventBus) onConnect(client paho.Client) {
	b.mu.Lock()
	topics := make([]string, 0, len(b.subs))
	for topic := range b.subs {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	b.logger.Info("connected to MQTT broker", zap.Int("subscriptions", len(topics)))

	for _, topic := range topics {
		tok := client.Subscribe(topic, b.qos, b.route(topic))
		if tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
			b.logger.Error("failed to restore subscription",
				zap.String("topic", topic),
				zap.Error(tok.Error()))
		}
	}
}

func (b *EventBus) onConnectionLost(_ paho.Client, err error) {
	b.logger.Warn("MQTT connection lost", zap.Error(err))
}

// Connected reports whether the broker connection is up
func (b *EventBus) Connected() bool {
	return b.client.IsConnectionOpen()
}

// Close disconnects from the broker
func (b *EventBus) Close() error {
	b.client.Disconnect(250)

	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, in := range b.inboxes {
		in.close()
		delete(b.inboxes, topic)
	}
	return nil
}

// waitToken blocks until tok completes or ctx is done
func waitToken(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
