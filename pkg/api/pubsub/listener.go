package pubsub

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aescanero/dago-master/pkg/domain"
	"github.com/aescanero/dago-master/pkg/ports"
)

// EventHandler receives validated worker events
type EventHandler interface {
	HandleRegister(ctx context.Context, ev domain.RegisterEvent)
	HandleStatus(ctx context.Context, ev domain.StatusEvent)
	HandleWorkerLog(ctx context.Context, ev domain.LogEvent)
}

// Listener subscribes the coordinator to worker topics
type Listener struct {
	bus       ports.EventBus
	topics    Topics
	handler   EventHandler
	validator *domain.Validator
	metrics   ports.MetricsCollector
	logger    *zap.Logger
}

// NewListener creates a new listener
func NewListener(bus ports.EventBus, topics Topics, handler EventHandler, metrics ports.MetricsCollector, logger *zap.Logger) *Listener {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Listener{
		bus:       bus,
		topics:    topics,
		handler:   handler,
		validator: domain.NewValidator(),
		metrics:   metrics,
		logger:    logger,
	}
}

// Start subscribes to the register, status and logs topics until ctx is cancelled
func (l *Listener) Start(ctx context.Context) error {
	subs := []struct {
		topic   string
		handler ports.MessageHandler
	}{
		{l.topics.Register, l.onRegister},
		{l.topics.Status, l.onStatus},
		{l.topics.Logs, l.onLog},
	}

	for _, s := range subs {
		if err := l.bus.Subscribe(ctx, s.topic, s.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
		}
	}

	l.logger.Info("listening for worker events",
		zap.String("register", l.topics.Register),
		zap.String("status", l.topics.Status),
		zap.String("logs", l.topics.Logs))
	return nil
}

func (l *Listener) onRegister(ctx context.Context, msg ports.Message) error {
	var ev domain.RegisterEvent
	if err := l.decode(msg, &ev); err != nil {
		return err
	}
	l.handler.HandleRegister(ctx, ev)
	return nil
}

func (l *Listener) onStatus(ctx context.Context, msg ports.Message) error {
	var ev domain.StatusEvent
	if err := l.decode(msg, &ev); err != nil {
		return err
	}
	l.handler.HandleStatus(ctx, ev)
	return nil
}

func (l *Listener) onLog(ctx context.Context, msg ports.Message) error {
	var ev domain.LogEvent
	if err := l.decode(msg, &ev); err != nil {
		return err
	}
	l.handler.HandleWorkerLog(ctx, ev)
	return nil
}

// decode validates msg into out, logging and counting rejects
func (l *Listener) decode(msg ports.Message, out interface{}) error {
	err := l.validator.Decode(msg.Payload, out)
	if err == nil {
		return nil
	}

	reason := "invalid"
	if errors.Is(err, domain.ErrMalformedPayload) {
		reason = "malformed"
	}
	l.metrics.RecordDroppedEvent(msg.Topic, reason)
	l.logger.Warn("discarding event",
		zap.String("topic", msg.Topic),
		zap.String("reason", reason),
		zap.ByteString("payload", truncate(msg.Payload, 256)),
		zap.Error(err))
	return err
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
