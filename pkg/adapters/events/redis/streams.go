package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/dago-master/internal/retry"
	"github.com/aescanero/dago-master/pkg/ports"
)

const (
	payloadField = "data"
	streamMaxLen = 10000
)

// StreamsEventBus implements EventBus using Redis Streams. Every bus
// instance reads through its own consumer group, so each process receives
// every message published after it subscribed.
type StreamsEventBus struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string

	connected atomic.Bool
	wg        sync.WaitGroup
}

// NewStreamsEventBus creates a new Redis Streams event bus
func NewStreamsEventBus(client *redis.Client, consumerGroup, consumerName string, logger *zap.Logger) (*StreamsEventBus, error) {
	if consumerGroup == "" || consumerName == "" {
		return nil, fmt.Errorf("consumer group and consumer name are required")
	}
	return &StreamsEventBus{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
	}, nil
}

// Connect pings Redis until it answers or the policy is exhausted
func (e *StreamsEventBus) Connect(ctx context.Context, policy retry.Policy) error {
	err := policy.Do(ctx, func(ctx context.Context) error {
		return e.client.Ping(ctx).Err()
	}, func(attempt int, delay time.Duration, err error) {
		e.logger.Warn("redis not reachable, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w: %w", ports.ErrTransport, err)
	}

	e.connected.Store(true)
	return nil
}

// Publish appends payload to the topic's stream
func (e *StreamsEventBus) Publish(ctx context.Context, topic string, payload []byte) error {
	streamKey := getStreamKey(topic)

	args := &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			payloadField: string(payload),
		},
	}

	if _, err := e.client.XAdd(ctx, args).Result(); err != nil {
		e.markDown(err)
		return fmt.Errorf("failed to add to stream: %w: %w", ports.ErrTransport, err)
	}
	e.connected.Store(true)

	e.logger.Debug("event published",
		zap.String("topic", topic),
		zap.String("stream", streamKey))

	return nil
}

// PublishRetained publishes payload and stores it as the topic's last
// value, which new subscribers receive first
func (e *StreamsEventBus) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	if err := e.client.Set(ctx, getRetainedKey(topic), payload, 0).Err(); err != nil {
		e.markDown(err)
		return fmt.Errorf("failed to store retained message: %w: %w", ports.ErrTransport, err)
	}
	return e.Publish(ctx, topic, payload)
}

// Subscribe subscribes to events on a specific topic
func (e *StreamsEventBus) Subscribe(ctx context.Context, topic string, handler ports.MessageHandler) error {
	streamKey := getStreamKey(topic)

	// New groups start at the stream tail
	err := e.client.XGroupCreateMkStream(ctx, streamKey, e.consumerGroup, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		e.markDown(err)
		return fmt.Errorf("failed to create consumer group: %w: %w", ports.ErrTransport, err)
	}

	e.logger.Info("subscribed to event stream",
		zap.String("stream", streamKey),
		zap.String("topic", topic),
		zap.String("consumer_group", e.consumerGroup),
		zap.String("consumer", e.consumerName))

	retained, err := e.client.Get(ctx, getRetainedKey(topic)).Bytes()
	if err == nil {
		e.deliver(ctx, topic, handler, retained)
	} else if !errors.Is(err, redis.Nil) {
		e.logger.Warn("failed to read retained message",
			zap.String("topic", topic),
			zap.Error(err))
	}

	e.wg.Add(1)
	go e.readStream(ctx, topic, streamKey, handler)

	return nil
}

// readStream reads events from a stream
func (e *StreamsEventBus) readStream(ctx context.Context, topic, streamKey string, handler ports.MessageHandler) {
	defer e.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := e.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    e.consumerGroup,
			Consumer: e.consumerName,
			Streams:  []string{streamKey, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				// No new messages
				continue
			}
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			e.markDown(err)
			e.logger.Error("failed to read from stream",
				zap.String("stream", streamKey),
				zap.Error(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		e.connected.Store(true)

		for _, stream := range streams {
			for _, message := range stream.Messages {
				e.processMessage(ctx, topic, streamKey, message, handler)
			}
		}
	}
}

// processMessage processes a single message from the stream
func (e *StreamsEventBus) processMessage(ctx context.Context, topic, streamKey string, message redis.XMessage, handler ports.MessageHandler) {
	data, ok := message.Values[payloadField].(string)
	if !ok {
		e.logger.Error("invalid message format",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID))
	} else {
		e.deliver(ctx, topic, handler, []byte(data))
	}

	// Malformed and failed messages are acknowledged too; redelivery would not fix them
	if err := e.client.XAck(ctx, streamKey, e.consumerGroup, message.ID).Err(); err != nil {
		e.logger.Error("failed to acknowledge message",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}

func (e *StreamsEventBus) deliver(ctx context.Context, topic string, handler ports.MessageHandler, payload []byte) {
	if err := handler(ctx, ports.Message{Topic: topic, Payload: payload}); err != nil {
		e.logger.Debug("handler error",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

// Connected reports whether the last Redis round trip succeeded
func (e *StreamsEventBus) Connected() bool {
	return e.connected.Load()
}

// Close waits for stream readers to stop. Subscriptions end when their
// context is cancelled; the Redis client is closed by the caller.
func (e *StreamsEventBus) Close() error {
	e.wg.Wait()
	e.connected.Store(false)
	return nil
}

func (e *StreamsEventBus) markDown(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		e.connected.Store(false)
	}
}

// getStreamKey returns the Redis stream key for a topic
func getStreamKey(topic string) string {
	return fmt.Sprintf("dago:events:%s", topic)
}

// getRetainedKey returns the Redis key holding a topic's retained message
func getRetainedKey(topic string) string {
	return fmt.Sprintf("dago:retained:%s", topic)
}
