package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/dago-master/internal/config"
	"github.com/aescanero/dago-master/pkg/adapters/events/memory"
	"github.com/aescanero/dago-master/pkg/adapters/events/mqtt"
	"github.com/aescanero/dago-master/pkg/adapters/events/redis"
	"github.com/aescanero/dago-master/pkg/ports"
)

// Bus is a connected event bus together with the resources it owns
type Bus struct {
	ports.EventBus

	closers []func() error
}

// Close shuts the bus down and releases its client
func (b *Bus) Close() error {
	errs := []error{b.EventBus.Close()}
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// NewEventBus connects the bus selected by cfg. name identifies this
// process to the broker; an empty name gets a random suffix.
func NewEventBus(ctx context.Context, cfg config.BusConfig, name string, logger *zap.Logger) (*Bus, error) {
	if name == "" {
		name = "dago-" + uuid.NewString()[:8]
	}

	switch cfg.Kind {
	case config.BusMemory:
		logger.Warn("using in-process event bus; remote workers cannot connect")
		return &Bus{EventBus: memory.NewInMemoryEventBus()}, nil

	case config.BusRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		// one group per process: every process sees every message
		bus, err := redis.NewStreamsEventBus(client, name, name, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := bus.Connect(ctx, cfg.ReconnectPolicy()); err != nil {
			_ = client.Close()
			return nil, err
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
		return &Bus{EventBus: bus, closers: []func() error{client.Close}}, nil

	case config.BusMQTT:
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = name
		}

		if cfg.MQTT.ConnectDelay > 0 {
			logger.Info("waiting before connecting to MQTT broker", zap.Duration("delay", cfg.MQTT.ConnectDelay))
			select {
			case <-time.After(cfg.MQTT.ConnectDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		bus := mqtt.NewEventBus(mqtt.Config{
			Broker:               cfg.MQTT.Broker,
			ClientID:             clientID,
			Username:             cfg.MQTT.Username,
			Password:             cfg.MQTT.Password,
			QoS:                  cfg.MQTT.QoS,
			MaxReconnectInterval: cfg.Reconnect.MaxDelay,
		}, logger)
		if err := bus.Connect(ctx, cfg.ReconnectPolicy()); err != nil {
			return nil, err
		}
		logger.Info("connected to MQTT broker",
			zap.String("broker", cfg.MQTT.Broker),
			zap.String("client_id", clientID))
		return &Bus{EventBus: bus}, nil

	default:
		return nil, fmt.Errorf("unsupported event bus: %s", cfg.Kind)
	}
}
