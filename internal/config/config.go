package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/aescanero/dago-master/internal/retry"
)

// Supported event bus backends
const (
	BusMQTT   = "mqtt"
	BusRedis  = "redis"
	BusMemory = "memory"
)

// Config holds all configuration for the coordinator
type Config struct {
	// Server configuration
	HTTPPort int    `env:"DAGO_HTTP_PORT" envDefault:"3000"`
	GRPCPort int    `env:"DAGO_GRPC_PORT" envDefault:"50051"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Event bus configuration
	Bus BusConfig

	// Scheduling configuration
	Scheduler SchedulerConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// BusConfig selects and configures the event bus shared by coordinator and workers
type BusConfig struct {
	Kind        string `env:"DAGO_BUS" envDefault:"mqtt"`
	TopicPrefix string `env:"DAGO_TOPIC_PREFIX" envDefault:"upb/"`

	MQTT  MQTTConfig
	Redis RedisConfig

	Reconnect ReconnectConfig
}

// MQTTConfig holds MQTT broker connection configuration
type MQTTConfig struct {
	Broker       string        `env:"MQTT_BROKER" envDefault:"tcp://mosquitto:1883"`
	ClientID     string        `env:"MQTT_CLIENT_ID"`
	Username     string        `env:"MQTT_USERNAME"`
	Password     string        `env:"MQTT_PASSWORD"`
	ConnectDelay time.Duration `env:"MQTT_CONNECT_DELAY" envDefault:"5s"`
	QoS          byte          `env:"MQTT_QOS" envDefault:"1"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// ReconnectConfig holds the broker reconnect backoff
type ReconnectConfig struct {
	InitialDelay time.Duration `env:"DAGO_RECONNECT_INITIAL" envDefault:"500ms"`
	MaxDelay     time.Duration `env:"DAGO_RECONNECT_MAX" envDefault:"30s"`
	Multiplier   float64       `env:"DAGO_RECONNECT_MULTIPLIER" envDefault:"2"`
	MaxAttempts  int           `env:"DAGO_RECONNECT_ATTEMPTS" envDefault:"10"`
}

// SchedulerConfig holds dispatch and worker bookkeeping settings
type SchedulerConfig struct {
	DispatchModel      string        `env:"DAGO_DISPATCH_MODEL" envDefault:"gpt-4.1-mini"`
	CallbackTarget     string        `env:"DAGO_CALLBACK_TARGET" envDefault:"master:50051"`
	RegisterResetsBusy bool          `env:"DAGO_REGISTER_RESETS_BUSY" envDefault:"false"`
	LivenessTimeout    time.Duration `env:"DAGO_WORKER_LIVENESS_TIMEOUT" envDefault:"0s"`
	SweepInterval      time.Duration `env:"DAGO_WORKER_SWEEP_INTERVAL" envDefault:"10s"`
	LogMaxPerSession   int           `env:"DAGO_LOG_MAX_PER_SESSION" envDefault:"0"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	if err := c.Bus.Validate(); err != nil {
		return err
	}

	if c.Scheduler.CallbackTarget == "" {
		return fmt.Errorf("callback target is required")
	}
	if c.Scheduler.LivenessTimeout < 0 {
		return fmt.Errorf("worker liveness timeout must not be negative")
	}
	if c.Scheduler.LivenessTimeout > 0 && c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("worker sweep interval must be positive when liveness is enabled")
	}
	if c.Scheduler.LogMaxPerSession < 0 {
		return fmt.Errorf("log cap must not be negative")
	}

	return validateLogLevel(c.LogLevel)
}

// Validate checks the bus selection and its backend settings
func (b *BusConfig) Validate() error {
	switch b.Kind {
	case BusMQTT:
		if b.MQTT.Broker == "" {
			return fmt.Errorf("MQTT broker is required")
		}
		if b.MQTT.QoS > 2 {
			return fmt.Errorf("invalid MQTT QoS: %d", b.MQTT.QoS)
		}
	case BusRedis:
		if b.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	case BusMemory:
	default:
		return fmt.Errorf("unsupported event bus: %s (must be mqtt, redis, or memory)", b.Kind)
	}

	if err := b.ReconnectPolicy().Validate(); err != nil {
		return fmt.Errorf("invalid reconnect policy: %w", err)
	}
	return nil
}

// ReconnectPolicy returns the broker reconnect backoff as a retry policy
func (b *BusConfig) ReconnectPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:        b.Reconnect.MaxAttempts,
		InitialDelay:      b.Reconnect.InitialDelay,
		MaxDelay:          b.Reconnect.MaxDelay,
		BackoffMultiplier: b.Reconnect.Multiplier,
	}
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

func validateLogLevel(level string) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
	return nil
}
