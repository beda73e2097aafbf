package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// WorkerConfig holds configuration for the reference worker binary
type WorkerConfig struct {
	WorkerID string `env:"WORKER_ID"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// GRPCTarget overrides the callback address carried in dispatch events
	GRPCTarget string `env:"GRPC_TARGET"`

	HeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"15s"`
	CallbackTimeout   time.Duration `env:"WORKER_CALLBACK_TIMEOUT" envDefault:"10s"`

	Bus BusConfig

	// LLM configuration
	LLM LLMConfig

	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// LLMConfig holds task executor configuration
type LLMConfig struct {
	Provider string `env:"LLM_PROVIDER" envDefault:"echo"`
	APIKey   string `env:"LLM_API_KEY"`

	RequestTimeout   time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"120s"`
	DefaultModel     string        `env:"LLM_DEFAULT_MODEL" envDefault:"claude-3-5-sonnet-20241022"`
	DefaultMaxTokens int           `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"1024"`
}

// LoadWorker reads worker configuration from environment variables
func LoadWorker() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the worker configuration is valid
func (c *WorkerConfig) Validate() error {
	if err := c.Bus.Validate(); err != nil {
		return err
	}

	switch c.LLM.Provider {
	case "echo":
	case "anthropic":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("LLM API key is required for provider anthropic")
		}
	default:
		return fmt.Errorf("unsupported LLM provider: %s (must be echo or anthropic)", c.LLM.Provider)
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	return validateLogLevel(c.LogLevel)
}
