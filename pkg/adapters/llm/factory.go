package llm

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/dago-master/pkg/adapters/llm/anthropic"
	"github.com/aescanero/dago-master/pkg/adapters/llm/echo"
	"github.com/aescanero/dago-master/pkg/ports"
)

// Config holds LLM client configuration
type Config struct {
	Provider       string
	APIKey         string
	DefaultModel   string
	MaxTokens      int
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewExecutor creates a task executor based on provider
func NewExecutor(cfg *Config) (ports.Executor, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:         cfg.APIKey,
			DefaultModel:   cfg.DefaultModel,
			MaxTokens:      cfg.MaxTokens,
			RequestTimeout: cfg.RequestTimeout,
		}, cfg.Logger)
	case "echo", "":
		return echo.NewExecutor(0), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
