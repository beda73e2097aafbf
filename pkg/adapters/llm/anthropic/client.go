package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/aescanero/dago-master/pkg/ports"
)

const defaultModel = "claude-3-5-sonnet-20241022"

// Config holds Anthropic client settings
type Config struct {
	APIKey         string
	DefaultModel   string
	MaxTokens      int
	RequestTimeout time.Duration
}

// Client executes queries against the Anthropic Messages API
type Client struct {
	client anthropic.Client
	cfg    Config
	logger *zap.Logger
}

// NewClient creates a new Anthropic executor
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}

	return &Client{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Execute sends the query as a single user message and returns the text answer.
// Dispatch models that are not Claude models fall back to the default model.
func (c *Client) Execute(ctx context.Context, req ports.ExecuteRequest) (string, error) {
	model := c.cfg.DefaultModel
	if strings.HasPrefix(req.Model, "claude") {
		model = req.Model
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(c.cfg.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Query)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	c.logger.Info("LLM call completed",
		zap.String("session_id", req.SessionID),
		zap.String("model", model),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
		zap.Duration("latency", time.Since(start)))

	return sb.String(), nil
}
