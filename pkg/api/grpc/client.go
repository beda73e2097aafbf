package grpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/aescanero/dago-master/internal/retry"
	"github.com/aescanero/dago-master/pkg/domain"
	"github.com/aescanero/dago-master/pkg/ports"
)

// CallbackClient delivers result reports to the callback address carried
// in each dispatch. Connections are reused per target.
type CallbackClient struct {
	dialOpts []grpc.DialOption
	policy   retry.Policy
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewCallbackClient creates a callback client. Extra dial options are
// appended to the insecure transport credentials.
func NewCallbackClient(policy retry.Policy, logger *zap.Logger, opts ...grpc.DialOption) *CallbackClient {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	return &CallbackClient{
		dialOpts: dialOpts,
		policy:   policy,
		logger:   logger,
		conns:    make(map[string]*grpc.ClientConn),
	}
}

// SendResult calls CallbackService.SendResult on target, retrying while the
// target is unavailable
func (c *CallbackClient) SendResult(ctx context.Context, target string, rep domain.ResultReport) (*ResultReply, error) {
	conn, err := c.conn(target)
	if err != nil {
		return nil, err
	}

	reply := new(ResultReply)
	err = c.policy.DoWhen(ctx, func(ctx context.Context) error {
		return conn.Invoke(ctx, SendResultMethod, &rep, reply)
	}, func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("result callback failed, retrying",
			zap.String("target", target),
			zap.String("session_id", rep.SessionID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}, retryable)
	if err != nil {
		if status.Code(err) == codes.Unavailable {
			return nil, fmt.Errorf("callback %s: %w: %w", target, ports.ErrTransport, err)
		}
		return nil, fmt.Errorf("callback %s: %w", target, err)
	}
	return reply, nil
}

// Close closes every cached connection
func (c *CallbackClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for target, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, target)
	}
	return firstErr
}

func (c *CallbackClient) conn(target string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[target]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(target, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	c.conns[target] = conn
	return conn, nil
}

// retryable reports whether a failed call may succeed later
func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
