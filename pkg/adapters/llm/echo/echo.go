package echo

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/dago-master/pkg/ports"
)

// Executor answers every query by echoing it after an optional delay
type Executor struct {
	delay time.Duration
}

// NewExecutor creates an echo executor
func NewExecutor(delay time.Duration) *Executor {
	return &Executor{delay: delay}
}

// Execute returns the query, or ctx's error if it ends first
func (e *Executor) Execute(ctx context.Context, req ports.ExecuteRequest) (string, error) {
	if e.delay > 0 {
		timer := time.NewTimer(e.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Sprintf("echo: %s", req.Query), nil
}
