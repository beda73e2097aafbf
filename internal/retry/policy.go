// Package retry provides explicit backoff policies for reconnecting to the
// broker and for delivering result callbacks.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Policy defines exponential backoff behavior
type Policy struct {
	MaxRetries        int           // Maximum number of retry attempts (0 = no retries)
	InitialDelay      time.Duration // Delay before the first retry
	MaxDelay          time.Duration // Upper bound for any single delay
	BackoffMultiplier float64       // Growth factor between attempts
}

// DefaultPolicy returns the policy used for broker reconnects
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        10,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CallbackPolicy returns the policy used for result callbacks
func CallbackPolicy() Policy {
	return Policy{
		MaxRetries:        5,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CalculateDelay returns the delay to wait before retry number retryCount
func (p Policy) CalculateDelay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return p.InitialDelay
	}

	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(retryCount))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed after retryCount retries
func (p Policy) ShouldRetry(retryCount int) bool {
	return retryCount < p.MaxRetries
}

// Validate checks if the policy configuration is valid
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("MaxRetries must be non-negative")
	}
	if p.InitialDelay <= 0 {
		return errors.New("InitialDelay must be positive")
	}
	if p.MaxDelay <= 0 {
		return errors.New("MaxDelay must be positive")
	}
	if p.BackoffMultiplier < 1 {
		return errors.New("BackoffMultiplier must be at least 1")
	}
	if p.InitialDelay > p.MaxDelay {
		return errors.New("InitialDelay cannot be greater than MaxDelay")
	}
	return nil
}

// Do runs op until it succeeds, the policy is exhausted, or ctx is done.
// onRetry, when set, is called before each wait.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	return p.DoWhen(ctx, op, onRetry, nil)
}

// DoWhen is Do with a filter: errors for which retryable returns false
// end the loop immediately. A nil retryable retries every error.
func (p Policy) DoWhen(ctx context.Context, op func(ctx context.Context) error, onRetry func(attempt int, delay time.Duration, err error), retryable func(error) bool) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if !p.ShouldRetry(attempt) || (retryable != nil && !retryable(err)) {
			return err
		}

		delay := p.CalculateDelay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}
