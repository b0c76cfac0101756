// Package retry provides the bounded retry policy shared by the inference
// client and the answer orchestrator.
package retry

import (
	"context"
	"time"
)

// Policy bounds retries with a linear backoff: attempt i (1-based) waits
// i*BaseDelay before running, except the first attempt which runs
// immediately.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy matches the inference backend defaults.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second}
}

// Do runs fn up to MaxAttempts times. A nil error stops immediately. A
// non-retryable error (per the classifier) is returned as-is without
// further attempts. Context cancellation aborts the backoff wait.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * p.BaseDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return lastErr
}
