package resilience

import (
	"context"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds a retrying executor for one operation class.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration
}

// DefaultRetryPolicy is the standard policy for external calls:
// exponential backoff from 1s capped at 60s.
func DefaultRetryPolicy(maxRetries uint64) RetryPolicy {
	return RetryPolicy{
		MaxRetries:      maxRetries,
		InitialInterval: time.Second,
		MaxInterval:     60 * time.Second,
	}
}

// Retry runs fn with exponential backoff under policy. Non-recoverable
// errors stop immediately; recoverable ones are retried until the policy
// or ctx is exhausted. The last error is returned.
func Retry(ctx context.Context, operation string, policy RetryPolicy, fn func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval
	expo.MaxInterval = policy.MaxInterval
	expo.MaxElapsedTime = 0 // bounded by MaxRetries and ctx, not wall time

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !Recoverable(err) {
			return backoff.Permanent(err)
		}
		slog.Warn("Retryable operation failed",
			"operation", operation, "attempt", attempt, "error", err)
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(expo, policy.MaxRetries), ctx)
	return backoff.Retry(wrapped, b)
}
