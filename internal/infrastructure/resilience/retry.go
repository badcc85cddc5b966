package resilience

import (
	"context"
	"math/rand"
	"time"

	"heimdall-backend/internal/errors"
)

// RetryPolicy bounds retries of transient failures. Delay grows exponentially
// from BaseDelay with full jitter, capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the storage adapters' retry budget.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Retry runs fn up to MaxAttempts times. Non-retryable errors (validation,
// circuit open, overloaded, conflicts) surface immediately; transient errors
// are retried with backoff until the budget is exhausted.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(policy, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errors.Timeout(errors.CodeQueryTimeout, "retry cancelled").
					WithCause(ctx.Err()).Build()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// backoffDelay computes the delay before the given attempt (1-based) with
// full jitter.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base << uint(attempt-1)
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(delay)) + 1)
}
