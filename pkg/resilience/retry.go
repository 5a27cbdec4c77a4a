package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted is returned when every attempt of a RetryPolicy failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ErrStop tells Do to give up immediately without further attempts.
var ErrStop = errors.New("stop retrying")

// RetryPolicy bounds how many times an operation is attempted and how long to
// wait between attempts.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// Delay is the wait between consecutive attempts
	Delay time.Duration
	// OnRetry, if set, is called after a failed attempt that will be retried
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy returns the election defaults: 5 attempts, 2s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Delay:       2 * time.Second,
	}
}

// Do calls fn until it succeeds, the attempts run out, or ctx is done. fn receives
// the 1-based attempt number. Returning an error wrapping ErrStop ends the loop
// with that error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrStop) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, lastErr)
}
