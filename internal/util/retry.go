package util

import (
	"context"
	"time"
)

// RetryUntilPresent calls fetch repeatedly with a per-attempt timeout until
// it returns a non-empty result, doubling the delay between attempts
// (starting at 100ms) until the cumulative budget is exhausted. Replaces the
// unbounded busy-loop the original retry-until-present gets used.
func RetryUntilPresent(ctx context.Context, perAttempt, cumulative time.Duration, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	deadline := time.Now().Add(cumulative)
	delay := 100 * time.Millisecond

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
		val, err := fetch(attemptCtx)
		cancel()

		if err == nil && len(val) > 0 {
			return val, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, ErrKvsUnavailable
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if delay < 5*time.Second {
			delay *= 2
		}
	}
}
