// Package resilience provides retry backoff, a bounded retry helper and a
// circuit breaker for calls to external collaborators.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Backoff computes exponential delays: Base * 2^(attempt-1), capped at Max.
// It is deterministic so queue-level retries are predictable.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the attempt that follows attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Retry calls fn up to attempts times, sleeping per backoff between failures.
// It stops early when fn returns an error for which retryable reports false.
func Retry(ctx context.Context, logger *slog.Logger, name string, attempts int, backoff Backoff, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("succeeded after retry", "operation", name, "attempt", attempt)
			}
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		delay := backoff.Delay(attempt)
		logger.Warn("operation failed, retrying", "operation", name, "attempt", attempt, "max_attempts", attempts, "error", lastErr, "next_delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: retry aborted: %w", name, ctx.Err())
		}
	}
	return fmt.Errorf("%s: all %d attempts failed: %w", name, attempts, lastErr)
}
