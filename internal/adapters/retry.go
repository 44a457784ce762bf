package adapters

import (
	"context"
	"math/rand"
	"time"
)

// retryWithBackoff runs fn up to attempts times, sleeping between tries
// with exponential backoff and jitter. The last error is returned once
// the budget is spent or the context is done.
func retryWithBackoff(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// retryBudget resolves a per-call attempt override against the client
// default. Workflows pass their max_fetch_retries here; zero means the
// workflow did not set one.
func retryBudget(override, fallback int) int {
	if override > 0 {
		return override
	}
	return fallback
}

// backoffDelay is 2^(attempt-1) seconds capped at 30s, with ±25% jitter.
func backoffDelay(attempt int) time.Duration {
	base := time.Duration(1<<(attempt-1)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base*3/4 + jitter
}
