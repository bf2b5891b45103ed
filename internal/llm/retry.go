package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Default retry policy values.
const (
	DefaultMaxAttempts  = 3
	DefaultBackoffDelay = time.Second
)

// RetryPolicy controls Retry. The wait before attempt n+1 is BackoffDelay*n.
type RetryPolicy struct {
	MaxAttempts  int
	BackoffDelay time.Duration
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, BackoffDelay: DefaultBackoffDelay}
}

// SleepContext waits for d, returning early with ctx.Err() if ctx is done first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type failureClass int

const (
	failClient failureClass = iota
	failRateLimited
	failServer
	failCanceled
)

func classify(ctx context.Context, err error) failureClass {
	if ctx.Err() != nil {
		return failCanceled
	}
	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == http.StatusTooManyRequests:
			return failRateLimited
		case he.StatusCode >= 500:
			return failServer
		default:
			return failClient
		}
	}
	if errors.Is(err, ErrProviderUnavailable) {
		return failClient
	}
	// Anything without a status is a transport failure.
	return failServer
}

// Retry runs op until it succeeds or the policy gives up.
//
// HTTP 429 and server errors (5xx or transport failures) are retried with linear backoff;
// any other 4xx fails at once. The returned error is always a *ProviderError wrapping the
// last failure, and additionally matches ErrRateLimited when that failure was a 429.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := policy.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	var lastClass failureClass
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Debug("llm.Retry: succeeded after retry", "attempt", attempt)
			}
			return out, nil
		}
		lastErr = err
		lastClass = classify(ctx, err)

		switch lastClass {
		case failClient:
			slog.Warn("llm.Retry: client error, not retrying", "attempt", attempt, "status", StatusCode(err), "error", err)
			return zero, &ProviderError{Attempts: attempt, Err: err}
		case failCanceled:
			return zero, &ProviderError{Attempts: attempt, Err: err}
		}

		if attempt == maxAttempts {
			break
		}
		wait := policy.BackoffDelay * time.Duration(attempt)
		if lastClass == failRateLimited {
			slog.Warn("llm.Retry: rate limited, retrying", "attempt", attempt+1, "maxAttempts", maxAttempts, "wait", wait)
		} else {
			slog.Warn("llm.Retry: server error, retrying", "attempt", attempt+1, "maxAttempts", maxAttempts, "wait", wait, "error", err)
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, &ProviderError{Attempts: attempt, Err: fmt.Errorf("interrupted during backoff: %w", err)}
		}
	}

	slog.Error("llm.Retry: all attempts failed", "attempts", maxAttempts, "error", lastErr)
	if lastClass == failRateLimited {
		return zero, &ProviderError{Attempts: maxAttempts, Err: fmt.Errorf("%w: %w", ErrRateLimited, lastErr)}
	}
	return zero, &ProviderError{Attempts: maxAttempts, Err: lastErr}
}
