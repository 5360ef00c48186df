// Package retry implements capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy defines retry behavior.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 mean a single attempt.
	MaxAttempts int
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Multiplier is the factor by which the delay increases.
	Multiplier float64
	// Jitter adds up to 50% randomness to delays to avoid thundering herd.
	Jitter bool
}

// DefaultPolicy returns the default retry policy: three attempts with a
// doubling delay starting at 500ms, capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// Attempts returns the effective number of attempts.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before the given attempt (1-based). The first
// attempt never waits.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay)
	for i := 2; i < attempt; i++ {
		delay *= mult
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}
	d := time.Duration(delay)
	if p.Jitter && d > 0 {
		d += time.Duration(rand.Int64N(int64(d)/2 + 1))
	}
	// MaxDelay bounds the jittered delay too.
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Hooks observe a retry loop. Every field is optional.
type Hooks struct {
	// Retryable decides whether another attempt may follow err.
	// Defaults to IsRetryable.
	Retryable func(err error) bool
	// OnRetry runs before waiting for the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Do runs fn until it succeeds, returns a non-retryable error, attempts are
// exhausted, or ctx is done while waiting. fn receives the 1-based attempt.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error, hooks Hooks) error {
	retryable := hooks.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	maxAttempts := p.Attempts()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.Delay(attempt)
			if hooks.OnRetry != nil {
				hooks.OnRetry(attempt-1, lastErr, delay)
			}
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}

	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsRetryable determines if an error should trigger a retry when no
// Retryable hook is given. By default every error is retryable.
var IsRetryable = func(err error) bool {
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
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

// Exponential creates an exponential backoff retry policy.
func Exponential(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Linear creates a retry policy with fixed delays.
func Linear(maxAttempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
	}
}
