// Package retry provides bounded retry loops with exponential backoff for
// the orchestrator's external calls.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Config configures a retry loop.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier for exponential backoff.
	Factor float64
}

// Exponential returns a config doubling from initial up to max.
func Exponential(maxAttempts int, initial, max time.Duration) Config {
	return Config{MaxAttempts: maxAttempts, InitialDelay: initial, MaxDelay: max, Factor: 2.0}
}

// Fixed returns a config with a constant delay between attempts.
func Fixed(maxAttempts int, delay time.Duration) Config {
	return Config{MaxAttempts: maxAttempts, InitialDelay: delay, MaxDelay: delay, Factor: 1.0}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Factor <= 0 {
		c.Factor = 2.0
	}
	return c
}

// Result reports the outcome of a retry loop.
type Result struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// Do runs op until it succeeds, a permanent error is returned, the attempt
// budget is spent, or the context is cancelled. The attempt number passed to
// op starts at 1.
func Do(ctx context.Context, config Config, op func(attempt int) error) Result {
	config = config.normalized()
	start := time.Now()
	result := Result{}
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			break
		}

		err := op(attempt)
		if err == nil {
			result.Err = nil
			break
		}
		result.Err = err

		if IsPermanent(err) || attempt >= config.MaxAttempts {
			break
		}
		if err := Sleep(ctx, delay); err != nil {
			result.Err = err
			break
		}
		delay = time.Duration(float64(delay) * config.Factor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue runs an op returning a value under the same loop as Do.
func DoWithValue[T any](ctx context.Context, config Config, op func(attempt int) (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func(attempt int) error {
		var err error
		value, err = op(attempt)
		return err
	})
	return value, result
}

// Sleep blocks for d or until the context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Backoff returns the delay before attempt n+1 given initial delay, cap and
// factor: min(initial * factor^(n-1), max).
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(factor, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	return time.Duration(d)
}

// ItemBackoff is the delay between attempts of the same todo item:
// min(1000 * 2^(n-1), 8000) milliseconds.
func ItemBackoff(attempt int) time.Duration {
	return Backoff(attempt, time.Second, 8*time.Second, 2.0)
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the retry loop stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
