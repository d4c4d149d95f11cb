package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config is the retry policy shared by the upload and fetch paths. Either a
// fixed Schedule or an exponential (InitialDelay, Multiplier, MaxDelay)
// backoff drives the delay between attempts.
type Config struct {
	MaxAttempts  int           // total attempts, including the first
	InitialDelay time.Duration // first retry delay for exponential backoff
	MaxDelay     time.Duration // cap for exponential backoff (0 = uncapped)
	Multiplier   float64       // exponential backoff multiplier

	// Schedule, when non-empty, overrides exponential backoff. The delay
	// before retry n is Schedule[n-1]; past the end the last entry repeats.
	Schedule []time.Duration

	// Permanent reports errors that must not be retried (authorization
	// denials, duplicate keys). A nil Permanent retries every error.
	Permanent func(error) bool
}

// Do runs fn until it succeeds, a permanent error occurs, the attempt budget
// is spent, or ctx is done. attempt is zero-based.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	_, err := DoWithResult(ctx, cfg, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(attempt int) (T, error)) (T, error) {
	var zero T

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.Permanent != nil && cfg.Permanent(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(cfg.Delay(attempt)):
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", attempts, lastErr)
}

// Delay returns the wait after the given zero-based failed attempt.
func (cfg Config) Delay(attempt int) time.Duration {
	if len(cfg.Schedule) > 0 {
		if attempt >= len(cfg.Schedule) {
			attempt = len(cfg.Schedule) - 1
		}
		return cfg.Schedule[attempt]
	}

	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}
