// Package retry implements the agent's outbound HTTP retry policy:
// transient failures are retried with capped exponential backoff and
// optional jitter, permanent failures abort immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"deviceagent/internal/clock"
)

// Config controls attempt count and backoff shape.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	Jitter       bool
}

// DefaultConfig is the stock policy: three attempts, 1s initial delay
// doubling to a 60s cap, jittered.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Base:         2.0,
		Jitter:       true,
	}
}

// Delay returns the backoff before the next attempt. attempt is
// 1-indexed: Delay(1) is the pause after the first failure. With
// Jitter on, the nominal delay is scaled by a uniform factor in
// [0.5, 1.0) so a fleet of agents does not retry in lockstep.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.InitialDelay) * math.Pow(c.Base, float64(attempt-1))
	if limit := float64(c.MaxDelay); d > limit {
		d = limit
	}
	if c.Jitter {
		d *= 0.5 + rand.Float64()*0.5
	}
	return time.Duration(d)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. HTTP 4xx responses and
// malformed requests take this path; network errors, timeouts, and
// 5xx responses stay retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries a Permanent mark.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs op until it succeeds, fails permanently, ctx is cancelled,
// or cfg.MaxAttempts attempts are exhausted. Exhaustion returns the
// last error wrapped with the attempt count. Backoff waits go through
// clk so tests can drive them.
func Do(ctx context.Context, cfg Config, clk clock.Clock, logger *zap.Logger, name string, op func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if clk == nil {
		clk = clock.NewReal()
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if IsPermanent(lastErr) {
			logger.Warn("Operation failed with permanent error",
				zap.String("op", name),
				zap.Error(lastErr))
			return lastErr
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		delay := cfg.Delay(attempt)
		logger.Info("Operation failed, retrying",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		select {
		case <-clk.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logger.Error("Operation failed after all attempts",
		zap.String("op", name),
		zap.Int("attempts", cfg.MaxAttempts),
		zap.Error(lastErr))
	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
