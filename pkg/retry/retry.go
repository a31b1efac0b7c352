package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrMaxAttempts is wrapped by Retry when every attempt failed.
var ErrMaxAttempts = errors.New("max attempts exceeded")

// Config holds retry configuration
type Config struct {
	Enabled      bool          // Enable/disable retry logic
	MaxAttempts  int           // Total number of attempts, the first one included
	InitialDelay time.Duration // Delay after the first failure
	MaxDelay     time.Duration // Maximum delay between attempts
	Multiplier   float64       // Exponential backoff multiplier (typically 2.0)
	Jitter       bool          // Spread delays by +/-25% to avoid reconnect storms
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Delay returns the wait after the given number of consecutive failures
// (failures >= 1): InitialDelay * Multiplier^(failures-1), capped at MaxDelay.
func (c Config) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(c.InitialDelay) * math.Pow(mult, float64(failures-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	duration := time.Duration(delay)
	if c.Jitter && duration > 0 {
		spread := int64(duration / 2)
		if spread > 0 {
			duration = duration - duration/4 + time.Duration(rand.Int64N(spread))
		}
	}
	return duration
}

// Validate rejects schedules that could retry forever or never wait.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}
	if c.InitialDelay <= 0 {
		return fmt.Errorf("initial_delay must be > 0")
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max_delay must be >= initial_delay")
	}
	return nil
}

type options struct {
	retryIf func(error) bool
	onRetry func(attempt int, delay time.Duration, err error)
}

type Option func(*options)

// WithRetryIf limits retries to errors the predicate accepts.
func WithRetryIf(fn func(error) bool) Option {
	return func(o *options) { o.retryIf = fn }
}

// WithOnRetry is called before each wait.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Retry executes a function with exponential backoff retry logic
func Retry(ctx context.Context, cfg Config, fn func() error, opts ...Option) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	}, opts...)
	return err
}

// RetryWithResult executes a function that returns a result with exponential backoff retry logic
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error), opts ...Option) (T, error) {
	var zero T

	if !cfg.Enabled {
		return fn()
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if o.retryIf != nil && !o.retryIf(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := cfg.Delay(attempt)
		if o.onRetry != nil {
			o.onRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%w (%d): %w", ErrMaxAttempts, attempts, lastErr)
}
