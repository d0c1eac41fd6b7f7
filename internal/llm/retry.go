package llm

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/models"
)

// RetryConfig defines retry behavior for generation calls.
type RetryConfig struct {
	// MaxRetries is the number of re-attempts after the first try, so a
	// call makes at most 1+MaxRetries attempts. Zero disables retries.
	MaxRetries int `yaml:"max_retries"`
	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay"`
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Multiplier grows the delay after each retry.
	Multiplier float64 `yaml:"multiplier"`
	// JitterFactor randomizes each delay by up to ±factor (0.0-1.0).
	JitterFactor float64 `yaml:"jitter_factor"`
}

// DefaultRetryConfig returns sensible defaults for generation backends.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries cannot be negative", models.ErrInvalidConfig)
	}
	if c.InitialDelay <= 0 {
		return fmt.Errorf("%w: initial_delay must be positive", models.ErrInvalidConfig)
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("%w: max_delay cannot be below initial_delay", models.ErrInvalidConfig)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be at least 1", models.ErrInvalidConfig)
	}
	if c.JitterFactor < 0 || c.JitterFactor >= 1 {
		return fmt.Errorf("%w: jitter_factor must be in [0,1)", models.ErrInvalidConfig)
	}
	return nil
}

// ExecuteWithRetry runs fn up to 1+MaxRetries times with exponential
// backoff between attempts. Only faults marked retryable are re-attempted;
// anything else returns immediately. The context is checked before every
// attempt and during every backoff, so an expiring deadline always wins
// over remaining retries. Returns the number of attempts actually made and
// the final error.
func ExecuteWithRetry(ctx context.Context, config RetryConfig, logger *logrus.Logger, op string, fn func(ctx context.Context) error) (int, error) {
	attempts := 0
	delay := config.InitialDelay

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		default:
		}

		attempts++
		err := fn(ctx)
		if err == nil {
			return attempts, nil
		}
		lastErr = err

		if !models.IsRetryable(err) || attempt >= config.MaxRetries {
			return attempts, err
		}

		jittered := addJitter(delay, config.JitterFactor)
		logger.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempts,
			"backoff": jittered,
		}).Warn("Attempt failed, backing off")

		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-time.After(jittered):
		}

		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return attempts, lastErr
}

// addJitter randomizes a duration by up to ±factor. Plain math/rand is
// fine here, backoff spread needs no cryptographic randomness.
func addJitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}

	jitter := (rand.Float64() - 0.5) * 2 * float64(d) * factor
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		result = 0
	}
	return result
}
