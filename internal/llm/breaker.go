package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/models"
)

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures the circuit breaker decorator.
type BreakerConfig struct {
	Enabled bool `yaml:"enabled"`
	// FailureThreshold opens the circuit after this many consecutive
	// backend failures.
	FailureThreshold int `yaml:"failure_threshold"`
	// SuccessThreshold closes a half-open circuit after this many
	// consecutive successes.
	SuccessThreshold int `yaml:"success_threshold"`
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// HalfOpenMaxRequests bounds concurrent probes while half-open.
	HalfOpenMaxRequests int `yaml:"half_open_max_requests"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// Breaker decorates a Provider with the circuit breaker pattern. Only
// retryable faults count as failures: a backend rejecting bad input is
// healthy, so input faults move nothing, and neither does caller
// cancellation.
type Breaker struct {
	provider Provider
	config   BreakerConfig
	logger   *logrus.Logger

	mu                   sync.Mutex
	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	lastFailure          time.Time
}

// NewBreaker wraps a provider. Zero thresholds fall back to defaults.
func NewBreaker(provider Provider, config BreakerConfig, logger *logrus.Logger) *Breaker {
	defaults := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Breaker{
		provider: provider,
		config:   config,
		logger:   logger,
		state:    BreakerClosed,
	}
}

func (b *Breaker) Name() string { return b.provider.Name() }

// State returns the current breaker position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Generate(ctx context.Context, prompt string, opts Options) (*models.Answer, error) {
	const op = "llm.breaker"

	if err := b.before(); err != nil {
		return nil, models.BackendFault(op, err)
	}

	answer, err := b.provider.Generate(ctx, prompt, opts)
	b.after(err)
	return answer, err
}

func (b *Breaker) GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan models.StreamEvent, error) {
	const op = "llm.breaker"

	if err := b.before(); err != nil {
		return nil, models.BackendFault(op, err)
	}

	src, err := b.provider.GenerateStream(ctx, prompt, opts)
	if err != nil {
		b.after(err)
		return nil, err
	}

	// the stream's outcome is only known once it ends, so the result is
	// recorded from a relay that watches the events pass
	out := make(chan models.StreamEvent)
	go func() {
		defer close(out)

		var sawDone bool
		var streamErr error
		for ev := range src {
			select {
			case out <- ev:
			case <-ctx.Done():
				b.after(ctx.Err())
				return
			}
			if ev.Err != nil {
				streamErr = ev.Err
			}
			if ev.Done {
				sawDone = true
			}
		}
		switch {
		case streamErr != nil:
			b.after(streamErr)
		case sawDone:
			b.after(nil)
		default:
			b.after(models.BackendFault(op, fmt.Errorf("stream ended before completion")))
		}
	}()

	return out, nil
}

func (b *Breaker) Ping(ctx context.Context) error { return b.provider.Ping(ctx) }

func (b *Breaker) Close() error { return b.provider.Close() }

// before gates a call on the breaker state.
func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.config.OpenTimeout {
			b.setState(BreakerHalfOpen)
			b.halfOpenRequests = 1
			return nil
		}
		return ErrCircuitOpen

	case BreakerHalfOpen:
		if b.halfOpenRequests >= b.config.HalfOpenMaxRequests {
			return ErrCircuitOpen
		}
		b.halfOpenRequests++
		return nil

	default:
		return nil
	}
}

// after records a call result. Non-retryable errors are the caller's
// doing, not the backend's, and leave the breaker untouched.
func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.recordSuccess()
		return
	}
	if !models.IsRetryable(err) {
		return
	}
	b.recordFailure()
}

func (b *Breaker) recordFailure() {
	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	b.lastFailure = time.Now()

	switch b.state {
	case BreakerClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen)
	}
}

func (b *Breaker) recordSuccess() {
	b.consecutiveSuccesses++
	b.consecutiveFailures = 0

	if b.state == BreakerHalfOpen && b.consecutiveSuccesses >= b.config.SuccessThreshold {
		b.setState(BreakerClosed)
	}
}

// setState changes the breaker position; callers hold the mutex.
func (b *Breaker) setState(to BreakerState) {
	from := b.state
	b.state = to
	if to == BreakerClosed {
		b.consecutiveFailures = 0
	}
	if to == BreakerHalfOpen {
		b.halfOpenRequests = 0
		b.consecutiveSuccesses = 0
	}

	b.logger.WithFields(logrus.Fields{
		"provider": b.provider.Name(),
		"from":     from,
		"state":    to,
	}).Warn("Circuit breaker state changed")
}
