package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/models"
)

// Stats counts generation requests by terminal state.
type Stats struct {
	Requests  int64 `json:"requests"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
}

// request tracks one generation call through its lifecycle. Every state
// change is logged with the request id, so the record is reconstructable
// from logs alone.
type request struct {
	id      uuid.UUID
	state   models.GenerationState
	started time.Time
}

// Orchestrator drives a provider with retry, deadline enforcement and
// request-state accounting. It is safe for concurrent use.
type Orchestrator struct {
	provider Provider
	config   *Config
	logger   *logrus.Logger

	mu    sync.Mutex
	stats Stats
}

// NewOrchestrator wraps a provider. When the config enables the circuit
// breaker the provider is decorated before use.
func NewOrchestrator(provider Provider, config *Config, logger *logrus.Logger) (*Orchestrator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	if provider == nil {
		return nil, models.InputFault("llm.orchestrator", fmt.Errorf("provider is required"))
	}

	if config.Breaker != nil && config.Breaker.Enabled {
		provider = NewBreaker(provider, *config.Breaker, logger)
	}

	return &Orchestrator{
		provider: provider,
		config:   config,
		logger:   logger,
	}, nil
}

// Stats returns a snapshot of the request counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Close releases the underlying provider.
func (o *Orchestrator) Close() error { return o.provider.Close() }

// Ping proxies the provider health check.
func (o *Orchestrator) Ping(ctx context.Context) error { return o.provider.Ping(ctx) }

// ModelID reports the configured model identity. Individual answers may
// carry a different ModelID when the backend resolves an alias.
func (o *Orchestrator) ModelID() string {
	return o.config.Provider + "/" + o.config.ModelName
}

// Generate runs one generation call. Transient provider faults retry with
// backoff up to the configured budget; the overall deadline wins over
// remaining retries and surfaces as ErrGenerationTimeout. Non-transient
// faults propagate immediately wrapped in ErrNonRetryableGeneration.
func (o *Orchestrator) Generate(ctx context.Context, prompt string, opts Options) (*models.Answer, error) {
	const op = "llm.generate"

	if strings.TrimSpace(prompt) == "" {
		return nil, models.InputFault(op, fmt.Errorf("empty prompt"))
	}

	r := o.newRequest()
	ctx, cancel := o.withDeadline(ctx)
	defer cancel()

	o.transition(r, models.StateInFlight, 0, nil)
	var answer *models.Answer
	attempts, err := ExecuteWithRetry(ctx, o.config.Retry, o.logger, op, func(ctx context.Context) error {
		a, genErr := o.provider.Generate(ctx, prompt, opts)
		if genErr != nil {
			return genErr
		}
		answer = a
		return nil
	})
	if err := o.finish(r, op, attempts, err); err != nil {
		return nil, err
	}
	return answer, nil
}

// GenerateStream establishes a stream and relays its events. Retry covers
// stream establishment only; once events flow, failures arrive in-band.
// The returned channel is always closed, and cancelling ctx releases the
// provider connection promptly.
func (o *Orchestrator) GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan models.StreamEvent, error) {
	const op = "llm.generate_stream"

	if strings.TrimSpace(prompt) == "" {
		return nil, models.InputFault(op, fmt.Errorf("empty prompt"))
	}

	r := o.newRequest()
	sctx, cancel := o.withDeadline(ctx)

	o.transition(r, models.StateInFlight, 0, nil)
	var src <-chan models.StreamEvent
	attempts, err := ExecuteWithRetry(sctx, o.config.Retry, o.logger, op, func(ctx context.Context) error {
		s, genErr := o.provider.GenerateStream(ctx, prompt, opts)
		if genErr != nil {
			return genErr
		}
		src = s
		return nil
	})
	if err != nil {
		cancel()
		return nil, o.finish(r, op, attempts, err)
	}

	out := make(chan models.StreamEvent)
	go o.relay(sctx, cancel, r, attempts, src, out)
	return out, nil
}

// relay forwards provider events to the consumer and records the terminal
// state once the stream ends. It owns the stream context: cancelling it on
// exit is what releases the provider's connection.
func (o *Orchestrator) relay(ctx context.Context, cancel context.CancelFunc, r *request, attempts int, src <-chan models.StreamEvent, out chan<- models.StreamEvent) {
	defer close(out)
	defer cancel()

	var sawDone bool
	var streamErr error
	for ev := range src {
		select {
		case out <- ev:
		case <-ctx.Done():
			o.endStream(ctx, r, attempts, sawDone, streamErr)
			return
		}
		if ev.Err != nil {
			streamErr = ev.Err
		}
		if ev.Done {
			sawDone = true
		}
	}
	o.endStream(ctx, r, attempts, sawDone, streamErr)
}

// endStream classifies how a stream terminated. An explicit error event
// beats everything; a completed stream succeeded; otherwise the context
// tells cancellation apart from the deadline.
func (o *Orchestrator) endStream(ctx context.Context, r *request, attempts int, sawDone bool, streamErr error) {
	switch {
	case streamErr != nil:
		o.transition(r, models.StateFailed, attempts, streamErr)
	case sawDone:
		o.transition(r, models.StateSucceeded, attempts, nil)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		o.transition(r, models.StateTimedOut, attempts, ctx.Err())
	default:
		o.transition(r, models.StateFailed, attempts, ctx.Err())
	}
}

func (o *Orchestrator) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, o.config.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) newRequest() *request {
	r := &request{
		id:      uuid.New(),
		state:   models.StatePending,
		started: time.Now(),
	}
	o.logger.WithFields(logrus.Fields{
		"request_id": r.id,
		"state":      r.state,
	}).Debug("Generation request created")
	return r
}

// transition moves a request to a new state, logging the change and
// counting terminal outcomes.
func (o *Orchestrator) transition(r *request, to models.GenerationState, attempts int, err error) {
	from := r.state
	r.state = to

	entry := o.logger.WithFields(logrus.Fields{
		"request_id": r.id,
		"from":       from,
		"state":      to,
		"attempts":   attempts,
	})
	if err != nil {
		entry = entry.WithError(err)
	}

	switch to {
	case models.StateSucceeded:
		entry.WithField("duration", time.Since(r.started)).Debug("Generation succeeded")
	case models.StateFailed, models.StateTimedOut:
		entry.WithField("duration", time.Since(r.started)).Warn("Generation did not complete")
	default:
		entry.Debug("Generation state changed")
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.Requests++
	switch to {
	case models.StateSucceeded:
		o.stats.Succeeded++
	case models.StateTimedOut:
		o.stats.TimedOut++
	default:
		o.stats.Failed++
	}
}

// finish maps the retry loop's outcome onto the request state machine and
// the error contract: deadline expiry is a timeout fault, non-retryable
// provider faults keep their kind but gain the non-retryable sentinel, and
// an exhausted retry budget reports every attempt made.
func (o *Orchestrator) finish(r *request, op string, attempts int, err error) error {
	switch {
	case err == nil:
		o.transition(r, models.StateSucceeded, attempts, nil)
		return nil

	case errors.Is(err, context.DeadlineExceeded):
		o.transition(r, models.StateTimedOut, attempts, err)
		return models.TimeoutFault(op,
			fmt.Errorf("%w after %d attempts: %v", models.ErrGenerationTimeout, attempts, err))

	case errors.Is(err, context.Canceled):
		o.transition(r, models.StateFailed, attempts, err)
		return err

	case !models.IsRetryable(err):
		o.transition(r, models.StateFailed, attempts, err)
		return &models.Fault{
			Kind:      models.KindOf(err),
			Op:        op,
			Retryable: false,
			Err:       fmt.Errorf("%w: %v", models.ErrNonRetryableGeneration, err),
		}

	default:
		o.transition(r, models.StateFailed, attempts, err)
		return models.BackendFault(op, fmt.Errorf("all %d attempts failed: %w", attempts, err))
	}
}
