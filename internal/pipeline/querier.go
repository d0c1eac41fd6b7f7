package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/history"
	"github.com/quarry-ai/quarry/internal/llm"
	"github.com/quarry-ai/quarry/internal/models"
	"github.com/quarry-ai/quarry/internal/observability"
)

// Retriever runs one hybrid retrieval pass over the index.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) (*models.RetrievalResult, error)
}

// PromptBuilder assembles the final prompt from the query, the retrieved
// context and recent conversation history. HistoryTurns sizes the history
// fetch; zero disables it.
type PromptBuilder interface {
	Build(query string, res *models.RetrievalResult, history []models.ConversationTurn) (string, error)
	HistoryTurns() int
}

// Generator produces answers from prompts. Satisfied by *llm.Orchestrator.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts llm.Options) (*models.Answer, error)
	GenerateStream(ctx context.Context, prompt string, opts llm.Options) (<-chan models.StreamEvent, error)
	ModelID() string
}

// QueryRequest is one question against the indexed corpus. K <= 0 uses the
// retriever's configured default.
type QueryRequest struct {
	Text string `json:"text"`
	K    int    `json:"k,omitempty"`
}

// QueryResponse carries the answer together with the retrieval snapshot
// that grounded it and the audit turn that was recorded.
type QueryResponse struct {
	Answer    *models.Answer          `json:"answer"`
	Retrieval *models.RetrievalResult `json:"retrieval"`
	Turn      models.ConversationTurn `json:"turn"`
}

// StreamResponse is the streaming variant: provenance is available up
// front, the answer arrives as ordered events. The channel closes after
// the terminal event; the consumer must drain it or cancel the context.
type StreamResponse struct {
	Events    <-chan models.StreamEvent
	Retrieval *models.RetrievalResult
}

// Querier answers questions over the indexed corpus: retrieve, assemble a
// prompt, generate, and record the finished turn.
type Querier struct {
	retriever Retriever
	prompts   PromptBuilder
	generator Generator
	turns     history.TurnLog
	metrics   *observability.Collector
	logger    *logrus.Logger
}

// NewQuerier creates a query service over the given stages. A nil turn log
// falls back to an in-process one, so the audit trail never silently
// disappears.
func NewQuerier(retriever Retriever, prompts PromptBuilder, generator Generator, turns history.TurnLog, metrics *observability.Collector, logger *logrus.Logger) (*Querier, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if metrics == nil {
		metrics = observability.NewCollector(observability.DefaultNamespace)
	}
	if turns == nil {
		turns = history.NewMemoryLog()
	}

	const op = "pipeline.querier"
	if retriever == nil {
		return nil, models.InputFault(op, errors.New("retriever is required"))
	}
	if prompts == nil {
		return nil, models.InputFault(op, errors.New("prompt builder is required"))
	}
	if generator == nil {
		return nil, models.InputFault(op, errors.New("generator is required"))
	}

	return &Querier{
		retriever: retriever,
		prompts:   prompts,
		generator: generator,
		turns:     turns,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Query answers one question and blocks until the full answer is ready.
// Errors carry the fault taxonomy, so callers can distinguish bad input
// from a struggling backend without parsing messages.
func (q *Querier) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	const op = "pipeline.query"
	start := time.Now()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		q.metrics.QueriesTotal.WithLabelValues("rejected").Inc()
		return nil, models.InputFault(op, errors.New("query text is required"))
	}

	res, promptText, err := q.prepare(ctx, text, req.K)
	if err != nil {
		q.metrics.QueriesTotal.WithLabelValues(queryOutcome(err)).Inc()
		return nil, err
	}

	genStart := time.Now()
	answer, err := q.generator.Generate(ctx, promptText, llm.Options{})
	if err != nil {
		q.metrics.QueriesTotal.WithLabelValues(queryOutcome(err)).Inc()
		return nil, err
	}
	q.metrics.GenerateLatency.WithLabelValues(q.generator.ModelID()).Observe(time.Since(genStart).Seconds())
	q.recordUsage(&answer.Usage)

	turn := models.ConversationTurn{
		Query:             text,
		RetrievedChunkIDs: res.ChunkIDs(),
		PromptText:        promptText,
		AnswerText:        answer.Text,
		ModelID:           answer.ModelID,
		LatencyMS:         time.Since(start).Milliseconds(),
	}
	q.recordTurn(ctx, &turn)

	q.metrics.QueriesTotal.WithLabelValues("succeeded").Inc()
	q.logger.WithFields(logrus.Fields{
		"chunks":     len(res.Results),
		"model":      answer.ModelID,
		"latency_ms": turn.LatencyMS,
	}).Info("Query answered")

	return &QueryResponse{Answer: answer, Retrieval: res, Turn: turn}, nil
}

// QueryStream answers one question as an ordered event stream. Retrieval
// provenance is returned immediately; the turn is recorded once the stream
// completes. A stream that ends without completing records no turn.
func (q *Querier) QueryStream(ctx context.Context, req QueryRequest) (*StreamResponse, error) {
	const op = "pipeline.query_stream"

	st := streamTurn{start: time.Now()}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		q.metrics.QueriesTotal.WithLabelValues("rejected").Inc()
		return nil, models.InputFault(op, errors.New("query text is required"))
	}

	res, promptText, err := q.prepare(ctx, text, req.K)
	if err != nil {
		q.metrics.QueriesTotal.WithLabelValues(queryOutcome(err)).Inc()
		return nil, err
	}
	st.query, st.prompt, st.res = text, promptText, res

	st.genStart = time.Now()
	src, err := q.generator.GenerateStream(ctx, promptText, llm.Options{})
	if err != nil {
		q.metrics.QueriesTotal.WithLabelValues(queryOutcome(err)).Inc()
		return nil, err
	}

	out := make(chan models.StreamEvent)
	go q.relay(ctx, st, src, out)
	return &StreamResponse{Events: out, Retrieval: res}, nil
}

// streamTurn is the state the stream relay needs to finish bookkeeping
// once the generation completes.
type streamTurn struct {
	start    time.Time
	genStart time.Time
	query    string
	prompt   string
	res      *models.RetrievalResult
}

// relay forwards generation events to the consumer while accumulating the
// answer text, then records the turn and the terminal outcome. Like the
// orchestrator's stream, an abandoned output channel with a live context
// blocks the relay; consumers drain or cancel.
func (q *Querier) relay(ctx context.Context, st streamTurn, src <-chan models.StreamEvent, out chan<- models.StreamEvent) {
	defer close(out)

	var answer strings.Builder
	sawDone := false
	var streamErr error

	for ev := range src {
		if ev.Err != nil {
			streamErr = ev.Err
		}
		answer.WriteString(ev.Delta)
		if ev.Done {
			sawDone = true
			q.recordUsage(ev.Usage)
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			q.metrics.QueriesTotal.WithLabelValues(abortOutcome(ctx)).Inc()
			return
		}
	}

	switch {
	case streamErr != nil:
		q.metrics.QueriesTotal.WithLabelValues(queryOutcome(streamErr)).Inc()
		q.logger.WithError(streamErr).Warn("Streamed query failed")
	case sawDone:
		q.metrics.GenerateLatency.WithLabelValues(q.generator.ModelID()).Observe(time.Since(st.genStart).Seconds())
		turn := models.ConversationTurn{
			Query:             st.query,
			RetrievedChunkIDs: st.res.ChunkIDs(),
			PromptText:        st.prompt,
			AnswerText:        answer.String(),
			ModelID:           q.generator.ModelID(),
			LatencyMS:         time.Since(st.start).Milliseconds(),
		}
		q.recordTurn(ctx, &turn)
		q.metrics.QueriesTotal.WithLabelValues("succeeded").Inc()
		q.logger.WithFields(logrus.Fields{
			"chunks":     len(st.res.Results),
			"latency_ms": turn.LatencyMS,
		}).Info("Streamed query answered")
	default:
		// The source closed without a terminal event: the generation
		// context ended first.
		q.metrics.QueriesTotal.WithLabelValues(abortOutcome(ctx)).Inc()
	}
}

// prepare runs the shared pre-generation stages: retrieve, fetch history,
// build the prompt. A history fetch failure degrades to an empty history
// rather than failing the query.
func (q *Querier) prepare(ctx context.Context, text string, k int) (*models.RetrievalResult, string, error) {
	searchStart := time.Now()
	res, err := q.retriever.Retrieve(ctx, text, k)
	if err != nil {
		return nil, "", err
	}
	q.metrics.SearchLatency.WithLabelValues("hybrid").Observe(time.Since(searchStart).Seconds())

	var hist []models.ConversationTurn
	if n := q.prompts.HistoryTurns(); n > 0 {
		hist, err = q.turns.Recent(ctx, n)
		if err != nil {
			q.logger.WithError(err).Warn("History unavailable, continuing without it")
			hist = nil
		}
	}

	promptText, err := q.prompts.Build(text, res, hist)
	if err != nil {
		return nil, "", err
	}
	return res, promptText, nil
}

// recordTurn appends the audit record. Failures are logged, never
// propagated: the caller already has its answer.
func (q *Querier) recordTurn(ctx context.Context, turn *models.ConversationTurn) {
	if err := q.turns.Append(ctx, turn); err != nil {
		q.logger.WithError(err).Warn("Failed to record conversation turn")
	}
}

func (q *Querier) recordUsage(usage *models.Usage) {
	if usage == nil {
		return
	}
	model := q.generator.ModelID()
	q.metrics.GenerateTokens.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	q.metrics.GenerateTokens.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
}

// queryOutcome maps a query-path error onto its metric label.
func queryOutcome(err error) string {
	switch models.KindOf(err) {
	case models.FaultTimeout:
		return "timed_out"
	case models.FaultInput:
		return "rejected"
	default:
		return "failed"
	}
}

// abortOutcome classifies a stream that ended through its context.
func abortOutcome(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timed_out"
	}
	return "failed"
}
