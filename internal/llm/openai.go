package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/models"
)

// openaiProvider generates through an OpenAI-compatible chat completions
// endpoint. Streaming follows the SSE wire format: data-prefixed JSON
// chunks terminated by a [DONE] marker.
type openaiProvider struct {
	config     *Config
	httpClient *http.Client
	logger     *logrus.Logger
}

func newOpenAIProvider(config *Config, logger *logrus.Logger) *openaiProvider {
	return &openaiProvider{
		config: config,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
		},
		logger: logger,
	}
}

func (p *openaiProvider) Name() string { return ProviderOpenAI }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

type chatStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

func (p *openaiProvider) newRequest(prompt string, opts Options, stream bool) chatRequest {
	opts = opts.withDefaults(p.config)
	return chatRequest{
		Model:       opts.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   opts.MaxTokens,
		Stop:        opts.Stop,
		Stream:      stream,
	}
}

func (p *openaiProvider) post(ctx context.Context, req chatRequest) (*http.Response, error) {
	const op = "llm.openai"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, models.InternalFault(op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, models.InternalFault(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.BackendFault(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, classifyStatus(op, resp.StatusCode, string(respBody))
	}
	return resp, nil
}

func (p *openaiProvider) Generate(ctx context.Context, prompt string, opts Options) (*models.Answer, error) {
	const op = "llm.openai"

	req := p.newRequest(prompt, opts, false)
	resp, err := p.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, models.BackendFault(op, fmt.Errorf("undecodable response: %w", err))
	}
	if len(result.Choices) == 0 {
		return nil, models.BackendFault(op, fmt.Errorf("response carried no choices"))
	}
	if result.Model == "" {
		result.Model = req.Model
	}

	choice := result.Choices[0]
	return &models.Answer{
		Text:         choice.Message.Content,
		FinishReason: finishReason(choice.FinishReason),
		ModelID:      fmt.Sprintf("openai/%s", result.Model),
		Usage: models.Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
	}, nil
}

func (p *openaiProvider) GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan models.StreamEvent, error) {
	const op = "llm.openai"

	resp, err := p.post(ctx, p.newRequest(prompt, opts, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan models.StreamEvent)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()

		reader := bufio.NewReader(resp.Body)
		finish := ""
		var usage *models.Usage
		estimated := 0

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if ctx.Err() != nil {
					return
				}
				sendEvent(ctx, ch, models.StreamEvent{
					Err: models.BackendFault(op, fmt.Errorf("stream read failed: %w", err)),
				})
				return
			}

			chunk, done, parseErr := parseSSELine(line)
			if done {
				break
			}
			if chunk == nil {
				if parseErr != nil {
					p.logger.WithError(parseErr).Debug("Skipping malformed stream chunk")
				}
				continue
			}

			if chunk.Usage != nil {
				usage = &models.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if !sendEvent(ctx, ch, models.StreamEvent{Delta: delta}) {
					return
				}
				estimated += len(strings.Fields(delta))
			}
			if reason := chunk.Choices[0].FinishReason; reason != nil && *reason != "" {
				finish = *reason
			}
		}

		if usage == nil {
			// the backend sent no usage chunk; estimate from the deltas
			usage = &models.Usage{CompletionTokens: estimated, TotalTokens: estimated}
		}
		sendEvent(ctx, ch, models.StreamEvent{
			Done:         true,
			FinishReason: finishReason(finish),
			Usage:        usage,
		})
	}()

	return ch, nil
}

// parseSSELine extracts one chunk from an SSE line. The second return is
// true at the [DONE] marker; nil chunk with nil error means a skippable
// line (blank, comment, non-data field).
func parseSSELine(line []byte) (*chatStreamChunk, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false, nil
	}
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false, nil
	}

	data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
	if bytes.Equal(data, []byte("[DONE]")) {
		return nil, true, nil
	}

	var chunk chatStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, false, fmt.Errorf("failed to parse SSE chunk: %w", err)
	}
	return &chunk, false, nil
}

func (p *openaiProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"/models", nil)
	if err != nil {
		return err
	}
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm backend unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm backend unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (p *openaiProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
