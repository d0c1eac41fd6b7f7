package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/models"
)

// ollamaProvider generates through a local Ollama server. Streaming uses
// the NDJSON body of /api/generate, one JSON object per line.
type ollamaProvider struct {
	config     *Config
	httpClient *http.Client
	logger     *logrus.Logger
}

func newOllamaProvider(config *Config, logger *logrus.Logger) *ollamaProvider {
	return &ollamaProvider{
		config: config,
		httpClient: &http.Client{
			// generous: first requests load the model into memory
			Timeout: config.RequestTimeout,
		},
		logger: logger,
	}
}

func (p *ollamaProvider) Name() string { return ProviderOllama }

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (p *ollamaProvider) newRequest(prompt string, opts Options, stream bool) ollamaRequest {
	opts = opts.withDefaults(p.config)
	return ollamaRequest{
		Model:  opts.Model,
		Prompt: prompt,
		Stream: stream,
		Options: ollamaOptions{
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
			NumPredict:  opts.MaxTokens,
			Stop:        opts.Stop,
		},
	}
}

func (p *ollamaProvider) post(ctx context.Context, req ollamaRequest) (*http.Response, error) {
	const op = "llm.ollama"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, models.InternalFault(op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, models.InternalFault(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

func (p *ollamaProvider) Generate(ctx context.Context, prompt string, opts Options) (*models.Answer, error) {
	const op = "llm.ollama"

	req := p.newRequest(prompt, opts, false)
	resp, err := p.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, models.BackendFault(op, fmt.Errorf("undecodable response: %w", err))
	}
	if result.Model == "" {
		result.Model = req.Model
	}

	return &models.Answer{
		Text:         result.Response,
		FinishReason: finishReason(result.DoneReason),
		ModelID:      fmt.Sprintf("ollama/%s", result.Model),
		Usage: models.Usage{
			PromptTokens:     result.PromptEvalCount,
			CompletionTokens: result.EvalCount,
			TotalTokens:      result.PromptEvalCount + result.EvalCount,
		},
	}, nil
}

func (p *ollamaProvider) GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan models.StreamEvent, error) {
	const op = "llm.ollama"

	resp, err := p.post(ctx, p.newRequest(prompt, opts, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan models.StreamEvent)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()

		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk ollamaResponse
			if err := decoder.Decode(&chunk); err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if ctx.Err() != nil {
					return
				}
				sendEvent(ctx, ch, models.StreamEvent{
					Err: models.BackendFault(op, fmt.Errorf("stream decode failed: %w", err)),
				})
				return
			}

			if chunk.Response != "" {
				if !sendEvent(ctx, ch, models.StreamEvent{Delta: chunk.Response}) {
					return
				}
			}
			if chunk.Done {
				usage := models.Usage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
					TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
				}
				sendEvent(ctx, ch, models.StreamEvent{
					Done:         true,
					FinishReason: finishReason(chunk.DoneReason),
					Usage:        &usage,
				})
				return
			}
		}
	}()

	return ch, nil
}

func (p *ollamaProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (p *ollamaProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func finishReason(reason string) string {
	if reason == "" {
		return "stop"
	}
	return reason
}
