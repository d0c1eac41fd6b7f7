// Package llm turns assembled prompts into answers through a generative
// backend. Providers cover the HTTP specifics of each backend; the
// Orchestrator wraps a provider with retry, deadline enforcement and
// request-state accounting. Streaming is a channel of ordered events that
// the consumer can abandon by cancelling its context.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/models"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Options are per-request generation parameters. Zero-valued fields fall
// back to the configured defaults.
type Options struct {
	Model       string   `json:"model,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

func (o Options) withDefaults(c *Config) Options {
	if o.Model == "" {
		o.Model = c.ModelName
	}
	if o.Temperature == 0 {
		o.Temperature = c.Temperature
	}
	if o.TopP == 0 {
		o.TopP = c.TopP
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = c.MaxTokens
	}
	return o
}

// Provider is one generative backend. GenerateStream returns after the
// stream is established; setup failures surface on the error return so the
// caller can retry, while mid-stream failures arrive in-band as an event
// with Err set. The producing goroutine always closes the channel and
// stops promptly when ctx is cancelled.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string, opts Options) (*models.Answer, error)
	GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan models.StreamEvent, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config holds generation configuration.
type Config struct {
	Provider    string  `yaml:"provider"`
	ModelName   string  `yaml:"model_name"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	MaxTokens   int     `yaml:"max_tokens"`
	// RequestTimeout is the overall deadline for one Generate call or one
	// stream, retries included. It wins over remaining retries.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Retry          RetryConfig   `yaml:"retry"`
	// Breaker optionally guards a flapping backend. Nil or disabled means
	// every call reaches the provider, which keeps retry accounting exact.
	Breaker *BreakerConfig `yaml:"breaker,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider:       ProviderOllama,
		ModelName:      "llama3.1",
		BaseURL:        "http://localhost:11434",
		Temperature:    0.1,
		TopP:           0.9,
		MaxTokens:      1024,
		RequestTimeout: 120 * time.Second,
		Retry:          DefaultRetryConfig(),
	}
}

func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("%w: unknown llm provider %q", models.ErrInvalidConfig, c.Provider)
	}
	if c.ModelName == "" {
		return fmt.Errorf("%w: llm model_name is required", models.ErrInvalidConfig)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("%w: llm base_url is required", models.ErrInvalidConfig)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: llm max_tokens must be positive", models.ErrInvalidConfig)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: llm request_timeout must be positive", models.ErrInvalidConfig)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}
	return nil
}

// NewProvider builds the backend named by the config.
func NewProvider(config *Config, logger *logrus.Logger) (Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	switch config.Provider {
	case ProviderOllama:
		return newOllamaProvider(config, logger), nil
	case ProviderOpenAI:
		return newOpenAIProvider(config, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", models.ErrInvalidConfig, config.Provider)
	}
}

// sendEvent delivers ev unless ctx ends first. It reports whether the
// consumer took the event.
func sendEvent(ctx context.Context, ch chan<- models.StreamEvent, ev models.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// classifyStatus maps an HTTP status from a generation backend onto the
// fault taxonomy. Rate limiting and server trouble retry; everything else
// (bad request, auth) is the caller's problem and propagates immediately.
func classifyStatus(op string, status int, body string) error {
	err := fmt.Errorf("backend status %d: %s", status, body)
	switch {
	case status == 429:
		return models.ExhaustedFault(op, err)
	case status >= 500:
		return models.BackendFault(op, err)
	default:
		return models.InputFault(op, err)
	}
}
