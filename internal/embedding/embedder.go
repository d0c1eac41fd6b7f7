// Package embedding turns chunk text into vectors through a configured
// model backend. Batching, caching and failure classification live here;
// the HTTP specifics of each backend live in the provider implementations.
package embedding

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

// Embedder is the pipeline-facing contract. Embed preserves input order and
// length; a failure anywhere fails the whole call so callers never see a
// silently truncated result.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelID() string
	Ping(ctx context.Context) error
	Close() error
}

// Provider is one embedding backend. EmbedBatch receives at most
// MaxBatchSize texts per call.
type Provider interface {
	ModelID() string
	Dimension() int
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Ping(ctx context.Context) error
	Close() error
}

type Config struct {
	Provider     string        `yaml:"provider"`
	ModelName    string        `yaml:"model_name"`
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBatchSize int           `yaml:"max_batch_size"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider:     ProviderOllama,
		ModelName:    "nomic-embed-text",
		BaseURL:      "http://localhost:11434",
		Timeout:      30 * time.Second,
		MaxBatchSize: 64,
	}
}

func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", models.ErrInvalidConfig, c.Provider)
	}
	if c.ModelName == "" {
		return fmt.Errorf("%w: embedding model_name is required", models.ErrInvalidConfig)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("%w: embedding base_url is required", models.ErrInvalidConfig)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: embedding timeout must be positive", models.ErrInvalidConfig)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("%w: embedding max_batch_size must be positive", models.ErrInvalidConfig)
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
		return nil, fmt.Errorf("%w: unknown embedding provider %q", models.ErrInvalidConfig, config.Provider)
	}
}

// Batcher adapts a Provider into an Embedder by splitting input into
// bounded sub-batches.
type Batcher struct {
	provider Provider
	config   *Config
	logger   *logrus.Logger
}

func NewBatcher(provider Provider, config *Config, logger *logrus.Logger) *Batcher {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Batcher{
		provider: provider,
		config:   config,
		logger:   logger,
	}
}

func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "embedding.embed"

	if len(texts) == 0 {
		return nil, nil
	}

	start := time.Now()
	out := make([][]float32, 0, len(texts))
	for lo := 0; lo < len(texts); lo += b.config.MaxBatchSize {
		hi := lo + b.config.MaxBatchSize
		if hi > len(texts) {
			hi = len(texts)
		}

		vectors, err := b.provider.EmbedBatch(ctx, texts[lo:hi])
		if err != nil {
			return nil, fmt.Errorf("batch [%d:%d] of %d failed: %w", lo, hi, len(texts), err)
		}
		if len(vectors) != hi-lo {
			return nil, models.InternalFault(op, fmt.Errorf("%w: backend returned %d vectors for %d texts", models.ErrEmbeddingBackend, len(vectors), hi-lo))
		}
		out = append(out, vectors...)
	}

	b.logger.WithFields(logrus.Fields{
		"texts":    len(texts),
		"model":    b.provider.ModelID(),
		"duration": time.Since(start),
	}).Debug("Embedded batch")

	return out, nil
}

func (b *Batcher) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := b.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (b *Batcher) Dimension() int { return b.provider.Dimension() }

func (b *Batcher) ModelID() string { return b.provider.ModelID() }

func (b *Batcher) Ping(ctx context.Context) error { return b.provider.Ping(ctx) }

func (b *Batcher) Close() error { return b.provider.Close() }

// classifyStatus maps an HTTP status from an embedding backend onto the
// fault taxonomy. Rate limiting retries with backoff, server trouble
// retries, everything else is treated as a caller mistake.
func classifyStatus(op string, status int, body string) error {
	err := fmt.Errorf("%w: status %d: %s", models.ErrEmbeddingBackend, status, body)
	switch {
	case status == 429:
		return models.ExhaustedFault(op, err)
	case status >= 500:
		return models.BackendFault(op, err)
	default:
		return models.InputFault(op, err)
	}
}
