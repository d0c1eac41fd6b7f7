package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/models"
)

// ollamaProvider embeds through a local Ollama server. The embeddings
// endpoint takes one prompt per request, so batches are sent sequentially.
type ollamaProvider struct {
	config     *Config
	httpClient *http.Client
	dimension  int
	logger     *logrus.Logger
}

func newOllamaProvider(config *Config, logger *logrus.Logger) *ollamaProvider {
	dimension := 768
	switch config.ModelName {
	case "nomic-embed-text":
		dimension = 768
	case "mxbai-embed-large":
		dimension = 1024
	case "all-minilm":
		dimension = 384
	}

	return &ollamaProvider{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		dimension: dimension,
		logger:    logger,
	}
}

func (p *ollamaProvider) ModelID() string {
	return fmt.Sprintf("ollama/%s", p.config.ModelName)
}

func (p *ollamaProvider) Dimension() int { return p.dimension }

func (p *ollamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := p.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vector
	}
	return vectors, nil
}

func (p *ollamaProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	const op = "embedding.ollama"

	body, err := json.Marshal(map[string]interface{}{
		"model":  p.config.ModelName,
		"prompt": text,
	})
	if err != nil {
		return nil, models.InternalFault(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, models.InternalFault(op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, models.BackendFault(op, fmt.Errorf("%w: %v", models.ErrEmbeddingBackend, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(op, resp.StatusCode, string(respBody))
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, models.BackendFault(op, fmt.Errorf("%w: undecodable response: %v", models.ErrEmbeddingBackend, err))
	}
	if len(result.Embedding) == 0 {
		return nil, models.BackendFault(op, fmt.Errorf("%w: empty embedding returned", models.ErrEmbeddingBackend))
	}

	return result.Embedding, nil
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

func (p *ollamaProvider) Close() error { return nil }
