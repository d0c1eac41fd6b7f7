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

// openaiProvider embeds through an OpenAI-compatible /v1/embeddings
// endpoint, which accepts a whole batch per request.
type openaiProvider struct {
	config     *Config
	httpClient *http.Client
	dimension  int
	logger     *logrus.Logger
}

func newOpenAIProvider(config *Config, logger *logrus.Logger) *openaiProvider {
	dimension := 1536
	switch config.ModelName {
	case "text-embedding-3-small", "text-embedding-ada-002":
		dimension = 1536
	case "text-embedding-3-large":
		dimension = 3072
	}

	return &openaiProvider{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		dimension: dimension,
		logger:    logger,
	}
}

func (p *openaiProvider) ModelID() string {
	return fmt.Sprintf("openai/%s", p.config.ModelName)
}

func (p *openaiProvider) Dimension() int { return p.dimension }

func (p *openaiProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "embedding.openai"

	body, err := json.Marshal(map[string]interface{}{
		"input": texts,
		"model": p.config.ModelName,
	})
	if err != nil {
		return nil, models.InternalFault(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, models.InternalFault(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

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
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, models.BackendFault(op, fmt.Errorf("%w: undecodable response: %v", models.ErrEmbeddingBackend, err))
	}
	if len(result.Data) != len(texts) {
		return nil, models.BackendFault(op, fmt.Errorf("%w: got %d embeddings for %d inputs", models.ErrEmbeddingBackend, len(result.Data), len(texts)))
	}

	// the API may reorder; indexes restore input order
	vectors := make([][]float32, len(texts))
	for _, item := range result.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, models.BackendFault(op, fmt.Errorf("%w: embedding index %d out of range", models.ErrEmbeddingBackend, item.Index))
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
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
		return fmt.Errorf("embedding backend unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding backend unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (p *openaiProvider) Close() error { return nil }
