package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/internal/models"
)

func ollamaTestConfig(baseURL string) *Config {
	return &Config{
		Provider:     ProviderOllama,
		ModelName:    "nomic-embed-text",
		BaseURL:      baseURL,
		Timeout:      5 * time.Second,
		MaxBatchSize: 16,
	}
}

func TestOllamaProviderEmbedBatch(t *testing.T) {
	var prompts []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)

		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		prompts = append(prompts, req.Prompt)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding": []float32{float32(len(req.Prompt)), 0.5},
		})
	}))
	defer server.Close()

	provider, err := NewProvider(ollamaTestConfig(server.URL), nil)
	require.NoError(t, err)
	assert.Equal(t, "ollama/nomic-embed-text", provider.ModelID())
	assert.Equal(t, 768, provider.Dimension())

	vectors, err := provider.EmbedBatch(context.Background(), []string{"one", "three"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{3, 0.5}, vectors[0])
	assert.Equal(t, []float32{5, 0.5}, vectors[1])
	assert.Equal(t, []string{"one", "three"}, prompts)
}

func TestOllamaProviderStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		kind      models.FaultKind
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, models.FaultResourceExhausted, true},
		{"server error", http.StatusInternalServerError, models.FaultBackendUnavailable, true},
		{"bad request", http.StatusBadRequest, models.FaultInput, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			provider, err := NewProvider(ollamaTestConfig(server.URL), nil)
			require.NoError(t, err)

			_, err = provider.EmbedBatch(context.Background(), []string{"x"})
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrEmbeddingBackend)
			assert.Equal(t, tt.kind, models.KindOf(err))
			assert.Equal(t, tt.retryable, models.IsRetryable(err))
		})
	}
}

func TestOllamaProviderUnreachable(t *testing.T) {
	cfg := ollamaTestConfig("http://127.0.0.1:1")
	cfg.Timeout = 200 * time.Millisecond

	provider, err := NewProvider(cfg, nil)
	require.NoError(t, err)

	_, err = provider.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, models.FaultBackendUnavailable, models.KindOf(err))
}

func TestOpenAIProviderEmbedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)

		// reply out of order to prove index-based reassembly
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 1, "embedding": []float32{2}},
				{"index": 0, "embedding": []float32{1}},
			},
		})
	}))
	defer server.Close()

	provider, err := NewProvider(&Config{
		Provider:     ProviderOpenAI,
		ModelName:    "text-embedding-3-small",
		BaseURL:      server.URL + "/v1",
		APIKey:       "sk-test",
		Timeout:      5 * time.Second,
		MaxBatchSize: 16,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai/text-embedding-3-small", provider.ModelID())
	assert.Equal(t, 1536, provider.Dimension())

	vectors, err := provider.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}}, vectors)
}

func TestOpenAIProviderCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 0, "embedding": []float32{1}},
			},
		})
	}))
	defer server.Close()

	provider, err := NewProvider(&Config{
		Provider:     ProviderOpenAI,
		ModelName:    "text-embedding-3-small",
		BaseURL:      server.URL + "/v1",
		Timeout:      5 * time.Second,
		MaxBatchSize: 16,
	}, nil)
	require.NoError(t, err)

	_, err = provider.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrEmbeddingBackend)
}
