package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/internal/models"
)

func llmTestConfig(provider, model, baseURL string) *Config {
	return &Config{
		Provider:       provider,
		ModelName:      model,
		BaseURL:        baseURL,
		MaxTokens:      256,
		RequestTimeout: 5 * time.Second,
		Retry:          DefaultRetryConfig(),
	}
}

func newTestProvider(t *testing.T, config *Config) Provider {
	t.Helper()
	provider, err := NewProvider(config, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	return provider
}

func TestOllamaGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.1", req.Model)
		assert.Equal(t, "why is the sky blue", req.Prompt)
		assert.False(t, req.Stream)
		assert.Equal(t, 256, req.Options.NumPredict)

		fmt.Fprintln(w, `{"model":"llama3.1","response":"Rayleigh scattering.","done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":4}`)
	}))
	defer server.Close()

	provider := newTestProvider(t, llmTestConfig(ProviderOllama, "llama3.1", server.URL))
	assert.Equal(t, ProviderOllama, provider.Name())

	answer, err := provider.Generate(context.Background(), "why is the sky blue", Options{})
	require.NoError(t, err)
	assert.Equal(t, "Rayleigh scattering.", answer.Text)
	assert.Equal(t, "stop", answer.FinishReason)
	assert.Equal(t, "ollama/llama3.1", answer.ModelID)
	assert.Equal(t, models.Usage{PromptTokens: 7, CompletionTokens: 4, TotalTokens: 11}, answer.Usage)
}

func TestOllamaGenerateModelFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"ok","done":true}`)
	}))
	defer server.Close()

	provider := newTestProvider(t, llmTestConfig(ProviderOllama, "llama3.1", server.URL))

	answer, err := provider.Generate(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.Equal(t, "ollama/llama3.1", answer.ModelID, "falls back to the requested model when the reply omits it")
	assert.Equal(t, "stop", answer.FinishReason)
}

func TestOllamaGenerateClassifiesStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		kind      models.FaultKind
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, models.FaultResourceExhausted, true},
		{"server error", http.StatusServiceUnavailable, models.FaultBackendUnavailable, true},
		{"bad request", http.StatusBadRequest, models.FaultInput, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			provider := newTestProvider(t, llmTestConfig(ProviderOllama, "llama3.1", server.URL))

			_, err := provider.Generate(context.Background(), "q", Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), fmt.Sprintf("backend status %d", tt.status))
			assert.Equal(t, tt.kind, models.KindOf(err))
			assert.Equal(t, tt.retryable, models.IsRetryable(err))
		})
	}
}

func TestOllamaGenerateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		lines := []string{
			`{"model":"llama3.1","response":"Hello","done":false}`,
			`{"model":"llama3.1","response":" world","done":false}`,
			`{"model":"llama3.1","response":"","done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":4}`,
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	defer server.Close()

	provider := newTestProvider(t, llmTestConfig(ProviderOllama, "llama3.1", server.URL))

	stream, err := provider.GenerateStream(context.Background(), "greet", Options{})
	require.NoError(t, err)

	var events []models.StreamEvent
	for ev := range stream {
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	assert.Equal(t, "Hello", events[0].Delta)
	assert.Equal(t, " world", events[1].Delta)
	assert.True(t, events[2].Done)
	assert.Equal(t, "stop", events[2].FinishReason)
	require.NotNil(t, events[2].Usage)
	assert.Equal(t, models.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}, *events[2].Usage)
}

func TestOllamaStreamCancelReleasesConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		fmt.Fprintln(w, `{"response":"partial","done":false}`)
		flusher.Flush()

		// hold the stream open until the client hangs up
		<-r.Context().Done()
	}))
	defer server.Close()

	provider := newTestProvider(t, llmTestConfig(ProviderOllama, "llama3.1", server.URL))

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := provider.GenerateStream(ctx, "q", Options{})
	require.NoError(t, err)

	first := <-stream
	assert.Equal(t, "partial", first.Delta)

	cancel()
	for range stream {
		// the producer must close the channel after cancellation
	}
}

func TestOpenAIGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)
		assert.Equal(t, "capital of France?", req.Messages[0].Content)
		assert.False(t, req.Stream)

		fmt.Fprintln(w, `{"model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"Paris."},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":3,"total_tokens":12}}`)
	}))
	defer server.Close()

	config := llmTestConfig(ProviderOpenAI, "gpt-4o-mini", server.URL+"/v1")
	config.APIKey = "sk-test"
	provider := newTestProvider(t, config)

	answer, err := provider.Generate(context.Background(), "capital of France?", Options{})
	require.NoError(t, err)
	assert.Equal(t, "Paris.", answer.Text)
	assert.Equal(t, "stop", answer.FinishReason)
	assert.Equal(t, "openai/gpt-4o-mini", answer.ModelID)
	assert.Equal(t, models.Usage{PromptTokens: 9, CompletionTokens: 3, TotalTokens: 12}, answer.Usage)
}

func TestOpenAIGenerateNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"gpt-4o-mini","choices":[]}`)
	}))
	defer server.Close()

	provider := newTestProvider(t, llmTestConfig(ProviderOpenAI, "gpt-4o-mini", server.URL))

	_, err := provider.Generate(context.Background(), "q", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
	assert.Equal(t, models.FaultBackendUnavailable, models.KindOf(err))
}

func TestOpenAIGenerateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		flusher, ok := w.(http.Flusher)
		require.True(t, ok)

		lines := []string{
			`: keep-alive`,
			``,
			`data: {"choices":[{"delta":{"content":"Once"},"finish_reason":null}]}`,
			``,
			`data: {"choices":[{"delta":{"content":" upon"},"finish_reason":null}]}`,
			``,
			`data: {"choices":[{"delta":{"content":""},"finish_reason":"stop"}]}`,
			``,
			`data: [DONE]`,
			``,
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	defer server.Close()

	provider := newTestProvider(t, llmTestConfig(ProviderOpenAI, "gpt-4o-mini", server.URL))

	stream, err := provider.GenerateStream(context.Background(), "tell a story", Options{})
	require.NoError(t, err)

	var events []models.StreamEvent
	for ev := range stream {
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	assert.Equal(t, "Once", events[0].Delta)
	assert.Equal(t, " upon", events[1].Delta)
	assert.True(t, events[2].Done)
	assert.Equal(t, "stop", events[2].FinishReason)
	require.NotNil(t, events[2].Usage)
	assert.Equal(t, 2, events[2].Usage.CompletionTokens, "usage is estimated from deltas when the backend sends none")
}

func TestOpenAIAuthFailureIsNonRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := newTestProvider(t, llmTestConfig(ProviderOpenAI, "gpt-4o-mini", server.URL))

	_, err := provider.Generate(context.Background(), "q", Options{})
	require.Error(t, err)
	assert.Equal(t, models.FaultInput, models.KindOf(err))
	assert.False(t, models.IsRetryable(err))
}

func TestParseSSELine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		done    bool
		wantErr bool
	}{
		{"blank line", "\n", false, false},
		{"comment", ": keep-alive\n", false, false},
		{"other field", "event: ping\n", false, false},
		{"done marker", "data: [DONE]\n", true, false},
		{"malformed payload", "data: {not json\n", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk, done, err := parseSSELine([]byte(tt.line))
			assert.Equal(t, tt.done, done)
			assert.Nil(t, chunk)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "failed to parse SSE chunk")
			} else {
				assert.NoError(t, err)
			}
		})
	}

	chunk, done, err := parseSSELine([]byte(`data: {"choices":[{"delta":{"content":"hi"},"finish_reason":null}]}` + "\n"))
	require.NoError(t, err)
	assert.False(t, done)
	require.NotNil(t, chunk)
	require.Len(t, chunk.Choices, 1)
	assert.Equal(t, "hi", chunk.Choices[0].Delta.Content)
}

func TestNewProviderUnknown(t *testing.T) {
	_, err := NewProvider(llmTestConfig("bedrock", "m", "http://localhost"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}
