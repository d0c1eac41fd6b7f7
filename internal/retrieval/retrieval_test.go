package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/internal/models"
)

// MockSearcher implements Searcher for testing.
type MockSearcher struct {
	lexHits []models.Hit
	lexErr  error
	vecHits []models.Hit
	vecErr  error

	mu       sync.Mutex
	lexCalls int
	vecCalls int
	lastLexK int
	lastVecK int
}

func (m *MockSearcher) SearchLexical(ctx context.Context, query string, k int) ([]models.Hit, error) {
	m.mu.Lock()
	m.lexCalls++
	m.lastLexK = k
	m.mu.Unlock()
	if m.lexErr != nil {
		return nil, m.lexErr
	}
	return m.lexHits, nil
}

func (m *MockSearcher) SearchVector(ctx context.Context, vector []float32, k int) ([]models.Hit, error) {
	m.mu.Lock()
	m.vecCalls++
	m.lastVecK = k
	m.mu.Unlock()
	if m.vecErr != nil {
		return nil, m.vecErr
	}
	return m.vecHits, nil
}

// MockEmbedder implements QueryEmbedder for testing.
type MockEmbedder struct {
	vector []float32
	err    error

	mu    sync.Mutex
	calls int
}

func (m *MockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.vector, nil
}

var testDocID = models.NewDocumentID("retrieval://doc")

func testChunk(seq int) models.Chunk {
	return models.Chunk{
		ID:            models.NewChunkID(testDocID, seq),
		DocumentID:    testDocID,
		SequenceIndex: seq,
	}
}

func hit(seq int, score float64) models.Hit {
	return models.Hit{Chunk: testChunk(seq), Score: score}
}

func newTestRetriever(t *testing.T, store Searcher, embedder QueryEmbedder, config *Config) *Retriever {
	t.Helper()
	r, err := NewRetriever(store, embedder, config, nil)
	require.NoError(t, err)
	return r
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults valid", func(c *Config) {}, ""},
		{"zero top_k", func(c *Config) { c.TopK = 0 }, "top_k must be positive"},
		{"negative weight", func(c *Config) { c.LexicalWeight = -0.1 }, "non-negative"},
		{"all-zero weights", func(c *Config) { c.SemanticWeight = 0; c.LexicalWeight = 0 }, "at least one"},
		{"zero multiplier", func(c *Config) { c.PreRetrieveMultiplier = 0 }, "at least 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestRetrieveFusesBothRankings(t *testing.T) {
	// Lexical returns A=0.9, B=0.5; semantic returns B=0.8, C=0.6. After
	// min-max normalization each list spans [0,1], so with equal weights A
	// and B both land on 0.5 and the tie goes to A's lower sequence index.
	// C only appears in the semantic list at its minimum, so it trails.
	store := &MockSearcher{
		lexHits: []models.Hit{hit(0, 0.9), hit(1, 0.5)},
		vecHits: []models.Hit{hit(1, 0.8), hit(2, 0.6)},
	}
	embedder := &MockEmbedder{vector: []float32{0.1, 0.2}}
	r := newTestRetriever(t, store, embedder, nil)

	result, err := r.Retrieve(context.Background(), "solar output", 10)
	require.NoError(t, err)
	require.Len(t, result.Results, 3)

	assert.Equal(t, 0, result.Results[0].Chunk.SequenceIndex)
	assert.Equal(t, 1, result.Results[1].Chunk.SequenceIndex)
	assert.Equal(t, 2, result.Results[2].Chunk.SequenceIndex)

	assert.InDelta(t, 0.5, result.Results[0].Score, 1e-9)
	assert.InDelta(t, 0.5, result.Results[1].Score, 1e-9)
	assert.InDelta(t, 0.0, result.Results[2].Score, 1e-9)

	assert.Equal(t, models.SourceLexical, result.Results[0].Source)
	assert.Equal(t, models.SourceFused, result.Results[1].Source)
	assert.Equal(t, models.SourceSemantic, result.Results[2].Source)

	assert.ElementsMatch(t, []models.Source{models.SourceLexical, models.SourceSemantic}, result.Sources)
	assert.Equal(t, "solar output", result.Query)
}

func TestRetrieveWeightsShiftTheBalance(t *testing.T) {
	store := &MockSearcher{
		lexHits: []models.Hit{hit(0, 0.9), hit(1, 0.5)},
		vecHits: []models.Hit{hit(1, 0.8), hit(2, 0.6)},
	}
	embedder := &MockEmbedder{vector: []float32{0.1}}
	r := newTestRetriever(t, store, embedder, &Config{
		TopK:                  10,
		SemanticWeight:        0.7,
		LexicalWeight:         0.3,
		PreRetrieveMultiplier: 3,
	})

	result, err := r.Retrieve(context.Background(), "solar output", 10)
	require.NoError(t, err)
	require.Len(t, result.Results, 3)

	// B carries the full semantic weight now: 0.7*1.0 beats A's 0.3*1.0.
	assert.Equal(t, 1, result.Results[0].Chunk.SequenceIndex)
	assert.InDelta(t, 0.7, result.Results[0].Score, 1e-9)
	assert.Equal(t, 0, result.Results[1].Chunk.SequenceIndex)
	assert.InDelta(t, 0.3, result.Results[1].Score, 1e-9)
}

func TestRetrieveDegradesWhenLexicalFails(t *testing.T) {
	store := &MockSearcher{
		lexErr:  errors.New("fts index offline"),
		vecHits: []models.Hit{hit(3, 0.7)},
	}
	embedder := &MockEmbedder{vector: []float32{0.1}}
	r := newTestRetriever(t, store, embedder, nil)

	result, err := r.Retrieve(context.Background(), "wind turbines", 5)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, 3, result.Results[0].Chunk.SequenceIndex)
	assert.Equal(t, models.SourceSemantic, result.Results[0].Source)
	assert.Equal(t, []models.Source{models.SourceSemantic}, result.Sources)
}

func TestRetrieveDegradesWhenSemanticFails(t *testing.T) {
	store := &MockSearcher{
		lexHits: []models.Hit{hit(0, 2.4), hit(2, 1.1)},
		vecErr:  errors.New("vector scan failed"),
	}
	embedder := &MockEmbedder{vector: []float32{0.1}}
	r := newTestRetriever(t, store, embedder, nil)

	result, err := r.Retrieve(context.Background(), "wind turbines", 5)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.Equal(t, 0, result.Results[0].Chunk.SequenceIndex)
	assert.Equal(t, []models.Source{models.SourceLexical}, result.Sources)
}

func TestRetrieveDegradesWhenEmbeddingFails(t *testing.T) {
	store := &MockSearcher{
		lexHits: []models.Hit{hit(0, 1.0)},
	}
	embedder := &MockEmbedder{err: errors.New("model not loaded")}
	r := newTestRetriever(t, store, embedder, nil)

	result, err := r.Retrieve(context.Background(), "wind turbines", 5)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, []models.Source{models.SourceLexical}, result.Sources)

	// The vector search is never reached without a query vector.
	assert.Equal(t, 0, store.vecCalls)
}

func TestRetrieveFailsWhenBothPathsFail(t *testing.T) {
	store := &MockSearcher{
		lexErr: errors.New("fts index offline"),
		vecErr: errors.New("vector scan failed"),
	}
	embedder := &MockEmbedder{vector: []float32{0.1}}
	r := newTestRetriever(t, store, embedder, nil)

	result, err := r.Retrieve(context.Background(), "wind turbines", 5)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, models.ErrRetrievalUnavailable))
	assert.Equal(t, models.FaultBackendUnavailable, models.KindOf(err))
	assert.True(t, models.IsRetryable(err))
}

func TestRetrieveEmptyQuery(t *testing.T) {
	store := &MockSearcher{}
	embedder := &MockEmbedder{vector: []float32{0.1}}
	r := newTestRetriever(t, store, embedder, nil)

	result, err := r.Retrieve(context.Background(), "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, result.Results)
	assert.Equal(t, 0, store.lexCalls)
	assert.Equal(t, 0, store.vecCalls)
	assert.Equal(t, 0, embedder.calls)
}

func TestRetrieveTruncatesAndOverFetches(t *testing.T) {
	store := &MockSearcher{
		lexHits: []models.Hit{hit(0, 5), hit(1, 4), hit(2, 3), hit(3, 2), hit(4, 1)},
	}
	embedder := &MockEmbedder{vector: []float32{0.1}}
	r := newTestRetriever(t, store, embedder, nil)

	result, err := r.Retrieve(context.Background(), "query", 2)
	require.NoError(t, err)
	assert.Len(t, result.Results, 2)

	// Each path is asked for multiplier*k candidates.
	assert.Equal(t, 6, store.lastLexK)
	assert.Equal(t, 6, store.lastVecK)
}

func TestRetrieveDefaultsKFromConfig(t *testing.T) {
	store := &MockSearcher{
		lexHits: []models.Hit{hit(0, 2), hit(1, 1)},
	}
	embedder := &MockEmbedder{vector: []float32{0.1}}
	r := newTestRetriever(t, store, embedder, &Config{
		TopK:                  1,
		SemanticWeight:        0.5,
		LexicalWeight:         0.5,
		PreRetrieveMultiplier: 1,
	})

	result, err := r.Retrieve(context.Background(), "query", 0)
	require.NoError(t, err)
	assert.Len(t, result.Results, 1)
}

func TestRetrieveMinScoreFilters(t *testing.T) {
	store := &MockSearcher{
		lexHits: []models.Hit{hit(0, 0.9), hit(1, 0.5)},
		vecHits: []models.Hit{hit(1, 0.8), hit(2, 0.6)},
	}
	embedder := &MockEmbedder{vector: []float32{0.1}}
	r := newTestRetriever(t, store, embedder, &Config{
		TopK:                  10,
		SemanticWeight:        0.5,
		LexicalWeight:         0.5,
		PreRetrieveMultiplier: 3,
		MinScore:              0.4,
	})

	result, err := r.Retrieve(context.Background(), "query", 10)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	for _, sc := range result.Results {
		assert.GreaterOrEqual(t, sc.Score, 0.4)
	}
}

func TestNormalize(t *testing.T) {
	t.Run("empty list", func(t *testing.T) {
		assert.Empty(t, normalize(nil))
	})

	t.Run("single hit becomes 1.0", func(t *testing.T) {
		out := normalize([]models.Hit{hit(0, 0.37)})
		require.Len(t, out, 1)
		assert.InDelta(t, 1.0, out[0].Score, 1e-9)
	})

	t.Run("constant list becomes 1.0", func(t *testing.T) {
		out := normalize([]models.Hit{hit(0, 2.5), hit(1, 2.5)})
		assert.InDelta(t, 1.0, out[0].Score, 1e-9)
		assert.InDelta(t, 1.0, out[1].Score, 1e-9)
	})

	t.Run("min-max spans the unit interval", func(t *testing.T) {
		out := normalize([]models.Hit{hit(0, -4), hit(1, 0), hit(2, 4)})
		assert.InDelta(t, 0.0, out[0].Score, 1e-9)
		assert.InDelta(t, 0.5, out[1].Score, 1e-9)
		assert.InDelta(t, 1.0, out[2].Score, 1e-9)
	})

	t.Run("input scores are not mutated", func(t *testing.T) {
		in := []models.Hit{hit(0, 3), hit(1, 7)}
		_ = normalize(in)
		assert.Equal(t, 3.0, in[0].Score)
		assert.Equal(t, 7.0, in[1].Score)
	})
}
