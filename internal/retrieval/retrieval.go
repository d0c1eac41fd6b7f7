// Package retrieval implements hybrid search over an index store. The
// lexical and semantic paths run concurrently, their rankings are normalized
// and fused with configurable weights, and a single failed path degrades to
// the surviving ranking instead of failing the query.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/models"
)

// Searcher is the slice of the index store contract the retriever queries.
type Searcher interface {
	SearchLexical(ctx context.Context, query string, k int) ([]models.Hit, error)
	SearchVector(ctx context.Context, vector []float32, k int) ([]models.Hit, error)
}

// QueryEmbedder produces the query-side vector using the same model and
// dimensionality as the indexed chunks.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config holds retriever configuration.
type Config struct {
	// TopK is the result count used when the caller passes k <= 0.
	TopK int `yaml:"top_k"`
	// SemanticWeight and LexicalWeight set the fusion balance. They are
	// normalized to sum to one at query time, so fused scores stay in
	// [0,1] regardless of the raw values.
	SemanticWeight float64 `yaml:"semantic_weight"`
	LexicalWeight  float64 `yaml:"lexical_weight"`
	// PreRetrieveMultiplier asks each path for multiplier*k candidates so
	// the fused ranking has more than k to draw from.
	PreRetrieveMultiplier int `yaml:"pre_retrieve_multiplier"`
	// MinScore drops fused results scoring below it when positive.
	MinScore float64 `yaml:"min_score"`
}

// DefaultConfig returns default retriever configuration.
func DefaultConfig() *Config {
	return &Config{
		TopK:                  10,
		SemanticWeight:        0.5,
		LexicalWeight:         0.5,
		PreRetrieveMultiplier: 3,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.TopK <= 0 {
		return fmt.Errorf("%w: top_k must be positive", models.ErrInvalidConfig)
	}
	if c.SemanticWeight < 0 || c.LexicalWeight < 0 {
		return fmt.Errorf("%w: fusion weights must be non-negative", models.ErrInvalidConfig)
	}
	if c.SemanticWeight+c.LexicalWeight == 0 {
		return fmt.Errorf("%w: at least one fusion weight must be positive", models.ErrInvalidConfig)
	}
	if c.PreRetrieveMultiplier < 1 {
		return fmt.Errorf("%w: pre_retrieve_multiplier must be at least 1", models.ErrInvalidConfig)
	}
	return nil
}

// Retriever runs hybrid queries against an index store.
type Retriever struct {
	store    Searcher
	embedder QueryEmbedder
	config   *Config
	logger   *logrus.Logger
}

// NewRetriever creates a new hybrid retriever.
func NewRetriever(store Searcher, embedder QueryEmbedder, config *Config, logger *logrus.Logger) (*Retriever, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Retriever{
		store:    store,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}, nil
}

// Retrieve runs the lexical and semantic paths concurrently and fuses their
// rankings. It fails only when both paths fail; a single failed path is
// logged and the surviving ranking is used alone. Sources on the result
// reports which paths succeeded, so callers can see a degraded answer.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) (*models.RetrievalResult, error) {
	if k <= 0 {
		k = r.config.TopK
	}

	result := &models.RetrievalResult{
		Query:     query,
		Results:   []models.ScoredChunk{},
		Sources:   []models.Source{},
		CreatedAt: time.Now().UTC(),
	}
	if strings.TrimSpace(query) == "" {
		return result, nil
	}

	preK := k * r.config.PreRetrieveMultiplier

	var wg sync.WaitGroup
	var lexHits, semHits []models.Hit
	var lexErr, semErr error

	wg.Add(2)

	go func() {
		defer wg.Done()
		lexHits, lexErr = r.store.SearchLexical(ctx, query, preK)
	}()

	go func() {
		defer wg.Done()
		vector, err := r.embedder.EmbedQuery(ctx, query)
		if err != nil {
			semErr = fmt.Errorf("embedding query: %w", err)
			return
		}
		semHits, semErr = r.store.SearchVector(ctx, vector, preK)
	}()

	wg.Wait()

	if lexErr != nil && semErr != nil {
		return nil, models.BackendFault("retrieve", fmt.Errorf(
			"%w: lexical: %v; semantic: %v", models.ErrRetrievalUnavailable, lexErr, semErr))
	}
	if lexErr != nil {
		r.logger.WithError(lexErr).Warn("Lexical search failed, using semantic ranking alone")
	}
	if semErr != nil {
		r.logger.WithError(semErr).Warn("Semantic search failed, using lexical ranking alone")
	}

	result.Results = r.fuse(lexHits, semHits, k)
	if lexErr == nil {
		result.Sources = append(result.Sources, models.SourceLexical)
	}
	if semErr == nil {
		result.Sources = append(result.Sources, models.SourceSemantic)
	}

	r.logger.WithFields(logrus.Fields{
		"lexical_count":  len(lexHits),
		"semantic_count": len(semHits),
		"fused_count":    len(result.Results),
		"k":              k,
	}).Debug("Hybrid retrieval completed")

	return result, nil
}

type fusedEntry struct {
	chunk models.Chunk
	lex   float64
	sem   float64
	inLex bool
	inSem bool
}

// fuse merges the two rankings. Scores are min-max normalized within each
// list, deduplicated by chunk ID, combined as a weighted sum, and ordered
// with ties broken by lower sequence index then chunk ID.
func (r *Retriever) fuse(lexHits, semHits []models.Hit, k int) []models.ScoredChunk {
	wSem := r.config.SemanticWeight / (r.config.SemanticWeight + r.config.LexicalWeight)
	wLex := 1 - wSem

	merged := make(map[uuid.UUID]*fusedEntry)
	for _, h := range normalize(lexHits) {
		e := merged[h.Chunk.ID]
		if e == nil {
			e = &fusedEntry{chunk: h.Chunk}
			merged[h.Chunk.ID] = e
		}
		if !e.inLex || h.Score > e.lex {
			e.lex = h.Score
			e.inLex = true
		}
	}
	for _, h := range normalize(semHits) {
		e := merged[h.Chunk.ID]
		if e == nil {
			e = &fusedEntry{chunk: h.Chunk}
			merged[h.Chunk.ID] = e
		}
		if !e.inSem || h.Score > e.sem {
			e.sem = h.Score
			e.inSem = true
		}
	}

	results := make([]models.ScoredChunk, 0, len(merged))
	for _, e := range merged {
		source := models.SourceFused
		switch {
		case e.inLex && !e.inSem:
			source = models.SourceLexical
		case e.inSem && !e.inLex:
			source = models.SourceSemantic
		}
		results = append(results, models.ScoredChunk{
			Chunk:  e.chunk,
			Score:  wLex*e.lex + wSem*e.sem,
			Source: source,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Chunk.SequenceIndex != results[j].Chunk.SequenceIndex {
			return results[i].Chunk.SequenceIndex < results[j].Chunk.SequenceIndex
		}
		return results[i].Chunk.ID.String() < results[j].Chunk.ID.String()
	})

	if len(results) > k {
		results = results[:k]
	}
	if r.config.MinScore > 0 {
		filtered := make([]models.ScoredChunk, 0, len(results))
		for _, sc := range results {
			if sc.Score >= r.config.MinScore {
				filtered = append(filtered, sc)
			}
		}
		results = filtered
	}
	return results
}

// normalize rescales scores to [0,1] within one list with min-max. A list
// whose scores are all equal, including a single-hit list, normalizes to
// 1.0 for every hit.
func normalize(hits []models.Hit) []models.Hit {
	if len(hits) == 0 {
		return hits
	}

	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}

	out := make([]models.Hit, len(hits))
	for i, h := range hits {
		if hi == lo {
			h.Score = 1.0
		} else {
			h.Score = (h.Score - lo) / (hi - lo)
		}
		out[i] = h
	}
	return out
}
