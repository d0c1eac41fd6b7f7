// Package memory provides an in-process index store. It keeps an inverted
// index scored with BM25 for lexical search and brute-forces cosine
// similarity for vector search, which is plenty for tests, local runs, and
// small corpora.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/index"
	"github.com/quarry-ai/quarry/internal/models"
)

// BM25 parameters, standard values.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Config holds in-memory store configuration.
type Config struct {
	// Dimension pins the expected embedding width. Zero disables the
	// check; non-zero makes mismatched upserts and queries fail loudly.
	Dimension int `yaml:"dimension"`
}

// DefaultConfig returns default in-memory store configuration.
func DefaultConfig() *Config {
	return &Config{Dimension: 0}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Dimension < 0 {
		return fmt.Errorf("%w: dimension must be non-negative", models.ErrInvalidConfig)
	}
	return nil
}

type entry struct {
	chunk   models.Chunk
	vector  []float32
	modelID string
	length  int // term count, for BM25 length normalization
}

// Store is an in-memory index.Store implementation.
type Store struct {
	config *Config
	logger *logrus.Logger

	mu       sync.RWMutex
	entries  map[uuid.UUID]*entry
	byDoc    map[uuid.UUID]map[uuid.UUID]struct{}
	postings map[string]map[uuid.UUID]int
	docs     map[uuid.UUID]models.Document
	totalLen int
}

var _ index.Store = (*Store)(nil)

// NewStore creates a new in-memory store.
func NewStore(config *Config, logger *logrus.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Store{
		config:   config,
		logger:   logger,
		entries:  make(map[uuid.UUID]*entry),
		byDoc:    make(map[uuid.UUID]map[uuid.UUID]struct{}),
		postings: make(map[string]map[uuid.UUID]int),
		docs:     make(map[uuid.UUID]models.Document),
	}, nil
}

// Upsert inserts or replaces entries. Each entry is applied atomically;
// entries already applied stay applied when a later one is rejected.
func (s *Store) Upsert(ctx context.Context, entries []models.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if err := s.validateEntry(e); err != nil {
			return err
		}
		s.removeLocked(e.Chunk.ID)
		s.insertLocked(e)
	}
	return nil
}

func (s *Store) validateEntry(e models.IndexEntry) error {
	if e.Chunk.ID == uuid.Nil {
		return models.InputFault("index.upsert", fmt.Errorf("entry missing chunk id"))
	}
	if s.config.Dimension > 0 && len(e.Embedding.Vector) != s.config.Dimension {
		return models.InputFault("index.upsert", fmt.Errorf(
			"chunk %s: vector dimension %d does not match store dimension %d",
			e.Chunk.ID, len(e.Embedding.Vector), s.config.Dimension))
	}
	return nil
}

func (s *Store) insertLocked(e models.IndexEntry) {
	terms := index.Terms(e.Chunk.Text)
	ent := &entry{
		chunk:   e.Chunk,
		vector:  e.Embedding.Vector,
		modelID: e.Embedding.ModelID,
		length:  len(terms),
	}
	s.entries[e.Chunk.ID] = ent
	s.totalLen += ent.length

	for _, t := range terms {
		plist := s.postings[t]
		if plist == nil {
			plist = make(map[uuid.UUID]int)
			s.postings[t] = plist
		}
		plist[e.Chunk.ID]++
	}

	docSet := s.byDoc[e.Chunk.DocumentID]
	if docSet == nil {
		docSet = make(map[uuid.UUID]struct{})
		s.byDoc[e.Chunk.DocumentID] = docSet
	}
	docSet[e.Chunk.ID] = struct{}{}
}

func (s *Store) removeLocked(chunkID uuid.UUID) {
	ent, ok := s.entries[chunkID]
	if !ok {
		return
	}
	for _, t := range index.Terms(ent.chunk.Text) {
		if plist := s.postings[t]; plist != nil {
			if plist[chunkID] > 1 {
				plist[chunkID]--
			} else {
				delete(plist, chunkID)
				if len(plist) == 0 {
					delete(s.postings, t)
				}
			}
		}
	}
	if docSet := s.byDoc[ent.chunk.DocumentID]; docSet != nil {
		delete(docSet, chunkID)
		if len(docSet) == 0 {
			delete(s.byDoc, ent.chunk.DocumentID)
		}
	}
	s.totalLen -= ent.length
	delete(s.entries, chunkID)
}

// Delete removes the given chunks. Unknown IDs are ignored.
func (s *Store) Delete(ctx context.Context, chunkIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range chunkIDs {
		s.removeLocked(id)
	}
	return nil
}

// DeleteByDocument removes every chunk owned by the document.
func (s *Store) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(s.byDoc[documentID]))
	for id := range s.byDoc[documentID] {
		ids = append(ids, id)
	}
	for _, id := range ids {
		s.removeLocked(id)
	}
	return len(ids), nil
}

// SearchLexical ranks chunks by BM25 relevance to the query terms.
func (s *Store) SearchLexical(ctx context.Context, query string, k int) ([]models.Hit, error) {
	terms := index.Terms(query)
	if len(terms) == 0 || k <= 0 {
		return []models.Hit{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.entries)
	if n == 0 {
		return []models.Hit{}, nil
	}
	avgLen := float64(s.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[uuid.UUID]float64)
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}

		plist := s.postings[t]
		if len(plist) == 0 {
			continue
		}
		df := float64(len(plist))
		idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
		for id, tf := range plist {
			dl := float64(s.entries[id].length)
			freq := float64(tf)
			scores[id] += idf * freq * (bm25K1 + 1) /
				(freq + bm25K1*(1-bm25B+bm25B*dl/avgLen))
		}
	}

	hits := make([]models.Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, models.Hit{Chunk: s.entries[id].chunk, Score: score})
	}
	index.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// SearchVector ranks chunks by cosine similarity to the query vector.
func (s *Store) SearchVector(ctx context.Context, vector []float32, k int) ([]models.Hit, error) {
	if index.ZeroVector(vector) || k <= 0 {
		return []models.Hit{}, nil
	}
	if s.config.Dimension > 0 && len(vector) != s.config.Dimension {
		return nil, models.InputFault("index.search_vector", fmt.Errorf(
			"query dimension %d does not match store dimension %d",
			len(vector), s.config.Dimension))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]models.Hit, 0, len(s.entries))
	for _, ent := range s.entries {
		if len(ent.vector) != len(vector) {
			continue
		}
		hits = append(hits, models.Hit{
			Chunk: ent.chunk,
			Score: index.Cosine(ent.vector, vector),
		})
	}
	index.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// PutDocument records or supersedes document bookkeeping.
func (s *Store) PutDocument(ctx context.Context, doc models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[doc.ID] = doc
	return nil
}

// GetDocument looks up a document by ID.
func (s *Store) GetDocument(ctx context.Context, documentID uuid.UUID) (models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[documentID]
	if !ok {
		return models.Document{}, models.NotFoundFault("index.get_document",
			fmt.Errorf("document %s: %w", documentID, models.ErrNotFound))
	}
	return doc, nil
}

// ListDocuments returns all documents ordered by source URI.
func (s *Store) ListDocuments(ctx context.Context) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]models.Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].SourceURI < docs[j].SourceURI })
	return docs, nil
}

// Count reports the number of indexed chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Close releases the store's memory.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[uuid.UUID]*entry)
	s.byDoc = make(map[uuid.UUID]map[uuid.UUID]struct{})
	s.postings = make(map[string]map[uuid.UUID]int)
	s.docs = make(map[uuid.UUID]models.Document)
	s.totalLen = 0
	return nil
}
