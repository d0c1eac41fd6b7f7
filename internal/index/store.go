// Package index defines the contract shared by all index store backends.
//
// A Store persists chunks together with their embeddings and serves both
// lexical (keyword) and vector (nearest-neighbor) queries over them. Backends
// are pluggable: the in-memory store, the SQLite store, and the Postgres
// store all satisfy the same contract, and the retriever only ever sees it.
package index

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/internal/models"
)

// Store is the index backend contract.
//
// Upsert is transactional per chunk: an entry's lexical and vector
// representations become visible together or not at all, and a failed entry
// never corrupts entries already applied. The search methods return an empty
// slice, never an error, when the index is empty or the query carries no
// signal (blank text, zero vector, non-positive k).
type Store interface {
	// Upsert inserts or replaces entries keyed by chunk ID.
	Upsert(ctx context.Context, entries []models.IndexEntry) error

	// Delete removes the given chunks. Unknown IDs are ignored.
	Delete(ctx context.Context, chunkIDs []uuid.UUID) error

	// DeleteByDocument removes every chunk owned by the document and
	// reports how many were removed.
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int, error)

	// SearchLexical ranks chunks by keyword relevance to the query text.
	SearchLexical(ctx context.Context, query string, k int) ([]models.Hit, error)

	// SearchVector ranks chunks by similarity to the query vector.
	SearchVector(ctx context.Context, vector []float32, k int) ([]models.Hit, error)

	// PutDocument records or supersedes document-level bookkeeping.
	PutDocument(ctx context.Context, doc models.Document) error

	// GetDocument returns an error wrapping models.ErrNotFound for
	// unknown IDs.
	GetDocument(ctx context.Context, documentID uuid.UUID) (models.Document, error)

	// ListDocuments returns all known documents ordered by source URI.
	ListDocuments(ctx context.Context) ([]models.Document, error)

	// Count reports the number of indexed chunks.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Terms lowercases text and splits it into index terms on runs of
// non-letter, non-digit runes. Lexical indexing and query parsing both go
// through it so documents and queries agree on term boundaries.
func Terms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// ZeroVector reports whether v is empty or all zeros. Such a vector carries
// no direction to compare against, so stores return no hits for it.
func ZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Cosine returns the cosine similarity of two vectors. Mismatched lengths
// and zero-magnitude inputs score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SortHits orders hits by descending score, breaking ties by lower sequence
// index and then chunk ID so rankings are stable across runs.
func SortHits(hits []models.Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Chunk.SequenceIndex != hits[j].Chunk.SequenceIndex {
			return hits[i].Chunk.SequenceIndex < hits[j].Chunk.SequenceIndex
		}
		return hits[i].Chunk.ID.String() < hits[j].Chunk.ID.String()
	})
}
