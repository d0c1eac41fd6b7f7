package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewDocumentID(t *testing.T) {
	t.Run("same source yields same identity", func(t *testing.T) {
		a := NewDocumentID("file:///corpus/handbook.pdf")
		b := NewDocumentID("file:///corpus/handbook.pdf")
		assert.Equal(t, a, b)
	})

	t.Run("different sources yield different identities", func(t *testing.T) {
		a := NewDocumentID("file:///corpus/handbook.pdf")
		b := NewDocumentID("file:///corpus/faq.html")
		assert.NotEqual(t, a, b)
	})
}

func TestNewChunkID(t *testing.T) {
	docID := NewDocumentID("file:///corpus/handbook.pdf")

	t.Run("deterministic per sequence index", func(t *testing.T) {
		assert.Equal(t, NewChunkID(docID, 0), NewChunkID(docID, 0))
		assert.Equal(t, NewChunkID(docID, 7), NewChunkID(docID, 7))
	})

	t.Run("distinct across sequence indexes", func(t *testing.T) {
		assert.NotEqual(t, NewChunkID(docID, 0), NewChunkID(docID, 1))
	})

	t.Run("distinct across documents", func(t *testing.T) {
		other := NewDocumentID("file:///corpus/faq.html")
		assert.NotEqual(t, NewChunkID(docID, 0), NewChunkID(other, 0))
	})
}

func TestTokenSpanLen(t *testing.T) {
	span := TokenSpan{Start: 10, End: 25}
	assert.Equal(t, 15, span.Len())
}

func TestRetrievalResultChunkIDs(t *testing.T) {
	first := uuid.New()
	second := uuid.New()
	res := &RetrievalResult{
		Results: []ScoredChunk{
			{Chunk: Chunk{ID: first}, Score: 0.9},
			{Chunk: Chunk{ID: second}, Score: 0.4},
		},
	}

	assert.Equal(t, []uuid.UUID{first, second}, res.ChunkIDs())
}
