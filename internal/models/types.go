package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// documentNamespace seeds deterministic document identities. A document is
// identified by its source URI, so re-ingesting the same source always maps
// to the same document ID.
var documentNamespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

// NewDocumentID derives the stable identity for a source URI.
func NewDocumentID(sourceURI string) uuid.UUID {
	return uuid.NewSHA1(documentNamespace, []byte(sourceURI))
}

// NewChunkID derives a chunk identity from its parent document and its
// position in the chunk sequence. Re-chunking the same document yields the
// same IDs, which is what makes re-ingestion idempotent.
func NewChunkID(documentID uuid.UUID, sequenceIndex int) uuid.UUID {
	return uuid.NewSHA1(documentID, []byte(strconv.Itoa(sequenceIndex)))
}

type Document struct {
	ID          uuid.UUID `json:"id" db:"id"`
	SourceURI   string    `json:"source_uri" db:"source_uri"`
	MIMEType    string    `json:"mime_type" db:"mime_type"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	Version     int       `json:"version" db:"version"`
	IngestedAt  time.Time `json:"ingested_at" db:"ingested_at"`
}

// Block is one unit of parsed document content in reading order. Page is
// 1-based where the format has pages, zero otherwise.
type Block struct {
	Text    string `json:"text"`
	Page    int    `json:"page,omitempty"`
	Section string `json:"section,omitempty"`
}

// TokenSpan is a half-open [Start, End) range over the document-wide
// normalized token stream.
type TokenSpan struct {
	Start int `json:"start" db:"token_start"`
	End   int `json:"end" db:"token_end"`
}

func (s TokenSpan) Len() int { return s.End - s.Start }

type Chunk struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	DocumentID    uuid.UUID         `json:"document_id" db:"document_id"`
	Text          string            `json:"text" db:"text"`
	TokenSpan     TokenSpan         `json:"token_span"`
	SequenceIndex int               `json:"sequence_index" db:"sequence_index"`
	Metadata      map[string]string `json:"metadata,omitempty" db:"metadata"`
}

type Embedding struct {
	ChunkID uuid.UUID `json:"chunk_id" db:"chunk_id"`
	Vector  []float32 `json:"vector" db:"vector"`
	ModelID string    `json:"model_id" db:"model_id"`
}

// IndexEntry pairs a chunk with its embedding for storage. A store must
// persist or drop both together; an entry without a live chunk is a bug.
type IndexEntry struct {
	Chunk     Chunk     `json:"chunk"`
	Embedding Embedding `json:"embedding"`
}

// Source names which search path produced a score.
type Source string

const (
	SourceLexical  Source = "lexical"
	SourceSemantic Source = "semantic"
	SourceFused    Source = "fused"
)

// Hit is a raw, un-normalized match from a single search path.
type Hit struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

type ScoredChunk struct {
	Chunk  Chunk   `json:"chunk"`
	Score  float64 `json:"score"`
	Source Source  `json:"source"`
}

// RetrievalResult is an immutable snapshot of one retrieval pass, ordered by
// descending fused score. Sources lists the paths that actually contributed,
// so callers can see when the retriever degraded to a single path.
type RetrievalResult struct {
	Query     string        `json:"query"`
	Results   []ScoredChunk `json:"results"`
	Sources   []Source      `json:"sources"`
	CreatedAt time.Time     `json:"created_at"`
}

// ChunkIDs returns the result chunk IDs in rank order.
func (r *RetrievalResult) ChunkIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(r.Results))
	for i, sc := range r.Results {
		ids[i] = sc.Chunk.ID
	}
	return ids
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Answer struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	ModelID      string `json:"model_id"`
	Usage        Usage  `json:"usage"`
}

// StreamEvent is one ordered fragment of a streaming generation. The final
// event has Done set and carries the finish reason and usage; Err is set
// instead when the stream terminates abnormally.
type StreamEvent struct {
	Delta        string `json:"delta"`
	Done         bool   `json:"done"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	Err          error  `json:"-"`
}

// GenerationState tracks a generation request through its lifecycle.
type GenerationState string

const (
	StatePending   GenerationState = "pending"
	StateInFlight  GenerationState = "in_flight"
	StateSucceeded GenerationState = "succeeded"
	StateFailed    GenerationState = "failed"
	StateTimedOut  GenerationState = "timed_out"
)

// ConversationTurn is one append-only audit record of a completed query.
type ConversationTurn struct {
	ID                uuid.UUID   `json:"id" db:"id"`
	Query             string      `json:"query" db:"query"`
	RetrievedChunkIDs []uuid.UUID `json:"retrieved_chunk_ids" db:"retrieved_chunk_ids"`
	PromptText        string      `json:"prompt_text" db:"prompt_text"`
	AnswerText        string      `json:"answer_text" db:"answer_text"`
	ModelID           string      `json:"model_id" db:"model_id"`
	LatencyMS         int64       `json:"latency_ms" db:"latency_ms"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
}
