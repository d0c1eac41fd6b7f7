// Package chunker slices parsed documents into retrieval units over the
// shared normalized token stream. Chunk identities are a pure function of
// (document ID, sequence index), so re-chunking an unchanged document
// produces byte-identical chunks.
package chunker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quarry-ai/quarry/internal/models"
	"github.com/quarry-ai/quarry/internal/tokenizer"
)

const (
	PolicySentence  = "sentence"
	PolicyParagraph = "paragraph"
	PolicyFixed     = "fixed"
)

type Config struct {
	// MaxTokens is the hard upper bound per chunk.
	MaxTokens int `yaml:"max_tokens"`
	// OverlapTokens is carried from the tail of each chunk into the next.
	OverlapTokens int `yaml:"overlap_tokens"`
	// MinTokens is the smallest chunk a boundary cut may produce; the final
	// chunk of a document may still be shorter.
	MinTokens int `yaml:"min_tokens"`
	// BoundaryPolicy is sentence, paragraph or fixed.
	BoundaryPolicy string `yaml:"boundary_policy"`
}

func DefaultConfig() *Config {
	return &Config{
		MaxTokens:      512,
		OverlapTokens:  32,
		MinTokens:      64,
		BoundaryPolicy: PolicySentence,
	}
}

func (c *Config) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", models.ErrInvalidConfig)
	}
	if c.OverlapTokens < 0 {
		return fmt.Errorf("%w: overlap_tokens must not be negative", models.ErrInvalidConfig)
	}
	if c.OverlapTokens >= c.MaxTokens {
		return fmt.Errorf("%w: overlap_tokens %d must be smaller than max_tokens %d", models.ErrInvalidConfig, c.OverlapTokens, c.MaxTokens)
	}
	if c.MinTokens < 0 || c.MinTokens > c.MaxTokens {
		return fmt.Errorf("%w: min_tokens must be within [0, max_tokens]", models.ErrInvalidConfig)
	}
	switch c.BoundaryPolicy {
	case PolicySentence, PolicyParagraph, PolicyFixed:
	default:
		return fmt.Errorf("%w: unknown boundary_policy %q", models.ErrInvalidConfig, c.BoundaryPolicy)
	}
	return nil
}

type Chunker struct {
	config *Config
	logger *logrus.Logger
}

func NewChunker(config *Config, logger *logrus.Logger) (*Chunker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Chunker{
		config: config,
		logger: logger,
	}, nil
}

// token is one word of the document stream, tagged with the block it came
// from so boundary policies can see paragraph breaks.
type token struct {
	text  string
	block int
}

// Chunk splits the document's blocks into ordered chunks. An empty document
// yields no chunks and no error.
func (c *Chunker) Chunk(documentID uuid.UUID, blocks []models.Block) ([]models.Chunk, error) {
	stream := tokenStream(blocks)
	if len(stream) == 0 {
		return nil, nil
	}

	var chunks []models.Chunk
	start, prevEnd := 0, 0
	for seq := 0; start < len(stream); seq++ {
		end := c.cutPoint(stream, start, prevEnd)
		chunks = append(chunks, c.build(documentID, seq, stream, start, end, blocks))
		if end >= len(stream) {
			break
		}
		prevEnd = end
		if next := end - c.config.OverlapTokens; next > start {
			start = next
		} else {
			start = end
		}
	}

	c.logger.WithFields(logrus.Fields{
		"document_id": documentID,
		"tokens":      len(stream),
		"chunks":      len(chunks),
		"policy":      c.config.BoundaryPolicy,
	}).Debug("Chunked document")

	return chunks, nil
}

func tokenStream(blocks []models.Block) []token {
	var stream []token
	for bi, block := range blocks {
		for _, word := range tokenizer.Tokens(block.Text) {
			stream = append(stream, token{text: word, block: bi})
		}
	}
	return stream
}

// cutPoint finds the exclusive end of the chunk starting at start. Boundary
// policies walk back from the hard cap looking for the latest allowed break
// that keeps at least MinTokens in the chunk and extends past the previous
// chunk's end; if none exists the cap wins.
func (c *Chunker) cutPoint(stream []token, start, prevEnd int) int {
	limit := start + c.config.MaxTokens
	if limit >= len(stream) {
		return len(stream)
	}
	if c.config.BoundaryPolicy == PolicyFixed {
		return limit
	}

	floor := start + c.config.MinTokens
	if floor <= start {
		floor = start + 1
	}
	if floor < prevEnd {
		floor = prevEnd
	}
	for i := limit - 1; i >= floor; i-- {
		if c.isBreakAfter(stream, i) {
			return i + 1
		}
	}
	return limit
}

func (c *Chunker) isBreakAfter(stream []token, i int) bool {
	paragraphBreak := i+1 < len(stream) && stream[i+1].block != stream[i].block
	if c.config.BoundaryPolicy == PolicyParagraph {
		return paragraphBreak
	}
	return paragraphBreak || tokenizer.IsSentenceEnd(stream[i].text)
}

func (c *Chunker) build(documentID uuid.UUID, seq int, stream []token, start, end int, blocks []models.Block) models.Chunk {
	words := make([]string, end-start)
	for i := start; i < end; i++ {
		words[i-start] = stream[i].text
	}

	meta := make(map[string]string)
	first := blocks[stream[start].block]
	if first.Page > 0 {
		meta["page"] = strconv.Itoa(first.Page)
	}
	if first.Section != "" {
		meta["section"] = first.Section
	}
	if last := blocks[stream[end-1].block]; last.Page > first.Page {
		meta["page_end"] = strconv.Itoa(last.Page)
	}
	if len(meta) == 0 {
		meta = nil
	}

	return models.Chunk{
		ID:            models.NewChunkID(documentID, seq),
		DocumentID:    documentID,
		Text:          tokenizer.Join(words),
		TokenSpan:     models.TokenSpan{Start: start, End: end},
		SequenceIndex: seq,
		Metadata:      meta,
	}
}

// NormalizedText is the document-wide normalized text the chunks cover.
func NormalizedText(blocks []models.Block) string {
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if t := tokenizer.Normalize(block.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Reconstruct stitches ordered chunks back into the normalized document
// text, dropping each chunk's overlap with its predecessor.
func Reconstruct(chunks []models.Chunk) string {
	var (
		words   []string
		prevEnd int
	)
	for _, ch := range chunks {
		toks := strings.Fields(ch.Text)
		skip := prevEnd - ch.TokenSpan.Start
		if skip < 0 {
			skip = 0
		}
		if skip > len(toks) {
			skip = len(toks)
		}
		words = append(words, toks[skip:]...)
		if ch.TokenSpan.End > prevEnd {
			prevEnd = ch.TokenSpan.End
		}
	}
	return tokenizer.Join(words)
}
