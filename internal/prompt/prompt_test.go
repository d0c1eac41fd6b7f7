package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/internal/models"
	"github.com/quarry-ai/quarry/internal/tokenizer"
)

const testTemplatesYAML = `templates:
  bare: "BEGIN {context} END {query}"
  chat: |-
    History:
    {history}
    Context:
    {context}
    Question: {query}
`

func writeTestTemplates(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testTemplatesYAML), 0o644))
	return path
}

func testChunk(seq int, text string) models.Chunk {
	docID := models.NewDocumentID("docs://handbook")
	return models.Chunk{
		ID:            models.NewChunkID(docID, seq),
		DocumentID:    docID,
		Text:          text,
		SequenceIndex: seq,
		Metadata:      map[string]string{"source": "docs://handbook"},
	}
}

func testResult(chunks ...models.Chunk) *models.RetrievalResult {
	res := &models.RetrievalResult{
		Query:     "test query",
		Results:   []models.ScoredChunk{},
		Sources:   []models.Source{models.SourceLexical, models.SourceSemantic},
		CreatedAt: time.Now().UTC(),
	}
	for i, c := range chunks {
		res.Results = append(res.Results, models.ScoredChunk{
			Chunk:  c,
			Score:  1.0 - 0.1*float64(i),
			Source: models.SourceFused,
		})
	}
	return res
}

// contextSection extracts the rendered context from a bare-template prompt.
func contextSection(t *testing.T, prompt string) string {
	t.Helper()
	start := strings.Index(prompt, "BEGIN ")
	end := strings.Index(prompt, " END")
	require.GreaterOrEqual(t, start, 0)
	require.Greater(t, end, start)
	return prompt[start+len("BEGIN ") : end]
}

func TestNewTemplate(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		missingSlot string
	}{
		{"all slots", "H {history} C {context} Q {query}", ""},
		{"history optional", "C {context} Q {query}", ""},
		{"missing query", "C {context}", SlotQuery},
		{"missing context", "Q {query}", SlotContext},
		{"empty text", "", SlotQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := NewTemplate("t", tt.text)
			if tt.missingSlot == "" {
				require.NoError(t, err)
				assert.Equal(t, "t", tmpl.Name())
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrTemplateMissingSlot))
			assert.Equal(t, models.FaultInput, models.KindOf(err))
			assert.Contains(t, err.Error(), tt.missingSlot)
		})
	}
}

func TestTemplateRender(t *testing.T) {
	tmpl, err := NewTemplate("t", "{history}|{context}|{query}")
	require.NoError(t, err)

	out := tmpl.Render("the query", "the context", "the history")
	assert.Equal(t, "the history|the context|the query", out)
}

func TestLoadTemplates(t *testing.T) {
	t.Run("empty path yields builtin only", func(t *testing.T) {
		templates, err := LoadTemplates("")
		require.NoError(t, err)
		require.Len(t, templates, 1)
		require.Contains(t, templates, DefaultTemplateName)
	})

	t.Run("file entries extend and override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "templates.yaml")
		content := "templates:\n" +
			"  qa: \"OVERRIDE {context} {query}\"\n" +
			"  summary: \"Summarize {context} for {query}\"\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		templates, err := LoadTemplates(path)
		require.NoError(t, err)
		require.Len(t, templates, 2)
		assert.Equal(t, "OVERRIDE ctx q", templates["qa"].Render("q", "ctx", ""))
		assert.Contains(t, templates, "summary")
	})

	t.Run("invalid template in file fails load", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "templates.yaml")
		content := "templates:\n  broken: \"no slots at all\"\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		_, err := LoadTemplates(path)
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrTemplateMissingSlot))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTemplates(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "templates.yaml")
		require.NoError(t, os.WriteFile(path, []byte("templates: [unclosed"), 0o644))

		_, err := LoadTemplates(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse")
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults valid", func(c *Config) {}, ""},
		{"zero budget", func(c *Config) { c.ContextTokenBudget = 0 }, "context_token_budget"},
		{"negative history", func(c *Config) { c.HistoryTurns = -1 }, "history_turns"},
		{"empty template name", func(c *Config) { c.TemplateName = "" }, "template_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNewEngine(t *testing.T) {
	t.Run("nil config and logger use defaults", func(t *testing.T) {
		engine, err := NewEngine(nil, nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultTemplateName, engine.Template().Name())
	})

	t.Run("unknown template name", func(t *testing.T) {
		config := DefaultConfig()
		config.TemplateName = "nope"
		_, err := NewEngine(config, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("template file selection", func(t *testing.T) {
		config := DefaultConfig()
		config.TemplatePath = writeTestTemplates(t)
		config.TemplateName = "bare"
		engine, err := NewEngine(config, nil)
		require.NoError(t, err)
		assert.Equal(t, "bare", engine.Template().Name())
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := NewEngine(&Config{}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})
}

func TestBuildSubstitutesSlots(t *testing.T) {
	config := DefaultConfig()
	config.TemplatePath = writeTestTemplates(t)
	config.TemplateName = "bare"
	engine, err := NewEngine(config, nil)
	require.NoError(t, err)

	chunk := testChunk(0, "grapes grow on vines")
	prompt, err := engine.Build("how do grapes grow", testResult(chunk), nil)
	require.NoError(t, err)

	assert.Contains(t, prompt, "END how do grapes grow")
	assert.Contains(t, prompt, fmt.Sprintf("[chunk %s | docs://handbook] grapes grow on vines", chunk.ID))
}

func TestBuildContextInRankOrder(t *testing.T) {
	engine, err := NewEngine(nil, nil)
	require.NoError(t, err)

	first := testChunk(3, "ranked first by fusion")
	second := testChunk(1, "ranked second by fusion")
	prompt, err := engine.Build("q", testResult(first, second), nil)
	require.NoError(t, err)

	firstAt := strings.Index(prompt, first.ID.String())
	secondAt := strings.Index(prompt, second.ID.String())
	require.GreaterOrEqual(t, firstAt, 0)
	require.GreaterOrEqual(t, secondAt, 0)
	assert.Less(t, firstAt, secondAt, "chunks must appear in fused rank order, not sequence order")
}

func TestBuildBudgetTruncatesOnWordBoundary(t *testing.T) {
	// The provenance marker for these fixtures costs 4 tokens, so a 7-token
	// budget leaves room for exactly three words of the first chunk.
	config := &Config{
		ContextTokenBudget: 7,
		HistoryTurns:       4,
		TemplatePath:       writeTestTemplates(t),
		TemplateName:       "bare",
	}
	engine, err := NewEngine(config, nil)
	require.NoError(t, err)

	overflowing := testChunk(0, "alpha beta gamma delta epsilon")
	excluded := testChunk(1, "omega")
	prompt, err := engine.Build("q", testResult(overflowing, excluded), nil)
	require.NoError(t, err)

	assert.Contains(t, prompt, "alpha beta gamma")
	assert.NotContains(t, prompt, "delta")
	assert.NotContains(t, prompt, excluded.ID.String())
	assert.Equal(t, 7, tokenizer.Count(contextSection(t, prompt)))
}

func TestBuildBudgetSpansChunks(t *testing.T) {
	config := &Config{
		ContextTokenBudget: 12,
		HistoryTurns:       4,
		TemplatePath:       writeTestTemplates(t),
		TemplateName:       "bare",
	}
	engine, err := NewEngine(config, nil)
	require.NoError(t, err)

	full := testChunk(0, "alpha beta gamma")
	partial := testChunk(1, "one two three four five")
	prompt, err := engine.Build("q", testResult(full, partial), nil)
	require.NoError(t, err)

	assert.Contains(t, prompt, "alpha beta gamma")
	assert.Contains(t, prompt, partial.ID.String())
	assert.Contains(t, prompt, "] one")
	assert.NotContains(t, prompt, "two")
	assert.Equal(t, 12, tokenizer.Count(contextSection(t, prompt)))
}

func TestBuildStopsWhenNoRoomForMarker(t *testing.T) {
	config := &Config{
		ContextTokenBudget: 4,
		HistoryTurns:       4,
		TemplatePath:       writeTestTemplates(t),
		TemplateName:       "bare",
	}
	engine, err := NewEngine(config, nil)
	require.NoError(t, err)

	chunk := testChunk(0, "never rendered")
	prompt, err := engine.Build("q", testResult(chunk), nil)
	require.NoError(t, err)

	assert.Contains(t, prompt, "BEGIN  END")
	assert.NotContains(t, prompt, chunk.ID.String())
}

func TestBuildEmptyRetrieval(t *testing.T) {
	config := DefaultConfig()
	config.TemplatePath = writeTestTemplates(t)
	config.TemplateName = "bare"
	engine, err := NewEngine(config, nil)
	require.NoError(t, err)

	for _, res := range []*models.RetrievalResult{nil, testResult()} {
		prompt, err := engine.Build("q", res, nil)
		require.NoError(t, err)
		assert.Contains(t, prompt, "BEGIN  END")
	}
}

func TestBuildHistory(t *testing.T) {
	turns := []models.ConversationTurn{
		{Query: "oldest question", AnswerText: "oldest answer"},
		{Query: "middle question", AnswerText: "middle answer"},
		{Query: "latest question", AnswerText: "latest answer"},
	}

	config := DefaultConfig()
	config.TemplatePath = writeTestTemplates(t)
	config.TemplateName = "chat"
	config.HistoryTurns = 2
	engine, err := NewEngine(config, nil)
	require.NoError(t, err)

	prompt, err := engine.Build("q", testResult(testChunk(0, "ctx")), turns)
	require.NoError(t, err)

	assert.NotContains(t, prompt, "oldest question")
	assert.Contains(t, prompt, "User: middle question\nAssistant: middle answer")
	assert.Contains(t, prompt, "User: latest question\nAssistant: latest answer")
	assert.Less(t, strings.Index(prompt, "middle question"), strings.Index(prompt, "latest question"))
}

func TestBuildHistoryDisabled(t *testing.T) {
	config := DefaultConfig()
	config.TemplatePath = writeTestTemplates(t)
	config.TemplateName = "chat"
	config.HistoryTurns = 0
	engine, err := NewEngine(config, nil)
	require.NoError(t, err)

	turns := []models.ConversationTurn{{Query: "past", AnswerText: "gone"}}
	prompt, err := engine.Build("q", testResult(testChunk(0, "ctx")), turns)
	require.NoError(t, err)

	assert.NotContains(t, prompt, "User:")
	assert.NotContains(t, prompt, "past")
}

func TestProvenanceMarker(t *testing.T) {
	withSource := testChunk(0, "text")
	assert.Equal(t,
		fmt.Sprintf("[chunk %s | docs://handbook]", withSource.ID),
		ProvenanceMarker(withSource))

	bare := withSource
	bare.Metadata = nil
	assert.Equal(t,
		fmt.Sprintf("[chunk %s | %s]", bare.ID, bare.DocumentID),
		ProvenanceMarker(bare))
}
