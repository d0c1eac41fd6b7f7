// Package prompt assembles generation prompts from an immutable template,
// the fused retrieval ranking, and recent conversation history. Retrieved
// chunks enter the context section in rank order, each behind an inline
// provenance marker, until the token budget is spent; the final chunk may be
// cut short but never mid-word.
package prompt

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/quarry-ai/quarry/internal/models"
	"github.com/quarry-ai/quarry/internal/tokenizer"
)

// Template slots. Query and context are required; a template without a
// history slot simply drops the conversation history.
const (
	SlotQuery   = "{query}"
	SlotContext = "{context}"
	SlotHistory = "{history}"
)

// DefaultTemplateName is the built-in question-answering template. It is
// always available and may be overridden by a template file entry of the
// same name.
const DefaultTemplateName = "qa"

const defaultTemplateText = `You are a retrieval-augmented assistant. Answer the question using only the context below. Cite the [chunk ...] markers for every claim you take from the context. If the context does not contain the answer, say that you do not know.

Conversation so far:
{history}

Context:
{context}

Question: {query}

Answer:`

// Template is a named prompt skeleton. It is immutable after construction;
// slot substitution happens on a copy at render time.
type Template struct {
	name string
	text string
}

// NewTemplate validates the template text and returns the immutable
// template. Missing required slots fail with ErrTemplateMissingSlot.
func NewTemplate(name, text string) (*Template, error) {
	for _, slot := range []string{SlotQuery, SlotContext} {
		if !strings.Contains(text, slot) {
			return nil, models.InputFault("prompt.template",
				fmt.Errorf("%w: template %q has no %s slot", models.ErrTemplateMissingSlot, name, slot))
		}
	}
	return &Template{name: name, text: text}, nil
}

// Name returns the template name.
func (t *Template) Name() string { return t.name }

// Render substitutes the slot values into a copy of the template text.
func (t *Template) Render(query, context, history string) string {
	out := strings.ReplaceAll(t.text, SlotQuery, query)
	out = strings.ReplaceAll(out, SlotContext, context)
	out = strings.ReplaceAll(out, SlotHistory, history)
	return out
}

// templateFile is the on-disk YAML layout: a flat name-to-text map under a
// single templates key, shipped next to the main configuration file.
type templateFile struct {
	Templates map[string]string `yaml:"templates"`
}

// LoadTemplates reads and validates a YAML template file. The built-in
// default template is always present in the returned map; file entries with
// the same name override it. An empty path loads only the built-in.
func LoadTemplates(path string) (map[string]*Template, error) {
	builtin, err := NewTemplate(DefaultTemplateName, defaultTemplateText)
	if err != nil {
		return nil, err
	}
	templates := map[string]*Template{DefaultTemplateName: builtin}
	if path == "" {
		return templates, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.InputFault("prompt.load", fmt.Errorf("failed to read template file: %w", err))
	}
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, models.InputFault("prompt.load", fmt.Errorf("failed to parse template file: %w", err))
	}
	for name, text := range file.Templates {
		tmpl, err := NewTemplate(name, text)
		if err != nil {
			return nil, err
		}
		templates[name] = tmpl
	}
	return templates, nil
}

// Config holds prompt engine configuration.
type Config struct {
	// ContextTokenBudget caps the token count of the assembled context
	// section, provenance markers included.
	ContextTokenBudget int `yaml:"context_token_budget"`
	// HistoryTurns is the number of most recent conversation turns
	// rendered into the history slot. Zero disables history.
	HistoryTurns int `yaml:"history_turns"`
	// TemplatePath points at the optional YAML template file.
	TemplatePath string `yaml:"template_path"`
	// TemplateName selects the template used for every build.
	TemplateName string `yaml:"template_name"`
}

// DefaultConfig returns default prompt engine configuration.
func DefaultConfig() *Config {
	return &Config{
		ContextTokenBudget: 2048,
		HistoryTurns:       4,
		TemplateName:       DefaultTemplateName,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ContextTokenBudget <= 0 {
		return fmt.Errorf("%w: context_token_budget must be positive", models.ErrInvalidConfig)
	}
	if c.HistoryTurns < 0 {
		return fmt.Errorf("%w: history_turns cannot be negative", models.ErrInvalidConfig)
	}
	if c.TemplateName == "" {
		return fmt.Errorf("%w: template_name is required", models.ErrInvalidConfig)
	}
	return nil
}

// Engine builds prompts against a single template selected at construction.
// Templates are loaded once; swapping them means building a new engine.
type Engine struct {
	config   *Config
	logger   *logrus.Logger
	template *Template
}

// NewEngine loads the configured template set and pins the selected
// template.
func NewEngine(config *Config, logger *logrus.Logger) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	templates, err := LoadTemplates(config.TemplatePath)
	if err != nil {
		return nil, err
	}
	tmpl, ok := templates[config.TemplateName]
	if !ok {
		return nil, models.InputFault("prompt.load",
			fmt.Errorf("template %q not found in %q", config.TemplateName, config.TemplatePath))
	}

	return &Engine{
		config:   config,
		logger:   logger,
		template: tmpl,
	}, nil
}

// Template returns the template the engine renders with.
func (e *Engine) Template() *Template { return e.template }

// HistoryTurns reports how many recent turns the engine renders into the
// history slot. Callers use it to size their history fetch.
func (e *Engine) HistoryTurns() int { return e.config.HistoryTurns }

// Build assembles the prompt for one query. Context is the retrieved chunks
// in fused rank order under the token budget; history is the most recent
// turns oldest-first.
func (e *Engine) Build(query string, res *models.RetrievalResult, history []models.ConversationTurn) (string, error) {
	context, included := e.assembleContext(res)
	hist := e.assembleHistory(history)
	prompt := e.template.Render(query, context, hist)

	e.logger.WithFields(logrus.Fields{
		"template":       e.template.Name(),
		"chunks":         included,
		"context_tokens": tokenizer.Count(context),
		"prompt_tokens":  tokenizer.Count(prompt),
	}).Debug("Prompt assembled")

	return prompt, nil
}

// assembleContext renders chunks in rank order until the budget is spent,
// returning the context text and the number of chunks included. Each chunk
// is preceded by its provenance marker; marker tokens count against the
// budget. A chunk whose text does not fully fit is truncated on a word
// boundary, and assembly stops once there is no room left for a marker plus
// at least one word.
func (e *Engine) assembleContext(res *models.RetrievalResult) (string, int) {
	if res == nil || len(res.Results) == 0 {
		return "", 0
	}

	var blocks []string
	remaining := e.config.ContextTokenBudget
	for _, sc := range res.Results {
		marker := ProvenanceMarker(sc.Chunk)
		cost := tokenizer.Count(marker)
		if remaining <= cost {
			break
		}
		text := sc.Chunk.Text
		if tokenizer.Count(text) > remaining-cost {
			text = tokenizer.TruncateTokens(text, remaining-cost)
		}
		block := marker
		if text != "" {
			block += " " + text
		}
		blocks = append(blocks, block)
		remaining -= cost + tokenizer.Count(text)
		if remaining <= 0 {
			break
		}
	}
	return strings.Join(blocks, "\n\n"), len(blocks)
}

// assembleHistory renders the most recent turns, oldest first, as
// alternating User and Assistant lines.
func (e *Engine) assembleHistory(history []models.ConversationTurn) string {
	if e.config.HistoryTurns == 0 || len(history) == 0 {
		return ""
	}
	if len(history) > e.config.HistoryTurns {
		history = history[len(history)-e.config.HistoryTurns:]
	}

	var b strings.Builder
	for i, turn := range history {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "User: %s\nAssistant: %s", turn.Query, turn.AnswerText)
	}
	return b.String()
}

// ProvenanceMarker renders the inline citation for a chunk. The source falls
// back to the document ID when ingestion recorded no source URI.
func ProvenanceMarker(chunk models.Chunk) string {
	source := chunk.Metadata["source"]
	if source == "" {
		source = chunk.DocumentID.String()
	}
	return fmt.Sprintf("[chunk %s | %s]", chunk.ID, source)
}
