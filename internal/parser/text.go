package parser

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/quarry-ai/quarry/internal/models"
	"github.com/quarry-ai/quarry/internal/tokenizer"
)

// parseText splits plain text or markdown into paragraph blocks on blank
// lines. In markdown mode, heading lines become their own blocks and set the
// section for everything that follows.
func parseText(data []byte, markdown bool) ([]models.Block, error) {
	if !utf8.Valid(data) {
		return nil, models.InputFault("parser.text", fmt.Errorf("%w: invalid utf-8", models.ErrCorruptInput))
	}

	var (
		blocks  []models.Block
		para    []string
		section string
	)
	flush := func() {
		if len(para) == 0 {
			return
		}
		text := tokenizer.Normalize(strings.Join(para, " "))
		para = para[:0]
		if text == "" {
			return
		}
		blocks = append(blocks, models.Block{Text: text, Section: section})
	}

	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if markdown && strings.HasPrefix(trimmed, "#") {
			flush()
			heading := tokenizer.Normalize(strings.TrimLeft(trimmed, "# "))
			if heading != "" {
				section = heading
				blocks = append(blocks, models.Block{Text: heading, Section: section})
			}
			continue
		}
		para = append(para, trimmed)
	}
	flush()

	return blocks, nil
}

// splitParagraphs breaks free text on blank lines into normalized paragraphs,
// dropping empty ones.
func splitParagraphs(text string) []string {
	var (
		out  []string
		para []string
	)
	flush := func() {
		if len(para) == 0 {
			return
		}
		p := tokenizer.Normalize(strings.Join(para, " "))
		para = para[:0]
		if p != "" {
			out = append(out, p)
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		para = append(para, line)
	}
	flush()
	return out
}
