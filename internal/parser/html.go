package parser

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/quarry-ai/quarry/internal/models"
	"github.com/quarry-ai/quarry/internal/tokenizer"
)

// blockTags end the current text block when encountered.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "hr": true, "li": true, "ul": true,
	"ol": true, "tr": true, "td": true, "th": true, "table": true,
	"section": true, "article": true, "header": true, "footer": true,
	"blockquote": true, "pre": true, "figure": true, "main": true,
	"nav": true, "aside": true, "body": true,
}

// skipTags have their entire content discarded.
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "head": true,
	"template": true, "svg": true,
}

// parseHTML strips markup into paragraph blocks. Headings h1..h6 become
// their own blocks and set the section for subsequent text.
func parseHTML(data []byte) ([]models.Block, error) {
	if !utf8.Valid(data) {
		return nil, models.InputFault("parser.html", fmt.Errorf("%w: invalid utf-8", models.ErrCorruptInput))
	}

	var (
		blocks  []models.Block
		buf     strings.Builder
		heading strings.Builder
		section string
		inHead  bool
	)
	flush := func() {
		text := tokenizer.Normalize(html.UnescapeString(buf.String()))
		buf.Reset()
		if text == "" {
			return
		}
		blocks = append(blocks, models.Block{Text: text, Section: section})
	}

	src := string(data)
	lower := strings.ToLower(src)
	i := 0
	for i < len(src) {
		if src[i] != '<' {
			if inHead {
				heading.WriteByte(src[i])
			} else {
				buf.WriteByte(src[i])
			}
			i++
			continue
		}
		if strings.HasPrefix(src[i:], "<!--") {
			end := strings.Index(src[i+4:], "-->")
			if end < 0 {
				break
			}
			i += 4 + end + 3
			continue
		}
		end := strings.IndexByte(src[i:], '>')
		if end < 0 {
			break
		}
		name, closing := tagName(src[i+1 : i+end])
		i += end + 1

		switch {
		case skipTags[name] && !closing:
			// drop everything up to the matching close tag
			j := strings.Index(lower[i:], "</"+name)
			if j < 0 {
				i = len(src)
				continue
			}
			i += j
		case isHeadingTag(name):
			if closing {
				inHead = false
				text := tokenizer.Normalize(html.UnescapeString(heading.String()))
				heading.Reset()
				if text != "" {
					section = text
					blocks = append(blocks, models.Block{Text: text, Section: section})
				}
			} else {
				flush()
				inHead = true
			}
		case blockTags[name]:
			if !inHead {
				flush()
			}
		default:
			// inline tags separate words at most
			if inHead {
				heading.WriteByte(' ')
			} else {
				buf.WriteByte(' ')
			}
		}
	}
	flush()

	return blocks, nil
}

// tagName extracts the lowercase element name from raw tag contents,
// reporting whether it is a closing tag. Attributes and self-closing
// slashes are discarded.
func tagName(tag string) (name string, closing bool) {
	tag = strings.TrimSpace(tag)
	if strings.HasPrefix(tag, "/") {
		closing = true
		tag = tag[1:]
	}
	tag = strings.TrimSuffix(tag, "/")
	if fields := strings.Fields(tag); len(fields) > 0 {
		name = strings.ToLower(fields[0])
	}
	return name, closing
}

func isHeadingTag(name string) bool {
	return len(name) == 2 && name[0] == 'h' && name[1] >= '1' && name[1] <= '6'
}
