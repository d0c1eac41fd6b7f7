// Package tokenizer provides the normalized whitespace token stream that
// chunking and prompt budgeting share. Token positions produced here are the
// coordinate system for chunk token spans, so every caller must normalize
// through the same path.
package tokenizer

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies Unicode NFC and collapses all whitespace runs to single
// spaces, trimming the ends. Two byte-different renderings of the same text
// normalize to the same string.
func Normalize(text string) string {
	return strings.Join(strings.Fields(norm.NFC.String(text)), " ")
}

// Tokens splits already- or not-yet-normalized text into whitespace tokens.
func Tokens(text string) []string {
	return strings.Fields(norm.NFC.String(text))
}

// Count returns the token count of text.
func Count(text string) int {
	return len(Tokens(text))
}

// Join is the inverse of Tokens over normalized text: joining a token range
// with single spaces reproduces the normalized substring exactly.
func Join(tokens []string) string {
	return strings.Join(tokens, " ")
}

// sentence-final punctuation may be wrapped in closing quotes or brackets
const closers = `"')]}` + "»’”"

// IsSentenceEnd reports whether a token closes a sentence. It checks the
// token's trailing punctuation after stripping closing quotes and brackets.
func IsSentenceEnd(token string) bool {
	trimmed := strings.TrimRight(token, closers)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// TruncateTokens cuts text down to at most budget tokens, never splitting a
// word. A non-positive budget yields the empty string.
func TruncateTokens(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	tokens := Tokens(text)
	if len(tokens) <= budget {
		return Join(tokens)
	}
	return Join(tokens[:budget])
}
