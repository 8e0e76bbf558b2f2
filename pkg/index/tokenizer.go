package index

import (
	"strings"
	"unicode"
)

// DefaultStopWords is the English stop-word list used when an index does not
// provide its own.
var DefaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for", "if",
	"in", "into", "is", "it", "no", "not", "of", "on", "or", "such", "that",
	"the", "their", "then", "there", "these", "they", "this", "to", "was",
	"will", "with",
}

// Token is a normalized term with its position in the source text.
type Token struct {
	Term     string
	Position int
}

// Tokenizer splits text on Unicode word boundaries, lower-cases each word
// and drops stop words.
type Tokenizer struct {
	stop map[string]struct{}
}

// NewTokenizer builds a tokenizer. When opts.StopWords is nil, fallback is
// used; an empty non-nil list disables stop-word removal.
func NewTokenizer(opts TokenizerOptions, fallback []string) *Tokenizer {
	words := opts.StopWords
	if words == nil {
		words = fallback
	}
	stop := make(map[string]struct{}, len(words))
	for _, w := range words {
		stop[strings.ToLower(w)] = struct{}{}
	}
	return &Tokenizer{stop: stop}
}

// Tokens returns the indexed terms of text in order of appearance.
// Positions count every word, stop words included.
func (t *Tokenizer) Tokens(text string) []Token {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]Token, 0, len(words))
	for pos, w := range words {
		term := strings.ToLower(w)
		if _, ok := t.stop[term]; ok {
			continue
		}
		out = append(out, Token{Term: term, Position: pos})
	}
	return out
}

// Terms returns the distinct indexed terms of text, in first-seen order.
func (t *Tokenizer) Terms(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range t.Tokens(text) {
		if _, ok := seen[tok.Term]; ok {
			continue
		}
		seen[tok.Term] = struct{}{}
		out = append(out, tok.Term)
	}
	return out
}
