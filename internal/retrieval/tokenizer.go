// Package retrieval implements the lexical retrieval core: tokenization,
// the in-memory inverted index and fuzzy passage matching.
package retrieval

import (
	"strings"
	"unicode"
)

// TokenSet is an unordered set of normalized tokens.
type TokenSet map[string]struct{}

// Has reports whether tok is in the set.
func (s TokenSet) Has(tok string) bool {
	_, ok := s[tok]
	return ok
}

// Tokenize lower-cases text and splits it on word boundaries.
// Letters, digits and underscores form words; everything else separates them.
func Tokenize(text string) TokenSet {
	toks := tokenList(text)
	set := make(TokenSet, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

// tokenList returns the distinct tokens of text in first-occurrence order.
func tokenList(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), isSeparator)
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
}
