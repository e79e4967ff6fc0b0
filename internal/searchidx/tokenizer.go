package searchidx

import (
	"regexp"
	"strings"
)

// tokenRegex matches alphanumeric word sequences.
var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// stopWords are common English words excluded from the index.
// Derived from the most frequent terms in encyclopedia prose; keeping the
// list short avoids hurting phrase-ish queries like "to be or not to be".
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {},
	"were": {}, "which": {}, "with": {},
}

// Tokenize splits prose into lowercase index terms.
// Single-character tokens and stop words are dropped.
func Tokenize(text string) []string {
	words := tokenRegex.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		lower := strings.ToLower(w)
		if len(lower) < 2 {
			continue
		}
		if _, stop := stopWords[lower]; stop {
			continue
		}
		tokens = append(tokens, lower)
	}
	return tokens
}

// TokenizeQuery tokenizes a search query. Queries keep stop words out the
// same way documents do, so "the javascript language" and "javascript
// language" score identically.
func TokenizeQuery(query string) []string {
	return Tokenize(query)
}
