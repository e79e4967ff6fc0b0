package searchidx

import (
	"strings"
)

const (
	// snippetRadius is how many characters of context surround the first
	// matched term.
	snippetRadius = 80
	// snippetMax caps snippet length for documents with no match window.
	snippetMax = 160
)

// buildSnippet extracts a window of text around the first query-term match
// and wraps every matched term in the window with ** markers.
// Preference order: content, then summary, then title — content windows
// carry the most context for the reader.
func buildSnippet(info docInfo, terms []string) string {
	for _, text := range []string{info.Content, info.Summary, info.Title} {
		if text == "" {
			continue
		}
		if snippet, ok := snippetFrom(text, terms); ok {
			return snippet
		}
	}

	// No term appears anywhere (e.g., only title tokens matched after
	// stemming differences): fall back to the leading content.
	fallback := info.Content
	if fallback == "" {
		fallback = info.Summary
	}
	if len(fallback) > snippetMax {
		fallback = trimToWordBoundary(fallback[:snippetMax]) + "…"
	}
	return fallback
}

// snippetFrom finds the first occurrence of any term in text and returns
// the highlighted window around it.
func snippetFrom(text string, terms []string) (string, bool) {
	lower := strings.ToLower(text)

	first := -1
	for _, term := range terms {
		if pos := indexOfWord(lower, term); pos >= 0 && (first == -1 || pos < first) {
			first = pos
		}
	}
	if first == -1 {
		return "", false
	}

	start := first - snippetRadius
	if start < 0 {
		start = 0
	} else {
		start = expandToWordStart(text, start)
	}
	end := first + snippetRadius
	if end > len(text) {
		end = len(text)
	} else {
		end = shrinkToWordEnd(text, end)
	}

	window := text[start:end]
	highlighted := highlight(window, terms)

	var sb strings.Builder
	if start > 0 {
		sb.WriteString("…")
	}
	sb.WriteString(highlighted)
	if end < len(text) {
		sb.WriteString("…")
	}
	return sb.String(), true
}

// highlight wraps whole-word occurrences of each term with ** markers,
// preserving the original casing of the matched text.
func highlight(window string, terms []string) string {
	tokens := splitPreserving(window)
	for i, tok := range tokens {
		lower := strings.ToLower(tok)
		for _, term := range terms {
			if lower == term {
				tokens[i] = "**" + tok + "**"
				break
			}
		}
	}
	return strings.Join(tokens, "")
}

// splitPreserving splits text into alternating word and non-word runs so
// it can be rejoined without losing whitespace or punctuation.
func splitPreserving(text string) []string {
	var parts []string
	start := 0
	inWord := false
	for i, r := range text {
		isWord := isWordRune(r)
		if i == 0 {
			inWord = isWord
			continue
		}
		if isWord != inWord {
			parts = append(parts, text[start:i])
			start = i
			inWord = isWord
		}
	}
	if start < len(text) {
		parts = append(parts, text[start:])
	}
	return parts
}

// indexOfWord finds term as a whole word in lower-cased text.
func indexOfWord(lower, term string) int {
	offset := 0
	for {
		pos := strings.Index(lower[offset:], term)
		if pos == -1 {
			return -1
		}
		abs := offset + pos
		beforeOK := abs == 0 || !isWordByte(lower[abs-1])
		afterIdx := abs + len(term)
		afterOK := afterIdx >= len(lower) || !isWordByte(lower[afterIdx])
		if beforeOK && afterOK {
			return abs
		}
		offset = abs + len(term)
	}
}

func expandToWordStart(text string, pos int) int {
	for pos > 0 && isWordByte(text[pos]) {
		pos--
	}
	if pos > 0 {
		pos++
	}
	return pos
}

func shrinkToWordEnd(text string, pos int) int {
	for pos < len(text) && isWordByte(text[pos]) {
		pos++
	}
	return pos
}

func trimToWordBoundary(text string) string {
	if i := strings.LastIndexByte(text, ' '); i > 0 {
		return text[:i]
	}
	return text
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
