package recall

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// snippetWidth is the approximate size of a locally-anchored snippet.
const snippetWidth = 240

// BuildSnippet derives a query-focused excerpt when the backend returned no
// headline: pick the best-matching sentence (term overlap recall + exact
// phrase bonus + earliness bonus − length penalty) and cut a ~240-char window
// anchored on it.
func BuildSnippet(text, query string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if len(text) <= snippetWidth {
		return text
	}

	sentences := splitSentences(text)
	terms := queryTerms(query)
	phrase := strings.ToLower(strings.TrimSpace(query))

	bestIdx := 0
	bestScore := -1.0
	offset := 0
	bestOffset := 0
	for i, sentence := range sentences {
		score := sentenceScore(sentence, terms, phrase, i)
		if score > bestScore {
			bestScore = score
			bestIdx = i
			bestOffset = offset
		}
		offset += len(sentence)
	}

	anchor := sentences[bestIdx]
	center := bestOffset + len(anchor)/2
	start := center - snippetWidth/2
	if start < 0 {
		start = 0
	}
	end := start + snippetWidth
	if end > len(text) {
		end = len(text)
		start = end - snippetWidth
		if start < 0 {
			start = 0
		}
	}
	// The window is computed in bytes; never cut a rune in half.
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}

	snippet := strings.TrimSpace(text[start:end])
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(text) {
		snippet = snippet + "…"
	}
	return snippet
}

func sentenceScore(sentence string, terms []string, phrase string, index int) float64 {
	lower := strings.ToLower(sentence)

	recall := 0.0
	if len(terms) > 0 {
		hits := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				hits++
			}
		}
		recall = float64(hits) / float64(len(terms))
	}

	score := recall
	if phrase != "" && strings.Contains(lower, phrase) {
		score += 0.5
	}
	// Earlier sentences win ties.
	score += 0.05 / float64(index+1)
	// Penalize very long sentences so the window stays focused.
	score -= float64(len(sentence)) / 10000.0
	return score
}

// splitSentences breaks text on sentence punctuation and newlines, keeping
// the delimiters attached so offsets stay exact.
func splitSentences(text string) []string {
	var result []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			result = append(result, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		result = append(result, text[start:])
	}
	if len(result) == 0 {
		result = []string{text}
	}
	return result
}

func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var terms []string
	for _, field := range fields {
		if len(field) >= 2 {
			terms = append(terms, field)
		}
	}
	return terms
}
