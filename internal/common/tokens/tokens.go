// Package tokens provides the heuristic token accounting used across the
// conversation engine. The chars/4 approximation is the floor everywhere;
// provider-reported usage, when present, is canonical and supersedes it.
package tokens

import "strings"

// CharsPerToken is the heuristic ratio between characters and tokens.
const CharsPerToken = 4

// Estimate returns the approximate token count of a string.
func Estimate(s string) int {
	if s == "" {
		return 0
	}
	n := len(s) / CharsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateAll returns the summed token estimate of several strings.
func EstimateAll(parts ...string) int {
	total := 0
	for _, p := range parts {
		total += Estimate(p)
	}
	return total
}

// TrimToBudget trims text to at most budget tokens at word granularity.
// Words are never split; the second return reports whether anything was cut.
func TrimToBudget(text string, budget int) (string, bool) {
	if budget <= 0 {
		return "", text != ""
	}
	if Estimate(text) <= budget {
		return text, false
	}

	maxChars := budget * CharsPerToken
	words := strings.Fields(text)
	var b strings.Builder
	for i, w := range words {
		add := len(w)
		if i > 0 {
			add++
		}
		if b.Len()+add > maxChars {
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	return b.String(), true
}
