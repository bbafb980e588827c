// Package tokenutil estimates token counts for providers that do not report
// usage.
package tokenutil

import "strings"

// Estimate returns a word-based token estimate: 1.33 tokens per word, with
// len/4 as the floor for code and non-English text.
func Estimate(content string) int {
	if content == "" {
		return 0
	}
	words := int(float64(len(strings.Fields(content))) * 1.33)
	chars := len(content) / 4
	if words > chars {
		return words
	}
	return chars
}

// EstimateAll sums Estimate over parts.
func EstimateAll(parts ...string) int {
	n := 0
	for _, p := range parts {
		n += Estimate(p)
	}
	return n
}
