// Package tokenutil estimates token usage when a gateway does not report it.
package tokenutil

import "strings"

// perTurnOverhead approximates role and separator tokens added per turn.
const perTurnOverhead = 4

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// EstimatePrompt estimates the prompt size of a conversation, one string per turn.
func EstimatePrompt(turns []string) int {
	total := 0
	for _, t := range turns {
		total += EstimateTokens(t) + perTurnOverhead
	}
	return total
}
