// Package tokens estimates and records the token cost of model calls.
package tokens

import (
	"unicode/utf8"
)

// Counter turns text into a token count.
type Counter interface {
	Count(text string) int
}

// EstimateTokens approximates a token count as ceil(runes/4).
//
// This is an estimate, not a tokenizer: it drifts from real counts, sometimes
// by a wide margin for code and non-English text. It is only used when the
// provider reports no usage.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Estimator is the Counter backed by EstimateTokens.
type Estimator struct{}

func (Estimator) Count(text string) int {
	return EstimateTokens(text)
}
