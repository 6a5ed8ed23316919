package keyword

import (
	"strings"
	"unicode/utf8"

	"github.com/xrash/smetrics"
)

const DefaultFuzzyThreshold = 0.8

// Normalized edit-distance similarity in [0,1]: one minus the Levenshtein distance over the longer length.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1.0
	}
	dist := smetrics.WagnerFischer(a, b, 1, 1, 1)
	if dist >= longest {
		return 0
	}
	return float64(longest-dist) / float64(longest)
}

// Reports whether any token of text is at least threshold-similar to target. Both sides are tokenized, and multi-token targets are compared against windows of the same number of tokens.
func FuzzyContains(text, target string, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}
	targetToks := TokenizeTextSkippingCensorChars(target)
	if len(targetToks) == 0 {
		return false
	}
	toks := TokenizeTextSkippingCensorChars(text)
	n := len(targetToks)
	joinedTarget := joinTokens(targetToks)
	for i := 0; i+n <= len(toks); i++ {
		if Similarity(joinTokens(toks[i:i+n]), joinedTarget) >= threshold {
			return true
		}
	}
	return false
}

func joinTokens(toks []string) string {
	return strings.Join(toks, " ")
}
