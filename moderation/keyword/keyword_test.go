package keyword

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeText(t *testing.T) {
	assert := assert.New(t)

	fixtures := []struct {
		text string
		out  []string
	}{
		{text: "", out: []string{}},
		{text: "Hello, โลก!", out: []string{"hello", "โลก"}},
		{text: "Gdańsk", out: []string{"gdansk"}},
		{text: "FREE nitro!!!", out: []string{"free", "nitro"}},
	}

	for _, fix := range fixtures {
		assert.Equal(fix.out, TokenizeText(fix.text))
	}
}

func TestTokenizeTextSkippingCensorChars(t *testing.T) {
	assert := assert.New(t)

	assert.Equal([]string{"sc*m", "coin"}, TokenizeTextSkippingCensorChars("sc*m, coin!"))
}

func TestSimilarity(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(1.0, Similarity("nitro", "nitro"))
	assert.Equal(1.0, Similarity("", ""))
	assert.InDelta(0.8, Similarity("nitro", "n1tro"), 0.0001)
	assert.InDelta(0.0, Similarity("abc", "xyz"), 0.0001)
}

func TestFuzzyContains(t *testing.T) {
	assert := assert.New(t)

	fixtures := []struct {
		text   string
		target string
		match  bool
	}{
		{text: "get your free n1tro here", target: "nitro", match: true},
		{text: "get your FREE NITRO here", target: "free nitro", match: true},
		{text: "totally normal message", target: "nitro", match: false},
		{text: "anything", target: "", match: false},
		{text: "", target: "nitro", match: false},
	}

	for _, fix := range fixtures {
		assert.Equal(fix.match, FuzzyContains(fix.text, fix.target, DefaultFuzzyThreshold), fix.text)
	}
}
