package policy

import (
	"regexp"
	"unicode"
	"unicode/utf8"
)

// based on: https://stackoverflow.com/a/48769624, with no trailing period allowed
var urlRegex = regexp.MustCompile(`(?:(?:https?|ftp):\/\/)?[\w/\-?=%.]+\.[\w/\-&?=%.]*[\w/\-&?=%]+`)

// custom server emoji, eg <:wave:1234> or <a:dance:5678>
var customEmojiRegex = regexp.MustCompile(`<a?:\w+:\d+>`)

func ExtractTextURLs(raw string) []string {
	return urlRegex.FindAllString(raw, -1)
}

// CountEmoji counts custom emoji tags plus unicode pictographs.
func CountEmoji(raw string) int {
	n := len(customEmojiRegex.FindAllStringIndex(raw, -1))
	stripped := customEmojiRegex.ReplaceAllString(raw, "")
	for _, r := range stripped {
		if isEmojiRune(r) {
			n++
		}
	}
	return n
}

func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF:
		return true
	}
	return false
}

// CapsPercentage is upper-case letters over all letters, in percent. ok is false when there are no letters.
func CapsPercentage(raw string) (pct float64, ok bool) {
	var caps, letters int
	for _, r := range raw {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			caps++
		}
	}
	if letters == 0 {
		return 0, false
	}
	return float64(caps) / float64(letters) * 100, true
}

// IsZalgo reports whether combining diacritical marks make up more than 30% of the runes.
func IsZalgo(raw string) bool {
	total := utf8.RuneCountInString(raw)
	if total == 0 {
		return false
	}
	combining := 0
	for _, r := range raw {
		if r >= 0x0300 && r <= 0x036F {
			combining++
		}
	}
	return float64(combining)/float64(total) > 0.3
}
