package policy

import (
	"regexp"

	"github.com/lithium-bot/lithium/moderation/store"
)

// Compiled is a parsed policy ready for evaluation, with regexes compiled once.
type Compiled struct {
	PolicyID uint
	GuildID  string
	RuleID   string
	Version  int
	Priority int
	Body     *Body

	// indexed like Body.Conditions.ContentPatterns; nil for non-regex patterns
	regexes []*regexp.Regexp
}

func Compile(p *store.Policy) (*Compiled, error) {
	body, err := Parse([]byte(p.Body))
	if err != nil {
		return nil, err
	}
	c := &Compiled{
		PolicyID: p.ID,
		GuildID:  p.GuildID,
		RuleID:   p.RuleID,
		Version:  p.Version,
		Priority: p.Priority,
		Body:     body,
		regexes:  make([]*regexp.Regexp, len(body.Conditions.ContentPatterns)),
	}
	for i := range body.Conditions.ContentPatterns {
		pat := &body.Conditions.ContentPatterns[i]
		if pat.Type != PatternRegex {
			continue
		}
		re, err := compilePattern(pat)
		if err != nil {
			return nil, invalid("regex %q: %v", pat.Value, err)
		}
		c.regexes[i] = re
	}
	return c, nil
}
