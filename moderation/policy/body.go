// Package policy holds the declarative moderation policy format and the engine that evaluates it.
//
// Policy bodies are JSON documents parsed into a typed tree. All validation happens in Parse, at write time, so evaluation never encounters a malformed condition for a stored policy that was written through this package.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var ErrInvalidPolicy = errors.New("invalid policy")

const (
	EventMessageCreated = "message_created"
	EventMemberJoined   = "member_joined"
)

var eventAliases = map[string]string{
	"message":         EventMessageCreated,
	"message_created": EventMessageCreated,
	"member_join":     EventMemberJoined,
	"member_joined":   EventMemberJoined,
}

// CanonicalEventType maps an event type or one of its aliases to the canonical name.
func CanonicalEventType(et string) (string, bool) {
	canon, ok := eventAliases[et]
	return canon, ok
}

const (
	PatternKeyword    = "keyword"
	PatternRegex      = "regex"
	PatternDomain     = "domain"
	PatternFuzzy      = "fuzzy"
	PatternKeywordSet = "keyword_set"
)

const (
	ActionDelete  = "delete"
	ActionNudge   = "nudge"
	ActionWarn    = "warn"
	ActionTimeout = "timeout"
)

const (
	DefaultRiskWeight      = 0.5
	DefaultThreshold       = 0.5
	DefaultPriority        = 500
	DefaultTimeoutSeconds  = 60
	MaxTimeoutSeconds      = 28 * 24 * 60 * 60
	DefaultConditionWeight = 1.0
)

type Body struct {
	RuleID      string `json:"rule_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	Trigger    Trigger    `json:"trigger"`
	Conditions Conditions `json:"conditions"`
	Exceptions Exceptions `json:"exceptions"`
	Actions    Actions    `json:"actions"`

	RiskWeight float64 `json:"risk_weight"`
	Threshold  float64 `json:"threshold"`
	Priority   int     `json:"priority"`
}

type Trigger struct {
	EventTypes      []string `json:"event_types"`
	ExcludeChannels []string `json:"exclude_channels,omitempty"`
}

type Conditions struct {
	ContentPatterns []Pattern        `json:"content_patterns,omitempty"`
	UserCriteria    *UserCriteria    `json:"user_criteria,omitempty"`
	ContentCriteria *ContentCriteria `json:"content_criteria,omitempty"`
}

// Pattern is discriminated by Type. Value is the keyword, expression, domain, fuzzy target or set name.
type Pattern struct {
	Type          string   `json:"type"`
	Value         string   `json:"value"`
	CaseSensitive bool     `json:"case_sensitive,omitempty"`
	Similarity    float64  `json:"similarity,omitempty"`
	// nil means DefaultConditionWeight; 0 labels the match without adding to the score
	Weight        *float64 `json:"weight,omitempty"`
}

type UserCriteria struct {
	AccountAgeDaysLT *int     `json:"account_age_days_lt,omitempty"`
	ServerAgeHoursLT *int     `json:"server_age_hours_lt,omitempty"`
	HasAvatar        *bool    `json:"has_avatar,omitempty"`
	IsNewcomer       *bool    `json:"is_newcomer,omitempty"`
	RiskScoreGT      *float64 `json:"risk_score_gt,omitempty"`
	Weight           *float64 `json:"weight,omitempty"`
}

type ContentCriteria struct {
	MentionCountGT   *int     `json:"mention_count_gt,omitempty"`
	LinkCountGT      *int     `json:"link_count_gt,omitempty"`
	CapsPercentageGT *float64 `json:"caps_percentage_gt,omitempty"`
	EmojiFloodGT     *int     `json:"emoji_flood_gt,omitempty"`
	ZalgoDetected    bool     `json:"zalgo_detected,omitempty"`
	Weight           *float64 `json:"weight,omitempty"`
}

type Exceptions struct {
	Roles []string `json:"roles,omitempty"`
	Users []string `json:"users,omitempty"`
}

type Actions struct {
	Immediate   []Action `json:"immediate,omitempty"`
	ReviewQueue bool     `json:"review_queue,omitempty"`
}

type Action struct {
	Type            string `json:"type"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Severity orders immediate actions from least to most disruptive.
func (a Action) Severity() int {
	switch a.Type {
	case ActionDelete:
		return 1
	case ActionNudge:
		return 2
	case ActionWarn:
		return 3
	case ActionTimeout:
		return 4
	}
	return 0
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, fmt.Sprintf(format, args...))
}

// Parse decodes and validates a policy body, filling in defaults. Unknown fields are rejected.
func Parse(raw []byte) (*Body, error) {
	b := Body{
		RiskWeight: DefaultRiskWeight,
		Threshold:  DefaultThreshold,
		Priority:   DefaultPriority,
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return nil, invalid("decoding body: %v", err)
	}
	if err := b.normalize(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Body) normalize() error {
	if len(b.Trigger.EventTypes) == 0 {
		return invalid("trigger.event_types is empty")
	}
	for i, et := range b.Trigger.EventTypes {
		canon, ok := eventAliases[et]
		if !ok {
			return invalid("unknown event type %q", et)
		}
		b.Trigger.EventTypes[i] = canon
	}

	if b.Threshold < 0 {
		return invalid("threshold %v is negative", b.Threshold)
	}
	if b.RiskWeight < 0 || b.RiskWeight > 1 {
		return invalid("risk_weight %v outside [0,1]", b.RiskWeight)
	}

	for i := range b.Conditions.ContentPatterns {
		if err := b.Conditions.ContentPatterns[i].validate(); err != nil {
			return err
		}
	}
	if uc := b.Conditions.UserCriteria; uc != nil && uc.Weight != nil && *uc.Weight < 0 {
		return invalid("user_criteria.weight is negative")
	}
	if cc := b.Conditions.ContentCriteria; cc != nil && cc.Weight != nil && *cc.Weight < 0 {
		return invalid("content_criteria.weight is negative")
	}

	for i := range b.Actions.Immediate {
		a := &b.Actions.Immediate[i]
		switch a.Type {
		case ActionDelete, ActionNudge, ActionWarn:
		case ActionTimeout:
			if a.DurationSeconds == 0 {
				a.DurationSeconds = DefaultTimeoutSeconds
			}
			if a.DurationSeconds < 0 || a.DurationSeconds > MaxTimeoutSeconds {
				return invalid("timeout duration %d out of range", a.DurationSeconds)
			}
		default:
			return invalid("unknown action type %q", a.Type)
		}
	}
	return nil
}

func (p *Pattern) validate() error {
	if p.Value == "" {
		return invalid("%s pattern has empty value", p.Type)
	}
	if p.Weight != nil && *p.Weight < 0 {
		return invalid("pattern weight is negative")
	}
	switch p.Type {
	case PatternKeyword, PatternDomain, PatternKeywordSet:
	case PatternRegex:
		if _, err := compilePattern(p); err != nil {
			return invalid("regex %q: %v", p.Value, err)
		}
	case PatternFuzzy:
		if p.Similarity < 0 || p.Similarity > 1 {
			return invalid("fuzzy similarity %v outside [0,1]", p.Similarity)
		}
	default:
		return invalid("unknown pattern type %q", p.Type)
	}
	return nil
}

func compilePattern(p *Pattern) (*regexp.Regexp, error) {
	expr := p.Value
	if !p.CaseSensitive {
		expr = "(?i)" + expr
	}
	return regexp.Compile(expr)
}

// Marshal returns the normalized JSON form stored in the database.
func (b *Body) Marshal() (string, error) {
	buf, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (b *Body) HasEventType(et string) bool {
	for _, t := range b.Trigger.EventTypes {
		if t == et {
			return true
		}
	}
	return false
}
