package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lithium-bot/lithium/moderation/keyword"
	"github.com/lithium-bot/lithium/moderation/setstore"
)

// Matches at or above this score are executed automatically; anything lower goes to human review.
const AutoExecuteScore = 0.7

// EvalContext is the normalized view of one event and its actor that policies are evaluated against.
type EvalContext struct {
	EventType string
	GuildID   string
	UserID    string
	ChannelID string
	Roles     []string
	Content   string

	// -1 when unknown
	AccountAgeDays     int
	MembershipAgeHours int

	HasAvatar  bool
	IsNewcomer bool
	RiskScore  float64

	MentionCount int
	LinkCount    int
	EmojiCount   int
}

// FillContentCounts derives the link and emoji counts from Content.
func (ec *EvalContext) FillContentCounts() {
	ec.LinkCount = len(ExtractTextURLs(ec.Content))
	ec.EmojiCount = CountEmoji(ec.Content)
}

type Match struct {
	PolicyID    uint
	RuleID      string
	Version     int
	Priority    int
	Score       float64
	Labels      []string
	Actions     []Action
	ReviewQueue bool
}

func (m *Match) NeedsReview() bool {
	return m.ReviewQueue || m.Score < AutoExecuteScore
}

// MostSevere returns the most disruptive immediate action, used as the case action type.
func (m *Match) MostSevere() (Action, bool) {
	var best Action
	found := false
	for _, a := range m.Actions {
		if !found || a.Severity() > best.Severity() {
			best = a
			found = true
		}
	}
	return best, found
}

type evaluator struct {
	sets   setstore.SetStore
	logger *slog.Logger
}

// evaluate returns nil if the policy does not apply or scores under its threshold.
func (ev *evaluator) evaluate(ctx context.Context, c *Compiled, ec *EvalContext) *Match {
	b := c.Body
	if !b.HasEventType(ec.EventType) {
		return nil
	}
	if ec.ChannelID != "" && contains(b.Trigger.ExcludeChannels, ec.ChannelID) {
		return nil
	}
	for _, r := range ec.Roles {
		if contains(b.Exceptions.Roles, r) {
			return nil
		}
	}
	if contains(b.Exceptions.Users, ec.UserID) {
		return nil
	}

	var labels []string
	total := 0.0
	count := 0
	add := func(label string, weight *float64) {
		labels = append(labels, label)
		total += conditionWeight(weight)
		count++
	}

	for i := range b.Conditions.ContentPatterns {
		pat := &b.Conditions.ContentPatterns[i]
		if ev.matchPattern(ctx, c, i, pat, ec.Content) {
			add("pattern:"+pat.Type, pat.Weight)
		}
	}

	if uc := b.Conditions.UserCriteria; uc != nil {
		if uc.AccountAgeDaysLT != nil && ec.AccountAgeDays >= 0 && ec.AccountAgeDays < *uc.AccountAgeDaysLT {
			add("user:new_account", uc.Weight)
		}
		if uc.ServerAgeHoursLT != nil && ec.MembershipAgeHours >= 0 && ec.MembershipAgeHours < *uc.ServerAgeHoursLT {
			add("user:new_member", uc.Weight)
		}
		if uc.HasAvatar != nil && ec.HasAvatar == *uc.HasAvatar {
			add("user:no_avatar", uc.Weight)
		}
		if uc.IsNewcomer != nil && ec.IsNewcomer == *uc.IsNewcomer {
			add("user:newcomer", uc.Weight)
		}
		if uc.RiskScoreGT != nil && ec.RiskScore > *uc.RiskScoreGT {
			add("user:high_risk", uc.Weight)
		}
	}

	if cc := b.Conditions.ContentCriteria; cc != nil && ec.Content != "" {
		if cc.MentionCountGT != nil && ec.MentionCount > *cc.MentionCountGT {
			add(fmt.Sprintf("content:mentions(%d)", ec.MentionCount), cc.Weight)
		}
		if cc.LinkCountGT != nil && ec.LinkCount > *cc.LinkCountGT {
			add(fmt.Sprintf("content:links(%d)", ec.LinkCount), cc.Weight)
		}
		if cc.CapsPercentageGT != nil && len(ec.Content) > 5 {
			if pct, ok := CapsPercentage(ec.Content); ok && pct > *cc.CapsPercentageGT {
				add(fmt.Sprintf("content:caps(%.0f%%)", pct), cc.Weight)
			}
		}
		if cc.EmojiFloodGT != nil && ec.EmojiCount > *cc.EmojiFloodGT {
			add(fmt.Sprintf("content:emoji_flood(%d)", ec.EmojiCount), cc.Weight)
		}
		if cc.ZalgoDetected && IsZalgo(ec.Content) {
			add("content:zalgo", cc.Weight)
		}
	}

	if count == 0 {
		return nil
	}
	score := min(1.0, total/float64(max(1, count))) * b.RiskWeight
	if score < b.Threshold {
		return nil
	}
	return &Match{
		PolicyID:    c.PolicyID,
		RuleID:      c.RuleID,
		Version:     c.Version,
		Priority:    c.Priority,
		Score:       score,
		Labels:      labels,
		Actions:     b.Actions.Immediate,
		ReviewQueue: b.Actions.ReviewQueue,
	}
}

func conditionWeight(w *float64) float64 {
	if w == nil {
		return DefaultConditionWeight
	}
	return *w
}

func (ev *evaluator) matchPattern(ctx context.Context, c *Compiled, idx int, pat *Pattern, content string) bool {
	if content == "" {
		return false
	}
	switch pat.Type {
	case PatternKeyword, PatternDomain:
		if pat.CaseSensitive {
			return strings.Contains(content, pat.Value)
		}
		return strings.Contains(strings.ToLower(content), strings.ToLower(pat.Value))
	case PatternRegex:
		re := c.regexes[idx]
		return re != nil && re.MatchString(content)
	case PatternFuzzy:
		return keyword.FuzzyContains(content, pat.Value, pat.Similarity)
	case PatternKeywordSet:
		if ev.sets == nil {
			return false
		}
		for _, tok := range keyword.TokenizeTextSkippingCensorChars(content) {
			ok, err := ev.sets.InSet(ctx, pat.Value, tok)
			if err != nil {
				ev.logger.Warn("keyword set lookup failed", "set", pat.Value, "err", err)
				return false
			}
			if ok {
				return true
			}
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
