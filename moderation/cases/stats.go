package cases

import (
	"context"
	"time"

	"github.com/lithium-bot/lithium/moderation/store"
)

type RuleStat struct {
	RuleID string
	Count  int64
}

type ActionStat struct {
	ActionType string
	Count      int64
}

func (s *Service) since(days int) time.Time {
	return s.Now().Add(-time.Duration(days) * 24 * time.Hour)
}

// RuleStats counts the guild's cases per rule over the last days, most frequent first.
func (s *Service) RuleStats(ctx context.Context, guildID string, days int) ([]RuleStat, error) {
	var out []RuleStat
	err := s.DB.WithContext(ctx).Model(&store.ModCase{}).
		Select("rule_id, COUNT(*) AS count").
		Where("guild_id = ? AND created_at >= ?", guildID, s.since(days)).
		Group("rule_id").
		Order("count DESC, rule_id ASC").
		Scan(&out).Error
	return out, err
}

func (s *Service) ActionStats(ctx context.Context, guildID string, days int) ([]ActionStat, error) {
	var out []ActionStat
	err := s.DB.WithContext(ctx).Model(&store.ModCase{}).
		Select("action_type, COUNT(*) AS count").
		Where("guild_id = ? AND created_at >= ?", guildID, s.since(days)).
		Group("action_type").
		Order("count DESC, action_type ASC").
		Scan(&out).Error
	return out, err
}

// FalsePositiveRate is the share of the guild's recent cases that were overturned. Zero when there are no cases.
func (s *Service) FalsePositiveRate(ctx context.Context, guildID string, days int) (float64, error) {
	db := s.DB.WithContext(ctx)
	since := s.since(days)
	var total, overturned int64
	if err := db.Model(&store.ModCase{}).Where("guild_id = ? AND created_at >= ?", guildID, since).Count(&total).Error; err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	err := db.Model(&store.ModCase{}).
		Where("guild_id = ? AND created_at >= ? AND status = ?", guildID, since, store.CaseStatusOverturned).
		Count(&overturned).Error
	if err != nil {
		return 0, err
	}
	return float64(overturned) / float64(total), nil
}
