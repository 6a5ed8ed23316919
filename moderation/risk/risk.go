// Per-(guild, user) risk profiles: a weighted composite score recomputed on activity, plus a separate periodic decay.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lithium-bot/lithium/moderation/store"

	"gorm.io/gorm"
)

type ViolationKind string

const (
	KindViolation ViolationKind = "violation"
	KindWarning   ViolationKind = "warning"
	KindTimeout   ViolationKind = "timeout"
	KindKick      ViolationKind = "kick"
	KindBan       ViolationKind = "ban"
)

// Static signals from the platform. Nil fields leave the stored value untouched.
type Signals struct {
	AccountCreatedAt *time.Time
	JoinedAt         *time.Time
	HasAvatar        *bool
}

type Engine struct {
	DB     *gorm.DB
	Logger *slog.Logger
	Now    func() time.Time
}

func NewEngine(db *gorm.DB, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		DB:     db,
		Logger: logger.With("component", "risk"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) Get(ctx context.Context, guildID, userID string) (*store.UserRiskProfile, error) {
	var p store.UserRiskProfile
	err := e.DB.WithContext(ctx).Where("guild_id = ? AND user_id = ?", guildID, userID).First(&p).Error
	if err != nil {
		return nil, store.NotFound(err)
	}
	return &p, nil
}

// GetOrCreate fetches the profile, creating and scoring it on first sight. Concurrent creators converge on the same row.
func (e *Engine) GetOrCreate(ctx context.Context, guildID, userID string, sig Signals) (*store.UserRiskProfile, error) {
	db := e.DB.WithContext(ctx)
	p, err := e.Get(ctx, guildID, userID)
	if err == nil {
		return p, e.refreshSignals(ctx, p, sig)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("fetching risk profile: %w", err)
	}

	now := e.Now()
	p = &store.UserRiskProfile{
		GuildID:          guildID,
		UserID:           userID,
		AccountCreatedAt: sig.AccountCreatedAt,
		JoinedAt:         sig.JoinedAt,
		HasAvatar:        true,
		IsNewcomer:       true,
	}
	if sig.HasAvatar != nil {
		p.HasAvatar = *sig.HasAvatar
	}
	score := CalculateScore(p, now)
	p.BaseRiskScore = score
	p.CurrentRiskScore = score
	p.LastCalculatedAt = &now

	err = db.Create(p).Error
	if store.IsDuplicate(err) {
		// lost the race to another event for the same user
		return e.Get(ctx, guildID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("creating risk profile: %w", err)
	}
	return p, nil
}

func (e *Engine) refreshSignals(ctx context.Context, p *store.UserRiskProfile, sig Signals) error {
	updates := map[string]any{}
	if sig.AccountCreatedAt != nil && (p.AccountCreatedAt == nil || !p.AccountCreatedAt.Equal(*sig.AccountCreatedAt)) {
		updates["account_created_at"] = *sig.AccountCreatedAt
		p.AccountCreatedAt = sig.AccountCreatedAt
	}
	if sig.JoinedAt != nil && (p.JoinedAt == nil || !p.JoinedAt.Equal(*sig.JoinedAt)) {
		updates["joined_at"] = *sig.JoinedAt
		p.JoinedAt = sig.JoinedAt
	}
	if sig.HasAvatar != nil && p.HasAvatar != *sig.HasAvatar {
		updates["has_avatar"] = *sig.HasAvatar
		p.HasAvatar = *sig.HasAvatar
	}
	if len(updates) == 0 {
		return nil
	}
	return e.DB.WithContext(ctx).Model(&store.UserRiskProfile{}).Where("id = ?", p.ID).UpdateColumns(updates).Error
}

func (e *Engine) reload(ctx context.Context, p *store.UserRiskProfile) error {
	return e.DB.WithContext(ctx).First(p, p.ID).Error
}

// UpdateAfterMessage bumps message counters with atomic SQL increments and refreshes p from the database.
func (e *Engine) UpdateAfterMessage(ctx context.Context, p *store.UserRiskProfile) error {
	now := e.Now()
	err := e.DB.WithContext(ctx).Model(&store.UserRiskProfile{}).Where("id = ?", p.ID).UpdateColumns(map[string]any{
		"messages_24h":         gorm.Expr("messages_24h + ?", 1),
		"total_messages":       gorm.Expr("total_messages + ?", 1),
		"message_window_start": gorm.Expr("COALESCE(message_window_start, ?)", now),
		"last_message_at":      now,
	}).Error
	if err != nil {
		return fmt.Errorf("updating message counters: %w", err)
	}
	return e.reload(ctx, p)
}

// UpdateAfterViolation records an enforcement against the user and recomputes the score.
func (e *Engine) UpdateAfterViolation(ctx context.Context, p *store.UserRiskProfile, kind ViolationKind) error {
	now := e.Now()
	updates := map[string]any{
		"violations_24h":    gorm.Expr("violations_24h + ?", 1),
		"total_violations":  gorm.Expr("total_violations + ?", 1),
		"last_violation_at": now,
	}
	switch kind {
	case KindWarning:
		updates["warnings_24h"] = gorm.Expr("warnings_24h + ?", 1)
		updates["total_warnings"] = gorm.Expr("total_warnings + ?", 1)
	case KindTimeout:
		updates["total_timeouts"] = gorm.Expr("total_timeouts + ?", 1)
	case KindKick:
		updates["total_kicks"] = gorm.Expr("total_kicks + ?", 1)
	case KindBan:
		updates["total_bans"] = gorm.Expr("total_bans + ?", 1)
	}
	err := e.DB.WithContext(ctx).Model(&store.UserRiskProfile{}).Where("id = ?", p.ID).UpdateColumns(updates).Error
	if err != nil {
		return fmt.Errorf("updating violation counters: %w", err)
	}
	_, err = e.Recalculate(ctx, p)
	return err
}

// Recalculate reloads the profile and stores a fresh score as both base and current score.
func (e *Engine) Recalculate(ctx context.Context, p *store.UserRiskProfile) (float64, error) {
	if err := e.reload(ctx, p); err != nil {
		return 0, err
	}
	now := e.Now()
	score := CalculateScore(p, now)
	if p.IsQuarantined {
		score = 1.0
	}
	err := e.DB.WithContext(ctx).Model(&store.UserRiskProfile{}).Where("id = ?", p.ID).UpdateColumns(map[string]any{
		"base_risk_score":    score,
		"current_risk_score": score,
		"last_calculated_at": now,
	}).Error
	if err != nil {
		return 0, fmt.Errorf("storing risk score: %w", err)
	}
	p.BaseRiskScore = score
	p.CurrentRiskScore = score
	p.LastCalculatedAt = &now
	return score, nil
}

func (e *Engine) AppealSubmitted(ctx context.Context, guildID, userID string) error {
	p, err := e.GetOrCreate(ctx, guildID, userID, Signals{})
	if err != nil {
		return err
	}
	err = e.DB.WithContext(ctx).Model(&store.UserRiskProfile{}).Where("id = ?", p.ID).
		UpdateColumn("appeals_submitted", gorm.Expr("appeals_submitted + ?", 1)).Error
	if err != nil {
		return err
	}
	_, err = e.Recalculate(ctx, p)
	return err
}

func (e *Engine) AppealDecided(ctx context.Context, guildID, userID string, accepted bool) error {
	if !accepted {
		return nil
	}
	p, err := e.GetOrCreate(ctx, guildID, userID, Signals{})
	if err != nil {
		return err
	}
	err = e.DB.WithContext(ctx).Model(&store.UserRiskProfile{}).Where("id = ?", p.ID).
		UpdateColumn("appeals_accepted", gorm.Expr("appeals_accepted + ?", 1)).Error
	if err != nil {
		return err
	}
	_, err = e.Recalculate(ctx, p)
	return err
}

// ApplyDecay is the hourly sweep: every nonzero score drops by DecayPerHour (floored at zero), and rolling 24h counters are reset once their window has passed. Returns the number of decayed profiles.
func (e *Engine) ApplyDecay(ctx context.Context) (int64, error) {
	db := e.DB.WithContext(ctx)
	now := e.Now()
	cutoff := now.Add(-24 * time.Hour)

	res := db.Model(&store.UserRiskProfile{}).Where("current_risk_score > ?", 0).
		UpdateColumn("current_risk_score", gorm.Expr("CASE WHEN current_risk_score > ? THEN current_risk_score - ? ELSE 0 END", DecayPerHour, DecayPerHour))
	if res.Error != nil {
		return 0, fmt.Errorf("decaying risk scores: %w", res.Error)
	}

	err := db.Model(&store.UserRiskProfile{}).
		Where("last_violation_at IS NOT NULL AND last_violation_at <= ? AND (violations_24h > 0 OR warnings_24h > 0)", cutoff).
		UpdateColumns(map[string]any{"violations_24h": 0, "warnings_24h": 0}).Error
	if err != nil {
		return 0, fmt.Errorf("resetting violation counters: %w", err)
	}

	err = db.Model(&store.UserRiskProfile{}).
		Where("message_window_start IS NOT NULL AND message_window_start <= ?", cutoff).
		UpdateColumns(map[string]any{"messages_24h": 0, "message_window_start": nil}).Error
	if err != nil {
		return 0, fmt.Errorf("resetting message counters: %w", err)
	}

	e.Logger.Info("risk decay applied", "profiles", res.RowsAffected)
	return res.RowsAffected, nil
}

// EligibleForPromotion requires all of: still a newcomer, not quarantined, no violations in the last 24h, membership of at least minHours, and at least minMessages messages.
func EligibleForPromotion(p *store.UserRiskProfile, minHours, minMessages int, now time.Time) bool {
	if !p.IsNewcomer || p.IsQuarantined {
		return false
	}
	if p.Violations24h > 0 {
		return false
	}
	hours := MembershipAgeHours(p, now)
	if hours < 0 || hours < minHours {
		return false
	}
	return p.Messages24h >= minMessages
}

// CheckNewcomerPromotion promotes the profile to verified if eligible under the guild's thresholds. Returns true only for the call that performed the promotion.
func (e *Engine) CheckNewcomerPromotion(ctx context.Context, p *store.UserRiskProfile, cfg *store.GovernanceConfig) (bool, error) {
	now := e.Now()
	if !EligibleForPromotion(p, cfg.NewcomerDurationHours, cfg.NewcomerMinMessages, now) {
		return false, nil
	}
	res := e.DB.WithContext(ctx).Model(&store.UserRiskProfile{}).
		Where("id = ? AND is_newcomer = ? AND is_quarantined = ?", p.ID, true, false).
		UpdateColumns(map[string]any{
			"is_newcomer": false,
			"is_verified": true,
			"verified_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("promoting newcomer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	p.IsNewcomer = false
	p.IsVerified = true
	p.VerifiedAt = &now
	return true, nil
}

// Quarantine pins the score at the maximum and resets the member to newcomer state.
func (e *Engine) Quarantine(ctx context.Context, p *store.UserRiskProfile, reason string) error {
	err := e.DB.WithContext(ctx).Model(&store.UserRiskProfile{}).Where("id = ?", p.ID).UpdateColumns(map[string]any{
		"is_quarantined":     true,
		"quarantine_reason":  reason,
		"is_newcomer":        true,
		"is_verified":        false,
		"current_risk_score": 1.0,
	}).Error
	if err != nil {
		return fmt.Errorf("quarantining user: %w", err)
	}
	p.IsQuarantined = true
	p.QuarantineReason = reason
	p.IsNewcomer = true
	p.IsVerified = false
	p.CurrentRiskScore = 1.0
	return nil
}

func (e *Engine) Release(ctx context.Context, p *store.UserRiskProfile) error {
	err := e.DB.WithContext(ctx).Model(&store.UserRiskProfile{}).Where("id = ?", p.ID).UpdateColumns(map[string]any{
		"is_quarantined":    false,
		"quarantine_reason": "",
	}).Error
	if err != nil {
		return fmt.Errorf("releasing user: %w", err)
	}
	_, err = e.Recalculate(ctx, p)
	return err
}
