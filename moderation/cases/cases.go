// Package cases persists moderation cases with their evidence, the append-only audit log, and the log of dispatched platform actions.
package cases

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/lithium-bot/lithium/moderation/store"

	"gorm.io/gorm"
)

var ErrInvalidTransition = errors.New("case status does not allow this change")

const (
	MaxSnippetRunes = 500

	// attempts at allocating a case number before giving up
	caseIDAttempts = 5
)

type Service struct {
	DB     *gorm.DB
	Logger *slog.Logger
	Now    func() time.Time
}

func NewService(db *gorm.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		DB:     db,
		Logger: logger.With("component", "cases"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func FormatCaseID(guildID string, n int64) string {
	return fmt.Sprintf("%s-%05d", store.GuildSuffix(guildID), n)
}

// CreateCase assigns the next per-guild case number and inserts the case. Status defaults to executed.
func (s *Service) CreateCase(ctx context.Context, c *store.ModCase) error {
	db := s.DB.WithContext(ctx)
	if c.Status == "" {
		c.Status = store.CaseStatusExecuted
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.Now()
	}
	if c.DurationSeconds > 0 && c.ExpiresAt == nil {
		exp := s.Now().Add(time.Duration(c.DurationSeconds) * time.Second)
		c.ExpiresAt = &exp
	}

	var n int64
	if err := db.Model(&store.ModCase{}).Where("guild_id = ?", c.GuildID).Count(&n).Error; err != nil {
		return fmt.Errorf("counting cases: %w", err)
	}
	var err error
	for i := 0; i < caseIDAttempts; i++ {
		n++
		c.ID = 0
		c.CaseID = FormatCaseID(c.GuildID, n)
		err = db.Omit("Evidence").Create(c).Error
		if !store.IsDuplicate(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("creating case: %w", err)
	}
	return nil
}

type EvidenceInput struct {
	Kind          string
	Content       string
	AttachmentURL string
	MessageID     string
	ChannelID     string
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func ContentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// AddEvidence attaches evidence to a case. The snippet is truncated but the hash covers the full content. retentionDays of zero keeps it forever.
func (s *Service) AddEvidence(ctx context.Context, c *store.ModCase, in EvidenceInput, retentionDays int) (*store.Evidence, error) {
	ev := &store.Evidence{
		ModCaseID:      c.ID,
		Kind:           in.Kind,
		ContentSnippet: truncateRunes(in.Content, MaxSnippetRunes),
		AttachmentURL:  in.AttachmentURL,
		MessageID:      in.MessageID,
		ChannelID:      in.ChannelID,
	}
	if in.Content != "" {
		ev.ContentHash = ContentHash(in.Content)
	}
	if ev.Kind == "" {
		ev.Kind = "message"
	}
	if retentionDays > 0 {
		exp := s.Now().Add(time.Duration(retentionDays) * 24 * time.Hour)
		ev.ExpiresAt = &exp
	}
	if err := s.DB.WithContext(ctx).Create(ev).Error; err != nil {
		return nil, fmt.Errorf("storing evidence: %w", err)
	}
	return ev, nil
}

func (s *Service) GetCase(ctx context.Context, guildID, caseID string) (*store.ModCase, error) {
	var c store.ModCase
	err := s.DB.WithContext(ctx).Preload("Evidence").
		Where("guild_id = ? AND case_id = ?", guildID, caseID).First(&c).Error
	if err != nil {
		return nil, store.NotFound(err)
	}
	return &c, nil
}

// ListUserCases returns a user's cases, newest first.
func (s *Service) ListUserCases(ctx context.Context, guildID, userID string, limit int) ([]store.ModCase, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []store.ModCase
	err := s.DB.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkAppealed links an appeal ticket to an executed case.
func (s *Service) MarkAppealed(ctx context.Context, guildID, caseID, ticketID string) error {
	res := s.DB.WithContext(ctx).Model(&store.ModCase{}).
		Where("guild_id = ? AND case_id = ? AND status = ?", guildID, caseID, store.CaseStatusExecuted).
		Updates(map[string]any{"status": store.CaseStatusAppealed, "appeal_ticket_id": ticketID})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.transitionError(ctx, guildID, caseID)
	}
	return nil
}

// OverturnCase marks an executed or appealed case as overturned and audits it.
func (s *Service) OverturnCase(ctx context.Context, guildID, caseID, actorID, reason string) (*store.ModCase, error) {
	now := s.Now()
	res := s.DB.WithContext(ctx).Model(&store.ModCase{}).
		Where("guild_id = ? AND case_id = ? AND status IN ?", guildID, caseID, []string{store.CaseStatusExecuted, store.CaseStatusAppealed}).
		Updates(map[string]any{
			"status":            store.CaseStatusOverturned,
			"overturned_by":     actorID,
			"overturned_reason": reason,
			"overturned_at":     now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, s.transitionError(ctx, guildID, caseID)
	}
	c, err := s.GetCase(ctx, guildID, caseID)
	if err != nil {
		return nil, err
	}
	err = s.RecordAudit(ctx, &store.AuditEvent{
		GuildID:    guildID,
		EventType:  "case_overturn",
		ActorID:    actorID,
		ActorType:  store.ActorUser,
		TargetType: "user",
		TargetID:   c.UserID,
		Action:     "overturn",
		CaseID:     caseID,
	}, map[string]any{"reason": reason, "rule_id": c.RuleID})
	return c, err
}

// distinguishes a missing case from one in the wrong state
func (s *Service) transitionError(ctx context.Context, guildID, caseID string) error {
	if _, err := s.GetCase(ctx, guildID, caseID); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// CleanupExpiredEvidence deletes evidence past its retention date.
func (s *Service) CleanupExpiredEvidence(ctx context.Context) (int64, error) {
	res := s.DB.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at < ?", s.Now()).Delete(&store.Evidence{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting expired evidence: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.Logger.Info("expired evidence removed", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
