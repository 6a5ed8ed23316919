package cases

import (
	"context"
	"fmt"

	"github.com/lithium-bot/lithium/moderation/store"
)

// BeginAction logs a pending platform action. Returns false if an action with the same id was already logged.
func (s *Service) BeginAction(ctx context.Context, a *store.DiscordAction) (bool, error) {
	if a.Status == "" {
		a.Status = store.ActionStatusPending
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = s.Now()
	}
	err := s.DB.WithContext(ctx).Create(a).Error
	if store.IsDuplicate(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("logging action: %w", err)
	}
	return true, nil
}

func (s *Service) FinishAction(ctx context.Context, actionID, status, errMsg string) error {
	now := s.Now()
	return s.DB.WithContext(ctx).Model(&store.DiscordAction{}).
		Where("action_id = ?", actionID).
		Updates(map[string]any{"status": status, "error": errMsg, "completed_at": now}).Error
}

func (s *Service) ActionExists(ctx context.Context, actionID string) (bool, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&store.DiscordAction{}).Where("action_id = ?", actionID).Count(&n).Error
	return n > 0, err
}

func (s *Service) GetAction(ctx context.Context, actionID string) (*store.DiscordAction, error) {
	var a store.DiscordAction
	if err := s.DB.WithContext(ctx).Where("action_id = ?", actionID).First(&a).Error; err != nil {
		return nil, store.NotFound(err)
	}
	return &a, nil
}

// AttachActions links already dispatched actions to the case created for them.
func (s *Service) AttachActions(ctx context.Context, actionIDs []string, caseID string) error {
	if len(actionIDs) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Model(&store.DiscordAction{}).
		Where("action_id IN ?", actionIDs).
		Update("case_id", caseID).Error
}

func (s *Service) ListCaseActions(ctx context.Context, caseID string) ([]store.DiscordAction, error) {
	var out []store.DiscordAction
	err := s.DB.WithContext(ctx).Where("case_id = ?", caseID).Order("id ASC").Find(&out).Error
	return out, err
}
