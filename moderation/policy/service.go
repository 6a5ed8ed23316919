package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lithium-bot/lithium/moderation/configbus"
	"github.com/lithium-bot/lithium/moderation/store"

	"gorm.io/gorm"
)

var ErrPolicyExists = errors.New("policy with this rule_id already exists")

// Service manages stored policies. Every write snapshots a PolicyVersion, drops the local cache and announces the change on the bus.
type Service struct {
	DB     *gorm.DB
	Engine *Engine
	Bus    configbus.Bus
	Logger *slog.Logger
}

func NewService(db *gorm.DB, engine *Engine, bus configbus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{DB: db, Engine: engine, Bus: bus, Logger: logger.With("component", "policy")}
}

func (s *Service) changed(ctx context.Context, guildID, action string) {
	if s.Engine != nil {
		s.Engine.Invalidate(guildID)
	}
	if s.Bus == nil {
		return
	}
	err := s.Bus.Publish(ctx, configbus.Change{GuildID: guildID, Module: configbus.ModulePolicies, Action: action})
	if err != nil {
		s.Logger.Warn("failed to publish policy change", "guild", guildID, "err", err)
	}
}

func (s *Service) Create(ctx context.Context, guildID string, raw []byte, actor string) (*store.Policy, error) {
	body, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if body.RuleID == "" {
		return nil, invalid("rule_id is required")
	}
	normalized, err := body.Marshal()
	if err != nil {
		return nil, err
	}
	p := &store.Policy{
		GuildID:     guildID,
		RuleID:      body.RuleID,
		Name:        body.Name,
		Description: body.Description,
		Body:        normalized,
		Priority:    body.Priority,
		Version:     1,
		IsActive:    true,
		CreatedBy:   actor,
		UpdatedBy:   actor,
	}
	if p.Name == "" {
		p.Name = body.RuleID
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		return tx.Create(&store.PolicyVersion{
			PolicyID:   p.ID,
			Version:    p.Version,
			Body:       normalized,
			ChangedBy:  actor,
			ChangeNote: "created",
		}).Error
	})
	if store.IsDuplicate(err) {
		return nil, ErrPolicyExists
	}
	if err != nil {
		return nil, fmt.Errorf("creating policy: %w", err)
	}
	s.changed(ctx, guildID, "create")
	return p, nil
}

// Update replaces the body of an existing policy and bumps its version. The rule_id in the body, if any, must match.
func (s *Service) Update(ctx context.Context, guildID, ruleID string, raw []byte, actor, note string) (*store.Policy, error) {
	body, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if body.RuleID == "" {
		body.RuleID = ruleID
	}
	if body.RuleID != ruleID {
		return nil, invalid("rule_id %q does not match %q", body.RuleID, ruleID)
	}
	normalized, err := body.Marshal()
	if err != nil {
		return nil, err
	}

	var p store.Policy
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("guild_id = ? AND rule_id = ?", guildID, ruleID).First(&p).Error; err != nil {
			return store.NotFound(err)
		}
		p.Version++
		p.Body = normalized
		p.Priority = body.Priority
		p.UpdatedBy = actor
		if body.Name != "" {
			p.Name = body.Name
		}
		if body.Description != "" {
			p.Description = body.Description
		}
		if err := tx.Save(&p).Error; err != nil {
			return err
		}
		return tx.Create(&store.PolicyVersion{
			PolicyID:   p.ID,
			Version:    p.Version,
			Body:       normalized,
			ChangedBy:  actor,
			ChangeNote: note,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	s.changed(ctx, guildID, "update")
	return &p, nil
}

func (s *Service) Toggle(ctx context.Context, guildID, ruleID string, active bool, actor string) (*store.Policy, error) {
	res := s.DB.WithContext(ctx).Model(&store.Policy{}).
		Where("guild_id = ? AND rule_id = ?", guildID, ruleID).
		Updates(map[string]any{"is_active": active, "updated_by": actor})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, store.ErrNotFound
	}
	s.changed(ctx, guildID, "toggle")
	return s.Get(ctx, guildID, ruleID)
}

func (s *Service) Get(ctx context.Context, guildID, ruleID string) (*store.Policy, error) {
	var p store.Policy
	if err := s.DB.WithContext(ctx).Where("guild_id = ? AND rule_id = ?", guildID, ruleID).First(&p).Error; err != nil {
		return nil, store.NotFound(err)
	}
	return &p, nil
}

func (s *Service) List(ctx context.Context, guildID string, activeOnly bool) ([]store.Policy, error) {
	q := s.DB.WithContext(ctx).Where("guild_id = ?", guildID)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var out []store.Policy
	if err := q.Order("priority DESC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// History returns every stored version of a policy, newest first.
func (s *Service) History(ctx context.Context, guildID, ruleID string) ([]store.PolicyVersion, error) {
	p, err := s.Get(ctx, guildID, ruleID)
	if err != nil {
		return nil, err
	}
	var out []store.PolicyVersion
	if err := s.DB.WithContext(ctx).Where("policy_id = ?", p.ID).Order("version DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
