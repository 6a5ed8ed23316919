package cases

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lithium-bot/lithium/moderation/store"

	"github.com/google/uuid"
)

// RecordAudit appends an audit event. details, if non-nil, is stored as JSON.
func (s *Service) RecordAudit(ctx context.Context, ev *store.AuditEvent, details any) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.ActorType == "" {
		ev.ActorType = store.ActorBot
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.Now()
	}
	if details != nil {
		buf, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encoding audit details: %w", err)
		}
		ev.Details = string(buf)
	}
	if err := s.DB.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("recording audit event: %w", err)
	}
	return nil
}

type AuditFilter struct {
	EventType string
	Action    string
	CaseID    string
	TicketID  string
	Limit     int
}

// ListAudit returns a guild's audit events, newest first.
func (s *Service) ListAudit(ctx context.Context, guildID string, f AuditFilter) ([]store.AuditEvent, error) {
	q := s.DB.WithContext(ctx).Where("guild_id = ?", guildID)
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.CaseID != "" {
		q = q.Where("case_id = ?", f.CaseID)
	}
	if f.TicketID != "" {
		q = q.Where("ticket_id = ?", f.TicketID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []store.AuditEvent
	err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error
	return out, err
}
