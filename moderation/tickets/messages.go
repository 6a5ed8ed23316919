package tickets

import (
	"context"
	"fmt"

	"github.com/lithium-bot/lithium/moderation/governance"
	"github.com/lithium-bot/lithium/moderation/store"

	"github.com/google/uuid"
)

func (s *Service) insertMessage(ctx context.Context, t *store.TicketV2, actor governance.Actor, authorRole, content string, internal bool) (*store.TicketMessageV2, error) {
	m := &store.TicketMessageV2{
		MessageID:  uuid.NewString(),
		TicketV2ID: t.ID,
		AuthorID:   actor.ID,
		AuthorRole: authorRole,
		Content:    content,
		IsInternal: internal,
		CreatedAt:  s.Now(),
	}
	if err := s.DB.WithContext(ctx).Create(m).Error; err != nil {
		return nil, fmt.Errorf("storing ticket message: %w", err)
	}
	return m, nil
}

// AddMessage posts to an open ticket. Members may only post on their own tickets, and internal notes are for moderators.
func (s *Service) AddMessage(ctx context.Context, guildID, ticketID string, actor governance.Actor, content string, internal bool) (*store.TicketMessageV2, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidTicket)
	}
	t, err := s.Get(ctx, guildID, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusClosed {
		return nil, ErrInvalidTransition
	}
	role, err := s.role(ctx, guildID, actor)
	if err != nil {
		return nil, err
	}
	if role < governance.RoleTriage && (internal || t.CreatorID != actor.ID) {
		return nil, ErrNotAuthorized
	}
	m, err := s.insertMessage(ctx, t, actor, authorLabel(role), content, internal)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, t, actor, "message", map[string]any{"internal": internal})
	return m, nil
}
