package tickets

import (
	"context"
	"fmt"

	"github.com/lithium-bot/lithium/moderation/governance"
	"github.com/lithium-bot/lithium/moderation/store"
)

// transition moves a ticket between states with a conditional update, so concurrent transitions cannot both apply.
func (s *Service) transition(ctx context.Context, guildID, ticketID string, from []string, cols map[string]any) (*store.TicketV2, error) {
	res := s.DB.WithContext(ctx).Model(&store.TicketV2{}).
		Where("guild_id = ? AND ticket_id = ? AND status IN ?", guildID, ticketID, from).
		Updates(cols)
	if res.Error != nil {
		return nil, fmt.Errorf("updating ticket: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, guildID, ticketID); err != nil {
			return nil, err
		}
		return nil, ErrInvalidTransition
	}
	return s.Get(ctx, guildID, ticketID)
}

func (s *Service) require(ctx context.Context, guildID string, actor governance.Actor, least governance.Role) (governance.Role, error) {
	role, err := s.role(ctx, guildID, actor)
	if err != nil {
		return role, err
	}
	if role < least {
		return role, ErrNotAuthorized
	}
	return role, nil
}

func (s *Service) Triage(ctx context.Context, guildID, ticketID string, actor governance.Actor) (*store.TicketV2, error) {
	if _, err := s.require(ctx, guildID, actor, governance.RoleTriage); err != nil {
		return nil, err
	}
	t, err := s.transition(ctx, guildID, ticketID, []string{StatusOpened}, map[string]any{
		"status":     StatusTriaged,
		"triaged_at": s.Now(),
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, t, actor, "triage", nil)
	return t, nil
}

func (s *Service) StartReview(ctx context.Context, guildID, ticketID string, actor governance.Actor) (*store.TicketV2, error) {
	if _, err := s.require(ctx, guildID, actor, governance.RoleReviewer); err != nil {
		return nil, err
	}
	t, err := s.transition(ctx, guildID, ticketID, []string{StatusTriaged}, map[string]any{
		"status":      StatusInReview,
		"assigned_to": actor.ID,
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, t, actor, "start_review", nil)
	return t, nil
}

// RequestInfo parks the ticket until the creator replies. The question is posted as a visible message.
func (s *Service) RequestInfo(ctx context.Context, guildID, ticketID string, actor governance.Actor, question string) (*store.TicketV2, error) {
	role, err := s.require(ctx, guildID, actor, governance.RoleTriage)
	if err != nil {
		return nil, err
	}
	cur, err := s.Get(ctx, guildID, ticketID)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusTriaged && cur.Status != StatusInReview {
		return nil, ErrInvalidTransition
	}
	t, err := s.transition(ctx, guildID, ticketID, []string{cur.Status}, map[string]any{
		"status":      StatusNeedsInfo,
		"prev_status": cur.Status,
	})
	if err != nil {
		return nil, err
	}
	if question != "" {
		m, err := s.insertMessage(ctx, t, actor, authorLabel(role), question, false)
		if err != nil {
			return nil, err
		}
		t.Messages = append(t.Messages, *m)
	}
	s.audit(ctx, t, actor, "request_info", map[string]any{"from": cur.Status})
	return t, nil
}

// ProvideInfo is the creator's reply to RequestInfo; the ticket returns to its previous state.
func (s *Service) ProvideInfo(ctx context.Context, guildID, ticketID string, actor governance.Actor, content string) (*store.TicketV2, error) {
	cur, err := s.Get(ctx, guildID, ticketID)
	if err != nil {
		return nil, err
	}
	if cur.CreatorID != actor.ID {
		return nil, ErrNotAuthorized
	}
	if cur.Status != StatusNeedsInfo {
		return nil, ErrInvalidTransition
	}
	back := cur.PrevStatus
	if back == "" {
		back = StatusTriaged
	}
	t, err := s.transition(ctx, guildID, ticketID, []string{StatusNeedsInfo}, map[string]any{
		"status":      back,
		"prev_status": "",
	})
	if err != nil {
		return nil, err
	}
	if content != "" {
		m, err := s.insertMessage(ctx, t, actor, governance.RoleMember.String(), content, false)
		if err != nil {
			return nil, err
		}
		t.Messages = append(t.Messages, *m)
	}
	s.audit(ctx, t, actor, "info_provided", map[string]any{"to": back})
	return t, nil
}

// Decide records the outcome of a review. It never changes the related case; overturning is a separate, explicit action.
func (s *Service) Decide(ctx context.Context, guildID, ticketID string, actor governance.Actor, resolution, note string) (*store.TicketV2, error) {
	if resolution != ResolutionApproved && resolution != ResolutionDenied {
		return nil, fmt.Errorf("%w: resolution must be approved or denied", ErrInvalidTicket)
	}
	if _, err := s.require(ctx, guildID, actor, governance.RoleReviewer); err != nil {
		return nil, err
	}
	t, err := s.transition(ctx, guildID, ticketID, []string{StatusInReview}, map[string]any{
		"status":          StatusDecided,
		"resolution":      resolution,
		"resolution_note": note,
		"decided_at":      s.Now(),
	})
	if err != nil {
		return nil, err
	}
	if t.Type == TypeAppeal && s.Appeals != nil {
		if err := s.Appeals.AppealDecided(ctx, guildID, t.CreatorID, resolution == ResolutionApproved); err != nil {
			s.Logger.Warn("could not record appeal decision on risk profile", "user", t.CreatorID, "err", err)
		}
	}
	s.audit(ctx, t, actor, "decide", map[string]any{"resolution": resolution, "note": note})
	return t, nil
}

func (s *Service) Close(ctx context.Context, guildID, ticketID string, actor governance.Actor) (*store.TicketV2, error) {
	if _, err := s.require(ctx, guildID, actor, governance.RoleTriage); err != nil {
		return nil, err
	}
	t, err := s.transition(ctx, guildID, ticketID,
		[]string{StatusOpened, StatusTriaged, StatusInReview, StatusNeedsInfo, StatusDecided},
		map[string]any{
			"status":    StatusClosed,
			"closed_at": s.Now(),
			"closed_by": actor.ID,
		})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, t, actor, "close", nil)
	return t, nil
}

func (s *Service) Assign(ctx context.Context, guildID, ticketID string, actor governance.Actor, assignee string) (*store.TicketV2, error) {
	if _, err := s.require(ctx, guildID, actor, governance.RoleTriage); err != nil {
		return nil, err
	}
	t, err := s.transition(ctx, guildID, ticketID,
		[]string{StatusOpened, StatusTriaged, StatusInReview, StatusNeedsInfo, StatusDecided},
		map[string]any{"assigned_to": assignee})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, t, actor, "assign", map[string]any{"assignee": assignee})
	return t, nil
}
