// Package tickets implements the member ticket workflow used for reports, complaints, requests and case appeals.
//
// Tickets move opened -> triaged -> in_review -> decided -> closed. A moderator can park a triaged or in-review ticket in needs_info; the creator's reply returns it to where it was.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lithium-bot/lithium/moderation/governance"
	"github.com/lithium-bot/lithium/moderation/store"

	"gorm.io/gorm"
)

var (
	ErrInvalidTransition = errors.New("ticket status does not allow this transition")
	ErrNotAuthorized     = governance.ErrNotAuthorized
	ErrInvalidTicket     = errors.New("invalid ticket")
)

const (
	TypeReport    = "report"
	TypeComplaint = "complaint"
	TypeRequest   = "request"
	TypeAppeal    = "appeal"
)

const (
	StatusOpened    = "opened"
	StatusTriaged   = "triaged"
	StatusInReview  = "in_review"
	StatusNeedsInfo = "needs_info"
	StatusDecided   = "decided"
	StatusClosed    = "closed"
)

const (
	ResolutionApproved = "approved"
	ResolutionDenied   = "denied"
)

var typeCodes = map[string]string{
	TypeReport:    "R",
	TypeComplaint: "C",
	TypeRequest:   "Q",
	TypeAppeal:    "A",
}

var typePriority = map[string]int{
	TypeReport:    6,
	TypeComplaint: 5,
	TypeRequest:   3,
	TypeAppeal:    7,
}

type RoleResolver interface {
	Role(ctx context.Context, guildID string, a governance.Actor) (governance.Role, error)
}

type CaseLinker interface {
	GetCase(ctx context.Context, guildID, caseID string) (*store.ModCase, error)
	MarkAppealed(ctx context.Context, guildID, caseID, ticketID string) error
}

type AppealRecorder interface {
	AppealSubmitted(ctx context.Context, guildID, userID string) error
	AppealDecided(ctx context.Context, guildID, userID string, accepted bool) error
}

type AuditRecorder interface {
	RecordAudit(ctx context.Context, ev *store.AuditEvent, details any) error
}

type Service struct {
	DB      *gorm.DB
	Roles   RoleResolver
	Cases   CaseLinker
	Appeals AppealRecorder
	Audit   AuditRecorder
	Logger  *slog.Logger
	Now     func() time.Time
}

func NewService(db *gorm.DB, roles RoleResolver, cases CaseLinker, appeals AppealRecorder, audit AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		DB:      db,
		Roles:   roles,
		Cases:   cases,
		Appeals: appeals,
		Audit:   audit,
		Logger:  logger.With("component", "tickets"),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func FormatTicketID(guildID, ticketType string, n int64) string {
	return fmt.Sprintf("%s-%s-%04d", store.GuildSuffix(guildID), typeCodes[ticketType], n)
}

type NewTicket struct {
	Type          string
	Subject       string
	Description   string
	RelatedCaseID string
	Tags          string
}

// authorLabel is the author_role recorded on ticket messages
func authorLabel(r governance.Role) string {
	if r == governance.RoleOwner {
		return governance.RoleOpsAdmin.String()
	}
	return r.String()
}

func (s *Service) role(ctx context.Context, guildID string, a governance.Actor) (governance.Role, error) {
	if a.IsSystem() {
		return governance.RoleSystem, nil
	}
	if s.Roles == nil {
		return governance.RoleMember, nil
	}
	return s.Roles.Role(ctx, guildID, a)
}

func (s *Service) audit(ctx context.Context, t *store.TicketV2, actor governance.Actor, action string, details any) {
	if s.Audit == nil {
		return
	}
	actorType := store.ActorUser
	if actor.IsSystem() {
		actorType = store.ActorSystem
	}
	err := s.Audit.RecordAudit(ctx, &store.AuditEvent{
		GuildID:    t.GuildID,
		EventType:  "ticket",
		ActorID:    actor.ID,
		ActorType:  actorType,
		TargetType: "ticket",
		TargetID:   t.TicketID,
		Action:     action,
		TicketID:   t.TicketID,
		CaseID:     t.RelatedCaseID,
	}, details)
	if err != nil {
		s.Logger.Error("failed to record ticket audit event", "ticket", t.TicketID, "action", action, "err", err)
	}
}

// Create opens a ticket for any member. An appeal referencing a case must be filed by the case's subject, and marks that case appealed.
func (s *Service) Create(ctx context.Context, guildID string, creator governance.Actor, in NewTicket) (*store.TicketV2, error) {
	if _, ok := typeCodes[in.Type]; !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidTicket, in.Type)
	}
	if in.Subject == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidTicket)
	}
	if in.RelatedCaseID != "" && s.Cases != nil {
		c, err := s.Cases.GetCase(ctx, guildID, in.RelatedCaseID)
		if err != nil {
			return nil, fmt.Errorf("related case: %w", err)
		}
		if in.Type == TypeAppeal && c.UserID != creator.ID {
			return nil, ErrNotAuthorized
		}
	}

	t := &store.TicketV2{
		GuildID:       guildID,
		Type:          in.Type,
		Status:        StatusOpened,
		Priority:      typePriority[in.Type],
		CreatorID:     creator.ID,
		Subject:       in.Subject,
		Description:   in.Description,
		RelatedCaseID: in.RelatedCaseID,
		Tags:          in.Tags,
		CreatedAt:     s.Now(),
	}
	db := s.DB.WithContext(ctx)
	var n int64
	if err := db.Model(&store.TicketV2{}).Where("guild_id = ? AND type = ?", guildID, in.Type).Count(&n).Error; err != nil {
		return nil, err
	}
	var err error
	for i := 0; i < 5; i++ {
		n++
		t.ID = 0
		t.TicketID = FormatTicketID(guildID, in.Type, n)
		err = db.Omit("Messages").Create(t).Error
		if !store.IsDuplicate(err) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("creating ticket: %w", err)
	}

	if t.Type == TypeAppeal {
		if t.RelatedCaseID != "" && s.Cases != nil {
			if err := s.Cases.MarkAppealed(ctx, guildID, t.RelatedCaseID, t.TicketID); err != nil {
				s.Logger.Warn("could not mark case appealed", "case", t.RelatedCaseID, "ticket", t.TicketID, "err", err)
			}
		}
		if s.Appeals != nil {
			if err := s.Appeals.AppealSubmitted(ctx, guildID, creator.ID); err != nil {
				s.Logger.Warn("could not record appeal on risk profile", "user", creator.ID, "err", err)
			}
		}
	}
	s.audit(ctx, t, creator, "create", map[string]any{"type": t.Type, "priority": t.Priority})
	return t, nil
}

func (s *Service) Get(ctx context.Context, guildID, ticketID string) (*store.TicketV2, error) {
	var t store.TicketV2
	err := s.DB.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("guild_id = ? AND ticket_id = ?", guildID, ticketID).
		First(&t).Error
	if err != nil {
		return nil, store.NotFound(err)
	}
	return &t, nil
}

// ListOpen returns every ticket that is not closed, highest priority first.
func (s *Service) ListOpen(ctx context.Context, guildID string) ([]store.TicketV2, error) {
	var out []store.TicketV2
	err := s.DB.WithContext(ctx).
		Where("guild_id = ? AND status <> ?", guildID, StatusClosed).
		Order("priority DESC, created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}
