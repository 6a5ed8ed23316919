package tickets

import (
	"context"
	"testing"

	"github.com/lithium-bot/lithium/moderation/cases"
	"github.com/lithium-bot/lithium/moderation/governance"
	"github.com/lithium-bot/lithium/moderation/risk"
	"github.com/lithium-bot/lithium/moderation/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = governance.Actor{ID: "owner"}
	triager  = governance.Actor{ID: "t1", Roles: []string{"r-triage"}}
	reviewer = governance.Actor{ID: "rv1", Roles: []string{"r-review"}}
	member   = governance.Actor{ID: "u1"}
	stranger = governance.Actor{ID: "u2"}
)

type fixture struct {
	svc   *Service
	cases *cases.Service
	risk  *risk.Engine
}

func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	db, err := store.OpenTestDB()
	require.NoError(t, err)
	cs := cases.NewService(db, nil)
	reg := governance.NewRegistry(db, cs, nil, nil)
	require.NoError(t, reg.SetOwner(ctx, "guild-1234", owner.ID))
	require.NoError(t, reg.SetupRoles(ctx, "guild-1234", owner, governance.RoleSetup{
		Triage:   []string{"r-triage"},
		Reviewer: []string{"r-review"},
	}))
	re := risk.NewEngine(db, nil)
	return &fixture{svc: NewService(db, reg, cs, re, cs, nil), cases: cs, risk: re}
}

func TestCreateIDsAndPriority(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	r1, err := f.svc.Create(ctx, "guild-1234", member, NewTicket{Type: TypeReport, Subject: "spam bot"})
	assert.NoError(err)
	assert.Equal("1234-R-0001", r1.TicketID)
	assert.Equal(6, r1.Priority)
	assert.Equal(StatusOpened, r1.Status)

	r2, err := f.svc.Create(ctx, "guild-1234", member, NewTicket{Type: TypeReport, Subject: "another"})
	assert.NoError(err)
	assert.Equal("1234-R-0002", r2.TicketID)

	q, err := f.svc.Create(ctx, "guild-1234", member, NewTicket{Type: TypeRequest, Subject: "role please"})
	assert.NoError(err)
	assert.Equal("1234-Q-0001", q.TicketID)
	assert.Equal(3, q.Priority)

	c, err := f.svc.Create(ctx, "guild-1234", member, NewTicket{Type: TypeComplaint, Subject: "rude mod"})
	assert.NoError(err)
	assert.Equal("1234-C-0001", c.TicketID)
	assert.Equal(5, c.Priority)

	_, err = f.svc.Create(ctx, "guild-1234", member, NewTicket{Type: "praise", Subject: "x"})
	assert.ErrorIs(err, ErrInvalidTicket)
	_, err = f.svc.Create(ctx, "guild-1234", member, NewTicket{Type: TypeReport})
	assert.ErrorIs(err, ErrInvalidTicket)

	open, err := f.svc.ListOpen(ctx, "guild-1234")
	assert.NoError(err)
	assert.Len(open, 4)
	assert.Equal(TypeReport, open[0].Type)
}

func TestAppealLifecycle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	mc := &store.ModCase{GuildID: "guild-1234", UserID: member.ID, RuleID: "spam", ActionType: "warn"}
	require.NoError(t, f.cases.CreateCase(ctx, mc))

	_, err := f.svc.Create(ctx, "guild-1234", stranger, NewTicket{Type: TypeAppeal, Subject: "not me", RelatedCaseID: mc.CaseID})
	assert.ErrorIs(err, ErrNotAuthorized)

	tk, err := f.svc.Create(ctx, "guild-1234", member, NewTicket{Type: TypeAppeal, Subject: "it was a joke", RelatedCaseID: mc.CaseID})
	assert.NoError(err)
	assert.Equal("1234-A-0001", tk.TicketID)
	assert.Equal(7, tk.Priority)

	c, err := f.cases.GetCase(ctx, "guild-1234", mc.CaseID)
	assert.NoError(err)
	assert.Equal(store.CaseStatusAppealed, c.Status)
	assert.Equal(tk.TicketID, c.AppealTicketID)

	// out of order and unauthorized transitions
	_, err = f.svc.StartReview(ctx, "guild-1234", tk.TicketID, reviewer)
	assert.ErrorIs(err, ErrInvalidTransition)
	_, err = f.svc.Triage(ctx, "guild-1234", tk.TicketID, member)
	assert.ErrorIs(err, ErrNotAuthorized)

	tk, err = f.svc.Triage(ctx, "guild-1234", tk.TicketID, triager)
	assert.NoError(err)
	assert.Equal(StatusTriaged, tk.Status)
	assert.NotNil(tk.TriagedAt)

	_, err = f.svc.StartReview(ctx, "guild-1234", tk.TicketID, triager)
	assert.ErrorIs(err, ErrNotAuthorized)
	tk, err = f.svc.StartReview(ctx, "guild-1234", tk.TicketID, reviewer)
	assert.NoError(err)
	assert.Equal(StatusInReview, tk.Status)
	assert.Equal(reviewer.ID, tk.AssignedTo)

	tk, err = f.svc.RequestInfo(ctx, "guild-1234", tk.TicketID, reviewer, "which message?")
	assert.NoError(err)
	assert.Equal(StatusNeedsInfo, tk.Status)
	assert.Equal(StatusInReview, tk.PrevStatus)

	_, err = f.svc.ProvideInfo(ctx, "guild-1234", tk.TicketID, stranger, "me too")
	assert.ErrorIs(err, ErrNotAuthorized)
	tk, err = f.svc.ProvideInfo(ctx, "guild-1234", tk.TicketID, member, "the one in #general")
	assert.NoError(err)
	assert.Equal(StatusInReview, tk.Status)
	assert.Len(tk.Messages, 2)
	assert.Equal("reviewer", tk.Messages[0].AuthorRole)
	assert.Equal("member", tk.Messages[1].AuthorRole)

	_, err = f.svc.Decide(ctx, "guild-1234", tk.TicketID, reviewer, "maybe", "")
	assert.ErrorIs(err, ErrInvalidTicket)
	tk, err = f.svc.Decide(ctx, "guild-1234", tk.TicketID, reviewer, ResolutionApproved, "context shows a joke")
	assert.NoError(err)
	assert.Equal(StatusDecided, tk.Status)
	assert.Equal(ResolutionApproved, tk.Resolution)

	// deciding never touches the case
	c, err = f.cases.GetCase(ctx, "guild-1234", mc.CaseID)
	assert.NoError(err)
	assert.Equal(store.CaseStatusAppealed, c.Status)

	p, err := f.risk.Get(ctx, "guild-1234", member.ID)
	assert.NoError(err)
	assert.Equal(1, p.AppealsSubmitted)
	assert.Equal(1, p.AppealsAccepted)

	_, err = f.svc.Close(ctx, "guild-1234", tk.TicketID, member)
	assert.ErrorIs(err, ErrNotAuthorized)
	tk, err = f.svc.Close(ctx, "guild-1234", tk.TicketID, governance.SystemActor)
	assert.NoError(err)
	assert.Equal(StatusClosed, tk.Status)
	assert.Equal("system", tk.ClosedBy)

	_, err = f.svc.Close(ctx, "guild-1234", tk.TicketID, triager)
	assert.ErrorIs(err, ErrInvalidTransition)
	_, err = f.svc.AddMessage(ctx, "guild-1234", tk.TicketID, member, "thanks", false)
	assert.ErrorIs(err, ErrInvalidTransition)

	audit, err := f.cases.ListAudit(ctx, "guild-1234", cases.AuditFilter{TicketID: tk.TicketID, Limit: 50})
	assert.NoError(err)
	assert.Len(audit, 7)
}

func TestNeedsInfoFromTriaged(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	tk, err := f.svc.Create(ctx, "guild-1234", member, NewTicket{Type: TypeReport, Subject: "scam dm"})
	assert.NoError(err)
	_, err = f.svc.RequestInfo(ctx, "guild-1234", tk.TicketID, triager, "screenshot?")
	assert.ErrorIs(err, ErrInvalidTransition)

	_, err = f.svc.Triage(ctx, "guild-1234", tk.TicketID, triager)
	assert.NoError(err)
	_, err = f.svc.RequestInfo(ctx, "guild-1234", tk.TicketID, triager, "screenshot?")
	assert.NoError(err)
	tk, err = f.svc.ProvideInfo(ctx, "guild-1234", tk.TicketID, member, "attached")
	assert.NoError(err)
	assert.Equal(StatusTriaged, tk.Status)
	assert.Empty(tk.PrevStatus)
}

func TestMessagesAndAssign(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	tk, err := f.svc.Create(ctx, "guild-1234", member, NewTicket{Type: TypeRequest, Subject: "unmute"})
	assert.NoError(err)

	_, err = f.svc.AddMessage(ctx, "guild-1234", tk.TicketID, member, "please", false)
	assert.NoError(err)
	_, err = f.svc.AddMessage(ctx, "guild-1234", tk.TicketID, stranger, "hi", false)
	assert.ErrorIs(err, ErrNotAuthorized)
	_, err = f.svc.AddMessage(ctx, "guild-1234", tk.TicketID, member, "secret", true)
	assert.ErrorIs(err, ErrNotAuthorized)
	m, err := f.svc.AddMessage(ctx, "guild-1234", tk.TicketID, triager, "user has history", true)
	assert.NoError(err)
	assert.True(m.IsInternal)
	assert.Equal("triage", m.AuthorRole)
	m, err = f.svc.AddMessage(ctx, "guild-1234", tk.TicketID, owner, "ok", false)
	assert.NoError(err)
	assert.Equal("opsadmin", m.AuthorRole)

	_, err = f.svc.Assign(ctx, "guild-1234", tk.TicketID, member, "u1")
	assert.ErrorIs(err, ErrNotAuthorized)
	tk, err = f.svc.Assign(ctx, "guild-1234", tk.TicketID, triager, reviewer.ID)
	assert.NoError(err)
	assert.Equal(reviewer.ID, tk.AssignedTo)
	assert.Len(tk.Messages, 3)

	_, err = f.svc.Get(ctx, "guild-1234", "1234-Q-9999")
	assert.ErrorIs(err, store.ErrNotFound)
}
