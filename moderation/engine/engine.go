// Package engine runs the moderation pipeline: every inbound event passes through idempotency, governance state, rate, risk and policy stages, and the outcome is dispatched, recorded as a case and audited.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lithium-bot/lithium/moderation/cases"
	"github.com/lithium-bot/lithium/moderation/configbus"
	"github.com/lithium-bot/lithium/moderation/countstore"
	"github.com/lithium-bot/lithium/moderation/dispatch"
	"github.com/lithium-bot/lithium/moderation/governance"
	"github.com/lithium-bot/lithium/moderation/heat"
	"github.com/lithium-bot/lithium/moderation/idempotency"
	"github.com/lithium-bot/lithium/moderation/policy"
	"github.com/lithium-bot/lithium/moderation/ratelimit"
	"github.com/lithium-bot/lithium/moderation/risk"
	"github.com/lithium-bot/lithium/moderation/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// HandlerFunc processes one normalized event of a single type.
type HandlerFunc func(ctx context.Context, evt *Event) error

// runtime for the moderation pipeline.
//
// Every pointer field must be set; EngineTestFixture shows a complete in-memory wiring.
type Engine struct {
	Logger     *slog.Logger
	Guard      *idempotency.Guard
	Rates      ratelimit.Governor
	Risk       *risk.Engine
	Policies   *policy.Engine
	Heat       *heat.Tracker
	Governance *governance.Registry
	Cases      *cases.Service
	Dispatch   *dispatch.Dispatcher
	// join-burst counters
	Counters  countstore.CountStore
	Notifiers []Notifier
	Now       func() time.Time

	handlersOnce sync.Once
	handlers     map[string]HandlerFunc
}

// Handlers is the static registry of event handlers, keyed by canonical event type.
func (e *Engine) Handlers() map[string]HandlerFunc {
	e.handlersOnce.Do(func() {
		e.handlers = map[string]HandlerFunc{
			policy.EventMessageCreated: e.processMessage,
			policy.EventMemberJoined:   e.processJoin,
		}
	})
	return e.handlers
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// ProcessEvent runs one event through the pipeline. Errors mean the event was dropped; they never affect other events.
func (e *Engine) ProcessEvent(ctx context.Context, evt *Event) (err error) {
	// similar to an HTTP server, we want to recover any panics from handler execution
	defer func() {
		if r := recover(); r != nil {
			e.Logger.Error("pipeline event execution exception", "err", r, "guild", evt.GuildID, "user", evt.UserID, "type", evt.Type)
			pipelineErrors.WithLabelValues(evt.Type).Inc()
			err = fmt.Errorf("panic processing %s event: %v", evt.Type, r)
		}
	}()

	if err := evt.Normalize(); err != nil {
		eventSkipCount.WithLabelValues(evt.Type, "invalid").Inc()
		return err
	}
	if evt.IsBot {
		eventSkipCount.WithLabelValues(evt.Type, "bot").Inc()
		return nil
	}
	h, ok := e.Handlers()[evt.Type]
	if !ok {
		eventSkipCount.WithLabelValues(evt.Type, "unhandled").Inc()
		e.Logger.Debug("no handler for event type", "type", evt.Type)
		return nil
	}

	ctx, span := otel.Tracer("lithium").Start(ctx, "ProcessEvent")
	span.SetAttributes(attribute.String("type", evt.Type), attribute.String("guild", evt.GuildID))
	defer span.End()

	start := time.Now()
	defer func() {
		eventProcessDuration.WithLabelValues(evt.Type).Observe(time.Since(start).Seconds())
	}()
	eventProcessCount.WithLabelValues(evt.Type).Inc()

	if err := h(ctx, evt); err != nil {
		pipelineErrors.WithLabelValues(evt.Type).Inc()
		span.RecordError(err)
		e.Logger.Error("pipeline error", "guild", evt.GuildID, "user", evt.UserID, "type", evt.Type, "err", err)
		return err
	}
	return nil
}

// claim derives the event id (unless the source supplied one) and marks it. Returns false for a redelivered event.
func (e *Engine) claim(ctx context.Context, evt *Event) (bool, error) {
	if evt.EventID == "" {
		at := evt.Timestamp
		if at.IsZero() {
			at = e.now()
		}
		evt.EventID = idempotency.EventID(evt.Type, evt.GuildID, evt.UserID, idempotency.ContentHash(evt.Content), at)
	}
	dup, err := e.Guard.CheckAndMark(ctx, evt.EventID)
	if err != nil {
		return false, fmt.Errorf("idempotency check: %w", err)
	}
	if dup {
		eventSkipCount.WithLabelValues(evt.Type, "duplicate").Inc()
		return false, nil
	}
	return true, nil
}

func (e *Engine) riskSignals(evt *Event) risk.Signals {
	return risk.Signals{
		AccountCreatedAt: evt.AccountCreatedAt,
		JoinedAt:         evt.JoinedAt,
		HasAvatar:        evt.HasAvatar,
	}
}

// evalContext builds the policy view of an event and its actor's profile.
func (e *Engine) evalContext(evt *Event, p *store.UserRiskProfile) *policy.EvalContext {
	now := e.now()
	ec := &policy.EvalContext{
		EventType:          evt.Type,
		GuildID:            evt.GuildID,
		UserID:             evt.UserID,
		ChannelID:          evt.ChannelID,
		Roles:              evt.Roles,
		Content:            evt.Content,
		AccountAgeDays:     risk.AccountAgeDays(p, now),
		MembershipAgeHours: risk.MembershipAgeHours(p, now),
		HasAvatar:          p.HasAvatar,
		IsNewcomer:         p.IsNewcomer,
		RiskScore:          p.CurrentRiskScore,
		MentionCount:       len(evt.Mentions),
	}
	ec.FillContentCounts()
	return ec
}

func (e *Engine) audit(ctx context.Context, ev *store.AuditEvent, details any) {
	if err := e.Cases.RecordAudit(ctx, ev, details); err != nil {
		e.Logger.Error("failed to record audit event", "guild", ev.GuildID, "event_type", ev.EventType, "err", err)
	}
}

// HandleConfigChange drops cached per-guild state named by a config bus message.
func (e *Engine) HandleConfigChange(ctx context.Context, c configbus.Change) {
	e.Logger.Debug("config change", "guild", c.GuildID, "module", c.Module, "action", c.Action)
	switch c.Module {
	case configbus.ModulePolicies:
		e.Policies.Invalidate(c.GuildID)
	case configbus.ModuleGovernance:
		e.Governance.Invalidate(c.GuildID)
	case configbus.ModuleHeat:
		e.Heat.Invalidate(c.GuildID)
	default:
		e.Policies.Invalidate(c.GuildID)
		e.Governance.Invalidate(c.GuildID)
		e.Heat.Invalidate(c.GuildID)
	}
}
