package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lithium-bot/lithium/moderation/cases"
	"github.com/lithium-bot/lithium/moderation/dispatch"
	"github.com/lithium-bot/lithium/moderation/heat"
	"github.com/lithium-bot/lithium/moderation/policy"
	"github.com/lithium-bot/lithium/moderation/risk"
	"github.com/lithium-bot/lithium/moderation/store"
)

const (
	RateLimitRuleID = "rate_limit"

	rateLimitNudge = "please slow down."
	defaultNudge   = "please follow the server rules."
	defaultWarning = "This behavior is against the server rules."
)

// heat contributions per message
var (
	passiveHeat     = heat.Deltas{Message: 0.1}
	enforcementHeat = heat.Deltas{Message: 0.1, Toxicity: 0.3, ModAction: 0.2}
)

func (e *Engine) processMessage(ctx context.Context, evt *Event) error {
	logger := e.Logger.With("guild", evt.GuildID, "user", evt.UserID, "channel", evt.ChannelID)

	fresh, err := e.claim(ctx, evt)
	if err != nil || !fresh {
		return err
	}
	logger = logger.With("event", evt.EventID)

	cfg, err := e.Governance.Get(ctx, evt.GuildID)
	if err != nil {
		return fmt.Errorf("loading governance config: %w", err)
	}
	if cfg.SafeMode {
		eventSkipCount.WithLabelValues(evt.Type, "safe_mode").Inc()
		e.audit(ctx, &store.AuditEvent{
			GuildID:    evt.GuildID,
			EventType:  "message",
			ActorID:    evt.UserID,
			ActorType:  store.ActorUser,
			TargetType: "message",
			TargetID:   evt.MessageID,
			Action:     "logged_only",
		}, map[string]any{"safe_mode": true, "content_length": len(evt.Content)})
		return nil
	}

	verdict, err := e.Rates.RecordAndCheck(ctx, evt.GuildID, evt.UserID)
	if err != nil {
		// a broken rate backend must not stop policy enforcement
		logger.Warn("rate governor failed", "err", err)
	} else if verdict.Exceeded {
		return e.rateLimited(ctx, cfg, evt)
	}

	p, err := e.Risk.GetOrCreate(ctx, evt.GuildID, evt.UserID, e.riskSignals(evt))
	if err != nil {
		return err
	}
	if err := e.Risk.UpdateAfterMessage(ctx, p); err != nil {
		return err
	}

	matches, err := e.Policies.Evaluate(ctx, e.evalContext(evt, p))
	if err != nil {
		return fmt.Errorf("evaluating policies: %w", err)
	}

	if len(matches) == 0 {
		e.observeHeat(ctx, cfg, evt.GuildID, evt.ChannelID, passiveHeat)
		e.checkPromotion(ctx, cfg, p)
		return nil
	}

	top := &matches[0]
	logger.Info("policy matched", "rule", top.RuleID, "score", top.Score, "labels", top.Labels)
	if reason, review := e.reviewReason(cfg, top); review {
		e.queueReview(ctx, evt, top, reason)
		e.observeHeat(ctx, cfg, evt.GuildID, evt.ChannelID, passiveHeat)
		return nil
	}

	if _, err := e.enforce(ctx, cfg, evt, p, top); err != nil {
		return err
	}
	e.observeHeat(ctx, cfg, evt.GuildID, evt.ChannelID, enforcementHeat)
	return nil
}

// reviewReason decides whether a match goes to human review instead of automatic enforcement.
func (e *Engine) reviewReason(cfg *store.GovernanceConfig, m *policy.Match) (string, bool) {
	switch cfg.GovernanceMode {
	case store.ModeManual:
		return "manual_mode", true
	case store.ModeBotAutocracy:
		if m.ReviewQueue {
			return "review_queue", true
		}
		return "", false
	}
	if m.ReviewQueue {
		return "review_queue", true
	}
	if m.Score < policy.AutoExecuteScore {
		return "low_score", true
	}
	return "", false
}

func (e *Engine) queueReview(ctx context.Context, evt *Event, m *policy.Match, reason string) {
	reviewQueuedCount.WithLabelValues(reason).Inc()
	e.audit(ctx, &store.AuditEvent{
		GuildID:    evt.GuildID,
		EventType:  "policy_match_review",
		ActorType:  store.ActorBot,
		TargetType: "user",
		TargetID:   evt.UserID,
		Action:     "queue_review",
	}, map[string]any{
		"rule_id":    m.RuleID,
		"score":      m.Score,
		"conditions": m.Labels,
		"reason":     reason,
		"channel_id": evt.ChannelID,
		"message_id": evt.MessageID,
	})
}

// rateLimited is the fast path for a user over the burst limit: delete, nudge, record. Policies are not evaluated.
func (e *Engine) rateLimited(ctx context.Context, cfg *store.GovernanceConfig, evt *Event) error {
	eventSkipCount.WithLabelValues(evt.Type, "rate_limited").Inc()
	results := []dispatch.Result{
		e.Dispatch.Dispatch(ctx, dispatch.Request{
			Type:      dispatch.ActionDelete,
			GuildID:   evt.GuildID,
			ChannelID: evt.ChannelID,
			MessageID: evt.MessageID,
			UserID:    evt.UserID,
			Reason:    "Rate limit exceeded",
		}),
		e.Dispatch.Dispatch(ctx, dispatch.Request{
			Type:      dispatch.ActionNudge,
			GuildID:   evt.GuildID,
			ChannelID: evt.ChannelID,
			UserID:    evt.UserID,
			Content:   rateLimitNudge,
		}),
	}

	c := &store.ModCase{
		GuildID:     evt.GuildID,
		UserID:      evt.UserID,
		ModeratorID: store.ActorBot,
		ChannelID:   evt.ChannelID,
		MessageID:   evt.MessageID,
		RuleID:      RateLimitRuleID,
		ActionType:  policy.ActionDelete,
		Reason:      "Rate limit exceeded",
	}
	return e.recordCase(ctx, cfg, evt, c, results, nil)
}

// enforce dispatches the match's immediate actions, records the violation and writes the case.
func (e *Engine) enforce(ctx context.Context, cfg *store.GovernanceConfig, evt *Event, p *store.UserRiskProfile, m *policy.Match) (*store.ModCase, error) {
	reason := fmt.Sprintf("Policy match: %s", strings.Join(m.Labels, ", "))
	results := []dispatch.Result{}
	quotaHit := false
	for _, a := range m.Actions {
		req := dispatch.Request{
			Type:      a.Type,
			GuildID:   evt.GuildID,
			ChannelID: evt.ChannelID,
			MessageID: evt.MessageID,
			UserID:    evt.UserID,
			Reason:    fmt.Sprintf("Policy: %s", m.RuleID),
		}
		switch a.Type {
		case policy.ActionDelete:
			if evt.MessageID == "" {
				continue
			}
		case policy.ActionNudge:
			if evt.ChannelID == "" {
				continue
			}
			req.Content = firstNonEmpty(a.Message, defaultNudge)
		case policy.ActionWarn:
			req.Content = firstNonEmpty(a.Message, defaultWarning)
		case policy.ActionTimeout:
			req.Duration = time.Duration(a.DurationSeconds) * time.Second
		}
		res := e.Dispatch.Dispatch(ctx, req)
		if res.QuotaExceeded {
			quotaHit = true
		}
		results = append(results, res)
	}

	actionType := "log"
	duration := 0
	if top, ok := m.MostSevere(); ok {
		actionType = top.Type
		if top.Type == policy.ActionTimeout {
			duration = top.DurationSeconds
		}
		if err := e.Risk.UpdateAfterViolation(ctx, p, violationKind(top.Type)); err != nil {
			e.Logger.Error("failed to record violation", "guild", evt.GuildID, "user", evt.UserID, "err", err)
		}
	}

	c := &store.ModCase{
		GuildID:         evt.GuildID,
		UserID:          evt.UserID,
		ModeratorID:     store.ActorBot,
		ChannelID:       evt.ChannelID,
		MessageID:       evt.MessageID,
		RuleID:          m.RuleID,
		ActionType:      actionType,
		Reason:          reason,
		RiskScore:       m.Score,
		Confidence:      m.Score,
		DurationSeconds: duration,
	}
	if err := e.recordCase(ctx, cfg, evt, c, results, m); err != nil {
		return nil, err
	}
	if quotaHit {
		e.queueReview(ctx, evt, m, "quota_exceeded")
	}
	return c, nil
}

// recordCase writes the case, its evidence and audit event, links the dispatched actions, and notifies the mod log.
func (e *Engine) recordCase(ctx context.Context, cfg *store.GovernanceConfig, evt *Event, c *store.ModCase, results []dispatch.Result, m *policy.Match) error {
	if err := e.Cases.CreateCase(ctx, c); err != nil {
		return err
	}
	enforcementCount.WithLabelValues(c.ActionType).Inc()

	if evt.Content != "" || evt.MessageID != "" {
		_, err := e.Cases.AddEvidence(ctx, c, cases.EvidenceInput{
			Kind:      "message",
			Content:   evt.Content,
			MessageID: evt.MessageID,
			ChannelID: evt.ChannelID,
		}, cfg.EvidenceRetentionDays)
		if err != nil {
			return err
		}
	}
	for _, url := range evt.Attachments {
		_, err := e.Cases.AddEvidence(ctx, c, cases.EvidenceInput{
			Kind:          "attachment",
			AttachmentURL: url,
			MessageID:     evt.MessageID,
			ChannelID:     evt.ChannelID,
		}, cfg.EvidenceRetentionDays)
		if err != nil {
			return err
		}
	}

	ids := []string{}
	outcomes := map[string]string{}
	for _, r := range results {
		outcomes[r.Type] = r.Status
		if !r.Duplicate {
			ids = append(ids, r.ActionID)
		}
	}
	if err := e.Cases.AttachActions(ctx, ids, c.CaseID); err != nil {
		e.Logger.Error("failed to link actions to case", "case", c.CaseID, "err", err)
	}

	details := map[string]any{"rule_id": c.RuleID, "actions": outcomes}
	if m != nil {
		details["score"] = m.Score
		details["conditions"] = m.Labels
		details["policy_version"] = m.Version
	}
	e.audit(ctx, &store.AuditEvent{
		GuildID:    c.GuildID,
		EventType:  "case_created",
		ActorType:  store.ActorBot,
		TargetType: "user",
		TargetID:   c.UserID,
		Action:     c.ActionType,
		CaseID:     c.CaseID,
	}, details)

	e.notify(ctx, cfg, caseNotice(c, m))
	return nil
}

// observeHeat folds the event into the channel's heat and applies adaptive slowmode when the band changes.
func (e *Engine) observeHeat(ctx context.Context, cfg *store.GovernanceConfig, guildID, channelID string, d heat.Deltas) {
	if channelID == "" {
		return
	}
	score, err := e.Heat.Observe(ctx, guildID, channelID, d)
	if err != nil {
		e.Logger.Warn("failed to update channel heat", "guild", guildID, "channel", channelID, "err", err)
		return
	}
	seconds, changed, err := e.Heat.ShouldAutoSlowmode(ctx, cfg, guildID, channelID)
	if err != nil || !changed {
		return
	}
	res := e.Dispatch.Dispatch(ctx, dispatch.Request{
		Type:      dispatch.ActionSlowmode,
		GuildID:   guildID,
		ChannelID: channelID,
		Seconds:   seconds,
		Reason:    fmt.Sprintf("Adaptive slowmode: heat %.2f", score),
	})
	if !res.OK() {
		return
	}
	if err := e.Heat.RecordSlowmode(ctx, guildID, channelID, seconds); err != nil {
		e.Logger.Warn("failed to record slowmode", "guild", guildID, "channel", channelID, "err", err)
	}
	e.audit(ctx, &store.AuditEvent{
		GuildID:    guildID,
		EventType:  "auto_slowmode",
		ActorType:  store.ActorBot,
		TargetType: "channel",
		TargetID:   channelID,
		Action:     "set",
	}, map[string]any{"seconds": seconds, "heat": score})
}

// checkPromotion promotes an eligible newcomer and swaps the newcomer role for the verified role.
func (e *Engine) checkPromotion(ctx context.Context, cfg *store.GovernanceConfig, p *store.UserRiskProfile) {
	promoted, err := e.Risk.CheckNewcomerPromotion(ctx, p, cfg)
	if err != nil {
		e.Logger.Warn("newcomer promotion check failed", "guild", p.GuildID, "user", p.UserID, "err", err)
		return
	}
	if !promoted {
		return
	}
	promotionCount.Inc()
	if cfg.VerifiedRoleID != "" {
		e.Dispatch.Dispatch(ctx, dispatch.Request{Type: dispatch.ActionAddRole, GuildID: p.GuildID, UserID: p.UserID, RoleID: cfg.VerifiedRoleID, Reason: "Newcomer promotion"})
	}
	if cfg.NewcomerRoleID != "" {
		e.Dispatch.Dispatch(ctx, dispatch.Request{Type: dispatch.ActionRemoveRole, GuildID: p.GuildID, UserID: p.UserID, RoleID: cfg.NewcomerRoleID, Reason: "Newcomer promotion"})
	}
	e.audit(ctx, &store.AuditEvent{
		GuildID:    p.GuildID,
		EventType:  "newcomer_promoted",
		ActorType:  store.ActorSystem,
		ActorID:    store.ActorSystem,
		TargetType: "user",
		TargetID:   p.UserID,
		Action:     "verified",
	}, nil)
}

func violationKind(actionType string) risk.ViolationKind {
	switch actionType {
	case policy.ActionWarn:
		return risk.KindWarning
	case policy.ActionTimeout:
		return risk.KindTimeout
	}
	return risk.KindViolation
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
