package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/lithium-bot/lithium/moderation/countstore"
	"github.com/lithium-bot/lithium/moderation/dispatch"
	"github.com/lithium-bot/lithium/moderation/governance"
	"github.com/lithium-bot/lithium/moderation/risk"
	"github.com/lithium-bot/lithium/moderation/store"
)

var joinCounterName = "lithium-joins"

const RaidLockdownDuration = 30 * time.Minute

func (e *Engine) processJoin(ctx context.Context, evt *Event) error {
	logger := e.Logger.With("guild", evt.GuildID, "user", evt.UserID)

	fresh, err := e.claim(ctx, evt)
	if err != nil || !fresh {
		return err
	}

	cfg, err := e.Governance.Get(ctx, evt.GuildID)
	if err != nil {
		return fmt.Errorf("loading governance config: %w", err)
	}
	if cfg.SafeMode {
		eventSkipCount.WithLabelValues(evt.Type, "safe_mode").Inc()
		e.audit(ctx, &store.AuditEvent{
			GuildID:    evt.GuildID,
			EventType:  "member_join",
			ActorID:    evt.UserID,
			ActorType:  store.ActorUser,
			TargetType: "user",
			TargetID:   evt.UserID,
			Action:     "logged_only",
		}, map[string]any{"safe_mode": true})
		return nil
	}

	if err := e.detectRaid(ctx, cfg, evt); err != nil {
		logger.Warn("raid detection failed", "err", err)
	}

	locked, err := e.Governance.IsLockdown(ctx, evt.GuildID)
	if err != nil {
		return err
	}
	if locked {
		e.assignRole(ctx, evt, cfg.NewcomerRoleID, "Lockdown active")
		e.audit(ctx, &store.AuditEvent{
			GuildID:    evt.GuildID,
			EventType:  "member_join_lockdown",
			ActorType:  store.ActorBot,
			TargetType: "user",
			TargetID:   evt.UserID,
			Action:     "restricted",
		}, nil)
		return nil
	}

	p, err := e.Risk.GetOrCreate(ctx, evt.GuildID, evt.UserID, e.riskSignals(evt))
	if err != nil {
		return err
	}
	score, err := e.Risk.Recalculate(ctx, p)
	if err != nil {
		return err
	}

	if risk.IsHighRisk(p) {
		logger.Info("high risk member joined", "score", score)
		e.assignRole(ctx, evt, cfg.QuarantineRoleID, "High risk join")
		if err := e.Risk.Quarantine(ctx, p, "high risk on join"); err != nil {
			return err
		}
		e.audit(ctx, &store.AuditEvent{
			GuildID:    evt.GuildID,
			EventType:  "member_join",
			ActorType:  store.ActorBot,
			TargetType: "user",
			TargetID:   evt.UserID,
			Action:     "quarantined",
		}, map[string]any{"risk_score": score, "account_age_days": risk.AccountAgeDays(p, e.now())})
		e.notify(ctx, cfg, alertNotice(evt.GuildID, "High risk member <@%s> joined and was quarantined (risk %.2f)", evt.UserID, score))
	} else {
		e.assignRole(ctx, evt, cfg.NewcomerRoleID, "Newcomer")
		e.audit(ctx, &store.AuditEvent{
			GuildID:    evt.GuildID,
			EventType:  "member_join",
			ActorType:  store.ActorBot,
			TargetType: "user",
			TargetID:   evt.UserID,
			Action:     "newcomer",
		}, map[string]any{"risk_score": score})
	}

	matches, err := e.Policies.Evaluate(ctx, e.evalContext(evt, p))
	if err != nil {
		return fmt.Errorf("evaluating policies: %w", err)
	}
	if len(matches) == 0 {
		return nil
	}
	top := &matches[0]
	if reason, review := e.reviewReason(cfg, top); review {
		e.queueReview(ctx, evt, top, reason)
		return nil
	}
	_, err = e.enforce(ctx, cfg, evt, p, top)
	return err
}

// detectRaid counts distinct joiners in the current minute and locks the guild down when the threshold is reached.
func (e *Engine) detectRaid(ctx context.Context, cfg *store.GovernanceConfig, evt *Event) error {
	if e.Counters == nil || cfg.RaidJoinThreshold <= 0 || cfg.Lockdown {
		return nil
	}
	if err := e.Counters.IncrementDistinct(ctx, joinCounterName, evt.GuildID, evt.UserID); err != nil {
		return err
	}
	joins, err := e.Counters.GetCountDistinct(ctx, joinCounterName, evt.GuildID, countstore.PeriodMinute)
	if err != nil {
		return err
	}
	if joins < cfg.RaidJoinThreshold {
		return nil
	}
	raidDetectedCount.Inc()
	reason := fmt.Sprintf("Raid detected: %d joins in the last minute", joins)
	e.Logger.Warn("raid detected", "guild", evt.GuildID, "joins", joins, "threshold", cfg.RaidJoinThreshold)
	if err := e.Governance.EnableLockdown(ctx, evt.GuildID, governance.SystemActor, reason, RaidLockdownDuration); err != nil {
		return err
	}
	e.notify(ctx, cfg, alertNotice(evt.GuildID, "%s. Lockdown enabled for %s.", reason, RaidLockdownDuration))
	return nil
}

func (e *Engine) assignRole(ctx context.Context, evt *Event, roleID, reason string) {
	if roleID == "" {
		return
	}
	e.Dispatch.Dispatch(ctx, dispatch.Request{
		Type:    dispatch.ActionAddRole,
		GuildID: evt.GuildID,
		UserID:  evt.UserID,
		RoleID:  roleID,
		Reason:  reason,
	})
}
