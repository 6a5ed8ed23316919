package governance

import (
	"context"

	"github.com/lithium-bot/lithium/moderation/store"
)

// Empty fields are left unchanged.
type RoleSetup struct {
	OpsAdmin   []string `json:"opsadmin_roles,omitempty"`
	Triage     []string `json:"triage_roles,omitempty"`
	Reviewer   []string `json:"reviewer_roles,omitempty"`
	Newcomer   string   `json:"newcomer_role,omitempty"`
	Verified   string   `json:"verified_role,omitempty"`
	Quarantine string   `json:"quarantine_role,omitempty"`
}

type ChannelSetup struct {
	ModLog string `json:"mod_log_channel,omitempty"`
	Ticket string `json:"ticket_channel,omitempty"`
}

// Nil fields are left unchanged.
type Thresholds struct {
	GovernanceMode        *string  `json:"governance_mode,omitempty"`
	RaidJoinThreshold     *int     `json:"raid_join_threshold,omitempty"`
	RaidWindowSeconds     *int     `json:"raid_window_seconds,omitempty"`
	NewcomerDurationHours *int     `json:"newcomer_duration_hours,omitempty"`
	NewcomerMinMessages   *int     `json:"newcomer_min_messages,omitempty"`
	EvidenceRetentionDays *int     `json:"evidence_retention_days,omitempty"`
	AuditRetentionDays    *int     `json:"audit_retention_days,omitempty"`
	AutoSlowmodeEnabled   *bool    `json:"auto_slowmode_enabled,omitempty"`
	SlowmodeHeatThreshold *float64 `json:"slowmode_heat_threshold,omitempty"`
}

func (r *Registry) authorizeAdmin(ctx context.Context, guildID string, actor Actor) error {
	role, err := r.Role(ctx, guildID, actor)
	if err != nil {
		return err
	}
	if role < RoleOpsAdmin {
		return ErrNotAuthorized
	}
	return nil
}

func (r *Registry) configAudit(ctx context.Context, guildID string, actor Actor, action string, details any) {
	r.audit(ctx, &store.AuditEvent{
		GuildID:    guildID,
		EventType:  "governance_config_update",
		ActorID:    actor.ID,
		ActorType:  actorType(actor),
		TargetType: "guild",
		TargetID:   guildID,
		Action:     action,
	}, details)
}

// SetupRoles binds platform roles to governance roles. Only the owner may change the opsadmin binding.
func (r *Registry) SetupRoles(ctx context.Context, guildID string, actor Actor, s RoleSetup) error {
	role, err := r.Role(ctx, guildID, actor)
	if err != nil {
		return err
	}
	if role < RoleOpsAdmin || (len(s.OpsAdmin) > 0 && role < RoleOwner) {
		return ErrNotAuthorized
	}
	cols := map[string]any{}
	if len(s.OpsAdmin) > 0 {
		cols["ops_admin_roles"] = store.JoinIDs(s.OpsAdmin)
	}
	if len(s.Triage) > 0 {
		cols["triage_roles"] = store.JoinIDs(s.Triage)
	}
	if len(s.Reviewer) > 0 {
		cols["reviewer_roles"] = store.JoinIDs(s.Reviewer)
	}
	if s.Newcomer != "" {
		cols["newcomer_role_id"] = s.Newcomer
	}
	if s.Verified != "" {
		cols["verified_role_id"] = s.Verified
	}
	if s.Quarantine != "" {
		cols["quarantine_role_id"] = s.Quarantine
	}
	if len(cols) == 0 {
		return nil
	}
	if err := r.update(ctx, guildID, "roles", cols); err != nil {
		return err
	}
	r.configAudit(ctx, guildID, actor, "roles", s)
	return nil
}

func (r *Registry) SetupChannels(ctx context.Context, guildID string, actor Actor, s ChannelSetup) error {
	if err := r.authorizeAdmin(ctx, guildID, actor); err != nil {
		return err
	}
	cols := map[string]any{}
	if s.ModLog != "" {
		cols["mod_log_channel_id"] = s.ModLog
	}
	if s.Ticket != "" {
		cols["ticket_channel_id"] = s.Ticket
	}
	if len(cols) == 0 {
		return nil
	}
	if err := r.update(ctx, guildID, "channels", cols); err != nil {
		return err
	}
	r.configAudit(ctx, guildID, actor, "channels", s)
	return nil
}

func (r *Registry) UpdateThresholds(ctx context.Context, guildID string, actor Actor, t Thresholds) error {
	if err := r.authorizeAdmin(ctx, guildID, actor); err != nil {
		return err
	}
	cols := map[string]any{}
	if t.GovernanceMode != nil {
		switch *t.GovernanceMode {
		case store.ModeBotAutocracy, store.ModeHybrid, store.ModeManual:
			cols["governance_mode"] = *t.GovernanceMode
		default:
			return fmtInvalid("governance mode %q", *t.GovernanceMode)
		}
	}
	setPositive := func(col string, v *int) error {
		if v == nil {
			return nil
		}
		if *v <= 0 {
			return fmtInvalid("%s must be positive", col)
		}
		cols[col] = *v
		return nil
	}
	for col, v := range map[string]*int{
		"raid_join_threshold":     t.RaidJoinThreshold,
		"raid_window_seconds":     t.RaidWindowSeconds,
		"newcomer_duration_hours": t.NewcomerDurationHours,
		"newcomer_min_messages":   t.NewcomerMinMessages,
		"evidence_retention_days": t.EvidenceRetentionDays,
		"audit_retention_days":    t.AuditRetentionDays,
	} {
		if err := setPositive(col, v); err != nil {
			return err
		}
	}
	if t.AutoSlowmodeEnabled != nil {
		cols["auto_slowmode_enabled"] = *t.AutoSlowmodeEnabled
	}
	if t.SlowmodeHeatThreshold != nil {
		if *t.SlowmodeHeatThreshold < 0 || *t.SlowmodeHeatThreshold > 1 {
			return fmtInvalid("slowmode_heat_threshold outside [0,1]")
		}
		cols["slowmode_heat_threshold"] = *t.SlowmodeHeatThreshold
	}
	if len(cols) == 0 {
		return nil
	}
	if err := r.update(ctx, guildID, "thresholds", cols); err != nil {
		return err
	}
	r.configAudit(ctx, guildID, actor, "thresholds", cols)
	return nil
}
