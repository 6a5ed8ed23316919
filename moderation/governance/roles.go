package governance

import (
	"context"

	"github.com/lithium-bot/lithium/moderation/store"
)

const SystemActorID = "system"

// Actor is whoever initiates a governance or ticket operation, with the platform role ids they hold.
type Actor struct {
	ID    string
	Roles []string
}

var SystemActor = Actor{ID: SystemActorID}

func (a Actor) IsSystem() bool {
	return a.ID == SystemActorID
}

// Role is an ordered authority level. Higher levels include the permissions of lower ones.
type Role int

const (
	RoleMember Role = iota
	RoleTriage
	RoleReviewer
	RoleOpsAdmin
	RoleOwner
	RoleSystem
)

func (r Role) String() string {
	switch r {
	case RoleTriage:
		return "triage"
	case RoleReviewer:
		return "reviewer"
	case RoleOpsAdmin:
		return "opsadmin"
	case RoleOwner:
		return "owner"
	case RoleSystem:
		return "system"
	}
	return "member"
}

func hasAny(held, bound []string) bool {
	for _, h := range held {
		for _, b := range bound {
			if h == b {
				return true
			}
		}
	}
	return false
}

// RoleOf returns the highest role the actor holds in the guild.
func RoleOf(cfg *store.GovernanceConfig, a Actor) Role {
	switch {
	case a.IsSystem():
		return RoleSystem
	case cfg.OwnerID != "" && a.ID == cfg.OwnerID:
		return RoleOwner
	case hasAny(a.Roles, cfg.OpsAdminRoleIDs()):
		return RoleOpsAdmin
	case hasAny(a.Roles, cfg.ReviewerRoleIDs()):
		return RoleReviewer
	case hasAny(a.Roles, cfg.TriageRoleIDs()):
		return RoleTriage
	}
	return RoleMember
}

func (r *Registry) Role(ctx context.Context, guildID string, a Actor) (Role, error) {
	cfg, err := r.Get(ctx, guildID)
	if err != nil {
		return RoleMember, err
	}
	return RoleOf(cfg, a), nil
}

func (r *Registry) IsOpsAdmin(ctx context.Context, guildID string, roles []string) (bool, error) {
	cfg, err := r.Get(ctx, guildID)
	if err != nil {
		return false, err
	}
	return hasAny(roles, cfg.OpsAdminRoleIDs()), nil
}

func (r *Registry) IsTriage(ctx context.Context, guildID string, roles []string) (bool, error) {
	cfg, err := r.Get(ctx, guildID)
	if err != nil {
		return false, err
	}
	return hasAny(roles, cfg.TriageRoleIDs()), nil
}

func (r *Registry) IsReviewer(ctx context.Context, guildID string, roles []string) (bool, error) {
	cfg, err := r.Get(ctx, guildID)
	if err != nil {
		return false, err
	}
	return hasAny(roles, cfg.ReviewerRoleIDs()), nil
}

// IsModerator is true for any of the triage, reviewer or opsadmin bindings.
func (r *Registry) IsModerator(ctx context.Context, guildID string, roles []string) (bool, error) {
	cfg, err := r.Get(ctx, guildID)
	if err != nil {
		return false, err
	}
	return hasAny(roles, cfg.OpsAdminRoleIDs()) || hasAny(roles, cfg.ReviewerRoleIDs()) || hasAny(roles, cfg.TriageRoleIDs()), nil
}
