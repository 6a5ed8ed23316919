// Package governance holds per-guild governance configuration, including the safe mode and lockdown switches and the role bindings used for authorization.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lithium-bot/lithium/moderation/configbus"
	"github.com/lithium-bot/lithium/moderation/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v3"
	"gorm.io/gorm"
)

var (
	ErrNotAuthorized  = errors.New("actor is not authorized for this operation")
	ErrReasonRequired = errors.New("a reason is required")
	ErrInvalidConfig  = errors.New("invalid governance config")
)

func fmtInvalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

const DefaultLockdownDuration = time.Hour

var stateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lithium_governance_state_changes",
	Help: "Number of safe mode and lockdown transitions",
}, []string{"change"})

type AuditRecorder interface {
	RecordAudit(ctx context.Context, ev *store.AuditEvent, details any) error
}

// Registry caches one GovernanceConfig per guild. Rows are created on first access and never deleted.
type Registry struct {
	DB     *gorm.DB
	Audit  AuditRecorder
	Bus    configbus.Bus
	Logger *slog.Logger
	Now    func() time.Time

	configs *xsync.MapOf[string, *store.GovernanceConfig]
	// bumped on every invalidation, so a load that read the row before a write is never cached after it
	epoch atomic.Uint64
}

func NewRegistry(db *gorm.DB, audit AuditRecorder, bus configbus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		DB:      db,
		Audit:   audit,
		Bus:     bus,
		Logger:  logger.With("component", "governance"),
		Now:     func() time.Time { return time.Now().UTC() },
		configs: xsync.NewMapOf[string, *store.GovernanceConfig](),
	}
}

func (r *Registry) load(ctx context.Context, guildID string) (*store.GovernanceConfig, error) {
	db := r.DB.WithContext(ctx)
	cfg := store.DefaultGovernanceConfig(guildID)
	err := db.Where("guild_id = ?", guildID).FirstOrCreate(&cfg).Error
	if store.IsDuplicate(err) {
		cfg = store.GovernanceConfig{}
		err = db.Where("guild_id = ?", guildID).First(&cfg).Error
	}
	if err != nil {
		return nil, fmt.Errorf("loading governance config: %w", err)
	}
	return &cfg, nil
}

// Get returns a copy of the guild's config, creating it with defaults if needed.
func (r *Registry) Get(ctx context.Context, guildID string) (*store.GovernanceConfig, error) {
	if cfg, ok := r.configs.Load(guildID); ok {
		cp := *cfg
		return &cp, nil
	}
	epoch := r.epoch.Load()
	cfg, err := r.load(ctx, guildID)
	if err != nil {
		return nil, err
	}
	// Invalidate bumps the epoch under the same key lock, so the check and the store are atomic with respect to it
	r.configs.Compute(guildID, func(old *store.GovernanceConfig, loaded bool) (*store.GovernanceConfig, bool) {
		if loaded {
			return old, false
		}
		if r.epoch.Load() != epoch {
			return nil, true
		}
		return cfg, false
	})
	cp := *cfg
	return &cp, nil
}

func (r *Registry) Invalidate(guildID string) {
	r.configs.Compute(guildID, func(_ *store.GovernanceConfig, _ bool) (*store.GovernanceConfig, bool) {
		r.epoch.Add(1)
		return nil, true
	})
}

// HandleChange is a configbus handler.
func (r *Registry) HandleChange(ctx context.Context, c configbus.Change) {
	if c.Module == configbus.ModuleGovernance {
		r.Invalidate(c.GuildID)
	}
}

// update writes columns for the guild, then drops the cached copy and announces the change.
func (r *Registry) update(ctx context.Context, guildID, action string, cols map[string]any) error {
	if _, err := r.Get(ctx, guildID); err != nil {
		return err
	}
	err := r.DB.WithContext(ctx).Model(&store.GovernanceConfig{}).Where("guild_id = ?", guildID).Updates(cols).Error
	if err != nil {
		return fmt.Errorf("updating governance config: %w", err)
	}
	r.changed(ctx, guildID, action)
	return nil
}

func (r *Registry) changed(ctx context.Context, guildID, action string) {
	r.Invalidate(guildID)
	if r.Bus == nil {
		return
	}
	err := r.Bus.Publish(ctx, configbus.Change{GuildID: guildID, Module: configbus.ModuleGovernance, Action: action})
	if err != nil {
		r.Logger.Warn("failed to publish governance change", "guild", guildID, "err", err)
	}
}

func (r *Registry) audit(ctx context.Context, ev *store.AuditEvent, details any) {
	if r.Audit == nil {
		return
	}
	if err := r.Audit.RecordAudit(ctx, ev, details); err != nil {
		r.Logger.Error("failed to record governance audit event", "guild", ev.GuildID, "event", ev.EventType, "err", err)
	}
}

func actorType(a Actor) string {
	if a.IsSystem() {
		return store.ActorSystem
	}
	return store.ActorUser
}

// SetOwner records the guild owner. Called by the gateway integration when guild metadata arrives.
func (r *Registry) SetOwner(ctx context.Context, guildID, ownerID string) error {
	return r.update(ctx, guildID, "owner", map[string]any{"owner_id": ownerID})
}

func (r *Registry) IsSafeMode(ctx context.Context, guildID string) (bool, error) {
	cfg, err := r.Get(ctx, guildID)
	if err != nil {
		return false, err
	}
	return cfg.SafeMode, nil
}

func (r *Registry) EnableSafeMode(ctx context.Context, guildID string, actor Actor) error {
	return r.setSafeMode(ctx, guildID, actor, true)
}

func (r *Registry) DisableSafeMode(ctx context.Context, guildID string, actor Actor) error {
	return r.setSafeMode(ctx, guildID, actor, false)
}

// safe mode is owner-only
func (r *Registry) setSafeMode(ctx context.Context, guildID string, actor Actor, on bool) error {
	cfg, err := r.Get(ctx, guildID)
	if err != nil {
		return err
	}
	if cfg.OwnerID == "" || actor.ID != cfg.OwnerID {
		return ErrNotAuthorized
	}
	cols := map[string]any{"safe_mode": on, "safe_mode_by": actor.ID, "safe_mode_at": r.Now()}
	if !on {
		cols["safe_mode_by"] = ""
		cols["safe_mode_at"] = nil
	}
	if err := r.update(ctx, guildID, "safe_mode", cols); err != nil {
		return err
	}
	stateChanges.WithLabelValues(fmt.Sprintf("safe_mode_%t", on)).Inc()
	r.Logger.Warn("safe mode toggled", "guild", guildID, "enabled", on, "actor", actor.ID)
	action := "disable"
	if on {
		action = "enable"
	}
	r.audit(ctx, &store.AuditEvent{
		GuildID:    guildID,
		EventType:  "safe_mode_toggle",
		ActorID:    actor.ID,
		ActorType:  actorType(actor),
		TargetType: "guild",
		TargetID:   guildID,
		Action:     action,
	}, map[string]any{"safe_mode": on})
	return nil
}

// EnableLockdown is allowed for the owner, opsadmins and the system. A zero duration means DefaultLockdownDuration.
func (r *Registry) EnableLockdown(ctx context.Context, guildID string, actor Actor, reason string, duration time.Duration) error {
	cfg, err := r.Get(ctx, guildID)
	if err != nil {
		return err
	}
	if RoleOf(cfg, actor) < RoleOpsAdmin {
		return ErrNotAuthorized
	}
	if reason == "" {
		return ErrReasonRequired
	}
	if duration <= 0 {
		duration = DefaultLockdownDuration
	}
	now := r.Now()
	err = r.update(ctx, guildID, "lockdown", map[string]any{
		"lockdown":            true,
		"lockdown_reason":     reason,
		"lockdown_by":         actor.ID,
		"lockdown_at":         now,
		"lockdown_expires_at": now.Add(duration),
	})
	if err != nil {
		return err
	}
	stateChanges.WithLabelValues("lockdown_enable").Inc()
	r.Logger.Warn("lockdown enabled", "guild", guildID, "actor", actor.ID, "reason", reason, "duration", duration)
	r.audit(ctx, &store.AuditEvent{
		GuildID:    guildID,
		EventType:  "lockdown_enable",
		ActorID:    actor.ID,
		ActorType:  actorType(actor),
		TargetType: "guild",
		TargetID:   guildID,
		Action:     "enable",
	}, map[string]any{"reason": reason, "duration_seconds": int(duration.Seconds())})
	return nil
}

func (r *Registry) DisableLockdown(ctx context.Context, guildID string, actor Actor) error {
	cfg, err := r.Get(ctx, guildID)
	if err != nil {
		return err
	}
	if RoleOf(cfg, actor) < RoleOpsAdmin {
		return ErrNotAuthorized
	}
	cleared, err := r.clearLockdown(ctx, guildID, nil)
	if err != nil || !cleared {
		return err
	}
	stateChanges.WithLabelValues("lockdown_disable").Inc()
	r.audit(ctx, &store.AuditEvent{
		GuildID:    guildID,
		EventType:  "lockdown_disable",
		ActorID:    actor.ID,
		ActorType:  actorType(actor),
		TargetType: "guild",
		TargetID:   guildID,
		Action:     "disable",
	}, nil)
	return nil
}

// clearLockdown turns lockdown off if it is on and, when expiredBy is set, has expired by then. Only the call that changed the row returns true.
func (r *Registry) clearLockdown(ctx context.Context, guildID string, expiredBy *time.Time) (bool, error) {
	q := r.DB.WithContext(ctx).Model(&store.GovernanceConfig{}).Where("guild_id = ? AND lockdown = ?", guildID, true)
	if expiredBy != nil {
		q = q.Where("lockdown_expires_at IS NOT NULL AND lockdown_expires_at <= ?", *expiredBy)
	}
	res := q.Updates(map[string]any{
		"lockdown":            false,
		"lockdown_reason":     "",
		"lockdown_by":         "",
		"lockdown_at":         nil,
		"lockdown_expires_at": nil,
	})
	if res.Error != nil {
		return false, fmt.Errorf("clearing lockdown: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	r.changed(ctx, guildID, "lockdown")
	return true, nil
}

func (r *Registry) expire(ctx context.Context, guildID string, now time.Time) (bool, error) {
	cleared, err := r.clearLockdown(ctx, guildID, &now)
	if err != nil || !cleared {
		return false, err
	}
	stateChanges.WithLabelValues("lockdown_expired").Inc()
	r.Logger.Info("lockdown expired", "guild", guildID)
	r.audit(ctx, &store.AuditEvent{
		GuildID:    guildID,
		EventType:  "lockdown_expired",
		ActorID:    SystemActorID,
		ActorType:  store.ActorSystem,
		TargetType: "guild",
		TargetID:   guildID,
		Action:     "disable",
	}, nil)
	return true, nil
}

// IsLockdown reports the lockdown flag, clearing it first if it has expired.
func (r *Registry) IsLockdown(ctx context.Context, guildID string) (bool, error) {
	cfg, err := r.Get(ctx, guildID)
	if err != nil {
		return false, err
	}
	if !cfg.Lockdown {
		return false, nil
	}
	now := r.Now()
	if cfg.LockdownExpiresAt != nil && !now.Before(*cfg.LockdownExpiresAt) {
		_, err := r.expire(ctx, guildID, now)
		return false, err
	}
	return true, nil
}

// ExpireLockdowns clears every expired lockdown. Returns the number of guilds released.
func (r *Registry) ExpireLockdowns(ctx context.Context) (int, error) {
	now := r.Now()
	var guilds []string
	err := r.DB.WithContext(ctx).Model(&store.GovernanceConfig{}).
		Where("lockdown = ? AND lockdown_expires_at IS NOT NULL AND lockdown_expires_at <= ?", true, now).
		Pluck("guild_id", &guilds).Error
	if err != nil {
		return 0, fmt.Errorf("listing expired lockdowns: %w", err)
	}
	n := 0
	for _, g := range guilds {
		cleared, err := r.expire(ctx, g, now)
		if err != nil {
			return n, err
		}
		if cleared {
			n++
		}
	}
	return n, nil
}
