package governance

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lithium-bot/lithium/moderation/cases"
	"github.com/lithium-bot/lithium/moderation/configbus"
	"github.com/lithium-bot/lithium/moderation/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	reg   *Registry
	cases *cases.Service
	bus   *configbus.MemBus
	now   time.Time
	mu    sync.Mutex
}

func (f *fixture) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	db, err := store.OpenTestDB()
	require.NoError(t, err)
	f := &fixture{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), bus: configbus.NewMemBus()}
	f.cases = cases.NewService(db, nil)
	f.cases.Now = f.Now
	f.reg = NewRegistry(db, f.cases, f.bus, nil)
	f.reg.Now = f.Now
	require.NoError(t, f.reg.SetOwner(context.Background(), "g1", "owner"))
	return f
}

func TestDefaults(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	cfg, err := f.reg.Get(ctx, "fresh")
	assert.NoError(err)
	assert.Equal(store.ModeHybrid, cfg.GovernanceMode)
	assert.Equal(15, cfg.RaidJoinThreshold)
	assert.True(cfg.AutoSlowmodeEnabled)
	assert.Equal(0.7, cfg.SlowmodeHeatThreshold)

	// returned configs are copies
	cfg.SafeMode = true
	on, err := f.reg.IsSafeMode(ctx, "fresh")
	assert.NoError(err)
	assert.False(on)
}

func TestConcurrentGetOrCreate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.reg.Invalidate("g2")
			_, err := f.reg.Get(ctx, "g2")
			assert.NoError(err)
		}()
	}
	wg.Wait()
	var n int64
	assert.NoError(f.reg.DB.Model(&store.GovernanceConfig{}).Where("guild_id = ?", "g2").Count(&n).Error)
	assert.Equal(int64(1), n)
}

func TestSafeModeOwnerOnly(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	var changes []configbus.Change
	assert.NoError(f.bus.Subscribe(ctx, func(ctx context.Context, c configbus.Change) { changes = append(changes, c) }))

	assert.ErrorIs(f.reg.EnableSafeMode(ctx, "g1", Actor{ID: "admin"}), ErrNotAuthorized)
	assert.ErrorIs(f.reg.EnableSafeMode(ctx, "g1", SystemActor), ErrNotAuthorized)
	assert.NoError(f.reg.EnableSafeMode(ctx, "g1", Actor{ID: "owner"}))

	on, err := f.reg.IsSafeMode(ctx, "g1")
	assert.NoError(err)
	assert.True(on)
	cfg, err := f.reg.Get(ctx, "g1")
	assert.NoError(err)
	assert.Equal("owner", cfg.SafeModeBy)

	assert.NoError(f.reg.DisableSafeMode(ctx, "g1", Actor{ID: "owner"}))
	on, err = f.reg.IsSafeMode(ctx, "g1")
	assert.NoError(err)
	assert.False(on)

	audit, err := f.cases.ListAudit(ctx, "g1", cases.AuditFilter{EventType: "safe_mode_toggle"})
	assert.NoError(err)
	assert.Len(audit, 2)
	assert.Len(changes, 2)
	assert.Equal(configbus.ModuleGovernance, changes[0].Module)
}

func TestLockdown(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	admin := Actor{ID: "a1", Roles: []string{"r-admin"}}

	assert.NoError(f.reg.SetupRoles(ctx, "g1", Actor{ID: "owner"}, RoleSetup{OpsAdmin: []string{"r-admin"}, Triage: []string{"r-triage"}}))

	assert.ErrorIs(f.reg.EnableLockdown(ctx, "g1", Actor{ID: "t1", Roles: []string{"r-triage"}}, "raid", 0), ErrNotAuthorized)
	assert.ErrorIs(f.reg.EnableLockdown(ctx, "g1", admin, "", 0), ErrReasonRequired)
	assert.NoError(f.reg.EnableLockdown(ctx, "g1", admin, "raid in progress", 0))

	on, err := f.reg.IsLockdown(ctx, "g1")
	assert.NoError(err)
	assert.True(on)
	cfg, err := f.reg.Get(ctx, "g1")
	assert.NoError(err)
	assert.Equal("raid in progress", cfg.LockdownReason)
	assert.True(cfg.LockdownExpiresAt.Equal(f.Now().Add(DefaultLockdownDuration)))

	assert.NoError(f.reg.DisableLockdown(ctx, "g1", admin))
	on, err = f.reg.IsLockdown(ctx, "g1")
	assert.NoError(err)
	assert.False(on)

	audit, err := f.cases.ListAudit(ctx, "g1", cases.AuditFilter{EventType: "lockdown_disable"})
	assert.NoError(err)
	assert.Len(audit, 1)
}

func TestLockdownExpiryPathsAgree(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.reg.SetOwner(ctx, "g2", "owner"))

	assert.NoError(f.reg.EnableLockdown(ctx, "g1", SystemActor, "auto raid", 10*time.Minute))
	assert.NoError(f.reg.EnableLockdown(ctx, "g2", Actor{ID: "owner"}, "manual", 10*time.Minute))

	n, err := f.reg.ExpireLockdowns(ctx)
	assert.NoError(err)
	assert.Equal(0, n)

	f.Advance(10 * time.Minute)

	// lazy path for g1, sweep for g2
	on, err := f.reg.IsLockdown(ctx, "g1")
	assert.NoError(err)
	assert.False(on)
	n, err = f.reg.ExpireLockdowns(ctx)
	assert.NoError(err)
	assert.Equal(1, n)

	// clearing is idempotent
	n, err = f.reg.ExpireLockdowns(ctx)
	assert.NoError(err)
	assert.Equal(0, n)

	for _, g := range []string{"g1", "g2"} {
		cfg, err := f.reg.Get(ctx, g)
		assert.NoError(err)
		assert.False(cfg.Lockdown)
		assert.Nil(cfg.LockdownExpiresAt)
		assert.Empty(cfg.LockdownReason)

		audit, err := f.cases.ListAudit(ctx, g, cases.AuditFilter{EventType: "lockdown_expired"})
		assert.NoError(err)
		assert.Len(audit, 1)
		assert.Equal(store.ActorSystem, audit[0].ActorType)
	}
}

func TestRoles(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	assert.ErrorIs(f.reg.SetupRoles(ctx, "g1", Actor{ID: "x"}, RoleSetup{Triage: []string{"t"}}), ErrNotAuthorized)
	assert.NoError(f.reg.SetupRoles(ctx, "g1", Actor{ID: "owner"}, RoleSetup{
		OpsAdmin: []string{"r-admin"},
		Reviewer: []string{"r-rev"},
		Triage:   []string{"r-triage", "r-helper"},
		Newcomer: "r-new",
	}))
	// opsadmins can set up everything but the opsadmin binding
	admin := Actor{ID: "a1", Roles: []string{"r-admin"}}
	assert.ErrorIs(f.reg.SetupRoles(ctx, "g1", admin, RoleSetup{OpsAdmin: []string{"r-other"}}), ErrNotAuthorized)
	assert.NoError(f.reg.SetupRoles(ctx, "g1", admin, RoleSetup{Verified: "r-verified"}))

	cfg, err := f.reg.Get(ctx, "g1")
	assert.NoError(err)
	assert.Equal("r-new", cfg.NewcomerRoleID)
	assert.Equal("r-verified", cfg.VerifiedRoleID)

	fixtures := []struct {
		actor Actor
		role  Role
	}{
		{SystemActor, RoleSystem},
		{Actor{ID: "owner"}, RoleOwner},
		{admin, RoleOpsAdmin},
		{Actor{ID: "r1", Roles: []string{"r-rev", "r-helper"}}, RoleReviewer},
		{Actor{ID: "h1", Roles: []string{"r-helper"}}, RoleTriage},
		{Actor{ID: "m1", Roles: []string{"r-new"}}, RoleMember},
	}
	for _, fx := range fixtures {
		assert.Equal(fx.role, RoleOf(cfg, fx.actor), fx.actor.ID)
	}

	ok, err := f.reg.IsModerator(ctx, "g1", []string{"r-helper"})
	assert.NoError(err)
	assert.True(ok)
	ok, err = f.reg.IsReviewer(ctx, "g1", []string{"r-helper"})
	assert.NoError(err)
	assert.False(ok)
	ok, err = f.reg.IsOpsAdmin(ctx, "g1", []string{"r-admin"})
	assert.NoError(err)
	assert.True(ok)
	ok, err = f.reg.IsTriage(ctx, "g1", []string{"r-triage"})
	assert.NoError(err)
	assert.True(ok)
}

func TestThresholdsAndChannels(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)
	owner := Actor{ID: "owner"}

	mode := store.ModeBotAutocracy
	raid := 25
	heat := 0.8
	assert.NoError(f.reg.UpdateThresholds(ctx, "g1", owner, Thresholds{GovernanceMode: &mode, RaidJoinThreshold: &raid, SlowmodeHeatThreshold: &heat}))
	bad := "anarchy"
	assert.ErrorIs(f.reg.UpdateThresholds(ctx, "g1", owner, Thresholds{GovernanceMode: &bad}), ErrInvalidConfig)
	zero := 0
	assert.ErrorIs(f.reg.UpdateThresholds(ctx, "g1", owner, Thresholds{NewcomerMinMessages: &zero}), ErrInvalidConfig)
	assert.ErrorIs(f.reg.UpdateThresholds(ctx, "g1", Actor{ID: "rando"}, Thresholds{RaidJoinThreshold: &raid}), ErrNotAuthorized)

	assert.NoError(f.reg.SetupChannels(ctx, "g1", owner, ChannelSetup{ModLog: "c-modlog"}))

	cfg, err := f.reg.Get(ctx, "g1")
	assert.NoError(err)
	assert.Equal(store.ModeBotAutocracy, cfg.GovernanceMode)
	assert.Equal(25, cfg.RaidJoinThreshold)
	assert.Equal(0.8, cfg.SlowmodeHeatThreshold)
	assert.Equal("c-modlog", cfg.ModLogChannelID)
	assert.Equal(24, cfg.NewcomerDurationHours)
}

func TestInvalidateOnBus(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	cfg, err := f.reg.Get(ctx, "g1")
	assert.NoError(err)
	assert.False(cfg.SafeMode)

	// another process flips the flag directly
	assert.NoError(f.reg.DB.Model(&store.GovernanceConfig{}).Where("guild_id = ?", "g1").Update("safe_mode", true).Error)
	on, err := f.reg.IsSafeMode(ctx, "g1")
	assert.NoError(err)
	assert.False(on)

	f.reg.HandleChange(ctx, configbus.Change{GuildID: "g1", Module: configbus.ModuleGovernance, Action: "safe_mode"})
	on, err = f.reg.IsSafeMode(ctx, "g1")
	assert.NoError(err)
	assert.True(on)
}

func TestLoadRacingWriteIsNotCached(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	f := newFixture(t)

	// hold the next config read after its SELECT until released
	var armed atomic.Bool
	paused := make(chan struct{})
	release := make(chan struct{})
	err := f.reg.DB.Callback().Query().After("gorm:query").Register("test:pause_read", func(tx *gorm.DB) {
		if armed.CompareAndSwap(true, false) {
			close(paused)
			<-release
		}
	})
	require.NoError(t, err)

	armed.Store(true)
	done := make(chan *store.GovernanceConfig)
	go func() {
		cfg, err := f.reg.Get(ctx, "g1")
		assert.NoError(err)
		done <- cfg
	}()
	<-paused

	require.NoError(t, f.reg.EnableSafeMode(ctx, "g1", Actor{ID: "owner"}))
	close(release)
	stale := <-done
	assert.False(stale.SafeMode)

	var row store.GovernanceConfig
	require.NoError(t, f.reg.DB.Where("guild_id = ?", "g1").First(&row).Error)
	assert.True(row.SafeMode)

	on, err := f.reg.IsSafeMode(ctx, "g1")
	assert.NoError(err)
	assert.True(on)
}
