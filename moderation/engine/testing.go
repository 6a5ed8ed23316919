package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lithium-bot/lithium/moderation/cachestore"
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
	"github.com/lithium-bot/lithium/moderation/setstore"
	"github.com/lithium-bot/lithium/moderation/store"

	"gorm.io/gorm"
)

// TestClock is a settable clock shared by every component of a fixture.
type TestClock struct {
	lk  sync.Mutex
	now time.Time
}

func NewTestClock(start time.Time) *TestClock {
	return &TestClock{now: start.UTC()}
}

func (c *TestClock) Now() time.Time {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.now
}

func (c *TestClock) Advance(d time.Duration) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.now = c.now.Add(d)
}

// Fixture is a fully in-memory pipeline, with handles on the pieces tests poke at.
type Fixture struct {
	*Engine
	DB            *gorm.DB
	Exec          *dispatch.RecordingExecutor
	PolicyService *policy.Service
	Bus           *configbus.MemBus
	Sets          *setstore.MemSetStore
	Clock         *TestClock
}

func EngineTestFixture() (*Fixture, error) {
	db, err := store.OpenTestDB()
	if err != nil {
		return nil, err
	}
	logger := slog.Default()
	clock := NewTestClock(time.Now())

	bus := configbus.NewMemBus()
	cs := cases.NewService(db, logger)
	cs.Now = clock.Now
	reg := governance.NewRegistry(db, cs, bus, logger)
	reg.Now = clock.Now
	re := risk.NewEngine(db, logger)
	re.Now = clock.Now
	ht := heat.NewTracker(db, logger)
	ht.Now = clock.Now
	sets := setstore.NewMemSetStore()
	pe := policy.NewEngine(db, sets, logger)
	counters := countstore.NewMemCountStore()
	counters.Now = clock.Now

	exec := dispatch.NewRecordingExecutor()
	disp := dispatch.NewDispatcher(exec, cs, counters, logger)
	disp.Now = clock.Now

	e := &Engine{
		Logger:     logger,
		Guard:      idempotency.NewGuard(nil, cachestore.NewMemCacheStore(1000, idempotency.DefaultTTL), logger),
		Rates:      ratelimit.NewLocalGovernor(ratelimit.DefaultLimit, ratelimit.DefaultWindow),
		Risk:       re,
		Policies:   pe,
		Heat:       ht,
		Governance: reg,
		Cases:      cs,
		Dispatch:   disp,
		Counters:   counters,
		Notifiers:  []Notifier{&ModLogNotifier{Dispatch: disp}},
		Now:        clock.Now,
	}
	if err := bus.Subscribe(context.Background(), e.HandleConfigChange); err != nil {
		return nil, err
	}
	return &Fixture{
		Engine:        e,
		DB:            db,
		Exec:          exec,
		PolicyService: policy.NewService(db, pe, bus, logger),
		Bus:           bus,
		Sets:          sets,
		Clock:         clock,
	}, nil
}

// Message builds a message_created event from the fixture's clock.
func (f *Fixture) Message(guildID, userID, channelID, messageID, content string) *Event {
	created := f.Clock.Now().Add(-365 * 24 * time.Hour)
	joined := f.Clock.Now().Add(-30 * 24 * time.Hour)
	avatar := true
	return &Event{
		Type:             policy.EventMessageCreated,
		GuildID:          guildID,
		UserID:           userID,
		ChannelID:        channelID,
		MessageID:        messageID,
		Content:          content,
		AccountCreatedAt: &created,
		JoinedAt:         &joined,
		HasAvatar:        &avatar,
		Timestamp:        f.Clock.Now(),
	}
}

// Join builds a member_joined event for an account created accountAge ago.
func (f *Fixture) Join(guildID, userID string, accountAge time.Duration) *Event {
	created := f.Clock.Now().Add(-accountAge)
	joined := f.Clock.Now()
	avatar := true
	return &Event{
		Type:             policy.EventMemberJoined,
		GuildID:          guildID,
		UserID:           userID,
		AccountCreatedAt: &created,
		JoinedAt:         &joined,
		HasAvatar:        &avatar,
		Timestamp:        f.Clock.Now(),
	}
}
