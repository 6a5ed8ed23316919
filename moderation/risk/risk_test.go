package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lithium-bot/lithium/moderation/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T, now time.Time) *Engine {
	db, err := store.OpenTestDB()
	require.NoError(t, err)
	e := NewEngine(db, nil)
	e.Now = func() time.Time { return now }
	return e
}

func ptr[T any](v T) *T { return &v }

func TestScoreComponents(t *testing.T) {
	assert := assert.New(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// unknown everything: account 0.3, server 0.5, appeals 0.3
	p := &store.UserRiskProfile{HasAvatar: true}
	c := ScoreComponents(p, now)
	assert.Equal(0.3, c.AccountAge)
	assert.Equal(0.5, c.ServerAge)
	assert.Equal(0.0, c.Avatar)
	assert.Equal(0.3, c.AppealRatio)
	assert.InDelta(0.3*0.15+0.5*0.10+0.3*0.10, CalculateScore(p, now), 1e-9)

	fresh := &store.UserRiskProfile{
		AccountCreatedAt: ptr(now.Add(-2 * 24 * time.Hour)),
		JoinedAt:         ptr(now.Add(-10 * time.Minute)),
		HasAvatar:        false,
		Violations24h:    5,
		TotalViolations:  20,
		LastViolationAt:  ptr(now.Add(-5 * time.Minute)),
		AppealsSubmitted: 2,
	}
	c = ScoreComponents(fresh, now)
	assert.Equal(0.9, c.AccountAge)
	assert.Equal(0.9, c.ServerAge)
	assert.Equal(0.5, c.Avatar)
	assert.Equal(1.0, c.Violations)
	assert.Equal(1.0, c.Historical)
	assert.Equal(1.0, c.AppealRatio)
	assert.Equal(0.9, c.Behavioral)
	score := CalculateScore(fresh, now)
	assert.LessOrEqual(score, 1.0)
	assert.True(score >= HighRiskThreshold)

	veteran := &store.UserRiskProfile{
		AccountCreatedAt: ptr(now.Add(-400 * 24 * time.Hour)),
		JoinedAt:         ptr(now.Add(-200 * 24 * time.Hour)),
		HasAvatar:        true,
		AppealsSubmitted: 1,
		AppealsAccepted:  1,
	}
	assert.Equal(0.0, CalculateScore(veteran, now))
}

func TestGetOrCreate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e := testEngine(t, now)

	p, err := e.GetOrCreate(ctx, "g1", "u1", Signals{
		AccountCreatedAt: ptr(now.Add(-time.Hour)),
		HasAvatar:        ptr(false),
	})
	assert.NoError(err)
	assert.NotZero(p.ID)
	assert.True(p.IsNewcomer)
	assert.False(p.HasAvatar)
	assert.Greater(p.CurrentRiskScore, 0.0)
	assert.Equal(p.BaseRiskScore, p.CurrentRiskScore)

	again, err := e.GetOrCreate(ctx, "g1", "u1", Signals{JoinedAt: ptr(now.Add(-time.Minute))})
	assert.NoError(err)
	assert.Equal(p.ID, again.ID)
	assert.NotNil(again.JoinedAt)

	other, err := e.GetOrCreate(ctx, "g2", "u1", Signals{})
	assert.NoError(err)
	assert.NotEqual(p.ID, other.ID)

	_, err = e.Get(ctx, "g3", "u1")
	assert.ErrorIs(err, store.ErrNotFound)
}

func TestGetOrCreateConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t, time.Now().UTC())

	var wg sync.WaitGroup
	ids := make([]uint, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := e.GetOrCreate(ctx, "g1", "u1", Signals{})
			assert.NoError(err)
			if p != nil {
				ids[i] = p.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(ids[0], id)
	}
	var count int64
	assert.NoError(e.DB.Model(&store.UserRiskProfile{}).Count(&count).Error)
	assert.Equal(int64(1), count)
}

func TestUpdateCounters(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e := testEngine(t, now)

	p, err := e.GetOrCreate(ctx, "g1", "u1", Signals{})
	assert.NoError(err)
	for i := 0; i < 3; i++ {
		assert.NoError(e.UpdateAfterMessage(ctx, p))
	}
	assert.Equal(3, p.Messages24h)
	assert.Equal(3, p.TotalMessages)
	assert.NotNil(p.MessageWindowStart)
	assert.NotNil(p.LastMessageAt)

	before := p.CurrentRiskScore
	assert.NoError(e.UpdateAfterViolation(ctx, p, KindWarning))
	assert.NoError(e.UpdateAfterViolation(ctx, p, KindTimeout))
	assert.Equal(2, p.Violations24h)
	assert.Equal(1, p.Warnings24h)
	assert.Equal(1, p.TotalTimeouts)
	assert.Equal(2, p.TotalViolations)
	assert.NotNil(p.LastViolationAt)
	assert.Greater(p.CurrentRiskScore, before)
	assert.LessOrEqual(p.CurrentRiskScore, 1.0)
}

func TestApplyDecay(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e := testEngine(t, now)

	p, err := e.GetOrCreate(ctx, "g1", "u1", Signals{})
	assert.NoError(err)
	assert.NoError(e.UpdateAfterViolation(ctx, p, KindViolation))
	score := p.CurrentRiskScore

	low, err := e.GetOrCreate(ctx, "g1", "u2", Signals{})
	assert.NoError(err)
	assert.NoError(e.DB.Model(low).UpdateColumn("current_risk_score", 0.005).Error)

	n, err := e.ApplyDecay(ctx)
	assert.NoError(err)
	assert.Equal(int64(2), n)

	got, err := e.Get(ctx, "g1", "u1")
	assert.NoError(err)
	assert.InDelta(score-DecayPerHour, got.CurrentRiskScore, 1e-9)
	assert.Equal(1, got.Violations24h)

	got, err = e.Get(ctx, "g1", "u2")
	assert.NoError(err)
	assert.Equal(0.0, got.CurrentRiskScore)

	// a day later the rolling counters reset
	e.Now = func() time.Time { return now.Add(25 * time.Hour) }
	_, err = e.ApplyDecay(ctx)
	assert.NoError(err)
	got, err = e.Get(ctx, "g1", "u1")
	assert.NoError(err)
	assert.Equal(0, got.Violations24h)
	assert.Equal(1, got.TotalViolations)
	assert.GreaterOrEqual(got.CurrentRiskScore, 0.0)
}

func TestNewcomerPromotion(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e := testEngine(t, now)
	cfg := store.DefaultGovernanceConfig("g1")

	young, err := e.GetOrCreate(ctx, "g1", "u1", Signals{JoinedAt: ptr(now.Add(-23 * time.Hour))})
	assert.NoError(err)
	young.Messages24h = 15
	promoted, err := e.CheckNewcomerPromotion(ctx, young, &cfg)
	assert.NoError(err)
	assert.False(promoted)

	old, err := e.GetOrCreate(ctx, "g1", "u2", Signals{JoinedAt: ptr(now.Add(-24 * time.Hour))})
	assert.NoError(err)
	old.Messages24h = 15
	promoted, err = e.CheckNewcomerPromotion(ctx, old, &cfg)
	assert.NoError(err)
	assert.True(promoted)
	assert.True(old.IsVerified)
	assert.False(old.IsNewcomer)

	// already promoted
	promoted, err = e.CheckNewcomerPromotion(ctx, old, &cfg)
	assert.NoError(err)
	assert.False(promoted)

	quiet := &store.UserRiskProfile{IsNewcomer: true, JoinedAt: ptr(now.Add(-48 * time.Hour)), Messages24h: 3}
	assert.False(EligibleForPromotion(quiet, 24, 10, now))
	dirty := &store.UserRiskProfile{IsNewcomer: true, JoinedAt: ptr(now.Add(-48 * time.Hour)), Messages24h: 30, Violations24h: 1}
	assert.False(EligibleForPromotion(dirty, 24, 10, now))
	unknown := &store.UserRiskProfile{IsNewcomer: true, Messages24h: 30}
	assert.False(EligibleForPromotion(unknown, 24, 10, now))
}

func TestQuarantine(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	p, err := e.GetOrCreate(ctx, "g1", "u1", Signals{})
	assert.NoError(err)
	assert.NoError(e.Quarantine(ctx, p, "raid wave"))
	assert.Equal(1.0, p.CurrentRiskScore)

	got, err := e.Get(ctx, "g1", "u1")
	assert.NoError(err)
	assert.True(got.IsQuarantined)
	assert.Equal("raid wave", got.QuarantineReason)

	_, err = e.Recalculate(ctx, got)
	assert.NoError(err)
	assert.Equal(1.0, got.CurrentRiskScore)

	assert.NoError(e.Release(ctx, got))
	assert.False(got.IsQuarantined)
	assert.Less(got.CurrentRiskScore, 1.0)
}

func TestAppeals(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := testEngine(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	assert.NoError(e.AppealSubmitted(ctx, "g1", "u1"))
	assert.NoError(e.AppealSubmitted(ctx, "g1", "u1"))
	assert.NoError(e.AppealDecided(ctx, "g1", "u1", true))
	assert.NoError(e.AppealDecided(ctx, "g1", "u1", false))

	p, err := e.Get(ctx, "g1", "u1")
	assert.NoError(err)
	assert.Equal(2, p.AppealsSubmitted)
	assert.Equal(1, p.AppealsAccepted)
	assert.Equal(0.5, ScoreComponents(p, e.Now()).AppealRatio)
}
