//go:build property

package risk

import (
	"testing"
	"time"

	"github.com/lithium-bot/lithium/moderation/store"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestScoreBoundsProperty(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	properties.Property("score stays within [0,1]", prop.ForAll(
		func(v24, tv, tw, tt, tb, subm, acc int, accountHours, joinHours int64, avatar bool) bool {
			p := &store.UserRiskProfile{
				Violations24h:    v24,
				TotalViolations:  tv,
				TotalWarnings:    tw,
				TotalTimeouts:    tt,
				TotalBans:        tb,
				AppealsSubmitted: subm,
				AppealsAccepted:  min(acc, subm),
				HasAvatar:        avatar,
			}
			created := now.Add(-time.Duration(accountHours) * time.Hour)
			joined := now.Add(-time.Duration(joinHours) * time.Hour)
			p.AccountCreatedAt = &created
			p.JoinedAt = &joined
			if v24 > 0 {
				last := now.Add(-time.Duration(joinHours%48) * time.Hour)
				p.LastViolationAt = &last
			}
			s := CalculateScore(p, now)
			return s >= 0 && s <= 1
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 100),
		gen.IntRange(0, 10),
		gen.IntRange(0, 50),
		gen.IntRange(0, 50),
		gen.Int64Range(0, 24*3650),
		gen.Int64Range(0, 24*3650),
		gen.Bool(),
	))

	properties.Property("more recent violations never lower the score", prop.ForAll(
		func(base, extra int) bool {
			a := &store.UserRiskProfile{Violations24h: base, HasAvatar: true}
			b := &store.UserRiskProfile{Violations24h: base + extra, HasAvatar: true}
			return CalculateScore(b, now) >= CalculateScore(a, now)
		},
		gen.IntRange(0, 20),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
