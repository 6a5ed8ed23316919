// Per-user burst protection: a cheap verdict computed ahead of risk scoring and policy evaluation.
package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultLimit  = 7
	DefaultWindow = 5 * time.Second
)

type Verdict struct {
	// events counted in the current window, including this one; zero when the backend does not keep an exact count
	Count    int
	Limit    int
	Exceeded bool
}

type Governor interface {
	// Records one event for the (guild, user) pair and reports whether the window limit is now exceeded.
	RecordAndCheck(ctx context.Context, guildID, userID string) (Verdict, error)
	// Drops idle per-user state. Returns the number of entries removed.
	Cleanup(ctx context.Context) int
}

func rateKey(guildID, userID string) string {
	return guildID + "/" + userID
}
