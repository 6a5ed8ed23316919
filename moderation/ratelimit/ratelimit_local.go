package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"github.com/puzpuzpuz/xsync/v3"
)

type localEntry struct {
	lim      *slidingwindow.Limiter
	stop     slidingwindow.StopFunc
	lastSeen atomic.Int64
}

// In-process governor: one sliding-window limiter per (guild, user), held in a concurrent registry.
type LocalGovernor struct {
	Limit  int
	Window time.Duration
	// overridable for tests
	Now func() time.Time

	limiters *xsync.MapOf[string, *localEntry]
}

var _ Governor = (*LocalGovernor)(nil)

func NewLocalGovernor(limit int, window time.Duration) *LocalGovernor {
	return &LocalGovernor{
		Limit:    limit,
		Window:   window,
		Now:      time.Now,
		limiters: xsync.NewMapOf[string, *localEntry](),
	}
}

func windowFunc() (slidingwindow.Window, slidingwindow.StopFunc) {
	return slidingwindow.NewLocalWindow()
}

func (g *LocalGovernor) RecordAndCheck(ctx context.Context, guildID, userID string) (Verdict, error) {
	e, _ := g.limiters.LoadOrCompute(rateKey(guildID, userID), func() *localEntry {
		lim, stop := slidingwindow.NewLimiter(g.Window, int64(g.Limit), windowFunc)
		return &localEntry{lim: lim, stop: stop}
	})
	now := g.Now()
	e.lastSeen.Store(now.UnixNano())
	allowed := e.lim.AllowN(now, 1)
	return Verdict{
		Limit:    g.Limit,
		Exceeded: !allowed,
	}, nil
}

// Removes limiters idle for longer than two windows; their state could no longer affect a verdict.
func (g *LocalGovernor) Cleanup(ctx context.Context) int {
	cutoff := g.Now().Add(-2 * g.Window).UnixNano()
	removed := 0
	g.limiters.Range(func(k string, e *localEntry) bool {
		if e.lastSeen.Load() < cutoff {
			g.limiters.Delete(k)
			e.stop()
			removed++
		}
		return true
	})
	return removed
}

func (g *LocalGovernor) Size() int {
	return g.limiters.Size()
}
