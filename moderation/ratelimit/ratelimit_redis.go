package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisRatePrefix = "rate/"

// Shared governor: fixed windows, one counter key per user per window bucket. The counter and its expiry are written in one transaction.
type RedisGovernor struct {
	Client *redis.Client
	Limit  int
	Window time.Duration
	Now    func() time.Time
}

var _ Governor = (*RedisGovernor)(nil)

func NewRedisGovernor(client *redis.Client, limit int, window time.Duration) *RedisGovernor {
	return &RedisGovernor{
		Client: client,
		Limit:  limit,
		Window: window,
		Now:    time.Now,
	}
}

// windowKey returns the counter key for the window containing now, and the end of that window.
func (g *RedisGovernor) windowKey(guildID, userID string, now time.Time) (string, time.Time) {
	start := now.Truncate(g.Window)
	return fmt.Sprintf("%s%s/%d", redisRatePrefix, rateKey(guildID, userID), start.UnixMilli()), start.Add(g.Window)
}

func (g *RedisGovernor) RecordAndCheck(ctx context.Context, guildID, userID string) (Verdict, error) {
	key, end := g.windowKey(guildID, userID, g.Now())

	multi := g.Client.TxPipeline()
	incr := multi.Incr(ctx, key)
	multi.PExpireAt(ctx, key, end)
	if _, err := multi.Exec(ctx); err != nil {
		return Verdict{}, err
	}
	count := incr.Val()
	return Verdict{
		Count:    int(count),
		Limit:    g.Limit,
		Exceeded: int(count) > g.Limit,
	}, nil
}

// Keys expire on their own.
func (g *RedisGovernor) Cleanup(ctx context.Context) int {
	return 0
}
