// Deduplication of inbound events using a content-derived key with a short TTL.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/lithium-bot/lithium/moderation/cachestore"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultTTL = 5 * time.Minute

var cacheName = "event"

var fallbackCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lithium_idempotency_fallbacks",
	Help: "Number of idempotency checks served by the in-process fallback store",
})

var duplicateCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lithium_idempotency_duplicates",
	Help: "Number of events dropped as already processed",
})

// ContentHash returns the hex SHA-256 of message content.
func ContentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// EventID derives a stable id from the event identity and the minute it arrived in. Identical content from the same user in the same minute collapses to one id.
func EventID(eventType, guildID, userID, contentHash string, at time.Time) string {
	minute := at.UTC().Format("2006-01-02T15:04")
	raw := fmt.Sprintf("%s:%s:%s:%s:%s", eventType, guildID, userID, contentHash, minute)
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])[:32]
}

type Guard struct {
	// shared backend; may be nil
	Primary cachestore.CacheStore
	// in-process backend used when Primary is nil or failing. Best effort: duplicates are possible across restarts.
	Fallback cachestore.CacheStore
	TTL      time.Duration
	Logger   *slog.Logger
}

func NewGuard(primary, fallback cachestore.CacheStore, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		Primary:  primary,
		Fallback: fallback,
		TTL:      DefaultTTL,
		Logger:   logger.With("component", "idempotency"),
	}
}

// CheckAndMark atomically records the event id. Returns true if it had already been recorded within the TTL.
func (g *Guard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	if g.Primary != nil {
		stored, err := g.Primary.SetIfAbsent(ctx, cacheName, eventID, now, g.TTL)
		if err == nil {
			if !stored {
				duplicateCount.Inc()
			}
			return !stored, nil
		}
		g.Logger.Warn("idempotency store unavailable, using local fallback", "err", err)
	}
	if g.Fallback == nil {
		return false, fmt.Errorf("no idempotency store configured")
	}
	fallbackCount.Inc()
	stored, err := g.Fallback.SetIfAbsent(ctx, cacheName, eventID, now, g.TTL)
	if err != nil {
		return false, fmt.Errorf("idempotency fallback: %w", err)
	}
	if !stored {
		duplicateCount.Inc()
	}
	return !stored, nil
}

// Seen reports whether the id is currently recorded, without marking it.
func (g *Guard) Seen(ctx context.Context, eventID string) (bool, error) {
	for _, cs := range []cachestore.CacheStore{g.Primary, g.Fallback} {
		if cs == nil {
			continue
		}
		found, err := cs.Exists(ctx, cacheName, eventID)
		if err != nil {
			g.Logger.Warn("idempotency lookup failed", "err", err)
			continue
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// Forget removes the id from every backend, allowing the event to be processed again.
func (g *Guard) Forget(ctx context.Context, eventID string) error {
	for _, cs := range []cachestore.CacheStore{g.Primary, g.Fallback} {
		if cs == nil {
			continue
		}
		if err := cs.Purge(ctx, cacheName, eventID); err != nil {
			return err
		}
	}
	return nil
}
