package cachestore

import (
	"context"
	"time"
)

type CacheStore interface {
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string) error
	// Atomically stores val only if no live entry exists. Returns true if this call stored the value.
	SetIfAbsent(ctx context.Context, name, key string, val string, ttl time.Duration) (bool, error)
	// Reports whether a live entry exists, whichever of Set or SetIfAbsent wrote it.
	Exists(ctx context.Context, name, key string) (bool, error)
	Purge(ctx context.Context, name, key string) error
}
