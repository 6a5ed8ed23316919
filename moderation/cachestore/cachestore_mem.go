package cachestore

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memEntry struct {
	val     string
	expires time.Time
}

// Bounded in-process cache. Entries are evicted by LRU capacity or by the store-wide TTL, whichever comes first; per-entry TTLs passed to SetIfAbsent can only shorten that.
type MemCacheStore struct {
	Data *expirable.LRU[string, memEntry]
	TTL  time.Duration

	// serializes check-and-set
	lk *sync.Mutex
}

var _ CacheStore = (*MemCacheStore)(nil)

func NewMemCacheStore(capacity int, ttl time.Duration) *MemCacheStore {
	return &MemCacheStore{
		Data: expirable.NewLRU[string, memEntry](capacity, nil, ttl),
		TTL:  ttl,
		lk:   &sync.Mutex{},
	}
}

func memCacheKey(name, key string) string {
	return name + "/" + key
}

func (s *MemCacheStore) live(k string, now time.Time) (memEntry, bool) {
	e, ok := s.Data.Get(k)
	if !ok {
		return e, false
	}
	if now.After(e.expires) {
		s.Data.Remove(k)
		return e, false
	}
	return e, true
}

func (s *MemCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	e, ok := s.live(memCacheKey(name, key), time.Now())
	if !ok {
		return "", nil
	}
	return e.val, nil
}

func (s *MemCacheStore) Set(ctx context.Context, name, key string, val string) error {
	s.Data.Add(memCacheKey(name, key), memEntry{val: val, expires: time.Now().Add(s.TTL)})
	return nil
}

func (s *MemCacheStore) SetIfAbsent(ctx context.Context, name, key string, val string, ttl time.Duration) (bool, error) {
	if ttl <= 0 || ttl > s.TTL {
		ttl = s.TTL
	}
	k := memCacheKey(name, key)
	now := time.Now()

	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.live(k, now); ok {
		return false, nil
	}
	s.Data.Add(k, memEntry{val: val, expires: now.Add(ttl)})
	return true, nil
}

func (s *MemCacheStore) Exists(ctx context.Context, name, key string) (bool, error) {
	_, ok := s.live(memCacheKey(name, key), time.Now())
	return ok, nil
}

func (s *MemCacheStore) Purge(ctx context.Context, name, key string) error {
	s.Data.Remove(memCacheKey(name, key))
	return nil
}

// Len is the number of entries currently held, including any not yet evicted past their per-entry TTL.
func (s *MemCacheStore) Len() int {
	return s.Data.Len()
}
