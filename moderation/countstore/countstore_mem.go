package countstore

import (
	"context"
	"sync"
	"time"
)

type MemCountStore struct {
	lk             sync.Mutex
	Counts         map[string]int
	DistinctCounts map[string]map[string]bool
	// overridable for tests
	Now func() time.Time
}

var _ CountStore = (*MemCountStore)(nil)

func NewMemCountStore() *MemCountStore {
	return &MemCountStore{
		Counts:         make(map[string]int),
		DistinctCounts: make(map[string]map[string]bool),
		Now:            time.Now,
	}
}

var allPeriods = []string{PeriodTotal, PeriodDay, PeriodHour, PeriodMinute}

func (s *MemCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.Counts[periodBucket(name, val, period, s.Now())], nil
}

func (s *MemCountStore) Increment(ctx context.Context, name, val string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	now := s.Now()
	for _, p := range allPeriods {
		s.Counts[periodBucket(name, val, p, now)]++
	}
	return nil
}

func (s *MemCountStore) GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.DistinctCounts[periodBucket(name, bucket, period, s.Now())]), nil
}

func (s *MemCountStore) IncrementDistinct(ctx context.Context, name, bucket, val string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	now := s.Now()
	for _, p := range allPeriods {
		k := periodBucket(name, bucket, p, now)
		m, ok := s.DistinctCounts[k]
		if !ok {
			m = make(map[string]bool)
			s.DistinctCounts[k] = m
		}
		m[val] = true
	}
	return nil
}

// Drops buckets from periods that have already rolled over. Returns the number of buckets removed.
func (s *MemCountStore) Prune() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	now := s.Now()
	live := map[string]bool{}
	for _, p := range []string{PeriodDay, PeriodHour, PeriodMinute} {
		live[periodSuffix(p, now)] = true
	}
	removed := 0
	for k := range s.Counts {
		if stale(k, live) {
			delete(s.Counts, k)
			removed++
		}
	}
	for k := range s.DistinctCounts {
		if stale(k, live) {
			delete(s.DistinctCounts, k)
			removed++
		}
	}
	return removed
}

func periodSuffix(period string, now time.Time) string {
	return periodBucket("", "", period, now)[2:]
}

// total buckets have two path segments and never go stale
func stale(key string, live map[string]bool) bool {
	slashes := 0
	idx := -1
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			slashes++
			if idx < 0 {
				idx = i
			}
		}
	}
	if slashes < 2 {
		return false
	}
	return !live[key[idx+1:]]
}
