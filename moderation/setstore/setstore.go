package setstore

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
)

// Named sets of strings, such as per-guild keyword blocklists referenced by policies.
type SetStore interface {
	InSet(ctx context.Context, name, val string) (bool, error)
}

// Values are stored and matched lower-cased.
type MemSetStore struct {
	lk   sync.RWMutex
	Sets map[string]map[string]bool
}

var _ SetStore = (*MemSetStore)(nil)

func NewMemSetStore() *MemSetStore {
	return &MemSetStore{
		Sets: make(map[string]map[string]bool),
	}
}

func (s *MemSetStore) InSet(ctx context.Context, name, val string) (bool, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	set, ok := s.Sets[name]
	if !ok {
		// NOTE: currently returns false when entire set isn't found
		return false, nil
	}
	return set[strings.ToLower(val)], nil
}

// Adds values to a set, creating it if needed.
func (s *MemSetStore) Add(name string, vals ...string) {
	s.lk.Lock()
	defer s.lk.Unlock()
	set, ok := s.Sets[name]
	if !ok {
		set = make(map[string]bool, len(vals))
		s.Sets[name] = set
	}
	for _, v := range vals {
		set[strings.ToLower(v)] = true
	}
}

// Loads a JSON object mapping set names to string arrays. Sets present in the file replace existing sets of the same name.
func (s *MemSetStore) LoadFromFileJSON(p string) error {

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	var sets map[string][]string
	if err := json.Unmarshal(raw, &sets); err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	for name, l := range sets {
		m := make(map[string]bool, len(l))
		for _, val := range l {
			m[strings.ToLower(val)] = true
		}
		s.Sets[name] = m
	}
	return nil
}
