package ratelimit

import (
	"context"
	"sync"
	"time"
)

// UserRepriceCount is the in-memory counter for one user and category.
type UserRepriceCount struct {
	Count    int
	Window   string
	ResetsAt time.Time
}

type userCategory struct {
	userID   string
	category Category
}

// MemoryStore keeps counters in process memory. It is only correct for a
// single instance; use SQLiteStore when several processes share a quota.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[userCategory]UserRepriceCount
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[userCategory]UserRepriceCount)}
}

// current returns the counter for key, silently resetting it when the
// stored window has passed. Callers hold mu.
func (s *MemoryStore) current(key Key, resetsAt time.Time) UserRepriceCount {
	uc := userCategory{key.UserID, key.Category}
	c, ok := s.counters[uc]
	if !ok || c.Window != key.Window {
		c = UserRepriceCount{Window: key.Window, ResetsAt: resetsAt}
	}
	return c
}

func (s *MemoryStore) Count(_ context.Context, key Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[userCategory{key.UserID, key.Category}]
	if !ok || c.Window != key.Window {
		return 0, nil
	}
	return c.Count, nil
}

func (s *MemoryStore) Increment(_ context.Context, key Key, resetsAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.current(key, resetsAt)
	c.Count++
	s.counters[userCategory{key.UserID, key.Category}] = c
	return c.Count, nil
}

func (s *MemoryStore) IncrementBelow(_ context.Context, key Key, resetsAt time.Time, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.current(key, resetsAt)
	if c.Count >= limit {
		return false, nil
	}
	c.Count++
	s.counters[userCategory{key.UserID, key.Category}] = c
	return true, nil
}
