package ratelimit

import (
	"sync"
	"time"
)

// CounterStore is the atomic counter backend for limiters. Increment must be
// a single increment-and-read operation so concurrent hits on one key never
// lose updates.
type CounterStore interface {
	// Increment adds delta to key and returns the new value. A missing or
	// expired key starts a fresh window expiring ttl from now.
	Increment(key string, delta int64, ttl time.Duration) (int64, error)
	// Peek returns the current value without touching the window.
	Peek(key string) (int64, bool)
	// Delete removes key, ending its window early.
	Delete(key string) error
}

type entry struct {
	count     int64
	expiresAt time.Time
}

type memStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time

	ops        uint64
	pruneEvery uint64
}

// NewMemStore returns an in-memory CounterStore with lazy per-key expiry.
// Expiry is evaluated on access; an opportunistic prune every few hundred
// mutations reclaims keys that are never touched again.
func NewMemStore() CounterStore {
	return &memStore{
		entries:    map[string]*entry{},
		now:        time.Now,
		pruneEvery: 512,
	}
}

func (s *memStore) Increment(key string, delta int64, ttl time.Duration) (int64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !e.expiresAt.After(now) {
		e = &entry{expiresAt: now.Add(ttl)}
		s.entries[key] = e
	}
	e.count += delta

	s.ops++
	if s.ops%s.pruneEvery == 0 {
		s.pruneLocked(now)
	}
	return e.count, nil
}

func (s *memStore) Peek(key string) (int64, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.expiresAt.After(now) {
		return 0, false
	}
	return e.count, true
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *memStore) pruneLocked(now time.Time) {
	for k, e := range s.entries {
		if !e.expiresAt.After(now) {
			delete(s.entries, k)
		}
	}
}
