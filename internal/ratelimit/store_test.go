package ratelimit

import (
	"testing"
	"time"
)

func TestMemStoreLazyExpiry(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	s := &memStore{entries: map[string]*entry{}, now: func() time.Time { return now }, pruneEvery: 512}

	if n, _ := s.Increment("k", 1, 10*time.Second); n != 1 {
		t.Fatalf("first increment = %d, want 1", n)
	}
	if n, _ := s.Increment("k", 2, 10*time.Second); n != 3 {
		t.Fatalf("second increment = %d, want 3", n)
	}

	// TTL is fixed at window start; advancing past it resets on next access.
	now = now.Add(11 * time.Second)
	if _, ok := s.Peek("k"); ok {
		t.Fatal("Peek should miss after expiry")
	}
	if n, _ := s.Increment("k", 1, 10*time.Second); n != 1 {
		t.Fatalf("increment after expiry = %d, want 1", n)
	}
}

func TestMemStoreDelete(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	s.Increment("k", 5, time.Minute)
	if err := s.Delete("k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Peek("k"); ok {
		t.Fatal("Peek should miss after delete")
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestMemStorePrunesExpiredKeys(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	s := &memStore{entries: map[string]*entry{}, now: func() time.Time { return now }, pruneEvery: 4}

	s.Increment("a", 1, time.Second)
	s.Increment("b", 1, time.Second)
	now = now.Add(2 * time.Second)

	// Two more mutations push ops across the prune boundary.
	s.Increment("c", 1, time.Minute)
	s.Increment("d", 1, time.Minute)

	s.mu.Lock()
	_, hasA := s.entries["a"]
	_, hasB := s.entries["b"]
	_, hasC := s.entries["c"]
	s.mu.Unlock()

	if hasA || hasB {
		t.Fatal("expired keys should have been pruned")
	}
	if !hasC {
		t.Fatal("live key should survive prune")
	}
}
