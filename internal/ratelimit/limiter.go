// Package ratelimit implements a fixed-window counter keyed by arbitrary
// composite strings, for "N events per M seconds" moderation rules.
//
// Once a window trips it stays tripped until the window expires or the
// policy layer calls Reset after acting on the violation. Each key also
// carries an auxiliary tracked set (e.g. offending message ids) so cleanup
// can target exactly the events that contributed hits.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type Limiter struct {
	capacity int64
	period   time.Duration
	store    CounterStore
	now      func() time.Time

	// keyPrefix namespaces store keys when several limiters share a store.
	keyPrefix string

	tmu     sync.Mutex
	tracked map[string]*trackedSet
}

// trackedSet carries the items of one window; like the counter it lapses
// with the window and is dropped lazily on access.
type trackedSet struct {
	items     map[string]struct{}
	expiresAt time.Time
}

// New builds a limiter that trips once a key accumulates capacity hits
// within period.
func New(capacity int, period time.Duration, store CounterStore) (*Limiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity must be positive, got %d", capacity)
	}
	if period <= 0 {
		return nil, fmt.Errorf("ratelimit: period must be positive, got %s", period)
	}
	if store == nil {
		return nil, errors.New("ratelimit: counter store is required")
	}
	return &Limiter{
		capacity: int64(capacity),
		period:   period,
		store:    store,
		now:      time.Now,
		tracked:  map[string]*trackedSet{},
	}, nil
}

func (l *Limiter) storeKey(key string) string { return l.keyPrefix + key }

// Hit records one event against key and reports whether the window tripped.
func (l *Limiter) Hit(key string) (bool, error) { return l.HitN(key, 1) }

// HitN records n events against key. A first hit (or a hit after the window
// lapsed) starts a fresh window.
func (l *Limiter) HitN(key string, n int64) (bool, error) {
	if n <= 0 {
		return false, fmt.Errorf("ratelimit: hit amount must be positive, got %d", n)
	}
	count, err := l.store.Increment(l.storeKey(key), n, l.period)
	if err != nil {
		return false, err
	}
	return count >= l.capacity, nil
}

// Count returns the key's current window count, zero if no window is active.
func (l *Limiter) Count(key string) int64 {
	count, _ := l.store.Peek(l.storeKey(key))
	return count
}

// Reset clears the counter and tracked set for key, ending the window early.
// Resetting an unknown key is a no-op.
func (l *Limiter) Reset(key string) error {
	l.tmu.Lock()
	delete(l.tracked, key)
	l.tmu.Unlock()
	return l.store.Delete(l.storeKey(key))
}

// Track remembers an item (conventionally called right after Hit) so the
// policy layer can clean up exactly the events that tripped the window. A
// set whose window lapsed is replaced rather than appended to.
func (l *Limiter) Track(key, item string) {
	now := l.now()
	l.tmu.Lock()
	set := l.tracked[key]
	if set == nil || !set.expiresAt.After(now) {
		set = &trackedSet{items: map[string]struct{}{}, expiresAt: now.Add(l.period)}
		l.tracked[key] = set
	}
	set.items[item] = struct{}{}
	l.tmu.Unlock()
}

// Tracked returns a copy of the items tracked for key in the live window.
func (l *Limiter) Tracked(key string) []string {
	now := l.now()
	l.tmu.Lock()
	defer l.tmu.Unlock()
	set := l.tracked[key]
	if set == nil {
		return []string{}
	}
	if !set.expiresAt.After(now) {
		delete(l.tracked, key)
		return []string{}
	}
	items := make([]string, 0, len(set.items))
	for item := range set.items {
		items = append(items, item)
	}
	return items
}

// Capacity returns the configured trip threshold.
func (l *Limiter) Capacity() int64 { return l.capacity }

// Period returns the configured window length.
func (l *Limiter) Period() time.Duration { return l.period }
