package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleConfig declares one named limiter.
type RuleConfig struct {
	Name     string
	Capacity int
	Period   time.Duration
}

// Rules is a named collection of limiters sharing one counter store. Callers
// address a limiter by rule name and scope keys however they like (the
// conventional shape is "rule:scope:subject").
type Rules struct {
	mu    sync.RWMutex
	rules map[string]*Limiter
}

func NewRules(store CounterStore, configs []RuleConfig) (*Rules, error) {
	rs := &Rules{rules: map[string]*Limiter{}}
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("ratelimit: rule name is required")
		}
		if _, dup := rs.rules[cfg.Name]; dup {
			return nil, fmt.Errorf("ratelimit: duplicate rule %q", cfg.Name)
		}
		l, err := New(cfg.Capacity, cfg.Period, store)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: rule %q: %w", cfg.Name, err)
		}
		// Rules share one store, so each limiter's keys are namespaced by
		// rule name to keep their counters and windows independent.
		l.keyPrefix = cfg.Name + ":"
		rs.rules[cfg.Name] = l
	}
	return rs, nil
}

// Get returns the limiter for a rule name.
func (rs *Rules) Get(name string) (*Limiter, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	l, ok := rs.rules[name]
	return l, ok
}

// Names returns the configured rule names, sorted.
func (rs *Rules) Names() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	names := make([]string, 0, len(rs.rules))
	for name := range rs.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
