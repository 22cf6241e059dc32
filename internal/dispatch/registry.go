// Package dispatch routes fired timer events to registered handlers.
//
// Handlers are registered under an explicit event name before any timer for
// that name may be scheduled; unknown names are rejected up front rather than
// discovered at fire time.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Event is what a handler receives when a timer fires.
type Event struct {
	Name      string
	CreatedAt time.Time
	FiredAt   time.Time
	Timezone  string
	Payload   json.RawMessage
}

// HandlerFunc consumes a fired event. Payload interpretation is the
// handler's concern; the scheduler delivers it verbatim.
type HandlerFunc func(ctx context.Context, ev Event) error

type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string][]HandlerFunc{}}
}

// Register attaches fn to the given event name. Multiple handlers per name
// are allowed; each fire invokes all of them.
func (r *Registry) Register(name string, fn HandlerFunc) error {
	if name == "" {
		return errors.New("dispatch: event name is required")
	}
	if fn == nil {
		return fmt.Errorf("dispatch: nil handler for event %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = append(r.handlers[name], fn)
	return nil
}

// Known reports whether at least one handler is registered for name.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[name]) > 0
}

// Events returns the registered event names.
func (r *Registry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Fire delivers ev to every handler registered for its name. Handler errors
// are joined; an unknown name is itself an error.
func (r *Registry) Fire(ctx context.Context, ev Event) error {
	// Snapshot so handlers run without holding the lock.
	r.mu.RLock()
	fns := make([]HandlerFunc, len(r.handlers[ev.Name]))
	copy(fns, r.handlers[ev.Name])
	r.mu.RUnlock()

	if len(fns) == 0 {
		return fmt.Errorf("dispatch: no handler for event %q", ev.Name)
	}
	var errs []error
	for _, fn := range fns {
		if err := fn(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("event %q: %w", ev.Name, err))
		}
	}
	return errors.Join(errs...)
}
