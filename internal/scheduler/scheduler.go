// Package scheduler owns a durable queue of named timers and a single
// background loop that always waits on the soonest one.
//
// Timers due within the ephemeral window never touch the store: they run as
// in-process deferred goroutines and are lost on shutdown. Everything else
// is persisted and survives restarts; a timer whose expiry passed while the
// process was down fires on the first loop iteration after startup.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"deferq/internal/dispatch"
	"deferq/internal/domain"
	"deferq/internal/timerstore"
)

type Options struct {
	// Horizon bounds the "next timer" store query so its index scan stays
	// cheap. Not a correctness boundary: timers beyond it are picked up on a
	// later iteration.
	Horizon time.Duration
	// EphemeralWindow is the largest delay that bypasses the store.
	EphemeralWindow time.Duration
	// RetryDelay is how long the loop backs off after a store failure.
	RetryDelay time.Duration
	Clock      Clock
}

func (o *Options) fillDefaults() {
	if o.Horizon <= 0 {
		o.Horizon = 24 * 24 * time.Hour
	}
	if o.EphemeralWindow <= 0 {
		o.EphemeralWindow = 60 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
}

// Request describes a timer to schedule.
type Request struct {
	Event     string
	CreatedAt time.Time // zero means "now"
	ExpiresAt time.Time
	Timezone  string // IANA key, carried for presentation only
	Payload   json.RawMessage
	// ForcePersist writes the timer to the store even when its delay falls
	// within the ephemeral window.
	ForcePersist bool
}

// Handle identifies a scheduled timer for later cancellation.
type Handle struct {
	ID        string `json:"id"`
	Ephemeral bool   `json:"ephemeral"`
}

type Scheduler struct {
	repo  timerstore.Repository
	reg   *dispatch.Registry
	clock Clock
	opts  Options

	// wake is buffered so a signal sent while the loop is mid-iteration is
	// observed on its next select rather than lost.
	wake chan struct{}

	mu      sync.Mutex
	current *domain.Timer // timer the loop is sleeping on, nil when idle

	ephMu     sync.Mutex
	ephemeral map[string]chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

func New(repo timerstore.Repository, reg *dispatch.Registry, opts Options) *Scheduler {
	opts.fillDefaults()
	return &Scheduler{
		repo:      repo,
		reg:       reg,
		clock:     opts.Clock,
		opts:      opts,
		wake:      make(chan struct{}, 1),
		ephemeral: map[string]chan struct{}{},
		stop:      make(chan struct{}),
	}
}

// Schedule registers a timer. The event must already have a handler in the
// dispatch registry. A past expiry is accepted and fires on the next loop
// evaluation.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (Handle, error) {
	if req.Event == "" {
		return Handle{}, errors.New("scheduler: event is required")
	}
	if !s.reg.Known(req.Event) {
		return Handle{}, fmt.Errorf("scheduler: no handler registered for event %q", req.Event)
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			return Handle{}, fmt.Errorf("scheduler: invalid timezone %q: %w", req.Timezone, err)
		}
	}
	created := req.CreatedAt
	if created.IsZero() {
		created = s.clock.Now()
	}
	created = created.UTC()
	expires := req.ExpiresAt.UTC()
	if expires.Before(created) {
		return Handle{}, fmt.Errorf("scheduler: expiry %s precedes creation %s", expires, created)
	}

	t := domain.Timer{
		Event:     req.Event,
		CreatedAt: created,
		ExpiresAt: expires,
		Timezone:  req.Timezone,
		Payload:   req.Payload,
	}

	if !req.ForcePersist && expires.Sub(created) <= s.opts.EphemeralWindow {
		return s.scheduleEphemeral(t), nil
	}

	id, err := s.repo.Insert(ctx, t)
	if err != nil {
		return Handle{}, fmt.Errorf("scheduler: insert timer: %w", err)
	}
	t.ID = id

	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil || expires.Before(cur.ExpiresAt) {
		s.wakeLoop()
	}

	log.Debug().Str("id", id).Str("event", t.Event).Time("expires_at", expires).Msg("timer persisted")
	return Handle{ID: id}, nil
}

func (s *Scheduler) scheduleEphemeral(t domain.Timer) Handle {
	id := "eph_" + uuid.NewString()
	cancel := make(chan struct{})

	s.ephMu.Lock()
	s.ephemeral[id] = cancel
	s.ephMu.Unlock()

	go func() {
		delay := t.ExpiresAt.Sub(s.clock.Now())
		tm := time.NewTimer(delay)
		defer tm.Stop()
		select {
		case <-tm.C:
		case <-cancel:
			return
		case <-s.stop:
			return
		}
		s.ephMu.Lock()
		delete(s.ephemeral, id)
		s.ephMu.Unlock()
		s.fire(context.Background(), t)
	}()

	log.Debug().Str("id", id).Str("event", t.Event).Time("expires_at", t.ExpiresAt).Msg("ephemeral timer armed")
	return Handle{ID: id, Ephemeral: true}
}

// Cancel removes a pending timer. Cancelling a timer that already fired (or
// never existed) returns false without error.
func (s *Scheduler) Cancel(ctx context.Context, h Handle) (bool, error) {
	if h.Ephemeral {
		s.ephMu.Lock()
		cancel, ok := s.ephemeral[h.ID]
		if ok {
			delete(s.ephemeral, h.ID)
			close(cancel)
		}
		s.ephMu.Unlock()
		return ok, nil
	}

	ok, err := s.repo.Delete(ctx, h.ID)
	if err != nil {
		return false, fmt.Errorf("scheduler: delete timer: %w", err)
	}
	if ok {
		s.mu.Lock()
		cur := s.current
		s.mu.Unlock()
		// If the loop is sleeping on the cancelled timer it would wait out a
		// stale duration; kick it so it picks the next-soonest immediately.
		if cur != nil && cur.ID == h.ID {
			s.wakeLoop()
		}
	}
	return ok, nil
}

// Run drives the wait-fire-delete loop until ctx is cancelled. Store
// failures and misbehaving handlers are logged and survived; a single bad
// timer never wedges the ones behind it.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().
		Dur("horizon", s.opts.Horizon).
		Dur("ephemeral_window", s.opts.EphemeralWindow).
		Msg("scheduler loop started")

	for {
		if done := s.step(ctx); done {
			s.setCurrent(nil)
			log.Info().Msg("scheduler loop stopped")
			return
		}
	}
}

// step runs one iteration and reports whether the loop should exit.
func (s *Scheduler) step(ctx context.Context) bool {
	now := s.clock.Now()
	t, err := s.repo.NextBefore(ctx, now.Add(s.opts.Horizon))
	switch {
	case errors.Is(err, timerstore.ErrNoTimers):
		s.setCurrent(nil)
		// The horizon bound doubles as the idle requery interval so timers
		// past the horizon are eventually observed.
		return s.sleep(ctx, s.opts.Horizon)
	case err != nil:
		if ctx.Err() != nil {
			return true
		}
		s.setCurrent(nil)
		log.Error().Err(err).Msg("timer store query failed, backing off")
		return s.sleep(ctx, s.opts.RetryDelay)
	}

	s.setCurrent(&t)
	if delay := t.ExpiresAt.Sub(s.clock.Now()); delay > 0 {
		if interrupted, done := s.sleepInterruptible(ctx, delay); interrupted || done {
			// Re-derive state from the store: the timer we were waiting on
			// may have been cancelled or displaced by a sooner one.
			return done
		}
	}
	s.setCurrent(nil)

	// A cancel can land right at the expiry instant, after the row is gone
	// but before its wake is observed. Confirm the row still exists; a store
	// error here falls through to fire, delivery is at-least-once anyway.
	if _, err := s.repo.Get(ctx, t.ID); errors.Is(err, timerstore.ErrNotFound) {
		return false
	}

	s.fire(ctx, t)
	if _, err := s.repo.Delete(ctx, t.ID); err != nil {
		log.Error().Err(err).Str("id", t.ID).Msg("failed deleting fired timer")
	}
	return false
}

// fire delivers the notification. Delivery failure is logged and swallowed;
// the record is deleted regardless so a permanently-broken handler does not
// retry forever.
func (s *Scheduler) fire(ctx context.Context, t domain.Timer) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Any("panic", r).
				Str("event", t.Event).
				Str("stack", string(debug.Stack())).
				Msg("panic in event handler")
		}
	}()

	ev := dispatch.Event{
		Name:      t.Event,
		CreatedAt: t.CreatedAt,
		FiredAt:   s.clock.Now(),
		Timezone:  t.Timezone,
		Payload:   t.Payload,
	}
	if err := s.reg.Fire(ctx, ev); err != nil {
		log.Error().Err(err).Str("event", t.Event).Str("id", t.ID).Msg("event dispatch failed")
		return
	}
	log.Debug().Str("event", t.Event).Str("id", t.ID).Msg("timer fired")
}

// sleep blocks for d or until woken. Reports whether the loop should exit.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	_, done := s.sleepInterruptible(ctx, d)
	return done
}

// sleepInterruptible blocks for d, aborting early on a wake signal.
func (s *Scheduler) sleepInterruptible(ctx context.Context, d time.Duration) (interrupted, done bool) {
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return false, true
	case <-s.wake:
		return true, false
	case <-tm.C:
		return false, false
	}
}

func (s *Scheduler) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) setCurrent(t *domain.Timer) {
	s.mu.Lock()
	s.current = t
	s.mu.Unlock()
}

// Close aborts all pending ephemeral timers. Persisted timers are untouched
// and resume after the next Run.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.ephMu.Lock()
		s.ephemeral = map[string]chan struct{}{}
		s.ephMu.Unlock()
	})
}
