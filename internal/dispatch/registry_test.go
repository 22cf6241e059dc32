package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if err := r.Register("", func(context.Context, Event) error { return nil }); err == nil {
		t.Fatal("empty name should be rejected")
	}
	if err := r.Register("reminder", nil); err == nil {
		t.Fatal("nil handler should be rejected")
	}
	if err := r.Register("reminder", func(context.Context, Event) error { return nil }); err != nil {
		t.Fatalf("valid registration: %v", err)
	}
	if !r.Known("reminder") {
		t.Fatal("Known should report registered event")
	}
	if r.Known("other") {
		t.Fatal("Known should not report unregistered event")
	}
}

func TestFireUnknownEvent(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	err := r.Fire(context.Background(), Event{Name: "ghost"})
	if err == nil || !strings.Contains(err.Error(), "no handler") {
		t.Fatalf("Fire unknown = %v, want no-handler error", err)
	}
}

func TestFireFansOutToAllHandlers(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	var calls []string
	r.Register("reminder", func(_ context.Context, ev Event) error {
		calls = append(calls, "first:"+ev.Name)
		return nil
	})
	r.Register("reminder", func(_ context.Context, ev Event) error {
		calls = append(calls, "second:"+ev.Name)
		return nil
	})

	if err := r.Fire(context.Background(), Event{Name: "reminder"}); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(calls) != 2 || calls[0] != "first:reminder" || calls[1] != "second:reminder" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestFireJoinsHandlerErrors(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	errA := errors.New("boom A")
	errB := errors.New("boom B")
	r.Register("reminder", func(context.Context, Event) error { return errA })
	r.Register("reminder", func(context.Context, Event) error { return nil })
	r.Register("reminder", func(context.Context, Event) error { return errB })

	err := r.Fire(context.Background(), Event{Name: "reminder"})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("Fire error = %v, want both handler errors", err)
	}
}
