package timerstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"deferq/internal/domain"
)

func openTestRepo(t *testing.T) Repository {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return NewSQLiteRepo(db)
}

func TestInsertAssignsID(t *testing.T) {
	t.Parallel()
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	id, err := repo.Insert(ctx, domain.Timer{
		Event:     "reminder",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		Timezone:  "Europe/Berlin",
		Payload:   []byte(`{"text":"stand up"}`),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == "" {
		t.Fatal("insert should assign an id")
	}

	got, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Event != "reminder" || got.Timezone != "Europe/Berlin" {
		t.Fatalf("got = %+v", got)
	}
	if !got.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("ExpiresAt = %v, want %v", got.ExpiresAt, now.Add(time.Hour))
	}
	if string(got.Payload) != `{"text":"stand up"}` {
		t.Fatalf("Payload = %s", got.Payload)
	}
}

func TestNextBeforeOrdersByExpiry(t *testing.T) {
	t.Parallel()
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for _, d := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		if _, err := repo.Insert(ctx, domain.Timer{
			Event: "reminder", CreatedAt: now, ExpiresAt: now.Add(d), Payload: []byte("{}"),
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	next, err := repo.NextBefore(ctx, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !next.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("NextBefore = %v, want soonest expiry", next.ExpiresAt)
	}
}

func TestNextBeforeRespectsHorizon(t *testing.T) {
	t.Parallel()
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if _, err := repo.Insert(ctx, domain.Timer{
		Event: "reminder", CreatedAt: now, ExpiresAt: now.Add(48 * time.Hour), Payload: []byte("{}"),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := repo.NextBefore(ctx, now.Add(24*time.Hour)); !errors.Is(err, ErrNoTimers) {
		t.Fatalf("err = %v, want ErrNoTimers for beyond-horizon timer", err)
	}
	if _, err := repo.NextBefore(ctx, now.Add(72*time.Hour)); err != nil {
		t.Fatalf("wider horizon should find the timer: %v", err)
	}
}

func TestDeleteReportsRowsAffected(t *testing.T) {
	t.Parallel()
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := repo.Insert(ctx, domain.Timer{
		Event: "reminder", CreatedAt: now, ExpiresAt: now.Add(time.Hour), Payload: []byte("{}"),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := repo.Delete(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = repo.Delete(ctx, id)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if ok {
		t.Fatal("second delete should report no row")
	}
	if _, err := repo.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestListUpcoming(t *testing.T) {
	t.Parallel()
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i, d := range []time.Duration{2 * time.Hour, time.Hour} {
		if _, err := repo.Insert(ctx, domain.Timer{
			Event: "reminder", CreatedAt: now, ExpiresAt: now.Add(d), Payload: []byte("{}"),
		}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	timers, err := repo.ListUpcoming(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(timers) != 2 {
		t.Fatalf("len = %d, want 2", len(timers))
	}
	if timers[0].ExpiresAt.After(timers[1].ExpiresAt) {
		t.Fatal("list should be ordered by expiry ascending")
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	t.Parallel()
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	id, err := repo.CreateSchedule(ctx, domain.Schedule{
		Name:     "daily digest",
		CronExpr: "0 9 * * *",
		Event:    "digest",
		Payload:  []byte(`{"channel":"general"}`),
		Timezone: "Europe/Berlin",
		Enabled:  true,
		NextRun:  now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "daily digest" || got.CronExpr != "0 9 * * *" || !got.Enabled {
		t.Fatalf("got = %+v", got)
	}
	if got.LastRun != nil {
		t.Fatal("fresh schedule should have nil LastRun")
	}

	due, err := repo.GetDueSchedules(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due len = %d, want 1", len(due))
	}
	if due, _ := repo.GetDueSchedules(ctx, now); len(due) != 0 {
		t.Fatalf("schedule not yet due, got %d", len(due))
	}

	last := now.Add(time.Hour)
	next := now.Add(25 * time.Hour)
	if err := repo.MarkScheduleRun(ctx, id, last, next); err != nil {
		t.Fatalf("mark run: %v", err)
	}
	got, err = repo.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("get after run: %v", err)
	}
	if got.LastRun == nil || !got.LastRun.Equal(last) {
		t.Fatalf("LastRun = %v, want %v", got.LastRun, last)
	}
	if !got.NextRun.Equal(next) {
		t.Fatalf("NextRun = %v, want %v", got.NextRun, next)
	}

	ok, err := repo.DeleteSchedule(ctx, id)
	if err != nil || !ok {
		t.Fatalf("DeleteSchedule = (%v, %v)", ok, err)
	}
	if ok, _ := repo.DeleteSchedule(ctx, id); ok {
		t.Fatal("second delete should report no row")
	}
}
