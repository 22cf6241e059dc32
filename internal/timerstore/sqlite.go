package timerstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"deferq/internal/domain"
)

var (
	ErrNoTimers = errors.New("no timers within horizon")
	ErrNotFound = errors.New("record not found")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS timers (
  id TEXT PRIMARY KEY,
  event TEXT NOT NULL,
  created_at DATETIME NOT NULL,
  expires_at DATETIME NOT NULL,
  timezone TEXT NOT NULL DEFAULT 'UTC',
  payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_timers_expires ON timers(expires_at);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  event TEXT NOT NULL,
  payload BLOB NOT NULL,
  timezone TEXT NOT NULL DEFAULT 'UTC',
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Insert(ctx context.Context, t domain.Timer) (string, error)
	// NextBefore returns the timer with the earliest expiry strictly before
	// horizon, or ErrNoTimers.
	NextBefore(ctx context.Context, horizon time.Time) (domain.Timer, error)
	// Delete reports whether a row was actually removed.
	Delete(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (domain.Timer, error)
	ListUpcoming(ctx context.Context, limit int) ([]domain.Timer, error)

	// Schedule operations
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) (bool, error)
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	MarkScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Insert(ctx context.Context, t domain.Timer) (string, error) {
	id := t.ID
	if id == "" {
		id = "tmr_" + uuid.NewString()
	}
	tz := t.Timezone
	if tz == "" {
		tz = "UTC"
	}
	payload := t.Payload
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO timers (id,event,created_at,expires_at,timezone,payload)
VALUES (?,?,?,?,?,?)
`, id, t.Event, t.CreatedAt.UTC(), t.ExpiresAt.UTC(), tz, []byte(payload))
	return id, err
}

func (r *sqliteRepo) NextBefore(ctx context.Context, horizon time.Time) (domain.Timer, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,event,created_at,expires_at,timezone,payload
FROM timers
WHERE expires_at < ?
ORDER BY expires_at ASC, id ASC
LIMIT 1
`, horizon.UTC())
	t, err := scanTimer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Timer{}, ErrNoTimers
	}
	return t, err
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM timers WHERE id=?", id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Timer, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,event,created_at,expires_at,timezone,payload
FROM timers WHERE id=?`, id)
	t, err := scanTimer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Timer{}, ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) ListUpcoming(ctx context.Context, limit int) ([]domain.Timer, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,event,created_at,expires_at,timezone,payload
FROM timers ORDER BY expires_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []domain.Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		timers = append(timers, t)
	}
	return timers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTimer(row rowScanner) (domain.Timer, error) {
	var t domain.Timer
	var payload []byte
	if err := row.Scan(&t.ID, &t.Event, &t.CreatedAt, &t.ExpiresAt, &t.Timezone, &payload); err != nil {
		return domain.Timer{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.Payload = payload
	return t, nil
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	payload := s.Payload
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,event,payload,timezone,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, s.Name, s.CronExpr, s.Event, []byte(payload), tz, s.Enabled, s.LastRun, s.NextRun.UTC())
	return id, err
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,name,cron_expr,event,payload,timezone,enabled,last_run,next_run,created_at,updated_at
FROM schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return s, err
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,name,cron_expr,event,payload,timezone,enabled,last_run,next_run,created_at,updated_at
FROM schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,name,cron_expr,event,payload,timezone,enabled,last_run,next_run,created_at,updated_at
FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *sqliteRepo) MarkScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		lastRun.UTC(), nextRun.UTC(), id)
	return err
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var s domain.Schedule
	var payload []byte
	var lastRun sql.NullTime
	if err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.Event, &payload, &s.Timezone,
		&s.Enabled, &lastRun, &s.NextRun, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	if lastRun.Valid {
		lr := lastRun.Time.UTC()
		s.LastRun = &lr
	}
	s.NextRun = s.NextRun.UTC()
	s.Payload = payload
	return s, nil
}

func collectSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}
