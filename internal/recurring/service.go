// Package recurring turns persisted cron definitions into timer fires.
package recurring

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"deferq/internal/domain"
	"deferq/internal/scheduler"
	"deferq/internal/timerstore"
)

type Service struct {
	repo     timerstore.Repository
	sched    *scheduler.Scheduler
	stop     chan struct{}
	interval time.Duration
}

func NewService(repo timerstore.Repository, sched *scheduler.Scheduler, checkInterval time.Duration) *Service {
	return &Service{
		repo:     repo,
		sched:    sched,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("recurring service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDue(ctx, now.UTC())
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) processDue(ctx context.Context, now time.Time) {
	due, err := s.repo.GetDueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, sched := range due {
		if err := s.processOne(ctx, sched, now); err != nil {
			log.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) processOne(ctx context.Context, sched domain.Schedule, now time.Time) error {
	nextRun, err := NextRunTime(sched.CronExpr, sched.Timezone, now)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", sched.CronExpr).Msg("invalid cron expression")
		return err
	}

	// Fire through the scheduler's in-memory path: the schedule row itself is
	// the durable record, so the individual occurrence needs no timer row.
	handle, err := s.sched.Schedule(ctx, scheduler.Request{
		Event:     sched.Event,
		CreatedAt: now,
		ExpiresAt: now,
		Timezone:  sched.Timezone,
		Payload:   sched.Payload,
	})
	if err != nil {
		log.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to fire schedule")
		return err
	}

	if err := s.repo.MarkScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to update schedule run times")
		return err
	}

	log.Info().
		Str("schedule_id", sched.ID).
		Str("schedule_name", sched.Name).
		Str("timer_id", handle.ID).
		Time("next_run", nextRun).
		Msg("recurring event fired")

	return nil
}

// ValidateCronExpression validates a standard 5-field cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next occurrence of expr after from, evaluated
// in the schedule's own timezone (UTC when empty or invalid), returned UTC.
func NextRunTime(expr, timezone string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}
	return cronSchedule.Next(from.In(loc)).UTC(), nil
}
