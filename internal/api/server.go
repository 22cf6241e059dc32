package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"deferq/internal/dispatch"
	"deferq/internal/domain"
	"deferq/internal/ratelimit"
	"deferq/internal/recurring"
	"deferq/internal/scheduler"
	"deferq/internal/timerstore"
)

type Server struct {
	repo  timerstore.Repository
	sched *scheduler.Scheduler
	rules *ratelimit.Rules
	reg   *dispatch.Registry
}

type Options struct {
	// RatePerSec bounds requests across the whole surface; 0 disables.
	RatePerSec  int
	EnableDebug bool
}

func NewServer(repo timerstore.Repository, sched *scheduler.Scheduler, rules *ratelimit.Rules, reg *dispatch.Registry, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	if opts.RatePerSec > 0 {
		r.Use(throttle(rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)))
	}

	s := &Server{repo: repo, sched: sched, rules: rules, reg: reg}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/timers", s.scheduleTimer)
	r.Get("/api/timers", s.listTimers)
	r.Get("/api/timers/{id}", s.getTimer)
	r.Delete("/api/timers/{id}", s.cancelTimer)

	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	r.Get("/api/rules", s.listRules)
	r.Post("/api/rules/{rule}/hit", s.hitRule)
	r.Post("/api/rules/{rule}/reset", s.resetRule)
	r.Get("/api/rules/{rule}/tracked", s.trackedItems)

	r.Get("/api/events", s.listEvents)

	if opts.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func throttle(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("deferq_up 1\n"))
}

type scheduleTimerReq struct {
	Event        string          `json:"event"`
	ExpiresAt    string          `json:"expires_at"` // RFC3339; alternative to "in"
	In           string          `json:"in"`         // Go duration from now
	Timezone     string          `json:"timezone"`
	Payload      json.RawMessage `json:"payload"`
	ForcePersist bool            `json:"force_persist"`
}

func (s *Server) scheduleTimer(w http.ResponseWriter, r *http.Request) {
	var req scheduleTimerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Event == "" {
		http.Error(w, "event is required", 400)
		return
	}

	var expires time.Time
	switch {
	case req.ExpiresAt != "":
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			http.Error(w, "invalid expires_at: "+err.Error(), 400)
			return
		}
		expires = t
	case req.In != "":
		d, err := time.ParseDuration(req.In)
		if err != nil || d < 0 {
			http.Error(w, "invalid duration in \"in\"", 400)
			return
		}
		expires = time.Now().UTC().Add(d)
	default:
		http.Error(w, "expires_at or in is required", 400)
		return
	}

	handle, err := s.sched.Schedule(r.Context(), scheduler.Request{
		Event:        req.Event,
		ExpiresAt:    expires,
		Timezone:     req.Timezone,
		Payload:      req.Payload,
		ForcePersist: req.ForcePersist,
	})
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

func (s *Server) listTimers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	timers, err := s.repo.ListUpcoming(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(timers))
	for _, t := range timers {
		out = append(out, timerJSON(t))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getTimer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.repo.Get(r.Context(), id)
	if errors.Is(err, timerstore.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, timerJSON(t))
}

func (s *Server) cancelTimer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.sched.Cancel(r.Context(), scheduler.Handle{ID: id})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if !ok {
		http.Error(w, "not found", 404)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func timerJSON(t domain.Timer) map[string]any {
	return map[string]any{
		"id":         t.ID,
		"event":      t.Event,
		"created_at": t.CreatedAt.Format(time.RFC3339),
		"expires_at": t.ExpiresAt.Format(time.RFC3339),
		"timezone":   t.Timezone,
		"payload":    t.Payload,
	}
}

type createScheduleReq struct {
	Name     string          `json:"name"`
	CronExpr string          `json:"cron_expr"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	Timezone string          `json:"timezone"`
	Enabled  bool            `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", 400)
		return
	}
	if req.Event == "" {
		http.Error(w, "event is required", 400)
		return
	}
	if !s.reg.Known(req.Event) {
		http.Error(w, "no handler registered for event "+strconv.Quote(req.Event), 400)
		return
	}
	if err := recurring.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}

	nextRun, err := recurring.NextRunTime(req.CronExpr, req.Timezone, time.Now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}

	id, err := s.repo.CreateSchedule(r.Context(), domain.Schedule{
		Name:     req.Name,
		CronExpr: req.CronExpr,
		Event:    req.Event,
		Payload:  req.Payload,
		Timezone: req.Timezone,
		Enabled:  req.Enabled,
		NextRun:  nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.repo.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	schedule, err := s.repo.GetSchedule(r.Context(), id)
	if errors.Is(err, timerstore.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.repo.DeleteSchedule(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if !ok {
		http.Error(w, "not found", 404)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.rules.Names())
}

type hitReq struct {
	Key    string `json:"key"`
	Amount int64  `json:"amount"`
	Track  string `json:"track"`
}

type hitResp struct {
	Tripped bool  `json:"tripped"`
	Count   int64 `json:"count"`
}

func (s *Server) hitRule(w http.ResponseWriter, r *http.Request) {
	limiter, ok := s.rules.Get(chi.URLParam(r, "rule"))
	if !ok {
		http.Error(w, "unknown rule", 404)
		return
	}
	var req hitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Key == "" {
		http.Error(w, "key is required", 400)
		return
	}
	if req.Amount <= 0 {
		req.Amount = 1
	}
	tripped, err := limiter.HitN(req.Key, req.Amount)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Track != "" {
		limiter.Track(req.Key, req.Track)
	}
	writeJSON(w, 200, hitResp{Tripped: tripped, Count: limiter.Count(req.Key)})
}

func (s *Server) resetRule(w http.ResponseWriter, r *http.Request) {
	limiter, ok := s.rules.Get(chi.URLParam(r, "rule"))
	if !ok {
		http.Error(w, "unknown rule", 404)
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Key == "" {
		http.Error(w, "key is required", 400)
		return
	}
	if err := limiter.Reset(req.Key); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) trackedItems(w http.ResponseWriter, r *http.Request) {
	limiter, ok := s.rules.Get(chi.URLParam(r, "rule"))
	if !ok {
		http.Error(w, "unknown rule", 404)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "key query parameter is required", 400)
		return
	}
	writeJSON(w, 200, limiter.Tracked(key))
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.reg.Events())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
