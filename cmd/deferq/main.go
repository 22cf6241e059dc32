package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"deferq/internal/api"
	"deferq/internal/config"
	"deferq/internal/dispatch"
	"deferq/internal/handlers/logevent"
	"deferq/internal/handlers/webhook"
	"deferq/internal/ratelimit"
	"deferq/internal/recurring"
	"deferq/internal/scheduler"
	"deferq/internal/timerstore"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config path (optional)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := timerstore.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := timerstore.NewSQLiteRepo(db)

	// Event handler registry
	reg := dispatch.NewRegistry()
	for _, ev := range cfg.Events {
		var h dispatch.HandlerFunc
		switch ev.Handler {
		case "webhook":
			h = webhook.Handler(ev.URL, ev.Timeout)
		default:
			h = logevent.Handler()
		}
		if err := reg.Register(ev.Name, h); err != nil {
			log.Fatal().Err(err).Str("event", ev.Name).Msg("register handler")
		}
	}

	sched := scheduler.New(repo, reg, scheduler.Options{
		Horizon:         cfg.Horizon,
		EphemeralWindow: cfg.EphemeralWindow,
		RetryDelay:      cfg.RetryDelay,
	})
	defer sched.Close()

	ruleConfigs := make([]ratelimit.RuleConfig, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		ruleConfigs = append(ruleConfigs, ratelimit.RuleConfig{Name: r.Name, Capacity: r.Capacity, Period: r.Period})
	}
	rules, err := ratelimit.NewRules(ratelimit.NewMemStore(), ruleConfigs)
	if err != nil {
		log.Fatal().Err(err).Msg("build rate limit rules")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)

	rec := recurring.NewService(repo, sched, cfg.RecurringInterval)
	go rec.Start(ctx)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.NewServer(repo, sched, rules, reg, api.Options{RatePerSec: cfg.APIRatePerSec, EnableDebug: *debug}),
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
