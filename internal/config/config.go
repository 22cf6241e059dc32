// Package config loads the process configuration from an optional YAML file.
// Flags in main may override the listen address and database path.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Addr   string
	DBPath string

	Horizon           time.Duration
	EphemeralWindow   time.Duration
	RetryDelay        time.Duration
	RecurringInterval time.Duration

	// APIRatePerSec bounds requests to the HTTP surface; 0 disables.
	APIRatePerSec int

	Events []EventConfig
	Rules  []RuleConfig
}

// EventConfig binds an event name to one of the built-in handlers.
type EventConfig struct {
	Name    string
	Handler string // "log" or "webhook"
	URL     string
	Timeout time.Duration
}

type RuleConfig struct {
	Name     string
	Capacity int
	Period   time.Duration
}

type fileConfig struct {
	Addr              string `yaml:"addr"`
	DBPath            string `yaml:"db_path"`
	Horizon           string `yaml:"horizon"`
	EphemeralWindow   string `yaml:"ephemeral_window"`
	RetryDelay        string `yaml:"retry_delay"`
	RecurringInterval string `yaml:"recurring_interval"`
	APIRatePerSec     int    `yaml:"api_rate_per_sec"`

	Events []struct {
		Name    string `yaml:"name"`
		Handler string `yaml:"handler"`
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"events"`

	Rules []struct {
		Name     string `yaml:"name"`
		Capacity int    `yaml:"capacity"`
		Period   string `yaml:"period"`
	} `yaml:"rules"`
}

func Default() Config {
	return Config{
		Addr:              ":8080",
		DBPath:            "deferq.db",
		Horizon:           24 * 24 * time.Hour,
		EphemeralWindow:   60 * time.Second,
		RetryDelay:        5 * time.Second,
		RecurringInterval: 15 * time.Second,
		APIRatePerSec:     0,
		Events:            []EventConfig{{Name: "reminder", Handler: "log"}},
	}
}

// Load parses the YAML file at path on top of the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(cfg, data)
}

func parse(cfg Config, data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("config: yaml unmarshal: %w", err)
	}

	if fc.Addr != "" {
		cfg.Addr = fc.Addr
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.APIRatePerSec > 0 {
		cfg.APIRatePerSec = fc.APIRatePerSec
	}

	var err error
	if cfg.Horizon, err = durationOrDefault("horizon", fc.Horizon, cfg.Horizon); err != nil {
		return Config{}, err
	}
	if cfg.EphemeralWindow, err = durationOrDefault("ephemeral_window", fc.EphemeralWindow, cfg.EphemeralWindow); err != nil {
		return Config{}, err
	}
	if cfg.RetryDelay, err = durationOrDefault("retry_delay", fc.RetryDelay, cfg.RetryDelay); err != nil {
		return Config{}, err
	}
	if cfg.RecurringInterval, err = durationOrDefault("recurring_interval", fc.RecurringInterval, cfg.RecurringInterval); err != nil {
		return Config{}, err
	}

	if len(fc.Events) > 0 {
		cfg.Events = cfg.Events[:0]
		for _, e := range fc.Events {
			if e.Name == "" {
				return Config{}, fmt.Errorf("config: events[]: name is required")
			}
			ev := EventConfig{Name: e.Name, Handler: e.Handler}
			if ev.Handler == "" {
				ev.Handler = "log"
			}
			switch ev.Handler {
			case "log":
			case "webhook":
				if e.URL == "" {
					return Config{}, fmt.Errorf("config: event %q: webhook handler requires url", e.Name)
				}
				ev.URL = e.URL
				if ev.Timeout, err = durationOrDefault("events[].timeout", e.Timeout, 30*time.Second); err != nil {
					return Config{}, err
				}
			default:
				return Config{}, fmt.Errorf("config: event %q: unknown handler %q", e.Name, e.Handler)
			}
			cfg.Events = append(cfg.Events, ev)
		}
	}

	for _, r := range fc.Rules {
		if r.Name == "" {
			return Config{}, fmt.Errorf("config: rules[]: name is required")
		}
		period, err := durationField("rules[].period", r.Period)
		if err != nil {
			return Config{}, err
		}
		cfg.Rules = append(cfg.Rules, RuleConfig{Name: r.Name, Capacity: r.Capacity, Period: period})
	}

	return cfg, nil
}

func durationField(path, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s: duration must be >= 0", path)
	}
	return d, nil
}

func durationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := durationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
