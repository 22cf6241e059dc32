package domain

import (
	"encoding/json"
	"time"
)

// Timer is a deferred notification: fire Event with Payload once ExpiresAt
// passes. Persisted timers carry a store-assigned ID; ephemeral timers
// (short delays held only in memory) have an empty ID.
type Timer struct {
	ID        string
	Event     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Timezone  string // IANA key, presentation only; firing compares UTC
	Payload   json.RawMessage
}

// Schedule is a recurring definition that fires Event on a cron cadence.
type Schedule struct {
	ID        string
	Name      string
	CronExpr  string
	Event     string
	Payload   json.RawMessage
	Timezone  string
	Enabled   bool
	LastRun   *time.Time
	NextRun   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
