package logevent

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"deferq/internal/dispatch"
)

// Handler writes each fired event to the log, rendering the fire time in the
// timer's own timezone when one was attached.
func Handler() dispatch.HandlerFunc {
	return func(ctx context.Context, ev dispatch.Event) error {
		firedAt := ev.FiredAt
		if ev.Timezone != "" {
			if loc, err := time.LoadLocation(ev.Timezone); err == nil {
				firedAt = firedAt.In(loc)
			}
		}
		log.Info().
			Str("event", ev.Name).
			Time("fired_at", firedAt).
			RawJSON("payload", payloadOrEmpty(ev.Payload)).
			Msg("event fired")
		return nil
	}
}

func payloadOrEmpty(p []byte) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return p
}
