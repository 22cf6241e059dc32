package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"deferq/internal/dispatch"
)

// Handler POSTs fired events to url as JSON.
func Handler(url string, timeout time.Duration) dispatch.HandlerFunc {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context, ev dispatch.Event) error {
		body, err := json.Marshal(map[string]any{
			"event":      ev.Name,
			"created_at": ev.CreatedAt.Format(time.RFC3339),
			"fired_at":   ev.FiredAt.Format(time.RFC3339),
			"timezone":   ev.Timezone,
			"payload":    json.RawMessage(payloadOrEmpty(ev.Payload)),
		})
		if err != nil {
			return fmt.Errorf("encode webhook body: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("webhook HTTP %d: %s", resp.StatusCode, string(respBody))
		}
		return nil
	}
}

func payloadOrEmpty(p []byte) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return p
}
