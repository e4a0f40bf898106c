package codex

import (
	"encoding/json"
	"time"

	"github.com/kandev/streambridge/internal/adapter/shared"
	"github.com/kandev/streambridge/internal/unified"
)

func convertRateLimits(w *RateLimitsWire, now time.Time) *unified.RateLimits {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return &unified.RateLimits{
		Primary:   convertWindow(w.Primary, now),
		Secondary: convertWindow(w.Secondary, now),
		UpdatedAt: now,
	}
}

func convertWindow(w *RateLimitWindowWire, now time.Time) *unified.RateLimitWindow {
	if w == nil {
		return nil
	}
	out := &unified.RateLimitWindow{UsedPercent: w.UsedPercent}
	switch {
	case w.WindowMinutes != nil:
		out.WindowMinutes = *w.WindowMinutes
	case w.WindowDurationMins != nil:
		out.WindowMinutes = *w.WindowDurationMins
	}

	if reset := parseResetsAt(w.ResetsAt); !reset.IsZero() {
		out.ResetsAt = &reset
	} else if w.ResetsInSeconds != nil {
		r := now.Add(time.Duration(*w.ResetsInSeconds) * time.Second)
		out.ResetsAt = &r
	}
	return out
}

// parseResetsAt accepts an RFC 3339 string or a unix timestamp.
func parseResetsAt(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return time.Time{}
	}
	return shared.ParseTimestamp(v)
}
