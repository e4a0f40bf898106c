package unified

import "time"

// RateLimitWindow is one rate limit window reported by an engine.
type RateLimitWindow struct {
	UsedPercent   float64    `json:"used_percent"`
	WindowMinutes int64      `json:"window_minutes,omitempty"`
	ResetsAt      *time.Time `json:"resets_at,omitempty"`
}

// RateLimits holds the short (primary) and long (secondary) windows.
type RateLimits struct {
	Primary   *RateLimitWindow `json:"primary,omitempty"`
	Secondary *RateLimitWindow `json:"secondary,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}
