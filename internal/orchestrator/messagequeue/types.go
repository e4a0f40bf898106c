package messagequeue

import "time"

// QueuedMessage is a prompt waiting for the session's current turn to end.
type QueuedMessage struct {
	ID        string    `json:"id"`         // Unique queue entry ID
	SessionID string    `json:"session_id"` // Engine session ID the prompt resumes
	Content   string    `json:"content"`    // Prompt text
	Model     string    `json:"model"`      // Optional model override
	QueuedAt  time.Time `json:"queued_at"`  // When queued
}

// QueueStatus is a snapshot of one session's queue.
type QueueStatus struct {
	IsQueued bool             `json:"is_queued"`
	Length   int              `json:"length"`
	Messages []*QueuedMessage `json:"messages"` // Oldest first
}
