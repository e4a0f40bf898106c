package prompts

import (
	"database/sql"
	"time"
)

// Record is one prompt sent to an engine session. PromptIndex counts the
// prompts of a session from zero and is what rewind bookkeeping refers to.
type Record struct {
	ID          int64        `db:"id"`
	SessionID   string       `db:"session_id"`
	ProjectID   string       `db:"project_id"`
	ProjectPath string       `db:"project_path"`
	PromptIndex int          `db:"prompt_index"`
	Text        string       `db:"text"`
	SentAt      time.Time    `db:"sent_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

// Completed reports whether the engine finished the turn of this prompt.
func (r *Record) Completed() bool {
	return r.CompletedAt.Valid
}
