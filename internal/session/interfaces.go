package session

import (
	"context"
	"errors"

	"github.com/kandev/streambridge/internal/unified"
)

var (
	// ErrSessionNotFound is returned for an unknown session key.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTurnInFlight is returned when a prompt cannot start because a turn
	// is already running.
	ErrTurnInFlight = errors.New("turn in flight")
	// ErrEngineMismatch is returned when a key is reopened for another engine.
	ErrEngineMismatch = errors.New("session already open for another engine")
	// ErrClosed is returned after the manager was shut down.
	ErrClosed = errors.New("session manager closed")
	// ErrEngineBusy is returned by Execution while the previous process of
	// a tab has not exited yet.
	ErrEngineBusy = errors.New("engine process already running")
)

// Options are passed through to the execution side.
type Options struct {
	// Key is the tab key; execution tags engine-wide traffic with it.
	Key       string
	ProjectID string
	// Dir is the working directory of the engine process.
	Dir string
	// Args are appended to the configured engine command line.
	Args []string
	// Run identifies the process started for one turn. Execution stamps it
	// on everything the process publishes.
	Run string
}

// Execution starts and stops engine processes. Its only visible effect is
// the bus traffic those processes produce.
type Execution interface {
	ExecuteNew(ctx context.Context, engine unified.Engine, projectPath, prompt, model string, opts Options) error
	Resume(ctx context.Context, engine unified.Engine, sessionID, prompt, model string, opts Options) error
	// Cancel stops the process of a session. target is the engine session
	// id, or the tab key while the id is not known yet.
	Cancel(ctx context.Context, target string) error
	// Running reports whether a process is live for a session id or tab key.
	Running(target string) bool
}

// Persistence records prompts for rewind bookkeeping. Calls for one prompt
// always happen in sent-then-completed order.
type Persistence interface {
	RecordPromptSent(ctx context.Context, sessionID, projectID, projectPath, text string) (int, error)
	RecordPromptCompleted(ctx context.Context, sessionID, projectID, projectPath string, promptIndex int) error
}

// Presentation is the UI state sink. key is the tab key, stable across
// session id changes.
type Presentation interface {
	AppendMessage(key string, msg *unified.Message)
	UpdateMessage(key string, msg *unified.Message)
	SetSessionID(key, sessionID string)
	SetLoading(key string, loading bool)
	SetError(key, message string)
}
