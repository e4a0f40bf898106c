// Package events names the bus subjects that carry engine traffic and builds
// the configured bus.
package events

import (
	"strings"
)

// Event types carried on engine subjects.
const (
	EngineOutput      = "engine.output"
	EngineError       = "engine.error"
	EngineComplete    = "engine.complete"
	EngineSessionInit = "engine.session_init"
)

// Keys used in bus.Event.Data.
const (
	DataLine      = "line"       // one raw JSONL line
	DataEvent     = "event"      // an already decoded event object
	DataSuccess   = "success"    // completion outcome
	DataError     = "error"      // error text
	DataSessionID = "session_id" // engine session id, when known
	DataPrevious  = "previous"   // session id replaced by a newly minted one
	DataKey       = "key"        // tab key of the session that started the process
	DataRun       = "run"        // id of the engine process run that produced the event
	DataSeq       = "seq"        // stdout line number within a run
)

// Channel kinds a router listens on.
const (
	ChannelOutput      = "output"
	ChannelError       = "error"
	ChannelComplete    = "complete"
	ChannelSessionInit = "session_init"
)

// Subjects builds subject names, optionally under a namespace prefix.
type Subjects struct {
	Namespace string
}

// Generic returns the engine-wide subject for a channel, e.g. "codex.output".
func (s Subjects) Generic(engine, channel string) string {
	return s.prefix() + engine + "." + channel
}

// Scoped returns the session-scoped subject, e.g. "codex.output.<sid>".
func (s Subjects) Scoped(engine, channel, sessionID string) string {
	return s.Generic(engine, channel) + "." + SubjectToken(sessionID)
}

// AllScoped matches every session-scoped subject of a channel.
func (s Subjects) AllScoped(engine, channel string) string {
	return s.Generic(engine, channel) + ".*"
}

func (s Subjects) prefix() string {
	ns := strings.Trim(s.Namespace, ".")
	if ns == "" {
		return ""
	}
	return ns + "."
}

// SubjectToken makes an id safe to use as one subject token.
func SubjectToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}
