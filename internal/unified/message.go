// Package unified defines the engine-independent message model every adapter
// converts into.
package unified

import (
	"strings"
	"time"
)

// Engine identifies an engine CLI.
type Engine string

const (
	EngineClaude Engine = "claude"
	EngineCodex  Engine = "codex"
	EngineGemini Engine = "gemini"
)

// Engines lists every supported engine.
var Engines = []Engine{EngineClaude, EngineCodex, EngineGemini}

// ParseEngine returns the engine named by s.
func ParseEngine(s string) (Engine, bool) {
	switch Engine(strings.ToLower(strings.TrimSpace(s))) {
	case EngineClaude:
		return EngineClaude, true
	case EngineCodex:
		return EngineCodex, true
	case EngineGemini:
		return EngineGemini, true
	}
	return "", false
}

// MessageType is the top-level variant of a Message.
type MessageType string

const (
	// TypeSystem carries session lifecycle information (init, errors, raw).
	TypeSystem MessageType = "system"

	// TypeUser carries user text and tool results.
	TypeUser MessageType = "user"

	// TypeAssistant carries assistant text and tool calls.
	TypeAssistant MessageType = "assistant"

	// TypeThinking carries reasoning content.
	TypeThinking MessageType = "thinking"

	// TypeResult carries end-of-turn summaries, usage deltas and engine errors.
	TypeResult MessageType = "result"
)

// Common subtypes.
const (
	SubtypeInit     = "init"
	SubtypeError    = "error"
	SubtypeUsage    = "usage"
	SubtypeSuccess  = "success"
	SubtypeRaw      = "raw"
	SubtypeTodoList = "todo_list"
)

// Message is one unified message delivered to the presentation layer.
type Message struct {
	// Type is the message variant.
	Type MessageType `json:"type"`

	// Subtype refines Type, e.g. "init" for a system message.
	Subtype string `json:"subtype,omitempty"`

	// ID is the engine-provided message id, when the engine supplies one.
	ID string `json:"id,omitempty"`

	// Engine is the engine that produced the message.
	Engine Engine `json:"engine"`

	// SessionID is the engine session/thread id, once known.
	SessionID string `json:"session_id,omitempty"`

	// Timestamp is the wire timestamp, or the conversion time when the wire
	// carried none (see WireTimestamp).
	Timestamp time.Time `json:"timestamp"`

	// WireTimestamp reports whether Timestamp came from the event itself.
	WireTimestamp bool `json:"-"`

	// Content is the ordered list of content blocks.
	Content []ContentBlock `json:"content,omitempty"`

	// Usage is the token usage delta attributed to this message.
	Usage *Usage `json:"usage,omitempty"`

	// Model is the model reported by the engine, if any.
	Model string `json:"model,omitempty"`

	// IsError marks engine-reported failures.
	IsError bool `json:"is_error,omitempty"`

	// DisplaySuppressed marks messages that only populate lookup state and
	// must not be rendered on their own.
	DisplaySuppressed bool `json:"display_suppressed,omitempty"`

	// Metadata holds engine-specific extras.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewMessage creates a message stamped with ts, or the current time when ts
// is zero.
func NewMessage(engine Engine, typ MessageType, ts time.Time) *Message {
	m := &Message{Engine: engine, Type: typ, Timestamp: ts, WireTimestamp: !ts.IsZero()}
	if ts.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return m
}

// Text joins all text blocks.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// SetMeta sets a metadata key, allocating the map on first use.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// Meta returns a metadata value.
func (m *Message) Meta(key string) (any, bool) {
	v, ok := m.Metadata[key]
	return v, ok
}

// ToolUses returns the tool_use blocks of the message.
func (m *Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Clone returns a copy whose Content, Usage and Metadata may be modified
// without affecting m. Block inputs are copied one level deep.
func (m *Message) Clone() *Message {
	c := *m
	if m.Content != nil {
		c.Content = make([]ContentBlock, len(m.Content))
		for i, b := range m.Content {
			if b.Input != nil {
				in := make(map[string]any, len(b.Input))
				for k, v := range b.Input {
					in[k] = v
				}
				b.Input = in
			}
			c.Content[i] = b
		}
	}
	if m.Usage != nil {
		u := *m.Usage
		c.Usage = &u
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
