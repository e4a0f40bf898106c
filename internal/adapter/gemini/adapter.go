// Package gemini adapts Gemini's stream-json output. Gemini streams assistant
// text as delta fragments, which the adapter merges into the message it
// returned for the first fragment.
package gemini

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/adapter"
	"github.com/kandev/streambridge/internal/adapter/shared"
	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/unified"
)

// Event types.
const (
	EventInit       = "init"
	EventMessage    = "message"
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventError      = "error"
	EventResult     = "result"
	EventDebug      = "debug"
	EventSystem     = "system"
)

const statusSuccess = "success"

// Adapter is the delta-merging converter for one Gemini session.
type Adapter struct {
	adapter.TurnMachine

	logger    *logger.Logger
	sessionID string
	model     string

	// last is the most recent message returned in the current turn.
	last *unified.Message
}

// New creates an adapter for a single session.
func New(log *logger.Logger) *Adapter {
	return &Adapter{logger: log.WithEngine(string(unified.EngineGemini))}
}

func (a *Adapter) Engine() unified.Engine { return unified.EngineGemini }

// Reset discards the session id, merge target and turn state.
func (a *Adapter) Reset() {
	a.sessionID = ""
	a.model = ""
	a.last = nil
	a.ResetTurns()
}

// Identify returns identity hints. Delta fragments carry no id and share
// timestamps, so only the line they were published on tells two equal
// fragments apart.
func (a *Adapter) Identify(ev *adapter.Event) adapter.Identity {
	f := ev.Fields
	switch t := ev.Type(); t {
	case EventInit:
		if sid := shared.GetString(f, "session_id"); sid != "" {
			return adapter.Identity{ID: t + ":" + sid, SessionID: sid}
		}
	case EventToolUse, EventToolResult:
		if id := shared.GetString(f, "tool_id"); id != "" && !shared.GetBool(f, "delta") {
			return adapter.Identity{ID: t + ":" + id}
		}
	case EventMessage:
		return adapter.Identity{}
	case EventResult, EventError:
		return adapter.Identity{Timestamp: shared.GetString(f, "timestamp"), Kind: t}
	}
	return adapter.Identity{}
}

// Convert maps one stream-json line.
func (a *Adapter) Convert(ctx context.Context, ev *adapter.Event) (adapter.Result, error) {
	f := ev.Fields
	ts := shared.ParseTimestamp(f["timestamp"])

	var res adapter.Result
	switch t := ev.Type(); t {
	case EventInit:
		res = a.convertInit(f, ts)
	case EventMessage:
		res = a.convertMessage(f, ts)
	case EventToolUse:
		res = a.convertToolUse(f, ts)
	case EventToolResult:
		res = a.convertToolResult(f, ts)
	case EventError:
		res = a.convertError(f, ts)
	case EventResult:
		res = a.convertResult(f, ts)
	case EventDebug:
		a.debugIgnored(t)
	case EventSystem:
		if shared.GetString(f, "subtype") == "debug" {
			a.debugIgnored(t)
			break
		}
		res.Message = a.rawMessage(f, ts)
	default:
		if t == "" && len(f) == 0 {
			return res, shared.NewDecodeError(string(unified.EngineGemini), ev.Raw, errors.New("empty event"))
		}
		res.Message = a.convertFallback(f, ts)
	}

	if res.Message != nil {
		if res.Message.SessionID == "" {
			res.Message.SessionID = a.sessionID
		}
		if res.Message.Model == "" {
			res.Message.Model = a.model
		}
		if !res.Merged {
			a.last = res.Message
		}
		shared.LogConvertedMessage(unified.EngineGemini, res.Message)
	}
	shared.LogRawEvent(unified.EngineGemini, ev.Type(), ev.Raw)
	shared.TraceProtocolEvent(ctx, unified.EngineGemini, ev.Type(), ev.Raw, res.Message)
	return res, nil
}

func (a *Adapter) convertInit(f map[string]any, ts time.Time) adapter.Result {
	sid := shared.GetString(f, "session_id")
	if sid != "" {
		a.sessionID = sid
	}
	if m := shared.GetString(f, "model"); m != "" {
		a.model = m
	}
	a.last = nil
	a.BeginTurn()

	msg := unified.NewMessage(unified.EngineGemini, unified.TypeSystem, ts)
	msg.Subtype = unified.SubtypeInit
	msg.Model = a.model
	return adapter.Result{Message: msg, Init: true, SessionID: sid}
}

func (a *Adapter) convertMessage(f map[string]any, ts time.Time) adapter.Result {
	role := shared.GetString(f, "role")
	if role == "" {
		role = "assistant"
	}
	if role == "user" {
		// User messages echo the prompt; only tool results inside them matter.
		if msg := a.userToolResult(f, ts); msg != nil {
			return adapter.Result{Message: msg}
		}
		if !a.InTurn() {
			a.BeginTurn()
			a.last = nil
		}
		return adapter.Result{}
	}

	a.BeginTurn()
	text := shared.GetString(f, "content")
	if text == "" {
		return adapter.Result{}
	}
	block := unified.TextBlock(text)
	if shared.GetBool(f, "delta") {
		if merged := a.merge(block); merged != nil {
			return adapter.Result{Message: merged, Merged: true}
		}
	}

	msg := unified.NewMessage(unified.EngineGemini, unified.TypeAssistant, ts)
	msg.Content = []unified.ContentBlock{block}
	return adapter.Result{Message: msg}
}

func (a *Adapter) convertToolUse(f map[string]any, ts time.Time) adapter.Result {
	a.BeginTurn()
	name := shared.GetString(f, "tool_name")
	id := shared.GetString(f, "tool_id")
	block := unified.ToolUseBlock(id, shared.CanonicalToolName(name), shared.AsMap(f["parameters"]))

	if shared.GetBool(f, "delta") {
		if merged := a.merge(block); merged != nil {
			return adapter.Result{Message: merged, Merged: true}
		}
	}

	msg := unified.NewMessage(unified.EngineGemini, unified.TypeAssistant, ts)
	msg.ID = id
	msg.Content = []unified.ContentBlock{block}
	msg.SetMeta("engine_tool_name", name)
	return adapter.Result{Message: msg}
}

func (a *Adapter) convertToolResult(f map[string]any, ts time.Time) adapter.Result {
	id := shared.GetString(f, "tool_id")
	status := shared.GetString(f, "status")
	output, ok := f["output"]
	if !ok {
		output = f["response"]
	}

	msg := unified.NewMessage(unified.EngineGemini, unified.TypeUser, ts)
	msg.Content = []unified.ContentBlock{unified.ToolResultBlock(id, output, status != statusSuccess)}
	msg.SetMeta("status", status)
	return adapter.Result{Message: msg}
}

func (a *Adapter) convertError(f map[string]any, ts time.Time) adapter.Result {
	a.EndTurn(true)
	a.last = nil

	text := shared.GetString(f, "message")
	if text == "" {
		text = "Unknown error"
	}
	msg := unified.NewMessage(unified.EngineGemini, unified.TypeResult, ts)
	msg.Subtype = unified.SubtypeError
	msg.IsError = true
	msg.Content = []unified.ContentBlock{unified.TextBlock(text)}
	if et := shared.GetString(f, "error_type"); et != "" {
		msg.SetMeta("error_type", et)
	}
	if shared.HasKey(f, "code") {
		msg.SetMeta("code", shared.GetInt64(f, "code"))
	}
	return adapter.Result{Message: msg, TurnEnded: true, TurnFailed: true}
}

func (a *Adapter) convertResult(f map[string]any, ts time.Time) adapter.Result {
	status := shared.GetString(f, "status")
	failed := status != "" && status != statusSuccess
	a.EndTurn(failed)
	a.last = nil

	msg := unified.NewMessage(unified.EngineGemini, unified.TypeResult, ts)
	msg.Subtype = unified.SubtypeSuccess
	if failed {
		msg.Subtype = unified.SubtypeError
		msg.IsError = true
	}
	msg.SetMeta("status", status)

	res := adapter.Result{Message: msg, TurnEnded: true, TurnFailed: failed}
	if stats := shared.GetMap(f, "stats"); stats != nil {
		u := unified.Usage{
			Input:       firstInt(stats, "input_tokens", "input"),
			Output:      firstInt(stats, "output_tokens", "output"),
			CachedInput: firstInt(stats, "cached_tokens", "cached"),
		}
		res.Usage = &adapter.UsageReport{Delta: &u}
		for _, key := range []string{"duration_ms", "tool_calls", "total_tokens"} {
			if shared.HasKey(stats, key) {
				msg.SetMeta(key, shared.GetInt64(stats, key))
			}
		}
	}
	return res
}

// merge folds a fragment into the previous assistant message of the turn and
// returns it, or returns nil when there is nothing to merge into.
func (a *Adapter) merge(block unified.ContentBlock) *unified.Message {
	prev := a.last
	if prev == nil || prev.Type != unified.TypeAssistant || !a.InTurn() {
		return nil
	}

	n := len(prev.Content)
	switch {
	case block.Type == unified.BlockText && n > 0 && prev.Content[n-1].Type == unified.BlockText:
		prev.Content[n-1].Text += block.Text
	case block.Type == unified.BlockToolUse && n > 0 && prev.Content[n-1].Type == unified.BlockToolUse &&
		prev.Content[n-1].ID == block.ID:
		tail := &prev.Content[n-1]
		if tail.Input == nil {
			tail.Input = make(map[string]any, len(block.Input))
		}
		for k, v := range block.Input {
			tail.Input[k] = v
		}
		if tail.Name == "" {
			tail.Name = block.Name
		}
	default:
		prev.Content = append(prev.Content, block)
	}
	prev.SetMeta("merged", true)
	return prev
}

func (a *Adapter) rawMessage(f map[string]any, ts time.Time) *unified.Message {
	msg := unified.NewMessage(unified.EngineGemini, unified.TypeSystem, ts)
	msg.Subtype = unified.SubtypeRaw
	msg.DisplaySuppressed = true
	msg.SetMeta("raw", f)
	return msg
}

func firstInt(m map[string]any, keys ...string) int64 {
	for _, k := range keys {
		if shared.HasKey(m, k) {
			return shared.GetInt64(m, k)
		}
	}
	return 0
}

func (a *Adapter) debugIgnored(eventType string) {
	a.logger.Debug("ignoring gemini event", zap.String("type", eventType))
}
