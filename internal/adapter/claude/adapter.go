// Package claude adapts Claude's stream-json output. The wire format already
// matches the unified model, so conversion is a field-level mapping plus
// usage counter normalization.
package claude

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/adapter"
	"github.com/kandev/streambridge/internal/adapter/shared"
	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/unified"
)

// Adapter is the passthrough adapter for one Claude session.
type Adapter struct {
	adapter.TurnMachine

	logger    *logger.Logger
	sessionID string
	model     string
}

// New creates an adapter for a single session.
func New(log *logger.Logger) *Adapter {
	return &Adapter{logger: log.WithEngine(string(unified.EngineClaude))}
}

func (a *Adapter) Engine() unified.Engine { return unified.EngineClaude }

// Identify uses the per-line uuid when present. Claude repeats message.id
// across the lines of one multi-block message, so it is not used.
func (a *Adapter) Identify(ev *adapter.Event) adapter.Identity {
	id := adapter.Identity{
		ID:        shared.GetString(ev.Fields, "uuid"),
		Timestamp: shared.GetString(ev.Fields, "timestamp"),
		Kind:      ev.Type() + "/" + shared.GetString(ev.Fields, "subtype"),
	}
	if id.Kind == "system/"+unified.SubtypeInit {
		id.SessionID = shared.GetString(ev.Fields, "session_id")
	}
	return id
}

// Reset forgets the session id and turn state.
func (a *Adapter) Reset() {
	a.sessionID = ""
	a.model = ""
	a.ResetTurns()
}

// Convert maps one stream-json line.
func (a *Adapter) Convert(ctx context.Context, ev *adapter.Event) (adapter.Result, error) {
	var res adapter.Result
	f := ev.Fields
	ts := shared.ParseTimestamp(f["timestamp"])

	if sid := shared.GetString(f, "session_id"); sid != "" && a.sessionID == "" {
		a.sessionID = sid
	}

	switch ev.Type() {
	case "system":
		res = a.convertSystem(f, ts)
	case "assistant":
		a.BeginTurn()
		res.Message = a.convertAssistant(f, ts)
	case "user":
		a.BeginTurn()
		res.Message = a.convertUser(f, ts)
	case "result":
		res = a.convertResult(f, ts)
	case "stream_event", "control_request", "control_response", "keep_alive":
		// Partial deltas and control traffic are superseded by the full lines.
	case "":
		return res, shared.NewDecodeError(string(unified.EngineClaude), ev.Raw, fmt.Errorf("missing type"))
	default:
		a.logger.Debug("ignoring unknown claude event", zap.String("type", ev.Type()))
	}

	if res.Message != nil {
		res.Message.SessionID = a.sessionID
		if res.Message.Model == "" {
			res.Message.Model = a.model
		}
		shared.LogConvertedMessage(unified.EngineClaude, res.Message)
	}
	shared.TraceProtocolEvent(ctx, unified.EngineClaude, ev.Type(), ev.Raw, res.Message)
	return res, nil
}

func (a *Adapter) convertSystem(f map[string]any, ts time.Time) adapter.Result {
	var res adapter.Result
	subtype := shared.GetString(f, "subtype")
	msg := unified.NewMessage(unified.EngineClaude, unified.TypeSystem, ts)
	msg.Subtype = subtype

	if subtype == unified.SubtypeInit {
		sid := shared.GetString(f, "session_id")
		a.sessionID = sid
		a.model = shared.GetString(f, "model")
		a.BeginTurn()
		msg.Model = a.model
		for _, key := range []string{"cwd", "tools", "mcp_servers", "permissionMode", "apiKeySource"} {
			if v, ok := f[key]; ok {
				msg.SetMeta(key, v)
			}
		}
		res.Init = true
		res.SessionID = sid
	} else if text := shared.FirstString(f, "message", "content"); text != "" {
		msg.Content = []unified.ContentBlock{unified.TextBlock(text)}
	}
	res.Message = msg
	return res
}

func (a *Adapter) convertAssistant(f map[string]any, ts time.Time) *unified.Message {
	body := shared.GetMap(f, "message")
	if body == nil {
		return nil
	}
	msg := unified.NewMessage(unified.EngineClaude, unified.TypeAssistant, ts)
	msg.Model = shared.GetString(body, "model")
	msg.Content = convertBlocks(body["content"])
	if len(msg.Content) == 0 {
		return nil
	}
	if u := normalizeUsage(shared.GetMap(body, "usage")); u != nil {
		msg.Usage = u
	}
	if id := shared.GetString(body, "id"); id != "" {
		msg.SetMeta("message_id", id)
	}
	if parent := shared.GetString(f, "parent_tool_use_id"); parent != "" {
		msg.SetMeta("parent_tool_use_id", parent)
	}
	if allThinking(msg.Content) {
		msg.Type = unified.TypeThinking
	}
	return msg
}

func (a *Adapter) convertUser(f map[string]any, ts time.Time) *unified.Message {
	body := shared.GetMap(f, "message")
	if body == nil {
		return nil
	}
	msg := unified.NewMessage(unified.EngineClaude, unified.TypeUser, ts)
	msg.Content = convertBlocks(body["content"])
	if len(msg.Content) == 0 {
		return nil
	}
	// A user line made only of tool results exists to feed the lookup of the
	// originating tool_use.
	msg.DisplaySuppressed = allToolResults(msg.Content)
	return msg
}

func (a *Adapter) convertResult(f map[string]any, ts time.Time) adapter.Result {
	isError := shared.GetBool(f, "is_error")
	subtype := shared.GetString(f, "subtype")
	if subtype != "" && subtype != unified.SubtypeSuccess {
		isError = true
	}
	a.EndTurn(isError)

	msg := unified.NewMessage(unified.EngineClaude, unified.TypeResult, ts)
	msg.Subtype = subtype
	msg.IsError = isError
	if text := shared.GetString(f, "result"); text != "" {
		msg.Content = []unified.ContentBlock{unified.TextBlock(text)}
	}
	for _, key := range []string{"duration_ms", "duration_api_ms", "num_turns", "total_cost_usd"} {
		if v, ok := f[key]; ok {
			msg.SetMeta(key, v)
		}
	}

	res := adapter.Result{Message: msg, TurnEnded: true, TurnFailed: isError}
	if u := normalizeUsage(shared.GetMap(f, "usage")); u != nil {
		res.Usage = &adapter.UsageReport{Delta: u}
	}
	return res
}

func allThinking(blocks []unified.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type != unified.BlockThinking {
			return false
		}
	}
	return len(blocks) > 0
}

func allToolResults(blocks []unified.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type != unified.BlockToolResult {
			return false
		}
	}
	return len(blocks) > 0
}
