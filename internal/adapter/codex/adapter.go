// Package codex converts Codex output into unified messages. It understands
// both the `codex exec --json` thread/turn/item stream and the rollout
// envelope format (session_meta, response_item, event_msg).
package codex

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/adapter"
	"github.com/kandev/streambridge/internal/adapter/shared"
	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/unified"
)

var errMissingType = errors.New("missing type")

// Adapter is the stateful converter for one Codex session.
type Adapter struct {
	adapter.TurnMachine

	logger *logger.Logger
	state  *ConversionState
}

// New creates a converter with fresh state.
func New(log *logger.Logger) *Adapter {
	return &Adapter{
		logger: log.WithEngine(string(unified.EngineCodex)),
		state:  newConversionState(),
	}
}

func (a *Adapter) Engine() unified.Engine { return unified.EngineCodex }

// State exposes the conversion state for inspection.
func (a *Adapter) State() *ConversionState { return a.state }

// ToolResult looks up a recorded tool output by call id.
func (a *Adapter) ToolResult(callID string) (ToolResult, bool) {
	r, ok := a.state.ToolResults[callID]
	return r, ok
}

// Reset discards all state.
func (a *Adapter) Reset() {
	a.state = newConversionState()
	a.ResetTurns()
}

// Identify returns identity hints. Item start/complete events carry stable
// item ids; updates do not, since one item is updated many times.
func (a *Adapter) Identify(ev *adapter.Event) adapter.Identity {
	f := ev.Fields
	switch t := ev.Type(); t {
	case EventThreadStarted:
		sid := shared.GetString(f, "thread_id")
		return adapter.Identity{ID: t + ":" + sid, SessionID: sid}
	case EventItemStarted, EventItemCompleted:
		if id := shared.GetString(shared.GetMap(f, "item"), "id"); id != "" {
			return adapter.Identity{ID: t + ":" + id}
		}
	case EventSessionMeta, EventResponseItem, EventMsg:
		p := shared.GetMap(f, "payload")
		kind := strings.Join([]string{
			t,
			shared.GetString(p, "type"),
			shared.GetString(p, "role"),
			shared.FirstString(p, "call_id", "id"),
		}, "/")
		id := adapter.Identity{Timestamp: shared.GetString(f, "timestamp"), Kind: kind}
		if t == EventSessionMeta {
			id.SessionID = shared.GetString(p, "id")
		}
		return id
	}
	return adapter.Identity{}
}

// Convert maps one Codex event.
func (a *Adapter) Convert(ctx context.Context, ev *adapter.Event) (adapter.Result, error) {
	var (
		res adapter.Result
		err error
	)
	switch t := ev.Type(); t {
	case "":
		err = errMissingType
	case EventSessionMeta, EventResponseItem, EventMsg, EventTurnContext:
		res, err = a.convertEnvelope(ev.Raw)
	default:
		res, err = a.convertExec(ev.Raw)
	}
	if err != nil {
		return adapter.Result{}, shared.NewDecodeError(string(unified.EngineCodex), ev.Raw, err)
	}

	if res.Message != nil {
		res.Message.SessionID = a.state.ThreadID
		if res.Message.Model == "" {
			res.Message.Model = a.state.Model
		}
		shared.LogConvertedMessage(unified.EngineCodex, res.Message)
	}
	shared.LogRawEvent(unified.EngineCodex, ev.Type(), ev.Raw)
	shared.TraceProtocolEvent(ctx, unified.EngineCodex, ev.Type(), ev.Raw, res.Message)
	return res, nil
}

func (a *Adapter) convertExec(raw json.RawMessage) (adapter.Result, error) {
	var e ExecEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return adapter.Result{}, err
	}

	switch e.Type {
	case EventThreadStarted:
		a.state.ThreadID = e.ThreadID
		msg := a.newMessage(unified.TypeSystem, time.Time{})
		msg.Subtype = unified.SubtypeInit
		msg.SetMeta("thread_id", e.ThreadID)
		return adapter.Result{Message: msg, Init: true, SessionID: e.ThreadID}, nil

	case EventTurnStarted:
		a.BeginTurn()
		a.state.beginTurn()
		return adapter.Result{}, nil

	case EventTurnCompleted:
		a.EndTurn(false)
		msg := a.newMessage(unified.TypeResult, time.Time{})
		msg.Subtype = unified.SubtypeUsage
		res := adapter.Result{Message: msg, TurnEnded: true}
		if e.Usage != nil {
			u := e.Usage.unified()
			a.state.CurrentTurnUsage = u
			res.Usage = &adapter.UsageReport{Cumulative: &u}
		}
		if a.state.RateLimits != nil {
			msg.SetMeta("rate_limits", a.state.RateLimits)
		}
		return res, nil

	case EventTurnFailed:
		a.EndTurn(true)
		text := "turn failed"
		if e.Error != nil && e.Error.Message != "" {
			text = e.Error.Message
		}
		return adapter.Result{Message: a.errorMessage(text, time.Time{}), TurnEnded: true, TurnFailed: true}, nil

	case EventError:
		a.EndTurn(true)
		text := e.Message
		if text == "" && e.Error != nil {
			text = e.Error.Message
		}
		return adapter.Result{Message: a.errorMessage(text, time.Time{}), TurnEnded: true, TurnFailed: true}, nil

	case EventItemStarted, EventItemUpdated, EventItemCompleted:
		if e.Item == nil {
			return adapter.Result{}, nil
		}
		if !a.InTurn() {
			a.BeginTurn()
		}
		msg, merged := a.convertItem(e.Type, *e.Item)
		return adapter.Result{Message: msg, Merged: merged}, nil
	}

	a.logger.Debug("ignoring unknown codex event", zap.String("type", e.Type))
	return adapter.Result{}, nil
}

func (a *Adapter) newMessage(typ unified.MessageType, ts time.Time) *unified.Message {
	return unified.NewMessage(unified.EngineCodex, typ, ts)
}

func (a *Adapter) errorMessage(text string, ts time.Time) *unified.Message {
	msg := a.newMessage(unified.TypeResult, ts)
	msg.Subtype = unified.SubtypeError
	msg.IsError = true
	if text != "" {
		msg.Content = []unified.ContentBlock{unified.TextBlock(text)}
	}
	return msg
}

func (u TokenUsage) unified() unified.Usage {
	return unified.Usage{
		Input:       u.InputTokens,
		Output:      u.OutputTokens,
		CachedInput: u.CachedInputTokens,
	}
}
