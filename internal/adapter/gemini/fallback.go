package gemini

import (
	"time"

	"github.com/kandev/streambridge/internal/adapter/shared"
	"github.com/kandev/streambridge/internal/unified"
)

// convertFallback handles untyped lines. Some Gemini builds emit raw
// function calling structures instead of tool_use/tool_result events.
func (a *Adapter) convertFallback(f map[string]any, ts time.Time) *unified.Message {
	if call := shared.FirstMap(f, "functionCall", "function_call"); call != nil {
		name := shared.GetString(call, "name")
		id := callID(call, f)
		var args any
		for _, key := range []string{"args", "arguments", "parameters"} {
			if v, ok := call[key]; ok {
				args = v
				break
			}
		}
		input := shared.AsMap(args)
		if s, ok := args.(string); ok {
			input = shared.ParseArguments(s)
		}

		msg := unified.NewMessage(unified.EngineGemini, unified.TypeAssistant, ts)
		msg.ID = id
		msg.Content = []unified.ContentBlock{unified.ToolUseBlock(id, shared.CanonicalToolName(name), input)}
		msg.SetMeta("engine_tool_name", name)
		return msg
	}

	if resp := shared.FirstMap(f, "functionResponse", "function_response"); resp != nil {
		return a.functionResponse(resp, f, ts)
	}

	return a.rawMessage(f, ts)
}

// userToolResult extracts a functionResponse part carried by a user message.
func (a *Adapter) userToolResult(f map[string]any, ts time.Time) *unified.Message {
	for _, part := range shared.GetSlice(f, "content") {
		p := shared.AsMap(part)
		if resp := shared.FirstMap(p, "functionResponse", "function_response"); resp != nil {
			return a.functionResponse(resp, p, ts)
		}
	}
	return nil
}

func (a *Adapter) functionResponse(resp, outer map[string]any, ts time.Time) *unified.Message {
	id := callID(resp, outer)
	msg := unified.NewMessage(unified.EngineGemini, unified.TypeUser, ts)
	msg.Content = []unified.ContentBlock{
		unified.ToolResultBlock(id, []any{map[string]any{"functionResponse": resp}}, false),
	}
	if name := shared.GetString(resp, "name"); name != "" {
		msg.SetMeta("engine_tool_name", name)
	}
	return msg
}

func callID(inner, outer map[string]any) string {
	if id := shared.GetString(inner, "id"); id != "" {
		return id
	}
	return shared.FirstString(outer, "callId", "call_id")
}
