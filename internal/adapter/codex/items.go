package codex

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kandev/streambridge/internal/adapter/shared"
	"github.com/kandev/streambridge/internal/unified"
)

// convertItem routes an item.* event by item type. The second return value
// reports that the message is a previously returned one updated in place.
func (a *Adapter) convertItem(eventType string, item Item) (*unified.Message, bool) {
	rec := a.state.record(item)
	completed := eventType == EventItemCompleted

	switch item.Type {
	case ItemAgentMessage:
		if !completed || item.Text == "" {
			return nil, false
		}
		a.state.lastAssistantText = item.Text
		msg := a.newMessage(unified.TypeAssistant, time.Time{})
		msg.ID = item.ID
		msg.Content = []unified.ContentBlock{unified.TextBlock(item.Text)}
		return msg, false

	case ItemReasoning:
		if !completed || item.Text == "" {
			return nil, false
		}
		msg := a.newMessage(unified.TypeThinking, time.Time{})
		msg.ID = item.ID
		msg.Content = []unified.ContentBlock{unified.ThinkingBlock(item.Text)}
		return msg, false

	case ItemCommandExecution:
		return a.convertCommand(rec, eventType), false

	case ItemFileChange:
		if !completed {
			return nil, false
		}
		return a.callWithResult(rec, shared.ToolEdit, fileChangeInput(item), item.Status, fileChangeSummary(item)), false

	case ItemMcpToolCall:
		// In-progress phases would render as a flickering pending call.
		if !completed {
			return nil, false
		}
		name := shared.MCPToolName(item.Server, item.Tool)
		input := shared.AsMap(decodeLoose(item.Arguments))
		var content any = decodeLoose(item.Result)
		if item.Error != nil && item.Error.Message != "" {
			content = item.Error.Message
		}
		return a.callWithResult(rec, name, input, item.Status, content), false

	case ItemWebSearch:
		if !completed {
			return nil, false
		}
		msg := a.newMessage(unified.TypeAssistant, time.Time{})
		msg.ID = item.ID
		msg.Content = []unified.ContentBlock{
			unified.ToolUseBlock(item.ID, shared.ToolWebSearch, map[string]any{"query": item.Query}),
		}
		return msg, false

	case ItemTodoList:
		merged := rec.Message != nil
		return a.convertTodoList(rec, eventType), merged

	case ItemError:
		msg := a.newMessage(unified.TypeSystem, time.Time{})
		msg.ID = item.ID
		msg.Subtype = unified.SubtypeError
		msg.IsError = true
		msg.Content = []unified.ContentBlock{unified.TextBlock(item.Message)}
		return msg, false
	}

	return nil, false
}

// convertCommand emits the tool_use when the command starts and a
// display-suppressed tool_result when it completes. A command seen only at
// completion yields one message carrying both blocks.
func (a *Adapter) convertCommand(rec *ItemRecord, eventType string) *unified.Message {
	item := rec.Item
	input := map[string]any{"command": item.Command}

	switch eventType {
	case EventItemStarted:
		if rec.CallEmitted {
			return nil
		}
		rec.CallEmitted = true
		msg := a.newMessage(unified.TypeAssistant, time.Time{})
		msg.ID = item.ID
		msg.Content = []unified.ContentBlock{unified.ToolUseBlock(item.ID, shared.ToolBash, input)}
		msg.SetMeta("status", item.Status)
		return msg

	case EventItemCompleted:
		isError := item.Status == StatusFailed || item.Status == StatusDeclined ||
			(item.ExitCode != nil && *item.ExitCode != 0)
		result := a.storeResult(item.ID, item.AggregatedOutput, isError)
		if !rec.CallEmitted {
			rec.CallEmitted = true
			msg := a.newMessage(unified.TypeAssistant, time.Time{})
			msg.ID = item.ID
			msg.Content = []unified.ContentBlock{
				unified.ToolUseBlock(item.ID, shared.ToolBash, input),
				unified.ToolResultBlock(item.ID, result.Content, isError),
			}
			setExitCode(msg, item.ExitCode)
			return msg
		}
		msg := a.newMessage(unified.TypeUser, time.Time{})
		msg.ID = item.ID + ":result"
		msg.DisplaySuppressed = true
		msg.Content = []unified.ContentBlock{unified.ToolResultBlock(item.ID, result.Content, isError)}
		setExitCode(msg, item.ExitCode)
		return msg
	}
	return nil
}

// callWithResult builds a completed call as one message with tool_use and
// tool_result blocks.
func (a *Adapter) callWithResult(rec *ItemRecord, name string, input map[string]any, status string, content any) *unified.Message {
	item := rec.Item
	isError := status == StatusFailed || status == StatusDeclined
	a.storeResult(item.ID, content, isError)
	rec.CallEmitted = true

	msg := a.newMessage(unified.TypeAssistant, time.Time{})
	msg.ID = item.ID
	msg.Content = []unified.ContentBlock{
		unified.ToolUseBlock(item.ID, name, input),
		unified.ToolResultBlock(item.ID, content, isError),
	}
	msg.SetMeta("status", status)
	return msg
}

// convertTodoList emits the plan on first sight and updates that same
// message afterwards.
func (a *Adapter) convertTodoList(rec *ItemRecord, eventType string) *unified.Message {
	item := rec.Item
	if rec.Message == nil {
		msg := a.newMessage(unified.TypeAssistant, time.Time{})
		msg.ID = item.ID
		msg.Subtype = unified.SubtypeTodoList
		rec.Message = msg
		rec.CallEmitted = true
	}
	msg := rec.Message
	msg.Content = []unified.ContentBlock{unified.TextBlock(renderTodos(item.Items))}
	msg.SetMeta("items", item.Items)
	msg.SetMeta("completed", eventType == EventItemCompleted)
	return msg
}

func (a *Adapter) storeResult(callID string, content any, isError bool) ToolResult {
	r := ToolResult{CallID: callID, Content: content, IsError: isError, RecordedAt: time.Now().UTC()}
	a.state.storeResult(r)
	return r
}

func renderTodos(items []TodoItem) string {
	var sb strings.Builder
	for i, it := range items {
		if i > 0 {
			sb.WriteByte('\n')
		}
		if it.Completed {
			sb.WriteString("- [x] ")
		} else {
			sb.WriteString("- [ ] ")
		}
		sb.WriteString(it.Text)
	}
	return sb.String()
}

func fileChangeInput(item Item) map[string]any {
	changes := make([]any, 0, len(item.Changes))
	for _, c := range item.Changes {
		entry := map[string]any{"path": c.Path, "kind": c.Kind}
		if c.Diff != "" {
			entry["diff"] = c.Diff
		}
		changes = append(changes, entry)
	}
	input := map[string]any{"changes": changes}
	if len(item.Changes) == 1 {
		input["file_path"] = item.Changes[0].Path
	}
	return input
}

func fileChangeSummary(item Item) string {
	parts := make([]string, 0, len(item.Changes))
	for _, c := range item.Changes {
		parts = append(parts, fmt.Sprintf("%s %s", c.Kind, c.Path))
	}
	return strings.Join(parts, "\n")
}

func setExitCode(msg *unified.Message, code *int) {
	if code != nil {
		msg.SetMeta("exit_code", *code)
	}
}

// decodeLoose decodes raw JSON into a generic value, falling back to the
// raw text.
func decodeLoose(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
