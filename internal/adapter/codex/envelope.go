package codex

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/adapter"
	"github.com/kandev/streambridge/internal/adapter/shared"
	"github.com/kandev/streambridge/internal/unified"
)

// Event message subtypes.
const (
	msgAgentMessage   = "agent_message"
	msgAgentReasoning = "agent_reasoning"
	msgReasoning      = "reasoning"
	msgUserMessage    = "user_message"
	msgTokenCount     = "token_count"
	msgTaskStarted    = "task_started"
	msgTaskComplete   = "task_complete"
	msgTurnAborted    = "turn_aborted"
	msgError          = "error"
)

// Injected context that codex records as user input.
var contextMarkers = []string{"<environment_context>", "<user_instructions>", "# AGENTS.md instructions"}

func (a *Adapter) convertEnvelope(raw json.RawMessage) (adapter.Result, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return adapter.Result{}, err
	}
	ts := shared.ParseTimestamp(env.Timestamp)

	switch env.Type {
	case EventSessionMeta:
		var meta SessionMeta
		if err := json.Unmarshal(env.Payload, &meta); err != nil {
			return adapter.Result{}, err
		}
		return a.convertSessionMeta(meta, ts), nil

	case EventTurnContext:
		var tc struct {
			Model string `json:"model"`
		}
		if err := json.Unmarshal(env.Payload, &tc); err == nil && tc.Model != "" {
			a.state.Model = tc.Model
		}
		return adapter.Result{}, nil

	case EventResponseItem:
		var item ResponseItem
		if err := json.Unmarshal(env.Payload, &item); err != nil {
			return adapter.Result{}, err
		}
		return adapter.Result{Message: a.convertResponseItem(item, ts)}, nil

	case EventMsg:
		var p EventMsgPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return adapter.Result{}, err
		}
		return a.convertEventMsg(p, ts), nil
	}
	return adapter.Result{}, nil
}

func (a *Adapter) convertSessionMeta(meta SessionMeta, ts time.Time) adapter.Result {
	a.state.ThreadID = meta.ID
	if meta.Model != "" {
		a.state.Model = meta.Model
	}
	msg := a.newMessage(unified.TypeSystem, ts)
	msg.Subtype = unified.SubtypeInit
	msg.Model = meta.Model
	msg.SetMeta("thread_id", meta.ID)
	if meta.Cwd != "" {
		msg.SetMeta("cwd", meta.Cwd)
	}
	if meta.CliVersion != "" {
		msg.SetMeta("cli_version", meta.CliVersion)
	}
	if meta.Git != nil && meta.Git.Branch != "" {
		msg.SetMeta("git_branch", meta.Git.Branch)
	}
	return adapter.Result{Message: msg, Init: true, SessionID: meta.ID}
}

func (a *Adapter) convertResponseItem(item ResponseItem, ts time.Time) *unified.Message {
	switch item.Type {
	case "message":
		return a.convertResponseMessage(item, ts)

	case "reasoning":
		text := joinBlocks(item.Summary)
		if text == "" {
			text = joinBlocks(item.Content)
		}
		if text == "" {
			return nil
		}
		msg := a.newMessage(unified.TypeThinking, ts)
		msg.ID = item.ID
		msg.Content = []unified.ContentBlock{unified.ThinkingBlock(text)}
		return msg

	case "function_call", "custom_tool_call":
		args := item.Arguments
		if item.Type == "custom_tool_call" {
			args = item.Input
		}
		input := shared.ParseArguments(args)
		if item.Type == "custom_tool_call" && input["raw"] != nil {
			input = map[string]any{"input": item.Input}
		}
		return a.toolCall(item.CallID, item.Name, input, ts)

	case "local_shell_call":
		input := map[string]any{}
		if item.Action != nil {
			input["command"] = strings.Join(item.Action.Command, " ")
		}
		return a.toolCall(firstNonEmpty(item.CallID, item.ID), "local_shell", input, ts)

	case "web_search_call":
		input := map[string]any{}
		if item.Action != nil {
			input["query"] = item.Action.Query
		}
		return a.toolCall(firstNonEmpty(item.CallID, item.ID), "web_search", input, ts)

	case "function_call_output", "custom_tool_call_output":
		content, isError := parseFunctionOutput(item.Output)
		if item.IsError != nil {
			isError = *item.IsError
		}
		a.storeResult(item.CallID, content, isError)
		msg := a.newMessage(unified.TypeUser, ts)
		msg.DisplaySuppressed = true
		msg.Content = []unified.ContentBlock{unified.ToolResultBlock(item.CallID, content, isError)}
		return msg
	}

	a.logger.Debug("ignoring codex response item", zap.String("type", item.Type))
	return nil
}

func (a *Adapter) convertResponseMessage(item ResponseItem, ts time.Time) *unified.Message {
	var typ unified.MessageType
	switch item.Role {
	case "assistant":
		typ = unified.TypeAssistant
	case "user":
		typ = unified.TypeUser
	default:
		// developer and system prompts are not conversation.
		return nil
	}

	text := joinBlocks(item.Content)
	if text == "" {
		return nil
	}
	if typ == unified.TypeUser {
		if isInjectedContext(text) {
			return nil
		}
		a.BeginTurn()
		a.state.beginTurn()
	} else {
		a.state.lastAssistantText = text
	}

	msg := a.newMessage(typ, ts)
	msg.ID = item.ID
	msg.Content = []unified.ContentBlock{unified.TextBlock(text)}
	return msg
}

func (a *Adapter) toolCall(callID, engineName string, input map[string]any, ts time.Time) *unified.Message {
	rec := a.state.record(Item{ID: callID, Type: engineName})
	rec.CallEmitted = true

	msg := a.newMessage(unified.TypeAssistant, ts)
	msg.ID = callID
	msg.Content = []unified.ContentBlock{
		unified.ToolUseBlock(callID, shared.CanonicalToolName(engineName), input),
	}
	msg.SetMeta("engine_tool_name", engineName)
	return msg
}

func (a *Adapter) convertEventMsg(p EventMsgPayload, ts time.Time) adapter.Result {
	switch p.Type {
	case msgAgentMessage:
		text := firstNonEmpty(p.Message, p.Text)
		if text == "" || text == a.state.lastAssistantText {
			return adapter.Result{}
		}
		a.state.lastAssistantText = text
		msg := a.newMessage(unified.TypeAssistant, ts)
		msg.Content = []unified.ContentBlock{unified.TextBlock(text)}
		return adapter.Result{Message: msg}

	case msgAgentReasoning, msgReasoning, msgUserMessage:
		// Echoes of response items.
		return adapter.Result{}

	case msgTokenCount:
		return a.convertTokenCount(p, ts)

	case msgTaskStarted:
		a.BeginTurn()
		a.state.beginTurn()
		return adapter.Result{}

	case msgTaskComplete:
		a.EndTurn(false)
		msg := a.newMessage(unified.TypeResult, ts)
		msg.Subtype = unified.SubtypeSuccess
		if p.LastAgent != "" {
			msg.SetMeta("last_agent_message", p.LastAgent)
		}
		return adapter.Result{Message: msg, TurnEnded: true}

	case msgTurnAborted:
		a.EndTurn(true)
		text := "turn aborted"
		if p.Reason != "" {
			text += ": " + p.Reason
		}
		return adapter.Result{Message: a.errorMessage(text, ts), TurnEnded: true, TurnFailed: true}

	case msgError:
		a.EndTurn(true)
		return adapter.Result{Message: a.errorMessage(p.Message, ts), TurnEnded: true, TurnFailed: true}
	}
	return adapter.Result{}
}

func (a *Adapter) convertTokenCount(p EventMsgPayload, ts time.Time) adapter.Result {
	var res adapter.Result
	if p.RateLimits != nil {
		limits := convertRateLimits(p.RateLimits, ts)
		a.state.RateLimits = limits
		res.RateLimits = limits
	}
	if p.Info == nil || p.Info.TotalTokenUsage == nil {
		return res
	}

	total := p.Info.TotalTokenUsage.unified()
	report := &adapter.UsageReport{Cumulative: &total}
	if p.Info.LastTokenUsage != nil {
		last := p.Info.LastTokenUsage.unified()
		report.Delta = &last
		a.state.CurrentTurnUsage = a.state.CurrentTurnUsage.Add(last)
	}

	msg := a.newMessage(unified.TypeResult, ts)
	msg.Subtype = unified.SubtypeUsage
	msg.DisplaySuppressed = true
	if p.Info.ModelContextWindow != nil {
		msg.SetMeta("model_context_window", *p.Info.ModelContextWindow)
	}
	res.Message = msg
	res.Usage = report
	return res
}

func joinBlocks(blocks []ResponseBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "input_text", "output_text", "text", "summary_text", "reasoning_text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func isInjectedContext(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, marker := range contextMarkers {
		if strings.HasPrefix(trimmed, marker) {
			return true
		}
	}
	return false
}

// parseFunctionOutput accepts a plain string output or the structured
// {output, metadata} form.
func parseFunctionOutput(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw), false
	}
	var structured functionOutput
	if err := json.Unmarshal([]byte(s), &structured); err == nil && structured.Metadata != nil {
		isError := structured.Metadata.ExitCode != nil && *structured.Metadata.ExitCode != 0
		return structured.Output, isError
	}
	return s, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
