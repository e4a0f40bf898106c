package codex

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/streambridge/internal/adapter"
	"github.com/kandev/streambridge/internal/adapter/shared"
	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/unified"
)

func convert(t *testing.T, a *Adapter, line string) adapter.Result {
	t.Helper()
	ev, err := adapter.Decode(unified.EngineCodex, []byte(line))
	require.NoError(t, err)
	res, err := a.Convert(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func TestExecTurn(t *testing.T) {
	a := New(logger.NewNop())

	res := convert(t, a, `{"type":"thread.started","thread_id":"T1"}`)
	require.NotNil(t, res.Message)
	assert.True(t, res.Init)
	assert.Equal(t, "T1", res.SessionID)
	assert.Equal(t, unified.SubtypeInit, res.Message.Subtype)
	assert.Equal(t, "T1", res.Message.SessionID)

	convert(t, a, `{"type":"turn.started"}`)
	assert.Equal(t, adapter.TurnInProgress, a.TurnState())

	res = convert(t, a, `{"type":"item.started","item":{"id":"i1","type":"agent_message","text":""}}`)
	assert.Nil(t, res.Message)

	res = convert(t, a, `{"type":"item.completed","item":{"id":"i1","type":"agent_message","text":"Hello"}}`)
	require.NotNil(t, res.Message)
	assert.Equal(t, unified.TypeAssistant, res.Message.Type)
	assert.Equal(t, "Hello", res.Message.Text())
	assert.Equal(t, "T1", res.Message.SessionID)

	res = convert(t, a, `{"type":"turn.completed","usage":{"input_tokens":10,"cached_input_tokens":0,"output_tokens":5}}`)
	require.NotNil(t, res.Message)
	assert.True(t, res.TurnEnded)
	assert.False(t, res.TurnFailed)
	assert.Equal(t, unified.TypeResult, res.Message.Type)
	assert.Equal(t, unified.SubtypeUsage, res.Message.Subtype)
	require.NotNil(t, res.Usage)
	assert.Equal(t, &unified.Usage{Input: 10, Output: 5}, res.Usage.Cumulative)
	assert.Nil(t, res.Usage.Delta)
	assert.Equal(t, adapter.TurnComplete, a.TurnState())
}

func TestTurnFailed(t *testing.T) {
	a := New(logger.NewNop())
	convert(t, a, `{"type":"turn.started"}`)
	res := convert(t, a, `{"type":"turn.failed","error":{"message":"boom"}}`)

	require.NotNil(t, res.Message)
	assert.True(t, res.TurnEnded)
	assert.True(t, res.TurnFailed)
	assert.True(t, res.Message.IsError)
	assert.Equal(t, "boom", res.Message.Text())
	assert.Equal(t, adapter.TurnFailed, a.TurnState())
}

func TestCommandExecutionLifecycle(t *testing.T) {
	a := New(logger.NewNop())

	res := convert(t, a, `{"type":"item.started","item":{"id":"c1","type":"command_execution","command":"ls","status":"in_progress"}}`)
	require.NotNil(t, res.Message)
	uses := res.Message.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, shared.ToolBash, uses[0].Name)
	assert.Equal(t, "ls", uses[0].Input["command"])

	res = convert(t, a, `{"type":"item.completed","item":{"id":"c1","type":"command_execution","command":"ls","aggregated_output":"a.go\n","exit_code":0,"status":"completed"}}`)
	require.NotNil(t, res.Message)
	assert.True(t, res.Message.DisplaySuppressed)
	require.Len(t, res.Message.Content, 1)
	assert.Equal(t, unified.BlockToolResult, res.Message.Content[0].Type)
	assert.False(t, res.Message.Content[0].IsError)

	result, ok := a.ToolResult("c1")
	require.True(t, ok)
	assert.Equal(t, "a.go\n", result.Content)
}

func TestCommandCompletedWithoutStart(t *testing.T) {
	a := New(logger.NewNop())
	res := convert(t, a, `{"type":"item.completed","item":{"id":"c2","type":"command_execution","command":"false","aggregated_output":"","exit_code":1,"status":"failed"}}`)

	require.NotNil(t, res.Message)
	assert.False(t, res.Message.DisplaySuppressed)
	require.Len(t, res.Message.Content, 2)
	assert.Equal(t, unified.BlockToolUse, res.Message.Content[0].Type)
	assert.Equal(t, unified.BlockToolResult, res.Message.Content[1].Type)
	assert.True(t, res.Message.Content[1].IsError)
	code, _ := res.Message.Meta("exit_code")
	assert.Equal(t, 1, code)
}

func TestMcpToolCall(t *testing.T) {
	a := New(logger.NewNop())
	res := convert(t, a, `{"type":"item.started","item":{"id":"m1","type":"mcp_tool_call","server":"docs","tool":"search","status":"in_progress"}}`)
	assert.Nil(t, res.Message)

	res = convert(t, a, `{"type":"item.completed","item":{"id":"m1","type":"mcp_tool_call","server":"docs","tool":"search","arguments":{"q":"go"},"result":{"hits":1},"status":"completed"}}`)
	require.NotNil(t, res.Message)
	uses := res.Message.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "mcp__docs__search", uses[0].Name)
	assert.Equal(t, "go", uses[0].Input["q"])
}

func TestTodoListMergesInPlace(t *testing.T) {
	a := New(logger.NewNop())
	res := convert(t, a, `{"type":"item.started","item":{"id":"p1","type":"todo_list","items":[{"text":"one","completed":false},{"text":"two","completed":false}]}}`)
	require.NotNil(t, res.Message)
	assert.False(t, res.Merged)
	first := res.Message
	assert.Equal(t, "- [ ] one\n- [ ] two", first.Text())

	res = convert(t, a, `{"type":"item.updated","item":{"id":"p1","type":"todo_list","items":[{"text":"one","completed":true},{"text":"two","completed":false}]}}`)
	assert.True(t, res.Merged)
	assert.Same(t, first, res.Message)
	assert.Equal(t, "- [x] one\n- [ ] two", first.Text())
}

func TestSessionMetaEnvelope(t *testing.T) {
	a := New(logger.NewNop())
	res := convert(t, a, `{"timestamp":"2025-01-02T03:04:05Z","type":"session_meta","payload":{"id":"S9","cwd":"/work","model":"gpt-5"}}`)

	require.NotNil(t, res.Message)
	assert.True(t, res.Init)
	assert.Equal(t, "S9", res.SessionID)
	assert.Equal(t, "gpt-5", res.Message.Model)
	assert.True(t, res.Message.WireTimestamp)
	assert.Equal(t, 2025, res.Message.Timestamp.Year())
}

func TestResponseItems(t *testing.T) {
	a := New(logger.NewNop())

	res := convert(t, a, `{"type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"<environment_context>cwd</environment_context>"}]}}`)
	assert.Nil(t, res.Message)

	res = convert(t, a, `{"type":"response_item","payload":{"type":"message","role":"developer","content":[{"type":"input_text","text":"rules"}]}}`)
	assert.Nil(t, res.Message)

	res = convert(t, a, `{"type":"response_item","payload":{"type":"function_call","name":"shell","arguments":"{\"command\":[\"ls\"]}","call_id":"call_1"}}`)
	require.NotNil(t, res.Message)
	uses := res.Message.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, shared.ToolBash, uses[0].Name)
	name, _ := res.Message.Meta("engine_tool_name")
	assert.Equal(t, "shell", name)

	res = convert(t, a, `{"type":"response_item","payload":{"type":"function_call_output","call_id":"call_1","output":"{\"output\":\"boom\",\"metadata\":{\"exit_code\":2}}"}}`)
	require.NotNil(t, res.Message)
	assert.True(t, res.Message.DisplaySuppressed)
	result, ok := a.ToolResult("call_1")
	require.True(t, ok)
	assert.Equal(t, "boom", result.Content)
	assert.True(t, result.IsError)
}

func TestAgentMessageEchoDropped(t *testing.T) {
	a := New(logger.NewNop())
	res := convert(t, a, `{"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Done"}]}}`)
	require.NotNil(t, res.Message)

	res = convert(t, a, `{"type":"event_msg","payload":{"type":"agent_message","message":"Done"}}`)
	assert.Nil(t, res.Message)
}

func TestTokenCount(t *testing.T) {
	a := New(logger.NewNop())
	res := convert(t, a, `{"timestamp":"2025-01-02T03:04:05Z","type":"event_msg","payload":{"type":"token_count",
		"info":{"total_token_usage":{"input_tokens":100,"cached_input_tokens":20,"output_tokens":30},"last_token_usage":{"input_tokens":40,"cached_input_tokens":0,"output_tokens":10}},
		"rate_limits":{"primary":{"used_percent":12.5,"window_minutes":300,"resets_in_seconds":60},"secondary":{"used_percent":3,"window_duration_mins":10080}}}}`)

	require.NotNil(t, res.Usage)
	assert.Equal(t, &unified.Usage{Input: 100, Output: 30, CachedInput: 20}, res.Usage.Cumulative)
	assert.Equal(t, &unified.Usage{Input: 40, Output: 10}, res.Usage.Delta)
	require.NotNil(t, res.RateLimits)
	require.NotNil(t, res.RateLimits.Primary)
	assert.Equal(t, 12.5, res.RateLimits.Primary.UsedPercent)
	assert.Equal(t, int64(300), res.RateLimits.Primary.WindowMinutes)
	require.NotNil(t, res.RateLimits.Primary.ResetsAt)
	assert.Equal(t, int64(10080), res.RateLimits.Secondary.WindowMinutes)
	assert.Same(t, res.RateLimits, a.State().RateLimits)
}

func TestIdentify(t *testing.T) {
	a := New(logger.NewNop())
	ev, err := adapter.Decode(unified.EngineCodex, []byte(`{"type":"item.completed","item":{"id":"i7","type":"agent_message"}}`))
	require.NoError(t, err)
	assert.Equal(t, "item.completed:i7", a.Identify(ev).ID)

	ev, err = adapter.Decode(unified.EngineCodex, []byte(`{"type":"item.updated","item":{"id":"i7","type":"todo_list"}}`))
	require.NoError(t, err)
	assert.Empty(t, a.Identify(ev).ID)

	ev, err = adapter.Decode(unified.EngineCodex, []byte(`{"timestamp":"t1","type":"response_item","payload":{"type":"function_call","call_id":"c1"}}`))
	require.NoError(t, err)
	id := a.Identify(ev)
	assert.Equal(t, "t1", id.Timestamp)
	assert.Equal(t, "response_item/function_call//c1", id.Kind)
}

func TestMissingTypeIsDecodeError(t *testing.T) {
	a := New(logger.NewNop())
	ev, err := adapter.Decode(unified.EngineCodex, []byte(`{"item":{}}`))
	require.NoError(t, err)
	_, err = a.Convert(context.Background(), ev)
	var de *shared.DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestStateIsBoundedAcrossTurns(t *testing.T) {
	a := New(logger.NewNop())
	convert(t, a, `{"type":"thread.started","thread_id":"T1"}`)
	convert(t, a, `{"type":"turn.started"}`)
	convert(t, a, `{"type":"item.started","item":{"id":"i1","type":"agent_message","text":""}}`)
	assert.Len(t, a.State().Items, 1)

	convert(t, a, `{"type":"turn.completed","usage":{"input_tokens":1,"output_tokens":1}}`)
	convert(t, a, `{"type":"turn.started"}`)
	assert.Empty(t, a.State().Items, "items belong to one turn")

	for i := 0; i < maxToolResults+10; i++ {
		line := fmt.Sprintf(`{"type":"item.completed","item":{"id":"c%d","type":"command_execution","command":"ls","aggregated_output":"ok","exit_code":0,"status":"completed"}}`, i)
		convert(t, a, line)
	}
	assert.Len(t, a.State().ToolResults, maxToolResults)
	_, ok := a.ToolResult("c0")
	assert.False(t, ok, "oldest output dropped")
	r, ok := a.ToolResult(fmt.Sprintf("c%d", maxToolResults+9))
	require.True(t, ok)
	assert.Equal(t, "ok", r.Content)
}

func TestReset(t *testing.T) {
	a := New(logger.NewNop())
	convert(t, a, `{"type":"thread.started","thread_id":"T1"}`)
	convert(t, a, `{"type":"turn.started"}`)
	a.Reset()
	assert.Empty(t, a.State().ThreadID)
	assert.Equal(t, adapter.Started, a.TurnState())
}
