package codex

import "encoding/json"

// Top-level event types of `codex exec --json`.
const (
	EventThreadStarted = "thread.started"
	EventTurnStarted   = "turn.started"
	EventTurnCompleted = "turn.completed"
	EventTurnFailed    = "turn.failed"
	EventItemStarted   = "item.started"
	EventItemUpdated   = "item.updated"
	EventItemCompleted = "item.completed"
	EventError         = "error"
)

// Envelope types of the rollout/app-server format.
const (
	EventSessionMeta  = "session_meta"
	EventResponseItem = "response_item"
	EventMsg          = "event_msg"
	EventTurnContext  = "turn_context"
)

// Item types carried by item.* events.
const (
	ItemAgentMessage     = "agent_message"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "command_execution"
	ItemFileChange       = "file_change"
	ItemMcpToolCall      = "mcp_tool_call"
	ItemWebSearch        = "web_search"
	ItemTodoList         = "todo_list"
	ItemError            = "error"
)

// Item statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusDeclined   = "declined"
)

// ExecEvent is one line of `codex exec --json`.
type ExecEvent struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id,omitempty"`
	Usage    *TokenUsage `json:"usage,omitempty"`
	Item     *Item       `json:"item,omitempty"`
	Error    *ErrorInfo  `json:"error,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// ErrorInfo is the payload of turn.failed.
type ErrorInfo struct {
	Message string `json:"message,omitempty"`
}

// TokenUsage is codex's token counter set.
type TokenUsage struct {
	InputTokens           int64 `json:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens,omitempty"`
	TotalTokens           int64 `json:"total_tokens,omitempty"`
}

// Item is the payload of item.* events. Fields are populated per item type.
type Item struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Text             string          `json:"text,omitempty"`
	Command          string          `json:"command,omitempty"`
	AggregatedOutput string          `json:"aggregated_output,omitempty"`
	ExitCode         *int            `json:"exit_code,omitempty"`
	Status           string          `json:"status,omitempty"`
	Changes          []FileChange    `json:"changes,omitempty"`
	Server           string          `json:"server,omitempty"`
	Tool             string          `json:"tool,omitempty"`
	Arguments        json.RawMessage `json:"arguments,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *ErrorInfo      `json:"error,omitempty"`
	Query            string          `json:"query,omitempty"`
	Items            []TodoItem      `json:"items,omitempty"`
	Message          string          `json:"message,omitempty"`
}

// FileChange is one entry of a file_change item.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
	Diff string `json:"diff,omitempty"`
}

// TodoItem is one checklist entry of a todo_list item.
type TodoItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Envelope wraps session_meta, response_item and event_msg lines.
type Envelope struct {
	Timestamp string          `json:"timestamp,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionMeta is the payload of session_meta.
type SessionMeta struct {
	ID         string `json:"id"`
	Cwd        string `json:"cwd,omitempty"`
	Model      string `json:"model,omitempty"`
	CliVersion string `json:"cli_version,omitempty"`
	Git        *struct {
		Branch string `json:"branch,omitempty"`
	} `json:"git,omitempty"`
}

// ResponseItem is the payload of response_item.
type ResponseItem struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   []ResponseBlock `json:"content,omitempty"`
	Summary   []ResponseBlock `json:"summary,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Input     string          `json:"input,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`
	Action    *ResponseAction `json:"action,omitempty"`
	Status    string          `json:"status,omitempty"`
}

// ResponseBlock is one content or summary element of a response item.
type ResponseBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ResponseAction describes local_shell_call and web_search_call actions.
type ResponseAction struct {
	Type    string   `json:"type,omitempty"`
	Command []string `json:"command,omitempty"`
	Query   string   `json:"query,omitempty"`
}

// EventMsgPayload is the payload of event_msg.
type EventMsgPayload struct {
	Type       string          `json:"type"`
	Message    string          `json:"message,omitempty"`
	Text       string          `json:"text,omitempty"`
	Info       *TokenCountInfo `json:"info,omitempty"`
	RateLimits *RateLimitsWire `json:"rate_limits,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	LastAgent  string          `json:"last_agent_message,omitempty"`
}

// TokenCountInfo carries cumulative and last-request usage.
type TokenCountInfo struct {
	TotalTokenUsage    *TokenUsage `json:"total_token_usage,omitempty"`
	LastTokenUsage     *TokenUsage `json:"last_token_usage,omitempty"`
	ModelContextWindow *int64      `json:"model_context_window,omitempty"`
}

// RateLimitsWire is the two-tier rate limit snapshot.
type RateLimitsWire struct {
	Primary   *RateLimitWindowWire `json:"primary,omitempty"`
	Secondary *RateLimitWindowWire `json:"secondary,omitempty"`
}

// RateLimitWindowWire is one window. Engines have used several spellings
// for the window length and reset time.
type RateLimitWindowWire struct {
	UsedPercent        float64         `json:"used_percent"`
	WindowMinutes      *int64          `json:"window_minutes,omitempty"`
	WindowDurationMins *int64          `json:"window_duration_mins,omitempty"`
	ResetsAt           json.RawMessage `json:"resets_at,omitempty"`
	ResetsInSeconds    *int64          `json:"resets_in_seconds,omitempty"`
}

// functionOutput is the structured form of function_call_output.output.
type functionOutput struct {
	Output   string `json:"output"`
	Metadata *struct {
		ExitCode *int `json:"exit_code,omitempty"`
	} `json:"metadata,omitempty"`
}
