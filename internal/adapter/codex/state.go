package codex

import (
	"time"

	"github.com/kandev/streambridge/internal/unified"
)

// maxToolResults bounds ToolResults; the oldest outputs go first.
const maxToolResults = 256

// ConversionState is the mutable state of one codex session. It is owned by
// exactly one Adapter and discarded with it. The session's cumulative usage
// is not kept here: the router's usage.Accumulator owns the last cumulative
// report and turns it into per-event deltas.
type ConversionState struct {
	ThreadID string
	Model    string

	// CurrentTurnUsage is the usage reported so far in the running turn.
	CurrentTurnUsage unified.Usage

	// Items tracks item.* and call items of the running turn by id.
	Items map[string]*ItemRecord

	// ToolResults holds the latest tool outputs by call id, for rendering
	// the originating tool_use.
	ToolResults map[string]ToolResult
	resultOrder []string

	// RateLimits is the latest rate limit snapshot.
	RateLimits *unified.RateLimits

	// lastAssistantText is the last assistant reply of the turn, used to
	// drop the event_msg echo of a response_item message.
	lastAssistantText string
}

// ItemRecord is what the converter remembers about one item.
type ItemRecord struct {
	Item        Item
	CallEmitted bool
	Message     *unified.Message
}

// ToolResult is a recorded tool output.
type ToolResult struct {
	CallID     string
	Content    any
	IsError    bool
	RecordedAt time.Time
}

func newConversionState() *ConversionState {
	return &ConversionState{
		Items:       make(map[string]*ItemRecord),
		ToolResults: make(map[string]ToolResult),
	}
}

func (s *ConversionState) beginTurn() {
	s.CurrentTurnUsage = unified.Usage{}
	s.lastAssistantText = ""
	clear(s.Items)
}

func (s *ConversionState) storeResult(r ToolResult) {
	if _, ok := s.ToolResults[r.CallID]; !ok {
		s.resultOrder = append(s.resultOrder, r.CallID)
	}
	s.ToolResults[r.CallID] = r
	for len(s.resultOrder) > maxToolResults {
		delete(s.ToolResults, s.resultOrder[0])
		s.resultOrder = s.resultOrder[1:]
	}
}

func (s *ConversionState) record(item Item) *ItemRecord {
	rec, ok := s.Items[item.ID]
	if !ok {
		rec = &ItemRecord{}
		s.Items[item.ID] = rec
	}
	rec.Item = item
	return rec
}
