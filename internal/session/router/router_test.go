package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/streambridge/internal/adapter"
	"github.com/kandev/streambridge/internal/adapter/codex"
	"github.com/kandev/streambridge/internal/adapter/gemini"
	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/events"
	"github.com/kandev/streambridge/internal/events/bus"
	"github.com/kandev/streambridge/internal/session/completion"
	"github.com/kandev/streambridge/internal/session/dedup"
	"github.com/kandev/streambridge/internal/session/usage"
	"github.com/kandev/streambridge/internal/unified"
)

type fakePresentation struct {
	mu         sync.Mutex
	messages   map[string][]*unified.Message
	sessionIDs map[string]string
	errors     map[string][]string
	updates    int
}

func newFakePresentation() *fakePresentation {
	return &fakePresentation{
		messages:   make(map[string][]*unified.Message),
		sessionIDs: make(map[string]string),
		errors:     make(map[string][]string),
	}
}

func (p *fakePresentation) AppendMessage(key string, msg *unified.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[key] = append(p.messages[key], msg)
}

func (p *fakePresentation) UpdateMessage(key string, msg *unified.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates++
	list := p.messages[key]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].ID == msg.ID {
			list[i] = msg
			return
		}
	}
	p.messages[key] = append(list, msg)
}

func (p *fakePresentation) SetSessionID(key, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionIDs[key] = sessionID
}

func (p *fakePresentation) SetError(key, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors[key] = append(p.errors[key], message)
}

func (p *fakePresentation) visible(key string) []*unified.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*unified.Message
	for _, m := range p.messages[key] {
		if !m.DisplaySuppressed {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakePresentation) all(key string) []*unified.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*unified.Message(nil), p.messages[key]...)
}

type harness struct {
	bus     *bus.MemoryEventBus
	pres    *fakePresentation
	tracker *completion.Tracker
	router  *Router
	adapter adapter.Adapter

	mu      sync.Mutex
	idle    int
	changes [][2]string
}

func newHarness(t *testing.T, b *bus.MemoryEventBus, pres *fakePresentation, key string, a adapter.Adapter) *harness {
	t.Helper()
	h := &harness{bus: b, pres: pres, adapter: a}
	h.tracker = completion.New(logger.NewNop(), completion.Hooks{
		OnIdle: func(completion.Outcome) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.idle++
		},
	}, 0)
	h.router = New(Config{
		Key:          key,
		Engine:       a.Engine(),
		Bus:          b,
		Adapter:      a,
		Ledger:       dedup.New(64),
		Usage:        usage.New(),
		Completion:   h.tracker,
		Presentation: pres,
		OnSessionChanged: func(oldID, newID string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.changes = append(h.changes, [2]string{oldID, newID})
		},
	}, logger.NewNop())
	require.NoError(t, h.router.Start(context.Background()))
	t.Cleanup(func() {
		h.router.Close()
		h.tracker.Close()
	})
	return h
}

func (h *harness) idleCount() int {
	h.tracker.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.idle
}

var subjects = events.Subjects{}

func publishLine(t *testing.T, b bus.EventBus, subject, line string, extra map[string]any) {
	t.Helper()
	data := map[string]any{events.DataLine: line}
	for k, v := range extra {
		data[k] = v
	}
	require.NoError(t, b.Publish(context.Background(), subject, bus.NewEvent(events.EngineOutput, "test", data)))
}

func generic(engine unified.Engine) string {
	return subjects.Generic(string(engine), events.ChannelOutput)
}

func scoped(engine unified.Engine, sid string) string {
	return subjects.Scoped(string(engine), events.ChannelOutput, sid)
}

func TestCodexScenario(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	h := newHarness(t, b, pres, "tab", codex.New(logger.NewNop()))
	require.NoError(t, h.tracker.BeginTurn(context.Background(), nil, nil))
	h.router.BeginTurn()

	publishLine(t, b, generic(unified.EngineCodex), `{"type":"thread.started","thread_id":"T1"}`, nil)
	assert.Equal(t, SessionScoped, h.router.State())
	assert.Equal(t, "T1", h.router.SessionID())

	publishLine(t, b, scoped(unified.EngineCodex, "T1"), `{"type":"item.started","item":{"id":"i1","type":"agent_message","text":""}}`, nil)
	publishLine(t, b, scoped(unified.EngineCodex, "T1"), `{"type":"item.completed","item":{"id":"i1","type":"agent_message","text":"Hello"}}`, nil)
	publishLine(t, b, scoped(unified.EngineCodex, "T1"), `{"type":"turn.completed","usage":{"input_tokens":10,"cached_input_tokens":0,"output_tokens":5}}`, nil)

	msgs := pres.all("tab")
	require.Len(t, msgs, 3)
	assert.Equal(t, unified.SubtypeInit, msgs[0].Subtype)
	assert.Equal(t, "T1", msgs[0].SessionID)
	assert.Equal(t, unified.TypeAssistant, msgs[1].Type)
	assert.Equal(t, "Hello", msgs[1].Text())
	assert.Equal(t, unified.TypeResult, msgs[2].Type)
	require.NotNil(t, msgs[2].Usage)
	assert.Equal(t, unified.Usage{Input: 10, Output: 5}, *msgs[2].Usage)
	assert.Equal(t, "T1", pres.sessionIDs["tab"])

	// A late explicit completion signal must not fire completion again.
	require.NoError(t, b.Publish(context.Background(), subjects.Scoped("codex", events.ChannelComplete, "T1"),
		bus.NewEvent(events.EngineComplete, "test", map[string]any{events.DataSuccess: true})))
	assert.Equal(t, 1, h.idleCount())
}

func TestDedupAcrossGenericAndScoped(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	newHarness(t, b, pres, "tab", codex.New(logger.NewNop()))

	reply := `{"type":"item.completed","item":{"id":"i1","type":"agent_message","text":"early"}}`
	publishLine(t, b, generic(unified.EngineCodex), reply, nil)
	publishLine(t, b, generic(unified.EngineCodex), `{"type":"thread.started","thread_id":"T1"}`, nil)

	// Redelivery of the same events on the scoped channel during hand-off.
	publishLine(t, b, scoped(unified.EngineCodex, "T1"), `{"type":"thread.started","thread_id":"T1"}`, nil)
	publishLine(t, b, scoped(unified.EngineCodex, "T1"), reply, nil)
	publishLine(t, b, scoped(unified.EngineCodex, "T1"), reply, nil)

	msgs := pres.all("tab")
	require.Len(t, msgs, 2)
	assert.Equal(t, "early", msgs[0].Text())
	assert.Equal(t, unified.SubtypeInit, msgs[1].Subtype)
}

func TestSessionIsolation(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	a := newHarness(t, b, pres, "tab-a", codex.New(logger.NewNop()))
	bh := newHarness(t, b, pres, "tab-b", codex.New(logger.NewNop()))

	publishLine(t, b, generic(unified.EngineCodex), `{"type":"thread.started","thread_id":"TA"}`, map[string]any{events.DataKey: "tab-a"})
	publishLine(t, b, generic(unified.EngineCodex), `{"type":"thread.started","thread_id":"TB"}`, map[string]any{events.DataKey: "tab-b"})
	assert.Equal(t, "TA", a.router.SessionID())
	assert.Equal(t, "TB", bh.router.SessionID())

	publishLine(t, b, scoped(unified.EngineCodex, "TA"), `{"type":"item.completed","item":{"id":"a1","type":"agent_message","text":"from A"}}`, nil)
	publishLine(t, b, scoped(unified.EngineCodex, "TB"), `{"type":"item.completed","item":{"id":"b1","type":"agent_message","text":"from B"}}`, nil)
	publishLine(t, b, generic(unified.EngineCodex), `{"type":"item.completed","item":{"id":"x1","type":"agent_message","text":"stray"}}`, nil)

	textsOf := func(key string) []string {
		var out []string
		for _, m := range pres.all(key) {
			if m.Type == unified.TypeAssistant {
				out = append(out, m.Text())
			}
		}
		return out
	}
	assert.Equal(t, []string{"from A"}, textsOf("tab-a"))
	assert.Equal(t, []string{"from B"}, textsOf("tab-b"))
}

func TestGeminiDeltaMerge(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	newHarness(t, b, pres, "tab", gemini.New(logger.NewNop()))

	publishLine(t, b, generic(unified.EngineGemini), `{"type":"init","session_id":"g1"}`, nil)
	publishLine(t, b, scoped(unified.EngineGemini, "g1"), `{"type":"message","role":"assistant","content":"Hel","delta":true,"timestamp":"2025-01-01T00:00:01.000Z"}`, nil)
	publishLine(t, b, scoped(unified.EngineGemini, "g1"), `{"type":"message","role":"assistant","content":"lo","delta":true,"timestamp":"2025-01-01T00:00:01.050Z"}`, nil)

	var assistants []*unified.Message
	for _, m := range pres.all("tab") {
		if m.Type == unified.TypeAssistant {
			assistants = append(assistants, m)
		}
	}
	require.Len(t, assistants, 1)
	assert.Equal(t, "Hello", assistants[0].Text())
	assert.Equal(t, 1, pres.updates)
}

func TestGeminiIdenticalDeltasAreKept(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	newHarness(t, b, pres, "tab", gemini.New(logger.NewNop()))

	publish := func(sid string, seq int64, line string) {
		t.Helper()
		require.NoError(t, events.PublishEngine(context.Background(), b, subjects, "gemini", events.ChannelOutput, "test", sid, map[string]any{
			events.DataLine: line,
			events.DataKey:  "tab",
			events.DataRun:  "r1",
			events.DataSeq:  seq,
		}))
	}
	delta := `{"type":"message","timestamp":"2025-01-01T00:00:01.000Z","role":"assistant","content":"ha","delta":true}`
	publish("", 1, `{"type":"init","session_id":"g1"}`)
	publish("g1", 2, delta)
	publish("g1", 3, delta)

	// A redelivered copy of the last line is still a duplicate.
	publishLine(t, b, scoped(unified.EngineGemini, "g1"), delta, map[string]any{
		events.DataRun: "r1",
		events.DataSeq: float64(3),
	})

	var assistants []*unified.Message
	for _, m := range pres.all("tab") {
		if m.Type == unified.TypeAssistant {
			assistants = append(assistants, m)
		}
	}
	require.Len(t, assistants, 1)
	assert.Equal(t, "haha", assistants[0].Text())
}

func TestToolCallResultCorrelation(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	conv := codex.New(logger.NewNop())
	h := newHarness(t, b, pres, "tab", conv)
	require.NoError(t, h.router.Attach("T1"))

	publishLine(t, b, scoped(unified.EngineCodex, "T1"), `{"type":"item.started","item":{"id":"c1","type":"command_execution","command":"ls","status":"in_progress"}}`, nil)
	publishLine(t, b, scoped(unified.EngineCodex, "T1"), `{"type":"item.completed","item":{"id":"c1","type":"command_execution","command":"ls","aggregated_output":"a.go","exit_code":0,"status":"completed"}}`, nil)

	visible := pres.visible("tab")
	require.Len(t, visible, 1)
	require.Len(t, visible[0].ToolUses(), 1)
	assert.Equal(t, "c1", visible[0].ToolUses()[0].ID)
	assert.Len(t, pres.all("tab"), 2)

	result, ok := conv.ToolResult("c1")
	require.True(t, ok)
	assert.Equal(t, "a.go", result.Content)
}

func TestAttachIsIdempotent(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	h := newHarness(t, b, pres, "tab", codex.New(logger.NewNop()))

	require.NoError(t, h.router.Attach("s1"))
	require.NoError(t, h.router.Attach("s1"))
	assert.Equal(t, 7, b.SubscriptionCount())
	assert.Empty(t, h.changes)

	require.NoError(t, h.router.Attach("s2"))
	assert.Equal(t, 7, b.SubscriptionCount())
	assert.Equal(t, "s2", h.router.SessionID())
	assert.Equal(t, [][2]string{{"s1", "s2"}}, h.changes)
}

func TestSessionInitChannelReplacesID(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	h := newHarness(t, b, pres, "tab", codex.New(logger.NewNop()))
	require.NoError(t, h.router.Attach("old"))

	ev := bus.NewEvent(events.EngineSessionInit, "test", map[string]any{
		events.DataPrevious:  "someone-else",
		events.DataSessionID: "stolen",
	})
	require.NoError(t, b.Publish(context.Background(), subjects.Generic("codex", events.ChannelSessionInit), ev))
	assert.Equal(t, "old", h.router.SessionID())

	ev = bus.NewEvent(events.EngineSessionInit, "test", map[string]any{
		events.DataPrevious:  "old",
		events.DataSessionID: "new",
	})
	require.NoError(t, b.Publish(context.Background(), subjects.Generic("codex", events.ChannelSessionInit), ev))
	assert.Equal(t, "new", h.router.SessionID())
	assert.Equal(t, "new", pres.sessionIDs["tab"])
	assert.Equal(t, [][2]string{{"old", "new"}}, h.changes)
}

func TestGenericInitWithNewIDWhileAwaiting(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	h := newHarness(t, b, pres, "tab", codex.New(logger.NewNop()))
	require.NoError(t, h.router.Attach("T1"))

	// Not awaiting: generic traffic is ignored once scoped.
	publishLine(t, b, generic(unified.EngineCodex), `{"type":"thread.started","thread_id":"T9"}`, nil)
	assert.Equal(t, "T1", h.router.SessionID())

	h.router.BeginTurn()
	publishLine(t, b, generic(unified.EngineCodex), `{"type":"item.completed","item":{"id":"z","type":"agent_message","text":"foreign"}}`, nil)
	publishLine(t, b, generic(unified.EngineCodex), `{"type":"thread.started","thread_id":"T2"}`, nil)
	assert.Equal(t, "T2", h.router.SessionID())
	assert.Equal(t, [][2]string{{"T1", "T2"}}, h.changes)
	for _, m := range pres.all("tab") {
		assert.NotEqual(t, "foreign", m.Text())
	}
}

func TestMalformedLineIsDropped(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	newHarness(t, b, pres, "tab", codex.New(logger.NewNop()))

	publishLine(t, b, generic(unified.EngineCodex), `not json`, nil)
	publishLine(t, b, generic(unified.EngineCodex), `{"type":"thread.started","thread_id":"T1"}`, nil)
	assert.Len(t, pres.all("tab"), 1)
}

func TestStructuredEventPayload(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	h := newHarness(t, b, pres, "tab", codex.New(logger.NewNop()))

	ev := bus.NewEvent(events.EngineOutput, "test", map[string]any{
		events.DataEvent: map[string]any{"type": "thread.started", "thread_id": "T5"},
	})
	require.NoError(t, b.Publish(context.Background(), generic(unified.EngineCodex), ev))
	assert.Equal(t, "T5", h.router.SessionID())
}

func TestCancelledTurnDropsContent(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	h := newHarness(t, b, pres, "tab", codex.New(logger.NewNop()))
	require.NoError(t, h.router.Attach("T1"))
	require.NoError(t, h.tracker.BeginTurn(context.Background(), nil, nil))
	h.router.BeginTurn()

	h.router.MarkCancelled()
	h.tracker.Fail("cancelled")
	publishLine(t, b, scoped(unified.EngineCodex, "T1"), `{"type":"item.completed","item":{"id":"late","type":"agent_message","text":"late"}}`, nil)
	publishLine(t, b, scoped(unified.EngineCodex, "T1"), `{"type":"turn.completed","usage":{"input_tokens":1,"output_tokens":1}}`, nil)

	assert.Empty(t, pres.all("tab"))
	assert.Equal(t, 1, h.idleCount())
}

func TestErrorChannel(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	h := newHarness(t, b, pres, "tab", codex.New(logger.NewNop()))
	require.NoError(t, h.tracker.BeginTurn(context.Background(), nil, nil))

	ev := bus.NewEvent(events.EngineError, "test", map[string]any{events.DataError: "process exited with status 1"})
	require.NoError(t, b.Publish(context.Background(), subjects.Generic("codex", events.ChannelError), ev))

	assert.Equal(t, []string{"process exited with status 1"}, pres.errors["tab"])
	assert.False(t, h.tracker.Active())
	assert.Equal(t, 1, h.idleCount())
}

func TestErrorOfPreviousRunIsIgnored(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	h := newHarness(t, b, pres, "tab", codex.New(logger.NewNop()))
	require.NoError(t, h.tracker.BeginTurn(context.Background(), &completion.PendingPrompt{Run: "r2"}, nil))

	ev := bus.NewEvent(events.EngineError, "test", map[string]any{
		events.DataError: "process exited with status 1",
		events.DataRun:   "r1",
	})
	require.NoError(t, b.Publish(context.Background(), subjects.Generic("codex", events.ChannelError), ev))
	assert.Empty(t, pres.errors["tab"])
	assert.True(t, h.tracker.Active())

	done := bus.NewEvent(events.EngineComplete, "test", map[string]any{
		events.DataSuccess: true,
		events.DataRun:     "r2",
	})
	require.NoError(t, b.Publish(context.Background(), subjects.Generic("codex", events.ChannelComplete), done))
	assert.False(t, h.tracker.Active())
	assert.Equal(t, 1, h.idleCount())
}

func TestCloseIsExhaustive(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	pres := newFakePresentation()
	h := newHarness(t, b, pres, "tab", codex.New(logger.NewNop()))
	require.NoError(t, h.router.Attach("T1"))
	require.Positive(t, b.SubscriptionCount())

	h.router.Close()
	h.router.Close()
	assert.Equal(t, 0, b.SubscriptionCount())
	assert.Equal(t, 0, h.router.SubscriptionCount())
	assert.Equal(t, Closed, h.router.State())
	assert.ErrorIs(t, h.router.Attach("T2"), ErrClosed)

	publishLine(t, b, scoped(unified.EngineCodex, "T1"), `{"type":"item.completed","item":{"id":"i","type":"agent_message","text":"x"}}`, nil)
	assert.Empty(t, pres.all("tab"))
}

type failingBus struct {
	bus.EventBus
	fail bool
}

func (f *failingBus) Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error) {
	if f.fail {
		return nil, errors.New("connection refused")
	}
	return f.EventBus.Subscribe(subject, handler)
}

func TestSubscriptionFailureAndRetry(t *testing.T) {
	mem := bus.NewMemoryEventBus(logger.NewNop())
	fb := &failingBus{EventBus: mem, fail: true}
	pres := newFakePresentation()
	r := New(Config{
		Key:          "tab",
		Engine:       unified.EngineCodex,
		Bus:          fb,
		Adapter:      codex.New(logger.NewNop()),
		Ledger:       dedup.New(16),
		Presentation: pres,
	}, logger.NewNop())
	defer r.Close()

	require.Error(t, r.Start(context.Background()))
	assert.Equal(t, Failed, r.State())
	assert.Len(t, pres.errors["tab"], 1)

	fb.fail = false
	require.NoError(t, r.Retry(context.Background()))
	assert.Equal(t, GenericOnly, r.State())
	assert.Equal(t, 4, mem.SubscriptionCount())
}
