package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/streambridge/internal/common/config"
	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/events"
	"github.com/kandev/streambridge/internal/events/bus"
	"github.com/kandev/streambridge/internal/session"
	"github.com/kandev/streambridge/internal/unified"
)

const codexScenario = `
name: codex turn
engine: codex
key: tab
steps:
  - line: '{"type":"thread.started","thread_id":"T1"}'
  - session_id: T1
    line: '{"type":"turn.completed","usage":{"input_tokens":3,"output_tokens":1}}'
    delay: 1ms
  - channel: complete
    session_id: T1
    success: false
`

func TestParse(t *testing.T) {
	sc, err := Parse([]byte(codexScenario))
	require.NoError(t, err)
	assert.Equal(t, unified.EngineCodex, sc.EngineName())
	require.Len(t, sc.Steps, 3)
	assert.Equal(t, events.ChannelOutput, sc.Steps[0].Channel, "channel defaults to output")
	assert.Equal(t, time.Millisecond, sc.Steps[1].Delay)
	require.NotNil(t, sc.Steps[2].Success)
	assert.False(t, *sc.Steps[2].Success)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: ``},
		{name: "unknown engine", doc: "engine: cobol\nsteps:\n  - line: x\n"},
		{name: "no steps", doc: "engine: claude\n"},
		{name: "unknown channel", doc: "engine: claude\nsteps:\n  - channel: stdout\n    line: x\n"},
		{name: "output without payload", doc: "engine: claude\nsteps:\n  - channel: output\n"},
		{name: "session_init without id", doc: "engine: claude\nsteps:\n  - channel: session_init\n"},
		{name: "unknown field", doc: "engine: claude\nsteps:\n  - lien: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turn.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: gemini\nsteps:\n  - event: {type: init, session_id: G1}\n"), 0o600))

	sc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, sc.Name)
	assert.Equal(t, "init", sc.Steps[0].Event["type"])

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPlayPublishesLikeExecution(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	var mu sync.Mutex
	var received []*bus.Event
	_, err := b.Subscribe("codex.>", func(_ context.Context, ev *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
		return nil
	})
	require.NoError(t, err)

	sc, err := Parse([]byte(codexScenario))
	require.NoError(t, err)
	require.NoError(t, NewPlayer(b, events.Subjects{}, logger.NewNop()).Play(context.Background(), sc))

	mu.Lock()
	defer mu.Unlock()
	types := make([]string, 0, len(received))
	for _, ev := range received {
		types = append(types, ev.Type)
	}
	// Steps with a session id go to the engine-wide and the scoped subject.
	assert.Equal(t, []string{
		events.EngineOutput,
		events.EngineOutput, events.EngineOutput,
		events.EngineComplete, events.EngineComplete,
	}, types)
	assert.Equal(t, "tab", received[0].Data[events.DataKey])
	assert.Equal(t, "replay", received[0].Source)
	assert.Equal(t, int64(1), received[0].Data[events.DataSeq])
	assert.Equal(t, received[1].Data[events.DataSeq], received[2].Data[events.DataSeq], "both copies of a line share its sequence")
	assert.Equal(t, false, received[3].Data[events.DataSuccess])
}

func TestPlayStopsOnCancel(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	sc, err := Parse([]byte("engine: claude\nsteps:\n  - line: x\n    delay: 1h\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewPlayer(b, events.Subjects{}, logger.NewNop()).Play(ctx, sc)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplayThroughSession(t *testing.T) {
	log := logger.NewNop()
	b := bus.NewMemoryEventBus(log)
	defer b.Close()

	var out bytes.Buffer
	manager := session.NewManager(session.Deps{
		Bus:          b,
		Presentation: NewPrinter(&out),
	}, config.SessionConfig{DedupCapacity: 64, QueueLimit: 4}, log)
	defer manager.Shutdown()

	_, err := manager.Open(context.Background(), session.OpenRequest{Key: "tab", Engine: unified.EngineClaude})
	require.NoError(t, err)

	sc, err := Parse([]byte(`
engine: claude
key: tab
steps:
  - line: '{"type":"system","subtype":"init","session_id":"s-1"}'
  - session_id: s-1
    line: '{"type":"assistant","session_id":"s-1","message":{"id":"m1","content":[{"type":"text","text":"Listing"}]}}'
  - key: other-tab
    line: '{"type":"assistant","message":{"id":"m2","content":[{"type":"text","text":"not ours"}]}}'
`))
	require.NoError(t, err)
	require.NoError(t, NewPlayer(b, events.Subjects{}, log).Play(context.Background(), sc))

	var texts []string
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		if rec.Kind == "append" && rec.Message != nil {
			texts = append(texts, rec.Message.Text())
		}
	}
	assert.Contains(t, texts, "Listing")
	assert.NotContains(t, texts, "not ours")

	status, err := manager.Status(context.Background(), "tab")
	require.NoError(t, err)
	assert.Equal(t, "s-1", status.SessionID)
}
