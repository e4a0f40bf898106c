package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/streambridge/internal/common/config"
	"github.com/kandev/streambridge/internal/unified"
)

func TestBuildInvocation(t *testing.T) {
	tests := []struct {
		name     string
		engine   unified.Engine
		cmd      config.EngineCommand
		resumeID string
		model    string
		wantArgs []string
		wantIn   string
	}{
		{
			name:     "claude new",
			engine:   unified.EngineClaude,
			cmd:      config.EngineCommand{Binary: "claude", Args: []string{"--output-format", "stream-json"}},
			wantArgs: []string{"--output-format", "stream-json", "-p", "hi"},
		},
		{
			name:     "claude resume with model",
			engine:   unified.EngineClaude,
			cmd:      config.EngineCommand{Binary: "claude"},
			resumeID: "s1",
			model:    "opus",
			wantArgs: []string{"--resume", "s1", "--model", "opus", "-p", "hi"},
		},
		{
			name:     "codex resume reads stdin",
			engine:   unified.EngineCodex,
			cmd:      config.EngineCommand{Binary: "codex", Args: []string{"exec", "--json"}},
			resumeID: "T1",
			wantArgs: []string{"exec", "--json", "resume", "T1", "-"},
			wantIn:   "hi",
		},
		{
			name:     "gemini new with model",
			engine:   unified.EngineGemini,
			cmd:      config.EngineCommand{Binary: "gemini"},
			model:    "gemini-2.5-pro",
			wantArgs: []string{"--model", "gemini-2.5-pro", "--prompt", "hi"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := buildInvocation(tt.engine, tt.cmd, tt.resumeID, "hi", tt.model, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.cmd.Binary, inv.binary)
			assert.Equal(t, tt.wantArgs, inv.args)
			assert.Equal(t, tt.wantIn, inv.stdin)
		})
	}
}

func TestBuildInvocationDoesNotAliasConfiguredArgs(t *testing.T) {
	base := make([]string, 1, 8)
	base[0] = "exec"
	cmd := config.EngineCommand{Binary: "codex", Args: base}

	first, err := buildInvocation(unified.EngineCodex, cmd, "", "a", "", nil)
	require.NoError(t, err)
	_, err = buildInvocation(unified.EngineCodex, cmd, "T9", "b", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec", "-"}, first.args)
}

func TestBuildInvocationErrors(t *testing.T) {
	_, err := buildInvocation(unified.EngineClaude, config.EngineCommand{}, "", "x", "", nil)
	assert.Error(t, err)
	_, err = buildInvocation(unified.Engine("other"), config.EngineCommand{Binary: "x"}, "", "x", "", nil)
	assert.Error(t, err)
}
