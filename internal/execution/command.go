package execution

import (
	"fmt"

	"github.com/kandev/streambridge/internal/common/config"
	"github.com/kandev/streambridge/internal/unified"
)

// invocation is a fully built engine command line.
type invocation struct {
	binary string
	args   []string
	// stdin is written to the process and closed, when non-empty.
	stdin string
}

// buildInvocation builds the command line that starts (resumeID empty) or
// resumes an engine session.
func buildInvocation(engine unified.Engine, cmd config.EngineCommand, resumeID, prompt, model string, extra []string) (*invocation, error) {
	if cmd.Binary == "" {
		return nil, fmt.Errorf("no binary configured for engine %s", engine)
	}
	inv := &invocation{binary: cmd.Binary}
	args := append([]string(nil), cmd.Args...)

	switch engine {
	case unified.EngineClaude:
		if resumeID != "" {
			args = append(args, "--resume", resumeID)
		}
		if model != "" {
			args = append(args, "--model", model)
		}
		args = append(args, extra...)
		args = append(args, "-p", prompt)

	case unified.EngineCodex:
		// codex exec --json resume <id> [flags] -, with the prompt on stdin.
		if resumeID != "" {
			args = append(args, "resume", resumeID)
		}
		if model != "" {
			args = append(args, "--model", model)
		}
		args = append(args, extra...)
		args = append(args, "-")
		inv.stdin = prompt

	case unified.EngineGemini:
		if resumeID != "" {
			args = append(args, "--resume", resumeID)
		}
		if model != "" {
			args = append(args, "--model", model)
		}
		args = append(args, extra...)
		args = append(args, "--prompt", prompt)

	default:
		return nil, fmt.Errorf("unsupported engine: %s", engine)
	}

	inv.args = args
	return inv, nil
}
