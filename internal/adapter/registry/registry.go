// Package registry constructs engine adapters by engine name.
package registry

import (
	"fmt"

	"github.com/kandev/streambridge/internal/adapter"
	"github.com/kandev/streambridge/internal/adapter/claude"
	"github.com/kandev/streambridge/internal/adapter/codex"
	"github.com/kandev/streambridge/internal/adapter/gemini"
	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/unified"
)

// NewAdapter creates a fresh adapter for one session of the given engine.
// It returns an error if the engine is not supported.
func NewAdapter(engine unified.Engine, log *logger.Logger) (adapter.Adapter, error) {
	switch engine {
	case unified.EngineClaude:
		return claude.New(log), nil
	case unified.EngineCodex:
		return codex.New(log), nil
	case unified.EngineGemini:
		return gemini.New(log), nil
	default:
		return nil, fmt.Errorf("unsupported engine: %s", engine)
	}
}

// Factory is the constructor signature used by the session layer.
type Factory func(engine unified.Engine, log *logger.Logger) (adapter.Adapter, error)
