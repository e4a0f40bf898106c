package shared

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/unified"
)

// Set STREAMBRIDGE_DEBUG_EVENTS=true to capture raw and converted events as
// JSONL files under STREAMBRIDGE_DEBUG_DIR (default: working directory).
var (
	debugMode   = os.Getenv("STREAMBRIDGE_DEBUG_EVENTS") == "true"
	debugLogDir = resolveDebugLogDir()
	debugLogMu  sync.Mutex
)

func resolveDebugLogDir() string {
	if dir := os.Getenv("STREAMBRIDGE_DEBUG_DIR"); dir != "" {
		return dir
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// DebugEnabled reports whether event capture is on.
func DebugEnabled() bool { return debugMode }

// LogRawEvent appends a raw engine event to raw-{engine}.jsonl.
func LogRawEvent(engine unified.Engine, eventType string, raw json.RawMessage) {
	if !debugMode {
		return
	}
	writeJSONLine(fmt.Sprintf("raw-%s.jsonl", engine), map[string]any{
		"ts":    time.Now().UnixMilli(),
		"event": eventType,
		"data":  raw,
	})
}

// LogConvertedMessage appends a converted message to unified-{engine}.jsonl.
func LogConvertedMessage(engine unified.Engine, msg *unified.Message) {
	if !debugMode || msg == nil {
		return
	}
	writeJSONLine(fmt.Sprintf("unified-%s.jsonl", engine), map[string]any{
		"ts":      time.Now().UnixMilli(),
		"message": msg,
	})
}

func writeJSONLine(name string, entry any) {
	data, err := json.Marshal(entry)
	if err != nil {
		logger.Default().Debug("failed to marshal debug entry", zap.Error(err))
		return
	}

	debugLogMu.Lock()
	defer debugLogMu.Unlock()

	path := filepath.Join(debugLogDir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Default().Debug("failed to open debug log", zap.String("path", path), zap.Error(err))
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.Write(append(data, '\n'))
}
