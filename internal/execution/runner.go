// Package execution runs engine CLIs as subprocesses and publishes their
// output onto the event bus, where the session routers pick it up.
package execution

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/adapter/registry"
	"github.com/kandev/streambridge/internal/common/config"
	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/events"
	"github.com/kandev/streambridge/internal/events/bus"
	"github.com/kandev/streambridge/internal/session"
	"github.com/kandev/streambridge/internal/unified"
)

// ErrAlreadyRunning is returned when a tab already has a live process.
var ErrAlreadyRunning = session.ErrEngineBusy

const defaultStopTimeout = 5 * time.Second

// Runner starts one engine process per tab.
type Runner struct {
	cfg        config.ExecutionConfig
	bus        bus.EventBus
	subjects   events.Subjects
	newAdapter registry.Factory
	logger     *logger.Logger

	mu        sync.Mutex
	byKey     map[string]*process
	bySession map[string]*process
	wg        sync.WaitGroup
}

var _ session.Execution = (*Runner)(nil)

// NewRunner creates a runner publishing onto eventBus.
func NewRunner(cfg config.ExecutionConfig, eventBus bus.EventBus, subjects events.Subjects, log *logger.Logger) *Runner {
	return &Runner{
		cfg:        cfg,
		bus:        eventBus,
		subjects:   subjects,
		newAdapter: registry.NewAdapter,
		logger:     log.WithFields(zap.String("component", "execution-runner")),
		byKey:      make(map[string]*process),
		bySession:  make(map[string]*process),
	}
}

// ExecuteNew starts a new engine session in projectPath.
func (r *Runner) ExecuteNew(ctx context.Context, engine unified.Engine, projectPath, prompt, model string, opts session.Options) error {
	if opts.Dir == "" {
		opts.Dir = projectPath
	}
	return r.start(ctx, engine, "", prompt, model, opts)
}

// Resume continues an existing engine session.
func (r *Runner) Resume(ctx context.Context, engine unified.Engine, sessionID, prompt, model string, opts session.Options) error {
	if sessionID == "" {
		return fmt.Errorf("resume: empty session id")
	}
	return r.start(ctx, engine, sessionID, prompt, model, opts)
}

func (r *Runner) start(ctx context.Context, engine unified.Engine, resumeID, prompt, model string, opts session.Options) error {
	cmdCfg, ok := r.cfg.Command(string(engine))
	if !ok {
		return fmt.Errorf("unsupported engine: %s", engine)
	}
	inv, err := buildInvocation(engine, cmdCfg, resumeID, prompt, model, opts.Args)
	if err != nil {
		return err
	}
	ident, err := r.newAdapter(engine, r.logger)
	if err != nil {
		return err
	}

	key := opts.Key
	if key == "" {
		key = resumeID
	}

	r.mu.Lock()
	if existing, ok := r.byKey[key]; ok && existing.running() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}
	run := opts.Run
	if run == "" {
		run = uuid.NewString()
	}
	p := newProcess(r, engine, key, resumeID, run, ident)
	r.byKey[key] = p
	if resumeID != "" {
		r.bySession[resumeID] = p
	}
	r.mu.Unlock()

	// The process is stopped through Cancel, not through ctx.
	cmd := exec.Command(inv.binary, inv.args...)
	cmd.Dir = opts.Dir
	cmd.Env = os.Environ()
	if inv.stdin != "" {
		cmd.Stdin = strings.NewReader(inv.stdin)
	}

	if err := p.start(ctx, cmd); err != nil {
		r.forget(p)
		return err
	}

	r.logger.Info("engine process started",
		zap.String("engine", string(engine)),
		zap.String("session_key", key),
		zap.String("resume_id", resumeID),
		zap.String("run", run),
		zap.Int("pid", cmd.Process.Pid))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		p.supervise()
		r.forget(p)
	}()
	return nil
}

// Cancel stops the process addressed by a session id or a tab key. It is a
// no-op when nothing is running.
func (r *Runner) Cancel(ctx context.Context, target string) error {
	r.mu.Lock()
	p, ok := r.bySession[target]
	if !ok {
		p, ok = r.byKey[target]
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return p.stop(ctx, r.stopTimeout())
}

// Running reports whether a process is live for a session id or tab key.
func (r *Runner) Running(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.bySession[target]; ok {
		return p.running()
	}
	if p, ok := r.byKey[target]; ok {
		return p.running()
	}
	return false
}

// Shutdown stops every process and waits for their output to drain.
func (r *Runner) Shutdown(ctx context.Context) {
	r.mu.Lock()
	procs := make([]*process, 0, len(r.byKey))
	for _, p := range r.byKey {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		if err := p.stop(ctx, r.stopTimeout()); err != nil {
			r.logger.Warn("failed to stop engine process", zap.String("session_key", p.key), zap.Error(err))
		}
	}
	r.wg.Wait()
}

func (r *Runner) stopTimeout() time.Duration {
	if d := r.cfg.StopTimeoutDuration(); d > 0 {
		return d
	}
	return defaultStopTimeout
}

// bindSession indexes p under a session id reported by the engine.
func (r *Runner) bindSession(p *process, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[sessionID] = p
}

func (r *Runner) forget(p *process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byKey[p.key] == p {
		delete(r.byKey, p.key)
	}
	for sid, q := range r.bySession {
		if q == p {
			delete(r.bySession, sid)
		}
	}
}

// publish sends one event to the engine-wide subject of channel and, when
// the session id is known, to the session-scoped subject too.
func (r *Runner) publish(engine unified.Engine, channel, sessionID string, data map[string]any) {
	err := events.PublishEngine(context.Background(), r.bus, r.subjects, string(engine), channel, "execution", sessionID, data)
	if err != nil {
		r.logger.Warn("failed to publish engine event",
			zap.String("channel", channel),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}
