package execution

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/streambridge/internal/adapter"
	"github.com/kandev/streambridge/internal/events"
	"github.com/kandev/streambridge/internal/unified"
)

const (
	// maxLineSize bounds one JSONL line; tool results can be large.
	maxLineSize = 16 * 1024 * 1024
	// stderrTail is how many stderr lines are kept for error reports.
	stderrTail = 20
)

// process is one running engine CLI.
type process struct {
	runner   *Runner
	engine   unified.Engine
	key      string
	resumeID string
	run      string
	// ident only identifies events; conversion happens in the routers.
	ident adapter.Adapter

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	exited chan struct{}

	mu        sync.Mutex
	sessionID string
	stopping  bool
	tail      []string
	seq       int64
}

func newProcess(r *Runner, engine unified.Engine, key, resumeID, run string, ident adapter.Adapter) *process {
	return &process{
		runner:    r,
		engine:    engine,
		key:       key,
		resumeID:  resumeID,
		run:       run,
		ident:     ident,
		exited:    make(chan struct{}),
		sessionID: resumeID,
	}
}

func (p *process) start(ctx context.Context, cmd *exec.Cmd) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.engine, err)
	}
	p.mu.Lock()
	p.cmd, p.stdout, p.stderr = cmd, stdout, stderr
	p.mu.Unlock()
	return nil
}

func (p *process) running() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *process) currentSessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// supervise pumps the output pipes until they close, then reaps the process
// and reports its outcome.
func (p *process) supervise() {
	log := p.runner.logger.WithFields(
		zap.String("engine", string(p.engine)),
		zap.String("session_key", p.key))

	var g errgroup.Group
	g.Go(func() error { return p.pumpStdout() })
	g.Go(func() error { return p.pumpStderr() })
	if err := g.Wait(); err != nil {
		log.Warn("engine output pump failed", zap.Error(err))
	}

	waitErr := p.cmd.Wait()
	close(p.exited)

	p.mu.Lock()
	stopping := p.stopping
	tail := strings.Join(p.tail, "\n")
	p.mu.Unlock()

	sid := p.currentSessionID()
	exitCode := p.cmd.ProcessState.ExitCode()
	success := waitErr == nil && !stopping

	switch {
	case stopping:
		log.Info("engine process stopped", zap.Int("exit_code", exitCode))
	case waitErr != nil:
		log.Error("engine process exited with error",
			zap.Int("exit_code", exitCode),
			zap.Error(waitErr))
		text := tail
		if text == "" {
			text = fmt.Sprintf("%s exited: %v", p.engine, waitErr)
		}
		p.runner.publish(p.engine, events.ChannelError, sid, map[string]any{
			events.DataError:     text,
			events.DataKey:       p.key,
			events.DataRun:       p.run,
			events.DataSessionID: sid,
		})
	default:
		log.Info("engine process exited", zap.Int("exit_code", exitCode))
	}

	p.runner.publish(p.engine, events.ChannelComplete, sid, map[string]any{
		events.DataSuccess:   success,
		events.DataKey:       p.key,
		events.DataRun:       p.run,
		events.DataSessionID: sid,
	})
}

func (p *process) pumpStdout() error {
	scanner := bufio.NewScanner(p.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.observe(line)
	}
	return scanner.Err()
}

func (p *process) pumpStderr() error {
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.runner.logger.Debug("engine stderr",
			zap.String("engine", string(p.engine)),
			zap.String("line", line))
		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTail {
			p.tail = p.tail[len(p.tail)-stderrTail:]
		}
		p.mu.Unlock()
	}
	return scanner.Err()
}

// observe publishes one stdout line. A session id first reported by the
// engine binds the process to it; one that replaces the resumed id is
// announced on the session_init channel before the line goes out. The
// generic and scoped copies of a line share its run and sequence number.
func (p *process) observe(line string) {
	p.seq++
	if ev, err := adapter.Decode(p.engine, []byte(line)); err == nil {
		if id := p.ident.Identify(ev).SessionID; id != "" {
			p.bind(id)
		}
	}

	sid := p.currentSessionID()
	data := map[string]any{
		events.DataLine: line,
		events.DataKey:  p.key,
		events.DataRun:  p.run,
		events.DataSeq:  p.seq,
	}
	if sid != "" {
		data[events.DataSessionID] = sid
	}
	p.runner.publish(p.engine, events.ChannelOutput, sid, data)
}

func (p *process) bind(sessionID string) {
	p.mu.Lock()
	previous := p.sessionID
	if previous == sessionID {
		p.mu.Unlock()
		return
	}
	p.sessionID = sessionID
	p.mu.Unlock()

	p.runner.bindSession(p, sessionID)
	if previous == "" {
		return
	}
	p.runner.logger.Info("engine replaced session id",
		zap.String("engine", string(p.engine)),
		zap.String("previous", previous),
		zap.String("session_id", sessionID))
	p.runner.publish(p.engine, events.ChannelSessionInit, "", map[string]any{
		events.DataPrevious:  previous,
		events.DataSessionID: sessionID,
		events.DataKey:       p.key,
		events.DataRun:       p.run,
	})
}

// stop interrupts the process and kills it if it is still alive after
// timeout.
func (p *process) stop(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	if cmd == nil || !p.running() {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		p.runner.logger.Warn("failed to interrupt engine process, killing", zap.Error(err))
		_ = cmd.Process.Kill()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.runner.logger.Warn("graceful stop timed out, killing engine process", zap.String("session_key", p.key))
	_ = cmd.Process.Kill()
	select {
	case <-p.exited:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("%s process for %s did not exit after kill", p.engine, p.key)
	}
}
