// Package completion decides when a turn is over. A turn ends on the first
// of: an explicit completion signal, a turn-ending engine event, or a
// cancellation. Whichever comes first finishes the turn; the rest are no-ops.
//
// Signals and events that name the engine run they came from only count for
// the turn that started that run. A process that exits after its turn was
// already finished by inference cannot end the next turn.
package completion

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/streambridge/internal/adapter"
	"github.com/kandev/streambridge/internal/common/logger"
)

// DefaultSettleDelay is the pause between finishing a turn and going idle.
const DefaultSettleDelay = 300 * time.Millisecond

// ErrTurnActive is returned by BeginTurn while a turn is running.
var ErrTurnActive = errors.New("turn already active")

// PendingPrompt describes the prompt that opened the current turn.
type PendingPrompt struct {
	SessionID   string
	ProjectID   string
	ProjectPath string
	Text        string
	// Run identifies the engine process started for the prompt. Empty
	// matches any run.
	Run string
}

// RecordFunc persists the "sent" record and returns the prompt index.
type RecordFunc func(ctx context.Context) (int, error)

// Hooks are the side effects of finishing a turn.
type Hooks struct {
	// RecordCompleted persists the completion of the prompt at index.
	RecordCompleted func(ctx context.Context, p *PendingPrompt, index int) error
	// SetLoading toggles the busy indicator.
	SetLoading func(loading bool)
	// OnIdle runs after the settle delay, typically to dispatch the next
	// queued prompt.
	OnIdle func(outcome Outcome)
}

// Outcome describes how a turn ended.
type Outcome struct {
	Failed bool
	Reason string
}

// sentRecord is the in-flight "sent" write of one turn. index is valid once
// group.Wait returns nil.
type sentRecord struct {
	group errgroup.Group
	index int
}

// Tracker tracks one session's active turn.
type Tracker struct {
	logger *logger.Logger
	hooks  Hooks
	settle time.Duration

	mu      sync.Mutex
	active  bool
	turn    uint64
	run     string
	pending *PendingPrompt
	sent    *sentRecord

	finishers sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a tracker. A negative settle delay selects the default.
func New(log *logger.Logger, hooks Hooks, settle time.Duration) *Tracker {
	if settle < 0 {
		settle = DefaultSettleDelay
	}
	return &Tracker{
		logger: log.WithFields(zap.String("component", "completion")),
		hooks:  hooks,
		settle: settle,
		closed: make(chan struct{}),
	}
}

// BeginTurn marks a turn active and starts recording the prompt as sent in
// the background. record may be nil when nothing is persisted.
func (t *Tracker) BeginTurn(ctx context.Context, pending *PendingPrompt, record RecordFunc) error {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return ErrTurnActive
	}
	t.active = true
	t.turn++
	t.pending = pending
	t.run = ""
	if pending != nil {
		t.run = pending.Run
	}

	sent := &sentRecord{index: -1}
	if record != nil {
		recordCtx := context.WithoutCancel(ctx)
		sent.group.Go(func() error {
			idx, err := record(recordCtx)
			if err != nil {
				return err
			}
			sent.index = idx
			return nil
		})
	}
	t.sent = sent
	t.mu.Unlock()

	if t.hooks.SetLoading != nil {
		t.hooks.SetLoading(true)
	}
	return nil
}

// ObserveMessage finishes the turn when the converted event ended it. run is
// the engine run the event came from, empty when unknown. It reports whether
// this call finished the turn.
func (t *Tracker) ObserveMessage(run string, res adapter.Result) bool {
	if !res.TurnEnded {
		return false
	}
	reason := ""
	if res.TurnFailed && res.Message != nil {
		reason = res.Message.Text()
	}
	return t.finish(run, Outcome{Failed: res.TurnFailed, Reason: reason})
}

// Signal is the engine's explicit completion signal for run.
func (t *Tracker) Signal(run string, failed bool) bool {
	return t.finish(run, Outcome{Failed: failed})
}

// Fail ends the turn as failed, e.g. on cancel.
func (t *Tracker) Fail(reason string) bool {
	return t.finish("", Outcome{Failed: true, Reason: reason})
}

// Active reports whether a turn is running.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Current reports whether run belongs to the latest turn. An empty run, or a
// turn started without one, always matches.
func (t *Tracker) Current(run string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return run == "" || t.run == "" || run == t.run
}

// Turn returns the sequence number of the latest turn.
func (t *Tracker) Turn() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turn
}

// Wait blocks until every finished turn has run its hooks.
func (t *Tracker) Wait() {
	t.finishers.Wait()
}

// Close abandons pending idle callbacks and waits for finishers.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.closed) })
	t.finishers.Wait()
}

func (t *Tracker) finish(run string, outcome Outcome) bool {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return false
	}
	if run != "" && t.run != "" && run != t.run {
		current := t.run
		t.mu.Unlock()
		t.logger.Debug("ignoring completion of a previous run",
			zap.String("run", run),
			zap.String("current_run", current))
		return false
	}
	t.active = false
	pending, sent := t.pending, t.sent
	t.pending, t.sent = nil, nil
	t.finishers.Add(1)
	t.mu.Unlock()

	go t.complete(pending, sent, outcome)
	return true
}

// complete waits for the sent record so the completion never lands before
// it, then runs the hooks.
func (t *Tracker) complete(pending *PendingPrompt, sent *sentRecord, outcome Outcome) {
	defer t.finishers.Done()

	index := -1
	if sent != nil {
		if err := sent.group.Wait(); err != nil {
			t.logger.Warn("failed to record prompt as sent", zap.Error(err))
		} else {
			index = sent.index
		}
	}

	if index >= 0 && pending != nil && t.hooks.RecordCompleted != nil {
		if err := t.hooks.RecordCompleted(context.Background(), pending, index); err != nil {
			t.logger.Warn("failed to record prompt completion",
				zap.Int("prompt_index", index),
				zap.Error(err))
		}
	}

	// A prompt sent right after the finish owns the indicator now.
	if t.hooks.SetLoading != nil && !t.Active() {
		t.hooks.SetLoading(false)
	}

	if t.settle > 0 {
		timer := time.NewTimer(t.settle)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-t.closed:
			return
		}
	}
	if t.hooks.OnIdle != nil {
		t.hooks.OnIdle(outcome)
	}
}
