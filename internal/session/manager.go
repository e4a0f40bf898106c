// Package session manages the live sessions of the bridge: one router,
// adapter, dedup ledger, usage accumulator and completion tracker per tab,
// plus sending, queueing and cancelling prompts.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/adapter"
	"github.com/kandev/streambridge/internal/adapter/registry"
	"github.com/kandev/streambridge/internal/common/config"
	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/events"
	"github.com/kandev/streambridge/internal/events/bus"
	"github.com/kandev/streambridge/internal/orchestrator/messagequeue"
	"github.com/kandev/streambridge/internal/session/completion"
	"github.com/kandev/streambridge/internal/session/dedup"
	"github.com/kandev/streambridge/internal/session/router"
	"github.com/kandev/streambridge/internal/session/usage"
	"github.com/kandev/streambridge/internal/unified"
)

// Deps are the manager's collaborators.
type Deps struct {
	Bus          bus.EventBus
	Subjects     events.Subjects
	Execution    Execution
	Persistence  Persistence
	Presentation Presentation
	Queue        *messagequeue.Service
	// NewAdapter defaults to registry.NewAdapter.
	NewAdapter registry.Factory
}

// OpenRequest describes a session tab.
type OpenRequest struct {
	Key         string
	Engine      unified.Engine
	ProjectID   string
	ProjectPath string
	// SessionID resumes an existing engine session.
	SessionID string
}

// SendResult reports what happened to a prompt.
type SendResult struct {
	Queued  bool   `json:"queued"`
	QueueID string `json:"queue_id,omitempty"`
}

// Status is a snapshot of one session.
type Status struct {
	Key        string                    `json:"key"`
	Engine     unified.Engine            `json:"engine"`
	SessionID  string                    `json:"session_id,omitempty"`
	State      string                    `json:"state"`
	TurnActive bool                      `json:"turn_active"`
	Usage      unified.Usage             `json:"usage"`
	RateLimits *unified.RateLimits       `json:"rate_limits,omitempty"`
	Queue      *messagequeue.QueueStatus `json:"queue"`
}

// Session is one open tab. All of its components are private to it.
type Session struct {
	Key         string
	Engine      unified.Engine
	ProjectID   string
	ProjectPath string

	adapter adapter.Adapter
	ledger  *dedup.Ledger
	usage   *usage.Accumulator
	tracker *completion.Tracker
	router  *router.Router

	// drainMu serializes queue draining so a queued prompt goes out once.
	drainMu sync.Mutex
	// awaitExit is set while queued prompts wait for the previous engine
	// process to exit.
	awaitExit atomic.Bool
}

// Manager owns every open session.
type Manager struct {
	deps   Deps
	cfg    config.SessionConfig
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a session manager.
func NewManager(deps Deps, cfg config.SessionConfig, log *logger.Logger) *Manager {
	if deps.NewAdapter == nil {
		deps.NewAdapter = registry.NewAdapter
	}
	if deps.Queue == nil {
		deps.Queue = messagequeue.NewService(log, cfg.QueueLimit)
	}
	return &Manager{
		deps:     deps,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		sessions: make(map[string]*Session),
	}
}

// Open creates the session for req.Key, or returns it if already open.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("open session: empty key")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[req.Key]; ok {
		if s.Engine != req.Engine {
			return nil, fmt.Errorf("open session %s: %w (%s)", req.Key, ErrEngineMismatch, s.Engine)
		}
		return s, nil
	}

	s, err := m.newSession(ctx, req)
	if err != nil {
		return nil, err
	}
	m.sessions[req.Key] = s
	m.logger.Info("session opened",
		zap.String("session_key", req.Key),
		zap.String("engine", string(req.Engine)),
		zap.String("session_id", req.SessionID))
	return s, nil
}

func (m *Manager) newSession(ctx context.Context, req OpenRequest) (*Session, error) {
	a, err := m.deps.NewAdapter(req.Engine, m.logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Key:         req.Key,
		Engine:      req.Engine,
		ProjectID:   req.ProjectID,
		ProjectPath: req.ProjectPath,
		adapter:     a,
		ledger:      dedup.New(m.cfg.DedupCapacity),
		usage:       usage.New(),
	}
	key := req.Key
	s.tracker = completion.New(m.logger.WithSessionID(key), completion.Hooks{
		RecordCompleted: m.recordCompleted,
		SetLoading: func(loading bool) {
			if m.deps.Presentation != nil {
				m.deps.Presentation.SetLoading(key, loading)
			}
		},
		OnIdle: func(outcome completion.Outcome) { m.drain(key) },
	}, m.cfg.SettleDelay())

	var pres router.Presentation
	if m.deps.Presentation != nil {
		pres = m.deps.Presentation
	}
	s.router = router.New(router.Config{
		Key:          key,
		Engine:       req.Engine,
		Bus:          m.deps.Bus,
		Subjects:     m.deps.Subjects,
		Adapter:      a,
		Ledger:       s.ledger,
		Usage:        s.usage,
		Completion:   s.tracker,
		Presentation: pres,
		OnSessionChanged: func(oldID, newID string) {
			m.sessionChanged(key, oldID, newID)
		},
		OnProcessExit: func() { m.processExited(key) },
	}, m.logger)

	if err := s.router.Start(ctx); err != nil {
		s.tracker.Close()
		return nil, fmt.Errorf("start router: %w", err)
	}
	if req.SessionID != "" {
		if err := s.router.Attach(req.SessionID); err != nil {
			s.router.Close()
			s.tracker.Close()
			return nil, fmt.Errorf("attach session: %w", err)
		}
	}
	return s, nil
}

// Get returns the session for key.
func (m *Manager) Get(key string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	return s, nil
}

// Keys returns the keys of all open sessions, sorted.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Send dispatches prompt, or queues it when a turn is running.
func (m *Manager) Send(ctx context.Context, key, prompt, model string) (*SendResult, error) {
	s, err := m.Get(key)
	if err != nil {
		return nil, err
	}

	if s.tracker.Active() || m.deps.Queue.Len(key) > 0 {
		return m.enqueue(ctx, s, prompt, model)
	}
	err = m.dispatch(ctx, s, prompt, model)
	if errors.Is(err, ErrTurnInFlight) || errors.Is(err, ErrEngineBusy) {
		return m.enqueue(ctx, s, prompt, model)
	}
	if err != nil {
		return nil, err
	}
	return &SendResult{}, nil
}

func (m *Manager) enqueue(ctx context.Context, s *Session, prompt, model string) (*SendResult, error) {
	msg, err := m.deps.Queue.Enqueue(ctx, s.Key, s.router.SessionID(), prompt, model)
	if err != nil {
		return nil, err
	}
	if !s.tracker.Active() {
		// The turn ended between the check and the enqueue.
		go m.drain(s.Key)
	}
	return &SendResult{Queued: true, QueueID: msg.ID}, nil
}

// dispatch starts a turn for prompt. It returns ErrEngineBusy without
// starting a turn while the previous process of the tab is still exiting.
func (m *Manager) dispatch(ctx context.Context, s *Session, prompt, model string) error {
	if m.deps.Execution.Running(s.Key) {
		m.waitForExit(s)
		return fmt.Errorf("%w: %s", ErrEngineBusy, s.Key)
	}

	sessionID := s.router.SessionID()
	run := uuid.NewString()
	pending := &completion.PendingPrompt{
		SessionID:   sessionID,
		ProjectID:   s.ProjectID,
		ProjectPath: s.ProjectPath,
		Text:        prompt,
		Run:         run,
	}
	if pending.SessionID == "" {
		pending.SessionID = s.Key
	}

	var record completion.RecordFunc
	if m.deps.Persistence != nil {
		record = func(ctx context.Context) (int, error) {
			return m.deps.Persistence.RecordPromptSent(ctx, pending.SessionID, pending.ProjectID, pending.ProjectPath, pending.Text)
		}
	}

	s.router.BeginTurn()
	if err := s.tracker.BeginTurn(ctx, pending, record); err != nil {
		if errors.Is(err, completion.ErrTurnActive) {
			return ErrTurnInFlight
		}
		return err
	}

	// The engine process outlives the request that started it.
	execCtx := context.WithoutCancel(ctx)
	opts := Options{Key: s.Key, ProjectID: s.ProjectID, Dir: s.ProjectPath, Run: run}
	var err error
	if sessionID == "" {
		err = m.deps.Execution.ExecuteNew(execCtx, s.Engine, s.ProjectPath, prompt, model, opts)
	} else {
		err = m.deps.Execution.Resume(execCtx, s.Engine, sessionID, prompt, model, opts)
	}
	if err != nil {
		m.logger.Error("failed to start engine",
			zap.String("session_key", s.Key),
			zap.String("engine", string(s.Engine)),
			zap.Error(err))
		// A busy engine is retried from the queue, not reported.
		if m.deps.Presentation != nil && !errors.Is(err, ErrEngineBusy) {
			m.deps.Presentation.SetError(s.Key, err.Error())
		}
		s.tracker.Fail(err.Error())
		return fmt.Errorf("start %s: %w", s.Engine, err)
	}
	return nil
}

// drain dispatches the oldest queued prompt once the session is idle. The
// prompt leaves the queue only once its engine started, or when starting it
// failed for a reason other than a busy engine or a running turn.
func (m *Manager) drain(key string) {
	s, err := m.Get(key)
	if err != nil {
		return
	}
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	if s.tracker.Active() {
		return
	}
	ctx := context.Background()
	msg, ok := m.deps.Queue.Peek(ctx, key)
	if !ok {
		return
	}

	err = m.dispatch(ctx, s, msg.Content, msg.Model)
	switch {
	case err == nil:
		m.deps.Queue.Remove(ctx, key, msg.ID)
	case errors.Is(err, ErrTurnInFlight):
	case errors.Is(err, ErrEngineBusy):
		m.logger.Info("queued prompt waits for the engine to exit",
			zap.String("session_key", key),
			zap.String("queue_id", msg.ID))
	default:
		m.deps.Queue.Remove(ctx, key, msg.ID)
		m.logger.Warn("failed to dispatch queued prompt",
			zap.String("session_key", key),
			zap.String("queue_id", msg.ID),
			zap.Error(err))
	}
}

// waitForExit holds the queue of s until its engine process exits.
func (m *Manager) waitForExit(s *Session) {
	s.awaitExit.Store(true)
	// The exit may have been reported before the flag was set.
	if !m.deps.Execution.Running(s.Key) && s.awaitExit.CompareAndSwap(true, false) {
		go m.drain(s.Key)
	}
}

// processExited resumes a queue held by waitForExit.
func (m *Manager) processExited(key string) {
	s, err := m.Get(key)
	if err != nil {
		return
	}
	if s.awaitExit.CompareAndSwap(true, false) {
		m.drain(key)
	}
}

// Cancel stops the running turn of a session. Queued prompts are dropped.
func (m *Manager) Cancel(ctx context.Context, key string) error {
	s, err := m.Get(key)
	if err != nil {
		return err
	}

	target := s.router.SessionID()
	if target == "" {
		target = key
	}
	cancelErr := m.deps.Execution.Cancel(ctx, target)
	if cancelErr != nil {
		m.logger.Warn("execution cancel failed",
			zap.String("session_key", key),
			zap.Error(cancelErr))
	}

	m.deps.Queue.Clear(ctx, key)
	s.router.MarkCancelled()
	s.tracker.Fail("cancelled")
	return cancelErr
}

// Close closes a session tab and releases every subscription it holds.
func (m *Manager) Close(key string) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}

	m.closeSession(s)
	m.logger.Info("session closed", zap.String("session_key", key))
	return nil
}

// Reset discards a session's conversion state and reopens it fresh, e.g.
// after an error that requires a restart.
func (m *Manager) Reset(ctx context.Context, key string) (*Session, error) {
	s, err := m.Get(key)
	if err != nil {
		return nil, err
	}
	req := OpenRequest{Key: key, Engine: s.Engine, ProjectID: s.ProjectID, ProjectPath: s.ProjectPath}
	if err := m.Close(key); err != nil {
		return nil, err
	}
	return m.Open(ctx, req)
}

// Shutdown closes every session. The manager cannot be used afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.closeSession(s)
	}
}

func (m *Manager) closeSession(s *Session) {
	s.router.Close()
	s.tracker.Close()
	m.deps.Queue.Clear(context.Background(), s.Key)
	s.adapter.Reset()
}

// Status returns a snapshot of a session.
func (m *Manager) Status(ctx context.Context, key string) (*Status, error) {
	s, err := m.Get(key)
	if err != nil {
		return nil, err
	}
	return &Status{
		Key:        s.Key,
		Engine:     s.Engine,
		SessionID:  s.router.SessionID(),
		State:      s.router.State().String(),
		TurnActive: s.tracker.Active(),
		Usage:      s.usage.Total(),
		RateLimits: s.router.RateLimits(),
		Queue:      m.deps.Queue.Status(ctx, key),
	}, nil
}

// Retry resubscribes a session whose router failed.
func (m *Manager) Retry(ctx context.Context, key string) error {
	s, err := m.Get(key)
	if err != nil {
		return err
	}
	return s.router.Retry(ctx)
}

// sessionChanged retags prompts queued against the replaced id.
func (m *Manager) sessionChanged(key, oldID, newID string) {
	n := m.deps.Queue.Retag(key, oldID, newID)
	m.logger.Info("engine minted a new session id",
		zap.String("session_key", key),
		zap.String("old_session_id", oldID),
		zap.String("new_session_id", newID),
		zap.Int("retagged", n))
}

func (m *Manager) recordCompleted(ctx context.Context, p *completion.PendingPrompt, index int) error {
	if m.deps.Persistence == nil {
		return nil
	}
	return m.deps.Persistence.RecordPromptCompleted(ctx, p.SessionID, p.ProjectID, p.ProjectPath, index)
}

// CancelQueued removes a queued prompt before it is dispatched.
func (m *Manager) CancelQueued(ctx context.Context, key, queueID string) error {
	if _, err := m.Get(key); err != nil {
		return err
	}
	_, err := m.deps.Queue.Cancel(ctx, key, queueID)
	return err
}

// UpdateQueued edits the text of a queued prompt.
func (m *Manager) UpdateQueued(ctx context.Context, key, queueID, content string) error {
	if _, err := m.Get(key); err != nil {
		return err
	}
	return m.deps.Queue.UpdateMessage(ctx, key, queueID, content)
}
