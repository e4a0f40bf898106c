// Package router owns the bus subscriptions of one session and runs every
// delivered engine event through conversion, dedup, usage accounting,
// presentation and completion tracking.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/adapter"
	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/events"
	"github.com/kandev/streambridge/internal/events/bus"
	"github.com/kandev/streambridge/internal/session/completion"
	"github.com/kandev/streambridge/internal/session/dedup"
	"github.com/kandev/streambridge/internal/session/usage"
	"github.com/kandev/streambridge/internal/unified"
)

// ErrClosed is returned by operations on a closed router.
var ErrClosed = errors.New("router closed")

// Presentation receives the surfaced message stream of a session.
type Presentation interface {
	AppendMessage(key string, msg *unified.Message)
	UpdateMessage(key string, msg *unified.Message)
	SetSessionID(key, sessionID string)
	SetError(key, message string)
}

// Config wires a router to its collaborators. Every component is owned by
// exactly one router.
type Config struct {
	// Key is the stable tab key the presentation layer knows the session by.
	Key    string
	Engine unified.Engine

	Bus      bus.EventBus
	Subjects events.Subjects

	Adapter      adapter.Adapter
	Ledger       *dedup.Ledger
	Usage        *usage.Accumulator
	Completion   *completion.Tracker
	Presentation Presentation

	// OnSessionChanged runs after the router moved from one session id to
	// another. It is called without the router lock held.
	OnSessionChanged func(oldID, newID string)
	// OnProcessExit runs after an engine process of this session reported
	// its exit, whether or not that ended a turn. It is called without the
	// router lock held.
	OnProcessExit func()
}

// Router is the subscription state machine of one session.
type Router struct {
	cfg    Config
	logger *logger.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	generic   []bus.Subscription
	scoped    []bus.Subscription

	// awaitingInit is set while a dispatched turn has not yet reported its
	// session id, the only time a foreign id on generic traffic is honoured.
	awaitingInit bool
	// cancelled drops content events of a cancelled turn.
	cancelled  bool
	errorShown bool
	rateLimits *unified.RateLimits
}

// New creates a router in the GenericOnly state. Call Start to subscribe.
func New(cfg Config, log *logger.Logger) *Router {
	return &Router{
		cfg: cfg,
		logger: log.WithFields(
			zap.String("component", "session-router"),
			zap.String("engine", string(cfg.Engine)),
			zap.String("session_key", cfg.Key)),
		state: GenericOnly,
	}
}

// Start subscribes to the engine-wide channels.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Closed {
		return ErrClosed
	}
	if len(r.generic) > 0 {
		return nil
	}

	engine := string(r.cfg.Engine)
	handlers := map[string]bus.EventHandler{
		events.ChannelOutput:      r.genericHandler(r.handleOutput),
		events.ChannelError:       r.genericHandler(r.handleError),
		events.ChannelComplete:    r.genericHandler(r.handleComplete),
		events.ChannelSessionInit: r.handleSessionInit,
	}
	for _, channel := range []string{events.ChannelOutput, events.ChannelError, events.ChannelComplete, events.ChannelSessionInit} {
		sub, err := r.cfg.Bus.Subscribe(r.cfg.Subjects.Generic(engine, channel), handlers[channel])
		if err != nil {
			r.unsubscribe(&r.generic)
			return r.failLocked(fmt.Errorf("subscribe %s: %w", channel, err))
		}
		r.generic = append(r.generic, sub)
	}
	r.logger.Debug("router started")
	return nil
}

// Attach moves the router to session-scoped delivery for sessionID. The same
// id is a no-op; a different id tears down the old scoped subscriptions.
func (r *Router) Attach(sessionID string) error {
	r.mu.Lock()
	after, err := r.attachLocked(sessionID)
	r.mu.Unlock()
	if after != nil {
		after()
	}
	return err
}

// BeginTurn re-arms the router for a newly dispatched prompt.
func (r *Router) BeginTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = false
	r.awaitingInit = true
	r.errorShown = false
}

// MarkCancelled drops further content events of the current turn.
func (r *Router) MarkCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	r.awaitingInit = false
}

// Retry resubscribes after a subscription failure.
func (r *Router) Retry(ctx context.Context) error {
	r.mu.Lock()
	if r.state == Closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.unsubscribe(&r.generic)
	r.unsubscribe(&r.scoped)
	sid := r.sessionID
	r.sessionID = ""
	r.errorShown = false
	r.state = GenericOnly
	r.mu.Unlock()

	if err := r.Start(ctx); err != nil {
		return err
	}
	if sid != "" {
		return r.Attach(sid)
	}
	return nil
}

// Close unsubscribes everything. It is idempotent; after it returns no
// handler mutates session state.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Closed {
		return
	}
	r.unsubscribe(&r.generic)
	r.unsubscribe(&r.scoped)
	r.state = Closed
	r.logger.Debug("router closed")
}

// State returns the subscription state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SessionID returns the engine session id, once known.
func (r *Router) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// RateLimits returns the latest rate limit snapshot reported by the engine.
func (r *Router) RateLimits() *unified.RateLimits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rateLimits
}

// SubscriptionCount returns the number of live subscriptions.
func (r *Router) SubscriptionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.generic) + len(r.scoped)
}

// attachLocked performs the hand-off. The returned function must be called
// after releasing the lock.
func (r *Router) attachLocked(sessionID string) (func(), error) {
	if r.state == Closed {
		return nil, ErrClosed
	}
	if sessionID == "" {
		return nil, fmt.Errorf("attach: empty session id")
	}
	if r.state == SessionScoped && r.sessionID == sessionID {
		return nil, nil
	}

	old := r.sessionID
	r.unsubscribe(&r.scoped)

	engine := string(r.cfg.Engine)
	handlers := map[string]bus.EventHandler{
		events.ChannelOutput:   r.scopedHandler(r.handleOutput),
		events.ChannelError:    r.scopedHandler(r.handleError),
		events.ChannelComplete: r.scopedHandler(r.handleComplete),
	}
	for _, channel := range []string{events.ChannelOutput, events.ChannelError, events.ChannelComplete} {
		sub, err := r.cfg.Bus.Subscribe(r.cfg.Subjects.Scoped(engine, channel, sessionID), handlers[channel])
		if err != nil {
			r.unsubscribe(&r.scoped)
			return nil, r.failLocked(fmt.Errorf("subscribe scoped %s: %w", channel, err))
		}
		r.scoped = append(r.scoped, sub)
	}

	r.transition(SessionScoped, sessionID)
	r.awaitingInit = false

	key := r.cfg.Key
	pres := r.cfg.Presentation
	onChanged := r.cfg.OnSessionChanged
	return func() {
		if pres != nil {
			pres.SetSessionID(key, sessionID)
		}
		if old != "" && onChanged != nil {
			onChanged(old, sessionID)
		}
	}, nil
}

// transition is the only place the subscription state changes.
func (r *Router) transition(to State, sessionID string) {
	from := r.state
	r.state = to
	if sessionID != "" {
		r.sessionID = sessionID
	}
	r.logger.Info("router state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("session_id", r.sessionID))
}

// failLocked surfaces a subscription failure once and marks the router Failed.
func (r *Router) failLocked(err error) error {
	r.transition(Failed, "")
	r.logger.Error("subscription failed", zap.Error(err))
	if !r.errorShown && r.cfg.Presentation != nil {
		r.errorShown = true
		r.cfg.Presentation.SetError(r.cfg.Key, err.Error())
	}
	return err
}

func (r *Router) unsubscribe(subs *[]bus.Subscription) {
	for _, sub := range *subs {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	*subs = nil
}

type source int

const (
	fromGeneric source = iota
	fromScoped
)

type pipelineFunc func(ctx context.Context, ev *bus.Event, from source) []func()

func (r *Router) genericHandler(fn pipelineFunc) bus.EventHandler {
	return r.wrap(fn, fromGeneric)
}

func (r *Router) scopedHandler(fn pipelineFunc) bus.EventHandler {
	return r.wrap(fn, fromScoped)
}

// wrap serializes delivery through the router lock and runs deferred
// callbacks after releasing it.
func (r *Router) wrap(fn pipelineFunc, from source) bus.EventHandler {
	return func(ctx context.Context, ev *bus.Event) (err error) {
		var after []func()
		func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("router pipeline panicked", zap.Any("panic", p))
					err = fmt.Errorf("router pipeline panicked: %v", p)
				}
			}()
			if r.state == Closed {
				return
			}
			if from == fromGeneric && !r.acceptGeneric(ev) {
				return
			}
			after = fn(ctx, ev, from)
		}()
		for _, f := range after {
			f()
		}
		return err
	}
}

// acceptGeneric filters engine-wide traffic. Events tagged for another tab
// are never ours. Once scoped, only output is considered, and only while a
// turn still awaits its session id.
func (r *Router) acceptGeneric(ev *bus.Event) bool {
	if key, ok := ev.Data[events.DataKey].(string); ok && key != "" && key != r.cfg.Key {
		return false
	}
	if r.state != SessionScoped {
		return true
	}
	return ev.Type == events.EngineOutput && r.awaitingInit
}

func (r *Router) handleOutput(ctx context.Context, ev *bus.Event, from source) []func() {
	raw, err := rawLine(ev)
	if err != nil {
		r.logger.Warn("dropping unreadable engine event", zap.Error(err))
		return nil
	}
	decoded, err := adapter.Decode(r.cfg.Engine, raw)
	if err != nil {
		r.logger.Warn("dropping malformed engine event", zap.Error(err))
		return nil
	}

	id := r.cfg.Adapter.Identify(decoded)
	if from == fromGeneric && r.state == SessionScoped {
		// Only a freshly minted id for this turn gets through.
		if id.SessionID == "" || id.SessionID == r.sessionID {
			return nil
		}
	}

	var turn uint64
	if r.cfg.Completion != nil {
		turn = r.cfg.Completion.Turn()
	}
	origin := lineOrigin(ev)
	if r.cfg.Ledger != nil && r.cfg.Ledger.Seen(dedup.Fingerprint(id, origin, raw, turn)) {
		r.logger.Debug("dropping duplicate engine event", zap.String("event_type", decoded.Type()))
		return nil
	}
	if r.cancelled && id.SessionID == "" {
		return nil
	}

	res, err := r.cfg.Adapter.Convert(ctx, decoded)
	if err != nil {
		r.logger.Warn("dropping unconvertible engine event", zap.Error(err))
		return nil
	}

	var after []func()
	if res.SessionID != "" && (res.Init || r.state != SessionScoped) {
		fn, err := r.attachLocked(res.SessionID)
		if err != nil {
			return nil
		}
		if fn != nil {
			after = append(after, fn)
		}
	}

	if res.RateLimits != nil {
		r.rateLimits = res.RateLimits
	}

	msg := res.Message
	if msg != nil {
		if res.Usage != nil && r.cfg.Usage != nil {
			delta := r.cfg.Usage.Observe(res.Usage.Cumulative, res.Usage.Delta)
			msg.Usage = &delta
		}
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		if pres := r.cfg.Presentation; pres != nil {
			out := msg.Clone()
			if res.Merged {
				pres.UpdateMessage(r.cfg.Key, out)
			} else {
				pres.AppendMessage(r.cfg.Key, out)
			}
			if res.TurnFailed && msg.IsError {
				pres.SetError(r.cfg.Key, msg.Text())
			}
		}
	} else if res.Usage != nil && r.cfg.Usage != nil {
		r.cfg.Usage.Observe(res.Usage.Cumulative, res.Usage.Delta)
	}

	if r.cfg.Completion != nil {
		r.cfg.Completion.ObserveMessage(origin.Run, res)
	}
	return after
}

func (r *Router) handleError(ctx context.Context, ev *bus.Event, from source) []func() {
	text, _ := ev.Data[events.DataError].(string)
	if text == "" {
		text = "engine error"
	}
	run, _ := ev.Data[events.DataRun].(string)
	if r.cfg.Completion != nil && !r.cfg.Completion.Current(run) {
		r.logger.Info("engine reported error for a previous run",
			zap.String("run", run),
			zap.String("error", text))
		return nil
	}
	r.logger.Warn("engine reported error", zap.String("error", text))
	if r.cfg.Presentation != nil {
		r.cfg.Presentation.SetError(r.cfg.Key, text)
	}
	if r.cfg.Completion != nil {
		r.cfg.Completion.Signal(run, true)
	}
	return nil
}

func (r *Router) handleComplete(ctx context.Context, ev *bus.Event, from source) []func() {
	success, ok := ev.Data[events.DataSuccess].(bool)
	if !ok {
		success = true
	}
	run, _ := ev.Data[events.DataRun].(string)
	if r.cfg.Completion != nil {
		r.cfg.Completion.Signal(run, !success)
	}
	if r.cfg.OnProcessExit != nil {
		return []func(){r.cfg.OnProcessExit}
	}
	return nil
}

// handleSessionInit follows an engine that replaced this session's id.
func (r *Router) handleSessionInit(ctx context.Context, ev *bus.Event) error {
	prev, _ := ev.Data[events.DataPrevious].(string)
	next, _ := ev.Data[events.DataSessionID].(string)

	r.mu.Lock()
	if r.state != SessionScoped || prev == "" || prev != r.sessionID || next == "" {
		r.mu.Unlock()
		return nil
	}
	after, err := r.attachLocked(next)
	r.mu.Unlock()
	if after != nil {
		after()
	}
	return err
}

// lineOrigin reads the run and line number execution stamped on an output
// event. Buses that round-trip through JSON turn the number into a float.
func lineOrigin(ev *bus.Event) dedup.Origin {
	var o dedup.Origin
	o.Run, _ = ev.Data[events.DataRun].(string)
	switch v := ev.Data[events.DataSeq].(type) {
	case int64:
		o.Seq = v
	case int:
		o.Seq = int64(v)
	case float64:
		o.Seq = int64(v)
	case json.Number:
		o.Seq, _ = v.Int64()
	}
	return o
}

// rawLine extracts the raw JSON of an output event.
func rawLine(ev *bus.Event) ([]byte, error) {
	switch v := ev.Data[events.DataLine].(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	if obj, ok := ev.Data[events.DataEvent]; ok && obj != nil {
		return json.Marshal(obj)
	}
	return nil, fmt.Errorf("event %s carries no %q or %q", ev.ID, events.DataLine, events.DataEvent)
}
