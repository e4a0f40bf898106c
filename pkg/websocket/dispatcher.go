package websocket

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc answers one request. A nil message means no response.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Dispatcher routes requests to the handler registered for their action.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// RegisterFunc sets the handler for action, replacing any previous one.
func (d *Dispatcher) RegisterFunc(action string, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = handler
}

// HasHandler reports whether action has a handler.
func (d *Dispatcher) HasHandler(action string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[action]
	return ok
}

// Actions lists the registered actions in order.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	actions := make([]string, 0, len(d.handlers))
	for action := range d.handlers {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// Dispatch runs the handler for msg. Unknown actions and non-request
// messages are answered with an error message, not a Go error. A panicking
// handler is reported as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (resp *Message, err error) {
	if msg.Type != MessageTypeRequest {
		return NewError(msg.ID, msg.Action, ErrorCodeBadRequest,
			fmt.Sprintf("expected a request, got %q", msg.Type), nil)
	}

	d.mu.RLock()
	handler, ok := d.handlers[msg.Action]
	d.mu.RUnlock()
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"Unknown action: "+msg.Action, nil)
	}

	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("handler for %s panicked: %v", msg.Action, r)
		}
	}()
	return handler(ctx, msg)
}
