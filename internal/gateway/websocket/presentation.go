package websocket

import (
	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/unified"
	ws "github.com/kandev/streambridge/pkg/websocket"
)

// Snapshot is the presentation state of one session.
type Snapshot struct {
	Key       string             `json:"key"`
	SessionID string             `json:"session_id,omitempty"`
	Loading   bool               `json:"loading"`
	Error     string             `json:"error,omitempty"`
	Messages  []*unified.Message `json:"messages"`
}

// MessagePayload carries one surfaced message.
type MessagePayload struct {
	Key     string           `json:"key"`
	Message *unified.Message `json:"message"`
}

// SessionIDPayload announces the engine session id of a tab.
type SessionIDPayload struct {
	Key       string `json:"key"`
	SessionID string `json:"session_id"`
}

// LoadingPayload toggles the busy indicator of a tab.
type LoadingPayload struct {
	Key     string `json:"key"`
	Loading bool   `json:"loading"`
}

// SessionKeyPayload names a tab.
type SessionKeyPayload struct {
	Key string `json:"key"`
}

// ErrorPayload is a user-visible session error.
type ErrorPayload struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

type transcript struct {
	sessionID string
	loading   bool
	lastError string
	messages  []*unified.Message
}

func (t *transcript) append(msg *unified.Message) {
	t.messages = append(t.messages, msg)
	if len(t.messages) > maxTranscript {
		t.messages = append([]*unified.Message(nil), t.messages[len(t.messages)-maxTranscript:]...)
	}
}

// replace swaps in an updated message by id, or by identity when it has
// none, appending when it is unknown.
func (t *transcript) replace(msg *unified.Message) {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i] == msg || (msg.ID != "" && t.messages[i].ID == msg.ID) {
			t.messages[i] = msg
			return
		}
	}
	t.append(msg)
}

func emptySnapshot(key string) *Snapshot {
	return &Snapshot{Key: key, Messages: []*unified.Message{}}
}

func (t *transcript) snapshot(key string) *Snapshot {
	return &Snapshot{
		Key:       key,
		SessionID: t.sessionID,
		Loading:   t.loading,
		Error:     t.lastError,
		Messages:  append([]*unified.Message{}, t.messages...),
	}
}

// AppendMessage records and pushes a new message.
func (h *Hub) AppendMessage(key string, msg *unified.Message) {
	h.publish(key, ws.ActionMessageAppended, MessagePayload{Key: key, Message: msg}, func(t *transcript) {
		t.append(msg)
	})
}

// UpdateMessage records and pushes a message that was extended in place.
func (h *Hub) UpdateMessage(key string, msg *unified.Message) {
	h.publish(key, ws.ActionMessageUpdated, MessagePayload{Key: key, Message: msg}, func(t *transcript) {
		t.replace(msg)
	})
}

// SetSessionID pushes the engine session id of a tab.
func (h *Hub) SetSessionID(key, sessionID string) {
	h.publish(key, ws.ActionSessionID, SessionIDPayload{Key: key, SessionID: sessionID}, func(t *transcript) {
		t.sessionID = sessionID
	})
}

// SetLoading pushes the busy state of a tab.
func (h *Hub) SetLoading(key string, loading bool) {
	h.publish(key, ws.ActionSessionLoading, LoadingPayload{Key: key, Loading: loading}, func(t *transcript) {
		t.loading = loading
		if loading {
			t.lastError = ""
		}
	})
}

// SetError pushes a user-visible error for a tab.
func (h *Hub) SetError(key, message string) {
	h.publish(key, ws.ActionSessionError, ErrorPayload{Key: key, Message: message}, func(t *transcript) {
		t.lastError = message
	})
}

// publish updates the transcript and pushes the notification under one
// lock, so a concurrent subscriber sees each change exactly once.
func (h *Hub) publish(key, action string, payload any, apply func(*transcript)) {
	data, err := encodeNotification(action, payload)
	if err != nil {
		h.logger.Error("Failed to build notification",
			zap.String("action", action),
			zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	apply(h.transcriptFor(key))
	h.sendLocked(key, data)
}
