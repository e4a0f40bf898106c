// Package websocket is the presentation side of streambridge: a WebSocket
// hub that pushes every session's message stream to subscribed UI clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/session"
	ws "github.com/kandev/streambridge/pkg/websocket"
)

// maxTranscript bounds the messages kept per session for late subscribers.
const maxTranscript = 500

// Hub tracks connected clients, their session subscriptions and the
// transcript of every session. One lock guards all three, so a snapshot and
// the updates after it reach a client in order.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]bool
	subscribers map[string]map[*Client]bool
	transcripts map[string]*transcript

	dispatcher *ws.Dispatcher
	logger     *logger.Logger
}

var _ session.Presentation = (*Hub)(nil)

// NewHub creates a hub whose clients send requests to dispatcher.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		subscribers: make(map[string]map[*Client]bool),
		transcripts: make(map[string]*transcript),
		dispatcher:  dispatcher,
		logger:      log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	<-ctx.Done()

	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]bool)
	h.subscribers = make(map[string]map[*Client]bool)
	h.mu.Unlock()
	h.logger.Info("WebSocket hub stopped")
}

// Register adds a client. It is synchronous so the client can subscribe as
// soon as it returns.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Debug("Client registered", zap.String("client_id", client.ID))
}

// Unregister removes a client and its subscriptions and closes its send
// channel. Unknown clients are ignored.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for key := range client.subscriptions {
		h.unsubscribeLocked(client, key)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// deliver queues data for one registered client without blocking.
func (h *Hub) deliver(client *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return false
	}
	return h.queueLocked(client, "", data)
}

func (h *Hub) queueLocked(client *Client, key string, data []byte) bool {
	select {
	case client.send <- data:
		return true
	default:
		h.logger.Warn("Client send buffer full, dropping message",
			zap.String("client_id", client.ID),
			zap.String("session_key", key))
		return false
	}
}

// sendLocked queues data for every subscriber of key.
func (h *Hub) sendLocked(key string, data []byte) {
	for client := range h.subscribers[key] {
		h.queueLocked(client, key, data)
	}
}

// SubscribeToSession subscribes a client to a session and queues a
// session.snapshot notification with what the session has shown so far.
// It returns nil for an unregistered client.
func (h *Hub) SubscribeToSession(client *Client, key string) *Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client] {
		return nil
	}
	if h.subscribers[key] == nil {
		h.subscribers[key] = make(map[*Client]bool)
	}
	h.subscribers[key][client] = true
	client.subscriptions[key] = true

	snapshot := emptySnapshot(key)
	if t, ok := h.transcripts[key]; ok {
		snapshot = t.snapshot(key)
	}
	if data, err := encodeNotification(ws.ActionSessionSnapshot, snapshot); err != nil {
		h.logger.Error("Failed to build snapshot", zap.Error(err))
	} else {
		h.queueLocked(client, key, data)
	}

	h.logger.Debug("Client subscribed to session",
		zap.String("client_id", client.ID),
		zap.String("session_key", key),
		zap.Int("messages", len(snapshot.Messages)))
	return snapshot
}

// UnsubscribeFromSession stops pushes of key to client.
func (h *Hub) UnsubscribeFromSession(client *Client, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client, key)
}

func (h *Hub) unsubscribeLocked(client *Client, key string) {
	delete(client.subscriptions, key)
	if clients, ok := h.subscribers[key]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.subscribers, key)
		}
	}
}

// Forget drops the transcript of a closed session. Its subscribers get a
// session.closed notification and are unsubscribed.
func (h *Hub) Forget(key string) {
	data, err := encodeNotification(ws.ActionSessionClosed, SessionKeyPayload{Key: key})
	if err != nil {
		h.logger.Error("Failed to build notification", zap.Error(err))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.transcripts, key)
	for client := range h.subscribers[key] {
		if data != nil {
			h.queueLocked(client, key, data)
		}
		delete(client.subscriptions, key)
	}
	delete(h.subscribers, key)
}

// Snapshot returns what a session has shown so far.
func (h *Hub) Snapshot(key string) *Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t, ok := h.transcripts[key]; ok {
		return t.snapshot(key)
	}
	return emptySnapshot(key)
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionCount returns the number of sessions with a transcript.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.transcripts)
}

// transcriptFor returns the transcript of key, creating it.
func (h *Hub) transcriptFor(key string) *transcript {
	t, ok := h.transcripts[key]
	if !ok {
		t = &transcript{}
		h.transcripts[key] = t
	}
	return t
}

func encodeNotification(action string, payload any) ([]byte, error) {
	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
