package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/common/logger"
	ws "github.com/kandev/streambridge/pkg/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // below pongWait

	// Prompts are the largest inbound payloads.
	maxMessageSize = 512 * 1024

	// A snapshot plus a burst of streamed updates must fit.
	sendBuffer = 256
)

// Client is one UI connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	// Session tab keys this client is subscribed to. Guarded by hub.mu.
	subscriptions map[string]bool
	logger        *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump reads requests until the connection fails, then unregisters the
// client.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	// Subscriptions need the client itself, not just the payload.
	switch msg.Action {
	case ws.ActionSessionSubscribe:
		c.handleSubscription(msg, true)
		return
	case ws.ActionSessionUnsubscribe:
		c.handleSubscription(msg, false)
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("Handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// SubscribeRequest is the payload of session.subscribe and session.unsubscribe.
type SubscribeRequest struct {
	Key string `json:"key"`
}

// SubscribeResponse answers both subscription actions.
type SubscribeResponse struct {
	Key        string `json:"key"`
	Subscribed bool   `json:"subscribed"`
}

// handleSubscription answers before subscribing, so the snapshot the hub
// queues arrives after the response.
func (c *Client) handleSubscription(msg *ws.Message, subscribe bool) {
	var req SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}
	if req.Key == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "key is required", nil)
		return
	}

	if !subscribe {
		c.hub.UnsubscribeFromSession(c, req.Key)
	}
	resp, err := ws.NewResponse(msg.ID, msg.Action, SubscribeResponse{Key: req.Key, Subscribed: subscribe})
	if err != nil {
		c.logger.Error("Failed to create response", zap.Error(err))
		return
	}
	c.sendMessage(resp)
	if subscribe {
		c.hub.SubscribeToSession(c, req.Key)
	}
}

// sendMessage sends a message to the client
func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	if !c.hub.deliver(c, data) {
		c.logger.Warn("Client send buffer full or closed")
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(id, action, code, message string, details map[string]any) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps messages from the hub to the WebSocket connection. Each
// queued message goes out as its own frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
