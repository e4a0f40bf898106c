package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/unified"
	ws "github.com/kandev/streambridge/pkg/websocket"
)

func newTestClient(h *Hub, id string) *Client {
	c := &Client{
		ID:            id,
		hub:           h,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
		logger:        logger.NewNop(),
	}
	h.Register(c)
	return c
}

func next(t *testing.T, c *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ws.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	case <-time.After(time.Second):
		t.Fatal("no message queued")
		return nil
	}
}

func assertNothingQueued(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected message: %s", data)
	default:
	}
}

func textMessage(id, text string) *unified.Message {
	msg := unified.NewMessage(unified.EngineClaude, unified.TypeAssistant, time.Time{})
	msg.ID = id
	msg.Content = []unified.ContentBlock{{Type: unified.BlockText, Text: text}}
	return msg
}

func TestSubscribeReceivesSnapshotThenUpdates(t *testing.T) {
	h := NewHub(ws.NewDispatcher(), logger.NewNop())
	h.SetSessionID("tab", "S1")
	h.AppendMessage("tab", textMessage("m1", "hello"))

	c := newTestClient(h, "c1")
	snapshot := h.SubscribeToSession(c, "tab")
	require.NotNil(t, snapshot)
	assert.Equal(t, "S1", snapshot.SessionID)
	require.Len(t, snapshot.Messages, 1)

	msg := next(t, c)
	assert.Equal(t, ws.ActionSessionSnapshot, msg.Action)
	var queued Snapshot
	require.NoError(t, msg.ParsePayload(&queued))
	assert.Equal(t, "S1", queued.SessionID)
	require.Len(t, queued.Messages, 1)
	assert.Equal(t, "hello", queued.Messages[0].Text())

	h.UpdateMessage("tab", textMessage("m1", "hello world"))
	msg = next(t, c)
	assert.Equal(t, ws.ActionMessageUpdated, msg.Action)
	assert.Len(t, h.Snapshot("tab").Messages, 1, "updates replace by id")

	h.SetLoading("tab", true)
	msg = next(t, c)
	assert.Equal(t, ws.ActionSessionLoading, msg.Action)
	var loading LoadingPayload
	require.NoError(t, msg.ParsePayload(&loading))
	assert.True(t, loading.Loading)
}

func TestNotificationsOnlyReachSubscribers(t *testing.T) {
	h := NewHub(ws.NewDispatcher(), logger.NewNop())
	a := newTestClient(h, "a")
	b := newTestClient(h, "b")
	h.SubscribeToSession(a, "tab-a")
	h.SubscribeToSession(b, "tab-b")
	next(t, a)
	next(t, b)

	h.SetError("tab-a", "boom")
	msg := next(t, a)
	assert.Equal(t, ws.ActionSessionError, msg.Action)
	assertNothingQueued(t, b)

	h.UnsubscribeFromSession(a, "tab-a")
	h.SetError("tab-a", "again")
	assertNothingQueued(t, a)
	assert.Equal(t, "again", h.Snapshot("tab-a").Error)
}

func TestLoadingClearsError(t *testing.T) {
	h := NewHub(ws.NewDispatcher(), logger.NewNop())
	h.SetError("tab", "boom")
	h.SetLoading("tab", true)
	snap := h.Snapshot("tab")
	assert.Empty(t, snap.Error)
	assert.True(t, snap.Loading)
}

func TestTranscriptIsBounded(t *testing.T) {
	h := NewHub(ws.NewDispatcher(), logger.NewNop())
	for i := 0; i < maxTranscript+10; i++ {
		h.AppendMessage("tab", textMessage("", "x"))
	}
	assert.Len(t, h.Snapshot("tab").Messages, maxTranscript)

	h.Forget("tab")
	assert.Empty(t, h.Snapshot("tab").Messages)
}

func TestForgetNotifiesSubscribers(t *testing.T) {
	h := NewHub(ws.NewDispatcher(), logger.NewNop())
	c := newTestClient(h, "c1")
	h.AppendMessage("tab", textMessage("m1", "hello"))
	h.SubscribeToSession(c, "tab")
	next(t, c)
	assert.Equal(t, 1, h.SessionCount())

	h.Forget("tab")
	msg := next(t, c)
	assert.Equal(t, ws.ActionSessionClosed, msg.Action)
	var payload SessionKeyPayload
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, "tab", payload.Key)
	assert.Empty(t, c.subscriptions)
	assert.Equal(t, 0, h.SessionCount())

	// A reopened session with the same key starts from scratch.
	h.AppendMessage("tab", textMessage("m2", "again"))
	assertNothingQueued(t, c)
}

func TestUnregisterDropsSubscriptions(t *testing.T) {
	h := NewHub(ws.NewDispatcher(), logger.NewNop())
	c := newTestClient(h, "c1")
	h.SubscribeToSession(c, "tab")
	assert.Equal(t, 1, h.GetClientCount())

	h.Unregister(c)
	assert.Equal(t, 0, h.GetClientCount())
	assert.Nil(t, h.SubscribeToSession(c, "tab"))

	// Does not panic on the closed send channel.
	h.AppendMessage("tab", textMessage("m1", "late"))
	assert.False(t, h.deliver(c, []byte("x")))
}

func TestGatewayEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()
	g := NewGateway(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Hub.Run(ctx)

	router := gin.New()
	g.SetupRoutes(router)
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() *ws.Message {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg ws.Message
		require.NoError(t, conn.ReadJSON(&msg))
		return &msg
	}

	check, err := ws.NewRequest("h1", ws.ActionHealthCheck, struct{}{})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(check))
	resp := read()
	assert.Equal(t, "h1", resp.ID)
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)
	var health Health
	require.NoError(t, resp.ParsePayload(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Clients)

	unknown, err := ws.NewRequest("u1", "nope", struct{}{})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(unknown))
	resp = read()
	assert.Equal(t, ws.MessageTypeError, resp.Type)

	g.Hub.AppendMessage("tab", textMessage("m1", "before subscribe"))

	sub, err := ws.NewRequest("s1", ws.ActionSessionSubscribe, SubscribeRequest{Key: "tab"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(sub))
	resp = read()
	assert.Equal(t, "s1", resp.ID)
	snap := read()
	require.Equal(t, ws.ActionSessionSnapshot, snap.Action)
	var payload Snapshot
	require.NoError(t, snap.ParsePayload(&payload))
	require.Len(t, payload.Messages, 1)
	assert.Equal(t, "before subscribe", payload.Messages[0].Text())

	g.Hub.AppendMessage("tab", textMessage("m2", "after subscribe"))
	pushed := read()
	assert.Equal(t, ws.ActionMessageAppended, pushed.Action)
	var appended MessagePayload
	require.NoError(t, pushed.ParsePayload(&appended))
	assert.Equal(t, "tab", appended.Key)
	assert.Equal(t, "m2", appended.Message.ID)
}
