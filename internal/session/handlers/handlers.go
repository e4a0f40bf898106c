// Package handlers exposes the session manager over HTTP and the WebSocket
// dispatcher.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/common/logger"
	"github.com/kandev/streambridge/internal/execution"
	"github.com/kandev/streambridge/internal/orchestrator/messagequeue"
	"github.com/kandev/streambridge/internal/session"
	"github.com/kandev/streambridge/internal/unified"
	ws "github.com/kandev/streambridge/pkg/websocket"
)

// Service is the part of the session manager the handlers drive.
type Service interface {
	Open(ctx context.Context, req session.OpenRequest) (*session.Session, error)
	Send(ctx context.Context, key, prompt, model string) (*session.SendResult, error)
	Cancel(ctx context.Context, key string) error
	Close(key string) error
	Reset(ctx context.Context, key string) (*session.Session, error)
	Retry(ctx context.Context, key string) error
	Status(ctx context.Context, key string) (*session.Status, error)
	Keys() []string
	CancelQueued(ctx context.Context, key, queueID string) error
	UpdateQueued(ctx context.Context, key, queueID, content string) error
}

// Forgetter drops presentation state of a closed session.
type Forgetter interface {
	Forget(key string)
}

type Handlers struct {
	service   Service
	forgetter Forgetter
	logger    *logger.Logger
}

func NewHandlers(svc Service, forgetter Forgetter, log *logger.Logger) *Handlers {
	return &Handlers{
		service:   svc,
		forgetter: forgetter,
		logger:    log.WithFields(zap.String("component", "session-handlers")),
	}
}

// RegisterRoutes wires the session endpoints into router and dispatcher.
// forgetter may be nil.
func RegisterRoutes(router *gin.Engine, dispatcher *ws.Dispatcher, svc Service, forgetter Forgetter, log *logger.Logger) {
	h := NewHandlers(svc, forgetter, log)
	h.registerHTTP(router)
	h.registerWS(dispatcher)
}

func (h *Handlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/sessions", h.httpListSessions)
	api.POST("/sessions", h.httpOpenSession)
	api.GET("/sessions/:key", h.httpGetSession)
	api.DELETE("/sessions/:key", h.httpCloseSession)
	api.POST("/sessions/:key/prompts", h.httpSendPrompt)
	api.POST("/sessions/:key/cancel", h.httpCancel)
	api.POST("/sessions/:key/reset", h.httpReset)
	api.POST("/sessions/:key/retry", h.httpRetry)
	api.DELETE("/sessions/:key/queue/:id", h.httpCancelQueued)
	api.PATCH("/sessions/:key/queue/:id", h.httpUpdateQueued)
}

func (h *Handlers) registerWS(dispatcher *ws.Dispatcher) {
	dispatcher.RegisterFunc(ws.ActionSessionOpen, h.wsOpen)
	dispatcher.RegisterFunc(ws.ActionSessionPrompt, h.wsPrompt)
	dispatcher.RegisterFunc(ws.ActionSessionCancel, h.wsCancel)
	dispatcher.RegisterFunc(ws.ActionSessionClose, h.wsClose)
	dispatcher.RegisterFunc(ws.ActionSessionReset, h.wsReset)
	dispatcher.RegisterFunc(ws.ActionSessionRetry, h.wsRetry)
	dispatcher.RegisterFunc(ws.ActionSessionStatus, h.wsStatus)
	dispatcher.RegisterFunc(ws.ActionSessionList, h.wsList)
	dispatcher.RegisterFunc(ws.ActionQueueCancel, h.wsCancelQueued)
	dispatcher.RegisterFunc(ws.ActionQueueUpdate, h.wsUpdateQueued)
}

// OpenRequest is the body of session.open and POST /api/sessions.
type OpenRequest struct {
	Key         string `json:"key"`
	Engine      string `json:"engine"`
	ProjectID   string `json:"project_id,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

func (r OpenRequest) validate() error {
	if r.Key == "" {
		return errors.New("key is required")
	}
	if r.Engine == "" {
		return errors.New("engine is required")
	}
	if _, ok := unified.ParseEngine(r.Engine); !ok {
		return fmt.Errorf("unsupported engine: %s", r.Engine)
	}
	return nil
}

func (r OpenRequest) toSession() session.OpenRequest {
	engine, _ := unified.ParseEngine(r.Engine)
	return session.OpenRequest{
		Key:         r.Key,
		Engine:      engine,
		ProjectID:   r.ProjectID,
		ProjectPath: r.ProjectPath,
		SessionID:   r.SessionID,
	}
}

// PromptRequest is the body of session.prompt.
type PromptRequest struct {
	Key    string `json:"key"`
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// KeyRequest addresses one session.
type KeyRequest struct {
	Key string `json:"key"`
}

// QueueRequest addresses one queued prompt.
type QueueRequest struct {
	Key     string `json:"key"`
	QueueID string `json:"queue_id"`
	Content string `json:"content,omitempty"`
}

// ListResponse lists the open session keys.
type ListResponse struct {
	Keys []string `json:"keys"`
}

// errorStatus maps a service error to an HTTP status and a ws error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, messagequeue.ErrNotQueued):
		return http.StatusNotFound, ws.ErrorCodeNotFound
	case errors.Is(err, messagequeue.ErrQueueFull):
		return http.StatusTooManyRequests, ws.ErrorCodeConflict
	case errors.Is(err, session.ErrTurnInFlight), errors.Is(err, session.ErrEngineMismatch),
		errors.Is(err, execution.ErrAlreadyRunning):
		return http.StatusConflict, ws.ErrorCodeConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, ws.ErrorCodeInternalError
	default:
		return http.StatusInternalServerError, ws.ErrorCodeInternalError
	}
}

func (h *Handlers) fail(c *gin.Context, err error, what string) {
	status, _ := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(what+" failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handlers) wsFail(msg *ws.Message, err error, what string) (*ws.Message, error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(what+" failed", zap.String("action", msg.Action), zap.Error(err))
	}
	return ws.NewError(msg.ID, msg.Action, code, err.Error(), nil)
}

func (h *Handlers) forget(key string) {
	if h.forgetter != nil {
		h.forgetter.Forget(key)
	}
}

// HTTP

func (h *Handlers) httpListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, ListResponse{Keys: h.service.Keys()})
}

func (h *Handlers) httpOpenSession(c *gin.Context) {
	var body OpenRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := body.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.service.Open(c.Request.Context(), body.toSession()); err != nil {
		h.fail(c, err, "open session")
		return
	}
	h.respondStatus(c, http.StatusCreated, body.Key)
}

func (h *Handlers) httpGetSession(c *gin.Context) {
	h.respondStatus(c, http.StatusOK, c.Param("key"))
}

func (h *Handlers) respondStatus(c *gin.Context, code int, key string) {
	status, err := h.service.Status(c.Request.Context(), key)
	if err != nil {
		h.fail(c, err, "session status")
		return
	}
	c.JSON(code, status)
}

type httpPromptRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

func (h *Handlers) httpSendPrompt(c *gin.Context) {
	var body httpPromptRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	res, err := h.service.Send(c.Request.Context(), c.Param("key"), body.Prompt, body.Model)
	if err != nil {
		h.fail(c, err, "send prompt")
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (h *Handlers) httpCancel(c *gin.Context) {
	if err := h.service.Cancel(c.Request.Context(), c.Param("key")); err != nil {
		h.fail(c, err, "cancel session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) httpCloseSession(c *gin.Context) {
	key := c.Param("key")
	if err := h.service.Close(key); err != nil {
		h.fail(c, err, "close session")
		return
	}
	h.forget(key)
	c.Status(http.StatusNoContent)
}

func (h *Handlers) httpReset(c *gin.Context) {
	key := c.Param("key")
	h.forget(key)
	if _, err := h.service.Reset(c.Request.Context(), key); err != nil {
		h.fail(c, err, "reset session")
		return
	}
	h.respondStatus(c, http.StatusOK, key)
}

func (h *Handlers) httpRetry(c *gin.Context) {
	key := c.Param("key")
	if err := h.service.Retry(c.Request.Context(), key); err != nil {
		h.fail(c, err, "retry session")
		return
	}
	h.respondStatus(c, http.StatusOK, key)
}

func (h *Handlers) httpCancelQueued(c *gin.Context) {
	if err := h.service.CancelQueued(c.Request.Context(), c.Param("key"), c.Param("id")); err != nil {
		h.fail(c, err, "cancel queued prompt")
		return
	}
	c.Status(http.StatusNoContent)
}

type httpUpdateQueuedRequest struct {
	Content string `json:"content"`
}

func (h *Handlers) httpUpdateQueued(c *gin.Context) {
	var body httpUpdateQueuedRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if err := h.service.UpdateQueued(c.Request.Context(), c.Param("key"), c.Param("id"), body.Content); err != nil {
		h.fail(c, err, "update queued prompt")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// WebSocket

func (h *Handlers) wsOpen(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req OpenRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if err := req.validate(); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
	}
	if _, err := h.service.Open(ctx, req.toSession()); err != nil {
		return h.wsFail(msg, err, "open session")
	}
	return h.wsStatusResponse(ctx, msg, req.Key)
}

func (h *Handlers) wsPrompt(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req PromptRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.Key == "" || req.Prompt == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "key and prompt are required", nil)
	}
	res, err := h.service.Send(ctx, req.Key, req.Prompt, req.Model)
	if err != nil {
		return h.wsFail(msg, err, "send prompt")
	}
	return ws.NewResponse(msg.ID, msg.Action, res)
}

// parseKey decodes a KeyRequest; a non-nil message is the error reply.
func parseKey(msg *ws.Message) (string, *ws.Message, error) {
	var req KeyRequest
	if err := msg.ParsePayload(&req); err != nil {
		reply, err := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return "", reply, err
	}
	if req.Key == "" {
		reply, err := ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "key is required", nil)
		return "", reply, err
	}
	return req.Key, nil, nil
}

func (h *Handlers) wsCancel(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	key, reply, err := parseKey(msg)
	if reply != nil || err != nil {
		return reply, err
	}
	if err := h.service.Cancel(ctx, key); err != nil {
		return h.wsFail(msg, err, "cancel session")
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"success": true, "key": key})
}

func (h *Handlers) wsClose(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	key, reply, err := parseKey(msg)
	if reply != nil || err != nil {
		return reply, err
	}
	if err := h.service.Close(key); err != nil {
		return h.wsFail(msg, err, "close session")
	}
	h.forget(key)
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"success": true, "key": key})
}

func (h *Handlers) wsReset(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	key, reply, err := parseKey(msg)
	if reply != nil || err != nil {
		return reply, err
	}
	h.forget(key)
	if _, err := h.service.Reset(ctx, key); err != nil {
		return h.wsFail(msg, err, "reset session")
	}
	return h.wsStatusResponse(ctx, msg, key)
}

func (h *Handlers) wsRetry(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	key, reply, err := parseKey(msg)
	if reply != nil || err != nil {
		return reply, err
	}
	if err := h.service.Retry(ctx, key); err != nil {
		return h.wsFail(msg, err, "retry session")
	}
	return h.wsStatusResponse(ctx, msg, key)
}

func (h *Handlers) wsStatus(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	key, reply, err := parseKey(msg)
	if reply != nil || err != nil {
		return reply, err
	}
	return h.wsStatusResponse(ctx, msg, key)
}

func (h *Handlers) wsStatusResponse(ctx context.Context, msg *ws.Message, key string) (*ws.Message, error) {
	status, err := h.service.Status(ctx, key)
	if err != nil {
		return h.wsFail(msg, err, "session status")
	}
	return ws.NewResponse(msg.ID, msg.Action, status)
}

func (h *Handlers) wsList(_ context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, ListResponse{Keys: h.service.Keys()})
}

func (h *Handlers) wsCancelQueued(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req QueueRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.Key == "" || req.QueueID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "key and queue_id are required", nil)
	}
	if err := h.service.CancelQueued(ctx, req.Key, req.QueueID); err != nil {
		return h.wsFail(msg, err, "cancel queued prompt")
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"success": true, "queue_id": req.QueueID})
}

func (h *Handlers) wsUpdateQueued(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req QueueRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.Key == "" || req.QueueID == "" || req.Content == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "key, queue_id and content are required", nil)
	}
	if err := h.service.UpdateQueued(ctx, req.Key, req.QueueID, req.Content); err != nil {
		return h.wsFail(msg, err, "update queued prompt")
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]any{"success": true, "queue_id": req.QueueID})
}
