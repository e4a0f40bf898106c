package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/streambridge/internal/common/logger"
	ws "github.com/kandev/streambridge/pkg/websocket"
)

const serviceName = "streambridge"

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The bridge serves a local UI.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway bundles the hub with the dispatcher its clients talk to.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	logger     *logger.Logger
}

// Health is reported by GET /health and health.check.
type Health struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Clients  int    `json:"clients"`
	Sessions int    `json:"sessions"`
}

// NewGateway creates a gateway with health.check registered.
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	g := &Gateway{
		Hub:        NewHub(dispatcher, log),
		Dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws-gateway")),
	}
	dispatcher.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, g.health())
	})
	return g
}

// Provide creates the gateway.
func Provide(log *logger.Logger) (*Gateway, error) {
	return NewGateway(log), nil
}

// SetupRoutes adds GET /ws and GET /health.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.serveWS)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, g.health())
	})
}

func (g *Gateway) health() Health {
	return Health{
		Status:   "ok",
		Service:  serviceName,
		Clients:  g.Hub.GetClientCount(),
		Sessions: g.Hub.SessionCount(),
	}
}

// serveWS upgrades the request and blocks in the read pump until the
// connection ends.
func (g *Gateway) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, g.Hub, g.logger)
	g.logger.Debug("WebSocket connection established",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	g.Hub.Register(client)
	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
