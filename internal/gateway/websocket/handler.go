package websocket

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/novahq/nova/internal/common/logger"
	userstore "github.com/novahq/nova/internal/user/store"
	ws "github.com/novahq/nova/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin
		return true
	},
}

// Handler upgrades authenticated HTTP requests to WebSocket connections.
type Handler struct {
	hub    *Hub
	users  userstore.Repository
	logger *logger.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, users userstore.Repository, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		users:  users,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection authenticates the caller by ingest token, upgrades the
// connection and runs the read/write pumps until the peer goes away.
func (h *Handler) HandleConnection(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		header := c.GetHeader("Authorization")
		if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token = strings.TrimSpace(parts[1])
		}
	}
	if token == "" {
		token = c.GetHeader("X-Ingest-Token")
	}
	user, err := h.users.GetUserByIngestToken(c.Request.Context(), token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid ingest token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), user.ID, conn, h.hub, h.logger)

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", client.ID),
		zap.String("user_id", user.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// RegisterHealthHandler registers the health check handler
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "nova",
		})
	})
}
