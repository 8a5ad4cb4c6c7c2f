package handlers

import (
	"net/http"

	"github.com/MacJediWizard/ferry/internal/api/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// FeedServer upgrades a request into a real-time event stream for a user.
type FeedServer interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request, userID uuid.UUID)
}

// WebSocketHandler serves the migration and snapshot progress feed.
type WebSocketHandler struct {
	feed FeedServer
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(feed FeedServer) *WebSocketHandler {
	return &WebSocketHandler{feed: feed}
}

// RegisterRoutes registers the websocket route on the given router group.
func (h *WebSocketHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.Connect)
}

// Connect upgrades to a websocket. Events: migration-progress,
// snapshot-progress and activity.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	userID, ok := middleware.RequireUser(c)
	if !ok {
		return
	}
	h.feed.HandleWebSocket(c.Writer, c.Request, userID)
}
