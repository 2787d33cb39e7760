package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/prochub/bridge/internal/session"
	"github.com/prochub/bridge/internal/ws"
)

// WebSocketHandler accepts browser connections. Upgrades are accepted on any
// path; other requests fall through to the static dashboard when configured.
type WebSocketHandler struct {
	wsHandler *ws.Handler
	static    http.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler. staticDir may be empty.
func NewWebSocketHandler(wsHandler *ws.Handler, staticDir string) *WebSocketHandler {
	h := &WebSocketHandler{wsHandler: wsHandler}
	if staticDir != "" {
		h.static = http.FileServer(http.Dir(staticDir))
	}
	return h
}

// Attach handles GET /ws - opens a bridge session over WebSocket.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		sendError(c, http.StatusUpgradeRequired, "UPGRADE_REQUIRED", "WebSocket upgrade required")
		return
	}

	// Upgrade errors are answered by the upgrader itself
	h.wsHandler.HandleConnection(c.Writer, c.Request)
}

// Fallback handles unmatched routes: WebSocket upgrades open a session,
// anything else is served from the static directory.
func (h *WebSocketHandler) Fallback(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		h.wsHandler.HandleConnection(c.Writer, c.Request)
		return
	}

	if h.static != nil && (c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead) {
		h.static.ServeHTTP(c.Writer, c.Request)
		return
	}

	sendError(c, http.StatusNotFound, "NOT_FOUND", "Route "+c.Request.URL.Path+" not found")
}

// RegisterRoutes registers the WebSocket routes on the engine.
func (h *WebSocketHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", h.Attach)
	r.NoRoute(h.Fallback)
}

// HealthHandler reports liveness.
type HealthHandler struct {
	sessionManager *session.Manager
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(sessionManager *session.Manager) *HealthHandler {
	return &HealthHandler{sessionManager: sessionManager}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.sessionManager.Len(),
	})
}

// RegisterRoutes registers the health route.
func (h *HealthHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
}
