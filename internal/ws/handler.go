package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/prochub/bridge/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// Handler accepts browser WebSocket connections and binds each to a new
// bridge session.
type Handler struct {
	manager  *session.Manager
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler.
func NewHandler(manager *session.Manager, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		manager: manager,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard may be served from any origin
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func (h *Handler) SetCheckOrigin(fn func(r *http.Request) bool) {
	h.upgrader.CheckOrigin = fn
}

// HandleConnection upgrades the request and starts a session for it. On
// upgrade failure the upgrader has already replied to the client.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn)
	sess, err := h.manager.Create(r.Context(), client, r.RemoteAddr)
	if err != nil {
		h.log.Warn("rejected browser connection", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return err
	}

	h.log.Info("browser connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("session_id", sess.ID()))

	go h.writePump(client)
	go h.readPump(client, sess)

	return nil
}

// readPump pumps browser frames into the session.
func (h *Handler) readPump(client *Client, sess *session.Session) {
	defer func() {
		sess.OnBrowserClosed()
		client.Close()
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket error", zap.String("session_id", sess.ID()), zap.Error(err))
			}
			break
		}

		if messageType != websocket.TextMessage {
			h.log.Debug("dropped non-text frame",
				zap.String("session_id", sess.ID()),
				zap.Int("type", messageType),
				zap.Int("bytes", len(message)))
			continue
		}

		// Rejections are logged by the session; the connection stays open.
		sess.OnBrowserMessage(message)
	}
}

// writePump pumps queued messages to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The session closed the client
				client.Conn().WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			// Each device message goes in its own frame so the browser can
			// JSON.parse every frame
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
