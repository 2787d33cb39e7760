// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prochub/bridge/internal/model"
	"github.com/prochub/bridge/internal/session"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// SessionStore is the read side of the session journal.
type SessionStore interface {
	List(ctx context.Context, limit int) ([]*model.SessionRecord, error)
	GetByID(ctx context.Context, id string) (*model.SessionRecord, error)
	ListEvents(ctx context.Context, sessionID string) ([]*model.SessionEvent, error)
}

// SessionHandler serves the session inspection API.
type SessionHandler struct {
	sessionManager *session.Manager
	store          SessionStore
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionManager *session.Manager, store SessionStore) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
		store:          store,
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID                string `json:"id"`
	RemoteAddr        string `json:"remoteAddr"`
	DeviceAddr        string `json:"deviceAddr"`
	State             string `json:"state"`
	Live              bool   `json:"live"`
	HandshakeDone     bool   `json:"handshakeDone"`
	PendingResponse   bool   `json:"pendingResponse"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	MessagesIn        int64  `json:"messagesIn"`
	MessagesOut       int64  `json:"messagesOut"`
	MessagesDropped   int64  `json:"messagesDropped"`
	HasTranscript     bool   `json:"hasTranscript"`
	Duration          string `json:"duration"`
	CreatedAt         string `json:"createdAt"`
	UpdatedAt         string `json:"updatedAt,omitempty"`
	ClosedAt          string `json:"closedAt,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// toSessionResponse converts a journal record to SessionResponse.
func toSessionResponse(s *model.SessionRecord) *SessionResponse {
	resp := &SessionResponse{
		ID:                s.ID,
		RemoteAddr:        s.RemoteAddr,
		DeviceAddr:        s.DeviceAddr,
		State:             string(s.State),
		ReconnectAttempts: s.ReconnectAttempts,
		MessagesIn:        s.MessagesIn,
		MessagesOut:       s.MessagesOut,
		MessagesDropped:   s.MessagesDropped,
		HasTranscript:     s.TranscriptPath != "",
		Duration:          formatDuration(s.Duration()),
		CreatedAt:         s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         s.UpdatedAt.Format(time.RFC3339),
	}
	if s.ClosedAt != nil {
		resp.ClosedAt = s.ClosedAt.Format(time.RFC3339)
	}
	return resp
}

// overlayLive replaces journaled fields with the live session state.
func overlayLive(resp *SessionResponse, snap session.Snapshot) {
	resp.Live = true
	resp.State = string(snap.State)
	resp.HandshakeDone = snap.HandshakeDone
	resp.PendingResponse = snap.PendingResponse
	resp.ReconnectAttempts = snap.ReconnectAttempts
	resp.MessagesIn = snap.MessagesIn
	resp.MessagesOut = snap.MessagesOut
	resp.MessagesDropped = snap.MessagesDropped
	resp.Duration = formatDuration(time.Since(snap.CreatedAt))
}

// liveResponse builds a response for a live session missing from the journal.
func liveResponse(snap session.Snapshot) *SessionResponse {
	resp := &SessionResponse{
		ID:         snap.ID,
		RemoteAddr: snap.RemoteAddr,
		DeviceAddr: snap.DeviceAddr,
		CreatedAt:  snap.CreatedAt.Format(time.RFC3339),
	}
	overlayLive(resp, snap)
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return time.Duration(h*time.Hour + m*time.Minute + s*time.Second).String()
	}
	if m > 0 {
		return time.Duration(m*time.Minute + s*time.Second).String()
	}
	return time.Duration(s * time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// List handles GET /api/sessions - lists journaled sessions, newest first.
func (h *SessionHandler) List(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	response := make([]*SessionResponse, len(records))
	for i, rec := range records {
		response[i] = toSessionResponse(rec)
		// The journal lags the dispatcher; live sessions report current state
		if sess, ok := h.sessionManager.Get(rec.ID); ok {
			overlayLive(response[i], sess.Snapshot())
		}
	}

	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets a specific session.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")
	live, isLive := h.sessionManager.Get(sessionID)

	rec, err := h.store.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			if isLive {
				c.JSON(http.StatusOK, liveResponse(live.Snapshot()))
				return
			}
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}

	resp := toSessionResponse(rec)
	if isLive {
		overlayLive(resp, live.Snapshot())
	}
	c.JSON(http.StatusOK, resp)
}

// Events handles GET /api/sessions/:id/events - lists lifecycle events.
func (h *SessionHandler) Events(c *gin.Context) {
	sessionID := c.Param("id")

	events, err := h.store.ListEvents(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list events: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, events)
}

// Raw handles GET /api/sessions/:id/raw - hex dump of the latest raw device
// bytes of a live session.
func (h *SessionHandler) Raw(c *gin.Context) {
	sessionID := c.Param("id")

	sess, ok := h.sessionManager.Get(sessionID)
	if !ok {
		if _, err := h.store.GetByID(c.Request.Context(), sessionID); err == nil {
			sendError(c, http.StatusConflict, "SESSION_NOT_LIVE", model.ErrSessionNotLive.Error())
			return
		}
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
		return
	}

	c.String(http.StatusOK, sess.RawDump())
}

// Transcript handles GET /api/sessions/:id/transcript - downloads the wire
// transcript.
func (h *SessionHandler) Transcript(c *gin.Context) {
	sessionID := c.Param("id")

	rec, err := h.store.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}

	if rec.TranscriptPath == "" {
		sendError(c, http.StatusNotFound, "TRANSCRIPT_NOT_FOUND", model.ErrTranscriptUnavailable.Error())
		return
	}
	if _, err := os.Stat(rec.TranscriptPath); err != nil {
		sendError(c, http.StatusNotFound, "TRANSCRIPT_NOT_FOUND", model.ErrTranscriptUnavailable.Error())
		return
	}

	// Set headers for file download
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Content-Disposition", "attachment; filename="+sessionID+".jsonl")

	// Stream the file
	c.File(rec.TranscriptPath)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.GET("/:id/events", h.Events)
		sessions.GET("/:id/raw", h.Raw)
		sessions.GET("/:id/transcript", h.Transcript)
	}
}
