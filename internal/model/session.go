package model

import (
	"time"
)

// SessionState is the lifecycle state of a bridge session.
type SessionState string

const (
	SessionStateConnecting   SessionState = "connecting"
	SessionStateHandshaking  SessionState = "handshaking"
	SessionStateReady        SessionState = "ready"
	SessionStateReconnecting SessionState = "reconnecting"
	SessionStateClosed       SessionState = "closed"
)

// Terminal reports whether no further transitions can happen.
func (s SessionState) Terminal() bool {
	return s == SessionStateClosed
}

// SessionRecord is the journaled view of one browser session.
type SessionRecord struct {
	ID                string       `json:"id"`
	RemoteAddr        string       `json:"remoteAddr"`
	DeviceAddr        string       `json:"deviceAddr"`
	State             SessionState `json:"state"`
	ReconnectAttempts int          `json:"reconnectAttempts"`
	MessagesIn        int64        `json:"messagesIn"`
	MessagesOut       int64        `json:"messagesOut"`
	MessagesDropped   int64        `json:"messagesDropped"`
	TranscriptPath    string       `json:"transcriptPath,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
	ClosedAt          *time.Time   `json:"closedAt,omitempty"`
}

// Duration returns how long the session lived, or has lived so far.
func (s *SessionRecord) Duration() time.Duration {
	if s.ClosedAt != nil {
		return s.ClosedAt.Sub(s.CreatedAt)
	}
	return time.Since(s.CreatedAt)
}

// SessionEvent is one journaled lifecycle event.
type SessionEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionStats are the counters written when a session closes.
type SessionStats struct {
	ReconnectAttempts int
	MessagesIn        int64
	MessagesOut       int64
	MessagesDropped   int64
}
