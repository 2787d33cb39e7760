package session

import (
	"errors"

	"github.com/prochub/bridge/internal/protocol"
)

// Rejections returned by Session.OnBrowserMessage. A rejected message is not
// written to the device; the browser may send it again.
var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrUnknownRequest  = errors.New("unknown request type")
	ErrNotReady        = errors.New("device not ready")
	ErrThrottled       = errors.New("request throttled")
	ErrResponsePending = errors.New("response pending")
	ErrSessionClosed   = errors.New("session closed")
	ErrDeviceWrite     = errors.New("device write failed")
	ErrShuttingDown    = errors.New("bridge is shutting down")
)

// reason maps an error to a short metrics label.
func reason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrEmpty):
		return "empty"
	case errors.Is(err, protocol.ErrNotObject):
		return "not_object"
	case errors.Is(err, protocol.ErrBinary):
		return "binary"
	case errors.Is(err, protocol.ErrMalformed):
		return "malformed"
	case errors.Is(err, protocol.ErrMissingRequestType):
		return "missing_request_type"
	case errors.Is(err, ErrUnknownRequest):
		return "unknown_request"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrThrottled):
		return "throttled"
	case errors.Is(err, ErrResponsePending):
		return "pending"
	case errors.Is(err, ErrDeviceWrite):
		return "write_failed"
	case errors.Is(err, ErrSessionClosed):
		return "closed"
	}
	return "other"
}
