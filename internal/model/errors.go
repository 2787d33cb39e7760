package model

import "errors"

var (
	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotLive is returned when an operation needs a live session but
	// the session has already closed.
	ErrSessionNotLive = errors.New("session is not live")

	// ErrTranscriptUnavailable is returned when no wire transcript was recorded
	// for a session.
	ErrTranscriptUnavailable = errors.New("transcript not available")
)
