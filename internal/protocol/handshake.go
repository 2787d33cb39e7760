package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// DefaultHandshakePatterns returns the preambles known to be sent by the
// device: the QCONN banner and a telnet IAC DO LINEMODE sequence.
func DefaultHandshakePatterns() [][]byte {
	return [][]byte{
		[]byte("QCONN\r\n"),
		{0xFF, 0xFD, 0x22},
	}
}

// ParsePattern decodes a hex-encoded handshake pattern such as "fffd22".
// Whitespace and ':' separators are ignored.
func ParsePattern(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', ':':
			return -1
		}
		return r
	}, s)
	if cleaned == "" {
		return nil, fmt.Errorf("empty handshake pattern")
	}
	p, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid handshake pattern %q: %w", s, err)
	}
	return p, nil
}

// HandshakeDetector recognizes a device preamble at the head of a fresh stream.
// Patterns are checked in configured order and the first match wins.
type HandshakeDetector struct {
	patterns [][]byte
}

// NewHandshakeDetector creates a detector for the given patterns.
// Empty patterns are ignored; the slices are copied.
func NewHandshakeDetector(patterns [][]byte) *HandshakeDetector {
	d := &HandshakeDetector{}
	for _, p := range patterns {
		if len(p) == 0 {
			continue
		}
		d.patterns = append(d.patterns, bytes.Clone(p))
	}
	return d
}

// Match reports whether buf begins with one of the patterns and, if so,
// the length of the matched pattern.
func (d *HandshakeDetector) Match(buf []byte) (int, bool) {
	for _, p := range d.patterns {
		if bytes.HasPrefix(buf, p) {
			return len(p), true
		}
	}
	return 0, false
}

// Matches reports whether buf begins with one of the patterns.
func (d *HandshakeDetector) Matches(buf []byte) bool {
	_, ok := d.Match(buf)
	return ok
}

// Partial reports whether buf is a non-empty proper prefix of some pattern,
// meaning more bytes are needed before a decision can be made.
func (d *HandshakeDetector) Partial(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	for _, p := range d.patterns {
		if len(buf) < len(p) && bytes.HasPrefix(p, buf) {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the configured patterns.
func (d *HandshakeDetector) Patterns() [][]byte {
	out := make([][]byte, len(d.patterns))
	for i, p := range d.patterns {
		out[i] = bytes.Clone(p)
	}
	return out
}
