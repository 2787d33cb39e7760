// Package transcript records the traffic of a bridge session as JSON Lines:
// one header line followed by one event per forwarded or dropped message.
package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types.
const (
	EventInput   = "i" // browser to device
	EventOutput  = "o" // device to browser
	EventDropped = "x" // device span rejected by validation
)

// Header is the first line of a transcript.
type Header struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	Device    string `json:"device"`
	Timestamp int64  `json:"timestamp"`
}

// Event is one recorded message. It is encoded as
// [offset_seconds, type, data].
type Event struct {
	Offset float64
	Type   string
	Data   string
}

// MarshalJSON encodes the event as a three-element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Offset, e.Type, e.Data})
}

// UnmarshalJSON decodes the three-element array form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event: expected 3 elements, got %d", len(arr))
	}

	offset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid event offset")
	}
	typ, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid event type")
	}
	data2, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid event data")
	}

	e.Offset, e.Type, e.Data = offset, typ, data2
	return nil
}

// Recorder writes a session transcript. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	mu        sync.Mutex
	w         io.Writer
	file      *os.File
	path      string
	startTime time.Time
	closed    bool
}

// Path returns the transcript file path for a session inside dir.
func Path(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".jsonl")
}

// Create opens a transcript file for the session in dir and writes the header.
func Create(dir, sessionID, device string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	path := Path(dir, sessionID)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript: %w", err)
	}

	r := &Recorder{w: file, file: file, path: path, startTime: time.Now()}
	if err := r.writeHeader(sessionID, device); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// New creates a Recorder writing to w. The caller keeps ownership of w.
func New(w io.Writer, sessionID, device string) (*Recorder, error) {
	r := &Recorder{w: w, startTime: time.Now()}
	if err := r.writeHeader(sessionID, device); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) writeHeader(sessionID, device string) error {
	data, err := json.Marshal(Header{
		Version:   1,
		SessionID: sessionID,
		Device:    device,
		Timestamp: r.startTime.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// Input records a message sent from the browser to the device.
func (r *Recorder) Input(data []byte) error {
	return r.write(EventInput, data)
}

// Output records a message forwarded from the device to the browser.
func (r *Recorder) Output(data []byte) error {
	return r.write(EventOutput, data)
}

// Dropped records a device span that failed validation.
func (r *Recorder) Dropped(data []byte) error {
	return r.write(EventDropped, data)
}

func (r *Recorder) write(typ string, data []byte) error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	line, err := json.Marshal(Event{
		Offset: time.Since(r.startTime).Seconds(),
		Type:   typ,
		Data:   string(data),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// FilePath returns the transcript path, or "" when not backed by a file.
func (r *Recorder) FilePath() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Close closes the transcript file if the Recorder owns one.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
