package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Request types understood by the device.
const (
	RequestGetProcesses              = "GetProcesses"
	RequestGetSimpleProcessDetails   = "GetSimpleProcessDetails"
	RequestGetDetailedProcessDetails = "GetDetailedProcessDetails"
	RequestSuspendProcess            = "SuspendProcess"
)

// KnownRequestType reports whether t is one of the device request types.
func KnownRequestType(t string) bool {
	switch t {
	case RequestGetProcesses,
		RequestGetSimpleProcessDetails,
		RequestGetDetailedProcessDetails,
		RequestSuspendProcess:
		return true
	}
	return false
}

// Validation failures. All are protocol errors: the span is dropped and
// processing continues.
var (
	ErrEmpty              = errors.New("empty message")
	ErrNotObject          = errors.New("message is not a JSON object")
	ErrBinary             = errors.New("message contains binary or control bytes")
	ErrMalformed          = errors.New("malformed JSON")
	ErrMissingRequestType = errors.New("missing string request_type")
)

// Message is a validated protocol message. Raw is the trimmed text and is
// what gets forwarded, byte for byte.
type Message struct {
	RequestType string
	Raw         []byte
}

// Command is a request sent to the device.
type Command struct {
	RequestType string `json:"request_type"`
	PID         *int   `json:"PID,omitempty"`
}

// ProcessSample is one history entry of GetDetailedProcessDetails.
type ProcessSample struct {
	Timestamp int64   `json:"timestamp"`
	CPUUsage  float64 `json:"cpu_usage"`
	RAMUsage  float64 `json:"ram_usage"`
	PID       *int    `json:"pid,omitempty"`
	Name      string  `json:"name,omitempty"`
}

// Response is a reply from the device. Which fields are set depends on
// RequestType.
type Response struct {
	RequestType string          `json:"request_type"`
	PIDs        []int           `json:"pids,omitempty"`
	PID         *int            `json:"pid,omitempty"`
	Name        string          `json:"name,omitempty"`
	CPUUsage    *float64        `json:"cpu_usage,omitempty"`
	RAMUsage    *float64        `json:"ram_usage,omitempty"`
	Uptime      *int64          `json:"uptime,omitempty"`
	User        string          `json:"user,omitempty"`
	Entries     []ProcessSample `json:"entries,omitempty"`
	Success     *bool           `json:"success,omitempty"`
}

// Command decodes m as a device command.
func (m Message) Command() (Command, error) {
	var c Command
	if err := json.Unmarshal(m.Raw, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return c, nil
}

// Response decodes m as a device response.
func (m Message) Response() (Response, error) {
	var r Response
	if err := json.Unmarshal(m.Raw, &r); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return r, nil
}

// NewCommand encodes a command. A nil pid is omitted.
func NewCommand(requestType string, pid *int) []byte {
	data, _ := json.Marshal(Command{RequestType: requestType, PID: pid})
	return data
}

// InitCommand is the synthetic request sent once the device handshake is
// seen: {"request_type":"GetProcesses"}.
func InitCommand() []byte {
	return NewCommand(RequestGetProcesses, nil)
}

// Validate decides whether span is a forwardable protocol message.
// It has no side effects, never panics, and returns the same result for the
// same input.
func Validate(span []byte) (msg Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			msg, err = Message{}, ErrMalformed
		}
	}()

	trimmed := bytes.TrimSpace(span)
	if len(trimmed) == 0 {
		return Message{}, ErrEmpty
	}
	if trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return Message{}, ErrNotObject
	}
	if !printable(span) {
		return Message{}, ErrBinary
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	raw, ok := fields["request_type"]
	if !ok {
		return Message{}, ErrMissingRequestType
	}
	var requestType string
	if err := json.Unmarshal(raw, &requestType); err != nil || requestType == "" {
		return Message{}, ErrMissingRequestType
	}

	return Message{RequestType: requestType, Raw: bytes.Clone(trimmed)}, nil
}

// printable reports whether every byte is printable ASCII or tab, CR, LF.
func printable(p []byte) bool {
	for _, b := range p {
		if b >= 0x20 && b <= 0x7E {
			continue
		}
		if b == '\t' || b == '\r' || b == '\n' {
			continue
		}
		return false
	}
	return true
}
