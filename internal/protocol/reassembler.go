package protocol

import (
	"bytes"
	"iter"
)

// DefaultMaxFrameSize bounds a single candidate message (1 MiB).
const DefaultMaxFrameSize = 1 << 20

// Reassembler recovers complete JSON object candidates from an unstructured
// byte stream. A delivery may carry zero, one, or several messages, and a
// message may span several deliveries.
//
// Extraction starts at the first '{' and tracks brace depth until it returns
// to zero. Braces inside quoted strings are not counted, and a backslash
// inside a string escapes the next byte. Bytes before the opening brace are
// discarded as noise.
//
// Scan state is kept across Write calls so every byte is examined once.
// A Reassembler is not safe for concurrent use.
type Reassembler struct {
	buf []byte
	max int

	scanning bool // buf[0] is an opening brace and pos..depth are valid
	pos      int
	depth    int
	inString bool
	escaped  bool

	noise     int
	oversized int
}

// NewReassembler creates a Reassembler. maxFrameSize <= 0 selects
// DefaultMaxFrameSize.
func NewReassembler(maxFrameSize int) *Reassembler {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reassembler{max: maxFrameSize}
}

// Write appends a delivery to the receive buffer. It never fails.
func (r *Reassembler) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	return len(p), nil
}

// Bytes returns the buffered, not yet extracted bytes. The slice is only
// valid until the next call that mutates the Reassembler.
func (r *Reassembler) Bytes() []byte {
	return r.buf
}

// Buffered returns the number of buffered bytes.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Discard drops the first n buffered bytes and restarts scanning.
func (r *Reassembler) Discard(n int) {
	if n <= 0 {
		return
	}
	if n >= len(r.buf) {
		r.buf = r.buf[:0]
	} else {
		r.buf = append(r.buf[:0], r.buf[n:]...)
	}
	r.resetScan()
}

// Reset drops all buffered bytes.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.resetScan()
}

// NoiseBytes returns the number of bytes discarded ahead of opening braces.
func (r *Reassembler) NoiseBytes() int {
	return r.noise
}

// Oversized returns how many candidates were dropped for exceeding the
// maximum frame size.
func (r *Reassembler) Oversized() int {
	return r.oversized
}

func (r *Reassembler) resetScan() {
	r.scanning = false
	r.pos = 0
	r.depth = 0
	r.inString = false
	r.escaped = false
}

// Next extracts the next complete candidate. It returns false when no
// complete candidate is buffered; the partial remainder is kept.
func (r *Reassembler) Next() ([]byte, bool) {
	if !r.scanning {
		i := bytes.IndexByte(r.buf, '{')
		if i < 0 {
			r.noise += len(r.buf)
			r.buf = r.buf[:0]
			return nil, false
		}
		if i > 0 {
			r.noise += i
			r.buf = append(r.buf[:0], r.buf[i:]...)
		}
		r.scanning = true
		r.pos = 0
	}

	for r.pos < len(r.buf) {
		c := r.buf[r.pos]
		r.pos++

		if r.pos > r.max {
			// Resynchronize at the next opening brace.
			r.oversized++
			r.Discard(r.pos)
			return r.Next()
		}

		if r.inString {
			switch {
			case r.escaped:
				r.escaped = false
			case c == '\\':
				r.escaped = true
			case c == '"':
				r.inString = false
			}
			continue
		}

		switch c {
		case '"':
			r.inString = true
		case '{':
			r.depth++
		case '}':
			r.depth--
			if r.depth == 0 {
				frame := bytes.Clone(r.buf[:r.pos])
				r.Discard(r.pos)
				return frame, true
			}
		}
	}

	return nil, false
}

// Frames returns a lazy sequence of the complete candidates currently
// extractable. The sequence is finite; calling Frames again after more
// Writes resumes from the cumulative buffer state.
func (r *Reassembler) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			frame, ok := r.Next()
			if !ok {
				return
			}
			if !yield(frame) {
				return
			}
		}
	}
}
