// Package buffer keeps a bounded tail of the raw bytes received from a device,
// used to inspect protocol noise after the fact.
package buffer

import (
	"encoding/hex"
	"sync"
)

// Tail is a thread-safe circular buffer holding the most recent bytes written
// to it. Older bytes are overwritten once capacity is reached.
//
// The session dispatcher writes to it; HTTP handlers read it concurrently.
type Tail struct {
	mu    sync.RWMutex
	data  []byte
	start int // index of the oldest byte
	size  int
	total int64
}

// NewTail creates a Tail with the given capacity. Capacities below 1
// become 1.
func NewTail(capacity int) *Tail {
	if capacity <= 0 {
		capacity = 1
	}
	return &Tail{data: make([]byte, capacity)}
}

// Write records p, keeping only the last Cap() bytes. It implements io.Writer
// and never fails.
func (t *Tail) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.total += int64(n)
	capacity := len(t.data)
	if n >= capacity {
		copy(t.data, p[n-capacity:])
		t.start = 0
		t.size = capacity
		return n, nil
	}

	end := (t.start + t.size) % capacity
	first := copy(t.data[end:], p)
	copy(t.data, p[first:])

	t.size += n
	if t.size > capacity {
		t.start = (t.start + t.size - capacity) % capacity
		t.size = capacity
	}
	return n, nil
}

// Bytes returns a copy of the buffered bytes, oldest first, or nil when empty.
func (t *Tail) Bytes() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.size == 0 {
		return nil
	}
	out := make([]byte, t.size)
	n := copy(out, t.data[t.start:min(t.start+t.size, len(t.data))])
	copy(out[n:], t.data[:t.size-n])
	return out
}

// Dump returns a canonical hex dump of the buffered bytes.
func (t *Tail) Dump() string {
	b := t.Bytes()
	if len(b) == 0 {
		return ""
	}
	return hex.Dump(b)
}

// Reset drops all buffered bytes. The running total is kept.
func (t *Tail) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = 0
	t.size = 0
}

// Len returns the number of buffered bytes.
func (t *Tail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Cap returns the capacity.
func (t *Tail) Cap() int {
	return len(t.data)
}

// Total returns the number of bytes ever written.
func (t *Tail) Total() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}
