// Package device is the TCP client side of the bridge: it dials the device
// and pumps its byte stream to a callback.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// DefaultReadBufferSize is the buffer size for reading device output.
	DefaultReadBufferSize = 4096

	// DefaultDialTimeout bounds a single connect attempt.
	DefaultDialTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds a single write to the device socket.
	DefaultWriteTimeout = 5 * time.Second
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("device connection is closed")

// Dialer opens device connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Conn is one device socket lifetime.
type Conn struct {
	conn         net.Conn
	addr         string
	writeTimeout time.Duration

	mu       sync.RWMutex
	closed   bool
	closedCh chan struct{}
}

// Dial connects to addr over TCP. A nil dialer uses a net.Dialer.
func Dial(ctx context.Context, d Dialer, addr string, dialTimeout, writeTimeout time.Duration) (*Conn, error) {
	if d == nil {
		d = &net.Dialer{}
	}
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	c, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return &Conn{
		conn:         c,
		addr:         addr,
		writeTimeout: writeTimeout,
		closedCh:     make(chan struct{}),
	}, nil
}

// Addr returns the dialed address.
func (c *Conn) Addr() string {
	return c.addr
}

// Write sends data to the device. It is not retried on failure.
func (c *Conn) Write(data []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	c.mu.RUnlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write to device: %w", err)
	}
	return nil
}

// ReadLoop delivers device bytes to onData until the socket fails or is
// closed, then returns the terminating error (nil on a clean EOF or Close).
// onData must not retain the slice.
func (c *Conn) ReadLoop(onData func([]byte)) error {
	buf := make([]byte, DefaultReadBufferSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			onData(buf[:n])
		}
		if err != nil {
			if c.IsClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Close closes the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closedCh)
	c.mu.Unlock()

	return c.conn.Close()
}

// IsClosed returns true once Close has been called.
func (c *Conn) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// ClosedChan returns a channel that is closed by Close.
func (c *Conn) ClosedChan() <-chan struct{} {
	return c.closedCh
}
