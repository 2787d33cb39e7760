package ws

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// sendBufferSize is the number of outbound messages queued per client.
const sendBufferSize = 256

var (
	// ErrClientClosed is returned by Send after Close.
	ErrClientClosed = errors.New("websocket client closed")

	// ErrSendBufferFull is returned when a slow browser falls too far behind.
	// The client is closed.
	ErrSendBufferFull = errors.New("websocket send buffer full")
)

// Client represents a browser WebSocket connection.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex

	closed bool
}

// NewClient creates a new WebSocket client.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// Send queues a text message for the browser. It never blocks.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		// Buffer full, close the client
		c.closeLocked()
		return ErrSendBufferFull
	}
}

// Close stops the client. The write pump sends a close frame and closes the
// connection once the queued messages are flushed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}
