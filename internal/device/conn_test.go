package device

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestDial(t *testing.T) {
	t.Run("connects and exchanges bytes", func(t *testing.T) {
		ln := listen(t)
		accepted := make(chan net.Conn, 1)
		go func() {
			c, err := ln.Accept()
			if err == nil {
				accepted <- c
			}
		}()

		conn, err := Dial(context.Background(), nil, ln.Addr().String(), time.Second, time.Second)
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		defer conn.Close()

		peer := <-accepted
		defer peer.Close()

		if err := conn.Write([]byte(`{"request_type":"GetProcesses"}`)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		buf := make([]byte, 64)
		peer.SetReadDeadline(time.Now().Add(time.Second))
		n, err := peer.Read(buf)
		if err != nil {
			t.Fatalf("peer read failed: %v", err)
		}
		if string(buf[:n]) != `{"request_type":"GetProcesses"}` {
			t.Errorf("unexpected bytes %q", buf[:n])
		}
	})

	t.Run("refused", func(t *testing.T) {
		ln := listen(t)
		addr := ln.Addr().String()
		ln.Close()

		_, err := Dial(context.Background(), nil, addr, time.Second, time.Second)
		if err == nil {
			t.Fatal("expected connect error")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := Dial(ctx, nil, "127.0.0.1:1", time.Second, time.Second)
		if err == nil {
			t.Fatal("expected error for cancelled context")
		}
	})
}

func TestConn_ReadLoop(t *testing.T) {
	ln := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := Dial(context.Background(), nil, ln.Addr().String(), time.Second, time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	peer := <-accepted

	var mu sync.Mutex
	var got bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- conn.ReadLoop(func(p []byte) {
			mu.Lock()
			got.Write(p)
			mu.Unlock()
		})
	}()

	peer.Write([]byte("QCONN\r\n"))
	peer.Write([]byte(`{"request_type":"GetProcesses","pids":[1]}`))
	time.Sleep(50 * time.Millisecond)
	peer.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean EOF, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLoop did not return after peer close")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.String() != "QCONN\r\n"+`{"request_type":"GetProcesses","pids":[1]}` {
		t.Errorf("unexpected stream %q", got.String())
	}
	conn.Close()
}

func TestConn_Close(t *testing.T) {
	ln := listen(t)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			time.Sleep(time.Second)
		}
	}()

	conn, err := Dial(context.Background(), nil, ln.Addr().String(), time.Second, time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- conn.ReadLoop(func([]byte) {}) }()

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if !conn.IsClosed() {
		t.Error("expected IsClosed after Close")
	}

	select {
	case <-conn.ClosedChan():
	default:
		t.Error("ClosedChan not closed")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ReadLoop after Close returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLoop did not return after Close")
	}

	if err := conn.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
