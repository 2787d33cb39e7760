package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prochub/bridge/internal/model"
)

const (
	qconn         = "QCONN\r\n"
	initRequest   = `{"request_type":"GetProcesses"}`
	waitTimeout   = 3 * time.Second
	silenceWindow = 150 * time.Millisecond
)

// fakeBrowser records what the session sends to the browser.
type fakeBrowser struct {
	mu      sync.Mutex
	sent    []string
	closed  chan struct{}
	once    sync.Once
	arrived chan struct{}
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		closed:  make(chan struct{}),
		arrived: make(chan struct{}, 64),
	}
}

func (b *fakeBrowser) Send(data []byte) error {
	b.mu.Lock()
	b.sent = append(b.sent, string(data))
	b.mu.Unlock()
	select {
	case b.arrived <- struct{}{}:
	default:
	}
	return nil
}

func (b *fakeBrowser) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func (b *fakeBrowser) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

func (b *fakeBrowser) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// fakeDevice is a loopback TCP listener standing in for the device.
type fakeDevice struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	d := &fakeDevice{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			d.conns <- c
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		for {
			select {
			case c := <-d.conns:
				c.Close()
			default:
				return
			}
		}
	})
	return d
}

func (d *fakeDevice) addr() string {
	return d.ln.Addr().String()
}

func (d *fakeDevice) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(waitTimeout):
		t.Fatal("device was never dialed")
		return nil
	}
}

// refusedAddr returns an address nothing listens on.
func refusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// countingDialer counts connect attempts.
type countingDialer struct {
	n atomic.Int32
	d net.Dialer
}

func (c *countingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	c.n.Add(1)
	return c.d.DialContext(ctx, network, addr)
}

// fakeJournal records journal calls.
type fakeJournal struct {
	mu          sync.Mutex
	created     []string
	transitions []model.SessionState
	finished    map[string]model.SessionStats
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{finished: make(map[string]model.SessionStats)}
}

func (j *fakeJournal) Create(ctx context.Context, rec *model.SessionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.created = append(j.created, rec.ID)
	return nil
}

func (j *fakeJournal) RecordTransition(ctx context.Context, id string, state model.SessionState, attempts int, detail string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions = append(j.transitions, state)
	return nil
}

func (j *fakeJournal) Finish(ctx context.Context, id string, stats model.SessionStats) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished[id] = stats
	return nil
}

func (j *fakeJournal) states() []model.SessionState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]model.SessionState(nil), j.transitions...)
}

func testConfig(addr string) Config {
	cfg := DefaultConfig(addr)
	cfg.InitDelay = 50 * time.Millisecond
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.DialTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.MinRequestInterval = 10 * time.Millisecond
	cfg.ResponseTimeout = time.Second
	return cfg
}

func startSession(t *testing.T, cfg Config, opts Options) (*Session, *fakeBrowser) {
	t.Helper()
	browser := newFakeBrowser()
	s := New("test-session", browser, "127.0.0.1:50000", cfg, opts)
	s.Start()
	t.Cleanup(func() {
		s.Close()
		<-s.Done()
	})
	return s, browser
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, s *Session, want model.SessionState) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool { return s.State() == want })
}

func readExactly(t *testing.T, c net.Conn, want string) {
	t.Helper()
	buf := make([]byte, len(want))
	c.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("device read failed: %v", err)
	}
	if string(buf) != want {
		t.Fatalf("device received %q, want %q", buf, want)
	}
}

func expectSilence(t *testing.T, c net.Conn) {
	t.Helper()
	buf := make([]byte, 1)
	c.SetReadDeadline(time.Now().Add(silenceWindow))
	n, err := c.Read(buf)
	if n > 0 {
		t.Fatalf("device unexpectedly received %q", buf[:n])
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

// readySession connects, performs the QCONN handshake, and consumes the
// initial request.
func readySession(t *testing.T, cfg Config, opts Options) (*Session, *fakeBrowser, net.Conn) {
	t.Helper()
	s, browser := startSession(t, cfg, opts)
	dev := deviceFromConfig(t, cfg)
	conn := dev.accept(t)
	conn.Write([]byte(qconn))
	waitState(t, s, model.SessionStateReady)
	readExactly(t, conn, initRequest)
	return s, browser, conn
}

var devices sync.Map // addr -> *fakeDevice

func deviceFromConfig(t *testing.T, cfg Config) *fakeDevice {
	t.Helper()
	d, ok := devices.Load(cfg.DeviceAddr)
	if !ok {
		t.Fatalf("no fake device for %s", cfg.DeviceAddr)
	}
	return d.(*fakeDevice)
}

func newDeviceConfig(t *testing.T) Config {
	t.Helper()
	dev := newFakeDevice(t)
	devices.Store(dev.addr(), dev)
	t.Cleanup(func() { devices.Delete(dev.addr()) })
	return testConfig(dev.addr())
}

func TestSession_HandshakeSendsInitialRequest(t *testing.T) {
	cfg := newDeviceConfig(t)
	cfg.InitDelay = DefaultInitDelay
	s, _ := startSession(t, cfg, Options{})
	conn := deviceFromConfig(t, cfg).accept(t)

	waitState(t, s, model.SessionStateHandshaking)

	start := time.Now()
	conn.Write([]byte{0x51, 0x43, 0x4F, 0x4E, 0x4E, 0x0D, 0x0A})
	waitState(t, s, model.SessionStateReady)

	readExactly(t, conn, initRequest)
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("initial request sent after %v, expected about 1s", elapsed)
	}
	if !s.Snapshot().HandshakeDone {
		t.Error("expected handshake done")
	}
}

func TestSession_TelnetPreambleInPieces(t *testing.T) {
	cfg := newDeviceConfig(t)
	s, _ := startSession(t, cfg, Options{})
	conn := deviceFromConfig(t, cfg).accept(t)

	conn.Write([]byte{0xFF})
	time.Sleep(30 * time.Millisecond)
	if s.State() != model.SessionStateHandshaking {
		t.Fatalf("partial preamble must not complete the handshake, state %s", s.State())
	}
	conn.Write([]byte{0xFD, 0x22})
	waitState(t, s, model.SessionStateReady)
	readExactly(t, conn, initRequest)
}

func TestSession_ForwardsResponseVerbatim(t *testing.T) {
	cfg := newDeviceConfig(t)
	_, browser, conn := readySession(t, cfg, Options{})

	resp := `{"request_type":"GetProcesses","pids":[1,321,4018]}`
	conn.Write([]byte(resp))

	waitFor(t, "forwarded response", func() bool { return len(browser.messages()) == 1 })
	if got := browser.messages()[0]; got != resp {
		t.Errorf("forwarded %q, want %q", got, resp)
	}
}

func TestSession_SplitDelivery(t *testing.T) {
	cfg := newDeviceConfig(t)
	_, browser, conn := readySession(t, cfg, Options{})

	conn.Write([]byte(`{"re`))
	time.Sleep(silenceWindow)
	if n := len(browser.messages()); n != 0 {
		t.Fatalf("expected no message after first delivery, got %d", n)
	}

	conn.Write([]byte(`quest_type":"GetProcesses","pids":[1]}`))
	waitFor(t, "reassembled message", func() bool { return len(browser.messages()) == 1 })
	if got := browser.messages()[0]; got != `{"request_type":"GetProcesses","pids":[1]}` {
		t.Errorf("unexpected message %q", got)
	}

	time.Sleep(silenceWindow)
	if n := len(browser.messages()); n != 1 {
		t.Errorf("expected exactly one message, got %d", n)
	}
}

func TestSession_DropsInvalidDeviceData(t *testing.T) {
	cfg := newDeviceConfig(t)
	s, browser, conn := readySession(t, cfg, Options{})

	conn.Write([]byte("{\x01\x02}"))
	conn.Write([]byte(`{"pids":[1]}`))
	conn.Write([]byte(`{"request_type":"GetProcesses",}`))
	conn.Write([]byte(`{"request_type":"SuspendProcess","pid":3,"success":true}`))

	waitFor(t, "valid message", func() bool { return len(browser.messages()) == 1 })
	if got := browser.messages()[0]; got != `{"request_type":"SuspendProcess","pid":3,"success":true}` {
		t.Errorf("unexpected message %q", got)
	}
	waitFor(t, "drop counter", func() bool { return s.Snapshot().MessagesDropped == 3 })
	if s.RawDump() == "" {
		t.Error("expected raw bytes in the tail dump")
	}
}

func TestSession_BrowserMessageRejections(t *testing.T) {
	t.Run("not ready before handshake", func(t *testing.T) {
		cfg := newDeviceConfig(t)
		s, _ := startSession(t, cfg, Options{})
		deviceFromConfig(t, cfg).accept(t)
		waitState(t, s, model.SessionStateHandshaking)

		err := s.OnBrowserMessage([]byte(`{"request_type":"GetProcesses"}`))
		if !errors.Is(err, ErrNotReady) {
			t.Errorf("expected ErrNotReady, got %v", err)
		}
	})

	t.Run("invalid and unknown", func(t *testing.T) {
		cfg := newDeviceConfig(t)
		s, _, conn := readySession(t, cfg, Options{})

		if err := s.OnBrowserMessage([]byte("not json")); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("expected ErrInvalidMessage, got %v", err)
		}
		if err := s.OnBrowserMessage([]byte(`{"PID":1}`)); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("expected ErrInvalidMessage, got %v", err)
		}
		if err := s.OnBrowserMessage([]byte(`{"request_type":"KillProcess","PID":1}`)); !errors.Is(err, ErrUnknownRequest) {
			t.Errorf("expected ErrUnknownRequest, got %v", err)
		}
		expectSilence(t, conn)
	})
}

func TestSession_ThrottlesRequests(t *testing.T) {
	cfg := newDeviceConfig(t)
	cfg.MinRequestInterval = time.Second
	s, browser, conn := readySession(t, cfg, Options{})

	first := `{"request_type":"SuspendProcess","PID":321}`
	sentAt := time.Now()
	if err := s.OnBrowserMessage([]byte(first)); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}
	readExactly(t, conn, first)

	// Answer so only the interval can reject the next request.
	conn.Write([]byte(`{"request_type":"SuspendProcess","pid":321,"success":true}`))
	waitFor(t, "response", func() bool { return len(browser.messages()) == 1 })
	waitFor(t, "pending cleared", func() bool { return !s.Snapshot().PendingResponse })

	time.Sleep(time.Until(sentAt.Add(200 * time.Millisecond)))
	err := s.OnBrowserMessage([]byte(`{"request_type":"GetProcesses"}`))
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	expectSilence(t, conn)
	if got := s.Snapshot().MessagesIn; got != 1 {
		t.Errorf("expected 1 forwarded request, got %d", got)
	}
}

func TestSession_ResponseTimeoutClearsPending(t *testing.T) {
	cfg := newDeviceConfig(t)
	cfg.ResponseTimeout = 150 * time.Millisecond
	s, _, conn := readySession(t, cfg, Options{})

	req := `{"request_type":"GetProcesses"}`
	if err := s.OnBrowserMessage([]byte(req)); err != nil {
		t.Fatalf("request rejected: %v", err)
	}
	readExactly(t, conn, req)

	if err := s.OnBrowserMessage([]byte(req)); !errors.Is(err, ErrResponsePending) {
		t.Fatalf("expected ErrResponsePending, got %v", err)
	}

	waitFor(t, "pending cleared by timeout", func() bool { return !s.Snapshot().PendingResponse })

	if err := s.OnBrowserMessage([]byte(req)); err != nil {
		t.Fatalf("request after timeout rejected: %v", err)
	}
	readExactly(t, conn, req)
}

func TestSession_ReconnectsAfterDeviceClose(t *testing.T) {
	cfg := newDeviceConfig(t)
	journal := newFakeJournal()
	s, _, conn := readySession(t, cfg, Options{Journal: journal})

	if err := s.OnBrowserMessage([]byte(initRequest)); err != nil {
		t.Fatalf("request rejected: %v", err)
	}
	readExactly(t, conn, initRequest)
	conn.Close()

	second := deviceFromConfig(t, cfg).accept(t)
	waitState(t, s, model.SessionStateHandshaking)

	snap := s.Snapshot()
	if snap.HandshakeDone {
		t.Error("handshake must be redone on a new socket")
	}
	if snap.PendingResponse {
		t.Error("pending response must not survive a disconnection")
	}
	if snap.ReconnectAttempts != 0 {
		t.Errorf("expected attempts reset after connect, got %d", snap.ReconnectAttempts)
	}

	second.Write([]byte(qconn))
	waitState(t, s, model.SessionStateReady)
	readExactly(t, second, initRequest)

	states := journal.states()
	var sawReconnecting bool
	for _, st := range states {
		if st == model.SessionStateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Errorf("expected a reconnecting transition, got %v", states)
	}
}

func TestSession_ExhaustedRetriesCloseBrowser(t *testing.T) {
	cfg := testConfig(refusedAddr(t))
	cfg.MaxReconnectAttempts = 5
	cfg.ReconnectDelay = 30 * time.Millisecond
	dialer := &countingDialer{}

	closed := make(chan struct{})
	s, browser := startSession(t, cfg, Options{
		Dialer:  dialer,
		OnClose: func(*Session) { close(closed) },
	})

	select {
	case <-browser.closed:
	case <-time.After(waitTimeout):
		t.Fatal("browser was not closed after retries were exhausted")
	}
	<-closed
	<-s.Done()

	if s.State() != model.SessionStateClosed {
		t.Errorf("expected closed, got %s", s.State())
	}
	// One initial connect plus five retries.
	if got := dialer.n.Load(); got != 6 {
		t.Errorf("expected 6 connect attempts, got %d", got)
	}
	if got := s.Snapshot().ReconnectAttempts; got > cfg.MaxReconnectAttempts {
		t.Errorf("attempts %d exceed max", got)
	}

	// No timer may revive a closed session.
	time.Sleep(3 * cfg.ReconnectDelay)
	if got := dialer.n.Load(); got != 6 {
		t.Errorf("dialed after close: %d attempts", got)
	}
}

func TestSession_BrowserCloseTearsDownDevice(t *testing.T) {
	cfg := newDeviceConfig(t)
	journal := newFakeJournal()
	s, browser, conn := readySession(t, cfg, Options{Journal: journal})

	s.OnBrowserClosed()

	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not finish")
	}

	conn.SetReadDeadline(time.Now().Add(waitTimeout))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected device socket closed, got %v", err)
	}
	if !browser.isClosed() {
		t.Error("expected browser closed")
	}
	if err := s.OnBrowserMessage([]byte(initRequest)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}

	journal.mu.Lock()
	_, finished := journal.finished[s.ID()]
	journal.mu.Unlock()
	if !finished {
		t.Error("expected session to be journaled as finished")
	}
}

func TestSession_HandshakeTimeout(t *testing.T) {
	cfg := newDeviceConfig(t)
	cfg.HandshakeTimeout = 50 * time.Millisecond
	s, _ := startSession(t, cfg, Options{})
	conn := deviceFromConfig(t, cfg).accept(t)

	waitState(t, s, model.SessionStateReady)
	readExactly(t, conn, initRequest)
}

func TestSession_NoHandshakeTimeoutByDefault(t *testing.T) {
	cfg := newDeviceConfig(t)
	s, _ := startSession(t, cfg, Options{})
	conn := deviceFromConfig(t, cfg).accept(t)

	waitState(t, s, model.SessionStateHandshaking)
	expectSilence(t, conn)
	if s.State() != model.SessionStateHandshaking {
		t.Errorf("expected to keep waiting for a preamble, got %s", s.State())
	}
}
