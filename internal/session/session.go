// Package session implements the per-browser bridge session: one browser
// WebSocket paired with one device TCP connection at a time.
//
// Every session runs a single dispatcher goroutine. Socket reads, dial
// results, timers, and browser messages are turned into events and handled
// there in arrival order, so session state is never touched concurrently.
package session

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prochub/bridge/internal/buffer"
	"github.com/prochub/bridge/internal/device"
	"github.com/prochub/bridge/internal/metrics"
	"github.com/prochub/bridge/internal/model"
	"github.com/prochub/bridge/internal/protocol"
	"github.com/prochub/bridge/internal/transcript"
)

const (
	// DefaultInitDelay is the wait between the handshake and the initial
	// GetProcesses request.
	DefaultInitDelay = time.Second

	// DefaultRawTailSize is how many raw device bytes are kept for dumps.
	DefaultRawTailSize = 4096

	eventQueueSize = 64
	journalTimeout = 5 * time.Second
)

// Browser is the browser side of a session.
type Browser interface {
	Send(data []byte) error
	Close() error
}

// Journal persists session lifecycle records. Failures are logged and never
// affect the session.
type Journal interface {
	Create(ctx context.Context, rec *model.SessionRecord) error
	RecordTransition(ctx context.Context, id string, state model.SessionState, attempts int, detail string) error
	Finish(ctx context.Context, id string, stats model.SessionStats) error
}

// Config holds the per-session protocol parameters.
type Config struct {
	DeviceAddr        string
	HandshakePatterns [][]byte

	InitDelay        time.Duration
	HandshakeTimeout time.Duration // 0 waits for a preamble indefinitely
	DialTimeout      time.Duration
	WriteTimeout     time.Duration

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration

	MinRequestInterval time.Duration
	ResponseTimeout    time.Duration

	MaxFrameSize int
	RawTailSize  int
}

// DefaultConfig returns the bridge defaults for addr.
func DefaultConfig(addr string) Config {
	return Config{
		DeviceAddr:           addr,
		HandshakePatterns:    protocol.DefaultHandshakePatterns(),
		InitDelay:            DefaultInitDelay,
		DialTimeout:          device.DefaultDialTimeout,
		WriteTimeout:         device.DefaultWriteTimeout,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectDelay:       DefaultReconnectDelay,
		MinRequestInterval:   DefaultMinRequestInterval,
		ResponseTimeout:      DefaultResponseTimeout,
		MaxFrameSize:         protocol.DefaultMaxFrameSize,
		RawTailSize:          DefaultRawTailSize,
	}
}

// Options are the collaborators of a session. Zero values are valid.
type Options struct {
	Dialer     device.Dialer
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Journal    Journal
	Transcript *transcript.Recorder

	// OnClose runs on the dispatcher once the session is CLOSED.
	OnClose func(*Session)
}

// Snapshot is a point-in-time copy of session state for readers outside the
// dispatcher.
type Snapshot struct {
	ID                string             `json:"id"`
	RemoteAddr        string             `json:"remoteAddr"`
	DeviceAddr        string             `json:"deviceAddr"`
	State             model.SessionState `json:"state"`
	HandshakeDone     bool               `json:"handshakeDone"`
	ReconnectAttempts int                `json:"reconnectAttempts"`
	PendingResponse   bool               `json:"pendingResponse"`
	LastRequest       *time.Time         `json:"lastRequest,omitempty"`
	MessagesIn        int64              `json:"messagesIn"`
	MessagesOut       int64              `json:"messagesOut"`
	MessagesDropped   int64              `json:"messagesDropped"`
	BufferedBytes     int                `json:"bufferedBytes"`
	CreatedAt         time.Time          `json:"createdAt"`
}

// Session is the state machine for one browser client.
type Session struct {
	id         string
	remoteAddr string
	cfg        Config
	createdAt  time.Time

	browser    Browser
	dialer     device.Dialer
	log        *zap.Logger
	metrics    *metrics.Metrics
	journal    Journal
	transcript *transcript.Recorder
	onClose    func(*Session)

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}
	start  sync.Once

	// Dispatcher-owned state.
	state         model.SessionState
	conn          *device.Conn
	gen           uint64
	handshakeDone bool
	detector      *protocol.HandshakeDetector
	reasm         *protocol.Reassembler
	gate          *RequestGate
	reconnector   *Reconnector
	timers        [numTimers]timerSlot
	stats         model.SessionStats

	tail *buffer.Tail

	mu   sync.RWMutex
	snap Snapshot
}

// New creates a session in CONNECTING. Start launches it.
func New(id string, browser Browser, remoteAddr string, cfg Config, opts Options) *Session {
	if cfg.HandshakePatterns == nil {
		cfg.HandshakePatterns = protocol.DefaultHandshakePatterns()
	}
	if cfg.RawTailSize <= 0 {
		cfg.RawTailSize = DefaultRawTailSize
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		remoteAddr:  remoteAddr,
		cfg:         cfg,
		createdAt:   time.Now(),
		browser:     browser,
		dialer:      opts.Dialer,
		log:         log.With(zap.String("session_id", id), zap.String("device", cfg.DeviceAddr)),
		metrics:     opts.Metrics,
		journal:     opts.Journal,
		transcript:  opts.Transcript,
		onClose:     opts.OnClose,
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan event, eventQueueSize),
		done:        make(chan struct{}),
		state:       model.SessionStateConnecting,
		detector:    protocol.NewHandshakeDetector(cfg.HandshakePatterns),
		reasm:       protocol.NewReassembler(cfg.MaxFrameSize),
		gate:        NewRequestGate(cfg.MinRequestInterval, cfg.ResponseTimeout),
		reconnector: NewReconnector(cfg.MaxReconnectAttempts, cfg.ReconnectDelay),
		tail:        buffer.NewTail(cfg.RawTailSize),
	}
	s.publish()
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the browser address.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Start begins connecting to the device. Subsequent calls do nothing.
func (s *Session) Start() {
	s.start.Do(func() {
		go s.run()
	})
}

// Done is closed when the dispatcher has exited after reaching CLOSED.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current state.
func (s *Session) State() model.SessionState {
	return s.Snapshot().State
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// RawDump returns a hex dump of the most recent raw device bytes.
func (s *Session) RawDump() string {
	return s.tail.Dump()
}

// OnBrowserMessage submits a browser text frame for forwarding to the device.
// It returns nil once the message is written, or the reason it was rejected.
func (s *Session) OnBrowserMessage(data []byte) error {
	reply := make(chan error, 1)
	if !s.post(event{kind: evBrowserMessage, data: bytes.Clone(data), reply: reply}) {
		return ErrSessionClosed
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

// OnBrowserClosed reports that the browser socket is gone.
func (s *Session) OnBrowserClosed() {
	s.post(event{kind: evBrowserClosed})
}

// Close tears the session down. It does not wait; use Done.
func (s *Session) Close() {
	s.post(event{kind: evShutdown})
}

// post queues ev unless the dispatcher has exited. It must not be called from
// the dispatcher itself.
func (s *Session) post(ev event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)

	s.log.Info("session started", zap.String("remote_addr", s.remoteAddr))
	s.connect()
	s.publish()

	for s.state != model.SessionStateClosed {
		ev := <-s.events
		s.handle(ev)
		s.publish()
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evDeviceConnected:
		s.onDeviceConnected(ev)
	case evDeviceConnectFailed:
		if ev.gen != s.gen || s.state != model.SessionStateConnecting {
			return
		}
		s.metrics.ConnectFailed()
		s.log.Warn("device connect failed", zap.Error(ev.err))
		s.deviceLost("connect failed", ev.err)
	case evDeviceData:
		if ev.gen != s.gen || s.conn == nil {
			return
		}
		s.onDeviceData(ev.data)
	case evDeviceClosed:
		if ev.gen != s.gen || s.conn == nil {
			return
		}
		if ev.err != nil {
			s.log.Warn("device connection error", zap.Error(ev.err))
		} else {
			s.log.Info("device closed connection")
		}
		s.deviceLost("device disconnected", ev.err)
	case evBrowserMessage:
		ev.reply <- s.onBrowserMessage(ev.data)
	case evBrowserClosed:
		s.close("browser closed")
	case evTimer:
		if s.fired(ev.timer, ev.seq) {
			s.onTimer(ev.timer)
		}
	case evShutdown:
		s.close("shutdown")
	}
}

func (s *Session) connect() {
	s.gen++
	gen := s.gen
	s.transition(model.SessionStateConnecting, fmt.Sprintf("attempt %d", s.reconnector.Attempts()))

	go func() {
		conn, err := device.Dial(s.ctx, s.dialer, s.cfg.DeviceAddr, s.cfg.DialTimeout, s.cfg.WriteTimeout)
		if err != nil {
			s.post(event{kind: evDeviceConnectFailed, gen: gen, err: err})
			return
		}
		if !s.post(event{kind: evDeviceConnected, gen: gen, conn: conn}) {
			conn.Close()
		}
	}()
}

func (s *Session) onDeviceConnected(ev event) {
	if ev.gen != s.gen || s.state != model.SessionStateConnecting {
		ev.conn.Close()
		return
	}

	s.conn = ev.conn
	s.reconnector.Reset()
	s.handshakeDone = false
	s.reasm.Reset()
	s.transition(model.SessionStateHandshaking, "connected")

	if s.cfg.HandshakeTimeout > 0 {
		s.arm(timerHandshake, s.cfg.HandshakeTimeout)
	}

	conn, gen := ev.conn, ev.gen
	go func() {
		err := conn.ReadLoop(func(p []byte) {
			s.post(event{kind: evDeviceData, gen: gen, data: bytes.Clone(p)})
		})
		s.post(event{kind: evDeviceClosed, gen: gen, err: err})
	}()
}

func (s *Session) onDeviceData(p []byte) {
	s.tail.Write(p)
	s.reasm.Write(p)

	if !s.handshakeDone {
		buf := s.reasm.Bytes()
		if n, ok := s.detector.Match(buf); ok {
			s.reasm.Discard(n)
			s.onHandshake("preamble received")
		} else if s.detector.Partial(buf) {
			return
		}
	}

	for frame := range s.reasm.Frames() {
		s.onFrame(frame)
	}
}

func (s *Session) onFrame(frame []byte) {
	msg, err := protocol.Validate(frame)
	if err != nil {
		s.stats.MessagesDropped++
		s.metrics.Dropped(metrics.DirectionDownstream, reason(err))
		s.transcript.Dropped(frame)
		if errors.Is(err, protocol.ErrBinary) {
			s.log.Debug("dropped binary device data", zap.Int("bytes", len(frame)), zap.String("hexdump", hex.Dump(frame)))
		} else {
			s.log.Debug("dropped device message", zap.Error(err))
		}
		return
	}

	if s.gate.Complete() {
		s.disarm(timerResponse)
	}

	if err := s.browser.Send(msg.Raw); err != nil {
		s.metrics.Dropped(metrics.DirectionDownstream, "browser_send")
		s.log.Debug("failed to send to browser", zap.Error(err))
		return
	}
	s.stats.MessagesOut++
	s.metrics.Forwarded(metrics.DirectionDownstream)
	s.transcript.Output(msg.Raw)
}

func (s *Session) onHandshake(detail string) {
	s.handshakeDone = true
	s.disarm(timerHandshake)
	s.metrics.Handshake()
	s.transition(model.SessionStateReady, detail)
	s.arm(timerInit, s.cfg.InitDelay)
}

func (s *Session) onBrowserMessage(data []byte) error {
	err := s.forward(data)
	if err != nil {
		s.metrics.Rejected(reason(err))
		s.log.Debug("rejected browser message", zap.Error(err))
	}
	return err
}

func (s *Session) forward(data []byte) error {
	msg, err := protocol.Validate(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if !protocol.KnownRequestType(msg.RequestType) {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, msg.RequestType)
	}
	if s.state != model.SessionStateReady || s.conn == nil {
		return ErrNotReady
	}
	if err := s.gate.TryAccept(time.Now()); err != nil {
		return err
	}

	if err := s.conn.Write(msg.Raw); err != nil {
		s.log.Warn("device write failed", zap.Error(err))
		s.deviceLost("write failed", err)
		return fmt.Errorf("%w: %w", ErrDeviceWrite, err)
	}

	s.arm(timerResponse, s.gate.ResponseTimeout())
	s.stats.MessagesIn++
	s.metrics.Forwarded(metrics.DirectionUpstream)
	s.transcript.Input(msg.Raw)
	return nil
}

func (s *Session) onTimer(kind timerKind) {
	switch kind {
	case timerInit:
		if s.state != model.SessionStateReady || s.conn == nil {
			return
		}
		cmd := protocol.InitCommand()
		if err := s.conn.Write(cmd); err != nil {
			s.log.Warn("failed to send initial request", zap.Error(err))
			s.deviceLost("write failed", err)
			return
		}
		s.transcript.Input(cmd)
		s.log.Debug("sent initial request")
	case timerHandshake:
		if s.state != model.SessionStateHandshaking {
			return
		}
		s.log.Info("no handshake preamble, assuming ready", zap.Duration("timeout", s.cfg.HandshakeTimeout))
		s.onHandshake("handshake timeout")
	case timerReconnect:
		if s.state != model.SessionStateReconnecting {
			return
		}
		s.connect()
	case timerResponse:
		if s.gate.Expire() {
			s.metrics.ResponseTimeout()
			s.log.Debug("response timed out", zap.Duration("timeout", s.gate.ResponseTimeout()))
		}
	}
}

// deviceLost tears down the current device socket and either schedules a
// reconnect or closes the session.
func (s *Session) deviceLost(detail string, err error) {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.gen++
	s.handshakeDone = false
	s.disarm(timerInit)
	s.disarm(timerHandshake)
	s.disarm(timerResponse)
	s.gate.Complete()
	s.reasm.Reset()

	delay, ok := s.reconnector.Next()
	if !ok {
		s.log.Warn("reconnect attempts exhausted", zap.Int("max_attempts", s.reconnector.Max()), zap.Error(err))
		s.close("reconnect attempts exhausted")
		return
	}

	s.metrics.Reconnect()
	s.transition(model.SessionStateReconnecting,
		fmt.Sprintf("%s; attempt %d/%d in %s", detail, s.reconnector.Attempts(), s.reconnector.Max(), delay))
	s.arm(timerReconnect, delay)
}

func (s *Session) close(detail string) {
	if s.state == model.SessionStateClosed {
		return
	}

	s.disarmAll()
	s.cancel()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.gen++
	s.gate.Complete()

	s.transition(model.SessionStateClosed, detail)

	if err := s.browser.Close(); err != nil {
		s.log.Debug("browser close", zap.Error(err))
	}
	if err := s.transcript.Close(); err != nil {
		s.log.Warn("failed to close transcript", zap.Error(err))
	}

	s.stats.ReconnectAttempts = s.reconnector.Attempts()
	if s.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		if err := s.journal.Finish(ctx, s.id, s.stats); err != nil {
			s.log.Warn("failed to journal session close", zap.Error(err))
		}
		cancel()
	}

	s.metrics.SessionClosed(time.Since(s.createdAt))
	s.log.Info("session closed",
		zap.String("reason", detail),
		zap.Int64("messages_in", s.stats.MessagesIn),
		zap.Int64("messages_out", s.stats.MessagesOut),
		zap.Int64("messages_dropped", s.stats.MessagesDropped))

	if s.onClose != nil {
		s.onClose(s)
	}
}

func (s *Session) transition(state model.SessionState, detail string) {
	prev := s.state
	s.state = state
	s.metrics.Transition(string(state))
	s.log.Info("session state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(state)),
		zap.String("detail", detail))

	if s.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if err := s.journal.RecordTransition(ctx, s.id, state, s.reconnector.Attempts(), detail); err != nil {
			s.log.Warn("failed to journal transition", zap.Error(err))
		}
	}
	s.publish()
}

func (s *Session) publish() {
	snap := Snapshot{
		ID:                s.id,
		RemoteAddr:        s.remoteAddr,
		DeviceAddr:        s.cfg.DeviceAddr,
		State:             s.state,
		HandshakeDone:     s.handshakeDone,
		ReconnectAttempts: s.reconnector.Attempts(),
		PendingResponse:   s.gate.pending,
		MessagesIn:        s.stats.MessagesIn,
		MessagesOut:       s.stats.MessagesOut,
		MessagesDropped:   s.stats.MessagesDropped,
		BufferedBytes:     s.reasm.Buffered(),
		CreatedAt:         s.createdAt,
	}
	if last := s.gate.LastRequest(); !last.IsZero() {
		snap.LastRequest = &last
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}
