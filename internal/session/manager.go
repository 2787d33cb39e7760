package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prochub/bridge/internal/device"
	"github.com/prochub/bridge/internal/metrics"
	"github.com/prochub/bridge/internal/model"
	"github.com/prochub/bridge/internal/transcript"
)

// ManagerOptions are the collaborators shared by all sessions.
type ManagerOptions struct {
	Dialer  device.Dialer
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Journal Journal

	// TranscriptDir enables per-session wire transcripts when set.
	TranscriptDir string
}

// Manager creates bridge sessions and owns the registry of live ones.
type Manager struct {
	cfg      Config
	opts     ManagerOptions
	log      *zap.Logger
	registry *Registry

	mu      sync.Mutex
	closing bool
}

// NewManager creates a session manager.
func NewManager(cfg Config, opts ManagerOptions) *Manager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Manager{
		cfg:      cfg,
		opts:     opts,
		log:      log,
		registry: NewRegistry(),
	}
}

// Config returns the session configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Create starts a new session for a browser connection.
func (m *Manager) Create(ctx context.Context, browser Browser, remoteAddr string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return nil, ErrShuttingDown
	}

	// Generate session ID
	sessionID := uuid.New().String()

	var rec *transcript.Recorder
	if m.opts.TranscriptDir != "" {
		r, err := transcript.Create(m.opts.TranscriptDir, sessionID, m.cfg.DeviceAddr)
		if err != nil {
			// The session still works without a transcript
			m.log.Warn("failed to create transcript", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			rec = r
		}
	}

	s := New(sessionID, browser, remoteAddr, m.cfg, Options{
		Dialer:     m.opts.Dialer,
		Logger:     m.log,
		Metrics:    m.opts.Metrics,
		Journal:    m.opts.Journal,
		Transcript: rec,
		OnClose: func(s *Session) {
			m.registry.Unregister(s.ID())
		},
	})

	if m.opts.Journal != nil {
		now := time.Now()
		record := &model.SessionRecord{
			ID:             sessionID,
			RemoteAddr:     remoteAddr,
			DeviceAddr:     m.cfg.DeviceAddr,
			State:          model.SessionStateConnecting,
			TranscriptPath: rec.FilePath(),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := m.opts.Journal.Create(ctx, record); err != nil {
			m.log.Warn("failed to journal session", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	m.registry.Register(s)
	m.opts.Metrics.SessionOpened()
	s.Start()

	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	return m.registry.Get(id)
}

// List returns the live sessions.
func (m *Manager) List() []*Session {
	return m.registry.Snapshot()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.registry.Len()
}

// Shutdown stops accepting sessions, closes every live session once, and
// waits for their teardown or ctx expiry.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	var sessions []*Session
	m.registry.ForEach(func(s *Session) {
		s.Close()
		sessions = append(sessions, s)
	})
	m.log.Info("closing sessions", zap.Int("count", len(sessions)))

	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
