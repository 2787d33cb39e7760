package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prochub/bridge/internal/model"
)

// SessionRepository provides data access for the session journal.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, remote_addr, device_addr, state, reconnect_attempts,
	messages_in, messages_out, messages_dropped, transcript_path,
	created_at, updated_at, closed_at`

// Create inserts a new session into the database.
func (r *SessionRepository) Create(ctx context.Context, session *model.SessionRecord) error {
	query := `
		INSERT INTO sessions (id, remote_addr, device_addr, state, reconnect_attempts, transcript_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var transcriptPath sql.NullString
	if session.TranscriptPath != "" {
		transcriptPath = sql.NullString{String: session.TranscriptPath, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.RemoteAddr,
		session.DeviceAddr,
		session.State,
		session.ReconnectAttempts,
		transcriptPath,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// RecordTransition stores the new state of a session and appends it to the
// session's event log.
func (r *SessionRepository) RecordTransition(ctx context.Context, id string, state model.SessionState, attempts int, detail string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, reconnect_attempts = ?, updated_at = ?
		WHERE id = ?
	`, state, attempts, now, id)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_events (session_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?)
	`, id, string(state), detail, now); err != nil {
		return fmt.Errorf("failed to record session event: %w", err)
	}

	return tx.Commit()
}

// Finish marks a session closed and stores its final counters.
func (r *SessionRepository) Finish(ctx context.Context, id string, stats model.SessionStats) error {
	query := `
		UPDATE sessions
		SET state = ?, reconnect_attempts = ?, messages_in = ?, messages_out = ?,
			messages_dropped = ?, updated_at = ?, closed_at = ?
		WHERE id = ?
	`

	now := time.Now()
	result, err := r.db.ExecContext(ctx, query,
		model.SessionStateClosed,
		stats.ReconnectAttempts,
		stats.MessagesIn,
		stats.MessagesOut,
		stats.MessagesDropped,
		now,
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// CloseStale marks sessions left open by a previous process as closed and
// returns how many were updated.
func (r *SessionRepository) CloseStale(ctx context.Context) (int64, error) {
	now := time.Now()
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, updated_at = ?, closed_at = ?
		WHERE state != ?
	`, model.SessionStateClosed, now, now, model.SessionStateClosed)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.SessionRecord, error) {
	session := &model.SessionRecord{}
	var transcriptPath sql.NullString
	var closedAt sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.RemoteAddr,
		&session.DeviceAddr,
		&session.State,
		&session.ReconnectAttempts,
		&session.MessagesIn,
		&session.MessagesOut,
		&session.MessagesDropped,
		&transcriptPath,
		&session.CreatedAt,
		&session.UpdatedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	if transcriptPath.Valid {
		session.TranscriptPath = transcriptPath.String
	}
	if closedAt.Valid {
		t := closedAt.Time
		session.ClosedAt = &t
	}

	return session, nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// List retrieves the most recent sessions, newest first. limit <= 0 returns
// all sessions.
func (r *SessionRepository) List(ctx context.Context, limit int) ([]*model.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.SessionRecord
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// ListEvents returns the lifecycle events of a session in order.
func (r *SessionRepository) ListEvents(ctx context.Context, sessionID string) ([]*model.SessionEvent, error) {
	exists, err := r.Exists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, model.ErrSessionNotFound
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, kind, detail, created_at
		FROM session_events
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	defer rows.Close()

	events := []*model.SessionEvent{}
	for rows.Next() {
		ev := &model.SessionEvent{}
		var detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Kind, &detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		ev.Detail = detail.String
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session events: %w", err)
	}

	return events, nil
}

// Exists checks if a session exists.
func (r *SessionRepository) Exists(ctx context.Context, id string) (bool, error) {
	query := `SELECT 1 FROM sessions WHERE id = ? LIMIT 1`

	var exists int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}

	return true, nil
}
