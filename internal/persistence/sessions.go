package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

type Session struct {
	ID             string        `json:"id"`
	WorkspaceID    string        `json:"workspace_id"`
	Channel        string        `json:"channel"`
	RemoteJID      string        `json:"remote_jid"`
	Status         SessionStatus `json:"status"`
	ContextSummary string        `json:"context_summary"`
	LastMessageAt  time.Time     `json:"last_message_at"`
	TurnCount      int           `json:"turn_count"`
	CreatedAt      time.Time     `json:"created_at"`
	ClosedAt       *time.Time    `json:"closed_at,omitempty"`
}

// IsActive reports whether the session accepts new turns.
func (s *Session) IsActive() bool {
	return s != nil && s.Status == SessionActive
}

const sessionColumns = `id, workspace_id, channel, remote_jid, status, context_summary,
	last_message_at, turn_count, created_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess     Session
		status   string
		closedAt sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.Channel, &sess.RemoteJID, &status,
		&sess.ContextSummary, &sess.LastMessageAt, &sess.TurnCount, &sess.CreatedAt, &closedAt); err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	if closedAt.Valid {
		t := closedAt.Time
		sess.ClosedAt = &t
	}
	return &sess, nil
}

func validateTuple(workspaceID, channel, remoteJID string) error {
	if strings.TrimSpace(workspaceID) == "" {
		return fmt.Errorf("workspace_id required")
	}
	if strings.TrimSpace(channel) == "" {
		return fmt.Errorf("channel required")
	}
	if strings.TrimSpace(remoteJID) == "" {
		return fmt.Errorf("remote_jid required")
	}
	return nil
}

// ActiveSession returns the active session for the tuple or ErrNotFound.
func (s *Store) ActiveSession(ctx context.Context, workspaceID, channel, remoteJID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE workspace_id = ? AND channel = ? AND remote_jid = ? AND status = 'active'
		LIMIT 1;
	`, workspaceID, channel, remoteJID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("active session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?;`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// CreateSession opens a new active session. Returns ErrActiveSessionExists
// when another active session already holds the tuple.
func (s *Store) CreateSession(ctx context.Context, workspaceID, channel, remoteJID string) (*Session, error) {
	if err := validateTuple(workspaceID, channel, remoteJID); err != nil {
		return nil, err
	}
	var sess *Session
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		created, err := s.insertSessionTx(ctx, tx, workspaceID, channel, remoteJID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create session: %w", err)
		}
		sess = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// RotateSession closes oldID and opens a replacement for the same tuple in
// one transaction. If oldID is already closed the replacement is still opened.
func (s *Store) RotateSession(ctx context.Context, oldID, workspaceID, channel, remoteJID string) (*Session, error) {
	if err := validateTuple(workspaceID, channel, remoteJID); err != nil {
		return nil, err
	}
	var sess *Session
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rotate session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = 'closed', closed_at = ?
			WHERE id = ? AND status = 'active';
		`, s.now(), oldID); err != nil {
			return fmt.Errorf("close session %s: %w", oldID, err)
		}
		created, err := s.insertSessionTx(ctx, tx, workspaceID, channel, remoteJID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rotate session: %w", err)
		}
		sess = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) insertSessionTx(ctx context.Context, tx *sql.Tx, workspaceID, channel, remoteJID string) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:            uuid.NewString(),
		WorkspaceID:   workspaceID,
		Channel:       channel,
		RemoteJID:     remoteJID,
		Status:        SessionActive,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, channel, remote_jid, status, context_summary, last_message_at, turn_count, created_at)
		VALUES (?, ?, ?, ?, 'active', '', ?, 0, ?);
	`, sess.ID, workspaceID, channel, remoteJID, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveSessionExists
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// CloseSession marks the session closed. Closing a closed session is a no-op.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	return retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET status = 'closed', closed_at = COALESCE(closed_at, ?)
			WHERE id = ?;
		`, s.now(), sessionID)
		if err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// TouchSession sets last_message_at to at (the store clock when zero) and
// returns the stored value.
func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time) (time.Time, error) {
	now := at.UTC()
	if at.IsZero() {
		now = s.now()
	}
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_message_at = ? WHERE id = ?;`, now, sessionID)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	return now, err
}

// UpdateSessionSummary stores the compacted context summary, clamped to the
// column bound.
func (s *Store) UpdateSessionSummary(ctx context.Context, sessionID, summary string) error {
	summary = truncateRunes(summary, maxSummaryChars)
	return retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE sessions SET context_summary = ? WHERE id = ?;`, summary, sessionID)
		if err != nil {
			return fmt.Errorf("update session summary: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CloseIdleSessions closes every active session whose last message is older
// than cutoff and returns their ids.
func (s *Store) CloseIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	var closed []string
	err := retryOnBusy(ctx, 3, func() error {
		closed = closed[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin idle sweep tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM sessions
			WHERE status = 'active' AND last_message_at < ?
			ORDER BY last_message_at ASC;
		`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("list idle sessions: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan idle session: %w", err)
			}
			closed = append(closed, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate idle sessions: %w", err)
		}
		rows.Close()

		now := s.now()
		for _, id := range closed {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = 'closed', closed_at = ? WHERE id = ?;`, now, id); err != nil {
				return fmt.Errorf("close idle session %s: %w", id, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// ListSessions returns the most recent sessions of a workspace, newest first.
func (s *Store) ListSessions(ctx context.Context, workspaceID string, limit int) ([]Session, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE workspace_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}
