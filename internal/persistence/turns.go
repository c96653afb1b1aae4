package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxTurnsPerSession bounds the session_turns rows kept per session.
const MaxTurnsPerSession = 20

type Turn struct {
	TurnID            string    `json:"turn_id"`
	SessionID         string    `json:"session_id"`
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response"`
	ActionType        string    `json:"action_type"`
	ObjectiveID       string    `json:"objective_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// AddTurn appends a turn, prunes the session to the newest
// MaxTurnsPerSession rows, bumps turn_count and touches last_message_at.
func (s *Store) AddTurn(ctx context.Context, t Turn) (*Turn, error) {
	if t.SessionID == "" {
		return nil, fmt.Errorf("session_id required")
	}
	t.TurnID = uuid.NewString()
	t.UserMessage = truncateRunes(t.UserMessage, maxUserMessageChars)
	t.AssistantResponse = truncateRunes(t.AssistantResponse, maxAssistantResponseChars)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.CreatedAt = t.CreatedAt.UTC()

	var objectiveID sql.NullString
	if t.ObjectiveID != "" {
		objectiveID = sql.NullString{String: t.ObjectiveID, Valid: true}
	}

	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin add turn tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET turn_count = turn_count + 1, last_message_at = ?
			WHERE id = ?;
		`, t.CreatedAt, t.SessionID)
		if err != nil {
			return fmt.Errorf("bump session turn_count: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_turns (turn_id, session_id, user_message, assistant_response, action_type, objective_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, t.TurnID, t.SessionID, t.UserMessage, t.AssistantResponse, t.ActionType, objectiveID, t.CreatedAt); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM session_turns
			WHERE session_id = ? AND seq NOT IN (
				SELECT seq FROM session_turns
				WHERE session_id = ?
				ORDER BY created_at DESC, seq DESC
				LIMIT ?
			);
		`, t.SessionID, t.SessionID, MaxTurnsPerSession); err != nil {
			return fmt.Errorf("prune turns: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTurns returns the retained turns of a session, oldest first.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, session_id, user_message, assistant_response, action_type, objective_id, created_at
		FROM session_turns
		WHERE session_id = ?
		ORDER BY created_at ASC, seq ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t           Turn
			objectiveID sql.NullString
		)
		if err := rows.Scan(&t.TurnID, &t.SessionID, &t.UserMessage, &t.AssistantResponse, &t.ActionType, &objectiveID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.ObjectiveID = objectiveID.String
		out = append(out, t)
	}
	return out, rows.Err()
}
