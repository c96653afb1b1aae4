package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ToolEvidence struct {
	ID            string    `json:"id"`
	ObjectiveID   string    `json:"objective_id"`
	SessionID     string    `json:"session_id"`
	ActionType    string    `json:"action_type"`
	QueryText     string    `json:"query_text"`
	ResultSummary string    `json:"result_summary"`
	CreatedAt     time.Time `json:"created_at"`
}

// AppendEvidence records one tool execution against an objective and
// refreshes the objective's last-evidence cache in the same transaction.
// Evidence may be appended to objectives in any status.
func (s *Store) AppendEvidence(ctx context.Context, ev ToolEvidence) (*ToolEvidence, error) {
	if ev.ObjectiveID == "" {
		return nil, fmt.Errorf("objective_id required")
	}
	if ev.ActionType == "" {
		return nil, fmt.Errorf("action_type required")
	}
	ev.ID = uuid.NewString()
	ev.QueryText = truncateRunes(ev.QueryText, maxQueryTextChars)
	ev.ResultSummary = truncateRunes(ev.ResultSummary, maxEvidenceSummaryChars)
	ev.CreatedAt = s.now()

	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append evidence tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var sessionID string
		err = tx.QueryRowContext(ctx, `SELECT session_id FROM objectives WHERE id = ?;`, ev.ObjectiveID).Scan(&sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup objective: %w", err)
		}
		if ev.SessionID == "" {
			ev.SessionID = sessionID
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_evidence (id, objective_id, session_id, action_type, query_text, result_summary, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, ev.ID, ev.ObjectiveID, ev.SessionID, ev.ActionType, ev.QueryText, ev.ResultSummary, ev.CreatedAt); err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}

		recent, err := listEvidence(ctx, tx, ev.ObjectiveID, MaxCachedEvidence)
		if err != nil {
			return err
		}
		cache, err := json.Marshal(recent)
		if err != nil {
			return fmt.Errorf("encode evidence cache: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE objectives SET last_tool_evidence_json = ?, updated_at = ? WHERE id = ?;
		`, string(cache), ev.CreatedAt, ev.ObjectiveID); err != nil {
			return fmt.Errorf("refresh evidence cache: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListEvidence returns the full evidence log of an objective, newest first.
func (s *Store) ListEvidence(ctx context.Context, objectiveID string) ([]ToolEvidence, error) {
	return listEvidence(ctx, s.db, objectiveID, -1)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listEvidence(ctx context.Context, q querier, objectiveID string, limit int) ([]ToolEvidence, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, objective_id, session_id, action_type, query_text, result_summary, created_at
		FROM tool_evidence
		WHERE objective_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, objectiveID, limit)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	out := []ToolEvidence{}
	for rows.Next() {
		var ev ToolEvidence
		if err := rows.Scan(&ev.ID, &ev.ObjectiveID, &ev.SessionID, &ev.ActionType, &ev.QueryText, &ev.ResultSummary, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
