package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/claw-kernel/internal/bus"
	"github.com/google/uuid"
)

type ObjectiveStatus string

const (
	ObjectiveInProgress ObjectiveStatus = "in_progress"
	ObjectiveCompleted  ObjectiveStatus = "completed"
	ObjectiveFailed     ObjectiveStatus = "failed"
)

// MaxCachedEvidence bounds the denormalized evidence cache on an objective.
const MaxCachedEvidence = 5

type Objective struct {
	ID                  string          `json:"id"`
	SessionID           string          `json:"session_id"`
	WorkspaceID         string          `json:"workspace_id"`
	AgentID             string          `json:"agent_id,omitempty"`
	Title               string          `json:"title"`
	Goal                string          `json:"goal"`
	Constraints         map[string]any  `json:"constraints"`
	RequiredDeliverable map[string]any  `json:"required_deliverable,omitempty"`
	Status              ObjectiveStatus `json:"status"`
	ResultSummary       string          `json:"result_summary,omitempty"`
	LastToolEvidence    []ToolEvidence  `json:"last_tool_evidence"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// IsActive reports whether the objective is still in progress.
func (o *Objective) IsActive() bool {
	return o != nil && o.Status == ObjectiveInProgress
}

// NewObjective carries the fields supplied when an objective is opened.
type NewObjective struct {
	SessionID           string
	WorkspaceID         string
	AgentID             string
	Title               string
	Goal                string
	Constraints         map[string]any
	RequiredDeliverable map[string]any
}

const objectiveColumns = `id, session_id, workspace_id, agent_id, title, goal, constraints_json,
	required_deliverable_json, status, result_summary, last_tool_evidence_json, created_at, updated_at`

func scanObjective(row rowScanner) (*Objective, error) {
	var (
		obj             Objective
		status          string
		constraintsJSON string
		deliverableJSON sql.NullString
		evidenceJSON    string
	)
	if err := row.Scan(&obj.ID, &obj.SessionID, &obj.WorkspaceID, &obj.AgentID, &obj.Title, &obj.Goal,
		&constraintsJSON, &deliverableJSON, &status, &obj.ResultSummary, &evidenceJSON,
		&obj.CreatedAt, &obj.UpdatedAt); err != nil {
		return nil, err
	}
	obj.Status = ObjectiveStatus(status)
	if err := json.Unmarshal([]byte(constraintsJSON), &obj.Constraints); err != nil {
		return nil, fmt.Errorf("decode objective constraints: %w", err)
	}
	if obj.Constraints == nil {
		obj.Constraints = map[string]any{}
	}
	if deliverableJSON.Valid && deliverableJSON.String != "" && deliverableJSON.String != "null" {
		if err := json.Unmarshal([]byte(deliverableJSON.String), &obj.RequiredDeliverable); err != nil {
			return nil, fmt.Errorf("decode objective deliverable: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(evidenceJSON), &obj.LastToolEvidence); err != nil {
		return nil, fmt.Errorf("decode objective evidence cache: %w", err)
	}
	if obj.LastToolEvidence == nil {
		obj.LastToolEvidence = []ToolEvidence{}
	}
	return &obj, nil
}

// CreateObjective opens an in_progress objective on a session. The new row
// becomes the session's active objective.
func (s *Store) CreateObjective(ctx context.Context, in NewObjective) (*Objective, error) {
	if in.SessionID == "" {
		return nil, fmt.Errorf("session_id required")
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, fmt.Errorf("objective title required")
	}
	if in.Constraints == nil {
		in.Constraints = map[string]any{}
	}
	constraintsJSON, err := json.Marshal(in.Constraints)
	if err != nil {
		return nil, fmt.Errorf("encode constraints: %w", err)
	}
	var deliverableJSON sql.NullString
	if in.RequiredDeliverable != nil {
		b, err := json.Marshal(in.RequiredDeliverable)
		if err != nil {
			return nil, fmt.Errorf("encode deliverable: %w", err)
		}
		deliverableJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := s.now()
	obj := &Objective{
		ID:                  uuid.NewString(),
		SessionID:           in.SessionID,
		WorkspaceID:         in.WorkspaceID,
		AgentID:             in.AgentID,
		Title:               in.Title,
		Goal:                in.Goal,
		Constraints:         in.Constraints,
		RequiredDeliverable: in.RequiredDeliverable,
		Status:              ObjectiveInProgress,
		LastToolEvidence:    []ToolEvidence{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err = retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO objectives (id, session_id, workspace_id, agent_id, title, goal, constraints_json,
				required_deliverable_json, status, result_summary, last_tool_evidence_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'in_progress', '', '[]', ?, ?);
		`, obj.ID, obj.SessionID, obj.WorkspaceID, obj.AgentID, obj.Title, obj.Goal,
			string(constraintsJSON), deliverableJSON, now, now)
		if err != nil {
			if isForeignKeyViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("insert objective: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (s *Store) GetObjective(ctx context.Context, objectiveID string) (*Objective, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+objectiveColumns+` FROM objectives WHERE id = ?;`, objectiveID)
	obj, err := scanObjective(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get objective: %w", err)
	}
	return obj, nil
}

// ActiveObjective returns the most recently created in_progress objective of
// a session, or ErrNotFound.
func (s *Store) ActiveObjective(ctx context.Context, sessionID string) (*Objective, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+objectiveColumns+`
		FROM objectives
		WHERE session_id = ? AND status = 'in_progress'
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1;
	`, sessionID)
	obj, err := scanObjective(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("active objective: %w", err)
	}
	return obj, nil
}

// ListObjectives returns every objective of a session, oldest first.
func (s *Store) ListObjectives(ctx context.Context, sessionID string) ([]Objective, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+objectiveColumns+`
		FROM objectives
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list objectives: %w", err)
	}
	defer rows.Close()

	var out []Objective
	for rows.Next() {
		obj, err := scanObjective(rows)
		if err != nil {
			return nil, fmt.Errorf("scan objective: %w", err)
		}
		out = append(out, *obj)
	}
	return out, rows.Err()
}

// CompleteObjective moves an in_progress objective to completed.
func (s *Store) CompleteObjective(ctx context.Context, objectiveID, resultSummary string) (*Objective, error) {
	return s.finishObjective(ctx, objectiveID, ObjectiveCompleted, resultSummary)
}

// FailObjective moves an in_progress objective to failed.
func (s *Store) FailObjective(ctx context.Context, objectiveID, reason string) (*Objective, error) {
	return s.finishObjective(ctx, objectiveID, ObjectiveFailed, reason)
}

func (s *Store) finishObjective(ctx context.Context, objectiveID string, status ObjectiveStatus, summary string) (*Objective, error) {
	summary = truncateRunes(summary, maxSummaryChars)
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE objectives SET status = ?, result_summary = ?, updated_at = ?
			WHERE id = ? AND status = 'in_progress';
		`, string(status), summary, s.now(), objectiveID)
		if err != nil {
			return fmt.Errorf("update objective status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		var current string
		err = s.db.QueryRowContext(ctx, `SELECT status FROM objectives WHERE id = ?;`, objectiveID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read objective status: %w", err)
		}
		return fmt.Errorf("objective %s is %s: %w", objectiveID, current, ErrObjectiveTerminal)
	})
	if err != nil {
		return nil, err
	}
	obj, err := s.GetObjective(ctx, objectiveID)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicObjectiveFinished, bus.ObjectiveFinishedEvent{
		ObjectiveID: obj.ID,
		SessionID:   obj.SessionID,
		Status:      string(obj.Status),
	})
	return obj, nil
}
