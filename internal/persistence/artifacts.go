package persistence

import (
	"context"
	"fmt"
	"strings"
)

type Artifact struct {
	ArtifactID  string `json:"artifact_id"`
	Type        string `json:"type"`
	TaskID      string `json:"task_id"`
	WorkspaceID string `json:"workspace_id"`
}

type Subagent struct {
	SubagentID  string `json:"subagent_id"`
	Status      string `json:"status"`
	TaskID      string `json:"task_id"`
	WorkspaceID string `json:"workspace_id"`
}

// InsertArtifact records an artifact produced for a task.
func (s *Store) InsertArtifact(ctx context.Context, a Artifact) error {
	if a.ArtifactID == "" || a.TaskID == "" || a.WorkspaceID == "" {
		return fmt.Errorf("artifact_id, task_id and workspace_id required")
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO artifacts (artifact_id, type, task_id, workspace_id, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, a.ArtifactID, strings.TrimSpace(a.Type), a.TaskID, a.WorkspaceID, s.now())
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		return nil
	})
}

// UpsertSubagent records or updates a subagent's status for a task.
func (s *Store) UpsertSubagent(ctx context.Context, sa Subagent) error {
	if sa.SubagentID == "" || sa.TaskID == "" || sa.WorkspaceID == "" {
		return fmt.Errorf("subagent_id, task_id and workspace_id required")
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO subagents (subagent_id, status, task_id, workspace_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(subagent_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at;
		`, sa.SubagentID, strings.ToLower(strings.TrimSpace(sa.Status)), sa.TaskID, sa.WorkspaceID, s.now())
		if err != nil {
			return fmt.Errorf("upsert subagent: %w", err)
		}
		return nil
	})
}

func (s *Store) ListArtifacts(ctx context.Context, taskID, workspaceID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, type, task_id, workspace_id FROM artifacts
		WHERE task_id = ? AND workspace_id = ?
		ORDER BY created_at ASC, rowid ASC;
	`, taskID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ArtifactID, &a.Type, &a.TaskID, &a.WorkspaceID); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListSubagents(ctx context.Context, taskID, workspaceID string) ([]Subagent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subagent_id, status, task_id, workspace_id FROM subagents
		WHERE task_id = ? AND workspace_id = ?
		ORDER BY rowid ASC;
	`, taskID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list subagents: %w", err)
	}
	defer rows.Close()

	var out []Subagent
	for rows.Next() {
		var sa Subagent
		if err := rows.Scan(&sa.SubagentID, &sa.Status, &sa.TaskID, &sa.WorkspaceID); err != nil {
			return nil, fmt.Errorf("scan subagent: %w", err)
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}
