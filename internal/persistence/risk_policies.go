package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/claw-kernel/internal/policy"
	"github.com/basket/claw-kernel/internal/shared"
)

// Lookup implements policy.Table over the risk_policies table.
func (s *Store) Lookup(ctx context.Context, actionType, workspaceID string) (policy.Mode, bool, error) {
	if workspaceID == "" {
		workspaceID = shared.GlobalWorkspace
	}
	var mode string
	err := s.db.QueryRowContext(ctx, `
		SELECT mode FROM risk_policies WHERE action_type = ? AND workspace_id = ?;
	`, strings.ToLower(strings.TrimSpace(actionType)), workspaceID).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup risk policy: %w", err)
	}
	m, err := policy.ParseMode(mode)
	if err != nil {
		return "", false, err
	}
	return m, true, nil
}

// PolicyVersion hashes the current table contents.
func (s *Store) PolicyVersion() string {
	rules, err := s.ListRiskPolicies(context.Background())
	if err != nil {
		return "unavailable"
	}
	return policy.Policy{Rules: rules}.PolicyVersion()
}

// UpsertRiskPolicy inserts or replaces one advisory row.
func (s *Store) UpsertRiskPolicy(ctx context.Context, r policy.Rule) error {
	actionType := strings.ToLower(strings.TrimSpace(r.ActionType))
	if actionType == "" {
		return fmt.Errorf("action_type required")
	}
	mode, err := policy.ParseMode(string(r.Mode))
	if err != nil {
		return err
	}
	ws := strings.TrimSpace(r.WorkspaceID)
	if ws == "" {
		ws = shared.GlobalWorkspace
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO risk_policies (action_type, workspace_id, mode, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(action_type, workspace_id) DO UPDATE SET mode = excluded.mode, updated_at = excluded.updated_at;
		`, actionType, ws, string(mode), s.now())
		if err != nil {
			return fmt.Errorf("upsert risk policy: %w", err)
		}
		return nil
	})
}

// DeleteRiskPolicy removes one advisory row. Missing rows are not an error.
func (s *Store) DeleteRiskPolicy(ctx context.Context, actionType, workspaceID string) error {
	if workspaceID == "" {
		workspaceID = shared.GlobalWorkspace
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM risk_policies WHERE action_type = ? AND workspace_id = ?;`,
		strings.ToLower(strings.TrimSpace(actionType)), workspaceID)
	if err != nil {
		return fmt.Errorf("delete risk policy: %w", err)
	}
	return nil
}

func (s *Store) ListRiskPolicies(ctx context.Context) ([]policy.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_type, workspace_id, mode FROM risk_policies
		ORDER BY action_type ASC, workspace_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list risk policies: %w", err)
	}
	defer rows.Close()

	var out []policy.Rule
	for rows.Next() {
		var r policy.Rule
		var mode string
		if err := rows.Scan(&r.ActionType, &r.WorkspaceID, &mode); err != nil {
			return nil, fmt.Errorf("scan risk policy: %w", err)
		}
		r.Mode = policy.Mode(mode)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SeedMode selects how file rules are written into risk_policies.
type SeedMode int

const (
	// SeedReplace clears the table and writes only the file's rules.
	SeedReplace SeedMode = iota
	// SeedIfEmpty writes the file's rules only into an empty table.
	SeedIfEmpty
	// SeedMerge upserts the file's rules and keeps every other row.
	SeedMerge
)

// SeedRiskPolicies replaces the whole table with p's rules in one
// transaction and records the resulting policy version.
func (s *Store) SeedRiskPolicies(ctx context.Context, p policy.Policy, source string) error {
	_, err := s.WriteRiskPolicies(ctx, p, source, SeedReplace)
	return err
}

// WriteRiskPolicies writes p's rules according to mode and reports whether
// anything was written. Rows edited outside the policy file survive
// SeedIfEmpty and SeedMerge.
func (s *Store) WriteRiskPolicies(ctx context.Context, p policy.Policy, source string, mode SeedMode) (bool, error) {
	var wrote bool
	err := retryOnBusy(ctx, 3, func() error {
		wrote = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin seed tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		switch mode {
		case SeedReplace:
			if _, err := tx.ExecContext(ctx, `DELETE FROM risk_policies;`); err != nil {
				return fmt.Errorf("clear risk policies: %w", err)
			}
		case SeedIfEmpty:
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM risk_policies;`).Scan(&n); err != nil {
				return fmt.Errorf("count risk policies: %w", err)
			}
			if n > 0 {
				return nil
			}
		}
		now := s.now()
		for _, r := range p.Rules {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO risk_policies (action_type, workspace_id, mode, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(action_type, workspace_id) DO UPDATE SET mode = excluded.mode, updated_at = excluded.updated_at;
			`, r.ActionType, r.WorkspaceID, string(r.Mode), now); err != nil {
				return fmt.Errorf("seed risk policy %s: %w", r.ActionType, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		wrote = true
		return nil
	})
	if err != nil || !wrote {
		return false, err
	}
	rules, err := s.ListRiskPolicies(ctx)
	if err != nil {
		return true, err
	}
	table := policy.Policy{Rules: rules}
	return true, s.RecordPolicyVersion(ctx, table.PolicyVersion(), source, len(rules))
}

// RecordPolicyVersion persists a policy version for audit traceability.
func (s *Store) RecordPolicyVersion(ctx context.Context, version, source string, ruleCount int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_versions (policy_version, source, rule_count, loaded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(policy_version) DO UPDATE SET loaded_at = excluded.loaded_at, source = excluded.source;
	`, version, source, ruleCount, s.now())
	if err != nil {
		return fmt.Errorf("record policy version: %w", err)
	}
	return nil
}
