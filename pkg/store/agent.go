// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateAgent inserts a new Agent.
func (s *Store) CreateAgent(ctx context.Context, tx *sql.Tx, a *Agent) error {
	_, err := s.exec(ctx, s.q(tx), `
INSERT INTO agents (id, system_prompt, status, cli_type, tmux_session_name, current_task_id, agent_type, kept_alive_for_validation, last_activity, health_check_failures, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, a.ID, a.SystemPrompt, string(a.Status), a.CLIType, a.TmuxSessionName, nullString(a.CurrentTaskID), string(a.AgentType), boolToInt(a.KeptAliveForValidation), a.LastActivity, a.HealthCheckFailures, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

// GetAgent fetches an Agent by id, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, tx *sql.Tx, id string) (*Agent, error) {
	row := s.queryRow(ctx, s.q(tx), `
SELECT id, system_prompt, status, cli_type, tmux_session_name, current_task_id, agent_type, kept_alive_for_validation, last_activity, health_check_failures, created_at
FROM agents WHERE id = ?
`, id)
	return scanAgent(row)
}

// UpdateAgent replaces the mutable fields of an Agent.
func (s *Store) UpdateAgent(ctx context.Context, tx *sql.Tx, a *Agent) error {
	res, err := s.exec(ctx, s.q(tx), `
UPDATE agents SET status = ?, current_task_id = ?, kept_alive_for_validation = ?, last_activity = ?, health_check_failures = ?
WHERE id = ?
`, string(a.Status), nullString(a.CurrentTaskID), boolToInt(a.KeptAliveForValidation), a.LastActivity, a.HealthCheckFailures, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update agent %s: %w", a.ID, err)
	}
	return checkRowsAffected(res, a.ID)
}

// ListAgentsByStatus returns every Agent in a given status.
func (s *Store) ListAgentsByStatus(ctx context.Context, tx *sql.Tx, status AgentStatus) ([]*Agent, error) {
	rows, err := s.query(ctx, s.q(tx), `
SELECT id, system_prompt, status, cli_type, tmux_session_name, current_task_id, agent_type, kept_alive_for_validation, last_activity, health_check_failures, created_at
FROM agents WHERE status = ?
`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query agents by status: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var currentTaskID sql.NullString
	var keptAlive int

	err := row.Scan(&a.ID, &a.SystemPrompt, &a.Status, &a.CLIType, &a.TmuxSessionName, &currentTaskID, &a.AgentType, &keptAlive, &a.LastActivity, &a.HealthCheckFailures, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	a.CurrentTaskID = stringPtr(currentTaskID)
	a.KeptAliveForValidation = keptAlive != 0
	return &a, nil
}

// CreateAgentWorktree inserts the bookkeeping row for a newly created worktree.
func (s *Store) CreateAgentWorktree(ctx context.Context, tx *sql.Tx, w *AgentWorktree) error {
	_, err := s.exec(ctx, s.q(tx), `
INSERT INTO agent_worktrees (agent_id, worktree_path, branch_name, parent_agent_id, parent_commit_sha, base_commit_sha, merge_status, merge_commit_sha, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, w.AgentID, w.WorktreePath, w.BranchName, nullString(w.ParentAgentID), w.ParentCommitSHA, w.BaseCommitSHA, string(w.MergeStatus), nullString(w.MergeCommitSHA), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent worktree: %w", err)
	}
	return nil
}

// GetAgentWorktree fetches the AgentWorktree for an agent, or ErrNotFound.
func (s *Store) GetAgentWorktree(ctx context.Context, tx *sql.Tx, agentID string) (*AgentWorktree, error) {
	row := s.queryRow(ctx, s.q(tx), `
SELECT agent_id, worktree_path, branch_name, parent_agent_id, parent_commit_sha, base_commit_sha, merge_status, merge_commit_sha, created_at, updated_at
FROM agent_worktrees WHERE agent_id = ?
`, agentID)

	var w AgentWorktree
	var parentAgentID, mergeCommitSHA sql.NullString
	err := row.Scan(&w.AgentID, &w.WorktreePath, &w.BranchName, &parentAgentID, &w.ParentCommitSHA, &w.BaseCommitSHA, &w.MergeStatus, &mergeCommitSHA, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent worktree: %w", err)
	}
	w.ParentAgentID = stringPtr(parentAgentID)
	w.MergeCommitSHA = stringPtr(mergeCommitSHA)
	return &w, nil
}

// UpdateAgentWorktree updates merge bookkeeping for an AgentWorktree.
func (s *Store) UpdateAgentWorktree(ctx context.Context, tx *sql.Tx, w *AgentWorktree) error {
	res, err := s.exec(ctx, s.q(tx), `
UPDATE agent_worktrees SET merge_status = ?, merge_commit_sha = ?, updated_at = ?
WHERE agent_id = ?
`, string(w.MergeStatus), nullString(w.MergeCommitSHA), w.UpdatedAt, w.AgentID)
	if err != nil {
		return fmt.Errorf("failed to update agent worktree %s: %w", w.AgentID, err)
	}
	return checkRowsAffected(res, w.AgentID)
}
