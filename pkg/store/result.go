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

// CreateWorkflowResult inserts the deliverable that closes out a
// WorkflowExecution.
func (s *Store) CreateWorkflowResult(ctx context.Context, tx *sql.Tx, r *WorkflowResult) error {
	extraFiles, err := marshalJSON(r.ExtraFiles)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.q(tx), `
INSERT INTO workflow_results (id, workflow_id, content, file_path, extra_files, validation_status, validation_note, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, r.ID, r.WorkflowID, r.Content, r.FilePath, extraFiles, string(r.ValidationStatus), r.ValidationNote, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow result: %w", err)
	}
	return nil
}

// UpdateWorkflowResultValidation records a validator's verdict on a
// WorkflowResult.
func (s *Store) UpdateWorkflowResultValidation(ctx context.Context, tx *sql.Tx, id string, status ValidationStatus, note string) error {
	res, err := s.exec(ctx, s.q(tx), `
UPDATE workflow_results SET validation_status = ?, validation_note = ? WHERE id = ?
`, string(status), note, id)
	if err != nil {
		return fmt.Errorf("failed to update workflow result %s: %w", id, err)
	}
	return checkRowsAffected(res, id)
}

// GetWorkflowResult fetches a WorkflowResult by id, or ErrNotFound.
func (s *Store) GetWorkflowResult(ctx context.Context, tx *sql.Tx, id string) (*WorkflowResult, error) {
	row := s.queryRow(ctx, s.q(tx), `
SELECT id, workflow_id, content, file_path, extra_files, validation_status, validation_note, created_at
FROM workflow_results WHERE id = ?
`, id)

	var r WorkflowResult
	var extraFiles string
	err := row.Scan(&r.ID, &r.WorkflowID, &r.Content, &r.FilePath, &extraFiles, &r.ValidationStatus, &r.ValidationNote, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow result: %w", err)
	}
	if err := unmarshalJSON(extraFiles, &r.ExtraFiles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal extra_files: %w", err)
	}
	return &r, nil
}

// CreateAgentResult inserts the deliverable an agent submits for a Task.
func (s *Store) CreateAgentResult(ctx context.Context, tx *sql.Tx, r *AgentResult) error {
	extraFiles, err := marshalJSON(r.ExtraFiles)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.q(tx), `
INSERT INTO agent_results (id, task_id, agent_id, content, file_path, extra_files, validation_status, validation_note, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, r.ID, r.TaskID, r.AgentID, r.Content, r.FilePath, extraFiles, string(r.ValidationStatus), r.ValidationNote, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent result: %w", err)
	}
	return nil
}

// UpdateAgentResultValidation records a validator's verdict on an
// AgentResult.
func (s *Store) UpdateAgentResultValidation(ctx context.Context, tx *sql.Tx, id string, status ValidationStatus, note string) error {
	res, err := s.exec(ctx, s.q(tx), `
UPDATE agent_results SET validation_status = ?, validation_note = ? WHERE id = ?
`, string(status), note, id)
	if err != nil {
		return fmt.Errorf("failed to update agent result %s: %w", id, err)
	}
	return checkRowsAffected(res, id)
}

// ListAgentResultsByTask returns every AgentResult submitted for a Task,
// oldest first (one per validation iteration).
func (s *Store) ListAgentResultsByTask(ctx context.Context, tx *sql.Tx, taskID string) ([]*AgentResult, error) {
	rows, err := s.query(ctx, s.q(tx), `
SELECT id, task_id, agent_id, content, file_path, extra_files, validation_status, validation_note, created_at
FROM agent_results WHERE task_id = ? ORDER BY created_at ASC
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent results: %w", err)
	}
	defer rows.Close()

	var results []*AgentResult
	for rows.Next() {
		var r AgentResult
		var extraFiles string
		if err := rows.Scan(&r.ID, &r.TaskID, &r.AgentID, &r.Content, &r.FilePath, &extraFiles, &r.ValidationStatus, &r.ValidationNote, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent result: %w", err)
		}
		if err := unmarshalJSON(extraFiles, &r.ExtraFiles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extra_files: %w", err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}
