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
	"encoding/json"
	"fmt"
)

// CreateTask inserts a new Task. ID, CreatedAt and UpdatedAt must already be
// set by the caller (pkg/task owns ID generation).
func (s *Store) CreateTask(ctx context.Context, tx *sql.Tx, t *Task) error {
	embedding, err := marshalEmbedding(t.Embedding)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, s.q(tx), `
INSERT INTO tasks (
    id, raw_description, enriched_description, done_definition, status, priority,
    priority_boosted, assigned_agent_id, created_by_agent_id, parent_task_id,
    phase_id, workflow_id, ticket_id, validation_enabled, validation_iteration,
    last_validation_feedback, embedding, duplicate_of_task_id, similarity_score,
    queued_at, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		t.ID, t.RawDescription, t.EnrichedDescription, t.DoneDefinition, string(t.Status), string(t.Priority),
		boolToInt(t.PriorityBoosted), nullString(t.AssignedAgentID), t.CreatedByAgentID, nullString(t.ParentTaskID),
		nullString(t.PhaseID), t.WorkflowID, nullString(t.TicketID), boolToInt(t.ValidationEnabled), t.ValidationIteration,
		t.LastValidationFeedback, embedding, nullString(t.DuplicateOfTaskID), nullFloat(t.SimilarityScore),
		nullTime(t.QueuedAt), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask fetches a Task by id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, tx *sql.Tx, id string) (*Task, error) {
	row := s.queryRow(ctx, s.q(tx), `
SELECT id, raw_description, enriched_description, done_definition, status, priority,
    priority_boosted, assigned_agent_id, created_by_agent_id, parent_task_id,
    phase_id, workflow_id, ticket_id, validation_enabled, validation_iteration,
    last_validation_feedback, embedding, duplicate_of_task_id, similarity_score,
    queued_at, created_at, updated_at
FROM tasks WHERE id = ?
`, id)
	return scanTask(row)
}

// UpdateTask replaces every mutable column of a Task in place.
func (s *Store) UpdateTask(ctx context.Context, tx *sql.Tx, t *Task) error {
	embedding, err := marshalEmbedding(t.Embedding)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, s.q(tx), `
UPDATE tasks SET
    raw_description = ?, enriched_description = ?, done_definition = ?, status = ?,
    priority = ?, priority_boosted = ?, assigned_agent_id = ?, parent_task_id = ?,
    phase_id = ?, ticket_id = ?, validation_enabled = ?, validation_iteration = ?,
    last_validation_feedback = ?, embedding = ?, duplicate_of_task_id = ?,
    similarity_score = ?, queued_at = ?, updated_at = ?
WHERE id = ?
`,
		t.RawDescription, t.EnrichedDescription, t.DoneDefinition, string(t.Status),
		string(t.Priority), boolToInt(t.PriorityBoosted), nullString(t.AssignedAgentID), nullString(t.ParentTaskID),
		nullString(t.PhaseID), nullString(t.TicketID), boolToInt(t.ValidationEnabled), t.ValidationIteration,
		t.LastValidationFeedback, embedding, nullString(t.DuplicateOfTaskID),
		nullFloat(t.SimilarityScore), nullTime(t.QueuedAt), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	return checkRowsAffected(res, t.ID)
}

// ListTasksByWorkflow returns every Task belonging to a WorkflowExecution,
// newest first.
func (s *Store) ListTasksByWorkflow(ctx context.Context, tx *sql.Tx, workflowID string) ([]*Task, error) {
	rows, err := s.query(ctx, s.q(tx), `
SELECT id, raw_description, enriched_description, done_definition, status, priority,
    priority_boosted, assigned_agent_id, created_by_agent_id, parent_task_id,
    phase_id, workflow_id, ticket_id, validation_enabled, validation_iteration,
    last_validation_feedback, embedding, duplicate_of_task_id, similarity_score,
    queued_at, created_at, updated_at
FROM tasks WHERE workflow_id = ? ORDER BY created_at DESC
`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by workflow: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByStatus returns every Task in a given status, across all
// workflows, ordered by priority-boosted-first then oldest-queued-first —
// the order QueueService dequeues in.
func (s *Store) ListTasksByStatus(ctx context.Context, tx *sql.Tx, status TaskStatus) ([]*Task, error) {
	rows, err := s.query(ctx, s.q(tx), `
SELECT id, raw_description, enriched_description, done_definition, status, priority,
    priority_boosted, assigned_agent_id, created_by_agent_id, parent_task_id,
    phase_id, workflow_id, ticket_id, validation_enabled, validation_iteration,
    last_validation_feedback, embedding, duplicate_of_task_id, similarity_score,
    queued_at, created_at, updated_at
FROM tasks WHERE status = ? ORDER BY priority_boosted DESC, queued_at ASC
`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByTicket returns every Task created for a Ticket.
func (s *Store) ListTasksByTicket(ctx context.Context, tx *sql.Tx, ticketID string) ([]*Task, error) {
	rows, err := s.query(ctx, s.q(tx), `
SELECT id, raw_description, enriched_description, done_definition, status, priority,
    priority_boosted, assigned_agent_id, created_by_agent_id, parent_task_id,
    phase_id, workflow_id, ticket_id, validation_enabled, validation_iteration,
    last_validation_feedback, embedding, duplicate_of_task_id, similarity_score,
    queued_at, created_at, updated_at
FROM tasks WHERE ticket_id = ? ORDER BY created_at ASC
`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by ticket: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTaskRow(row rowScanner) (*Task, error) {
	var (
		t                 Task
		assignedAgentID   sql.NullString
		parentTaskID      sql.NullString
		phaseID           sql.NullString
		ticketID          sql.NullString
		embedding         sql.NullString
		duplicateOfTaskID sql.NullString
		similarityScore   sql.NullFloat64
		queuedAt          sql.NullTime
		priorityBoosted   int
		validationEnabled int
	)

	err := row.Scan(
		&t.ID, &t.RawDescription, &t.EnrichedDescription, &t.DoneDefinition, &t.Status, &t.Priority,
		&priorityBoosted, &assignedAgentID, &t.CreatedByAgentID, &parentTaskID,
		&phaseID, &t.WorkflowID, &ticketID, &validationEnabled, &t.ValidationIteration,
		&t.LastValidationFeedback, &embedding, &duplicateOfTaskID, &similarityScore,
		&queuedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.PriorityBoosted = priorityBoosted != 0
	t.ValidationEnabled = validationEnabled != 0
	t.AssignedAgentID = stringPtr(assignedAgentID)
	t.ParentTaskID = stringPtr(parentTaskID)
	t.PhaseID = stringPtr(phaseID)
	t.TicketID = stringPtr(ticketID)
	t.DuplicateOfTaskID = stringPtr(duplicateOfTaskID)
	t.SimilarityScore = floatPtr(similarityScore)
	t.QueuedAt = timePtr(queuedAt)

	if embedding.Valid && embedding.String != "" {
		var vec []float32
		if err := json.Unmarshal([]byte(embedding.String), &vec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task embedding: %w", err)
		}
		t.Embedding = vec
	}

	return &t, nil
}

func marshalEmbedding(v []float32) (string, error) {
	if v == nil {
		return "", nil
	}
	return marshalJSON(v)
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
