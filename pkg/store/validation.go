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
	"time"
)

// CreateValidationReview inserts one iteration's review verdict, for either
// a Task (TaskID set) or a WorkflowResult (ResultID set).
func (s *Store) CreateValidationReview(ctx context.Context, tx *sql.Tx, r *ValidationReview) error {
	_, err := s.exec(ctx, s.q(tx), `
INSERT INTO validation_reviews (id, task_id, result_id, iteration, verdict, feedback, reviewer_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, r.ID, nullString(r.TaskID), nullString(r.ResultID), r.Iteration, string(r.Verdict), r.Feedback, r.ReviewerID, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert validation review: %w", err)
	}
	return nil
}

// ListValidationReviewsByTask returns every review iteration for a Task,
// oldest first.
func (s *Store) ListValidationReviewsByTask(ctx context.Context, tx *sql.Tx, taskID string) ([]*ValidationReview, error) {
	rows, err := s.query(ctx, s.q(tx), `
SELECT id, task_id, result_id, iteration, verdict, feedback, reviewer_id, created_at
FROM validation_reviews WHERE task_id = ? ORDER BY iteration ASC
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query validation reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*ValidationReview
	for rows.Next() {
		var r ValidationReview
		var taskID, resultID sql.NullString
		if err := rows.Scan(&r.ID, &taskID, &resultID, &r.Iteration, &r.Verdict, &r.Feedback, &r.ReviewerID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan validation review: %w", err)
		}
		r.TaskID = stringPtr(taskID)
		r.ResultID = stringPtr(resultID)
		reviews = append(reviews, &r)
	}
	return reviews, rows.Err()
}

// CreatePhaseExecution inserts the per-phase progress row for a
// WorkflowExecution.
func (s *Store) CreatePhaseExecution(ctx context.Context, tx *sql.Tx, p *PhaseExecution) error {
	_, err := s.exec(ctx, s.q(tx), `
INSERT INTO phase_executions (id, workflow_id, phase_id, status, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?)
`, p.ID, p.WorkflowID, p.PhaseID, string(p.Status), nullTime(p.StartedAt), nullTime(p.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to insert phase execution: %w", err)
	}
	return nil
}

// UpdatePhaseExecutionStatus transitions a PhaseExecution's status, stamping
// StartedAt/FinishedAt as appropriate.
func (s *Store) UpdatePhaseExecutionStatus(ctx context.Context, tx *sql.Tx, id string, status PhaseExecutionStatus, startedAt, finishedAt *time.Time) error {
	res, err := s.exec(ctx, s.q(tx), `
UPDATE phase_executions SET status = ?, started_at = ?, finished_at = ? WHERE id = ?
`, string(status), nullTime(startedAt), nullTime(finishedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update phase execution %s: %w", id, err)
	}
	return checkRowsAffected(res, id)
}

// ListPhaseExecutionsByWorkflow returns every PhaseExecution row for a
// WorkflowExecution, used to detect whether every phase is complete.
func (s *Store) ListPhaseExecutionsByWorkflow(ctx context.Context, tx *sql.Tx, workflowID string) ([]*PhaseExecution, error) {
	rows, err := s.query(ctx, s.q(tx), `
SELECT id, workflow_id, phase_id, status, started_at, finished_at FROM phase_executions WHERE workflow_id = ?
`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query phase executions: %w", err)
	}
	defer rows.Close()

	var executions []*PhaseExecution
	for rows.Next() {
		var p PhaseExecution
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.WorkflowID, &p.PhaseID, &p.Status, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan phase execution: %w", err)
		}
		p.StartedAt = timePtr(startedAt)
		p.FinishedAt = timePtr(finishedAt)
		executions = append(executions, &p)
	}
	return executions, rows.Err()
}
