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

// UpsertWorkflowDefinition registers def if its id is new, or updates it in
// place if it already exists — registration is idempotent by id.
func (s *Store) UpsertWorkflowDefinition(ctx context.Context, tx *sql.Tx, def *WorkflowDefinition) error {
	phasesConfig, err := marshalJSON(def.PhasesConfig)
	if err != nil {
		return err
	}
	workflowConfig, err := marshalJSON(def.WorkflowConfig)
	if err != nil {
		return err
	}

	existing, err := s.GetWorkflowDefinition(ctx, tx, def.ID)
	if err != nil && err != ErrNotFound {
		return err
	}

	if existing == nil {
		_, err = s.exec(ctx, s.q(tx), `
INSERT INTO workflow_definitions (id, name, description, phases_config, workflow_config, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, def.ID, def.Name, def.Description, phasesConfig, workflowConfig, def.CreatedAt, def.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert workflow definition: %w", err)
		}
		return nil
	}

	_, err = s.exec(ctx, s.q(tx), `
UPDATE workflow_definitions SET name = ?, description = ?, phases_config = ?, workflow_config = ?, updated_at = ?
WHERE id = ?
`, def.Name, def.Description, phasesConfig, workflowConfig, def.UpdatedAt, def.ID)
	if err != nil {
		return fmt.Errorf("failed to update workflow definition: %w", err)
	}
	return nil
}

// GetWorkflowDefinition fetches a WorkflowDefinition by id, or ErrNotFound.
func (s *Store) GetWorkflowDefinition(ctx context.Context, tx *sql.Tx, id string) (*WorkflowDefinition, error) {
	row := s.queryRow(ctx, s.q(tx), `
SELECT id, name, description, phases_config, workflow_config, created_at, updated_at
FROM workflow_definitions WHERE id = ?
`, id)

	var def WorkflowDefinition
	var phasesConfig, workflowConfig string
	err := row.Scan(&def.ID, &def.Name, &def.Description, &phasesConfig, &workflowConfig, &def.CreatedAt, &def.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow definition: %w", err)
	}
	if err := unmarshalJSON(phasesConfig, &def.PhasesConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal phases_config: %w", err)
	}
	if err := unmarshalJSON(workflowConfig, &def.WorkflowConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow_config: %w", err)
	}
	return &def, nil
}

// CreateWorkflowExecution inserts a new WorkflowExecution.
func (s *Store) CreateWorkflowExecution(ctx context.Context, tx *sql.Tx, e *WorkflowExecution) error {
	launchParams, err := marshalJSON(e.LaunchParams)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, s.q(tx), `
INSERT INTO workflow_executions (id, definition_id, description, working_directory, launch_params, status, result_found, result_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, e.ID, e.DefinitionID, e.Description, e.WorkingDirectory, launchParams, string(e.Status), boolToInt(e.ResultFound), nullString(e.ResultID), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow execution: %w", err)
	}
	return nil
}

// GetWorkflowExecution fetches a WorkflowExecution by id, or ErrNotFound.
func (s *Store) GetWorkflowExecution(ctx context.Context, tx *sql.Tx, id string) (*WorkflowExecution, error) {
	row := s.queryRow(ctx, s.q(tx), `
SELECT id, definition_id, description, working_directory, launch_params, status, result_found, result_id, created_at, updated_at
FROM workflow_executions WHERE id = ?
`, id)
	return scanWorkflowExecution(row)
}

// UpdateWorkflowExecution replaces the mutable fields of a WorkflowExecution.
func (s *Store) UpdateWorkflowExecution(ctx context.Context, tx *sql.Tx, e *WorkflowExecution) error {
	res, err := s.exec(ctx, s.q(tx), `
UPDATE workflow_executions SET status = ?, result_found = ?, result_id = ?, updated_at = ?
WHERE id = ?
`, string(e.Status), boolToInt(e.ResultFound), nullString(e.ResultID), e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update workflow execution %s: %w", e.ID, err)
	}
	return checkRowsAffected(res, e.ID)
}

// ListActiveWorkflowExecutions returns every execution in status "active",
// used by BackgroundLoop's startup recovery to log the executions being
// picked back up.
func (s *Store) ListActiveWorkflowExecutions(ctx context.Context, tx *sql.Tx) ([]*WorkflowExecution, error) {
	rows, err := s.query(ctx, s.q(tx), `
SELECT id, definition_id, description, working_directory, launch_params, status, result_found, result_id, created_at, updated_at
FROM workflow_executions WHERE status = ?
`, string(ExecutionActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query active workflow executions: %w", err)
	}
	defer rows.Close()

	var executions []*WorkflowExecution
	for rows.Next() {
		e, err := scanWorkflowExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func scanWorkflowExecution(row rowScanner) (*WorkflowExecution, error) {
	var e WorkflowExecution
	var launchParams string
	var resultFound int
	var resultID sql.NullString

	err := row.Scan(&e.ID, &e.DefinitionID, &e.Description, &e.WorkingDirectory, &launchParams, &e.Status, &resultFound, &resultID, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow execution: %w", err)
	}
	if err := unmarshalJSON(launchParams, &e.LaunchParams); err != nil {
		return nil, fmt.Errorf("failed to unmarshal launch_params: %w", err)
	}
	e.ResultFound = resultFound != 0
	e.ResultID = stringPtr(resultID)
	return &e, nil
}

// CreatePhase inserts a materialized Phase belonging to a WorkflowExecution.
func (s *Store) CreatePhase(ctx context.Context, tx *sql.Tx, p *Phase) error {
	doneDefs, err := marshalJSON(p.DoneDefinitions)
	if err != nil {
		return err
	}
	cliOverrides, err := marshalJSON(p.CLIOverrides)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, s.q(tx), `
INSERT INTO phases (id, workflow_id, phase_order, name, description, done_definitions, additional_notes, outputs, next_steps, working_directory, validation, cli_overrides, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, p.ID, p.WorkflowID, p.Order, p.Name, p.Description, doneDefs, p.AdditionalNotes, p.Outputs, p.NextSteps, p.WorkingDirectory, p.Validation, cliOverrides, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert phase: %w", err)
	}
	return nil
}

// ListPhasesByWorkflow returns every Phase of a WorkflowExecution in order.
func (s *Store) ListPhasesByWorkflow(ctx context.Context, tx *sql.Tx, workflowID string) ([]*Phase, error) {
	rows, err := s.query(ctx, s.q(tx), `
SELECT id, workflow_id, phase_order, name, description, done_definitions, additional_notes, outputs, next_steps, working_directory, validation, cli_overrides, created_at
FROM phases WHERE workflow_id = ? ORDER BY phase_order ASC
`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query phases: %w", err)
	}
	defer rows.Close()

	var phases []*Phase
	for rows.Next() {
		var p Phase
		var doneDefs, cliOverrides string
		if err := rows.Scan(&p.ID, &p.WorkflowID, &p.Order, &p.Name, &p.Description, &doneDefs, &p.AdditionalNotes, &p.Outputs, &p.NextSteps, &p.WorkingDirectory, &p.Validation, &cliOverrides, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan phase: %w", err)
		}
		if err := unmarshalJSON(doneDefs, &p.DoneDefinitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal done_definitions: %w", err)
		}
		if err := unmarshalJSON(cliOverrides, &p.CLIOverrides); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cli_overrides: %w", err)
		}
		phases = append(phases, &p)
	}
	return phases, rows.Err()
}

// GetPhase fetches a single Phase by id, or ErrNotFound.
func (s *Store) GetPhase(ctx context.Context, tx *sql.Tx, id string) (*Phase, error) {
	row := s.queryRow(ctx, s.q(tx), `
SELECT id, workflow_id, phase_order, name, description, done_definitions, additional_notes, outputs, next_steps, working_directory, validation, cli_overrides, created_at
FROM phases WHERE id = ?
`, id)

	var p Phase
	var doneDefs, cliOverrides string
	scanErr := row.Scan(&p.ID, &p.WorkflowID, &p.Order, &p.Name, &p.Description, &doneDefs, &p.AdditionalNotes, &p.Outputs, &p.NextSteps, &p.WorkingDirectory, &p.Validation, &cliOverrides, &p.CreatedAt)
	if scanErr == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if scanErr != nil {
		return nil, fmt.Errorf("failed to scan phase: %w", scanErr)
	}
	if err := unmarshalJSON(doneDefs, &p.DoneDefinitions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal done_definitions: %w", err)
	}
	if err := unmarshalJSON(cliOverrides, &p.CLIOverrides); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cli_overrides: %w", err)
	}
	return &p, nil
}
