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

// Package workflow is the PhaseEngine: definition registry, per-execution
// phase materialization, phase resolution, and workflow-level configuration
// lookup.
package workflow

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/hephaestus-run/hephaestus/pkg/store"
)

// Engine is the PhaseEngine. It owns no state of its own; every read and
// write goes through Store so multiple Engine instances (e.g. across API
// replicas) stay consistent.
type Engine struct {
	store *store.Store
}

// New returns an Engine backed by st.
func New(st *store.Store) *Engine {
	return &Engine{store: st}
}

// RegisterDefinition registers def. Re-registering an existing id updates
// name, description, phases_config and workflow_config in place — the
// teacher's registry.go pattern generalized to persistent idempotent
// upsert instead of an in-memory map.
func (e *Engine) RegisterDefinition(ctx context.Context, def *store.WorkflowDefinition) error {
	if def.WorkflowConfig.HasResult && def.WorkflowConfig.ResultCriteria == "" {
		return fmt.Errorf("workflow definition %s: has_result requires a non-empty result_criteria", def.ID)
	}

	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	return e.store.UpsertWorkflowDefinition(ctx, nil, def)
}

// StartExecutionParams are the caller-supplied inputs to StartExecution.
type StartExecutionParams struct {
	DefinitionID     string
	Description      string
	WorkingDirectory string
	LaunchParams     map[string]string
}

// StartExecution creates a WorkflowExecution and materializes one Phase
// plus a PhaseExecution per entry of the definition's phases_config (the
// first in_progress, the rest pending), substituting `{key}` placeholders
// from LaunchParams.
func (e *Engine) StartExecution(ctx context.Context, params StartExecutionParams) (*store.WorkflowExecution, error) {
	def, err := e.store.GetWorkflowDefinition(ctx, nil, params.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow definition %s: %w", params.DefinitionID, err)
	}

	now := time.Now().UTC()
	execution := &store.WorkflowExecution{
		ID:               uuid.NewString(),
		DefinitionID:     def.ID,
		Description:      params.Description,
		WorkingDirectory: params.WorkingDirectory,
		LaunchParams:     params.LaunchParams,
		Status:           store.ExecutionActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := e.store.CreateWorkflowExecution(ctx, nil, execution); err != nil {
		return nil, err
	}

	for i, tmpl := range def.PhasesConfig {
		phase := &store.Phase{
			ID:               uuid.NewString(),
			WorkflowID:       execution.ID,
			Order:            i + 1,
			Name:             Substitute(tmpl.Name, params.LaunchParams),
			Description:      Substitute(tmpl.Description, params.LaunchParams),
			DoneDefinitions:  SubstituteList(tmpl.DoneDefinitions, params.LaunchParams),
			AdditionalNotes:  Substitute(tmpl.AdditionalNotes, params.LaunchParams),
			Outputs:          Substitute(tmpl.Outputs, params.LaunchParams),
			NextSteps:        Substitute(tmpl.NextSteps, params.LaunchParams),
			WorkingDirectory: Substitute(tmpl.WorkingDirectory, params.LaunchParams),
			Validation:       Substitute(tmpl.Validation, params.LaunchParams),
			CLIOverrides:     tmpl.CLIOverrides,
			CreatedAt:        now,
		}
		if err := e.store.CreatePhase(ctx, nil, phase); err != nil {
			return nil, err
		}

		status := store.PhaseExecPending
		var startedAt *time.Time
		if i == 0 {
			status = store.PhaseExecInProgress
			startedAt = &now
		}
		phaseExec := &store.PhaseExecution{
			ID:         uuid.NewString(),
			WorkflowID: execution.ID,
			PhaseID:    phase.ID,
			Status:     status,
			StartedAt:  startedAt,
		}
		if err := e.store.CreatePhaseExecution(ctx, nil, phaseExec); err != nil {
			return nil, err
		}
	}

	return execution, nil
}

// ResolveRequest carries every input phase resolution might need,
// per the priority order in spec.md §4.4.
type ResolveRequest struct {
	WorkflowID string
	PhaseID    string // explicit UUID, highest priority
	Order      int    // positive integer order, second priority
	AgentID    string // existing agent, third priority
}

// ResolvePhase implements the phase-resolution priority order:
// (1) explicit phase_id, (2) (workflow_id, order), (3) the calling agent's
// current task's phase, (4) the lowest-order pending/in_progress phase.
// WorkflowID is always read from the request; no "current workflow"
// singleton is ever consulted, so concurrent multi-workflow callers never
// cross-contaminate.
func (e *Engine) ResolvePhase(ctx context.Context, req ResolveRequest) (*store.Phase, error) {
	if req.PhaseID != "" {
		return e.store.GetPhase(ctx, nil, req.PhaseID)
	}

	if req.Order > 0 {
		phases, err := e.store.ListPhasesByWorkflow(ctx, nil, req.WorkflowID)
		if err != nil {
			return nil, err
		}
		for _, p := range phases {
			if p.Order == req.Order {
				return p, nil
			}
		}
		return nil, fmt.Errorf("no phase with order %d in workflow %s", req.Order, req.WorkflowID)
	}

	if req.AgentID != "" {
		agent, err := e.store.GetAgent(ctx, nil, req.AgentID)
		if err == nil && agent.CurrentTaskID != nil {
			task, err := e.store.GetTask(ctx, nil, *agent.CurrentTaskID)
			if err == nil && task.PhaseID != nil {
				return e.store.GetPhase(ctx, nil, *task.PhaseID)
			}
		}
	}

	executions, err := e.store.ListPhaseExecutionsByWorkflow(ctx, nil, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	phases, err := e.store.ListPhasesByWorkflow(ctx, nil, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	phaseByID := make(map[string]*store.Phase, len(phases))
	for _, p := range phases {
		phaseByID[p.ID] = p
	}

	var best *store.Phase
	for _, pe := range executions {
		if pe.Status != store.PhaseExecPending && pe.Status != store.PhaseExecInProgress {
			continue
		}
		p, ok := phaseByID[pe.PhaseID]
		if !ok {
			continue
		}
		if best == nil || p.Order < best.Order {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no open phase in workflow %s", req.WorkflowID)
	}
	return best, nil
}

// CompletePhaseIfDone checks whether phaseID has no task in an incomplete
// state and at least one completed task; if so it marks the PhaseExecution
// completed and advances the next pending PhaseExecution to in_progress.
// Returns whether the phase was completed by this call.
func (e *Engine) CompletePhaseIfDone(ctx context.Context, workflowID, phaseID string) (bool, error) {
	tasks, err := e.store.ListTasksByWorkflow(ctx, nil, workflowID)
	if err != nil {
		return false, err
	}

	var sawCompleted bool
	for _, t := range tasks {
		if t.PhaseID == nil || *t.PhaseID != phaseID {
			continue
		}
		if isIncomplete(t.Status) {
			return false, nil
		}
		if t.Status == store.TaskDone {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		return false, nil
	}

	executions, err := e.store.ListPhaseExecutionsByWorkflow(ctx, nil, workflowID)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	var currentOrder = -1
	phases, err := e.store.ListPhasesByWorkflow(ctx, nil, workflowID)
	if err != nil {
		return false, err
	}
	orderByPhaseID := make(map[string]int, len(phases))
	for _, p := range phases {
		orderByPhaseID[p.ID] = p.Order
	}

	for _, pe := range executions {
		if pe.PhaseID == phaseID {
			if err := e.store.UpdatePhaseExecutionStatus(ctx, nil, pe.ID, store.PhaseExecCompleted, pe.StartedAt, &now); err != nil {
				return false, err
			}
			currentOrder = orderByPhaseID[pe.PhaseID]
		}
	}

	if currentOrder < 0 {
		return true, nil
	}

	var next *store.PhaseExecution
	for _, pe := range executions {
		if pe.Status != store.PhaseExecPending {
			continue
		}
		order := orderByPhaseID[pe.PhaseID]
		if order <= currentOrder {
			continue
		}
		if next == nil || order < orderByPhaseID[next.PhaseID] {
			pe := pe
			next = pe
		}
	}
	if next != nil {
		if err := e.store.UpdatePhaseExecutionStatus(ctx, nil, next.ID, store.PhaseExecInProgress, &now, nil); err != nil {
			return false, err
		}
	}

	return true, nil
}

func isIncomplete(status store.TaskStatus) bool {
	switch status {
	case store.TaskDone, store.TaskFailed, store.TaskDuplicated:
		return false
	default:
		return true
	}
}

// placeholderPattern matches `{key}` placeholders in phase template text.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Substitute replaces every `{key}` placeholder in text with the stringified
// value of params[key]; missing keys become the empty string.
func Substitute(text string, params map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := match[1 : len(match)-1]
		return params[key]
	})
}

// SubstituteList applies Substitute element-wise.
func SubstituteList(values []string, params map[string]string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = Substitute(v, params)
	}
	return out
}
