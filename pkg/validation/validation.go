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

// Package validation implements ValidationEngine: the task- and
// result-level review cycle that sits between an agent's submission and a
// workflow accepting it. A validator is itself just another CLI agent —
// spawned read-only against the commit (or deliverable) under review — so
// this package's job is the state machine around that agent, not the
// review itself.
package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/events"
	"github.com/hephaestus-run/hephaestus/pkg/ids"
	"github.com/hephaestus-run/hephaestus/pkg/queue"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/worktree"
)

// agentSpawner is the forward-reference interface into AgentManager:
// ValidationEngine depends on it only to spawn/terminate/message agents,
// never the reverse. Mirrors pkg/task.Spawner's narrowing.
type agentSpawner interface {
	SpawnValidatorAgent(ctx context.Context, t *store.Task, w *store.AgentWorktree, commitSHA string) (*store.Agent, error)
	SpawnResultValidatorAgent(ctx context.Context, workflowID string, r *store.WorkflowResult) (*store.Agent, error)
	SpawnPhaseAgent(ctx context.Context, t *store.Task) error
	TerminateAgent(ctx context.Context, agentID string) error
	Send(ctx context.Context, from, to, message string) error
}

// worktreeEngine is the subset of worktree.Engine ValidationEngine drives
// directly: committing the agent's pending work, switching its worktree
// between the detached review commit and its own branch, and merging a
// passed task into its parent.
type worktreeEngine interface {
	CommitForValidation(ctx context.Context, w *store.AgentWorktree, iteration int) (*worktree.CommitForValidationResult, error)
	CheckoutCommit(ctx context.Context, w *store.AgentWorktree, commitSHA string) error
	RestoreBranch(ctx context.Context, w *store.AgentWorktree) error
	MergeToParent(ctx context.Context, w *store.AgentWorktree) (*worktree.MergeToParentResult, error)
}

// Engine is ValidationEngine.
type Engine struct {
	store     *store.Store
	agents    agentSpawner
	worktrees worktreeEngine
	queue     *queue.Queue
	publisher events.Publisher
}

// New returns an Engine wired to its collaborators.
func New(st *store.Store, agents agentSpawner, worktrees worktreeEngine, q *queue.Queue, publisher events.Publisher) *Engine {
	return &Engine{store: st, agents: agents, worktrees: worktrees, queue: q, publisher: publisher}
}

// BeginTaskValidation runs the task-validation sequence: mark the task
// under_review, keep the original agent alive, commit its worktree at the
// next validation iteration, check that commit out detached, and spawn a
// validator agent against it.
func (e *Engine) BeginTaskValidation(ctx context.Context, t *store.Task) error {
	if t.AssignedAgentID == nil {
		return fmt.Errorf("validation: task %s has no assigned agent", t.ID)
	}

	now := time.Now().UTC()
	t.Status = store.TaskUnderReview
	t.ValidationIteration++
	t.UpdatedAt = now
	if err := e.store.UpdateTask(ctx, nil, t); err != nil {
		return fmt.Errorf("failed to mark task under review: %w", err)
	}

	ag, err := e.store.GetAgent(ctx, nil, *t.AssignedAgentID)
	if err != nil {
		return fmt.Errorf("failed to load assigned agent: %w", err)
	}
	ag.KeptAliveForValidation = true
	ag.LastActivity = now
	if err := e.store.UpdateAgent(ctx, nil, ag); err != nil {
		return fmt.Errorf("failed to keep agent alive for validation: %w", err)
	}

	w, err := e.store.GetAgentWorktree(ctx, nil, ag.ID)
	if err != nil {
		return fmt.Errorf("failed to load agent worktree: %w", err)
	}

	commit, err := e.worktrees.CommitForValidation(ctx, w, t.ValidationIteration)
	if err != nil {
		return fmt.Errorf("failed to commit work for validation: %w", err)
	}
	if err := e.worktrees.CheckoutCommit(ctx, w, commit.CommitSHA); err != nil {
		return fmt.Errorf("failed to check out validation commit: %w", err)
	}

	validator, err := e.agents.SpawnValidatorAgent(ctx, t, w, commit.CommitSHA)
	if err != nil {
		return fmt.Errorf("failed to spawn validator agent: %w", err)
	}

	t.Status = store.TaskValidationInProgress
	t.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateTask(ctx, nil, t); err != nil {
		return fmt.Errorf("failed to mark task validation in progress: %w", err)
	}

	e.publish(events.ValidationStarted, t.WorkflowID, map[string]any{
		"task_id":            t.ID,
		"validator_agent_id": validator.ID,
		"commit_sha":         commit.CommitSHA,
		"iteration":          t.ValidationIteration,
	})
	return nil
}

// ReviewTaskParams is the verdict a validator agent reports back through
// its give_validation_review tool call.
type ReviewTaskParams struct {
	ValidatorAgentID string
	Passed           bool
	Feedback         string
}

// ReviewTask applies a validator's verdict (spec.md's task-validation
// branch): on pass, every AgentResult for the task is promoted, the
// worktree is merged into its parent, the merge commit is linked to the
// task's ticket if any, the task is marked done, both agents are
// terminated, and the queue is re-processed now that a concurrency slot
// freed up. On fail, the task goes to needs_work, the feedback is
// forwarded into the original agent's session, and only the validator is
// terminated.
func (e *Engine) ReviewTask(ctx context.Context, taskID string, params ReviewTaskParams) (*store.Task, error) {
	t, err := e.store.GetTask(ctx, nil, taskID)
	if err != nil {
		return nil, err
	}
	if t.AssignedAgentID == nil {
		return nil, fmt.Errorf("validation: task %s has no assigned agent", taskID)
	}

	now := time.Now().UTC()
	verdict := store.ValidationRejected
	if params.Passed {
		verdict = store.ValidationApproved
	}
	review := &store.ValidationReview{
		ID:         ids.New(),
		TaskID:     &taskID,
		Iteration:  t.ValidationIteration,
		Verdict:    verdict,
		Feedback:   params.Feedback,
		ReviewerID: params.ValidatorAgentID,
		CreatedAt:  now,
	}
	if err := e.store.CreateValidationReview(ctx, nil, review); err != nil {
		return nil, fmt.Errorf("failed to persist validation review: %w", err)
	}

	if !params.Passed {
		return e.rejectTask(ctx, t, params, now)
	}
	return e.approveTask(ctx, t, params, now)
}

func (e *Engine) rejectTask(ctx context.Context, t *store.Task, params ReviewTaskParams, now time.Time) (*store.Task, error) {
	t.Status = store.TaskNeedsWork
	t.LastValidationFeedback = params.Feedback
	t.UpdatedAt = now
	if err := e.store.UpdateTask(ctx, nil, t); err != nil {
		return nil, fmt.Errorf("failed to mark task needs_work: %w", err)
	}

	if err := e.agents.Send(ctx, params.ValidatorAgentID, *t.AssignedAgentID, params.Feedback); err != nil {
		return nil, fmt.Errorf("failed to forward validation feedback: %w", err)
	}
	if err := e.agents.TerminateAgent(ctx, params.ValidatorAgentID); err != nil {
		return nil, fmt.Errorf("failed to terminate validator agent: %w", err)
	}

	e.publish(events.ValidationCompleted, t.WorkflowID, map[string]any{
		"task_id": t.ID, "passed": false, "iteration": t.ValidationIteration,
	})
	return t, nil
}

func (e *Engine) approveTask(ctx context.Context, t *store.Task, params ReviewTaskParams, now time.Time) (*store.Task, error) {
	results, err := e.store.ListAgentResultsByTask(ctx, nil, t.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent results: %w", err)
	}
	for _, r := range results {
		if r.ValidationStatus == store.ValidationApproved {
			continue
		}
		if err := e.store.UpdateAgentResultValidation(ctx, nil, r.ID, store.ValidationApproved, params.Feedback); err != nil {
			return nil, fmt.Errorf("failed to promote agent result %s: %w", r.ID, err)
		}
	}

	w, err := e.store.GetAgentWorktree(ctx, nil, *t.AssignedAgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent worktree: %w", err)
	}
	if err := e.worktrees.RestoreBranch(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to restore agent branch before merge: %w", err)
	}
	merge, err := e.worktrees.MergeToParent(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("failed to merge validated work to parent: %w", err)
	}

	if t.TicketID != nil && *t.TicketID != "" {
		if err := e.store.LinkTicketCommit(ctx, nil, &store.TicketCommit{
			ID:        ids.New(),
			TicketID:  *t.TicketID,
			CommitSHA: merge.CommitSHA,
			Message:   fmt.Sprintf("validated merge for task %s", t.ID),
			CreatedAt: now,
		}); err != nil {
			return nil, fmt.Errorf("failed to link merge commit to ticket: %w", err)
		}
	}

	t.Status = store.TaskDone
	t.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateTask(ctx, nil, t); err != nil {
		return nil, fmt.Errorf("failed to mark task done: %w", err)
	}

	if err := e.agents.TerminateAgent(ctx, *t.AssignedAgentID); err != nil {
		return nil, fmt.Errorf("failed to terminate original agent: %w", err)
	}
	if err := e.agents.TerminateAgent(ctx, params.ValidatorAgentID); err != nil {
		return nil, fmt.Errorf("failed to terminate validator agent: %w", err)
	}

	if err := e.processQueue(ctx); err != nil {
		return nil, fmt.Errorf("failed to process queue after validation: %w", err)
	}

	e.publish(events.ValidationCompleted, t.WorkflowID, map[string]any{
		"task_id": t.ID, "passed": true, "merge_commit_sha": merge.CommitSHA,
	})
	return t, nil
}

// processQueue re-runs admission over every ready queued task, now that a
// validation pass may have freed an agent-concurrency slot.
func (e *Engine) processQueue(ctx context.Context) error {
	ready, err := e.queue.DequeueReady(ctx)
	if err != nil {
		return err
	}
	for _, task := range ready {
		decision, err := e.queue.Admit(ctx, e.agents.(queue.Admitter), task)
		if err != nil {
			return err
		}
		if decision.Queued {
			continue
		}
		if err := e.agents.SpawnPhaseAgent(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// BeginResultValidation spawns a result validator against a submitted
// WorkflowResult. Unlike task validation there is no worktree to commit or
// checkout first: the deliverable is already final by the time it's
// submitted.
func (e *Engine) BeginResultValidation(ctx context.Context, r *store.WorkflowResult) error {
	validator, err := e.agents.SpawnResultValidatorAgent(ctx, r.WorkflowID, r)
	if err != nil {
		return fmt.Errorf("failed to spawn result validator agent: %w", err)
	}
	e.publish(events.ValidationStarted, r.WorkflowID, map[string]any{
		"result_id": r.ID, "validator_agent_id": validator.ID,
	})
	return nil
}

// ReviewResultParams is the verdict a result validator reports back
// through its submit_result_validation tool call.
type ReviewResultParams struct {
	ValidatorAgentID string
	Passed           bool
	Feedback         string
}

// ReviewResult applies a result validator's verdict. On pass, if the
// workflow definition's on_result_found is stop_all, every other
// in-flight task and agent for the workflow is cancelled and the
// execution is marked completed-by-result.
func (e *Engine) ReviewResult(ctx context.Context, resultID string, params ReviewResultParams) (*store.WorkflowResult, error) {
	r, err := e.store.GetWorkflowResult(ctx, nil, resultID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	verdict := store.ValidationRejected
	if params.Passed {
		verdict = store.ValidationApproved
	}
	review := &store.ValidationReview{
		ID:         ids.New(),
		ResultID:   &resultID,
		Iteration:  1,
		Verdict:    verdict,
		Feedback:   params.Feedback,
		ReviewerID: params.ValidatorAgentID,
		CreatedAt:  now,
	}
	if err := e.store.CreateValidationReview(ctx, nil, review); err != nil {
		return nil, fmt.Errorf("failed to persist result validation review: %w", err)
	}
	if err := e.store.UpdateWorkflowResultValidation(ctx, nil, resultID, verdict, params.Feedback); err != nil {
		return nil, fmt.Errorf("failed to update workflow result validation: %w", err)
	}
	r.ValidationStatus = verdict
	r.ValidationNote = params.Feedback

	if err := e.agents.TerminateAgent(ctx, params.ValidatorAgentID); err != nil {
		return nil, fmt.Errorf("failed to terminate result validator agent: %w", err)
	}

	if !params.Passed {
		e.publish(events.ValidationCompleted, r.WorkflowID, map[string]any{"result_id": r.ID, "passed": false})
		return r, nil
	}

	execution, err := e.store.GetWorkflowExecution(ctx, nil, r.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow execution: %w", err)
	}
	def, err := e.store.GetWorkflowDefinition(ctx, nil, execution.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow definition: %w", err)
	}

	if def.WorkflowConfig.OnResultFound == "stop_all" {
		if err := e.stopWorkflow(ctx, execution, resultID); err != nil {
			return nil, fmt.Errorf("failed to stop workflow after result found: %w", err)
		}
	}

	e.publish(events.ValidationCompleted, r.WorkflowID, map[string]any{"result_id": r.ID, "passed": true})
	return r, nil
}

// stopWorkflow marks every task of execution that is not yet done, failed
// or duplicated as failed and terminates its assigned agent, then marks the
// execution completed with ResultFound/ResultID set — the
// on_result_found=stop_all cascade.
func (e *Engine) stopWorkflow(ctx context.Context, execution *store.WorkflowExecution, resultID string) error {
	now := time.Now().UTC()

	tasks, err := e.store.ListTasksByWorkflow(ctx, nil, execution.ID)
	if err != nil {
		return fmt.Errorf("failed to list workflow tasks: %w", err)
	}
	for _, t := range tasks {
		switch t.Status {
		case store.TaskDone, store.TaskFailed, store.TaskDuplicated:
			continue
		}
		t.Status = store.TaskFailed
		t.LastValidationFeedback = "cancelled: workflow result found"
		t.QueuedAt = nil
		t.UpdatedAt = now
		if err := e.store.UpdateTask(ctx, nil, t); err != nil {
			return fmt.Errorf("failed to cancel task %s: %w", t.ID, err)
		}
		if t.AssignedAgentID != nil {
			if err := e.agents.TerminateAgent(ctx, *t.AssignedAgentID); err != nil {
				return fmt.Errorf("failed to terminate agent for task %s: %w", t.ID, err)
			}
		}
	}

	execution.Status = store.ExecutionCompleted
	execution.ResultFound = true
	execution.ResultID = &resultID
	execution.UpdatedAt = now
	if err := e.store.UpdateWorkflowExecution(ctx, nil, execution); err != nil {
		return fmt.Errorf("failed to mark workflow execution completed: %w", err)
	}

	e.publish(events.WorkflowCompleted, execution.ID, map[string]any{"result_id": resultID})
	return nil
}

func (e *Engine) publish(typ events.Type, workflowID string, payload map[string]any) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(events.New(typ, workflowID, payload))
}
