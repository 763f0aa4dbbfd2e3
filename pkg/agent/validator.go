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

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/ids"
	"github.com/hephaestus-run/hephaestus/pkg/store"
)

// SpawnValidatorAgent opens a tmux session for a validator reviewing t's
// submission. w is expected to already be checked out at commitSHA (the
// caller, pkg/validation, owns that git-level detail) — this method only
// handles the tmux/prompt side of spawning, mirroring SpawnPhaseAgent's
// steps (3)-(7) without the worktree-provisioning step, since validators
// reuse the existing agent's worktree path read-only rather than getting
// their own.
func (m *Manager) SpawnValidatorAgent(ctx context.Context, t *store.Task, w *store.AgentWorktree, commitSHA string) (*store.Agent, error) {
	if t.PhaseID == nil {
		return nil, fmt.Errorf("agent: task %s has no resolved phase", t.ID)
	}
	phase, err := m.store.GetPhase(ctx, nil, *t.PhaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load phase %s: %w", *t.PhaseID, err)
	}

	cliTool := firstNonEmpty(phase.CLIOverrides.CLITool, m.cfg.DefaultCLITool)
	cliModel := firstNonEmpty(phase.CLIOverrides.CLIModel, m.cfg.DefaultCLIModel)
	variant, ok := m.variants.Get(cliTool)
	if !ok {
		variant, _ = m.variants.Get("generic")
	}

	systemPrompt, err := m.llm.GenerateAgentPrompt(ctx, string(store.AgentTypeValidator), t.EnrichedDescription, phase.Description)
	if err != nil {
		return nil, fmt.Errorf("failed to generate validator prompt: %w", err)
	}

	agentID := ids.New()
	session := m.sessionName(agentID) + "_val"
	now := time.Now().UTC()
	ag := &store.Agent{
		ID:              agentID,
		SystemPrompt:    systemPrompt,
		Status:          store.AgentWorking,
		CLIType:         cliTool,
		TmuxSessionName: session,
		CurrentTaskID:   &t.ID,
		AgentType:       store.AgentTypeValidator,
		LastActivity:    now,
		CreatedAt:       now,
	}
	if err := m.store.CreateAgent(ctx, nil, ag); err != nil {
		return nil, fmt.Errorf("failed to persist validator agent: %w", err)
	}

	board, err := m.resolveBoard(ctx, t.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve board config: %w", err)
	}

	message := validatorMessage(t, ag, phase, commitSHA)
	if err := m.launch(ctx, ag, w, phase, board, variant, cliModel, message, t.ID); err != nil {
		return nil, err
	}
	return ag, nil
}

// SpawnResultValidatorAgent opens a tmux session reviewing a
// workflow-level WorkflowResult against its definition's result_criteria.
// Unlike task validators it has no agent worktree of its own to reuse: it
// opens directly in the execution's working directory, since the
// deliverable under review is the workflow's own checkpoint rather than
// one agent's branch.
func (m *Manager) SpawnResultValidatorAgent(ctx context.Context, workflowID string, r *store.WorkflowResult) (*store.Agent, error) {
	execution, err := m.store.GetWorkflowExecution(ctx, nil, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow execution %s: %w", workflowID, err)
	}
	def, err := m.store.GetWorkflowDefinition(ctx, nil, execution.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow definition %s: %w", execution.DefinitionID, err)
	}

	cliTool := m.cfg.DefaultCLITool
	cliModel := m.cfg.DefaultCLIModel
	variant, ok := m.variants.Get(cliTool)
	if !ok {
		variant, _ = m.variants.Get("generic")
	}

	systemPrompt, err := m.llm.GenerateAgentPrompt(ctx, string(store.AgentTypeResultValidator), r.Content, def.WorkflowConfig.ResultCriteria)
	if err != nil {
		return nil, fmt.Errorf("failed to generate result validator prompt: %w", err)
	}

	agentID := ids.New()
	now := time.Now().UTC()
	ag := &store.Agent{
		ID:              agentID,
		SystemPrompt:    systemPrompt,
		Status:          store.AgentWorking,
		CLIType:         cliTool,
		TmuxSessionName: m.sessionName(agentID) + "_resval",
		AgentType:       store.AgentTypeResultValidator,
		LastActivity:    now,
		CreatedAt:       now,
	}
	if err := m.store.CreateAgent(ctx, nil, ag); err != nil {
		return nil, fmt.Errorf("failed to persist result validator agent: %w", err)
	}

	board, err := m.resolveBoard(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve board config: %w", err)
	}

	w := &store.AgentWorktree{WorktreePath: execution.WorkingDirectory}
	message := resultValidatorMessage(r, ag, def.WorkflowConfig.ResultCriteria)
	if err := m.launch(ctx, ag, w, nil, board, variant, cliModel, message, r.ID); err != nil {
		return nil, err
	}
	return ag, nil
}
