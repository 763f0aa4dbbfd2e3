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

// Package agent is AgentManager: it spawns, restarts, and terminates the
// tmux-backed CLI agent sessions that do the actual coding work, and
// relays broadcast/direct messages between them.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/events"
	"github.com/hephaestus-run/hephaestus/pkg/ids"
	"github.com/hephaestus-run/hephaestus/pkg/llmprovider"
	"github.com/hephaestus-run/hephaestus/pkg/registry"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/worktree"
)

// sessionRunner is the subset of pkg/tmux.Client that AgentManager depends
// on, narrowed to an interface so tests can substitute a fake instead of
// shelling out to a real tmux binary.
type sessionRunner interface {
	NewSession(ctx context.Context, name, workDir string) error
	HasSession(ctx context.Context, name string) bool
	SendKeys(ctx context.Context, session, text string, enter bool) error
	SetEnv(ctx context.Context, session, key, value string) error
	CapturePane(ctx context.Context, session string, maxLines int) (string, error)
	KillSession(ctx context.Context, session string) error
}

// worktreeProvisioner is the subset of pkg/worktree.Engine that
// AgentManager depends on, narrowed for the same reason as sessionRunner.
type worktreeProvisioner interface {
	CreateAgentWorktree(ctx context.Context, params worktree.CreateAgentWorktreeParams) (*store.AgentWorktree, error)
	MergeMainIntoBranch(ctx context.Context, w *store.AgentWorktree) (*worktree.MergeResult, error)
}

// Config tunes AgentManager's non-structural knobs.
type Config struct {
	TmuxSessionPrefix string
	DefaultCLITool    string
	DefaultCLIModel   string
	GLMAPITokenEnv    string
	InitWait          time.Duration
	ChunkSize         int
	ChunkDelay        time.Duration
	VerifyRetries     int
	TerminationLines  int
}

// SetDefaults fills zero-valued fields with the documented defaults.
func (c *Config) SetDefaults() {
	if c.TmuxSessionPrefix == "" {
		c.TmuxSessionPrefix = "hephaestus"
	}
	if c.DefaultCLITool == "" {
		c.DefaultCLITool = "claude"
	}
	if c.InitWait == 0 {
		c.InitWait = 3 * time.Second
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 2500
	}
	if c.ChunkDelay == 0 {
		c.ChunkDelay = 150 * time.Millisecond
	}
	if c.VerifyRetries == 0 {
		c.VerifyRetries = 3
	}
	if c.TerminationLines == 0 {
		c.TerminationLines = 10000
	}
}

// Manager is AgentManager.
type Manager struct {
	store     *store.Store
	worktrees worktreeProvisioner
	tmux      sessionRunner
	llm       llmprovider.Provider
	publisher events.Publisher
	variants  registry.Registry[CLIVariant]
	cfg       Config
}

// New returns a Manager wired to its collaborators. variants may be nil, in
// which case DefaultVariants() is used.
func New(st *store.Store, worktrees worktreeProvisioner, tmuxClient sessionRunner, llm llmprovider.Provider, publisher events.Publisher, variants registry.Registry[CLIVariant], cfg Config) *Manager {
	cfg.SetDefaults()
	if variants == nil {
		variants = DefaultVariants()
	}
	return &Manager{
		store:     st,
		worktrees: worktrees,
		tmux:      tmuxClient,
		llm:       llm,
		publisher: publisher,
		variants:  variants,
		cfg:       cfg,
	}
}

func (m *Manager) sessionName(agentID string) string {
	return fmt.Sprintf("%s_%s", m.cfg.TmuxSessionPrefix, ids.Short(agentID))
}

// SpawnPhaseAgent implements pkg/task.Spawner, running spec.md §4.7's
// 7-step spawn sequence for a phase agent assigned to t.
func (m *Manager) SpawnPhaseAgent(ctx context.Context, t *store.Task) error {
	if t.PhaseID == nil {
		return fmt.Errorf("agent: task %s has no resolved phase", t.ID)
	}
	phase, err := m.store.GetPhase(ctx, nil, *t.PhaseID)
	if err != nil {
		return fmt.Errorf("failed to load phase %s: %w", *t.PhaseID, err)
	}

	// Step (1): allocate id, pick cli_type/cli_model (phase overrides beat
	// global defaults).
	agentID := ids.New()
	cliTool := firstNonEmpty(phase.CLIOverrides.CLITool, m.cfg.DefaultCLITool)
	cliModel := firstNonEmpty(phase.CLIOverrides.CLIModel, m.cfg.DefaultCLIModel)
	variant, ok := m.variants.Get(cliTool)
	if !ok {
		variant, _ = m.variants.Get("generic")
	}

	// Step (2): worktree inheriting from the parent task's agent, if any.
	var parentAgentID *string
	if t.ParentTaskID != nil {
		if parentTask, err := m.store.GetTask(ctx, nil, *t.ParentTaskID); err == nil && parentTask.AssignedAgentID != nil {
			parentAgentID = parentTask.AssignedAgentID
		}
	}
	w, err := m.worktrees.CreateAgentWorktree(ctx, worktree.CreateAgentWorktreeParams{
		AgentID:       agentID,
		ParentAgentID: parentAgentID,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent worktree: %w", err)
	}
	if _, err := m.worktrees.MergeMainIntoBranch(ctx, w); err != nil {
		return fmt.Errorf("failed to merge trunk into agent branch: %w", err)
	}

	// Step (3): compose the system prompt via the LLM provider.
	systemPrompt, err := m.llm.GenerateAgentPrompt(ctx, string(store.AgentTypePhase), t.EnrichedDescription, phase.Description)
	if err != nil {
		return fmt.Errorf("failed to generate agent prompt: %w", err)
	}

	session := m.sessionName(agentID)
	now := time.Now().UTC()
	ag := &store.Agent{
		ID:              agentID,
		SystemPrompt:    systemPrompt,
		Status:          store.AgentWorking,
		CLIType:         cliTool,
		TmuxSessionName: session,
		CurrentTaskID:   &t.ID,
		AgentType:       store.AgentTypePhase,
		LastActivity:    now,
		CreatedAt:       now,
	}
	if err := m.store.CreateAgent(ctx, nil, ag); err != nil {
		return fmt.Errorf("failed to persist agent: %w", err)
	}

	t.AssignedAgentID = &agentID
	t.Status = store.TaskInProgress
	t.UpdatedAt = now
	if err := m.store.UpdateTask(ctx, nil, t); err != nil {
		return fmt.Errorf("failed to assign task to agent: %w", err)
	}

	board, err := m.resolveBoard(ctx, t.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to resolve board config: %w", err)
	}

	initialMessage := buildInitialMessage(t, ag, phase, "")
	if err := m.launch(ctx, ag, w, phase, board, variant, cliModel, initialMessage, t.ID); err != nil {
		return err
	}

	m.publish(events.AgentSpawned, t.WorkflowID, map[string]any{"agent_id": agentID, "task_id": t.ID})
	return nil
}

// launch performs spawn steps (4)-(7): env overrides, session open,
// bounded init wait, and initial-message delivery.
func (m *Manager) launch(ctx context.Context, ag *store.Agent, w *store.AgentWorktree, phase *store.Phase, board *store.BoardConfig, variant CLIVariant, cliModel, message, verifyMarker string) error {
	// Debug prompt dump, keyed by agent id (spec.md §6.4 persisted state
	// layout).
	dumpPath := filepath.Join(os.TempDir(), fmt.Sprintf("hephaestus-prompt-%s.txt", ag.ID))
	_ = os.WriteFile(dumpPath, []byte(ag.SystemPrompt+"\n\n"+message), 0o644)

	if err := m.tmux.NewSession(ctx, ag.TmuxSessionName, w.WorktreePath); err != nil {
		return fmt.Errorf("failed to open tmux session: %w", err)
	}

	// Step (4): environment overrides. phase is nil for result-validator
	// agents, which have no per-phase CLI overrides to consult.
	if isGLMModel(cliModel) {
		phaseGLMEnv := ""
		if phase != nil {
			phaseGLMEnv = phase.CLIOverrides.GLMAPITokenEnv
		}
		tokenEnv := firstNonEmpty(phaseGLMEnv, m.cfg.GLMAPITokenEnv)
		if tokenEnv != "" {
			if token := os.Getenv(tokenEnv); token != "" {
				_ = m.tmux.SetEnv(ctx, ag.TmuxSessionName, "ANTHROPIC_AUTH_TOKEN", token)
			}
		}
	}
	approvalTimeoutMS := 0
	if board != nil && board.RequiresHumanReview && isClaudeFamily(variant.Name) {
		approvalTimeoutMS = board.ApprovalTimeoutSec * 1000
		_ = m.tmux.SetEnv(ctx, ag.TmuxSessionName, "APPROVAL_TOOL_TIMEOUT_MS", fmt.Sprintf("%d", approvalTimeoutMS))
	}

	// Step (5): send the CLI launch command.
	launchParams := LaunchParams{Model: cliModel, ApprovalTimeoutMS: approvalTimeoutMS}
	if variant.PromptViaFile {
		launchParams.PromptFilePath = dumpPath
	}
	if err := m.tmux.SendKeys(ctx, ag.TmuxSessionName, variant.LaunchCommand(launchParams), true); err != nil {
		return fmt.Errorf("failed to send launch command: %w", err)
	}

	// Step (6): bounded init wait.
	time.Sleep(m.cfg.InitWait)
	if !m.tmux.HasSession(ctx, ag.TmuxSessionName) {
		ag.Status = store.AgentTerminated
		_ = m.store.UpdateAgent(ctx, nil, ag)
		return fmt.Errorf("agent %s: tmux session exited during initialization", ag.ID)
	}

	// Step (7): deliver the initial message.
	return m.deliverInitialMessage(ctx, ag, variant, message, verifyMarker)
}

func (m *Manager) deliverInitialMessage(ctx context.Context, ag *store.Agent, variant CLIVariant, message, verifyMarker string) error {
	if variant.PromptViaFile {
		time.Sleep(m.cfg.ChunkDelay)
		return m.tmux.SendKeys(ctx, ag.TmuxSessionName, "", true)
	}

	for i := 0; i < len(message); i += m.cfg.ChunkSize {
		end := i + m.cfg.ChunkSize
		if end > len(message) {
			end = len(message)
		}
		if err := m.tmux.SendKeys(ctx, ag.TmuxSessionName, message[i:end], false); err != nil {
			return fmt.Errorf("failed to paste prompt chunk: %w", err)
		}
		time.Sleep(m.cfg.ChunkDelay)
	}
	if err := m.tmux.SendKeys(ctx, ag.TmuxSessionName, "", true); err != nil {
		return fmt.Errorf("failed to finalize prompt delivery: %w", err)
	}

	for attempt := 0; attempt < m.cfg.VerifyRetries; attempt++ {
		buf, err := m.tmux.CapturePane(ctx, ag.TmuxSessionName, 500)
		if err == nil && strings.Contains(buf, verifyMarker) {
			return nil
		}
		if err := m.tmux.SendKeys(ctx, ag.TmuxSessionName, "", true); err != nil {
			return fmt.Errorf("failed to retry prompt delivery: %w", err)
		}
		time.Sleep(m.cfg.ChunkDelay)
	}
	return fmt.Errorf("agent %s: initial message not confirmed in session after %d attempts", ag.ID, m.cfg.VerifyRetries)
}

// LiveAgentIDs returns the ids of every non-terminated agent, for
// pkg/background's watchdog to poll without reaching into AgentManager's
// private store handle.
func (m *Manager) LiveAgentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	for _, status := range []store.AgentStatus{store.AgentIdle, store.AgentWorking, store.AgentStuck} {
		agents, err := m.store.ListAgentsByStatus(ctx, nil, status)
		if err != nil {
			return nil, err
		}
		for _, a := range agents {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

// HasLiveSession reports whether agentID's tmux session still exists,
// without exposing the underlying sessionRunner to callers outside this
// package.
func (m *Manager) HasLiveSession(ctx context.Context, agentID string) (bool, error) {
	ag, err := m.store.GetAgent(ctx, nil, agentID)
	if err != nil {
		return false, err
	}
	return m.tmux.HasSession(ctx, ag.TmuxSessionName), nil
}

// RecordHealthCheck persists the outcome of one watchdog poll against
// agentID's tmux session. alive=false increments the agent's
// HealthCheckFailures counter (surviving restarts, unlike an in-memory
// tally) and flips Status to AgentStuck once it reaches maxFailures;
// alive=true resets the counter. Returns whether this call just marked the
// agent stuck.
func (m *Manager) RecordHealthCheck(ctx context.Context, agentID string, alive bool, maxFailures int) (bool, error) {
	ag, err := m.store.GetAgent(ctx, nil, agentID)
	if err != nil {
		return false, err
	}
	if ag.Status == store.AgentTerminated {
		return false, nil
	}

	if alive {
		if ag.HealthCheckFailures == 0 {
			return false, nil
		}
		ag.HealthCheckFailures = 0
		return false, m.store.UpdateAgent(ctx, nil, ag)
	}

	ag.HealthCheckFailures++
	justStuck := false
	if ag.HealthCheckFailures >= maxFailures && ag.Status != store.AgentStuck {
		ag.Status = store.AgentStuck
		ag.LastActivity = time.Now().UTC()
		justStuck = true
	}
	if err := m.store.UpdateAgent(ctx, nil, ag); err != nil {
		return false, err
	}
	if justStuck {
		m.publish(events.AgentStuck, "", map[string]any{"agent_id": agentID})
	}
	return justStuck, nil
}

// ActivePhaseAgentCount implements pkg/queue.Admitter: the number of phase
// agents not yet terminated, which the queue treats as occupied capacity.
func (m *Manager) ActivePhaseAgentCount(ctx context.Context) (int, error) {
	count := 0
	for _, status := range []store.AgentStatus{store.AgentIdle, store.AgentWorking, store.AgentStuck} {
		agents, err := m.store.ListAgentsByStatus(ctx, nil, status)
		if err != nil {
			return 0, err
		}
		for _, a := range agents {
			if a.AgentType == store.AgentTypePhase {
				count++
			}
		}
	}
	return count, nil
}

// TerminateAgent captures the session's tail output, kills it, and marks
// the agent terminated.
func (m *Manager) TerminateAgent(ctx context.Context, agentID string) error {
	ag, err := m.store.GetAgent(ctx, nil, agentID)
	if err != nil {
		return err
	}

	_, _ = m.tmux.CapturePane(ctx, ag.TmuxSessionName, m.cfg.TerminationLines)
	if err := m.tmux.KillSession(ctx, ag.TmuxSessionName); err != nil {
		return fmt.Errorf("failed to kill session %s: %w", ag.TmuxSessionName, err)
	}

	ag.Status = store.AgentTerminated
	ag.CurrentTaskID = nil
	ag.LastActivity = time.Now().UTC()
	if err := m.store.UpdateAgent(ctx, nil, ag); err != nil {
		return err
	}

	m.publish(events.AgentTerminatedManual, "", map[string]any{"agent_id": agentID})
	return nil
}

// RestartAgent kills the old session and rebuilds it under a new session
// name, re-issuing the launch command and a reminder of the current task.
func (m *Manager) RestartAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	ag, err := m.store.GetAgent(ctx, nil, agentID)
	if err != nil {
		return nil, err
	}
	if err := m.tmux.KillSession(ctx, ag.TmuxSessionName); err != nil {
		return nil, fmt.Errorf("failed to kill session %s: %w", ag.TmuxSessionName, err)
	}

	if ag.CurrentTaskID == nil {
		return nil, fmt.Errorf("agent %s has no current task to restart into", agentID)
	}
	t, err := m.store.GetTask(ctx, nil, *ag.CurrentTaskID)
	if err != nil {
		return nil, err
	}
	if t.PhaseID == nil {
		return nil, fmt.Errorf("task %s has no resolved phase", t.ID)
	}
	phase, err := m.store.GetPhase(ctx, nil, *t.PhaseID)
	if err != nil {
		return nil, err
	}
	w, err := m.store.GetAgentWorktree(ctx, nil, agentID)
	if err != nil {
		return nil, err
	}

	variant, ok := m.variants.Get(ag.CLIType)
	if !ok {
		variant, _ = m.variants.Get("generic")
	}

	ag.TmuxSessionName = fmt.Sprintf("%s_%s_r", m.cfg.TmuxSessionPrefix, ids.Short(agentID))
	ag.Status = store.AgentWorking
	ag.LastActivity = time.Now().UTC()

	board, err := m.resolveBoard(ctx, t.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve board config: %w", err)
	}

	cliModel := firstNonEmpty(phase.CLIOverrides.CLIModel, m.cfg.DefaultCLIModel)
	if err := m.launch(ctx, ag, w, phase, board, variant, cliModel, reminderMessage(t), t.ID); err != nil {
		return nil, err
	}
	if err := m.store.UpdateAgent(ctx, nil, ag); err != nil {
		return nil, err
	}
	return ag, nil
}

// Broadcast sends message to every non-terminated agent except from.
func (m *Manager) Broadcast(ctx context.Context, from, message string) error {
	line := fmt.Sprintf("[AGENT %s BROADCAST]: %s", from, message)
	for _, status := range []store.AgentStatus{store.AgentIdle, store.AgentWorking, store.AgentStuck} {
		agents, err := m.store.ListAgentsByStatus(ctx, nil, status)
		if err != nil {
			return err
		}
		for _, a := range agents {
			if a.ID == from {
				continue
			}
			if err := m.deliverMessage(ctx, a, line); err != nil {
				return err
			}
		}
	}
	m.publish(events.AgentBroadcast, "", map[string]any{"from": from, "message": message})
	return nil
}

// Send delivers message directly to one agent.
func (m *Manager) Send(ctx context.Context, from, to, message string) error {
	a, err := m.store.GetAgent(ctx, nil, to)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("[AGENT %s TO AGENT %s]: %s", from, to, message)
	if err := m.deliverMessage(ctx, a, line); err != nil {
		return err
	}
	m.publish(events.AgentDirectMessage, "", map[string]any{"from": from, "to": to, "message": message})
	return nil
}

func (m *Manager) deliverMessage(ctx context.Context, a *store.Agent, line string) error {
	variant, ok := m.variants.Get(a.CLIType)
	if !ok {
		variant, _ = m.variants.Get("generic")
	}
	return m.tmux.SendKeys(ctx, a.TmuxSessionName, variant.FormatMessage(line), true)
}

func (m *Manager) publish(typ events.Type, workflowID string, payload map[string]any) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(events.New(typ, workflowID, payload))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func isGLMModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "glm")
}

func isClaudeFamily(variantName string) bool {
	return variantName == "claude"
}

// resolveBoard looks up the board config attached to workflowID's
// definition, if ticket tracking with a board is enabled. Returns nil
// (not an error) when no board is configured, since board gating is
// optional.
func (m *Manager) resolveBoard(ctx context.Context, workflowID string) (*store.BoardConfig, error) {
	execution, err := m.store.GetWorkflowExecution(ctx, nil, workflowID)
	if err != nil {
		return nil, err
	}
	def, err := m.store.GetWorkflowDefinition(ctx, nil, execution.DefinitionID)
	if err != nil {
		return nil, err
	}
	return def.WorkflowConfig.Board, nil
}
