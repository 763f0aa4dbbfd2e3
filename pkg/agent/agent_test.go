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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/events"
	"github.com/hephaestus-run/hephaestus/pkg/llmprovider"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/worktree"
	"github.com/stretchr/testify/require"
)

// fakeTmux is an in-memory sessionRunner: no real tmux binary involved.
type fakeTmux struct {
	mu       sync.Mutex
	sessions map[string]bool
	env      map[string]string
	sent     []string
	pane     string
	failNew  bool
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{sessions: map[string]bool{}, env: map[string]string{}}
}

func (f *fakeTmux) NewSession(ctx context.Context, name, workDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew {
		return fmt.Errorf("fake: session open failed")
	}
	f.sessions[name] = true
	return nil
}

func (f *fakeTmux) HasSession(ctx context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name]
}

func (f *fakeTmux) SendKeys(ctx context.Context, session, text string, enter bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[session] {
		return fmt.Errorf("fake: no such session %s", session)
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTmux) SetEnv(ctx context.Context, session, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.env[key] = value
	return nil
}

func (f *fakeTmux) CapturePane(ctx context.Context, session string, maxLines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pane, nil
}

func (f *fakeTmux) KillSession(ctx context.Context, session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, session)
	return nil
}

// fakeWorktrees is an in-memory worktreeProvisioner.
type fakeWorktrees struct {
	created []worktree.CreateAgentWorktreeParams
}

func (f *fakeWorktrees) CreateAgentWorktree(ctx context.Context, params worktree.CreateAgentWorktreeParams) (*store.AgentWorktree, error) {
	f.created = append(f.created, params)
	return &store.AgentWorktree{
		AgentID:       params.AgentID,
		WorktreePath:  filepath.Join("/tmp", "wt", params.AgentID),
		BranchName:    "agent/" + params.AgentID,
		ParentAgentID: params.ParentAgentID,
		MergeStatus:   store.MergeActive,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

func (f *fakeWorktrees) MergeMainIntoBranch(ctx context.Context, w *store.AgentWorktree) (*worktree.MergeResult, error) {
	return &worktree.MergeResult{Status: "merged"}, nil
}

// fakeLLM is a llmprovider.Provider stub that returns fixed content.
type fakeLLM struct{}

func (fakeLLM) EnrichTask(ctx context.Context, req llmprovider.EnrichTaskRequest) (llmprovider.EnrichTaskResult, error) {
	return llmprovider.EnrichTaskResult{EnrichedDescription: req.RawDescription}, nil
}

func (fakeLLM) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, nil
}

func (fakeLLM) AnalyzeTrajectory(ctx context.Context, sessionOutput string) (llmprovider.TrajectoryVerdict, error) {
	return llmprovider.TrajectoryVerdict{OnTrack: true}, nil
}

func (fakeLLM) AnalyzeCoherence(ctx context.Context, resultContent, criteria string) (llmprovider.CoherenceVerdict, error) {
	return llmprovider.CoherenceVerdict{Satisfied: true}, nil
}

func (fakeLLM) ResolveTicketClarification(ctx context.Context, req llmprovider.ClarificationRequest) (string, error) {
	return "", nil
}

func (fakeLLM) GenerateAgentPrompt(ctx context.Context, role, taskDescription, phaseContext string) (string, error) {
	return "system prompt for " + role, nil
}

// collectingPublisher records every published event.
type collectingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *collectingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{
		Driver:         store.DialectSQLite,
		DataSourceName: filepath.Join(t.TempDir(), "agent_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// seedWorkflow persists a minimal workflow definition/execution/phase chain
// and returns the phase, so SpawnPhaseAgent has somewhere to resolve a
// board config and a working directory from.
func seedWorkflow(t *testing.T, st *store.Store, board *store.BoardConfig, overrides store.CLIOverrides) *store.Phase {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	def := &store.WorkflowDefinition{
		ID:             "def-1",
		Name:           "test-workflow",
		WorkflowConfig: store.WorkflowConfig{Board: board},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, st.UpsertWorkflowDefinition(ctx, nil, def))

	exec := &store.WorkflowExecution{
		ID:           "wf-1",
		DefinitionID: def.ID,
		Status:       store.ExecutionActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, st.CreateWorkflowExecution(ctx, nil, exec))

	phase := &store.Phase{
		ID:               "phase-1",
		WorkflowID:       exec.ID,
		Order:            1,
		Name:             "implement",
		Description:      "write the code",
		DoneDefinitions:  []string{"tests pass"},
		WorkingDirectory: "/work",
		CLIOverrides:     overrides,
		CreatedAt:        now,
	}
	require.NoError(t, st.CreatePhase(ctx, nil, phase))
	return phase
}

func seedTask(t *testing.T, st *store.Store, workflowID string, phaseID *string) *store.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &store.Task{
		ID:                  "task-1",
		RawDescription:      "implement the thing",
		EnrichedDescription: "implement the thing, enriched",
		DoneDefinition:      "it works",
		Status:              store.TaskAssigned,
		Priority:            store.PriorityMedium,
		PhaseID:             phaseID,
		WorkflowID:          workflowID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	require.NoError(t, st.CreateTask(context.Background(), nil, task))
	return task
}

func newTestManager(st *store.Store, wt *fakeWorktrees, tm *fakeTmux, pub *collectingPublisher) *Manager {
	return New(st, wt, tm, fakeLLM{}, pub, nil, Config{InitWait: time.Millisecond, ChunkDelay: time.Millisecond})
}

func TestSpawnPhaseAgent_HappyPath(t *testing.T) {
	st := newTestStore(t)
	phase := seedWorkflow(t, st, nil, store.CLIOverrides{})
	task := seedTask(t, st, phase.WorkflowID, &phase.ID)

	wt := &fakeWorktrees{}
	tm := newFakeTmux()
	tm.pane = "Task ID: " + task.ID
	pub := &collectingPublisher{}
	mgr := newTestManager(st, wt, tm, pub)

	err := mgr.SpawnPhaseAgent(context.Background(), task)
	require.NoError(t, err)

	require.Len(t, wt.created, 1)

	updated, err := st.GetTask(context.Background(), nil, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskInProgress, updated.Status)
	require.NotNil(t, updated.AssignedAgentID)

	ag, err := st.GetAgent(context.Background(), nil, *updated.AssignedAgentID)
	require.NoError(t, err)
	require.Equal(t, store.AgentWorking, ag.Status)
	require.Equal(t, store.AgentTypePhase, ag.AgentType)
	require.True(t, tm.HasSession(context.Background(), ag.TmuxSessionName))

	require.Len(t, pub.events, 1)
	require.Equal(t, events.AgentSpawned, pub.events[0].Type)
}

func TestSpawnPhaseAgent_SetsGLMTokenEnv(t *testing.T) {
	t.Setenv("TEST_GLM_TOKEN", "secret-token")

	st := newTestStore(t)
	phase := seedWorkflow(t, st, nil, store.CLIOverrides{
		GLMAPITokenEnv: "TEST_GLM_TOKEN",
		CLIModel:       "glm-4.6",
	})
	task := seedTask(t, st, phase.WorkflowID, &phase.ID)

	wt := &fakeWorktrees{}
	tm := newFakeTmux()
	tm.pane = "Task ID: " + task.ID
	pub := &collectingPublisher{}
	mgr := newTestManager(st, wt, tm, pub)

	require.NoError(t, mgr.SpawnPhaseAgent(context.Background(), task))
	require.Equal(t, "secret-token", tm.env["ANTHROPIC_AUTH_TOKEN"])
}

func TestSpawnPhaseAgent_SetsApprovalTimeoutOnHumanReviewBoard(t *testing.T) {
	st := newTestStore(t)
	phase := seedWorkflow(t, st, &store.BoardConfig{RequiresHumanReview: true, ApprovalTimeoutSec: 120}, store.CLIOverrides{})
	task := seedTask(t, st, phase.WorkflowID, &phase.ID)

	wt := &fakeWorktrees{}
	tm := newFakeTmux()
	tm.pane = "Task ID: " + task.ID
	pub := &collectingPublisher{}
	mgr := newTestManager(st, wt, tm, pub)

	require.NoError(t, mgr.SpawnPhaseAgent(context.Background(), task))
	require.Equal(t, "120000", tm.env["APPROVAL_TOOL_TIMEOUT_MS"])
}

func TestSpawnPhaseAgent_FailsWhenSessionExitsDuringInit(t *testing.T) {
	st := newTestStore(t)
	phase := seedWorkflow(t, st, nil, store.CLIOverrides{})
	task := seedTask(t, st, phase.WorkflowID, &phase.ID)

	wt := &fakeWorktrees{}
	tm := newFakeTmux()
	pub := &collectingPublisher{}

	// deadTmux reports every session as gone, simulating a CLI that
	// crashes before the manager's bounded init wait elapses.
	deadTmux := &diesAfterOpenTmux{fakeTmux: tm}
	mgr2 := newTestManager(st, wt, deadTmux, pub)

	err := mgr2.SpawnPhaseAgent(context.Background(), task)
	require.Error(t, err)

	updated, err := st.GetTask(context.Background(), nil, task.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.AssignedAgentID)

	ag, err := st.GetAgent(context.Background(), nil, *updated.AssignedAgentID)
	require.NoError(t, err)
	require.Equal(t, store.AgentTerminated, ag.Status)
}

// diesAfterOpenTmux wraps fakeTmux but always reports the session as gone,
// simulating a CLI that crashes before the manager's bounded init wait
// elapses.
type diesAfterOpenTmux struct {
	*fakeTmux
}

func (d *diesAfterOpenTmux) HasSession(ctx context.Context, name string) bool {
	return false
}

func TestActivePhaseAgentCount_CountsOnlyPhaseAgentsNotTerminated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	phaseAgent := &store.Agent{ID: "a1", Status: store.AgentWorking, AgentType: store.AgentTypePhase, TmuxSessionName: "s1", LastActivity: now, CreatedAt: now}
	validatorAgent := &store.Agent{ID: "a2", Status: store.AgentWorking, AgentType: store.AgentTypeValidator, TmuxSessionName: "s2", LastActivity: now, CreatedAt: now}
	terminatedPhaseAgent := &store.Agent{ID: "a3", Status: store.AgentTerminated, AgentType: store.AgentTypePhase, TmuxSessionName: "s3", LastActivity: now, CreatedAt: now}
	require.NoError(t, st.CreateAgent(ctx, nil, phaseAgent))
	require.NoError(t, st.CreateAgent(ctx, nil, validatorAgent))
	require.NoError(t, st.CreateAgent(ctx, nil, terminatedPhaseAgent))

	mgr := newTestManager(st, &fakeWorktrees{}, newFakeTmux(), &collectingPublisher{})
	count, err := mgr.ActivePhaseAgentCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestTerminateAgent_KillsSessionAndMarksTerminated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	taskID := "task-x"
	ag := &store.Agent{ID: "a1", Status: store.AgentWorking, AgentType: store.AgentTypePhase, TmuxSessionName: "sess-a1", CurrentTaskID: &taskID, LastActivity: now, CreatedAt: now}
	require.NoError(t, st.CreateAgent(ctx, nil, ag))

	tm := newFakeTmux()
	tm.sessions["sess-a1"] = true
	pub := &collectingPublisher{}
	mgr := newTestManager(st, &fakeWorktrees{}, tm, pub)

	require.NoError(t, mgr.TerminateAgent(ctx, ag.ID))

	updated, err := st.GetAgent(ctx, nil, ag.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentTerminated, updated.Status)
	require.Nil(t, updated.CurrentTaskID)
	require.False(t, tm.HasSession(ctx, "sess-a1"))
	require.Len(t, pub.events, 1)
	require.Equal(t, events.AgentTerminatedManual, pub.events[0].Type)
}

func TestRestartAgent_ReopensUnderNewSessionNameAndSendsReminder(t *testing.T) {
	st := newTestStore(t)
	phase := seedWorkflow(t, st, nil, store.CLIOverrides{})
	task := seedTask(t, st, phase.WorkflowID, &phase.ID)

	ctx := context.Background()
	now := time.Now().UTC()
	w := &store.AgentWorktree{AgentID: "a1", WorktreePath: "/tmp/wt/a1", BranchName: "agent/a1", MergeStatus: store.MergeActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.CreateAgentWorktree(ctx, nil, w))

	ag := &store.Agent{ID: "a1", Status: store.AgentStuck, AgentType: store.AgentTypePhase, CLIType: "claude", TmuxSessionName: "hephaestus_a1", CurrentTaskID: &task.ID, LastActivity: now, CreatedAt: now}
	require.NoError(t, st.CreateAgent(ctx, nil, ag))

	tm := newFakeTmux()
	tm.sessions["hephaestus_a1"] = true
	mgr := newTestManager(st, &fakeWorktrees{}, tm, &collectingPublisher{})

	restarted, err := mgr.RestartAgent(ctx, ag.ID)
	require.NoError(t, err)
	require.Equal(t, "hephaestus_a1_r", restarted.TmuxSessionName)
	require.Equal(t, store.AgentWorking, restarted.Status)
	require.True(t, tm.HasSession(ctx, "hephaestus_a1_r"))
}

func TestBroadcast_DeliversToEveryOtherActiveAgentExceptSender(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sender := &store.Agent{ID: "sender", Status: store.AgentWorking, AgentType: store.AgentTypePhase, CLIType: "generic", TmuxSessionName: "sess-sender", LastActivity: now, CreatedAt: now}
	receiver := &store.Agent{ID: "receiver", Status: store.AgentWorking, AgentType: store.AgentTypePhase, CLIType: "generic", TmuxSessionName: "sess-receiver", LastActivity: now, CreatedAt: now}
	require.NoError(t, st.CreateAgent(ctx, nil, sender))
	require.NoError(t, st.CreateAgent(ctx, nil, receiver))

	tm := newFakeTmux()
	tm.sessions["sess-sender"] = true
	tm.sessions["sess-receiver"] = true
	pub := &collectingPublisher{}
	mgr := newTestManager(st, &fakeWorktrees{}, tm, pub)

	require.NoError(t, mgr.Broadcast(ctx, "sender", "hello everyone"))

	require.Equal(t, []string{"[AGENT sender BROADCAST]: hello everyone"}, tm.sent)
	require.Len(t, pub.events, 1)
	require.Equal(t, events.AgentBroadcast, pub.events[0].Type)
}

func TestSend_DeliversDirectMessageToOneAgent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	receiver := &store.Agent{ID: "receiver", Status: store.AgentWorking, AgentType: store.AgentTypePhase, CLIType: "generic", TmuxSessionName: "sess-receiver", LastActivity: now, CreatedAt: now}
	require.NoError(t, st.CreateAgent(ctx, nil, receiver))

	tm := newFakeTmux()
	tm.sessions["sess-receiver"] = true
	pub := &collectingPublisher{}
	mgr := newTestManager(st, &fakeWorktrees{}, tm, pub)

	require.NoError(t, mgr.Send(ctx, "sender", "receiver", "ping"))

	require.Contains(t, tm.sent, "[AGENT sender TO AGENT receiver]: ping")
	require.Len(t, pub.events, 1)
	require.Equal(t, events.AgentDirectMessage, pub.events[0].Type)
}
