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

package task

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hephaestus-run/hephaestus/pkg/events"
	"github.com/hephaestus-run/hephaestus/pkg/llmprovider"
	"github.com/hephaestus-run/hephaestus/pkg/queue"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/vectorstore"
	"github.com/hephaestus-run/hephaestus/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSpawner records every SpawnPhaseAgent call and implements
// queue.Admitter by returning a fixed active count.
type fakeSpawner struct {
	activeCount int
	spawned     []string
}

func (f *fakeSpawner) ActivePhaseAgentCount(ctx context.Context) (int, error) {
	return f.activeCount, nil
}

func (f *fakeSpawner) SpawnPhaseAgent(ctx context.Context, t *store.Task) error {
	f.spawned = append(f.spawned, t.ID)
	return nil
}

func newTestService(t *testing.T) (*Service, *store.Store, *fakeSpawner, *events.Recorder) {
	t.Helper()
	st, err := store.Open(store.Config{
		Driver:         store.DialectSQLite,
		DataSourceName: filepath.Join(t.TempDir(), "task_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	wf := workflow.New(st)
	rec := events.NewRecorder()
	q := queue.New(st, rec, 10)
	spawner := &fakeSpawner{}
	vectors := vectorstore.NewMemoryStore()
	llm := llmprovider.NewFallback()

	svc := New(st, vectors, llm, wf, q, rec, spawner, Config{})
	return svc, st, spawner, rec
}

func setupWorkflow(t *testing.T, st *store.Store, wf *workflow.Engine, cfg store.WorkflowConfig) string {
	t.Helper()
	ctx := context.Background()
	def := &store.WorkflowDefinition{
		ID:   "def-1",
		Name: "Build",
		PhasesConfig: []store.PhaseTemplate{
			{Name: "Implement", Description: "write the code", WorkingDirectory: "/work"},
		},
		WorkflowConfig: cfg,
	}
	require.NoError(t, wf.RegisterDefinition(ctx, def))
	execution, err := wf.StartExecution(ctx, workflow.StartExecutionParams{DefinitionID: "def-1"})
	require.NoError(t, err)
	return execution.ID
}

func TestService_CreateSpawnsImmediatelyBelowCapacity(t *testing.T) {
	svc, _, spawner, _ := newTestService(t)
	wf := workflow.New(svc.store)
	workflowID := setupWorkflow(t, svc.store, wf, store.WorkflowConfig{})

	task, err := svc.Create(context.Background(), CreateParams{
		WorkflowID:       workflowID,
		RawDescription:   "implement login",
		CreatedByAgentID: "root",
		IsRootCaller:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskAssigned, task.Status)
	assert.Contains(t, spawner.spawned, task.ID)
	assert.True(t, task.ValidationEnabled == false)
}

func TestService_CreateRequiresTicketWhenTrackingEnabled(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	wf := workflow.New(svc.store)
	workflowID := setupWorkflow(t, svc.store, wf, store.WorkflowConfig{
		EnableTickets: true,
		Board:         &store.BoardConfig{Columns: []string{"todo", "done"}},
	})

	_, err := svc.Create(context.Background(), CreateParams{
		WorkflowID:       workflowID,
		RawDescription:   "implement login",
		CreatedByAgentID: "agent-1",
		IsRootCaller:     false,
	})
	assert.ErrorIs(t, err, ErrTicketRequired)
}

func TestService_CreateBlocksOnUnresolvedTicketDependency(t *testing.T) {
	svc, st, _, rec := newTestService(t)
	wf := workflow.New(svc.store)
	workflowID := setupWorkflow(t, svc.store, wf, store.WorkflowConfig{
		EnableTickets: true,
		Board:         &store.BoardConfig{Columns: []string{"todo", "done"}},
	})

	blocker := &store.Ticket{
		ID: "ticket-blocker", WorkflowID: workflowID, Title: "blocker",
		ApprovalStatus: store.ApprovalAutoApproved, IsResolved: false,
	}
	require.NoError(t, st.CreateTicket(context.Background(), nil, blocker))

	blocked := &store.Ticket{
		ID: "ticket-1", WorkflowID: workflowID, Title: "blocked ticket",
		ApprovalStatus: store.ApprovalAutoApproved, BlockedByTicketIDs: []string{"ticket-blocker"},
	}
	require.NoError(t, st.CreateTicket(context.Background(), nil, blocked))

	ticketID := "ticket-1"
	task, err := svc.Create(context.Background(), CreateParams{
		WorkflowID:       workflowID,
		RawDescription:   "implement login",
		CreatedByAgentID: "root",
		IsRootCaller:     true,
		TicketID:         &ticketID,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskBlocked, task.Status)

	evs := rec.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TaskBlocked, evs[0].Type)
}

func TestService_CreateQueuesAtCapacity(t *testing.T) {
	svc, _, spawner, rec := newTestService(t)
	spawner.activeCount = 999
	wf := workflow.New(svc.store)
	workflowID := setupWorkflow(t, svc.store, wf, store.WorkflowConfig{})

	task, err := svc.Create(context.Background(), CreateParams{
		WorkflowID:       workflowID,
		RawDescription:   "implement login",
		CreatedByAgentID: "root",
		IsRootCaller:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskQueued, task.Status)
	assert.NotContains(t, spawner.spawned, task.ID)

	var sawQueued bool
	for _, e := range rec.Events() {
		if e.Type == events.TaskQueued {
			sawQueued = true
		}
	}
	assert.True(t, sawQueued)
}

func TestService_CreateMarksSecondSimilarTaskDuplicated(t *testing.T) {
	svc, _, _, rec := newTestService(t)
	wf := workflow.New(svc.store)
	workflowID := setupWorkflow(t, svc.store, wf, store.WorkflowConfig{})

	first, err := svc.Create(context.Background(), CreateParams{
		WorkflowID:       workflowID,
		RawDescription:   "implement the login page",
		CreatedByAgentID: "root",
		IsRootCaller:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskAssigned, first.Status)

	second, err := svc.Create(context.Background(), CreateParams{
		WorkflowID:       workflowID,
		RawDescription:   "implement the login page",
		CreatedByAgentID: "root",
		IsRootCaller:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskDuplicated, second.Status)
	require.NotNil(t, second.DuplicateOfTaskID)
	assert.Equal(t, first.ID, *second.DuplicateOfTaskID)

	var sawDup bool
	for _, e := range rec.Events() {
		if e.Type == events.TaskDuplicated {
			sawDup = true
		}
	}
	assert.True(t, sawDup)
}

func TestService_RestartClearsCompletionDataAndReadmits(t *testing.T) {
	svc, st, spawner, _ := newTestService(t)
	wf := workflow.New(svc.store)
	workflowID := setupWorkflow(t, svc.store, wf, store.WorkflowConfig{})

	task, err := svc.Create(context.Background(), CreateParams{
		WorkflowID:       workflowID,
		RawDescription:   "implement login",
		CreatedByAgentID: "root",
		IsRootCaller:     true,
	})
	require.NoError(t, err)

	task.Status = store.TaskFailed
	task.LastValidationFeedback = "boom"
	task.ValidationIteration = 2
	require.NoError(t, st.UpdateTask(context.Background(), nil, task))

	restarted, err := svc.Restart(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "", restarted.LastValidationFeedback)
	assert.Equal(t, 0, restarted.ValidationIteration)
	assert.Contains(t, spawner.spawned, task.ID)
}

func TestService_ResumeReadmitsTaskOnceItsTicketUnblocks(t *testing.T) {
	svc, st, spawner, _ := newTestService(t)
	wf := workflow.New(svc.store)
	workflowID := setupWorkflow(t, svc.store, wf, store.WorkflowConfig{
		EnableTickets: true,
		Board:         &store.BoardConfig{Columns: []string{"todo", "done"}},
	})

	blocker := &store.Ticket{
		ID: "ticket-blocker", WorkflowID: workflowID, Title: "blocker",
		ApprovalStatus: store.ApprovalAutoApproved, IsResolved: false,
	}
	require.NoError(t, st.CreateTicket(context.Background(), nil, blocker))
	blocked := &store.Ticket{
		ID: "ticket-1", WorkflowID: workflowID, Title: "blocked ticket",
		ApprovalStatus: store.ApprovalAutoApproved, BlockedByTicketIDs: []string{"ticket-blocker"},
	}
	require.NoError(t, st.CreateTicket(context.Background(), nil, blocked))

	ticketID := "ticket-1"
	task, err := svc.Create(context.Background(), CreateParams{
		WorkflowID:       workflowID,
		RawDescription:   "implement login",
		CreatedByAgentID: "root",
		IsRootCaller:     true,
		TicketID:         &ticketID,
	})
	require.NoError(t, err)
	require.Equal(t, store.TaskBlocked, task.Status)

	// Resume while still blocked is a no-op.
	still, err := svc.Resume(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskBlocked, still.Status)
	assert.Empty(t, spawner.spawned)

	blocker.IsResolved = true
	require.NoError(t, st.UpdateTicket(context.Background(), nil, blocker))

	resumed, err := svc.Resume(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskAssigned, resumed.Status)
	assert.Contains(t, spawner.spawned, task.ID)
}

func TestService_CreateBatchRunsConcurrentlyAndCollectsErrors(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	wf := workflow.New(svc.store)
	workflowID := setupWorkflow(t, svc.store, wf, store.WorkflowConfig{})

	batch := []CreateParams{
		{WorkflowID: workflowID, RawDescription: "task A", CreatedByAgentID: "root", IsRootCaller: true},
		{WorkflowID: workflowID, RawDescription: "task B", CreatedByAgentID: "root", IsRootCaller: true},
		{WorkflowID: "no-such-workflow", RawDescription: "task C", CreatedByAgentID: "root", IsRootCaller: true},
	}
	tasks, errs := svc.CreateBatch(context.Background(), batch)
	require.Len(t, tasks, 3)
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Error(t, errs[2])
}
