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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{
		Driver:         DialectSQLite,
		DataSourceName: filepath.Join(dir, "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_WorkflowDefinitionUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	def := &WorkflowDefinition{
		ID:          "wf-def-1",
		Name:        "Build feature",
		Description: "v1",
		PhasesConfig: []PhaseTemplate{
			{Name: "plan", Description: "plan the work"},
		},
		WorkflowConfig: WorkflowConfig{HasResult: true, EnableTickets: true},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.UpsertWorkflowDefinition(ctx, nil, def))

	def.Description = "v2"
	def.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, s.UpsertWorkflowDefinition(ctx, nil, def))

	got, err := s.GetWorkflowDefinition(ctx, nil, "wf-def-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Description)
	assert.Len(t, got.PhasesConfig, 1)
	assert.True(t, got.WorkflowConfig.HasResult)
}

func TestStore_TaskCreateGetUpdateRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := &Task{
		ID:               "task-1",
		RawDescription:   "fix the bug",
		Status:           TaskPending,
		Priority:         PriorityMedium,
		CreatedByAgentID: "agent-0",
		WorkflowID:       "wf-exec-1",
		Embedding:        []float32{0.1, 0.2, 0.3},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.CreateTask(ctx, nil, task))

	got, err := s.GetTask(ctx, nil, "task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)
	assert.Nil(t, got.AssignedAgentID)

	agentID := "agent-1"
	got.Status = TaskAssigned
	got.AssignedAgentID = &agentID
	got.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, s.UpdateTask(ctx, nil, got))

	reloaded, err := s.GetTask(ctx, nil, "task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskAssigned, reloaded.Status)
	require.NotNil(t, reloaded.AssignedAgentID)
	assert.Equal(t, "agent-1", *reloaded.AssignedAgentID)
}

func TestStore_GetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), nil, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListTasksByStatusOrdersBoostedFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	earlier := now
	later := now.Add(time.Minute)

	require.NoError(t, s.CreateTask(ctx, nil, &Task{
		ID: "t-normal", Status: TaskQueued, Priority: PriorityLow, WorkflowID: "wf-1",
		QueuedAt: &earlier, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.CreateTask(ctx, nil, &Task{
		ID: "t-boosted", Status: TaskQueued, Priority: PriorityLow, PriorityBoosted: true, WorkflowID: "wf-1",
		QueuedAt: &later, CreatedAt: now, UpdatedAt: now,
	}))

	tasks, err := s.ListTasksByStatus(ctx, nil, TaskQueued)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t-boosted", tasks[0].ID)
}

func TestStore_TicketFullTextSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateTicket(ctx, nil, &Ticket{
		ID: "tk-1", WorkflowID: "wf-1", Title: "Flaky retry logic",
		Description: "the retry backoff in the queue worker is flaky under load",
		Priority:    PriorityHigh, Status: "backlog", ApprovalStatus: ApprovalAutoApproved,
		Tags: []string{"queue", "flaky"}, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.CreateTicket(ctx, nil, &Ticket{
		ID: "tk-2", WorkflowID: "wf-1", Title: "Add dark mode",
		Description: "UI theme support", Priority: PriorityLow, Status: "backlog",
		ApprovalStatus: ApprovalAutoApproved, CreatedAt: now, UpdatedAt: now,
	}))

	results, err := s.SearchTicketsFTS(ctx, nil, "wf-1", "flaky", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "tk-1", results[0].ID)
}

func TestStore_TicketHistoryIsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateTicket(ctx, nil, &Ticket{
		ID: "tk-3", WorkflowID: "wf-1", Title: "x", Priority: PriorityLow,
		Status: "backlog", ApprovalStatus: ApprovalAutoApproved, CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, s.AppendTicketHistory(ctx, nil, &TicketHistory{
		ID: "h-1", TicketID: "tk-3", Action: "status_change", FromValue: "backlog", ToValue: "in_progress", CreatedAt: now,
	}))
	require.NoError(t, s.AppendTicketHistory(ctx, nil, &TicketHistory{
		ID: "h-2", TicketID: "tk-3", Action: "status_change", FromValue: "in_progress", ToValue: "done", CreatedAt: now.Add(time.Second),
	}))

	history, err := s.ListTicketHistory(ctx, nil, "tk-3")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "backlog", history[0].FromValue)
	assert.Equal(t, "done", history[1].ToValue)
}

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	wantErr := fmt.Errorf("boom")
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.CreateTask(ctx, tx, &Task{
			ID: "t-rollback", Status: TaskPending, Priority: PriorityLow,
			WorkflowID: "wf-1", CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	_, getErr := s.GetTask(ctx, nil, "t-rollback")
	assert.ErrorIs(t, getErr, ErrNotFound)
}

func TestStore_WithTxCommitsOnSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.CreateTask(ctx, tx, &Task{
			ID: "t-committed", Status: TaskPending, Priority: PriorityLow,
			WorkflowID: "wf-1", CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, nil, "t-committed")
	require.NoError(t, err)
	assert.Equal(t, "t-committed", got.ID)
}
