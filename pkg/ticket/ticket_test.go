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

package ticket

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/events"
	"github.com/hephaestus-run/hephaestus/pkg/llmprovider"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{
		Driver:         store.DialectSQLite,
		DataSourceName: filepath.Join(t.TempDir(), "ticket_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedWorkflow(t *testing.T, st *store.Store, board *store.BoardConfig) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	def := &store.WorkflowDefinition{
		ID:   "def-1",
		Name: "Build",
		WorkflowConfig: store.WorkflowConfig{
			EnableTickets: true,
			Board:         board,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.UpsertWorkflowDefinition(ctx, nil, def))

	execution := &store.WorkflowExecution{
		ID:               "wf-1",
		DefinitionID:     "def-1",
		WorkingDirectory: "/work",
		Status:           store.ExecutionActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, st.CreateWorkflowExecution(ctx, nil, execution))
	return execution.ID
}

func newTestService(t *testing.T, board *store.BoardConfig) (*Service, *store.Store, *events.Recorder, string) {
	t.Helper()
	st := newTestStore(t)
	workflowID := seedWorkflow(t, st, board)
	rec := events.NewRecorder()
	svc := New(st, vectorstore.NewMemoryStore(), llmprovider.NewFallback(), rec)
	return svc, st, rec, workflowID
}

func defaultBoard() *store.BoardConfig {
	return &store.BoardConfig{
		Columns:       []string{"todo", "in_progress", "done"},
		InitialStatus: "todo",
	}
}

func TestService_CreateAutoApprovedWithoutHumanReview(t *testing.T) {
	svc, _, rec, workflowID := newTestService(t, defaultBoard())

	tk, err := svc.Create(context.Background(), CreateParams{
		WorkflowID:       workflowID,
		Title:            "fix login bug",
		Description:      "users can't log in with SSO",
		TicketType:       "bug",
		CreatedByAgentID: "agent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "todo", tk.Status)
	assert.Equal(t, store.ApprovalAutoApproved, tk.ApprovalStatus)
	assert.NotEmpty(t, tk.Embedding)

	history, err := svc.store.ListTicketHistory(context.Background(), nil, tk.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "create", history[0].Action)

	evs := rec.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TicketCreated, evs[0].Type)
}

func TestService_CreatePendingReviewWithHumanReview(t *testing.T) {
	board := defaultBoard()
	board.RequiresHumanReview = true
	svc, _, _, workflowID := newTestService(t, board)

	tk, err := svc.Create(context.Background(), CreateParams{
		WorkflowID:       workflowID,
		Title:            "add export feature",
		CreatedByAgentID: "agent-1",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalPendingReview, tk.ApprovalStatus)
}

func TestService_TransitionMovesColumnAndLinksCommit(t *testing.T) {
	svc, _, rec, workflowID := newTestService(t, defaultBoard())

	tk, err := svc.Create(context.Background(), CreateParams{
		WorkflowID: workflowID, Title: "ticket", CreatedByAgentID: "agent-1",
	})
	require.NoError(t, err)

	result, err := svc.Transition(context.Background(), tk.ID, TransitionParams{
		ToStatus: "in_progress", CommitSHA: "abc123", AgentID: "agent-1",
	})
	require.NoError(t, err)
	assert.False(t, result.Blocked)
	assert.Equal(t, "in_progress", result.Ticket.Status)

	commits, err := svc.store.ListTicketCommits(context.Background(), nil, tk.ID)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "abc123", commits[0].CommitSHA)

	var sawStatusChange bool
	for _, e := range rec.Events() {
		if e.Type == events.TicketStatusChanged {
			sawStatusChange = true
		}
	}
	assert.True(t, sawStatusChange)
}

func TestService_TransitionRefusedWhenBlocked(t *testing.T) {
	svc, st, _, workflowID := newTestService(t, defaultBoard())
	ctx := context.Background()
	now := time.Now().UTC()

	blocker := &store.Ticket{
		ID: "blocker-1", WorkflowID: workflowID, Title: "blocker",
		ApprovalStatus: store.ApprovalAutoApproved, Status: "todo",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTicket(ctx, nil, blocker))

	blocked := &store.Ticket{
		ID: "blocked-1", WorkflowID: workflowID, Title: "blocked",
		ApprovalStatus: store.ApprovalAutoApproved, Status: "todo",
		BlockedByTicketIDs: []string{"blocker-1"},
		CreatedAt:          now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTicket(ctx, nil, blocked))

	result, err := svc.Transition(ctx, "blocked-1", TransitionParams{ToStatus: "in_progress", AgentID: "agent-1"})
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.Contains(t, result.Blockers, "blocker-1")
}

func TestService_TransitionRefusedWhenApprovalPending(t *testing.T) {
	svc, st, _, workflowID := newTestService(t, defaultBoard())
	ctx := context.Background()

	now := time.Now().UTC()
	tk := &store.Ticket{
		ID: "ticket-1", WorkflowID: workflowID, Title: "needs review",
		ApprovalStatus: store.ApprovalPendingReview, Status: "todo",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTicket(ctx, nil, tk))

	result, err := svc.Transition(ctx, "ticket-1", TransitionParams{ToStatus: "in_progress", AgentID: "agent-1"})
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.Empty(t, result.Blockers)
}

type fakeTaskResumer struct {
	resumed []string
	status  map[string]store.TaskStatus
}

func (f *fakeTaskResumer) Resume(ctx context.Context, taskID string) (*store.Task, error) {
	f.resumed = append(f.resumed, taskID)
	status := f.status[taskID]
	if status == "" {
		status = store.TaskBlocked
	}
	return &store.Task{ID: taskID, Status: status}, nil
}

func TestService_SetApprovalApprovedTriggersBlockSync(t *testing.T) {
	board := defaultBoard()
	board.RequiresHumanReview = true
	svc, st, rec, workflowID := newTestService(t, board)
	ctx := context.Background()

	tk, err := svc.Create(ctx, CreateParams{WorkflowID: workflowID, Title: "needs review", CreatedByAgentID: "agent-1"})
	require.NoError(t, err)

	now := time.Now().UTC()
	waitingTask := &store.Task{
		ID: "task-1", WorkflowID: workflowID, Status: store.TaskBlocked, Priority: store.PriorityMedium,
		RawDescription: "do the reviewed work", CreatedByAgentID: "agent-1", TicketID: &tk.ID,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTask(ctx, nil, waitingTask))

	resumer := &fakeTaskResumer{status: map[string]store.TaskStatus{"task-1": store.TaskAssigned}}
	svc.SetBlockSync(NewBlockSync(st, resumer))

	updated, err := svc.SetApproval(ctx, tk.ID, true, "human-1")
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, updated.ApprovalStatus)
	assert.Contains(t, resumer.resumed, "task-1")

	var sawApprovalChange bool
	for _, e := range rec.Events() {
		if e.Type == events.TicketApprovalChanged {
			sawApprovalChange = true
		}
	}
	assert.True(t, sawApprovalChange)
}

func TestService_ResolvePropagatesUnblockingAndSyncs(t *testing.T) {
	svc, st, rec, workflowID := newTestService(t, defaultBoard())
	ctx := context.Background()

	now := time.Now().UTC()
	blocker := &store.Ticket{
		ID: "blocker-1", WorkflowID: workflowID, Title: "blocker", Status: "todo",
		ApprovalStatus: store.ApprovalAutoApproved, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTicket(ctx, nil, blocker))

	blocked := &store.Ticket{
		ID: "blocked-1", WorkflowID: workflowID, Title: "blocked", Status: "todo",
		ApprovalStatus: store.ApprovalAutoApproved, BlockedByTicketIDs: []string{"blocker-1"},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTicket(ctx, nil, blocked))

	waitingTask := &store.Task{
		ID: "task-1", WorkflowID: workflowID, Status: store.TaskBlocked, Priority: store.PriorityMedium,
		RawDescription: "work gated on blocked-1", CreatedByAgentID: "agent-1", TicketID: strPtr("blocked-1"),
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTask(ctx, nil, waitingTask))

	resumer := &fakeTaskResumer{status: map[string]store.TaskStatus{"task-1": store.TaskAssigned}}
	svc.SetBlockSync(NewBlockSync(st, resumer))

	result, err := svc.Resolve(ctx, "blocker-1", "agent-1")
	require.NoError(t, err)
	assert.Contains(t, result.Unblocked, "blocked-1")

	siblingAfter, err := st.GetTicket(ctx, nil, "blocked-1")
	require.NoError(t, err)
	assert.NotContains(t, siblingAfter.BlockedByTicketIDs, "blocker-1")

	assert.Contains(t, resumer.resumed, "task-1")

	var sawUnblocked bool
	for _, e := range rec.Events() {
		if e.Type == events.TicketUnblocked {
			sawUnblocked = true
			assert.Equal(t, []string{"blocked-1"}, e.Payload["unblocked"])
		}
	}
	assert.True(t, sawUnblocked)
}

func TestService_AddCommentAppendsHistory(t *testing.T) {
	svc, _, _, workflowID := newTestService(t, defaultBoard())
	ctx := context.Background()

	tk, err := svc.Create(ctx, CreateParams{WorkflowID: workflowID, Title: "ticket", CreatedByAgentID: "agent-1"})
	require.NoError(t, err)

	comment, err := svc.AddComment(ctx, tk.ID, "agent-2", "left some feedback")
	require.NoError(t, err)
	assert.Equal(t, store.TicketCommentPlain, comment.CommentType)

	comments, err := svc.store.ListTicketComments(ctx, nil, tk.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)

	history, err := svc.store.ListTicketHistory(ctx, nil, tk.ID)
	require.NoError(t, err)
	require.Len(t, history, 2) // create + comment
	assert.Equal(t, "comment", history[1].Action)
}

func TestService_ResolveClarificationPersistsCommentAndHistory(t *testing.T) {
	svc, _, _, workflowID := newTestService(t, defaultBoard())
	ctx := context.Background()

	tk, err := svc.Create(ctx, CreateParams{WorkflowID: workflowID, Title: "conflicting ticket", CreatedByAgentID: "agent-1"})
	require.NoError(t, err)

	comment, err := svc.ResolveClarification(ctx, ClarificationParams{
		TicketID:            tk.ID,
		ConflictDescription: "two agents proposed incompatible schemas",
		Context:             "both touch the same table",
		PotentialSolutions:  []string{"use schema A", "use schema B"},
		AgentID:             "agent-3",
	})
	require.NoError(t, err)
	assert.Equal(t, store.TicketCommentClarification, comment.CommentType)
	assert.Contains(t, comment.Body, "incompatible schemas")

	history, err := svc.store.ListTicketHistory(ctx, nil, tk.ID)
	require.NoError(t, err)
	require.Len(t, history, 2) // create + clarification
	assert.Equal(t, "clarification", history[1].Action)
}

func TestService_SearchRanksSemanticAndKeywordMatches(t *testing.T) {
	svc, _, _, workflowID := newTestService(t, defaultBoard())
	ctx := context.Background()

	match, err := svc.Create(ctx, CreateParams{
		WorkflowID: workflowID, Title: "SSO login failure", Description: "users cannot authenticate via single sign on",
		CreatedByAgentID: "agent-1",
	})
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateParams{
		WorkflowID: workflowID, Title: "update changelog", Description: "bump version numbers for release notes",
		CreatedByAgentID: "agent-1",
	})
	require.NoError(t, err)

	results, err := svc.Search(ctx, workflowID, "SSO login authenticate", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, match.ID, results[0].Ticket.ID)
	assert.NotEmpty(t, results[0].MatchedIn)
	assert.NotEmpty(t, results[0].Preview)
}

func TestBlockSync_SyncTicketResumesOnlyTasksTaskServiceClears(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	stillBlocked := &store.Task{ID: "task-blocked", WorkflowID: "wf-1", Status: store.TaskBlocked, Priority: store.PriorityMedium, TicketID: strPtr("ticket-1"), CreatedAt: now, UpdatedAt: now}
	nowReady := &store.Task{ID: "task-ready", WorkflowID: "wf-1", Status: store.TaskBlocked, Priority: store.PriorityMedium, TicketID: strPtr("ticket-1"), CreatedAt: now, UpdatedAt: now}
	alreadyDone := &store.Task{ID: "task-done", WorkflowID: "wf-1", Status: store.TaskDone, Priority: store.PriorityMedium, TicketID: strPtr("ticket-1"), CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.CreateTask(ctx, nil, stillBlocked))
	require.NoError(t, st.CreateTask(ctx, nil, nowReady))
	require.NoError(t, st.CreateTask(ctx, nil, alreadyDone))

	resumer := &fakeTaskResumer{status: map[string]store.TaskStatus{
		"task-blocked": store.TaskBlocked,
		"task-ready":   store.TaskAssigned,
	}}
	sync := NewBlockSync(st, resumer)

	resumed, err := sync.SyncTicket(ctx, "ticket-1")
	require.NoError(t, err)

	require.Len(t, resumed, 1)
	assert.Equal(t, "task-ready", resumed[0].ID)
	assert.ElementsMatch(t, []string{"task-blocked", "task-ready"}, resumer.resumed)
	assert.NotContains(t, resumer.resumed, "task-done")
}

func strPtr(s string) *string { return &s }
