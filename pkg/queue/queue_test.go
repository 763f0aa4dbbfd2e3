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

package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/events"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedAdmitter struct{ count int }

func (f fixedAdmitter) ActivePhaseAgentCount(ctx context.Context) (int, error) {
	return f.count, nil
}

func newTestQueue(t *testing.T) (*Queue, *store.Store, *events.Recorder) {
	t.Helper()
	st, err := store.Open(store.Config{
		Driver:         store.DialectSQLite,
		DataSourceName: filepath.Join(t.TempDir(), "queue_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	rec := events.NewRecorder()
	return New(st, rec, 2), st, rec
}

func newTask(t *testing.T, st *store.Store, id string, priority store.TaskPriority) *store.Task {
	t.Helper()
	now := time.Now().UTC()
	task := &store.Task{
		ID:               id,
		RawDescription:   "do thing",
		Status:           store.TaskPending,
		Priority:         priority,
		CreatedByAgentID: "agent-0",
		WorkflowID:       "wf-1",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, st.CreateTask(context.Background(), nil, task))
	return task
}

func TestQueue_AdmitSpawnsWhenBelowCapacity(t *testing.T) {
	q, st, rec := newTestQueue(t)
	ctx := context.Background()
	task := newTask(t, st, "task-1", store.PriorityMedium)

	decision, err := q.Admit(ctx, fixedAdmitter{count: 0}, task)
	require.NoError(t, err)
	assert.False(t, decision.Queued)

	got, err := st.GetTask(ctx, nil, "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskAssigned, got.Status)
	assert.Empty(t, rec.Events())
}

func TestQueue_AdmitQueuesWhenAtCapacity(t *testing.T) {
	q, st, rec := newTestQueue(t)
	ctx := context.Background()
	task := newTask(t, st, "task-1", store.PriorityMedium)

	decision, err := q.Admit(ctx, fixedAdmitter{count: 2}, task)
	require.NoError(t, err)
	assert.True(t, decision.Queued)

	got, err := st.GetTask(ctx, nil, "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskQueued, got.Status)
	require.NotNil(t, got.QueuedAt)

	evs := rec.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TaskQueued, evs[0].Type)
}

func TestQueue_AdmitIgnoresCapacityWhenPriorityBoosted(t *testing.T) {
	q, st, _ := newTestQueue(t)
	ctx := context.Background()
	task := newTask(t, st, "task-1", store.PriorityMedium)
	task.PriorityBoosted = true

	decision, err := q.Admit(ctx, fixedAdmitter{count: 5}, task)
	require.NoError(t, err)
	assert.False(t, decision.Queued)
}

func TestQueue_BumpAllowsSubsequentAdmitPastCapacity(t *testing.T) {
	q, st, _ := newTestQueue(t)
	ctx := context.Background()
	task := newTask(t, st, "task-1", store.PriorityMedium)

	_, err := q.Admit(ctx, fixedAdmitter{count: 5}, task)
	require.NoError(t, err)

	require.NoError(t, q.Bump(ctx, "task-1"))

	got, err := st.GetTask(ctx, nil, "task-1")
	require.NoError(t, err)
	assert.True(t, got.PriorityBoosted)

	decision, err := q.Admit(ctx, fixedAdmitter{count: 5}, got)
	require.NoError(t, err)
	assert.False(t, decision.Queued)
}

func TestQueue_CancelMarksFailedWithReason(t *testing.T) {
	q, st, _ := newTestQueue(t)
	ctx := context.Background()
	task := newTask(t, st, "task-1", store.PriorityMedium)
	_, err := q.Admit(ctx, fixedAdmitter{count: 5}, task)
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, "task-1"))

	got, err := st.GetTask(ctx, nil, "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, got.Status)
	assert.Equal(t, "Cancelled by user from queue", got.LastValidationFeedback)
	assert.Nil(t, got.QueuedAt)
}

func TestQueue_CancelRejectsNonQueuedTask(t *testing.T) {
	q, st, _ := newTestQueue(t)
	ctx := context.Background()
	newTask(t, st, "task-1", store.PriorityMedium)

	err := q.Cancel(ctx, "task-1")
	assert.Error(t, err)
}

func TestQueue_DequeueReadyOrdersBoostedThenPriorityThenFIFO(t *testing.T) {
	q, st, _ := newTestQueue(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	mkQueued := func(id string, priority store.TaskPriority, boosted bool, queuedAt time.Time) {
		task := newTask(t, st, id, priority)
		task.Status = store.TaskQueued
		task.PriorityBoosted = boosted
		task.QueuedAt = &queuedAt
		require.NoError(t, st.UpdateTask(ctx, nil, task))
	}

	mkQueued("low-old", store.PriorityLow, false, base)
	mkQueued("high-new", store.PriorityHigh, false, base.Add(30*time.Minute))
	mkQueued("boosted-low", store.PriorityLow, true, base.Add(50*time.Minute))
	mkQueued("high-old", store.PriorityHigh, false, base.Add(10*time.Minute))

	ready, err := q.DequeueReady(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 4)

	ids := make([]string, len(ready))
	for i, tsk := range ready {
		ids[i] = tsk.ID
	}
	assert.Equal(t, []string{"boosted-low", "high-old", "high-new", "low-old"}, ids)
}
