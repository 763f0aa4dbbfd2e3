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

// Package queue is the admission-control QueueService: enqueue when the
// agent-concurrency limit is reached, dequeue FIFO-within-priority with a
// manual bump escape hatch.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/events"
	"github.com/hephaestus-run/hephaestus/pkg/store"
)

// Admitter decides whether a ready task is queued or spawned immediately.
// AgentManager implements the capacity check by counting non-terminated
// phase agents; Queue itself is storage-and-order-agnostic about what
// "spawn" means.
type Admitter interface {
	ActivePhaseAgentCount(ctx context.Context) (int, error)
}

// Queue is the in-process, mutex-protected admission-control structure. No
// external broker: the design is explicitly single-host (spec.md §1 rules
// out cross-host distribution), so every transition is also persisted via
// Store so order survives a restart.
type Queue struct {
	mu                  sync.Mutex
	store               *store.Store
	publisher           events.Publisher
	maxConcurrentAgents int
}

// New returns a Queue enforcing maxConcurrentAgents simultaneous
// non-terminated phase agents.
func New(st *store.Store, publisher events.Publisher, maxConcurrentAgents int) *Queue {
	return &Queue{store: st, publisher: publisher, maxConcurrentAgents: maxConcurrentAgents}
}

// Decision is the outcome of Admit: either the task was queued, or it is
// clear to spawn immediately.
type Decision struct {
	Queued bool
}

// Admit implements the admission policy (spec.md §4.5): if the active
// phase-agent count is at or above the limit and the task is not
// priority-boosted, the task is queued; otherwise it is cleared to spawn.
func (q *Queue) Admit(ctx context.Context, admitter Admitter, task *store.Task) (Decision, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	active, err := admitter.ActivePhaseAgentCount(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count active phase agents: %w", err)
	}

	if active >= q.maxConcurrentAgents && !task.PriorityBoosted {
		now := time.Now().UTC()
		task.Status = store.TaskQueued
		task.QueuedAt = &now
		task.UpdatedAt = now
		if err := q.store.UpdateTask(ctx, nil, task); err != nil {
			return Decision{}, err
		}
		q.publish(events.TaskQueued, task.WorkflowID, map[string]any{"task_id": task.ID})
		return Decision{Queued: true}, nil
	}

	task.Status = store.TaskAssigned
	task.UpdatedAt = time.Now().UTC()
	if err := q.store.UpdateTask(ctx, nil, task); err != nil {
		return Decision{}, err
	}
	return Decision{Queued: false}, nil
}

// Bump sets priority_boosted=true on a queued task so it clears admission
// on the next dequeue pass even beyond the concurrency limit.
func (q *Queue) Bump(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.GetTask(ctx, nil, taskID)
	if err != nil {
		return err
	}
	task.PriorityBoosted = true
	task.UpdatedAt = time.Now().UTC()
	return q.store.UpdateTask(ctx, nil, task)
}

// Cancel marks a queued task failed with the standard cancellation reason
// and removes it from consideration by dequeue passes (status is no longer
// "queued").
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.GetTask(ctx, nil, taskID)
	if err != nil {
		return err
	}
	if task.Status != store.TaskQueued {
		return fmt.Errorf("task %s is not queued (status=%s)", taskID, task.Status)
	}
	task.Status = store.TaskFailed
	task.LastValidationFeedback = "Cancelled by user from queue"
	task.QueuedAt = nil
	task.UpdatedAt = time.Now().UTC()
	return q.store.UpdateTask(ctx, nil, task)
}

// DequeueReady returns every queued task that should now be considered for
// spawning, ordered `priority_boosted desc, priority desc, queued_at asc`
// (spec.md §4.5's FIFO-within-priority rule). It does not itself spawn
// anything: callers (TaskService, BackgroundLoop) drive the actual spawn.
func (q *Queue) DequeueReady(ctx context.Context) ([]*store.Task, error) {
	tasks, err := q.store.ListTasksByStatus(ctx, nil, store.TaskQueued)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.PriorityBoosted != b.PriorityBoosted {
			return a.PriorityBoosted
		}
		if rank(a.Priority) != rank(b.Priority) {
			return rank(a.Priority) > rank(b.Priority)
		}
		ai, bi := queuedAtOrZero(a), queuedAtOrZero(b)
		return ai.Before(bi)
	})

	return tasks, nil
}

func rank(p store.TaskPriority) int {
	switch p {
	case store.PriorityHigh:
		return 2
	case store.PriorityMedium:
		return 1
	default:
		return 0
	}
}

func queuedAtOrZero(t *store.Task) time.Time {
	if t.QueuedAt == nil {
		return time.Time{}
	}
	return *t.QueuedAt
}

func (q *Queue) publish(typ events.Type, workflowID string, payload map[string]any) {
	if q.publisher == nil {
		return
	}
	q.publisher.Publish(events.New(typ, workflowID, payload))
}
