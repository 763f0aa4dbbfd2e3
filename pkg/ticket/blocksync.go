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
	"fmt"

	"github.com/hephaestus-run/hephaestus/pkg/store"
)

// taskResumer is the forward-reference interface into TaskService:
// BlockSync depends on it only to re-enter the create pipeline for an
// already-persisted blocked task, never the reverse. Mirrors
// pkg/validation's agentSpawner narrowing of AgentManager.
type taskResumer interface {
	Resume(ctx context.Context, taskID string) (*store.Task, error)
}

// BlockSync is the dedicated task-blocking sync service spec.md §4.9
// requires: it re-checks every task blocked on a given ticket whenever
// that ticket's blocking graph shortens (a blocker resolves) or its own
// approval gate clears, and resumes any task that is no longer blocked.
type BlockSync struct {
	store *store.Store
	tasks taskResumer
}

// NewBlockSync returns a BlockSync wired to its collaborators.
func NewBlockSync(st *store.Store, tasks taskResumer) *BlockSync {
	return &BlockSync{store: st, tasks: tasks}
}

// SyncTicket re-evaluates every task naming ticketID and resumes those
// TaskService itself now judges unblocked. A task TaskService still finds
// blocked (a different unresolved blocker, or the ticket's own approval
// still pending) is left untouched — Resume is a no-op in that case.
func (b *BlockSync) SyncTicket(ctx context.Context, ticketID string) ([]*store.Task, error) {
	tasks, err := b.store.ListTasksByTicket(ctx, nil, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for ticket %s: %w", ticketID, err)
	}

	var resumed []*store.Task
	for _, t := range tasks {
		if t.Status != store.TaskBlocked {
			continue
		}
		r, err := b.tasks.Resume(ctx, t.ID)
		if err != nil {
			return resumed, fmt.Errorf("failed to resume task %s: %w", t.ID, err)
		}
		if r.Status != store.TaskBlocked {
			resumed = append(resumed, r)
		}
	}
	return resumed, nil
}
