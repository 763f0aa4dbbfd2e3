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

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/events"
	"github.com/hephaestus-run/hephaestus/pkg/memory"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/task"
)

type createTaskRequest struct {
	TaskDescription string `json:"task_description" validate:"required"`
	DoneDefinition  string `json:"done_definition"`
	AIAgentID       string `json:"ai_agent_id" validate:"required"`
	WorkflowID      string `json:"workflow_id" validate:"required"`
	TicketID        string `json:"ticket_id"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	params := task.CreateParams{
		WorkflowID:       req.WorkflowID,
		RawDescription:   req.TaskDescription,
		CreatedByAgentID: req.AIAgentID,
		IsRootCaller:     req.AIAgentID == "root",
	}
	if req.TicketID != "" {
		params.TicketID = &req.TicketID
	}

	t, err := s.tasks.Create(r.Context(), params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.publish(events.TaskStatusChanged, t.WorkflowID, map[string]any{"task_id": t.ID, "status": string(t.Status)})
	writeJSON(w, http.StatusOK, t)
}

type updateTaskStatusRequest struct {
	TaskID       string `json:"task_id" validate:"required"`
	Status       string `json:"status" validate:"required,oneof=done failed"`
	Summary      string `json:"summary"`
	KeyLearnings string `json:"key_learnings"`
}

// handleUpdateTaskStatus is an agent reporting it is finished with its
// task. A passing report routes through validation if the task's phase
// requires it; otherwise the task closes immediately and the agent is
// freed, which in turn lets the queue admit whatever is next in line.
func (s *Server) handleUpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req updateTaskStatusRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	t, err := s.store.GetTask(r.Context(), nil, req.TaskID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if req.KeyLearnings != "" && s.memories != nil {
		agentID := agentIDFromContext(r.Context())
		if _, err := s.memories.Save(r.Context(), memory.SaveParams{
			AgentID:    agentID,
			Content:    req.KeyLearnings,
			MemoryType: store.MemoryLearning,
		}); err != nil {
			writeError(w, r, err)
			return
		}
	}

	switch req.Status {
	case "done":
		if t.ValidationEnabled {
			if err := s.validation.BeginTaskValidation(r.Context(), t); err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, t)
			return
		}
		if err := s.closeTask(r.Context(), t, store.TaskDone, req.Summary); err != nil {
			writeError(w, r, err)
			return
		}
	case "failed":
		if err := s.closeTask(r.Context(), t, store.TaskFailed, req.Summary); err != nil {
			writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, t)
}

// closeTask marks t with a terminal status, frees its agent, and lets the
// queue admit whatever is next in line now that a concurrency slot opened.
func (s *Server) closeTask(ctx context.Context, t *store.Task, status store.TaskStatus, note string) error {
	t.Status = status
	t.LastValidationFeedback = note
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateTask(ctx, nil, t); err != nil {
		return err
	}
	s.publish(events.TaskStatusChanged, t.WorkflowID, map[string]any{"task_id": t.ID, "status": string(t.Status)})

	if t.AssignedAgentID != nil {
		if err := s.agents.TerminateAgent(ctx, *t.AssignedAgentID); err != nil {
			return err
		}
	}

	ready, err := s.queue.DequeueReady(ctx)
	if err != nil {
		return err
	}
	for _, next := range ready {
		decision, err := s.queue.Admit(ctx, s.agents, next)
		if err != nil {
			return err
		}
		if decision.Queued {
			continue
		}
		if err := s.agents.SpawnPhaseAgent(ctx, next); err != nil {
			return err
		}
	}
	return nil
}
