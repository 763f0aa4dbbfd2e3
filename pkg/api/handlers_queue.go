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
	"net/http"

	"github.com/hephaestus-run/hephaestus/pkg/store"
)

type taskIDRequest struct {
	TaskID string `json:"task_id" validate:"required"`
}

func (s *Server) handleBumpTaskPriority(w http.ResponseWriter, r *http.Request) {
	var req taskIDRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.queue.Bump(r.Context(), req.TaskID); err != nil {
		writeError(w, r, err)
		return
	}

	t, err := s.store.GetTask(r.Context(), nil, req.TaskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	decision, err := s.queue.Admit(r.Context(), s.agents, t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !decision.Queued {
		if err := s.agents.SpawnPhaseAgent(r.Context(), t); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelQueuedTask(w http.ResponseWriter, r *http.Request) {
	var req taskIDRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.queue.Cancel(r.Context(), req.TaskID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRestartTask(w http.ResponseWriter, r *http.Request) {
	var req taskIDRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.tasks.Restart(r.Context(), req.TaskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type queueStatusResponse struct {
	ActiveAgents int          `json:"active_agents"`
	Queued       []*store.Task `json:"queued"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.agents.ActivePhaseAgentCount(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	queued, err := s.queue.DequeueReady(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queueStatusResponse{ActiveAgents: active, Queued: queued})
}
