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

	"github.com/go-chi/chi/v5"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/workflow"
)

type registerWorkflowDefinitionRequest struct {
	ID             string                `json:"id" validate:"required"`
	Name           string                `json:"name" validate:"required"`
	Description    string                `json:"description"`
	PhasesConfig   []store.PhaseTemplate `json:"phases_config" validate:"required,min=1"`
	WorkflowConfig store.WorkflowConfig  `json:"workflow_config"`
}

func (s *Server) handleRegisterWorkflowDefinition(w http.ResponseWriter, r *http.Request) {
	var req registerWorkflowDefinitionRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	def := &store.WorkflowDefinition{
		ID:             req.ID,
		Name:           req.Name,
		Description:    req.Description,
		PhasesConfig:   req.PhasesConfig,
		WorkflowConfig: req.WorkflowConfig,
	}
	if err := s.workflows.RegisterDefinition(r.Context(), def); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

type startWorkflowExecutionRequest struct {
	DefinitionID     string            `json:"definition_id" validate:"required"`
	Description      string            `json:"description" validate:"required"`
	WorkingDirectory string            `json:"working_directory"`
	LaunchParams     map[string]string `json:"launch_params"`
}

func (s *Server) handleStartWorkflowExecution(w http.ResponseWriter, r *http.Request) {
	var req startWorkflowExecutionRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	execution, err := s.workflows.StartExecution(r.Context(), workflow.StartExecutionParams{
		DefinitionID:     req.DefinitionID,
		Description:      req.Description,
		WorkingDirectory: req.WorkingDirectory,
		LaunchParams:     req.LaunchParams,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

type workflowExecutionDetail struct {
	Execution *store.WorkflowExecution `json:"execution"`
	Phases    []*store.Phase           `json:"phases"`
	Tasks     []*store.Task            `json:"tasks"`
	Tickets   []*store.Ticket          `json:"tickets"`
}

func (s *Server) handleGetWorkflowExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	execution, err := s.store.GetWorkflowExecution(r.Context(), nil, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	phases, err := s.store.ListPhasesByWorkflow(r.Context(), nil, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tasks, err := s.store.ListTasksByWorkflow(r.Context(), nil, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tickets, err := s.store.ListTicketsByWorkflow(r.Context(), nil, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, workflowExecutionDetail{
		Execution: execution,
		Phases:    phases,
		Tasks:     tasks,
		Tickets:   tickets,
	})
}
