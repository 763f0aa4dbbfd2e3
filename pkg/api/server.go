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

// Package api is the HTTP surface: every REST endpoint in spec.md §6.1,
// the /sse event stream, and the /ws bidirectional socket. It sits at the
// top of the dependency graph — every other package's Service/Engine/
// Manager is a collaborator here, never the reverse.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/hephaestus-run/hephaestus/pkg/agent"
	"github.com/hephaestus-run/hephaestus/pkg/events"
	"github.com/hephaestus-run/hephaestus/pkg/memory"
	"github.com/hephaestus-run/hephaestus/pkg/queue"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/task"
	"github.com/hephaestus-run/hephaestus/pkg/ticket"
	"github.com/hephaestus-run/hephaestus/pkg/validation"
	"github.com/hephaestus-run/hephaestus/pkg/workflow"
)

// Config tunes HTTP-layer-only behavior.
type Config struct {
	EnableCORS bool
}

// Server wires every domain service to the HTTP surface. It holds no
// business logic of its own: handlers translate a request into a call on
// one of these collaborators and translate the result (or error, via
// apperr.StatusFor) back into JSON.
type Server struct {
	store      *store.Store
	tasks      *task.Service
	tickets    *ticket.Service
	validation *validation.Engine
	agents     *agent.Manager
	workflows  *workflow.Engine
	queue      *queue.Queue
	memories   *memory.Service
	hub        *Hub
	validate   *validator.Validate
	cfg        Config
}

// NewServer returns a Server wired to its collaborators. hub may be
// constructed with NewHub and passed to every other service's
// events.Publisher parameter so one broadcast fabric serves the whole
// process.
func NewServer(
	st *store.Store,
	tasks *task.Service,
	tickets *ticket.Service,
	ve *validation.Engine,
	agents *agent.Manager,
	workflows *workflow.Engine,
	q *queue.Queue,
	memories *memory.Service,
	hub *Hub,
	cfg Config,
) *Server {
	return &Server{
		store:      st,
		tasks:      tasks,
		tickets:    tickets,
		validation: ve,
		agents:     agents,
		workflows:  workflows,
		queue:      q,
		memories:   memories,
		hub:        hub,
		validate:   validator.New(),
		cfg:        cfg,
	}
}

// Routes builds the chi router for the full endpoint surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logging)
	if s.cfg.EnableCORS {
		r.Use(s.cors)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/sse", s.hub.ServeSSE)
	r.Get("/ws", s.hub.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAgentID)

		r.Post("/create_task", s.handleCreateTask)
		r.Post("/update_task_status", s.handleUpdateTaskStatus)
		r.Post("/save_memory", s.handleSaveMemory)
		r.Post("/report_results", s.handleReportResults)
		r.Post("/submit_result", s.handleSubmitResult)
		r.Post("/give_validation_review", s.handleGiveValidationReview)
		r.Post("/submit_result_validation", s.handleSubmitResultValidation)

		r.Post("/api/broadcast_message", s.handleBroadcastMessage)
		r.Post("/api/send_message", s.handleSendMessage)

		r.Post("/api/tickets/create", s.handleTicketCreate)
		r.Post("/api/tickets/update", s.handleTicketUpdate)
		r.Post("/api/tickets/change-status", s.handleTicketChangeStatus)
		r.Post("/api/tickets/comment", s.handleTicketComment)
		r.Post("/api/tickets/resolve", s.handleTicketResolve)
		r.Post("/api/tickets/link-commit", s.handleTicketLinkCommit)
		r.Post("/api/tickets/search", s.handleTicketSearch)
		r.Get("/api/tickets", s.handleTicketList)
		r.Post("/api/tickets/request-clarification", s.handleTicketRequestClarification)
		r.Post("/api/tickets/approve", s.handleTicketApprove)
		r.Post("/api/tickets/reject", s.handleTicketReject)

		r.Post("/api/workflow-definitions", s.handleRegisterWorkflowDefinition)
		r.Post("/api/workflow-executions", s.handleStartWorkflowExecution)
		r.Get("/api/workflow-executions/{id}", s.handleGetWorkflowExecution)

		r.Post("/api/terminate_agent", s.handleTerminateAgent)
		r.Post("/api/bump_task_priority", s.handleBumpTaskPriority)
		r.Post("/api/cancel_queued_task", s.handleCancelQueuedTask)
		r.Post("/api/restart_task", s.handleRestartTask)
		r.Get("/api/queue_status", s.handleQueueStatus)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) publish(typ events.Type, workflowID string, payload map[string]any) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(events.New(typ, workflowID, payload))
}
