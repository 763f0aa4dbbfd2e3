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
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/apperr"
	"github.com/hephaestus-run/hephaestus/pkg/ids"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/ticket"
)

type createTicketRequest struct {
	WorkflowID  string `json:"workflow_id" validate:"required"`
	Title       string `json:"title" validate:"required,min=3"`
	Description string `json:"description" validate:"required,min=10"`
	TicketType  string `json:"ticket_type"`
	Priority    string `json:"priority"`
}

func (s *Server) handleTicketCreate(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	t, err := s.tickets.Create(r.Context(), ticket.CreateParams{
		WorkflowID:       req.WorkflowID,
		Title:            req.Title,
		Description:      req.Description,
		TicketType:       req.TicketType,
		Priority:         store.TaskPriority(req.Priority),
		CreatedByAgentID: agentIDFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type updateTicketRequest struct {
	TicketID string            `json:"ticket_id" validate:"required"`
	Updates  map[string]string `json:"updates" validate:"required"`
}

// handleTicketUpdate applies a whitelisted set of free-field edits — title,
// description, priority — that don't carry board or approval semantics of
// their own, so they go straight to the store rather than through
// Transition/SetApproval.
func (s *Server) handleTicketUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateTicketRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	t, err := s.store.GetTicket(r.Context(), nil, req.TicketID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if v, ok := req.Updates["title"]; ok {
		t.Title = v
	}
	if v, ok := req.Updates["description"]; ok {
		t.Description = v
	}
	if v, ok := req.Updates["priority"]; ok {
		t.Priority = store.TaskPriority(v)
	}
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateTicket(r.Context(), nil, t); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type changeTicketStatusRequest struct {
	TicketID  string `json:"ticket_id" validate:"required"`
	NewStatus string `json:"new_status" validate:"required"`
	Comment   string `json:"comment" validate:"required,min=10"`
}

func (s *Server) handleTicketChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req changeTicketStatusRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	agentID := agentIDFromContext(r.Context())
	result, err := s.tickets.Transition(r.Context(), req.TicketID, ticket.TransitionParams{
		ToStatus: req.NewStatus,
		AgentID:  agentID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if result.Blocked {
		writeJSON(w, http.StatusOK, map[string]any{"blocked": true, "blockers": result.Blockers})
		return
	}
	if _, err := s.tickets.AddComment(r.Context(), req.TicketID, agentID, req.Comment); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Ticket)
}

type ticketCommentRequest struct {
	TicketID    string `json:"ticket_id" validate:"required"`
	CommentText string `json:"comment_text" validate:"required"`
}

func (s *Server) handleTicketComment(w http.ResponseWriter, r *http.Request) {
	var req ticketCommentRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.tickets.AddComment(r.Context(), req.TicketID, agentIDFromContext(r.Context()), req.CommentText)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type resolveTicketRequest struct {
	TicketID          string `json:"ticket_id" validate:"required"`
	ResolutionComment string `json:"resolution_comment" validate:"required,min=10"`
}

func (s *Server) handleTicketResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveTicketRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	agentID := agentIDFromContext(r.Context())
	if _, err := s.tickets.AddComment(r.Context(), req.TicketID, agentID, req.ResolutionComment); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.tickets.Resolve(r.Context(), req.TicketID, agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type linkTicketCommitRequest struct {
	TicketID  string `json:"ticket_id" validate:"required"`
	CommitSHA string `json:"commit_sha" validate:"required"`
}

func (s *Server) handleTicketLinkCommit(w http.ResponseWriter, r *http.Request) {
	var req linkTicketCommitRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.store.GetTicket(r.Context(), nil, req.TicketID); err != nil {
		writeError(w, r, err)
		return
	}
	commit := &store.TicketCommit{
		ID:        ids.New(),
		TicketID:  req.TicketID,
		CommitSHA: req.CommitSHA,
		Message:   "linked via API",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.LinkTicketCommit(r.Context(), nil, commit); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commit)
}

type ticketSearchRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	Query      string `json:"query" validate:"required,min=3"`
	Limit      int    `json:"limit"`
}

func (s *Server) handleTicketSearch(w http.ResponseWriter, r *http.Request) {
	var req ticketSearchRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	results, err := s.tickets.Search(r.Context(), req.WorkflowID, req.Query, req.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleTicketList(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow_id")
	if workflowID == "" {
		writeError(w, r, apperr.Validation("workflow_id"))
		return
	}
	tickets, err := s.store.ListTicketsByWorkflow(r.Context(), nil, workflowID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

type requestClarificationRequest struct {
	TicketID            string   `json:"ticket_id" validate:"required"`
	ConflictDescription string   `json:"conflict_description" validate:"required,min=20"`
	Context             string   `json:"context"`
	PotentialSolutions  []string `json:"potential_solutions"`
}

func (s *Server) handleTicketRequestClarification(w http.ResponseWriter, r *http.Request) {
	var req requestClarificationRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.tickets.ResolveClarification(r.Context(), ticket.ClarificationParams{
		TicketID:            req.TicketID,
		ConflictDescription: req.ConflictDescription,
		Context:             req.Context,
		PotentialSolutions:  req.PotentialSolutions,
		AgentID:             agentIDFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type ticketApprovalRequest struct {
	TicketID        string `json:"ticket_id" validate:"required"`
	RejectionReason string `json:"rejection_reason"`
}

func (s *Server) handleTicketApprove(w http.ResponseWriter, r *http.Request) {
	s.handleTicketApproval(w, r, true)
}

func (s *Server) handleTicketReject(w http.ResponseWriter, r *http.Request) {
	s.handleTicketApproval(w, r, false)
}

func (s *Server) handleTicketApproval(w http.ResponseWriter, r *http.Request, approved bool) {
	var req ticketApprovalRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	agentID := agentIDFromContext(r.Context())
	t, err := s.tickets.SetApproval(r.Context(), req.TicketID, approved, agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !approved && req.RejectionReason != "" {
		if _, err := s.tickets.AddComment(r.Context(), req.TicketID, agentID, req.RejectionReason); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, t)
}
