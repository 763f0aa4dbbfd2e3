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

	"github.com/hephaestus-run/hephaestus/pkg/ids"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/validation"
)

type reportResultsRequest struct {
	TaskID          string `json:"task_id" validate:"required"`
	MarkdownFilePath string `json:"markdown_file_path" validate:"required"`
	ResultType      string `json:"result_type"`
	Summary         string `json:"summary"`
}

// handleReportResults records a per-task artifact. This does not itself
// close the task out — that is update_task_status's job — it only gives
// the eventual validator something concrete to review.
func (s *Server) handleReportResults(w http.ResponseWriter, r *http.Request) {
	var req reportResultsRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	t, err := s.store.GetTask(r.Context(), nil, req.TaskID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	agentID := agentIDFromContext(r.Context())
	result := &store.AgentResult{
		ID:               ids.New(),
		TaskID:           t.ID,
		AgentID:          agentID,
		Content:          req.Summary,
		FilePath:         req.MarkdownFilePath,
		ValidationStatus: store.ValidationPending,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.CreateAgentResult(r.Context(), nil, result); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type submitResultRequest struct {
	WorkflowID       string `json:"workflow_id" validate:"required"`
	MarkdownFilePath string `json:"markdown_file_path" validate:"required"`
	Explanation      string `json:"explanation"`
}

// handleSubmitResult records the workflow-level deliverable and immediately
// starts result validation (spec.md's on_result_found branch lives in
// ValidationEngine.ReviewResult, triggered once a verdict comes back).
func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	var req submitResultRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result := &store.WorkflowResult{
		ID:               ids.New(),
		WorkflowID:       req.WorkflowID,
		Content:          req.Explanation,
		FilePath:         req.MarkdownFilePath,
		ValidationStatus: store.ValidationPending,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.CreateWorkflowResult(r.Context(), nil, result); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validation.BeginResultValidation(r.Context(), result); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type giveValidationReviewRequest struct {
	TaskID           string `json:"task_id" validate:"required"`
	ValidatorAgentID string `json:"validator_agent_id" validate:"required"`
	ValidationPassed bool   `json:"validation_passed"`
	Feedback         string `json:"feedback"`
}

func (s *Server) handleGiveValidationReview(w http.ResponseWriter, r *http.Request) {
	var req giveValidationReviewRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	t, err := s.validation.ReviewTask(r.Context(), req.TaskID, validation.ReviewTaskParams{
		ValidatorAgentID: req.ValidatorAgentID,
		Passed:           req.ValidationPassed,
		Feedback:         req.Feedback,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type submitResultValidationRequest struct {
	ResultID         string `json:"result_id" validate:"required"`
	ValidationPassed bool   `json:"validation_passed"`
	Feedback         string `json:"feedback"`
}

func (s *Server) handleSubmitResultValidation(w http.ResponseWriter, r *http.Request) {
	var req submitResultValidationRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.validation.ReviewResult(r.Context(), req.ResultID, validation.ReviewResultParams{
		ValidatorAgentID: agentIDFromContext(r.Context()),
		Passed:           req.ValidationPassed,
		Feedback:         req.Feedback,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
