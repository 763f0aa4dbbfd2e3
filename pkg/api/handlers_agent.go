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

import "net/http"

type broadcastMessageRequest struct {
	Message string `json:"message" validate:"required"`
}

func (s *Server) handleBroadcastMessage(w http.ResponseWriter, r *http.Request) {
	var req broadcastMessageRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	from := agentIDFromContext(r.Context())
	if err := s.agents.Broadcast(r.Context(), from, req.Message); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type sendMessageRequest struct {
	RecipientAgentID string `json:"recipient_agent_id" validate:"required"`
	Message          string `json:"message" validate:"required"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	from := agentIDFromContext(r.Context())
	if err := s.agents.Send(r.Context(), from, req.RecipientAgentID, req.Message); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type terminateAgentRequest struct {
	AgentID string `json:"agent_id" validate:"required"`
}

func (s *Server) handleTerminateAgent(w http.ResponseWriter, r *http.Request) {
	var req terminateAgentRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.agents.TerminateAgent(r.Context(), req.AgentID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}
