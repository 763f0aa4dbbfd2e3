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

	"github.com/hephaestus-run/hephaestus/pkg/memory"
	"github.com/hephaestus-run/hephaestus/pkg/store"
)

type saveMemoryRequest struct {
	AIAgentID     string   `json:"ai_agent_id" validate:"required"`
	MemoryContent string   `json:"memory_content" validate:"required"`
	MemoryType    string   `json:"memory_type"`
	Tags          []string `json:"tags"`
	RelatedFiles  []string `json:"related_files"`
}

func (s *Server) handleSaveMemory(w http.ResponseWriter, r *http.Request) {
	var req saveMemoryRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	m, err := s.memories.Save(r.Context(), memory.SaveParams{
		AgentID:      req.AIAgentID,
		Content:      req.MemoryContent,
		MemoryType:   store.MemoryType(req.MemoryType),
		Tags:         req.Tags,
		RelatedFiles: req.RelatedFiles,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
