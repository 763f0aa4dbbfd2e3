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

// Package memory implements the save_memory side of TaskService's
// enrichment loop: an agent's discovery is embedded and indexed so a later
// TaskService.Create's retrieveMemories step can surface it again.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/ids"
	"github.com/hephaestus-run/hephaestus/pkg/llmprovider"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/vectorstore"
)

// Service persists a Memory row and its embedding together; pkg/task reads
// the embedding back out through vectorstore.Store.Search, never through
// this package, so there is no reverse dependency.
type Service struct {
	store   *store.Store
	vectors vectorstore.Store
	llm     llmprovider.Provider
}

// New returns a Service wired to its collaborators.
func New(st *store.Store, vectors vectorstore.Store, llm llmprovider.Provider) *Service {
	return &Service{store: st, vectors: vectors, llm: llm}
}

// SaveParams are the caller-supplied inputs to Save.
type SaveParams struct {
	AgentID      string
	Content      string
	MemoryType   store.MemoryType
	Tags         []string
	RelatedFiles []string
}

// Save embeds content, persists the Memory row, and indexes the embedding
// under vectorstore.CollectionMemories keyed by the memory's own id.
func (s *Service) Save(ctx context.Context, params SaveParams) (*store.Memory, error) {
	if params.MemoryType == "" {
		params.MemoryType = store.MemoryDiscovery
	}

	m := &store.Memory{
		ID:           ids.New(),
		AgentID:      params.AgentID,
		Content:      params.Content,
		MemoryType:   params.MemoryType,
		Tags:         params.Tags,
		RelatedFiles: params.RelatedFiles,
		CreatedAt:    time.Now().UTC(),
	}
	m.EmbeddingID = m.ID

	embedding, err := s.llm.GenerateEmbedding(ctx, params.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to embed memory: %w", err)
	}

	if err := s.store.CreateMemory(ctx, nil, m); err != nil {
		return nil, fmt.Errorf("failed to persist memory: %w", err)
	}

	if s.vectors != nil {
		if err := s.vectors.Upsert(ctx, vectorstore.CollectionMemories, m.ID, embedding, map[string]any{
			"agent_id":    m.AgentID,
			"memory_type": string(m.MemoryType),
			"content":     m.Content,
		}); err != nil {
			return nil, fmt.Errorf("failed to store memory embedding: %w", err)
		}
	}

	return m, nil
}
