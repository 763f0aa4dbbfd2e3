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

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateMemory inserts a new Memory discovery row.
func (s *Store) CreateMemory(ctx context.Context, tx *sql.Tx, m *Memory) error {
	tags, err := marshalJSON(m.Tags)
	if err != nil {
		return err
	}
	relatedFiles, err := marshalJSON(m.RelatedFiles)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, s.q(tx), `
INSERT INTO memories (id, agent_id, content, memory_type, embedding_id, tags, related_files, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, m.ID, m.AgentID, m.Content, string(m.MemoryType), m.EmbeddingID, tags, relatedFiles, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// ListMemoriesByAgent returns every Memory recorded by an agent.
func (s *Store) ListMemoriesByAgent(ctx context.Context, tx *sql.Tx, agentID string) ([]*Memory, error) {
	rows, err := s.query(ctx, s.q(tx), `
SELECT id, agent_id, content, memory_type, embedding_id, tags, related_files, created_at
FROM memories WHERE agent_id = ? ORDER BY created_at ASC
`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		var m Memory
		var tags, relatedFiles string
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Content, &m.MemoryType, &m.EmbeddingID, &tags, &relatedFiles, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		if err := unmarshalJSON(tags, &m.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal memory tags: %w", err)
		}
		if err := unmarshalJSON(relatedFiles, &m.RelatedFiles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal memory related_files: %w", err)
		}
		memories = append(memories, &m)
	}
	return memories, rows.Err()
}
