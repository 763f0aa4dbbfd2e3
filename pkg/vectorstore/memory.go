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

package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

type memoryPoint struct {
	vector  []float32
	payload map[string]any
}

// MemoryStore is a brute-force, in-process Store. It has no external
// dependency, so it is the zero-config default when qdrant_url is unset and
// the deterministic backend used by tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]memoryPoint
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]memoryPoint)}
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(_ context.Context, collection string, id string, vector []float32, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	points, ok := m.collections[collection]
	if !ok {
		points = make(map[string]memoryPoint)
		m.collections[collection] = points
	}

	stored := make([]float32, len(vector))
	copy(stored, vector)

	storedPayload := make(map[string]any, len(payload))
	for k, v := range payload {
		storedPayload[k] = v
	}

	points[id] = memoryPoint{vector: stored, payload: storedPayload}
	return nil
}

// Search implements Store.
func (m *MemoryStore) Search(_ context.Context, collection string, vector []float32, k int, minScore float32) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	points := m.collections[collection]
	results := make([]Result, 0, len(points))
	for id, p := range points {
		score := cosineSimilarity(vector, p.vector)
		if score < minScore {
			continue
		}
		results = append(results, Result{ID: id, Score: score, Payload: p.payload})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, collection string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if points, ok := m.collections[collection]; ok {
		delete(points, id)
	}
	return nil
}

// Close implements Store. MemoryStore holds no external resources.
func (m *MemoryStore) Close() error {
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ Store = (*MemoryStore)(nil)
