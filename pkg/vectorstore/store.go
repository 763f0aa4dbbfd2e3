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

// Package vectorstore provides an opaque key/vector/metadata store used for
// memory deduplication and ticket semantic search.
package vectorstore

import "context"

// Result is a single match returned by Search, ordered by Score descending.
type Result struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Store is the opaque vector collaborator. The only semantic contract the
// core relies on is cosine-like ordering: Search returns results sorted by
// Score descending, and scores are comparable across calls against the same
// collection.
type Store interface {
	// Upsert inserts or replaces the vector and payload stored under id in
	// collection. The collection is created on first use.
	Upsert(ctx context.Context, collection string, id string, vector []float32, payload map[string]any) error

	// Search returns up to k results from collection whose score is >=
	// minScore, ordered by score descending.
	Search(ctx context.Context, collection string, vector []float32, k int, minScore float32) ([]Result, error)

	// Delete removes id from collection. Deleting a missing id is not an
	// error.
	Delete(ctx context.Context, collection string, id string) error

	// Close releases any underlying connection.
	Close() error
}

// Collection names used throughout the system.
const (
	CollectionMemories        = "memories"
	CollectionTicketEmbedding = "ticket_embeddings"
	CollectionTaskEmbedding   = "task_embeddings"
)

// MemoryDedupThreshold is the minimum cosine score at which two memory
// embeddings are treated as near-duplicates (spec.md §4.2).
const MemoryDedupThreshold = 0.95
