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

package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hephaestus-run/hephaestus/pkg/llmprovider"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *vectorstore.MemoryStore) {
	t.Helper()
	st, err := store.Open(store.Config{
		Driver:         store.DialectSQLite,
		DataSourceName: filepath.Join(t.TempDir(), "memory_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	vectors := vectorstore.NewMemoryStore()
	svc := New(st, vectors, llmprovider.NewFallback())
	return svc, vectors
}

func TestService_SaveDefaultsMemoryType(t *testing.T) {
	svc, _ := newTestService(t)

	m, err := svc.Save(context.Background(), SaveParams{
		AgentID: "agent-1",
		Content: "the build fails without CGO_ENABLED=1",
	})
	require.NoError(t, err)
	assert.Equal(t, store.MemoryDiscovery, m.MemoryType)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, m.ID, m.EmbeddingID)
}

func TestService_SaveIndexesEmbeddingForLaterRetrieval(t *testing.T) {
	svc, vectors := newTestService(t)

	m, err := svc.Save(context.Background(), SaveParams{
		AgentID:    "agent-1",
		Content:    "do not call the legacy migration script directly",
		MemoryType: store.MemoryWarning,
		Tags:       []string{"migrations"},
	})
	require.NoError(t, err)

	embedding, err := llmprovider.NewFallback().GenerateEmbedding(context.Background(), m.Content)
	require.NoError(t, err)

	results, err := vectors.Search(context.Background(), vectorstore.CollectionMemories, embedding, 5, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, m.ID, results[0].ID)
	assert.Equal(t, "agent-1", results[0].Payload["agent_id"])
}

func TestService_SavePersistsRetrievableByAgent(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Save(context.Background(), SaveParams{AgentID: "agent-2", Content: "tests require a running postgres container"})
	require.NoError(t, err)

	memories, err := svc.store.ListMemoriesByAgent(context.Background(), nil, "agent-2")
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "tests require a running postgres container", memories[0].Content)
}
