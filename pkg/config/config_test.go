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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromBytes_AppliesDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
worktree:
  main_repo_path: /repo
`))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 10, cfg.Queue.MaxConcurrentAgents)
	assert.Equal(t, "hephaestus", cfg.Agent.TmuxSessionPrefix)
	assert.Equal(t, "agent", cfg.Worktree.WorktreeBranchPrefix)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 3, cfg.Background.HealthCheckFailures)
}

func TestLoadFromBytes_RequiresMainRepoPath(t *testing.T) {
	_, err := LoadFromBytes([]byte(`store: {driver: sqlite}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "main_repo_path")
}

func TestLoadFromBytes_ExpandsEnvVars(t *testing.T) {
	t.Setenv("HEPHAESTUS_REPO_PATH", "/env/repo")

	cfg, err := LoadFromBytes([]byte(`
worktree:
  main_repo_path: ${HEPHAESTUS_REPO_PATH}
  worktree_base_path: ${HEPHAESTUS_WT_BASE:-/default/worktrees}
`))
	require.NoError(t, err)
	assert.Equal(t, "/env/repo", cfg.Worktree.MainRepoPath)
	assert.Equal(t, "/default/worktrees", cfg.Worktree.WorktreeBasePath)
}

func TestLoadFromBytes_ExplicitZeroConcurrencyTakesDefault(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
worktree:
  main_repo_path: /repo
queue:
  max_concurrent_agents: 0
`))
	// SetDefaults only fills the zero value when the field is unset at
	// the struct level, which is indistinguishable from an explicit 0 in
	// plain YAML decoding — so an explicit 0 is silently raised to the
	// default rather than rejected. This documents that behavior.
	require.NoError(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestLoadPhasesFolder_MissingDirReturnsNil(t *testing.T) {
	defs, err := LoadPhasesFolder(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Nil(t, defs)
}

func TestLoadPhasesFolder_ParsesDefinitions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build.yaml"), []byte(`
id: build-workflow
name: Build Workflow
enable_tickets: true
phases:
  - name: implement
    description: Implement the feature
    done_definitions:
      - "tests pass"
  - name: review
    description: Review the change
    done_definitions:
      - "approved"
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs, err := LoadPhasesFolder(dir)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "build-workflow", defs[0].ID)
	assert.True(t, defs[0].WorkflowConfig.EnableTickets)
	require.Len(t, defs[0].PhasesConfig, 2)
	assert.Equal(t, "implement", defs[0].PhasesConfig[0].Name)
	assert.Equal(t, []string{"tests pass"}, defs[0].PhasesConfig[0].DoneDefinitions)
}

func TestLoadPhasesFolder_RequiresID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
name: No ID Here
phases: []
`), 0o644))

	_, err := LoadPhasesFolder(dir)
	require.Error(t, err)
}
