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

// Package config is the single entry point for hephaestusd's YAML
// configuration, generalizing the teacher's docker-compose-style unified
// Config into the option set spec.md §6.2 names.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete hephaestusd configuration. Every recognized
// option in spec.md §6.2 has a field here; cmd/hephaestusd does nothing
// but read this struct and wire the matching collaborator.
type Config struct {
	Store      StoreConfig      `yaml:"store,omitempty"`
	Queue      QueueConfig      `yaml:"queue,omitempty"`
	Agent      AgentConfig      `yaml:"agent,omitempty"`
	Worktree   WorktreeConfig   `yaml:"worktree,omitempty"`
	Task       TaskConfig       `yaml:"task,omitempty"`
	Vectors    VectorConfig     `yaml:"vectors,omitempty"`
	HTTP       HTTPConfig       `yaml:"http,omitempty"`
	Board      BoardConfig      `yaml:"board,omitempty"`
	Background BackgroundConfig `yaml:"background,omitempty"`

	// PhasesFolder, when set, names a directory of phase-template YAML
	// files LoadPhasesFolder loads at startup. When left empty, SetDefaults
	// takes it from the HEPHAESTUS_PHASES_FOLDER environment variable.
	PhasesFolder string `yaml:"phases_folder,omitempty"`
}

// StoreConfig configures the relational store (pkg/store.Config mirror,
// kept separate so config.Config never imports pkg/store).
type StoreConfig struct {
	Driver          string `yaml:"driver,omitempty"`
	DataSourceName  string `yaml:"data_source_name,omitempty"`
	MaxOpenConns    int    `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int    `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime,omitempty"`
}

// QueueConfig configures admission.
type QueueConfig struct {
	MaxConcurrentAgents int `yaml:"max_concurrent_agents,omitempty"`
}

// AgentConfig configures the agent manager's tmux/CLI defaults.
type AgentConfig struct {
	TmuxSessionPrefix string `yaml:"tmux_session_prefix,omitempty"`
	DefaultCLITool    string `yaml:"default_cli_tool,omitempty"`
	CLIModel          string `yaml:"cli_model,omitempty"`
	GLMAPITokenEnv    string `yaml:"glm_api_token_env,omitempty"`
}

// WorktreeConfig configures repo layout.
type WorktreeConfig struct {
	WorktreeBasePath           string `yaml:"worktree_base_path,omitempty"`
	WorktreeBranchPrefix       string `yaml:"worktree_branch_prefix,omitempty"`
	MainRepoPath               string `yaml:"main_repo_path,omitempty"`
	BaseBranch                 string `yaml:"base_branch,omitempty"`
	ConflictResolutionStrategy string `yaml:"conflict_resolution_strategy,omitempty"`
}

// TaskConfig configures dedup and memory retrieval.
type TaskConfig struct {
	TaskDedupEnabled bool    `yaml:"task_dedup_enabled"`
	DedupThreshold   float32 `yaml:"dedup_threshold,omitempty"`
	TopKMemories     int     `yaml:"top_k_memories,omitempty"`
}

// VectorConfig configures the Qdrant-backed vector store. QdrantURL is left
// empty to fall back to the in-memory store (see pkg/vectorstore.New).
type VectorConfig struct {
	QdrantURL              string `yaml:"qdrant_url,omitempty"`
	QdrantCollectionPrefix string `yaml:"qdrant_collection_prefix,omitempty"`
	QdrantAPIKey           string `yaml:"qdrant_api_key,omitempty"`
}

// HTTPConfig configures the API surface.
type HTTPConfig struct {
	Addr       string `yaml:"addr,omitempty"`
	EnableCORS bool   `yaml:"enable_cors"`
}

// BoardConfig names the ticket-board defaults new workflow definitions
// inherit unless overridden per-definition.
type BoardConfig struct {
	DefaultHumanReview     bool   `yaml:"default_human_review"`
	DefaultApprovalTimeout string `yaml:"default_approval_timeout,omitempty"`
}

// BackgroundConfig configures the periodic sweep/watchdog loop.
type BackgroundConfig struct {
	SweepInterval       string `yaml:"sweep_interval,omitempty"`
	WatchdogInterval    string `yaml:"watchdog_interval,omitempty"`
	HealthCheckFailures int    `yaml:"health_check_failures,omitempty"`
	ShutdownGracePeriod string `yaml:"shutdown_grace_period,omitempty"`
}

// SetDefaults fills zero-valued fields with the documented defaults. It
// mirrors the teacher's Config.SetDefaults cascading-struct shape: every
// nested config gets its own SetDefaults call.
func (c *Config) SetDefaults() {
	c.Store.SetDefaults()
	c.Queue.SetDefaults()
	c.Agent.SetDefaults()
	c.Worktree.SetDefaults()
	c.Task.SetDefaults()
	c.HTTP.SetDefaults()
	c.Background.SetDefaults()

	if c.PhasesFolder == "" {
		c.PhasesFolder = os.Getenv("HEPHAESTUS_PHASES_FOLDER")
	}
}

func (c *StoreConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DataSourceName == "" {
		c.DataSourceName = "hephaestus.db"
	}
}

func (c *QueueConfig) SetDefaults() {
	if c.MaxConcurrentAgents == 0 {
		c.MaxConcurrentAgents = 10
	}
}

func (c *AgentConfig) SetDefaults() {
	if c.TmuxSessionPrefix == "" {
		c.TmuxSessionPrefix = "hephaestus"
	}
	if c.DefaultCLITool == "" {
		c.DefaultCLITool = "claude"
	}
}

func (c *WorktreeConfig) SetDefaults() {
	if c.WorktreeBasePath == "" {
		c.WorktreeBasePath = "./worktrees"
	}
	if c.WorktreeBranchPrefix == "" {
		c.WorktreeBranchPrefix = "agent"
	}
	if c.ConflictResolutionStrategy == "" {
		c.ConflictResolutionStrategy = "newest_wins"
	}
}

func (c *TaskConfig) SetDefaults() {
	if c.TopKMemories == 0 {
		c.TopKMemories = 5
	}
}

func (c *HTTPConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

func (c *BackgroundConfig) SetDefaults() {
	if c.SweepInterval == "" {
		c.SweepInterval = "60s"
	}
	if c.WatchdogInterval == "" {
		c.WatchdogInterval = "30s"
	}
	if c.HealthCheckFailures == 0 {
		c.HealthCheckFailures = 3
	}
	if c.ShutdownGracePeriod == "" {
		c.ShutdownGracePeriod = "5s"
	}
}

// Validate checks cross-field invariants SetDefaults can't fix on its
// own. Per-component validation follows the teacher's per-struct
// Validate() pattern rather than one monolithic check.
func (c *Config) Validate() error {
	if c.Worktree.MainRepoPath == "" {
		return fmt.Errorf("worktree.main_repo_path is required")
	}
	if c.Task.TaskDedupEnabled && c.Task.DedupThreshold < 0 {
		return fmt.Errorf("task.dedup_threshold must be non-negative")
	}
	if c.Queue.MaxConcurrentAgents < 1 {
		return fmt.Errorf("queue.max_concurrent_agents must be at least 1")
	}
	return nil
}

// Load reads, expands, parses, defaults, and validates the config file at
// path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses raw YAML bytes into a defaulted, validated Config.
// Environment variables in ${VAR}/${VAR:-default}/$VAR form are expanded
// before parsing, same as the teacher's ExpandEnvVarsInData but applied to
// the raw text (spec.md's phase-prompt files get the equivalent treatment
// in pkg/workflow, so one expansion strategy covers both surfaces).
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
