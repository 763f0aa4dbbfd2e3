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

import "context"

// schemaSQL is compatible with sqlite, postgres and mysql: every column uses
// VARCHAR/TEXT/TIMESTAMP/INTEGER, mirroring the teacher's
// "schema compatible with all three databases" createTableSQL pattern.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
    id VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    description TEXT,
    phases_config TEXT NOT NULL,
    workflow_config TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_executions (
    id VARCHAR(255) PRIMARY KEY,
    definition_id VARCHAR(255) NOT NULL,
    description TEXT,
    working_directory TEXT,
    launch_params TEXT,
    status VARCHAR(50) NOT NULL,
    result_found INTEGER NOT NULL DEFAULT 0,
    result_id VARCHAR(255),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_definition_id ON workflow_executions(definition_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON workflow_executions(status);

CREATE TABLE IF NOT EXISTS phases (
    id VARCHAR(255) PRIMARY KEY,
    workflow_id VARCHAR(255) NOT NULL,
    phase_order INTEGER NOT NULL,
    name VARCHAR(255) NOT NULL,
    description TEXT,
    done_definitions TEXT,
    additional_notes TEXT,
    outputs TEXT,
    next_steps TEXT,
    working_directory TEXT,
    validation TEXT,
    cli_overrides TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_phases_workflow_order ON phases(workflow_id, phase_order);

CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(255) PRIMARY KEY,
    raw_description TEXT,
    enriched_description TEXT,
    done_definition TEXT,
    status VARCHAR(50) NOT NULL,
    priority VARCHAR(20) NOT NULL,
    priority_boosted INTEGER NOT NULL DEFAULT 0,
    assigned_agent_id VARCHAR(255),
    created_by_agent_id VARCHAR(255),
    parent_task_id VARCHAR(255),
    phase_id VARCHAR(255),
    workflow_id VARCHAR(255) NOT NULL,
    ticket_id VARCHAR(255),
    validation_enabled INTEGER NOT NULL DEFAULT 0,
    validation_iteration INTEGER NOT NULL DEFAULT 0,
    last_validation_feedback TEXT,
    embedding TEXT,
    duplicate_of_task_id VARCHAR(255),
    similarity_score REAL,
    queued_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_ticket_id ON tasks(ticket_id);
CREATE INDEX IF NOT EXISTS idx_tasks_workflow_id ON tasks(workflow_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_phase_id ON tasks(phase_id);

CREATE TABLE IF NOT EXISTS agents (
    id VARCHAR(255) PRIMARY KEY,
    system_prompt TEXT,
    status VARCHAR(50) NOT NULL,
    cli_type VARCHAR(100) NOT NULL,
    tmux_session_name VARCHAR(255),
    current_task_id VARCHAR(255),
    agent_type VARCHAR(50) NOT NULL,
    kept_alive_for_validation INTEGER NOT NULL DEFAULT 0,
    last_activity TIMESTAMP,
    health_check_failures INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_tmux_session ON agents(tmux_session_name);

CREATE TABLE IF NOT EXISTS agent_worktrees (
    agent_id VARCHAR(255) PRIMARY KEY,
    worktree_path TEXT NOT NULL,
    branch_name VARCHAR(255) NOT NULL,
    parent_agent_id VARCHAR(255),
    parent_commit_sha VARCHAR(64),
    base_commit_sha VARCHAR(64),
    merge_status VARCHAR(50) NOT NULL,
    merge_commit_sha VARCHAR(64),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_worktrees_branch ON agent_worktrees(branch_name);

CREATE TABLE IF NOT EXISTS tickets (
    id VARCHAR(255) PRIMARY KEY,
    workflow_id VARCHAR(255) NOT NULL,
    title VARCHAR(500) NOT NULL,
    description TEXT,
    ticket_type VARCHAR(100),
    priority VARCHAR(20) NOT NULL,
    status VARCHAR(100) NOT NULL,
    approval_status VARCHAR(50) NOT NULL,
    parent_ticket_id VARCHAR(255),
    blocked_by_ticket_ids TEXT,
    is_resolved INTEGER NOT NULL DEFAULT 0,
    created_by_agent_id VARCHAR(255),
    assigned_agent_id VARCHAR(255),
    tags TEXT,
    embedding TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tickets_workflow_status ON tickets(workflow_id, status);
CREATE INDEX IF NOT EXISTS idx_tickets_workflow_priority ON tickets(workflow_id, priority);
CREATE INDEX IF NOT EXISTS idx_tickets_assigned_agent ON tickets(assigned_agent_id);

CREATE TABLE IF NOT EXISTS ticket_comments (
    id VARCHAR(255) PRIMARY KEY,
    ticket_id VARCHAR(255) NOT NULL,
    agent_id VARCHAR(255),
    comment_type VARCHAR(50) NOT NULL DEFAULT 'comment',
    body TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ticket_comments_ticket_id ON ticket_comments(ticket_id);

CREATE TABLE IF NOT EXISTS ticket_history (
    id VARCHAR(255) PRIMARY KEY,
    ticket_id VARCHAR(255) NOT NULL,
    agent_id VARCHAR(255),
    action VARCHAR(100),
    from_value TEXT,
    to_value TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ticket_history_ticket_id ON ticket_history(ticket_id);

CREATE TABLE IF NOT EXISTS ticket_commits (
    id VARCHAR(255) PRIMARY KEY,
    ticket_id VARCHAR(255) NOT NULL,
    commit_sha VARCHAR(64) NOT NULL,
    message TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ticket_commits_ticket_id ON ticket_commits(ticket_id);
CREATE INDEX IF NOT EXISTS idx_ticket_commits_sha ON ticket_commits(commit_sha);

CREATE TABLE IF NOT EXISTS memories (
    id VARCHAR(255) PRIMARY KEY,
    agent_id VARCHAR(255),
    content TEXT,
    memory_type VARCHAR(50) NOT NULL,
    embedding_id VARCHAR(255),
    tags TEXT,
    related_files TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_agent_id ON memories(agent_id);

CREATE TABLE IF NOT EXISTS workflow_results (
    id VARCHAR(255) PRIMARY KEY,
    workflow_id VARCHAR(255) NOT NULL,
    content TEXT,
    file_path TEXT,
    extra_files TEXT,
    validation_status VARCHAR(50) NOT NULL,
    validation_note TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_results_workflow_id ON workflow_results(workflow_id);

CREATE TABLE IF NOT EXISTS agent_results (
    id VARCHAR(255) PRIMARY KEY,
    task_id VARCHAR(255) NOT NULL,
    agent_id VARCHAR(255) NOT NULL,
    content TEXT,
    file_path TEXT,
    extra_files TEXT,
    validation_status VARCHAR(50) NOT NULL,
    validation_note TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_results_task_id ON agent_results(task_id);

CREATE TABLE IF NOT EXISTS validation_reviews (
    id VARCHAR(255) PRIMARY KEY,
    task_id VARCHAR(255),
    result_id VARCHAR(255),
    iteration INTEGER NOT NULL,
    verdict VARCHAR(50) NOT NULL,
    feedback TEXT,
    reviewer_id VARCHAR(255),
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_validation_reviews_task_id ON validation_reviews(task_id);

CREATE TABLE IF NOT EXISTS phase_executions (
    id VARCHAR(255) PRIMARY KEY,
    workflow_id VARCHAR(255) NOT NULL,
    phase_id VARCHAR(255) NOT NULL,
    status VARCHAR(50) NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_phase_executions_workflow_id ON phase_executions(workflow_id);
`

// sqliteFTSSQL creates the full-text index over tickets (title, description,
// tags) and the triggers that keep it in sync with the base table (spec.md
// §4.1, property P8 in §8). FTS5 is SQLite-specific; on postgres/mysql
// pkg/ticket.Service.Search runs only its semantic leg and no keyword
// search is made.
const sqliteFTSSQL = `
CREATE VIRTUAL TABLE IF NOT EXISTS ticket_fts USING fts5(
    title, description, tags, content='tickets', content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS ticket_fts_ai AFTER INSERT ON tickets BEGIN
    INSERT INTO ticket_fts(rowid, title, description, tags)
    VALUES (new.rowid, new.title, new.description, new.tags);
END;

CREATE TRIGGER IF NOT EXISTS ticket_fts_ad AFTER DELETE ON tickets BEGIN
    INSERT INTO ticket_fts(ticket_fts, rowid, title, description, tags)
    VALUES ('delete', old.rowid, old.title, old.description, old.tags);
END;

CREATE TRIGGER IF NOT EXISTS ticket_fts_au AFTER UPDATE ON tickets BEGIN
    INSERT INTO ticket_fts(ticket_fts, rowid, title, description, tags)
    VALUES ('delete', old.rowid, old.title, old.description, old.tags);
    INSERT INTO ticket_fts(rowid, title, description, tags)
    VALUES (new.rowid, new.title, new.description, new.tags);
END;
`

// migrate creates every table, index, and (on sqlite) the ticket_fts virtual
// table and its sync triggers. It is idempotent: every statement uses
// IF NOT EXISTS.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}
	if s.dialect == DialectSQLite {
		if _, err := s.db.ExecContext(ctx, sqliteFTSSQL); err != nil {
			return err
		}
	}
	return nil
}
