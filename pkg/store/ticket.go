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

// CreateTicket inserts a new Ticket. The sqlite ticket_fts index is kept in
// sync automatically by the INSERT trigger created in migrate().
func (s *Store) CreateTicket(ctx context.Context, tx *sql.Tx, t *Ticket) error {
	blockedBy, err := marshalJSON(t.BlockedByTicketIDs)
	if err != nil {
		return err
	}
	tags, err := marshalJSON(t.Tags)
	if err != nil {
		return err
	}
	embedding, err := marshalEmbedding(t.Embedding)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, s.q(tx), `
INSERT INTO tickets (id, workflow_id, title, description, ticket_type, priority, status, approval_status, parent_ticket_id, blocked_by_ticket_ids, is_resolved, created_by_agent_id, assigned_agent_id, tags, embedding, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, t.ID, t.WorkflowID, t.Title, t.Description, t.TicketType, string(t.Priority), t.Status, string(t.ApprovalStatus), nullString(t.ParentTicketID), blockedBy, boolToInt(t.IsResolved), t.CreatedByAgentID, nullString(t.AssignedAgentID), tags, embedding, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}
	return nil
}

// GetTicket fetches a Ticket by id, or ErrNotFound.
func (s *Store) GetTicket(ctx context.Context, tx *sql.Tx, id string) (*Ticket, error) {
	row := s.queryRow(ctx, s.q(tx), ticketSelectSQL+" WHERE id = ?", id)
	return scanTicket(row)
}

// UpdateTicket replaces the mutable fields of a Ticket (status-column
// machine, assignment, approval, blocking graph).
func (s *Store) UpdateTicket(ctx context.Context, tx *sql.Tx, t *Ticket) error {
	blockedBy, err := marshalJSON(t.BlockedByTicketIDs)
	if err != nil {
		return err
	}
	tags, err := marshalJSON(t.Tags)
	if err != nil {
		return err
	}
	embedding, err := marshalEmbedding(t.Embedding)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, s.q(tx), `
UPDATE tickets SET title = ?, description = ?, ticket_type = ?, priority = ?, status = ?, approval_status = ?,
    blocked_by_ticket_ids = ?, is_resolved = ?, assigned_agent_id = ?, tags = ?, embedding = ?, updated_at = ?
WHERE id = ?
`, t.Title, t.Description, t.TicketType, string(t.Priority), t.Status, string(t.ApprovalStatus), blockedBy, boolToInt(t.IsResolved), nullString(t.AssignedAgentID), tags, embedding, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update ticket %s: %w", t.ID, err)
	}
	return checkRowsAffected(res, t.ID)
}

// ListTicketsByWorkflowAndStatus returns every Ticket in a given board
// column for a WorkflowExecution.
func (s *Store) ListTicketsByWorkflowAndStatus(ctx context.Context, tx *sql.Tx, workflowID, status string) ([]*Ticket, error) {
	rows, err := s.query(ctx, s.q(tx), ticketSelectSQL+" WHERE workflow_id = ? AND status = ? ORDER BY created_at ASC", workflowID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()
	return scanTickets(rows)
}

// ListTicketsByWorkflow returns every Ticket of a WorkflowExecution.
func (s *Store) ListTicketsByWorkflow(ctx context.Context, tx *sql.Tx, workflowID string) ([]*Ticket, error) {
	rows, err := s.query(ctx, s.q(tx), ticketSelectSQL+" WHERE workflow_id = ? ORDER BY created_at ASC", workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()
	return scanTickets(rows)
}

// SearchTicketsFTS runs a SQLite FTS5 MATCH query over (title, description,
// tags), returning the matching tickets best-match first. Only valid on the
// sqlite dialect; callers on other dialects should use a keyword fallback
// instead (pkg/ticket.Service does the dialect check).
func (s *Store) SearchTicketsFTS(ctx context.Context, tx *sql.Tx, workflowID, query string, limit int) ([]*Ticket, error) {
	rows, err := s.query(ctx, s.q(tx), `
SELECT t.id, t.workflow_id, t.title, t.description, t.ticket_type, t.priority, t.status, t.approval_status,
    t.parent_ticket_id, t.blocked_by_ticket_ids, t.is_resolved, t.created_by_agent_id, t.assigned_agent_id,
    t.tags, t.embedding, t.created_at, t.updated_at
FROM tickets t
JOIN ticket_fts f ON f.rowid = t.rowid
WHERE t.workflow_id = ? AND ticket_fts MATCH ?
ORDER BY rank
LIMIT ?
`, workflowID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search tickets: %w", err)
	}
	defer rows.Close()
	return scanTickets(rows)
}

const ticketSelectSQL = `
SELECT id, workflow_id, title, description, ticket_type, priority, status, approval_status,
    parent_ticket_id, blocked_by_ticket_ids, is_resolved, created_by_agent_id, assigned_agent_id,
    tags, embedding, created_at, updated_at
FROM tickets`

func scanTickets(rows *sql.Rows) ([]*Ticket, error) {
	var tickets []*Ticket
	for rows.Next() {
		t, err := scanTicketRow(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func scanTicket(row rowScanner) (*Ticket, error) {
	t, err := scanTicketRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTicketRow(row rowScanner) (*Ticket, error) {
	var (
		t              Ticket
		parentTicketID sql.NullString
		assignedAgent  sql.NullString
		blockedBy      string
		tags           string
		embedding      sql.NullString
		isResolved     int
	)

	err := row.Scan(
		&t.ID, &t.WorkflowID, &t.Title, &t.Description, &t.TicketType, &t.Priority, &t.Status, &t.ApprovalStatus,
		&parentTicketID, &blockedBy, &isResolved, &t.CreatedByAgentID, &assignedAgent,
		&tags, &embedding, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}

	t.ParentTicketID = stringPtr(parentTicketID)
	t.AssignedAgentID = stringPtr(assignedAgent)
	t.IsResolved = isResolved != 0
	if err := unmarshalJSON(blockedBy, &t.BlockedByTicketIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blocked_by_ticket_ids: %w", err)
	}
	if err := unmarshalJSON(tags, &t.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if embedding.Valid && embedding.String != "" {
		if err := unmarshalJSON(embedding.String, &t.Embedding); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ticket embedding: %w", err)
		}
	}
	return &t, nil
}

// AddTicketComment appends a comment to a Ticket's thread.
func (s *Store) AddTicketComment(ctx context.Context, tx *sql.Tx, c *TicketComment) error {
	commentType := c.CommentType
	if commentType == "" {
		commentType = TicketCommentPlain
	}
	_, err := s.exec(ctx, s.q(tx), `
INSERT INTO ticket_comments (id, ticket_id, agent_id, comment_type, body, created_at) VALUES (?, ?, ?, ?, ?, ?)
`, c.ID, c.TicketID, c.AgentID, string(commentType), c.Body, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ticket comment: %w", err)
	}
	return nil
}

// ListTicketComments returns a Ticket's comment thread, oldest first.
func (s *Store) ListTicketComments(ctx context.Context, tx *sql.Tx, ticketID string) ([]*TicketComment, error) {
	rows, err := s.query(ctx, s.q(tx), `
SELECT id, ticket_id, agent_id, comment_type, body, created_at FROM ticket_comments WHERE ticket_id = ? ORDER BY created_at ASC
`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticket comments: %w", err)
	}
	defer rows.Close()

	var comments []*TicketComment
	for rows.Next() {
		var c TicketComment
		if err := rows.Scan(&c.ID, &c.TicketID, &c.AgentID, &c.CommentType, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ticket comment: %w", err)
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

// AppendTicketHistory writes an append-only audit row. History rows are
// never updated in place.
func (s *Store) AppendTicketHistory(ctx context.Context, tx *sql.Tx, h *TicketHistory) error {
	_, err := s.exec(ctx, s.q(tx), `
INSERT INTO ticket_history (id, ticket_id, agent_id, action, from_value, to_value, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
`, h.ID, h.TicketID, h.AgentID, h.Action, h.FromValue, h.ToValue, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ticket history: %w", err)
	}
	return nil
}

// ListTicketHistory returns a Ticket's full audit trail, oldest first.
func (s *Store) ListTicketHistory(ctx context.Context, tx *sql.Tx, ticketID string) ([]*TicketHistory, error) {
	rows, err := s.query(ctx, s.q(tx), `
SELECT id, ticket_id, agent_id, action, from_value, to_value, created_at FROM ticket_history WHERE ticket_id = ? ORDER BY created_at ASC
`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticket history: %w", err)
	}
	defer rows.Close()

	var history []*TicketHistory
	for rows.Next() {
		var h TicketHistory
		if err := rows.Scan(&h.ID, &h.TicketID, &h.AgentID, &h.Action, &h.FromValue, &h.ToValue, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ticket history: %w", err)
		}
		history = append(history, &h)
	}
	return history, rows.Err()
}

// LinkTicketCommit records a commit-to-ticket association.
func (s *Store) LinkTicketCommit(ctx context.Context, tx *sql.Tx, c *TicketCommit) error {
	_, err := s.exec(ctx, s.q(tx), `
INSERT INTO ticket_commits (id, ticket_id, commit_sha, message, created_at) VALUES (?, ?, ?, ?, ?)
`, c.ID, c.TicketID, c.CommitSHA, c.Message, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to link ticket commit: %w", err)
	}
	return nil
}

// ListTicketCommits returns every commit linked to a Ticket.
func (s *Store) ListTicketCommits(ctx context.Context, tx *sql.Tx, ticketID string) ([]*TicketCommit, error) {
	rows, err := s.query(ctx, s.q(tx), `
SELECT id, ticket_id, commit_sha, message, created_at FROM ticket_commits WHERE ticket_id = ? ORDER BY created_at ASC
`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticket commits: %w", err)
	}
	defer rows.Close()

	var commits []*TicketCommit
	for rows.Next() {
		var c TicketCommit
		if err := rows.Scan(&c.ID, &c.TicketID, &c.CommitSHA, &c.Message, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ticket commit: %w", err)
		}
		commits = append(commits, &c)
	}
	return commits, rows.Err()
}
