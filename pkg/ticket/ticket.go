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

// Package ticket implements TicketService: the Kanban board status
// machine, blocking propagation, hybrid semantic/keyword search, and the
// clarification arbitrator that caps runaway task-creation loops.
package ticket

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/events"
	"github.com/hephaestus-run/hephaestus/pkg/ids"
	"github.com/hephaestus-run/hephaestus/pkg/llmprovider"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/vectorstore"
)

// semanticWeight and keywordWeight are the hybrid search blend (spec.md
// §4.9: "70% semantic similarity, 30% full-text").
const (
	semanticWeight = 0.7
	keywordWeight  = 0.3

	// recentContextLimit bounds how much board history the clarification
	// arbitrator is handed, so the prompt stays a fixed size regardless of
	// how long-running the workflow is.
	recentContextLimit = 60
)

// Service is TicketService.
type Service struct {
	store     *store.Store
	vectors   vectorstore.Store
	llm       llmprovider.Provider
	publisher events.Publisher
	blockSync *BlockSync
}

// New returns a Service wired to its collaborators. blockSync may be nil
// during construction and attached afterward with SetBlockSync, since
// BlockSync itself is constructed with a reference back to this Service's
// task-resume collaborator, not to the Service.
func New(st *store.Store, vectors vectorstore.Store, llm llmprovider.Provider, publisher events.Publisher) *Service {
	return &Service{store: st, vectors: vectors, llm: llm, publisher: publisher}
}

// SetBlockSync attaches the block-sync watcher Resolve and SetApproval
// invoke after a ticket unblocks. Split out of New so callers can build the
// Service and BlockSync in either order.
func (s *Service) SetBlockSync(b *BlockSync) {
	s.blockSync = b
}

// CreateParams are the caller-supplied inputs to Create.
type CreateParams struct {
	WorkflowID       string
	Title            string
	Description      string
	TicketType       string
	Priority         store.TaskPriority
	ParentTicketID   *string
	CreatedByAgentID string
	Tags             []string
}

// Create inserts a new Ticket. If the workflow's board requires human
// review, the ticket starts pending_review and any task creation naming it
// is blocked until it's approved.
func (s *Service) Create(ctx context.Context, params CreateParams) (*store.Ticket, error) {
	board, err := s.board(ctx, params.WorkflowID)
	if err != nil {
		return nil, err
	}

	approval := store.ApprovalAutoApproved
	if board.RequiresHumanReview {
		approval = store.ApprovalPendingReview
	}
	status := board.InitialStatus
	if status == "" && len(board.Columns) > 0 {
		status = board.Columns[0]
	}
	if params.Priority == "" {
		params.Priority = store.PriorityMedium
	}

	now := time.Now().UTC()
	t := &store.Ticket{
		ID:               ids.New(),
		WorkflowID:       params.WorkflowID,
		Title:            params.Title,
		Description:      params.Description,
		TicketType:       params.TicketType,
		Priority:         params.Priority,
		Status:           status,
		ApprovalStatus:   approval,
		ParentTicketID:   params.ParentTicketID,
		CreatedByAgentID: params.CreatedByAgentID,
		Tags:             params.Tags,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	embedding, err := s.llm.GenerateEmbedding(ctx, params.Title+"\n"+params.Description)
	if err != nil {
		return nil, fmt.Errorf("failed to embed ticket: %w", err)
	}
	t.Embedding = embedding

	if err := s.store.CreateTicket(ctx, nil, t); err != nil {
		return nil, fmt.Errorf("failed to insert ticket: %w", err)
	}
	if s.vectors != nil {
		if err := s.vectors.Upsert(ctx, vectorstore.CollectionTicketEmbedding, t.ID, embedding, map[string]any{
			"workflow_id": t.WorkflowID,
			"title":       t.Title,
			"description": t.Description,
		}); err != nil {
			return nil, fmt.Errorf("failed to store ticket embedding: %w", err)
		}
	}

	if err := s.appendHistory(ctx, t.ID, params.CreatedByAgentID, "create", "", string(t.ApprovalStatus),
		fmt.Sprintf("ticket created in column %q", t.Status)); err != nil {
		return nil, err
	}

	s.publish(events.TicketCreated, t.WorkflowID, map[string]any{
		"ticket_id": t.ID, "status": t.Status, "approval_status": string(t.ApprovalStatus),
	})
	return t, nil
}

// TransitionParams are the inputs to Transition.
type TransitionParams struct {
	ToStatus  string
	CommitSHA string
	AgentID   string
}

// TransitionResult reports why a Transition was refused, if it was.
type TransitionResult struct {
	Ticket   *store.Ticket
	Blocked  bool
	Blockers []string
}

// Transition moves a Ticket to a new board column. Any column-to-column
// move is legal unless the ticket is blocked by an unresolved blocker or
// human review is enabled and the ticket hasn't been approved.
func (s *Service) Transition(ctx context.Context, ticketID string, params TransitionParams) (*TransitionResult, error) {
	t, err := s.store.GetTicket(ctx, nil, ticketID)
	if err != nil {
		return nil, err
	}

	if t.ApprovalStatus == store.ApprovalPendingReview || t.ApprovalStatus == store.ApprovalRejected {
		return &TransitionResult{Ticket: t, Blocked: true}, nil
	}

	blockers, err := s.unresolvedBlockers(ctx, t)
	if err != nil {
		return nil, err
	}
	if len(blockers) > 0 {
		return &TransitionResult{Ticket: t, Blocked: true, Blockers: blockers}, nil
	}

	from := t.Status
	t.Status = params.ToStatus
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateTicket(ctx, nil, t); err != nil {
		return nil, fmt.Errorf("failed to transition ticket %s: %w", ticketID, err)
	}

	if params.CommitSHA != "" {
		if err := s.store.LinkTicketCommit(ctx, nil, &store.TicketCommit{
			ID:        ids.New(),
			TicketID:  t.ID,
			CommitSHA: params.CommitSHA,
			Message:   fmt.Sprintf("transition %s -> %s", from, t.Status),
			CreatedAt: t.UpdatedAt,
		}); err != nil {
			return nil, fmt.Errorf("failed to link commit to ticket: %w", err)
		}
	}

	if err := s.appendHistory(ctx, t.ID, params.AgentID, "status_change", from, t.Status, ""); err != nil {
		return nil, err
	}

	s.publish(events.TicketStatusChanged, t.WorkflowID, map[string]any{
		"ticket_id": t.ID, "from": from, "to": t.Status,
	})
	return &TransitionResult{Ticket: t}, nil
}

// unresolvedBlockers returns the ids of every ticket in t.BlockedByTicketIDs
// that hasn't resolved yet.
func (s *Service) unresolvedBlockers(ctx context.Context, t *store.Ticket) ([]string, error) {
	var unresolved []string
	for _, blockerID := range t.BlockedByTicketIDs {
		blocker, err := s.store.GetTicket(ctx, nil, blockerID)
		if err != nil {
			return nil, err
		}
		if !blocker.IsResolved {
			unresolved = append(unresolved, blockerID)
		}
	}
	return unresolved, nil
}

// SetApproval approves or rejects a ticket pending human review. Approving
// a ticket may unblock tasks that were waiting on it.
func (s *Service) SetApproval(ctx context.Context, ticketID string, approved bool, agentID string) (*store.Ticket, error) {
	t, err := s.store.GetTicket(ctx, nil, ticketID)
	if err != nil {
		return nil, err
	}

	from := t.ApprovalStatus
	if approved {
		t.ApprovalStatus = store.ApprovalApproved
	} else {
		t.ApprovalStatus = store.ApprovalRejected
	}
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateTicket(ctx, nil, t); err != nil {
		return nil, fmt.Errorf("failed to update ticket approval: %w", err)
	}

	if err := s.appendHistory(ctx, t.ID, agentID, "approval_change", string(from), string(t.ApprovalStatus), ""); err != nil {
		return nil, err
	}
	s.publish(events.TicketApprovalChanged, t.WorkflowID, map[string]any{
		"ticket_id": t.ID, "approval_status": string(t.ApprovalStatus),
	})

	if approved && s.blockSync != nil {
		if _, err := s.blockSync.SyncTicket(ctx, t.ID); err != nil {
			return nil, fmt.Errorf("failed to sync tasks after ticket approval: %w", err)
		}
	}
	return t, nil
}

// ResolveResult reports the tickets a Resolve call unblocked.
type ResolveResult struct {
	Ticket    *store.Ticket
	Unblocked []string
}

// Resolve marks a Ticket resolved, removes it from every sibling ticket's
// blocked_by_ticket_ids, and syncs every task that was waiting on one of
// those now-shorter blocker lists.
func (s *Service) Resolve(ctx context.Context, ticketID, agentID string) (*ResolveResult, error) {
	t, err := s.store.GetTicket(ctx, nil, ticketID)
	if err != nil {
		return nil, err
	}

	t.IsResolved = true
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateTicket(ctx, nil, t); err != nil {
		return nil, fmt.Errorf("failed to mark ticket resolved: %w", err)
	}
	if err := s.appendHistory(ctx, t.ID, agentID, "resolve", "false", "true", ""); err != nil {
		return nil, err
	}

	siblings, err := s.store.ListTicketsByWorkflow(ctx, nil, t.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sibling tickets: %w", err)
	}

	var unblocked []string
	for _, sibling := range siblings {
		if sibling.ID == ticketID {
			continue
		}
		idx := indexOf(sibling.BlockedByTicketIDs, ticketID)
		if idx == -1 {
			continue
		}
		sibling.BlockedByTicketIDs = append(sibling.BlockedByTicketIDs[:idx], sibling.BlockedByTicketIDs[idx+1:]...)
		sibling.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateTicket(ctx, nil, sibling); err != nil {
			return nil, fmt.Errorf("failed to clear blocker on ticket %s: %w", sibling.ID, err)
		}
		if err := s.appendHistory(ctx, sibling.ID, agentID, "unblock", ticketID, "", ""); err != nil {
			return nil, err
		}
		unblocked = append(unblocked, sibling.ID)

		if s.blockSync != nil {
			if _, err := s.blockSync.SyncTicket(ctx, sibling.ID); err != nil {
				return nil, fmt.Errorf("failed to sync tasks for unblocked ticket %s: %w", sibling.ID, err)
			}
		}
	}

	if s.blockSync != nil {
		if _, err := s.blockSync.SyncTicket(ctx, ticketID); err != nil {
			return nil, fmt.Errorf("failed to sync tasks for resolved ticket %s: %w", ticketID, err)
		}
	}

	s.publish(events.TicketUnblocked, t.WorkflowID, map[string]any{
		"ticket_id": ticketID, "unblocked": unblocked,
	})
	return &ResolveResult{Ticket: t, Unblocked: unblocked}, nil
}

// AddComment appends a plain comment to a Ticket's thread.
func (s *Service) AddComment(ctx context.Context, ticketID, agentID, body string) (*store.TicketComment, error) {
	c := &store.TicketComment{
		ID:          ids.New(),
		TicketID:    ticketID,
		AgentID:     agentID,
		CommentType: store.TicketCommentPlain,
		Body:        body,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.AddTicketComment(ctx, nil, c); err != nil {
		return nil, fmt.Errorf("failed to add ticket comment: %w", err)
	}
	if err := s.appendHistory(ctx, ticketID, agentID, "comment", "", "", ""); err != nil {
		return nil, err
	}
	return c, nil
}

// SearchResult is one hit returned by Search, ranked by RelevanceScore
// descending.
type SearchResult struct {
	Ticket         *store.Ticket
	RelevanceScore float32
	MatchedIn      []string
	Preview        string
}

// Search runs the hybrid semantic/full-text query over a workflow's
// tickets: 70% weight on cosine similarity against the stored embedding,
// 30% on a reciprocal-rank-fusion-like weighting of the FTS keyword match,
// merged by ticket id.
func (s *Service) Search(ctx context.Context, workflowID, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	fetchK := limit * 3
	if fetchK < 10 {
		fetchK = 10
	}

	scores := make(map[string]float32)
	matched := make(map[string]map[string]bool)
	tickets := make(map[string]*store.Ticket)
	addMatch := func(id, kind string) {
		if matched[id] == nil {
			matched[id] = make(map[string]bool)
		}
		matched[id][kind] = true
	}

	if s.vectors != nil {
		if embedding, err := s.llm.GenerateEmbedding(ctx, query); err == nil {
			results, err := s.vectors.Search(ctx, vectorstore.CollectionTicketEmbedding, embedding, fetchK, 0)
			if err == nil {
				for _, r := range results {
					if wf, _ := r.Payload["workflow_id"].(string); wf != workflowID {
						continue
					}
					scores[r.ID] += semanticWeight * r.Score
					addMatch(r.ID, "semantic")
				}
			}
		}
	}

	if s.store.Dialect() == store.DialectSQLite {
		ftsResults, err := s.store.SearchTicketsFTS(ctx, nil, workflowID, query, fetchK)
		if err != nil {
			return nil, fmt.Errorf("failed to run keyword ticket search: %w", err)
		}
		for rank, tk := range ftsResults {
			tickets[tk.ID] = tk
			rrf := float32(1) / float32(rank+2)
			scores[tk.ID] += keywordWeight * rrf
			addMatch(tk.ID, "keyword")
		}
	}

	for id := range scores {
		if _, ok := tickets[id]; ok {
			continue
		}
		tk, err := s.store.GetTicket(ctx, nil, id)
		if err != nil {
			continue
		}
		tickets[id] = tk
	}

	out := make([]SearchResult, 0, len(scores))
	for id, score := range scores {
		tk, ok := tickets[id]
		if !ok {
			continue
		}
		out = append(out, SearchResult{
			Ticket:         tk,
			RelevanceScore: score,
			MatchedIn:      sortedKeys(matched[id]),
			Preview:        preview(tk.Description),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RelevanceScore != out[j].RelevanceScore {
			return out[i].RelevanceScore > out[j].RelevanceScore
		}
		return out[i].Ticket.CreatedAt.Before(out[j].Ticket.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClarificationParams are the inputs to ResolveClarification.
type ClarificationParams struct {
	TicketID            string
	ConflictDescription string
	Context             string
	PotentialSolutions  []string
	AgentID             string
}

// ResolveClarification gathers recent board context, asks the provider for
// a single authoritative markdown resolution, and persists it as a
// clarification comment. This is the circuit breaker on the
// "infinite task-creation loop" failure mode: one resolution, not another
// round of tickets.
func (s *Service) ResolveClarification(ctx context.Context, params ClarificationParams) (*store.TicketComment, error) {
	t, err := s.store.GetTicket(ctx, nil, params.TicketID)
	if err != nil {
		return nil, err
	}

	recentTickets, err := s.recentTicketSummaries(ctx, t.WorkflowID)
	if err != nil {
		return nil, err
	}
	recentTasks, err := s.recentTaskSummaries(ctx, t.WorkflowID)
	if err != nil {
		return nil, err
	}

	resolution, err := s.llm.ResolveTicketClarification(ctx, llmprovider.ClarificationRequest{
		TicketID:            params.TicketID,
		ConflictDescription: params.ConflictDescription,
		Context:             params.Context,
		PotentialSolutions:  params.PotentialSolutions,
		RecentTickets:       recentTickets,
		RecentTasks:         recentTasks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ticket clarification: %w", err)
	}

	c := &store.TicketComment{
		ID:          ids.New(),
		TicketID:    params.TicketID,
		AgentID:     params.AgentID,
		CommentType: store.TicketCommentClarification,
		Body:        resolution,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.AddTicketComment(ctx, nil, c); err != nil {
		return nil, fmt.Errorf("failed to persist clarification comment: %w", err)
	}
	if err := s.appendHistory(ctx, params.TicketID, params.AgentID, "clarification", "", "", "arbitrated conflict resolution"); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) recentTicketSummaries(ctx context.Context, workflowID string) ([]string, error) {
	all, err := s.store.ListTicketsByWorkflow(ctx, nil, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets for clarification context: %w", err)
	}
	return summarizeTickets(all, recentContextLimit), nil
}

func (s *Service) recentTaskSummaries(ctx context.Context, workflowID string) ([]string, error) {
	all, err := s.store.ListTasksByWorkflow(ctx, nil, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for clarification context: %w", err)
	}
	limit := recentContextLimit
	if len(all) < limit {
		limit = len(all)
	}
	start := len(all) - limit
	summaries := make([]string, 0, limit)
	for _, t := range all[start:] {
		summaries = append(summaries, fmt.Sprintf("[%s] %s", t.Status, t.RawDescription))
	}
	return summaries, nil
}

func summarizeTickets(all []*store.Ticket, limit int) []string {
	if len(all) < limit {
		limit = len(all)
	}
	start := len(all) - limit
	summaries := make([]string, 0, limit)
	for _, t := range all[start:] {
		summaries = append(summaries, fmt.Sprintf("[%s/%s] %s", t.Status, t.ApprovalStatus, t.Title))
	}
	return summaries
}

func (s *Service) board(ctx context.Context, workflowID string) (*store.BoardConfig, error) {
	execution, err := s.store.GetWorkflowExecution(ctx, nil, workflowID)
	if err != nil {
		return nil, err
	}
	def, err := s.store.GetWorkflowDefinition(ctx, nil, execution.DefinitionID)
	if err != nil {
		return nil, err
	}
	if def.WorkflowConfig.Board == nil {
		return &store.BoardConfig{}, nil
	}
	return def.WorkflowConfig.Board, nil
}

func (s *Service) appendHistory(ctx context.Context, ticketID, agentID, action, from, to, description string) error {
	toValue := to
	if description != "" {
		toValue = description
		if to != "" {
			toValue = to + ": " + description
		}
	}
	return s.store.AppendTicketHistory(ctx, nil, &store.TicketHistory{
		ID:        ids.New(),
		TicketID:  ticketID,
		AgentID:   agentID,
		Action:    action,
		FromValue: from,
		ToValue:   toValue,
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Service) publish(typ events.Type, workflowID string, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(events.New(typ, workflowID, payload))
}

func indexOf(haystack []string, needle string) int {
	for i, v := range haystack {
		if v == needle {
			return i
		}
	}
	return -1
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const previewLen = 160

func preview(description string) string {
	if len(description) <= previewLen {
		return description
	}
	return description[:previewLen] + "..."
}
