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

// Package task implements TaskService: the 8-step create-task pipeline
// (placeholder insert, ticket gating, blocked-ticket short-circuit, phase
// resolution, memory+LLM enrichment, embedding dedup, persistence, queue
// admission) plus task restart semantics.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hephaestus-run/hephaestus/pkg/events"
	"github.com/hephaestus-run/hephaestus/pkg/llmprovider"
	"github.com/hephaestus-run/hephaestus/pkg/queue"
	"github.com/hephaestus-run/hephaestus/pkg/store"
	"github.com/hephaestus-run/hephaestus/pkg/vectorstore"
	"github.com/hephaestus-run/hephaestus/pkg/workflow"
	"golang.org/x/sync/errgroup"
)

// Spawner is the forward-reference interface into AgentManager: TaskService
// depends on it only to ask for a phase agent, never the reverse.
type Spawner interface {
	SpawnPhaseAgent(ctx context.Context, task *store.Task) error
}

// Config tunes the pipeline's non-structural knobs.
type Config struct {
	TopKMemories        int
	DedupThreshold      float32
	MaxRelatedTasks     int
	PipelineConcurrency int
}

// SetDefaults fills zero-valued fields with the documented defaults.
func (c *Config) SetDefaults() {
	if c.TopKMemories == 0 {
		c.TopKMemories = 5
	}
	if c.DedupThreshold == 0 {
		c.DedupThreshold = vectorstore.MemoryDedupThreshold
	}
	if c.MaxRelatedTasks == 0 {
		c.MaxRelatedTasks = 5
	}
	if c.PipelineConcurrency == 0 {
		c.PipelineConcurrency = 4
	}
}

// Service is TaskService.
type Service struct {
	store     *store.Store
	vectors   vectorstore.Store
	llm       llmprovider.Provider
	workflow  *workflow.Engine
	queue     *queue.Queue
	publisher events.Publisher
	spawner   Spawner
	cfg       Config
	sem       chan struct{}
}

// New returns a Service wired to its collaborators.
func New(st *store.Store, vectors vectorstore.Store, llm llmprovider.Provider, wf *workflow.Engine, q *queue.Queue, publisher events.Publisher, spawner Spawner, cfg Config) *Service {
	cfg.SetDefaults()
	return &Service{
		store:     st,
		vectors:   vectors,
		llm:       llm,
		workflow:  wf,
		queue:     q,
		publisher: publisher,
		spawner:   spawner,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.PipelineConcurrency),
	}
}

// CreateParams are the caller-supplied inputs to Create.
type CreateParams struct {
	WorkflowID       string
	RawDescription   string
	TicketID         *string
	ParentTaskID     *string
	CreatedByAgentID string
	IsRootCaller     bool
	WorkingDirectory string
	PhaseID          string
	PhaseOrder       int
	AgentID          string
	Priority         store.TaskPriority
}

// Create runs the 8-step pipeline synchronously: the row insert (step 1)
// and steps (2)-(8) all finish before it returns, each observable via status
// transitions and published events. CreateAsync is the variant that runs
// steps (2)-(8) on the bounded pipeline worker pool.
func (s *Service) Create(ctx context.Context, params CreateParams) (*store.Task, error) {
	if params.Priority == "" {
		params.Priority = store.PriorityMedium
	}

	now := time.Now().UTC()
	t := &store.Task{
		ID:                  uuid.NewString(),
		RawDescription:      params.RawDescription,
		EnrichedDescription: params.RawDescription,
		Status:              store.TaskPending,
		Priority:            params.Priority,
		CreatedByAgentID:    params.CreatedByAgentID,
		ParentTaskID:        params.ParentTaskID,
		WorkflowID:          params.WorkflowID,
		TicketID:            params.TicketID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.CreateTask(ctx, nil, t); err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	if err := s.runPipeline(ctx, t, params); err != nil {
		return t, err
	}
	return t, nil
}

// runPipeline executes steps (2)-(8) against the already-inserted task.
func (s *Service) runPipeline(ctx context.Context, t *store.Task, params CreateParams) error {
	// Step 2: ticket gating.
	ticketsEnabled, err := s.ticketTrackingEnabled(ctx, params.WorkflowID)
	if err != nil {
		return err
	}
	if ticketsEnabled && !params.IsRootCaller && (params.TicketID == nil || *params.TicketID == "") {
		return ErrTicketRequired
	}

	// Step 3: blocked-ticket short-circuit.
	if params.TicketID != nil && *params.TicketID != "" {
		blocked, err := s.ticketBlocksTask(ctx, *params.TicketID)
		if err != nil {
			return err
		}
		if blocked {
			t.Status = store.TaskBlocked
			t.UpdatedAt = time.Now().UTC()
			if err := s.store.UpdateTask(ctx, nil, t); err != nil {
				return err
			}
			s.publish(events.TaskBlocked, params.WorkflowID, map[string]any{"task_id": t.ID, "ticket_id": *params.TicketID})
			return nil
		}
	}

	// Step 4: resolve phase, then working directory priority request > phase > server default.
	phase, err := s.workflow.ResolvePhase(ctx, workflow.ResolveRequest{
		WorkflowID: params.WorkflowID,
		PhaseID:    params.PhaseID,
		Order:      params.PhaseOrder,
		AgentID:    params.AgentID,
	})
	if err != nil {
		return fmt.Errorf("failed to resolve phase: %w", err)
	}
	t.PhaseID = &phase.ID
	workingDirectory := params.WorkingDirectory
	if workingDirectory == "" {
		workingDirectory = phase.WorkingDirectory
	}

	// Step 5: memory retrieval + LLM enrichment.
	memories, err := s.retrieveMemories(ctx, t.RawDescription)
	if err != nil {
		return err
	}
	enrichment, err := s.llm.EnrichTask(ctx, llmprovider.EnrichTaskRequest{
		RawDescription: t.RawDescription,
		PhaseContext:   phase.Description,
		Memories:       memories,
	})
	if err != nil {
		return fmt.Errorf("failed to enrich task: %w", err)
	}
	t.EnrichedDescription = enrichment.EnrichedDescription
	t.DoneDefinition = enrichment.CompletionCriteria

	// Step 6: deduplication.
	duplicated, err := s.deduplicate(ctx, t, phase.ID)
	if err != nil {
		return err
	}
	if duplicated {
		s.publish(events.TaskDuplicated, params.WorkflowID, map[string]any{
			"task_id":           t.ID,
			"duplicate_of_task": *t.DuplicateOfTaskID,
		})
		t.UpdatedAt = time.Now().UTC()
		return s.store.UpdateTask(ctx, nil, t)
	}

	// Step 7: persist enriched fields + inherited validation_enabled.
	t.ValidationEnabled = phase.Validation != ""
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateTask(ctx, nil, t); err != nil {
		return err
	}

	// Step 8: queue admission, then spawn if cleared immediately.
	decision, err := s.queue.Admit(ctx, s.spawner.(queue.Admitter), t)
	if err != nil {
		return fmt.Errorf("failed to admit task to queue: %w", err)
	}
	if decision.Queued {
		return nil
	}
	return s.spawner.SpawnPhaseAgent(ctx, t)
}

// CreateAsync runs Create on the bounded worker pool, reporting errors
// through the returned channel rather than blocking the caller — used by
// the API layer so an HTTP handler never waits on an LLM round trip.
func (s *Service) CreateAsync(ctx context.Context, params CreateParams) (*store.Task, <-chan error) {
	now := time.Now().UTC()
	t := &store.Task{
		ID:                  uuid.NewString(),
		RawDescription:      params.RawDescription,
		EnrichedDescription: params.RawDescription,
		Status:              store.TaskPending,
		Priority:            params.Priority,
		CreatedByAgentID:    params.CreatedByAgentID,
		ParentTaskID:        params.ParentTaskID,
		WorkflowID:          params.WorkflowID,
		TicketID:            params.TicketID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if t.Priority == "" {
		t.Priority = store.PriorityMedium
	}

	errCh := make(chan error, 1)
	if err := s.store.CreateTask(ctx, nil, t); err != nil {
		errCh <- fmt.Errorf("failed to insert task: %w", err)
		close(errCh)
		return t, errCh
	}

	s.sem <- struct{}{}
	go func() {
		defer func() { <-s.sem }()
		defer close(errCh)
		errCh <- s.runPipeline(ctx, t, params)
	}()
	return t, errCh
}

// Restart clears completion data for a done/failed task and re-enters the
// queue-or-spawn step.
func (s *Service) Restart(ctx context.Context, taskID string) (*store.Task, error) {
	t, err := s.store.GetTask(ctx, nil, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	t.Status = store.TaskPending
	t.AssignedAgentID = nil
	t.LastValidationFeedback = ""
	t.ValidationIteration = 0
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateTask(ctx, nil, t); err != nil {
		return nil, err
	}

	decision, err := s.queue.Admit(ctx, s.spawner.(queue.Admitter), t)
	if err != nil {
		return nil, err
	}
	if decision.Queued {
		return t, nil
	}
	return t, s.spawner.SpawnPhaseAgent(ctx, t)
}

// Resume re-enters the creation pipeline from step (3) onward for a task
// that is currently blocked on a ticket. It is the entry point
// pkg/ticket's block-sync watcher calls once a blocking ticket resolves or
// clears human review; a task whose ticket is still blocked is left
// untouched. PhaseID/PhaseOrder are left zero so step (4) resolves the
// lowest open-order phase, matching the defaulting a fresh root-caller
// Create would have gotten had the ticket never blocked it.
func (s *Service) Resume(ctx context.Context, taskID string) (*store.Task, error) {
	t, err := s.store.GetTask(ctx, nil, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != store.TaskBlocked {
		return t, nil
	}
	if t.TicketID == nil || *t.TicketID == "" {
		return t, nil
	}

	blocked, err := s.ticketBlocksTask(ctx, *t.TicketID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return t, nil
	}

	params := CreateParams{
		WorkflowID:       t.WorkflowID,
		RawDescription:   t.RawDescription,
		TicketID:         t.TicketID,
		ParentTaskID:     t.ParentTaskID,
		CreatedByAgentID: t.CreatedByAgentID,
		IsRootCaller:     true,
	}
	if err := s.runPipeline(ctx, t, params); err != nil {
		return t, err
	}
	return t, nil
}

func (s *Service) ticketTrackingEnabled(ctx context.Context, workflowID string) (bool, error) {
	execution, err := s.store.GetWorkflowExecution(ctx, nil, workflowID)
	if err != nil {
		return false, err
	}
	def, err := s.store.GetWorkflowDefinition(ctx, nil, execution.DefinitionID)
	if err != nil {
		return false, err
	}
	return def.WorkflowConfig.EnableTickets && def.WorkflowConfig.Board != nil, nil
}

// ticketBlocksTask reports whether ticket is blocked, either directly
// (unresolved blockers, pending human review) or transitively.
func (s *Service) ticketBlocksTask(ctx context.Context, ticketID string) (bool, error) {
	visited := make(map[string]bool)
	var walk func(id string) (bool, error)
	walk = func(id string) (bool, error) {
		if visited[id] {
			return false, nil
		}
		visited[id] = true

		ticket, err := s.store.GetTicket(ctx, nil, id)
		if err != nil {
			return false, err
		}
		if ticket.ApprovalStatus == store.ApprovalPendingReview || ticket.ApprovalStatus == store.ApprovalRejected {
			return true, nil
		}
		for _, blockerID := range ticket.BlockedByTicketIDs {
			blocker, err := s.store.GetTicket(ctx, nil, blockerID)
			if err != nil {
				return false, err
			}
			if !blocker.IsResolved {
				return true, nil
			}
			blockedTransitively, err := walk(blockerID)
			if err != nil {
				return false, err
			}
			if blockedTransitively {
				return true, nil
			}
		}
		return false, nil
	}
	return walk(ticketID)
}

func (s *Service) retrieveMemories(ctx context.Context, text string) ([]string, error) {
	embedding, err := s.llm.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed task for memory retrieval: %w", err)
	}
	results, err := s.vectors.Search(ctx, vectorstore.CollectionMemories, embedding, s.cfg.TopKMemories, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}
	memories := make([]string, 0, len(results))
	for _, r := range results {
		if content, ok := r.Payload["content"].(string); ok {
			memories = append(memories, content)
		}
	}
	return memories, nil
}

// deduplicate embeds the enriched description and searches prior tasks in
// the same phase, or in any phase of the same workflow when the workflow
// definition sets TaskDedupCrossPhase. It reports whether t was marked a
// duplicate.
func (s *Service) deduplicate(ctx context.Context, t *store.Task, phaseID string) (bool, error) {
	embedding, err := s.llm.GenerateEmbedding(ctx, t.EnrichedDescription)
	if err != nil {
		return false, fmt.Errorf("failed to embed task for dedup: %w", err)
	}
	t.Embedding = embedding

	results, err := s.vectors.Search(ctx, vectorstore.CollectionTaskEmbedding, embedding, s.cfg.MaxRelatedTasks, 0)
	if err != nil {
		return false, fmt.Errorf("failed to search task embeddings: %w", err)
	}

	crossPhase := false
	if exec, err := s.store.GetWorkflowExecution(ctx, nil, t.WorkflowID); err == nil {
		if def, err := s.store.GetWorkflowDefinition(ctx, nil, exec.DefinitionID); err == nil {
			crossPhase = def.WorkflowConfig.TaskDedupCrossPhase
		}
	}

	var best *vectorstore.Result
	for i, r := range results {
		if crossPhase {
			if w, ok := r.Payload["workflow_id"].(string); !ok || w != t.WorkflowID {
				continue
			}
		} else if p, ok := r.Payload["phase_id"].(string); !ok || p != phaseID {
			continue
		}
		if best == nil || r.Score > best.Score {
			best = &results[i]
		}
	}

	if best != nil && best.Score >= s.cfg.DedupThreshold {
		t.Status = store.TaskDuplicated
		dup := best.ID
		score := best.Score
		t.DuplicateOfTaskID = &dup
		t.SimilarityScore = &score
		return true, nil
	}

	if err := s.vectors.Upsert(ctx, vectorstore.CollectionTaskEmbedding, t.ID, embedding, map[string]any{
		"phase_id":     phaseID,
		"workflow_id":  t.WorkflowID,
		"raw":          t.RawDescription,
	}); err != nil {
		return false, fmt.Errorf("failed to store task embedding: %w", err)
	}
	return false, nil
}

func (s *Service) publish(typ events.Type, workflowID string, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(events.New(typ, workflowID, payload))
}

// CreateBatch runs Create for every entry in batch concurrently, bounded by
// cfg.PipelineConcurrency. A failure on one task does not cancel the
// others; every result (task or error) is returned in input order.
func (s *Service) CreateBatch(ctx context.Context, batch []CreateParams) ([]*store.Task, []error) {
	tasks := make([]*store.Task, len(batch))
	errs := make([]error, len(batch))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.PipelineConcurrency)

	for i, params := range batch {
		i, params := i, params
		group.Go(func() error {
			t, err := s.Create(groupCtx, params)
			tasks[i] = t
			errs[i] = err
			return nil
		})
	}
	_ = group.Wait()

	return tasks, errs
}
