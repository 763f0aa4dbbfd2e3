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

// Package store is the relational persistence layer: typed CRUD over every
// entity in the data model, plus request-scoped transactions.
package store

import "time"

// WorkflowDefinition is a reusable workflow template.
type WorkflowDefinition struct {
	ID             string
	Name           string
	Description    string
	PhasesConfig   []PhaseTemplate
	WorkflowConfig WorkflowConfig
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PhaseTemplate is one entry of a WorkflowDefinition's phases_config, prior
// to placeholder substitution.
type PhaseTemplate struct {
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	DoneDefinitions  []string          `json:"done_definitions"`
	AdditionalNotes  string            `json:"additional_notes"`
	Outputs          string            `json:"outputs"`
	NextSteps        string            `json:"next_steps"`
	WorkingDirectory string            `json:"working_directory"`
	Validation       string            `json:"validation,omitempty"`
	CLIOverrides     CLIOverrides      `json:"cli_overrides,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// CLIOverrides lets a phase pin a different CLI tool/model than the agent default.
type CLIOverrides struct {
	CLITool        string `json:"cli_tool,omitempty"`
	CLIModel       string `json:"cli_model,omitempty"`
	GLMAPITokenEnv string `json:"glm_api_token_env,omitempty"`
}

// WorkflowConfig holds the feature flags attached to a WorkflowDefinition.
type WorkflowConfig struct {
	HasResult          bool        `json:"has_result"`
	ResultCriteria     string      `json:"result_criteria,omitempty"`
	OnResultFound      string      `json:"on_result_found,omitempty"`
	EnableTickets      bool        `json:"enable_tickets"`
	Board              *BoardConfig `json:"board,omitempty"`
	TaskDedupCrossPhase bool       `json:"task_dedup_cross_phase"`
}

// WorkflowExecutionStatus is the lifecycle state of a WorkflowExecution.
type WorkflowExecutionStatus string

const (
	ExecutionActive    WorkflowExecutionStatus = "active"
	ExecutionPaused    WorkflowExecutionStatus = "paused"
	ExecutionCompleted WorkflowExecutionStatus = "completed"
	ExecutionFailed    WorkflowExecutionStatus = "failed"
)

// WorkflowExecution is one run of a WorkflowDefinition.
type WorkflowExecution struct {
	ID               string
	DefinitionID     string
	Description      string
	WorkingDirectory string
	LaunchParams     map[string]string
	Status           WorkflowExecutionStatus
	ResultFound      bool
	ResultID         *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Phase is a concrete phase instance belonging to one execution.
type Phase struct {
	ID               string
	WorkflowID       string
	Order            int
	Name             string
	Description      string
	DoneDefinitions  []string
	AdditionalNotes  string
	Outputs          string
	NextSteps        string
	WorkingDirectory string
	Validation       string
	CLIOverrides     CLIOverrides
	CreatedAt        time.Time
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending               TaskStatus = "pending"
	TaskQueued                TaskStatus = "queued"
	TaskBlocked               TaskStatus = "blocked"
	TaskAssigned              TaskStatus = "assigned"
	TaskInProgress            TaskStatus = "in_progress"
	TaskUnderReview           TaskStatus = "under_review"
	TaskValidationInProgress  TaskStatus = "validation_in_progress"
	TaskNeedsWork             TaskStatus = "needs_work"
	TaskDone                  TaskStatus = "done"
	TaskFailed                TaskStatus = "failed"
	TaskDuplicated            TaskStatus = "duplicated"
)

// TaskPriority is the queueing priority of a Task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// Task is a unit of work routed to an agent.
type Task struct {
	ID                     string
	RawDescription         string
	EnrichedDescription    string
	DoneDefinition         string
	Status                 TaskStatus
	Priority               TaskPriority
	PriorityBoosted        bool
	AssignedAgentID        *string
	CreatedByAgentID       string
	ParentTaskID           *string
	PhaseID                *string
	WorkflowID             string
	TicketID               *string
	ValidationEnabled      bool
	ValidationIteration    int
	LastValidationFeedback string
	Embedding              []float32
	DuplicateOfTaskID      *string
	SimilarityScore        *float32
	QueuedAt               *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// AgentStatus is the lifecycle state of an Agent.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentWorking    AgentStatus = "working"
	AgentStuck      AgentStatus = "stuck"
	AgentTerminated AgentStatus = "terminated"
)

// AgentType distinguishes what role an Agent session is playing.
type AgentType string

const (
	AgentTypePhase           AgentType = "phase"
	AgentTypeValidator       AgentType = "validator"
	AgentTypeResultValidator AgentType = "result_validator"
	AgentTypeMonitor         AgentType = "monitor"
	AgentTypeDiagnostic      AgentType = "diagnostic"
)

// Agent is one running CLI coding agent.
type Agent struct {
	ID                    string
	SystemPrompt          string
	Status                AgentStatus
	CLIType               string
	TmuxSessionName       string
	CurrentTaskID         *string
	AgentType             AgentType
	KeptAliveForValidation bool
	LastActivity          time.Time
	HealthCheckFailures   int
	CreatedAt             time.Time
}

// MergeStatus is the lifecycle state of an AgentWorktree.
type MergeStatus string

const (
	MergeActive    MergeStatus = "active"
	MergeMerged    MergeStatus = "merged"
	MergeAbandoned MergeStatus = "abandoned"
	MergeCleaned   MergeStatus = "cleaned"
)

// AgentWorktree is C4's bookkeeping row for one agent's isolated checkout.
type AgentWorktree struct {
	AgentID         string
	WorktreePath    string
	BranchName      string
	ParentAgentID   *string
	ParentCommitSHA string
	BaseCommitSHA   string
	MergeStatus     MergeStatus
	MergeCommitSHA  *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ApprovalStatus gates ticket-driven task creation.
type ApprovalStatus string

const (
	ApprovalAutoApproved  ApprovalStatus = "auto_approved"
	ApprovalPendingReview ApprovalStatus = "pending_review"
	ApprovalApproved      ApprovalStatus = "approved"
	ApprovalRejected      ApprovalStatus = "rejected"
)

// Ticket is a work item on a Kanban board.
type Ticket struct {
	ID                 string
	WorkflowID         string
	Title              string
	Description        string
	TicketType         string
	Priority           TaskPriority
	Status             string
	ApprovalStatus     ApprovalStatus
	ParentTicketID     *string
	BlockedByTicketIDs []string
	IsResolved         bool
	CreatedByAgentID   string
	AssignedAgentID    *string
	Tags               []string
	Embedding          []float32
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TicketCommentType distinguishes an ordinary comment from a
// system-generated one.
type TicketCommentType string

const (
	TicketCommentPlain         TicketCommentType = "comment"
	TicketCommentClarification TicketCommentType = "clarification"
)

// TicketComment is a single comment thread entry on a Ticket.
type TicketComment struct {
	ID          string
	TicketID    string
	AgentID     string
	CommentType TicketCommentType
	Body        string
	CreatedAt   time.Time
}

// TicketHistory is an append-only audit row for a Ticket.
type TicketHistory struct {
	ID        string
	TicketID  string
	AgentID   string
	Action    string
	FromValue string
	ToValue   string
	CreatedAt time.Time
}

// TicketCommit links a git commit SHA to a Ticket.
type TicketCommit struct {
	ID        string
	TicketID  string
	CommitSHA string
	Message   string
	CreatedAt time.Time
}

// BoardConfig describes a Kanban board's columns and rules.
type BoardConfig struct {
	Columns             []string `json:"columns"`
	AllowedTypes        []string `json:"allowed_types"`
	InitialStatus       string   `json:"initial_status"`
	RequiresHumanReview bool     `json:"requires_human_review"`
	ApprovalTimeoutSec  int      `json:"approval_timeout_sec"`
}

// MemoryType categorizes an agent-submitted Memory.
type MemoryType string

const (
	MemoryErrorFix          MemoryType = "error_fix"
	MemoryDiscovery         MemoryType = "discovery"
	MemoryDecision          MemoryType = "decision"
	MemoryLearning          MemoryType = "learning"
	MemoryWarning           MemoryType = "warning"
	MemoryCodebaseKnowledge MemoryType = "codebase_knowledge"
)

// Memory is an agent discovery recorded for future retrieval.
type Memory struct {
	ID           string
	AgentID      string
	Content      string
	MemoryType   MemoryType
	EmbeddingID  string
	Tags         []string
	RelatedFiles []string
	CreatedAt    time.Time
}

// ValidationStatus is the outcome of reviewing a submitted result.
type ValidationStatus string

const (
	ValidationPending  ValidationStatus = "pending"
	ValidationApproved ValidationStatus = "approved"
	ValidationRejected ValidationStatus = "rejected"
)

// WorkflowResult is the deliverable submitted to close out a WorkflowExecution.
type WorkflowResult struct {
	ID               string
	WorkflowID       string
	Content          string
	FilePath         string
	ExtraFiles       []string
	ValidationStatus ValidationStatus
	ValidationNote   string
	CreatedAt        time.Time
}

// AgentResult is the deliverable an agent submits for a Task.
type AgentResult struct {
	ID               string
	TaskID           string
	AgentID          string
	Content          string
	FilePath         string
	ExtraFiles       []string
	ValidationStatus ValidationStatus
	ValidationNote   string
	CreatedAt        time.Time
}

// ValidationReview is one iteration of task or workflow-result validation.
type ValidationReview struct {
	ID         string
	TaskID     *string
	ResultID   *string
	Iteration  int
	Verdict    ValidationStatus
	Feedback   string
	ReviewerID string
	CreatedAt  time.Time
}

// PhaseExecutionStatus tracks a Phase's progress within its WorkflowExecution.
type PhaseExecutionStatus string

const (
	PhaseExecPending    PhaseExecutionStatus = "pending"
	PhaseExecInProgress PhaseExecutionStatus = "in_progress"
	PhaseExecCompleted  PhaseExecutionStatus = "completed"
)

// PhaseExecution is the per-phase progress row within a WorkflowExecution.
type PhaseExecution struct {
	ID         string
	WorkflowID string
	PhaseID    string
	Status     PhaseExecutionStatus
	StartedAt  *time.Time
	FinishedAt *time.Time
}
