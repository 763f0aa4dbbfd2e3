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

// Package llmprovider is the single capability interface every LLM-backed
// component depends on. Concrete vendor integrations are out of scope;
// Fallback implements the documented deterministic-default behavior so
// callers never block on a missing provider.
package llmprovider

import "context"

// EnrichTaskRequest carries everything the provider needs to turn a raw
// task description into an enriched one.
type EnrichTaskRequest struct {
	RawDescription string
	PhaseContext   string
	Memories       []string
}

// EnrichTaskResult is the provider's enrichment output.
type EnrichTaskResult struct {
	EnrichedDescription string
	CompletionCriteria  string
	EstimatedComplexity int
}

// TrajectoryVerdict is the outcome of judging an agent's recent activity.
type TrajectoryVerdict struct {
	OnTrack bool
	Note    string
}

// CoherenceVerdict is the outcome of checking a submitted result against
// its completion criteria.
type CoherenceVerdict struct {
	Satisfied bool
	Note      string
}

// ClarificationRequest is the input to ticket-conflict arbitration.
type ClarificationRequest struct {
	TicketID            string
	ConflictDescription string
	Context             string
	PotentialSolutions  []string
	RecentTickets       []string
	RecentTasks         []string
}

// Provider is the capability interface every LLM-backed component in the
// system depends on (Design Notes §9: "one capability interface, multiple
// backends"). There is deliberately no streaming/tool-call surface here —
// every call is a single request/response turn.
type Provider interface {
	EnrichTask(ctx context.Context, req EnrichTaskRequest) (EnrichTaskResult, error)
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	AnalyzeTrajectory(ctx context.Context, sessionOutput string) (TrajectoryVerdict, error)
	AnalyzeCoherence(ctx context.Context, resultContent, criteria string) (CoherenceVerdict, error)
	ResolveTicketClarification(ctx context.Context, req ClarificationRequest) (string, error)
	GenerateAgentPrompt(ctx context.Context, role, taskDescription, phaseContext string) (string, error)
}
