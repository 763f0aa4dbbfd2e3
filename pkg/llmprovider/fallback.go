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

package llmprovider

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// embeddingDimension is the fixed width of Fallback's deterministic
// pseudo-embedding. Real providers return whatever width their model uses;
// Fallback only needs to be internally consistent so cosine similarity in
// pkg/vectorstore behaves sensibly in tests and in no-provider deployments.
const embeddingDimension = 32

// defaultComplexity is the documented fallback estimate when no provider is
// configured (spec.md §7 "LLM failure" policy).
const defaultComplexity = 5

// Fallback implements Provider with the deterministic defaults spec.md §7
// mandates for LLM failure: identity enrichment, complexity=5, a neutral
// trajectory/coherence verdict, and a templated (not generated) prompt.
// It never returns an error — callers are never blocked by a missing
// provider, per the documented policy.
type Fallback struct{}

// NewFallback returns a Fallback provider.
func NewFallback() *Fallback {
	return &Fallback{}
}

// EnrichTask returns the raw description unchanged as the enriched one.
func (f *Fallback) EnrichTask(ctx context.Context, req EnrichTaskRequest) (EnrichTaskResult, error) {
	criteria := req.RawDescription
	if criteria == "" {
		criteria = "task is complete"
	}
	return EnrichTaskResult{
		EnrichedDescription: req.RawDescription,
		CompletionCriteria:  criteria,
		EstimatedComplexity: defaultComplexity,
	}, nil
}

// GenerateEmbedding derives a deterministic unit vector from text so
// identical inputs always embed identically and dissimilar inputs rarely
// collide, without depending on any external model.
func (f *Fallback) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, embeddingDimension)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		words = []string{text}
	}
	for _, word := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		sum := h.Sum32()
		vec[int(sum)%embeddingDimension] += 1
	}
	normalize(vec)
	return vec, nil
}

func normalize(vec []float32) {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSquares))
	for i := range vec {
		vec[i] /= norm
	}
}

// AnalyzeTrajectory always reports the neutral "on track" verdict.
func (f *Fallback) AnalyzeTrajectory(ctx context.Context, sessionOutput string) (TrajectoryVerdict, error) {
	return TrajectoryVerdict{OnTrack: true, Note: "no provider configured: neutral trajectory judgement"}, nil
}

// AnalyzeCoherence always reports the result as satisfying its criteria.
func (f *Fallback) AnalyzeCoherence(ctx context.Context, resultContent, criteria string) (CoherenceVerdict, error) {
	return CoherenceVerdict{Satisfied: true, Note: "no provider configured: neutral coherence judgement"}, nil
}

// ResolveTicketClarification returns a templated resolution rather than a
// generated one, clearly marked as such for audit readers.
func (f *Fallback) ResolveTicketClarification(ctx context.Context, req ClarificationRequest) (string, error) {
	return fmt.Sprintf(
		"## Clarification (no LLM provider configured)\n\n"+
			"**Conflict:** %s\n\n**Context:** %s\n\n"+
			"No automated arbitration is available; a human reviewer must resolve this ticket manually.",
		req.ConflictDescription, req.Context,
	), nil
}

// GenerateAgentPrompt returns a minimal templated system prompt.
func (f *Fallback) GenerateAgentPrompt(ctx context.Context, role, taskDescription, phaseContext string) (string, error) {
	return fmt.Sprintf("You are a %s agent.\n\nTask: %s\n\nPhase context: %s\n", role, taskDescription, phaseContext), nil
}

var _ Provider = (*Fallback)(nil)
