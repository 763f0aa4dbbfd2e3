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

package agent

import (
	"fmt"
	"strings"

	"github.com/hephaestus-run/hephaestus/pkg/store"
)

const toolContract = "update_task_status, save_memory, create_task, get_tasks, broadcast_message, send_message, submit_result"

// buildInitialMessage assembles the deterministic scaffolding every phase
// agent receives alongside its LLM-composed system prompt: ids, working
// directory, task description, completion criteria, phase context, the
// tool contract, and communication semantics. This is orchestrator-owned
// text, not LLM output — the provider only composes the system prompt
// (spec.md §4.7 step 3); the envelope around it is always the same shape
// so every agent can rely on it regardless of provider.
func buildInitialMessage(t *store.Task, ag *store.Agent, phase *store.Phase, workflowGoal string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Agent ID: %s\n", ag.ID)
	fmt.Fprintf(&b, "Task ID: %s\n", t.ID)
	fmt.Fprintf(&b, "Workflow ID: %s\n", t.WorkflowID)

	workingDirectory := ""
	if phase != nil {
		workingDirectory = phase.WorkingDirectory
	}
	fmt.Fprintf(&b, "Working Directory: %s\n\n", workingDirectory)

	description := t.EnrichedDescription
	if description == "" {
		description = t.RawDescription
	}
	fmt.Fprintf(&b, "Task Description: %s\n", description)
	fmt.Fprintf(&b, "Completion Criteria: %s\n", t.DoneDefinition)
	if workflowGoal != "" {
		fmt.Fprintf(&b, "Workflow-Level Goal: %s\n", workflowGoal)
	}
	b.WriteString("\n")

	b.WriteString("Available tools: " + toolContract + "\n\n")

	if phase != nil {
		fmt.Fprintf(&b, "Phase: #%d %s\n", phase.Order, phase.Name)
		if phase.Description != "" {
			fmt.Fprintf(&b, "Phase Description: %s\n", phase.Description)
		}
		if len(phase.DoneDefinitions) > 0 {
			fmt.Fprintf(&b, "Phase Done Definitions: %s\n", strings.Join(phase.DoneDefinitions, "; "))
		}
		if phase.AdditionalNotes != "" {
			fmt.Fprintf(&b, "Additional Notes: %s\n", phase.AdditionalNotes)
		}
		b.WriteString("\n")
	}

	b.WriteString("Use save_memory to record error fixes, discoveries, decisions, and learnings for future agents.\n")
	b.WriteString("Communication: broadcast_message reaches every other active agent; send_message reaches one. " +
		"Messages you receive are prefixed \"[AGENT <src> BROADCAST]:\" or \"[AGENT <src> TO AGENT <dst>]:\".\n")

	return b.String()
}

// reminderMessage is sent to a restarted agent's session so it re-orients
// itself without replaying the full initial message.
func reminderMessage(t *store.Task) string {
	return fmt.Sprintf("Reminder: you are continuing Task ID %s. Completion Criteria: %s\n", t.ID, t.DoneDefinition)
}

// validatorMessage is the initial message sent to a validator agent,
// pointing it at the exact commit under review and the criteria the
// original task was judged against.
func validatorMessage(t *store.Task, ag *store.Agent, phase *store.Phase, commitSHA string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent ID: %s\n", ag.ID)
	fmt.Fprintf(&b, "Task ID: %s\n", t.ID)
	fmt.Fprintf(&b, "Commit Under Review: %s\n\n", commitSHA)
	fmt.Fprintf(&b, "Task Description: %s\n", t.EnrichedDescription)
	fmt.Fprintf(&b, "Completion Criteria: %s\n", t.DoneDefinition)
	if phase != nil && len(phase.DoneDefinitions) > 0 {
		fmt.Fprintf(&b, "Phase Done Definitions: %s\n", strings.Join(phase.DoneDefinitions, "; "))
	}
	b.WriteString("\nYour worktree is checked out at the commit above. Review the changes against the criteria, then call give_validation_review with validation_passed and feedback.\n")
	return b.String()
}

// resultValidatorMessage is the initial message sent to a result-validator
// agent reviewing a workflow-level deliverable.
func resultValidatorMessage(r *store.WorkflowResult, ag *store.Agent, resultCriteria string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent ID: %s\n", ag.ID)
	fmt.Fprintf(&b, "Result ID: %s\n", r.ID)
	fmt.Fprintf(&b, "Workflow ID: %s\n\n", r.WorkflowID)
	fmt.Fprintf(&b, "Result File: %s\n", r.FilePath)
	fmt.Fprintf(&b, "Result Summary: %s\n", r.Content)
	if resultCriteria != "" {
		fmt.Fprintf(&b, "Result Criteria: %s\n", resultCriteria)
	}
	b.WriteString("\nReview the deliverable against the criteria, then call submit_result_validation with validation_passed and feedback.\n")
	return b.String()
}
