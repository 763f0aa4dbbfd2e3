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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/store"
	"gopkg.in/yaml.v3"
)

// phaseTemplateYAML mirrors store.PhaseTemplate with yaml tags — the store
// type carries json tags for the HTTP surface (spec.md §6.1's
// register_workflow_definition body), so a YAML-tagged shadow is decoded
// here and converted rather than adding a second tag set to store.
type phaseTemplateYAML struct {
	Name             string            `yaml:"name"`
	Description      string            `yaml:"description"`
	DoneDefinitions  []string          `yaml:"done_definitions"`
	AdditionalNotes  string            `yaml:"additional_notes,omitempty"`
	Outputs          string            `yaml:"outputs,omitempty"`
	NextSteps        string            `yaml:"next_steps,omitempty"`
	WorkingDirectory string            `yaml:"working_directory,omitempty"`
	Validation       string            `yaml:"validation,omitempty"`
	CLIOverrides     struct {
		CLITool        string `yaml:"cli_tool,omitempty"`
		CLIModel       string `yaml:"cli_model,omitempty"`
		GLMAPITokenEnv string `yaml:"glm_api_token_env,omitempty"`
	} `yaml:"cli_overrides,omitempty"`
	Extra map[string]string `yaml:"extra,omitempty"`
}

func (p phaseTemplateYAML) toStore() store.PhaseTemplate {
	return store.PhaseTemplate{
		Name:             p.Name,
		Description:      p.Description,
		DoneDefinitions:  p.DoneDefinitions,
		AdditionalNotes:  p.AdditionalNotes,
		Outputs:          p.Outputs,
		NextSteps:        p.NextSteps,
		WorkingDirectory: p.WorkingDirectory,
		Validation:       p.Validation,
		CLIOverrides: store.CLIOverrides{
			CLITool:        p.CLIOverrides.CLITool,
			CLIModel:       p.CLIOverrides.CLIModel,
			GLMAPITokenEnv: p.CLIOverrides.GLMAPITokenEnv,
		},
		Extra: p.Extra,
	}
}

// workflowDefinitionYAML is one *.yaml file under a phases folder: a full
// WorkflowDefinition, pre-registration.
type workflowDefinitionYAML struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name"`
	Description string              `yaml:"description,omitempty"`
	Phases      []phaseTemplateYAML `yaml:"phases"`
	EnableTickets       bool        `yaml:"enable_tickets,omitempty"`
	HasResult           bool        `yaml:"has_result,omitempty"`
	ResultCriteria      string      `yaml:"result_criteria,omitempty"`
	OnResultFound       string      `yaml:"on_result_found,omitempty"`
	TaskDedupCrossPhase bool        `yaml:"task_dedup_cross_phase,omitempty"`
}

// LoadPhasesFolder reads every *.yaml/*.yml file in dir and returns the
// WorkflowDefinitions they describe, for cmd/hephaestusd to register at
// startup via workflow.Engine.RegisterDefinition. A missing directory is
// not an error — the option is opt-in per spec.md §6.2.
func LoadPhasesFolder(dir string) ([]*store.WorkflowDefinition, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read phases folder %s: %w", dir, err)
	}

	var defs []*store.WorkflowDefinition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		var raw workflowDefinitionYAML
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		if raw.ID == "" {
			return nil, fmt.Errorf("%s: id is required", name)
		}

		phases := make([]store.PhaseTemplate, 0, len(raw.Phases))
		for _, p := range raw.Phases {
			phases = append(phases, p.toStore())
		}

		defs = append(defs, &store.WorkflowDefinition{
			ID:           raw.ID,
			Name:         raw.Name,
			Description:  raw.Description,
			PhasesConfig: phases,
			WorkflowConfig: store.WorkflowConfig{
				HasResult:           raw.HasResult,
				ResultCriteria:      raw.ResultCriteria,
				OnResultFound:       raw.OnResultFound,
				EnableTickets:       raw.EnableTickets,
				TaskDedupCrossPhase: raw.TaskDedupCrossPhase,
			},
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		})
	}
	return defs, nil
}
