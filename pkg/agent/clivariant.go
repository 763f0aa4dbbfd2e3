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
	"regexp"

	"github.com/hephaestus-run/hephaestus/pkg/registry"
)

// LaunchParams are the per-spawn inputs a CLIVariant needs to build its
// launch command line.
type LaunchParams struct {
	Model               string
	PromptFilePath      string // only populated when the variant loads the prompt from a file
	ApprovalTimeoutMS   int    // 0 means "no override"
}

// CLIVariant is the Design Notes' tagged-variant replacement for dynamic
// dispatch over CLI agent implementations: a plain value registered by
// name, not an interface with one implementation per tool.
type CLIVariant struct {
	Name string

	// LaunchCommand builds the shell command line typed into the session
	// to start the CLI.
	LaunchCommand func(p LaunchParams) string

	// PromptViaFile is true when the CLI loads its initial prompt from a
	// file flag at launch (spec.md §4.7 step 7): only a single Enter is
	// sent after a short wait, rather than chunked pasting.
	PromptViaFile bool

	// FormatMessage wraps an inter-agent message in this variant's
	// expected input framing before it is typed into the pane.
	FormatMessage func(message string) string

	// HealthPattern matches pane output indicating the CLI is idle and
	// ready for input.
	HealthPattern *regexp.Regexp

	// StuckPatterns match pane output indicating the CLI is waiting on
	// something it cannot proceed past unattended (e.g. a confirmation
	// prompt or rate-limit backoff).
	StuckPatterns []*regexp.Regexp

	// ParseOutput extracts the meaningful tail of a captured pane buffer,
	// stripping shell prompts/control sequences the variant is known to
	// emit.
	ParseOutput func(raw string) string
}

func passthroughParse(raw string) string { return raw }

func defaultFormatMessage(message string) string { return message }

// claudeVariant loads its prompt via a file flag at launch, so the manager
// need only send a bare Enter once the CLI has started reading it.
var claudeVariant = CLIVariant{
	Name: "claude",
	LaunchCommand: func(p LaunchParams) string {
		cmd := "claude"
		if p.Model != "" {
			cmd += " --model " + p.Model
		}
		if p.PromptFilePath != "" {
			cmd += fmt.Sprintf(" --prompt-file %s", p.PromptFilePath)
		}
		return cmd
	},
	PromptViaFile: true,
	FormatMessage: defaultFormatMessage,
	HealthPattern: regexp.MustCompile(`(?i)\n>\s*$`),
	StuckPatterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)do you want to proceed`),
		regexp.MustCompile(`(?i)rate limit`),
	},
	ParseOutput: passthroughParse,
}

// genericVariant covers any CLI without native prompt-file support: the
// initial message is pasted in chunks and finalized with Enter.
var genericVariant = CLIVariant{
	Name: "generic",
	LaunchCommand: func(p LaunchParams) string {
		cmd := "agent-cli"
		if p.Model != "" {
			cmd += " --model " + p.Model
		}
		return cmd
	},
	PromptViaFile: false,
	FormatMessage: defaultFormatMessage,
	HealthPattern: regexp.MustCompile(`(?i)\$\s*$`),
	StuckPatterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)waiting for input`),
	},
	ParseOutput: passthroughParse,
}

// DefaultVariants returns a registry pre-populated with the "claude" and
// "generic" CLI variants.
func DefaultVariants() registry.Registry[CLIVariant] {
	r := registry.NewBaseRegistry[CLIVariant]()
	_ = r.Register(claudeVariant.Name, claudeVariant)
	_ = r.Register(genericVariant.Name, genericVariant)
	return r
}
