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

// Package worktree is the WorktreeEngine: one git worktree and branch per
// agent, merged back into the trunk repository with a deterministic
// newest-wins conflict resolution rule.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/store"
)

// Config points the engine at the trunk repository and the directory under
// which per-agent worktrees are created.
type Config struct {
	MainRepoPath     string
	WorktreeBasePath string
	// BranchPrefix names the per-agent branch namespace ("agent" by
	// default, giving branches like agent/<agentID>).
	BranchPrefix string
}

// Engine is the WorktreeEngine.
type Engine struct {
	cfg   Config
	store *store.Store
	lock  *Lock
}

// New returns an Engine rooted at cfg.MainRepoPath.
func New(st *store.Store, cfg Config) *Engine {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "agent"
	}
	return &Engine{cfg: cfg, store: st, lock: NewLock(cfg.WorktreeBasePath)}
}

func (e *Engine) worktreePath(agentID string) string {
	return fmt.Sprintf("%s/%s", e.cfg.WorktreeBasePath, agentID)
}

func (e *Engine) branchName(agentID string) string {
	return e.cfg.BranchPrefix + "/" + agentID
}

// CreateAgentWorktreeParams are the inputs to CreateAgentWorktree.
type CreateAgentWorktreeParams struct {
	AgentID       string
	ParentAgentID *string
	BaseCommitSHA string
}

// CreateAgentWorktree creates the agent's branch and worktree, selecting
// the base commit per spec.md §4.3's priority: explicit BaseCommitSHA, else
// a parent_checkpoint commit on the parent agent's branch, else trunk HEAD.
// On any failure every partial artifact (branch, worktree directory) is
// removed before the error is returned.
func (e *Engine) CreateAgentWorktree(ctx context.Context, params CreateAgentWorktreeParams) (*store.AgentWorktree, error) {
	baseSHA := params.BaseCommitSHA
	var parentCommitSHA string

	if baseSHA == "" && params.ParentAgentID != nil {
		parentWorktree, err := e.store.GetAgentWorktree(ctx, nil, *params.ParentAgentID)
		if err == nil {
			sha, err := e.prepareParentCommit(ctx, parentWorktree)
			if err != nil {
				return nil, fmt.Errorf("failed to checkpoint parent worktree: %w", err)
			}
			baseSHA = sha
			parentCommitSHA = sha
		}
	}
	if baseSHA == "" {
		sha, err := headSHA(ctx, e.cfg.MainRepoPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read trunk HEAD: %w", err)
		}
		baseSHA = sha
	}

	branch := e.branchName(params.AgentID)
	path := e.worktreePath(params.AgentID)

	if _, err := runGit(ctx, e.cfg.MainRepoPath, "branch", branch, baseSHA); err != nil {
		return nil, fmt.Errorf("failed to create branch %s: %w", branch, err)
	}
	if _, err := runGit(ctx, e.cfg.MainRepoPath, "worktree", "add", path, branch); err != nil {
		_, _ = runGit(ctx, e.cfg.MainRepoPath, "branch", "-D", branch)
		return nil, fmt.Errorf("failed to add worktree at %s: %w", path, err)
	}

	now := time.Now().UTC()
	w := &store.AgentWorktree{
		AgentID:         params.AgentID,
		WorktreePath:    path,
		BranchName:      branch,
		ParentAgentID:   params.ParentAgentID,
		ParentCommitSHA: parentCommitSHA,
		BaseCommitSHA:   baseSHA,
		MergeStatus:     store.MergeActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateAgentWorktree(ctx, nil, w); err != nil {
		_, _ = runGit(ctx, e.cfg.MainRepoPath, "worktree", "remove", "--force", path)
		_, _ = runGit(ctx, e.cfg.MainRepoPath, "branch", "-D", branch)
		return nil, err
	}
	return w, nil
}

// prepareParentCommit makes a parent_checkpoint commit over any dirty or
// untracked files in the parent's worktree and returns that SHA.
func (e *Engine) prepareParentCommit(ctx context.Context, parent *store.AgentWorktree) (string, error) {
	sha, _, err := commitAllNoVerify(ctx, parent.WorktreePath, "parent_checkpoint")
	return sha, err
}

// MergeResult is the outcome of merge_main_into_branch.
type MergeResult struct {
	Status            string // up_to_date, success, conflict_resolved
	MergeCommitSHA    string
	ConflictsResolved []string
	ResolutionTimeMS  int64
}

// MergeMainIntoBranch merges trunk into the agent's branch inside its
// worktree. Performed once per agent start, including restart.
func (e *Engine) MergeMainIntoBranch(ctx context.Context, w *store.AgentWorktree) (*MergeResult, error) {
	start := time.Now()

	trunkBranch, err := currentBranch(ctx, e.cfg.MainRepoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read trunk branch: %w", err)
	}

	stdout, stderr, exitCode, err := runGitAllowFail(ctx, w.WorktreePath, "merge", "--no-ff", trunkBranch, "-m", "merge_main_into_branch")
	if err != nil {
		return nil, fmt.Errorf("failed to run merge: %w", err)
	}
	if exitCode == 0 {
		status := "success"
		if strings.Contains(stdout, "Already up to date") {
			status = "up_to_date"
		}
		sha, err := headSHA(ctx, w.WorktreePath)
		if err != nil {
			return nil, err
		}
		return &MergeResult{Status: status, MergeCommitSHA: sha, ResolutionTimeMS: time.Since(start).Milliseconds()}, nil
	}

	if !strings.Contains(stdout, "CONFLICT") && !strings.Contains(stderr, "CONFLICT") {
		return nil, fmt.Errorf("merge failed without conflict marker: %s / %s", stdout, stderr)
	}

	resolved, err := e.resolveConflicts(ctx, w.WorktreePath, trunkBranch, w.BranchName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve merge conflicts: %w", err)
	}
	if _, err := runGit(ctx, w.WorktreePath, "commit", "--no-verify", "-m", "merge_main_into_branch (conflicts resolved)"); err != nil {
		return nil, fmt.Errorf("failed to commit resolved merge: %w", err)
	}
	sha, err := headSHA(ctx, w.WorktreePath)
	if err != nil {
		return nil, err
	}
	return &MergeResult{
		Status:            "conflict_resolved",
		MergeCommitSHA:    sha,
		ConflictsResolved: resolved,
		ResolutionTimeMS:  time.Since(start).Milliseconds(),
	}, nil
}

// CommitForValidationResult is the outcome of commit_for_validation.
type CommitForValidationResult struct {
	CommitSHA    string
	FilesChanged int
}

// CommitForValidation stages and commits all changes in the agent's
// worktree with a validation_ready message. If nothing changed, returns
// the current HEAD with FilesChanged=0 — it never fails silently.
func (e *Engine) CommitForValidation(ctx context.Context, w *store.AgentWorktree, iteration int) (*CommitForValidationResult, error) {
	message := fmt.Sprintf("validation_ready: iteration %d", iteration)
	sha, changed, err := commitAllNoVerify(ctx, w.WorktreePath, message)
	if err != nil {
		return nil, fmt.Errorf("failed to commit for validation: %w", err)
	}
	return &CommitForValidationResult{CommitSHA: sha, FilesChanged: changed}, nil
}

// CheckoutCommit detaches w's worktree HEAD at commitSHA, used to hand a
// validator agent a read-only view of the commit under review without
// disturbing the agent branch itself.
func (e *Engine) CheckoutCommit(ctx context.Context, w *store.AgentWorktree, commitSHA string) error {
	if _, err := runGit(ctx, w.WorktreePath, "checkout", "--detach", commitSHA); err != nil {
		return fmt.Errorf("failed to checkout %s for validation: %w", commitSHA, err)
	}
	return nil
}

// RestoreBranch checks w's worktree back out onto its own branch, reversing
// a prior CheckoutCommit once validation no longer needs the detached view.
func (e *Engine) RestoreBranch(ctx context.Context, w *store.AgentWorktree) error {
	if _, err := runGit(ctx, w.WorktreePath, "checkout", w.BranchName); err != nil {
		return fmt.Errorf("failed to restore branch %s: %w", w.BranchName, err)
	}
	return nil
}

// CleanupResult is the outcome of cleanup_worktree.
type CleanupResult struct {
	DiskUsageMB float64
}

// CleanupWorktree removes the worktree directory and marks it cleaned.
func (e *Engine) CleanupWorktree(ctx context.Context, w *store.AgentWorktree) (*CleanupResult, error) {
	usage := dirSizeMB(w.WorktreePath)

	if _, err := runGit(ctx, e.cfg.MainRepoPath, "worktree", "remove", "--force", w.WorktreePath); err != nil {
		return nil, fmt.Errorf("failed to remove worktree: %w", err)
	}

	w.MergeStatus = store.MergeCleaned
	w.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateAgentWorktree(ctx, nil, w); err != nil {
		return nil, err
	}
	return &CleanupResult{DiskUsageMB: usage}, nil
}

// WorkspaceChanges is the result of get_workspace_changes.
type WorkspaceChanges struct {
	Added      []string
	Modified   []string
	Deleted    []string
	Insertions int
	Deletions  int
	Diff       string
}

// GetWorkspaceChanges diffs the agent's worktree against sinceCommit
// (defaulting to the worktree's recorded ParentCommitSHA).
func (e *Engine) GetWorkspaceChanges(ctx context.Context, w *store.AgentWorktree, sinceCommit string) (*WorkspaceChanges, error) {
	if sinceCommit == "" {
		sinceCommit = w.ParentCommitSHA
		if sinceCommit == "" {
			sinceCommit = w.BaseCommitSHA
		}
	}

	nameStatus, err := runGit(ctx, w.WorktreePath, "diff", "--name-status", sinceCommit)
	if err != nil {
		return nil, fmt.Errorf("failed to diff name-status: %w", err)
	}
	changes := &WorkspaceChanges{}
	for _, line := range strings.Split(nameStatus, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0][0] {
		case 'A':
			changes.Added = append(changes.Added, fields[1])
		case 'M':
			changes.Modified = append(changes.Modified, fields[1])
		case 'D':
			changes.Deleted = append(changes.Deleted, fields[1])
		}
	}

	stat, err := runGit(ctx, w.WorktreePath, "diff", "--shortstat", sinceCommit)
	if err != nil {
		return nil, fmt.Errorf("failed to diff shortstat: %w", err)
	}
	changes.Insertions, changes.Deletions = parseShortstat(stat)

	diff, err := runGit(ctx, w.WorktreePath, "diff", sinceCommit)
	if err != nil {
		return nil, fmt.Errorf("failed to produce unified diff: %w", err)
	}
	changes.Diff = diff

	return changes, nil
}

func currentBranch(ctx context.Context, dir string) (string, error) {
	return runGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

func parseShortstat(stat string) (insertions, deletions int) {
	for _, part := range strings.Split(stat, ",") {
		part = strings.TrimSpace(part)
		var n int
		if strings.Contains(part, "insertion") {
			_, _ = fmt.Sscanf(part, "%d", &n)
			insertions = n
		} else if strings.Contains(part, "deletion") {
			_, _ = fmt.Sscanf(part, "%d", &n)
			deletions = n
		}
	}
	return insertions, deletions
}

// dirSizeMB sums file sizes under path, tolerating a path that no longer
// exists (already removed).
func dirSizeMB(path string) float64 {
	var total int64
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return float64(total) / (1024 * 1024)
}
