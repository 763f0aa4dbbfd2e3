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

package worktree

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hephaestus-run/hephaestus/pkg/store"
)

// MergeToParentResult is the outcome of merge_to_parent.
type MergeToParentResult struct {
	Status             string // merged, conflict_resolved
	MergedTo           string
	CommitSHA          string
	ConflictsResolved  []string
	ResolutionStrategy string
	TotalConflicts      int
	ResolutionTimeMS    int64
}

// MergeToParent merges an agent's branch back into trunk: acquires the
// process-wide exclusive merge lock (I1), completes any stuck merge left
// over from a prior crashed attempt (I3), commits any dirty state in the
// agent's worktree, then merges the agent branch into trunk, resolving any
// conflicts with the newest-wins rule. Any failure rolls back the trunk
// stash and re-raises; the lock is always released.
func (e *Engine) MergeToParent(ctx context.Context, w *store.AgentWorktree) (*MergeToParentResult, error) {
	start := time.Now()

	handle, err := e.lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	if err := e.completeStuckMerge(ctx); err != nil {
		return nil, fmt.Errorf("failed to complete stuck merge: %w", err)
	}

	dirty, err := isDirty(ctx, w.WorktreePath)
	if err != nil {
		return nil, err
	}
	if dirty {
		if _, _, err := commitAllNoVerify(ctx, w.WorktreePath, "final"); err != nil {
			return nil, fmt.Errorf("failed to create final commit: %w", err)
		}
	}

	trunkDirty, err := isDirty(ctx, e.cfg.MainRepoPath)
	if err != nil {
		return nil, err
	}
	stashed := false
	if trunkDirty {
		if _, err := runGit(ctx, e.cfg.MainRepoPath, "stash", "push", "-u", "-m", "merge_to_parent"); err != nil {
			return nil, fmt.Errorf("failed to stash trunk: %w", err)
		}
		stashed = true
	}

	trunkBranch, err := currentBranch(ctx, e.cfg.MainRepoPath)
	if err != nil {
		return nil, e.rollbackStash(ctx, stashed, err)
	}
	if _, err := runGit(ctx, e.cfg.MainRepoPath, "checkout", trunkBranch); err != nil {
		return nil, e.rollbackStash(ctx, stashed, err)
	}

	stdout, stderr, exitCode, err := runGitAllowFail(ctx, e.cfg.MainRepoPath, "merge", "--no-ff", w.BranchName, "-m", fmt.Sprintf("merge_to_parent: %s", w.AgentID))
	if err != nil {
		return nil, e.rollbackStash(ctx, stashed, err)
	}

	result := &MergeToParentResult{MergedTo: trunkBranch, ResolutionStrategy: "newest_wins"}

	if exitCode == 0 {
		result.Status = "merged"
	} else if strings.Contains(stdout, "CONFLICT") || strings.Contains(stderr, "CONFLICT") {
		resolved, err := e.resolveConflicts(ctx, e.cfg.MainRepoPath, trunkBranch, w.BranchName)
		if err != nil {
			return nil, e.rollbackStash(ctx, stashed, err)
		}
		if _, err := runGit(ctx, e.cfg.MainRepoPath, "commit", "--no-verify", "-m", fmt.Sprintf("merge_to_parent: %s (conflicts resolved)", w.AgentID)); err != nil {
			return nil, e.rollbackStash(ctx, stashed, err)
		}
		result.Status = "conflict_resolved"
		result.ConflictsResolved = resolved
		result.TotalConflicts = len(resolved)
	} else {
		return nil, e.rollbackStash(ctx, stashed, fmt.Errorf("merge failed without conflict marker: %s / %s", stdout, stderr))
	}

	sha, err := headSHA(ctx, e.cfg.MainRepoPath)
	if err != nil {
		return nil, e.rollbackStash(ctx, stashed, err)
	}
	result.CommitSHA = sha

	if stashed {
		if _, err := runGit(ctx, e.cfg.MainRepoPath, "stash", "pop"); err != nil {
			return nil, fmt.Errorf("failed to pop trunk stash after merge: %w", err)
		}
	}

	w.MergeStatus = store.MergeMerged
	w.MergeCommitSHA = &sha
	w.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateAgentWorktree(ctx, nil, w); err != nil {
		return nil, err
	}

	result.ResolutionTimeMS = time.Since(start).Milliseconds()
	return result, nil
}

// rollbackStash restores a stash taken during MergeToParent when a later
// step fails, then wraps the original error.
func (e *Engine) rollbackStash(ctx context.Context, stashed bool, cause error) error {
	if stashed {
		_, _ = runGit(ctx, e.cfg.MainRepoPath, "stash", "pop")
	}
	return fmt.Errorf("merge_to_parent failed: %w", cause)
}

// completeStuckMerge finishes a merge left incomplete by a prior crash: if
// trunk has MERGE_HEAD, resolve every unmerged file with the newest-wins
// rule and commit. Invariant I3: MERGE_HEAD never persists past this call.
func (e *Engine) completeStuckMerge(ctx context.Context) error {
	if _, err := runGit(ctx, e.cfg.MainRepoPath, "rev-parse", "--verify", "-q", "MERGE_HEAD"); err != nil {
		return nil
	}

	if _, err := e.resolveConflicts(ctx, e.cfg.MainRepoPath, "HEAD", "MERGE_HEAD"); err != nil {
		return err
	}
	_, err := runGit(ctx, e.cfg.MainRepoPath, "commit", "--no-verify", "-m", "complete_stuck_merge")
	return err
}

// resolveConflicts applies the newest-wins rule to every unmerged path in
// dir: the side whose last-modifying commit has the later commit time
// wins; exact ties favor the child (theirSide). Returns the resolved
// paths.
func (e *Engine) resolveConflicts(ctx context.Context, dir, ourSide, theirSide string) ([]string, error) {
	unmerged, err := runGit(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if unmerged == "" {
		return nil, nil
	}

	var resolved []string
	for _, path := range strings.Split(unmerged, "\n") {
		if path == "" {
			continue
		}

		parentTime, parentKnown := commitTimestamp(ctx, dir, ourSide, path)
		childTime, childKnown := commitTimestamp(ctx, dir, theirSide, path)
		now := time.Now().UTC()
		if !parentKnown {
			parentTime = now
		}
		if !childKnown {
			childTime = now
		}

		winner := theirSide // tie_child
		if parentTime.After(childTime) {
			winner = ourSide
		}

		if _, err := runGit(ctx, dir, "rm", "--cached", "-r", "--ignore-unmatch", path); err != nil {
			return nil, fmt.Errorf("failed to unstage conflicted path %s: %w", path, err)
		}
		content, _, exitCode, err := runGitAllowFail(ctx, dir, "show", winner+":"+path)
		if err != nil {
			return nil, fmt.Errorf("failed to read winning content for %s: %w", path, err)
		}
		if exitCode != 0 {
			// The winning side deleted the file; leave it removed.
			resolved = append(resolved, path)
			continue
		}
		if err := writeWorktreeFile(dir, path, content); err != nil {
			return nil, err
		}
		if _, err := runGit(ctx, dir, "add", path); err != nil {
			return nil, fmt.Errorf("failed to re-add resolved path %s: %w", path, err)
		}
		resolved = append(resolved, path)
	}
	return resolved, nil
}
