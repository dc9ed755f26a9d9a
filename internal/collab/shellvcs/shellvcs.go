// Package shellvcs is a reference collab.VCS implementation that shells
// out to the git CLI, in the style of internal/git's branch/worktree/
// merge helpers (git checkout -b, git worktree add, git merge --no-ff).
package shellvcs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/prloom/prloom/internal/collab"
)

// ErrMergeConflict is returned by Merge when the underlying git merge
// reports a real conflict rather than a tooling failure.
var ErrMergeConflict = errors.New("shellvcs: merge conflict")

// VCS shells out to `git` for every operation. A zero value is ready to
// use.
type VCS struct{}

var _ collab.VCS = VCS{}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, text)
	}
	return text, nil
}

// EnsureWorktree creates a worktree for branch under worktreesDir,
// branching from baseBranch, or reuses one that already exists at the
// expected path.
func (VCS) EnsureWorktree(ctx context.Context, worktreesDir, branch, baseBranch string) (string, error) {
	path := filepath.Join(worktreesDir, sanitize(branch))

	if _, err := run(ctx, worktreesDir, "worktree", "list", "--porcelain"); err == nil {
		list, _ := run(ctx, worktreesDir, "worktree", "list", "--porcelain")
		if strings.Contains(list, path) {
			return path, nil
		}
	}

	if exists, _ := branchExists(ctx, worktreesDir, branch); exists {
		if _, err := run(ctx, worktreesDir, "worktree", "add", path, branch); err != nil {
			return "", err
		}
		return path, nil
	}

	if _, err := run(ctx, worktreesDir, "worktree", "add", "-b", branch, path, baseBranch); err != nil {
		return "", err
	}
	return path, nil
}

func branchExists(ctx context.Context, dir, branch string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = dir
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

func sanitize(branch string) string {
	return strings.ReplaceAll(branch, "/", "-")
}

func (VCS) CurrentBranch(ctx context.Context, worktreePath string) (string, error) {
	return run(ctx, worktreePath, "rev-parse", "--abbrev-ref", "HEAD")
}

func (VCS) HasUncommittedChanges(ctx context.Context, worktreePath string) (bool, error) {
	out, err := run(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (VCS) Commit(ctx context.Context, worktreePath, message string) error {
	if _, err := run(ctx, worktreePath, "add", "-A"); err != nil {
		return err
	}
	_, err := run(ctx, worktreePath, "commit", "-m", message)
	return err
}

// CommitEmpty records a commit with no file changes, used to seed a
// freshly created branch so it has something to diff against before any
// real work lands (spec.md §4.1 step 3).
func (VCS) CommitEmpty(ctx context.Context, worktreePath, message string) error {
	_, err := run(ctx, worktreePath, "commit", "--allow-empty", "-m", message)
	return err
}

func (VCS) Push(ctx context.Context, worktreePath, branch string) error {
	_, err := run(ctx, worktreePath, "push", "-u", "origin", branch)
	return err
}

// PushForce force-pushes branch, the only safe way to land a rebase
// that rewrote history already pushed once (spec.md §4.3 Triage step).
func (VCS) PushForce(ctx context.Context, worktreePath, branch string) error {
	_, err := run(ctx, worktreePath, "push", "--force-with-lease", "-u", "origin", branch)
	return err
}

// Rebase replays branch onto the current tip of baseBranch. On conflict
// it aborts the rebase so the worktree is left clean rather than
// mid-rebase, and reports the conflicting paths (spec.md §4.3 Triage
// step, §8 scenario S6).
func (VCS) Rebase(ctx context.Context, worktreePath, branch, baseBranch string) (collab.RebaseResult, error) {
	if _, err := run(ctx, worktreePath, "fetch", "origin", baseBranch); err != nil {
		return collab.RebaseResult{}, err
	}
	_, err := run(ctx, worktreePath, "rebase", "origin/"+baseBranch)
	if err == nil {
		return collab.RebaseResult{Success: true}, nil
	}

	status, _ := run(ctx, worktreePath, "diff", "--name-only", "--diff-filter=U")
	var conflicts []string
	for _, line := range strings.Split(status, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			conflicts = append(conflicts, line)
		}
	}
	run(ctx, worktreePath, "rebase", "--abort")

	if len(conflicts) == 0 {
		return collab.RebaseResult{}, err
	}
	return collab.RebaseResult{HasConflicts: true, ConflictFiles: conflicts}, nil
}

// Merge lands branch into baseBranch using the requested strategy,
// mirroring internal/git's MergeBranchIntoBase conflict-text sniffing.
func (VCS) Merge(ctx context.Context, repoPath, branch, baseBranch, strategy string) error {
	baseBranch = strings.TrimSpace(baseBranch)
	if baseBranch == "" {
		baseBranch = "main"
	}
	if _, err := run(ctx, repoPath, "checkout", baseBranch); err != nil {
		return err
	}

	strategy = strings.ToLower(strings.TrimSpace(strategy))
	var args []string
	switch strategy {
	case "", "merge":
		args = []string{"merge", "--no-ff", "--no-edit", branch}
	case "squash":
		args = []string{"merge", "--squash", branch}
	case "rebase":
		args = []string{"merge", "--ff-only", branch}
	default:
		return fmt.Errorf("shellvcs: unsupported merge strategy %q", strategy)
	}

	if _, err := run(ctx, repoPath, args...); err != nil {
		lower := strings.ToLower(err.Error())
		if strings.Contains(lower, "conflict") || strings.Contains(lower, "automatic merge failed") {
			return fmt.Errorf("%w: %s", ErrMergeConflict, err)
		}
		return err
	}

	if strategy == "squash" {
		if _, err := run(ctx, repoPath, "commit", "-m", fmt.Sprintf("squash merge %s", branch)); err != nil {
			return err
		}
	}
	return nil
}

func (VCS) RemoveWorktree(ctx context.Context, worktreePath string) error {
	_, err := run(ctx, filepath.Dir(worktreePath), "worktree", "remove", "--force", worktreePath)
	return err
}
