package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/wpflow/internal/errors"
)

// Info describes one entry of `git worktree list --porcelain`.
type Info struct {
	Path     string
	Branch   string // short name, empty when detached
	Detached bool
}

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// It returns the directory containing .git (either a directory or a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		if IsCheckout(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w (or any parent up to mount point)", errors.ErrNotGitRepository)
		}
		dir = parent
	}
}

// IsCheckout reports whether path is the top of a git checkout: a directory
// holding a .git directory (main checkout) or .git file (linked worktree).
func IsCheckout(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}

// AddWorktree creates newBranch at base and checks it out at path.
func (c *Client) AddWorktree(ctx context.Context, path, newBranch, base string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.NewGitError("failed to create worktree", errors.ErrWorktreeExists).
			WithWorktree(path).WithBranch(newBranch)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.NewGitError("failed to create worktree directory", err).WithWorktree(path)
	}
	output, err := c.git(ctx, "", "worktree", "add", "-b", newBranch, path, base)
	if err != nil {
		cause := err
		if strings.Contains(string(output), "already exists") {
			cause = errors.ErrBranchExists
		}
		return c.gitErr("failed to create worktree from "+base, cause, "", output).
			WithWorktree(path).WithBranch(newBranch)
	}
	return nil
}

// RemoveWorktree removes the worktree at path. Without force git refuses to
// remove a worktree with local modifications.
func (c *Client) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)

	output, err := c.git(ctx, "", args...)
	if err != nil {
		if force {
			// Fall back to deleting the directory and letting prune forget it.
			_ = os.RemoveAll(path)
			_ = c.Prune(ctx)
		}
		return c.gitErr("failed to remove worktree", err, "", output).WithWorktree(path)
	}
	return nil
}

// Prune drops administrative entries for worktrees whose directories are gone.
func (c *Client) Prune(ctx context.Context) error {
	output, err := c.git(ctx, "", "worktree", "prune")
	if err != nil {
		return c.gitErr("failed to prune worktrees", err, "", output)
	}
	return nil
}

// ListWorktrees returns every worktree attached to the repository, main checkout first.
func (c *Client) ListWorktrees(ctx context.Context) ([]Info, error) {
	output, err := c.git(ctx, "", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, c.gitErr("failed to list worktrees", err, "", output)
	}
	return parseWorktreeList(string(output)), nil
}

func parseWorktreeList(output string) []Info {
	var list []Info
	var cur *Info
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			list = append(list, Info{Path: strings.TrimPrefix(line, "worktree ")})
			cur = &list[len(list)-1]
		case cur == nil:
			continue
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "detached":
			cur.Detached = true
		}
	}
	return list
}
