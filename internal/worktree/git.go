// Package worktree wraps the git CLI for the branch, worktree, merge and diff
// operations wpflow performs.
//
// Every call goes through a CommandExecutor so tests can substitute canned
// output without a real repository. Failures are returned as *errors.GitError
// carrying the repository path and captured git output.
package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Iron-Ham/wpflow/internal/errors"
)

// -----------------------------------------------------------------------------
// Command Executor
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{}
}

// Run executes a command and returns combined output. Git runs with a fixed
// locale and no terminal prompts so its output can be parsed.
func (e *CLICommandExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "LC_ALL=C", "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true")
	return cmd.CombinedOutput()
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Client runs git commands against one repository. Methods taking a dir run in
// that checkout (a WP worktree or a scratch worktree); the rest run in the
// repository root.
type Client struct {
	repoDir  string
	executor CommandExecutor
}

// NewClient creates a Client for the repository rooted at repoDir.
func NewClient(repoDir string) *Client {
	return &Client{repoDir: repoDir, executor: NewCLICommandExecutor()}
}

// NewClientWithExecutor creates a Client with a custom executor.
// This is primarily useful for testing.
func NewClientWithExecutor(repoDir string, executor CommandExecutor) *Client {
	return &Client{repoDir: repoDir, executor: executor}
}

// RepoDir returns the repository root the client operates on.
func (c *Client) RepoDir() string {
	return c.repoDir
}

func (c *Client) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	if dir == "" {
		dir = c.repoDir
	}
	return c.executor.Run(ctx, dir, "git", args...)
}

func (c *Client) gitErr(message string, err error, dir string, output []byte) *errors.GitError {
	if dir == "" {
		dir = c.repoDir
	}
	return errors.NewGitError(message, err).WithRepository(dir).WithGitOutput(string(output))
}

func splitLines(output []byte) []string {
	text := strings.TrimSpace(string(output))
	if text == "" {
		return []string{}
	}
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return lines
}

// -----------------------------------------------------------------------------
// Branches
// -----------------------------------------------------------------------------

// BranchExists reports whether refs/heads/<branch> exists.
func (c *Client) BranchExists(ctx context.Context, branch string) (bool, error) {
	output, err := c.git(ctx, "", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		// --quiet suppresses output for a missing ref; anything printed is a real failure.
		if len(strings.TrimSpace(string(output))) == 0 {
			return false, nil
		}
		return false, c.gitErr("failed to check branch", err, "", output).WithBranch(branch)
	}
	return true, nil
}

// CurrentBranch returns the branch checked out in dir.
func (c *Client) CurrentBranch(ctx context.Context, dir string) (string, error) {
	output, err := c.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", c.gitErr("failed to get current branch", err, dir, output)
	}
	return strings.TrimSpace(string(output)), nil
}

// FindMainBranch returns "main" if it exists, otherwise "master".
func (c *Client) FindMainBranch(ctx context.Context) string {
	if ok, _ := c.BranchExists(ctx, "main"); ok {
		return "main"
	}
	return "master"
}

// CreateBranchFrom creates branchName at baseBranch without checking it out.
func (c *Client) CreateBranchFrom(ctx context.Context, branchName, baseBranch string) error {
	output, err := c.git(ctx, "", "branch", branchName, baseBranch)
	if err != nil {
		cause := err
		if strings.Contains(string(output), "already exists") {
			cause = errors.ErrBranchExists
		}
		return c.gitErr("failed to create branch from "+baseBranch, cause, "", output).WithBranch(branchName)
	}
	return nil
}

// DeleteBranch deletes a branch. Without force git refuses to delete a branch
// that is not merged into HEAD.
func (c *Client) DeleteBranch(ctx context.Context, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	output, err := c.git(ctx, "", "branch", flag, branch)
	if err != nil {
		return c.gitErr("failed to delete branch", err, "", output).WithBranch(branch)
	}
	return nil
}

// Checkout switches the repository root to branch.
func (c *Client) Checkout(ctx context.Context, branch string) error {
	output, err := c.git(ctx, "", "checkout", branch)
	if err != nil {
		return c.gitErr("failed to checkout", err, "", output).WithBranch(branch)
	}
	return nil
}

// Upstream returns the upstream of branch (e.g. "origin/main"), or "" when
// none is configured.
func (c *Client) Upstream(ctx context.Context, branch string) string {
	output, err := c.git(ctx, "", "rev-parse", "--abbrev-ref", "--symbolic-full-name", branch+"@{upstream}")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// BehindCount returns how many commits branch's upstream has that branch lacks.
// A branch without an upstream is never behind.
func (c *Client) BehindCount(ctx context.Context, branch string) (int, error) {
	if c.Upstream(ctx, branch) == "" {
		return 0, nil
	}
	output, err := c.git(ctx, "", "rev-list", "--count", branch+".."+branch+"@{upstream}")
	if err != nil {
		return 0, c.gitErr("failed to count commits behind upstream", err, "", output).WithBranch(branch)
	}
	count, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0, c.gitErr("failed to parse commit count", err, "", output).WithBranch(branch)
	}
	return count, nil
}

// PullFastForward pulls the checked-out branch of the repository root, refusing
// anything but a fast-forward.
func (c *Client) PullFastForward(ctx context.Context) error {
	output, err := c.git(ctx, "", "pull", "--ff-only")
	if err != nil {
		return c.gitErr("failed to pull", err, "", output)
	}
	return nil
}

// Push pushes branch to remote.
func (c *Client) Push(ctx context.Context, remote, branch string) error {
	output, err := c.git(ctx, "", "push", remote, branch)
	if err != nil {
		return c.gitErr("failed to push", err, "", output).WithBranch(branch)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Status and diffs
// -----------------------------------------------------------------------------

// HasUncommittedChanges returns true if dir has staged, unstaged or untracked changes.
func (c *Client) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	output, err := c.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, c.gitErr("failed to check git status", err, dir, output)
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// ChangedFiles returns the paths branch changed since it diverged from base
// (three-dot diff).
func (c *Client) ChangedFiles(ctx context.Context, base, branch string) ([]string, error) {
	output, err := c.git(ctx, "", "diff", "--name-only", base+"..."+branch)
	if err != nil {
		return nil, c.gitErr("failed to get changed files", err, "", output).WithBranch(branch)
	}
	return splitLines(output), nil
}

// ConflictingFiles returns the unmerged paths in dir.
func (c *Client) ConflictingFiles(ctx context.Context, dir string) ([]string, error) {
	output, err := c.git(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, c.gitErr("failed to get conflicting files", err, dir, output)
	}
	return splitLines(output), nil
}

// -----------------------------------------------------------------------------
// Merges
// -----------------------------------------------------------------------------

// MergeNoFF merges branch into the branch checked out in dir with a merge
// commit. On content conflicts the merge is left in progress and the returned
// error wraps errors.ErrMergeConflict; conflicts lists the unmerged paths.
func (c *Client) MergeNoFF(ctx context.Context, dir, branch, message string) (conflicts []string, err error) {
	output, err := c.git(ctx, dir, "merge", "--no-ff", "-m", message, branch)
	if err != nil {
		return c.classifyMergeFailure(ctx, dir, branch, err, output)
	}
	return nil, nil
}

// MergeSquash squashes branch into dir's checked-out branch and commits it.
// A squash that produces no changes is not an error.
func (c *Client) MergeSquash(ctx context.Context, dir, branch, message string) (conflicts []string, err error) {
	output, err := c.git(ctx, dir, "merge", "--squash", branch)
	if err != nil {
		return c.classifyMergeFailure(ctx, dir, branch, err, output)
	}
	output, err = c.git(ctx, dir, "commit", "-m", message)
	if err != nil {
		if strings.Contains(string(output), "nothing to commit") {
			return nil, nil
		}
		return nil, c.gitErr("failed to commit squash merge", err, dir, output).WithBranch(branch)
	}
	return nil, nil
}

// MergeFastForward fast-forwards dir's checked-out branch to branch.
func (c *Client) MergeFastForward(ctx context.Context, dir, branch string) error {
	output, err := c.git(ctx, dir, "merge", "--ff-only", branch)
	if err != nil {
		return c.gitErr("failed to fast-forward", err, dir, output).WithBranch(branch)
	}
	return nil
}

// Rebase replays the branch checked out in dir onto onto. On conflicts the
// rebase is aborted so dir is left as it was.
func (c *Client) Rebase(ctx context.Context, dir, onto string) (conflicts []string, err error) {
	output, err := c.git(ctx, dir, "rebase", onto)
	if err == nil {
		return nil, nil
	}
	conflicts, _ = c.ConflictingFiles(ctx, dir)
	_, _ = c.git(ctx, dir, "rebase", "--abort")
	if len(conflicts) > 0 {
		return conflicts, c.gitErr("rebase conflict", errors.ErrMergeConflict, dir, output).WithBranch(onto)
	}
	return nil, c.gitErr("failed to rebase", err, dir, output).WithBranch(onto)
}

func (c *Client) classifyMergeFailure(ctx context.Context, dir, branch string, runErr error, output []byte) ([]string, error) {
	conflicts, cfErr := c.ConflictingFiles(ctx, dir)
	if cfErr == nil && len(conflicts) > 0 {
		return conflicts, c.gitErr("merge conflict", errors.ErrMergeConflict, dir, output).
			WithBranch(branch).
			WithKind(errors.KindIntegration)
	}
	return nil, c.gitErr("failed to merge", runErr, dir, output).WithBranch(branch)
}

// MergeAbort aborts the in-progress merge in dir.
func (c *Client) MergeAbort(ctx context.Context, dir string) error {
	output, err := c.git(ctx, dir, "merge", "--abort")
	if err != nil {
		return c.gitErr("failed to abort merge", err, dir, output)
	}
	return nil
}

// MergeInProgress reports whether dir has a MERGE_HEAD.
func (c *Client) MergeInProgress(ctx context.Context, dir string) bool {
	_, err := c.git(ctx, dir, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil
}

// Commit commits the staged changes in dir with message.
func (c *Client) Commit(ctx context.Context, dir, message string) error {
	output, err := c.git(ctx, dir, "commit", "-m", message)
	if err != nil {
		return c.gitErr("failed to commit", err, dir, output)
	}
	return nil
}

// ResolveRef returns the commit ref points to, evaluated in the repository
// root. A ref that does not exist returns errors.ErrBranchNotFound.
func (c *Client) ResolveRef(ctx context.Context, ref string) (string, error) {
	output, err := c.git(ctx, "", "rev-parse", "-q", "--verify", ref+"^{commit}")
	if err != nil {
		if len(strings.TrimSpace(string(output))) == 0 {
			return "", c.gitErr("failed to resolve "+ref, errors.ErrBranchNotFound, "", output)
		}
		return "", c.gitErr("failed to resolve "+ref, err, "", output)
	}
	return strings.TrimSpace(string(output)), nil
}

// CommitNoEdit concludes a merge in dir using the prepared message.
func (c *Client) CommitNoEdit(ctx context.Context, dir string) error {
	output, err := c.git(ctx, dir, "commit", "--no-edit")
	if err != nil {
		return c.gitErr("failed to commit", err, dir, output)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Repository layout
// -----------------------------------------------------------------------------

// CommonDir returns the absolute git directory shared by all worktrees.
func (c *Client) CommonDir(ctx context.Context) (string, error) {
	output, err := c.git(ctx, "", "rev-parse", "--git-common-dir")
	if err != nil {
		return "", c.gitErr("failed to locate git directory", errors.ErrNotGitRepository, "", output)
	}
	dir := strings.TrimSpace(string(output))
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.repoDir, dir)
	}
	return filepath.Clean(dir), nil
}

// MainRoot returns the working tree of the main checkout, even when called
// from inside a linked worktree.
func (c *Client) MainRoot(ctx context.Context) (string, error) {
	common, err := c.CommonDir(ctx)
	if err != nil {
		return "", err
	}
	if filepath.Base(common) == ".git" {
		return filepath.Dir(common), nil
	}
	// Bare repositories have no main working tree; fall back to where we are.
	return c.repoDir, nil
}

// HasSubmodules reports whether dir declares submodules.
func HasSubmodules(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".gitmodules"))
	return err == nil && info.Mode().IsRegular()
}

// InitSubmodules initializes and checks out submodules in a fresh worktree.
func (c *Client) InitSubmodules(ctx context.Context, dir string) error {
	output, err := c.git(ctx, dir, "submodule", "update", "--init", "--recursive")
	if err != nil {
		return c.gitErr("failed to initialize submodules", err, dir, output).WithWorktree(dir)
	}
	return nil
}

// EnsureExcluded appends patterns missing from the repository's local
// info/exclude file so wpflow's own directories never make a checkout dirty.
func (c *Client) EnsureExcluded(ctx context.Context, patterns ...string) error {
	common, err := c.CommonDir(ctx)
	if err != nil {
		return err
	}
	path := filepath.Join(common, "info", "exclude")

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to read exclude file")
	}
	have := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		have[strings.TrimSpace(line)] = true
	}

	var add []string
	for _, p := range patterns {
		if p != "" && !have[p] {
			add = append(add, p)
			have[p] = true
		}
	}
	if len(add) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create info directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to open exclude file")
	}
	defer f.Close()

	prefix := ""
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		prefix = "\n"
	}
	if _, err := f.WriteString(prefix + strings.Join(add, "\n") + "\n"); err != nil {
		return errors.Wrap(err, "failed to update exclude file")
	}
	return nil
}
