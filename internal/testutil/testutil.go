// Package testutil provides git fixture repositories for wpflow tests.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

const (
	testName  = "Wpflow Test"
	testEmail = "test@wpflow.dev"
)

// SetupTestRepo creates a temporary git repository on branch main with one
// commit. The repository is removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	// Resolve symlinks (macOS /var -> /private/var) so paths match git's output.
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}

	mustGit(t, dir, "init")
	mustGit(t, dir, "config", "user.email", testEmail)
	mustGit(t, dir, "config", "user.name", testName)
	mustGit(t, dir, "config", "commit.gpgsign", "false")

	// Keep worktrees and run state out of `git status`, as wpflow does.
	exclude := filepath.Join(dir, ".git", "info", "exclude")
	if err := os.MkdirAll(filepath.Dir(exclude), 0755); err != nil {
		t.Fatalf("failed to create info dir: %v", err)
	}
	if err := os.WriteFile(exclude, []byte(".worktrees/\n.wpflow/\n"), 0644); err != nil {
		t.Fatalf("failed to write exclude file: %v", err)
	}

	// git worktree requires at least one commit
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test Repository\n"), 0644); err != nil {
		t.Fatalf("failed to create README: %v", err)
	}
	mustGit(t, dir, "add", ".")
	mustGit(t, dir, "commit", "-m", "Initial commit")
	mustGit(t, dir, "branch", "-M", "main")

	return dir
}

// SetupTestRepoWithContent creates a test repository with the given files
// committed on main. The files map contains relative paths to file contents.
func SetupTestRepoWithContent(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := SetupTestRepo(t)
	for path, content := range files {
		WriteFile(t, dir, path, content)
	}
	mustGit(t, dir, "add", ".")
	mustGit(t, dir, "commit", "-m", "Add test files")
	return dir
}

// SetupTestRepoWithRemote creates a test repository whose main tracks a bare
// origin.
func SetupTestRepoWithRemote(t *testing.T) (repoDir, remoteDir string) {
	t.Helper()

	remoteDir = t.TempDir()
	mustGit(t, remoteDir, "init", "--bare")

	repoDir = SetupTestRepo(t)
	mustGit(t, repoDir, "remote", "add", "origin", remoteDir)
	mustGit(t, repoDir, "push", "-u", "origin", "main")
	return repoDir, remoteDir
}

// AdvanceRemote pushes a new commit to remoteDir's main from a throwaway clone,
// leaving the local repository behind its upstream once fetched.
func AdvanceRemote(t *testing.T, remoteDir, path, content string) {
	t.Helper()

	clone := t.TempDir()
	mustGit(t, clone, "clone", "-b", "main", remoteDir, ".")
	mustGit(t, clone, "config", "user.email", testEmail)
	mustGit(t, clone, "config", "user.name", testName)
	mustGit(t, clone, "config", "commit.gpgsign", "false")
	CommitFile(t, clone, path, content, "Remote change to "+path)
	mustGit(t, clone, "push", "origin", "HEAD:main")
}

// WriteFile writes a file under dir without staging it.
func WriteFile(t *testing.T, dir, path, content string) {
	t.Helper()

	fullPath := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

// CommitFile creates or updates a file and commits it.
func CommitFile(t *testing.T, repoDir, path, content, message string) {
	t.Helper()

	WriteFile(t, repoDir, path, content)
	mustGit(t, repoDir, "add", path)
	mustGit(t, repoDir, "commit", "-m", message)
}

// CreateBranch creates a new branch in the repository.
func CreateBranch(t *testing.T, repoDir, branch string) {
	t.Helper()
	mustGit(t, repoDir, "branch", branch)
}

// CheckoutBranch switches to a branch.
func CheckoutBranch(t *testing.T, repoDir, branch string) {
	t.Helper()
	mustGit(t, repoDir, "checkout", branch)
}

// AddWorktree creates branch from base and checks it out at
// {repoDir}/.worktrees/{branch}. It returns the worktree path.
func AddWorktree(t *testing.T, repoDir, branch, base string) string {
	t.Helper()

	path := filepath.Join(repoDir, ".worktrees", branch)
	mustGit(t, repoDir, "worktree", "add", "-b", branch, path, base)
	return path
}

// BranchExists reports whether refs/heads/branch exists.
func BranchExists(t *testing.T, repoDir, branch string) bool {
	t.Helper()

	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = repoDir
	return cmd.Run() == nil
}

// GetCurrentBranch returns the current branch name.
func GetCurrentBranch(t *testing.T, repoDir string) string {
	t.Helper()
	return Git(t, repoDir, "rev-parse", "--abbrev-ref", "HEAD")
}

// HasUncommittedChanges returns true if the checkout has uncommitted changes.
func HasUncommittedChanges(t *testing.T, repoDir string) bool {
	t.Helper()
	return Git(t, repoDir, "status", "--porcelain") != ""
}

// ListWorktrees returns the paths of all worktrees in the repository.
func ListWorktrees(t *testing.T, repoDir string) []string {
	t.Helper()

	var worktrees []string
	for _, line := range strings.Split(Git(t, repoDir, "worktree", "list", "--porcelain"), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			worktrees = append(worktrees, strings.TrimPrefix(line, "worktree "))
		}
	}
	return worktrees
}

// WriteWorkPackage writes features/{feature}/tasks/{id}.md with YAML
// frontmatter and commits it on the current branch.
func WriteWorkPackage(t *testing.T, repoDir, feature, id, lane string, deps ...string) {
	t.Helper()

	var sb strings.Builder
	sb.WriteString("---\n")
	fmt.Fprintf(&sb, "work_package_id: %s\n", id)
	fmt.Fprintf(&sb, "title: Work package %s\n", id)
	fmt.Fprintf(&sb, "lane: %s\n", lane)
	if len(deps) == 0 {
		sb.WriteString("dependencies: []\n")
	} else {
		sb.WriteString("dependencies:\n")
		for _, d := range deps {
			fmt.Fprintf(&sb, "  - %s\n", d)
		}
	}
	sb.WriteString("---\n\n")
	fmt.Fprintf(&sb, "# %s\n", id)

	path := filepath.Join("features", feature, "tasks", id+".md")
	CommitFile(t, repoDir, path, sb.String(), "Add "+id+" metadata")
}

// Git runs git in dir and returns trimmed output, failing the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()

	out, err := runGit(dir, args...)
	if err != nil {
		t.Fatalf("%v", err)
	}
	return strings.TrimSpace(out)
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}

func mustGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	if _, err := runGit(dir, args...); err != nil {
		t.Fatalf("%v", err)
	}
}

// runGit runs a git command in the specified directory with a fixed identity.
func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+testName,
		"GIT_AUTHOR_EMAIL="+testEmail,
		"GIT_COMMITTER_NAME="+testName,
		"GIT_COMMITTER_EMAIL="+testEmail,
		"LC_ALL=C",
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, output)
	}
	return string(output), nil
}
