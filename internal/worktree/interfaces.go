package worktree

import "context"

// BranchManager defines operations for managing git branches.
type BranchManager interface {
	BranchExists(ctx context.Context, branch string) (bool, error)
	CreateBranchFrom(ctx context.Context, branchName, baseBranch string) error
	DeleteBranch(ctx context.Context, branch string, force bool) error
	CurrentBranch(ctx context.Context, dir string) (string, error)
	FindMainBranch(ctx context.Context) string
}

// WorktreeManager defines operations for managing git worktrees.
type WorktreeManager interface {
	// AddWorktree creates newBranch from base and checks it out at path.
	AddWorktree(ctx context.Context, path, newBranch, base string) error
	RemoveWorktree(ctx context.Context, path string, force bool) error
	ListWorktrees(ctx context.Context) ([]Info, error)
	Prune(ctx context.Context) error
	InitSubmodules(ctx context.Context, dir string) error
}

// Merger defines the operations that fold one branch into another.
type Merger interface {
	MergeNoFF(ctx context.Context, dir, branch, message string) ([]string, error)
	MergeSquash(ctx context.Context, dir, branch, message string) ([]string, error)
	MergeFastForward(ctx context.Context, dir, branch string) error
	Rebase(ctx context.Context, dir, onto string) ([]string, error)
	MergeAbort(ctx context.Context, dir string) error
	MergeInProgress(ctx context.Context, dir string) bool
	CommitNoEdit(ctx context.Context, dir string) error
	Commit(ctx context.Context, dir, message string) error
	ConflictingFiles(ctx context.Context, dir string) ([]string, error)
}

// Inspector defines read-only queries used by preflight and forecasting.
type Inspector interface {
	HasUncommittedChanges(ctx context.Context, dir string) (bool, error)
	ChangedFiles(ctx context.Context, base, branch string) ([]string, error)
	Upstream(ctx context.Context, branch string) string
	BehindCount(ctx context.Context, branch string) (int, error)
	ResolveRef(ctx context.Context, ref string) (string, error)
}

// Remote defines operations that talk to the configured remote.
type Remote interface {
	Checkout(ctx context.Context, branch string) error
	PullFastForward(ctx context.Context) error
	Push(ctx context.Context, remote, branch string) error
}

// Repository combines all git operation interfaces into a single type.
type Repository interface {
	BranchManager
	WorktreeManager
	Merger
	Inspector
	Remote
	RepoDir() string
}

// Ensure Client implements all interfaces at compile time.
var (
	_ BranchManager   = (*Client)(nil)
	_ WorktreeManager = (*Client)(nil)
	_ Merger          = (*Client)(nil)
	_ Inspector       = (*Client)(nil)
	_ Remote          = (*Client)(nil)
	_ Repository      = (*Client)(nil)
)
