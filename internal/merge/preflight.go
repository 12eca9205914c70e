package merge

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/iter"

	"github.com/Iron-Ham/wpflow/internal/errors"
	"github.com/Iron-Ham/wpflow/internal/worktree"
	"github.com/Iron-Ham/wpflow/internal/wp"
)

// PreflightGit is the read-only git surface preflight needs.
type PreflightGit interface {
	BranchExists(ctx context.Context, branch string) (bool, error)
	HasUncommittedChanges(ctx context.Context, dir string) (bool, error)
	Upstream(ctx context.Context, branch string) string
	BehindCount(ctx context.Context, branch string) (int, error)
}

// Problem classifies why a work package failed preflight.
type Problem string

const (
	ProblemNone            Problem = ""
	ProblemMissingBranch   Problem = "missing branch"
	ProblemMissingWorktree Problem = "missing worktree"
	ProblemDirtyWorktree   Problem = "dirty worktree"
	ProblemStatusFailed    Problem = "status check failed"
)

// BranchStatus is the preflight outcome for one work package.
type BranchStatus struct {
	WPID     string  `json:"wp_id"`
	Branch   string  `json:"branch"`
	Worktree string  `json:"worktree"`
	IsClean  bool    `json:"is_clean"`
	Problem  Problem `json:"problem,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// OK reports whether the work package passed every check.
func (s BranchStatus) OK() bool {
	return s.Problem == ProblemNone
}

// PreflightResult is computed fresh before each merge and never persisted.
type PreflightResult struct {
	Passed                  bool           `json:"passed"`
	Branches                []BranchStatus `json:"branches"`
	TargetBranch            string         `json:"target_branch"`
	TargetDiverged          bool           `json:"target_diverged"`
	TargetDivergenceMessage string         `json:"target_divergence_message,omitempty"`
	// TargetClean covers the repository checkout the merges run in.
	TargetClean   bool   `json:"target_clean"`
	TargetMessage string `json:"target_message,omitempty"`
}

// PreflightRequest describes the batch to check.
type PreflightRequest struct {
	Feature       string
	Target        string
	WPIDs         []string
	WorktreeDir   string
	AllowDiverged bool
	MaxParallel   int
}

// Preflight checks, without mutating anything, that every work package's
// branch exists and its worktree is present and clean, that the checkout the
// merges run in is clean, and that the target is not behind its upstream.
// Per-package checks run concurrently; Branches keeps the order of WPIDs.
func Preflight(ctx context.Context, git PreflightGit, req PreflightRequest) *PreflightResult {
	mapper := iter.Mapper[string, BranchStatus]{MaxGoroutines: parallelism(req.MaxParallel, len(req.WPIDs))}
	statuses := mapper.Map(req.WPIDs, func(id *string) BranchStatus {
		return checkBranch(ctx, git, req, *id)
	})

	res := &PreflightResult{
		Branches:     statuses,
		TargetBranch: req.Target,
		TargetClean:  true,
	}

	dirty, err := git.HasUncommittedChanges(ctx, "")
	switch {
	case err != nil:
		res.TargetClean = false
		res.TargetMessage = "cannot read repository status: " + err.Error()
	case dirty:
		res.TargetClean = false
		res.TargetMessage = "repository checkout has uncommitted changes; commit or stash them first"
	}

	behind, err := git.BehindCount(ctx, req.Target)
	switch {
	case err != nil:
		res.TargetDiverged = true
		res.TargetDivergenceMessage = "cannot compare with upstream: " + err.Error()
	case behind > 0:
		res.TargetDiverged = true
		res.TargetDivergenceMessage = fmt.Sprintf("%s is %d commit(s) behind %s; pull first or pass --allow-diverged",
			req.Target, behind, git.Upstream(ctx, req.Target))
	}

	res.Passed = res.TargetClean && (!res.TargetDiverged || req.AllowDiverged)
	for _, s := range res.Branches {
		if !s.OK() {
			res.Passed = false
		}
	}
	return res
}

func checkBranch(ctx context.Context, git PreflightGit, req PreflightRequest, id string) BranchStatus {
	s := BranchStatus{
		WPID:     id,
		Branch:   wp.BranchName(req.Feature, id),
		Worktree: wp.WorktreePath(req.WorktreeDir, req.Feature, id),
	}

	exists, err := git.BranchExists(ctx, s.Branch)
	if err != nil {
		s.Problem, s.Error = ProblemStatusFailed, err.Error()
		return s
	}
	if !exists {
		s.Problem, s.Error = ProblemMissingBranch, "branch "+s.Branch+" does not exist"
		return s
	}

	if !worktree.IsCheckout(s.Worktree) {
		s.Problem, s.Error = ProblemMissingWorktree, "no worktree at "+s.Worktree
		return s
	}

	dirty, err := git.HasUncommittedChanges(ctx, s.Worktree)
	if err != nil {
		s.Problem, s.Error = ProblemStatusFailed, err.Error()
		return s
	}
	if dirty {
		s.Problem, s.Error = ProblemDirtyWorktree, "uncommitted changes in "+s.Worktree
		return s
	}
	s.IsClean = true
	return s
}

// Problems lists every failed check as a human-readable line.
func (r *PreflightResult) Problems() []string {
	var out []string
	for _, s := range r.Branches {
		if !s.OK() {
			out = append(out, fmt.Sprintf("%s: %s (%s)", s.WPID, s.Problem, s.Error))
		}
	}
	if !r.TargetClean {
		out = append(out, r.TargetMessage)
	}
	if r.TargetDiverged {
		out = append(out, r.TargetDivergenceMessage)
	}
	return out
}

// Err returns nil when preflight passed, otherwise a *errors.PreflightError
// whose cause identifies the first failing check.
func (r *PreflightResult) Err() error {
	if r.Passed {
		return nil
	}
	return errors.NewPreflightError(r.Problems()).WithCause(r.cause())
}

func (r *PreflightResult) cause() error {
	for _, s := range r.Branches {
		switch s.Problem {
		case ProblemMissingBranch:
			return errors.ErrBranchNotFound
		case ProblemMissingWorktree:
			return errors.ErrWorktreeNotFound
		case ProblemDirtyWorktree:
			return errors.ErrDirtyWorktree
		case ProblemStatusFailed:
			return errors.ErrPreflightFailed
		}
	}
	if !r.TargetClean {
		return errors.ErrDirtyWorktree
	}
	if r.TargetDiverged {
		return errors.ErrTargetDiverged
	}
	return errors.ErrPreflightFailed
}

func parallelism(configured, n int) int {
	if configured <= 0 {
		configured = 4
	}
	if n > 0 && configured > n {
		return n
	}
	return configured
}
