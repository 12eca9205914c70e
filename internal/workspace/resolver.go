// Package workspace creates the isolated worktree a work package is
// implemented in, starting it from the right base.
//
// The base depends on how far the package's dependencies have come:
//
//	no dependencies                  -> target branch
//	one dependency, done             -> target branch
//	one dependency, not done         -> that dependency's branch
//	several dependencies, all done   -> target branch
//	several, some or none done       -> ephemeral merge-base branch
//
// An ephemeral merge-base is built by branching from the first unmerged
// dependency and folding the other unmerged dependencies, then the target
// branch if any dependency is already done, into it one at a time in
// declaration order. A conflict at any step removes everything built so far.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/wpflow/internal/checkout"
	"github.com/Iron-Ham/wpflow/internal/depgraph"
	"github.com/Iron-Ham/wpflow/internal/errors"
	"github.com/Iron-Ham/wpflow/internal/logging"
	"github.com/Iron-Ham/wpflow/internal/worktree"
	"github.com/Iron-Ham/wpflow/internal/wp"
)

// Git is the subset of worktree.Client the resolver needs.
type Git interface {
	BranchExists(ctx context.Context, branch string) (bool, error)
	DeleteBranch(ctx context.Context, branch string, force bool) error
	AddWorktree(ctx context.Context, path, newBranch, base string) error
	RemoveWorktree(ctx context.Context, path string, force bool) error
	InitSubmodules(ctx context.Context, dir string) error
	MergeNoFF(ctx context.Context, dir, branch, message string) ([]string, error)
	MergeAbort(ctx context.Context, dir string) error
	CommonDir(ctx context.Context) (string, error)
}

var _ Git = (*worktree.Client)(nil)

// BaseResolution is where a work package's workspace starts.
type BaseResolution struct {
	BaseBranch       string
	CreatedEphemeral bool
	EphemeralBranch  string
}

// Decision is the outcome of the base decision table before any git work.
// When Fold is non-empty an ephemeral branch must be built from Fold[0] with
// Fold[1:] merged into it in order; Base is then empty.
type Decision struct {
	Base string
	Fold []string
}

// NeedsEphemeral reports whether the decision requires a merge-base branch.
func (d Decision) NeedsEphemeral() bool {
	return len(d.Fold) > 0
}

// Decide applies the decision table to deps, given in declaration order.
func Decide(feature, target string, deps []wp.WorkPackage) Decision {
	var pending []string
	anyDone := false
	for _, d := range deps {
		if d.Lane.IsDone() {
			anyDone = true
			continue
		}
		pending = append(pending, d.Branch(feature))
	}

	switch {
	case len(pending) == 0:
		return Decision{Base: target}
	case len(deps) == 1:
		return Decision{Base: pending[0]}
	}

	fold := pending
	if anyDone {
		fold = append(fold, target)
	}
	return Decision{Fold: fold}
}

// Workspace describes a created work package worktree.
type Workspace struct {
	WPID   string
	Branch string
	Path   string
	Base   BaseResolution
}

// Request asks for the workspace of one work package.
type Request struct {
	Feature string
	Target  string
	WPID    string
	// WorkPackages is every package of the feature; it supplies the
	// dependency graph and dependency lanes.
	WorkPackages []wp.WorkPackage
}

// Resolver resolves bases and creates workspaces.
type Resolver struct {
	git         Git
	worktreeDir string
	logger      *logging.Logger
}

// NewResolver creates a Resolver placing worktrees under worktreeDir.
func NewResolver(git Git, worktreeDir string, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Resolver{git: git, worktreeDir: worktreeDir, logger: logger}
}

// ResolveBase decides where w starts, building an ephemeral merge-base when
// several dependencies are still unmerged. all supplies dependency metadata.
func (r *Resolver) ResolveBase(ctx context.Context, feature, target string, w wp.WorkPackage, all []wp.WorkPackage) (BaseResolution, error) {
	byID := make(map[string]wp.WorkPackage, len(all))
	for _, p := range all {
		byID[p.ID] = p
	}
	deps := make([]wp.WorkPackage, 0, len(w.Dependencies))
	for _, id := range w.Dependencies {
		d, ok := byID[id]
		if !ok {
			return BaseResolution{}, errors.NewValidationError(fmt.Sprintf("%s depends on %s, which has no metadata", w.ID, id)).
				WithField("dependencies").
				WithValue(id).
				WithCause(errors.ErrMissingMetadata)
		}
		deps = append(deps, d)
	}

	decision := Decide(feature, target, deps)
	log := r.logger.WithFeature(feature).WithWP(w.ID)

	if !decision.NeedsEphemeral() {
		if decision.Base != target {
			if err := r.requireBranch(ctx, decision.Base); err != nil {
				return BaseResolution{}, err
			}
		}
		log.Debug("resolved base", "base", decision.Base)
		return BaseResolution{BaseBranch: decision.Base}, nil
	}

	ephemeral, err := r.BuildEphemeral(ctx, feature, w.ID, decision.Fold)
	if err != nil {
		return BaseResolution{}, err
	}
	return BaseResolution{BaseBranch: ephemeral, CreatedEphemeral: true, EphemeralBranch: ephemeral}, nil
}

func (r *Resolver) requireBranch(ctx context.Context, branch string) error {
	ok, err := r.git.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewNotFoundError("branch", branch).WithCause(errors.ErrBranchNotFound)
	}
	return nil
}

// BuildEphemeral creates {feature}-{id}-merge-base from branches[0] and merges
// each later branch into it with --no-ff. The merges run in a scratch worktree
// that is removed afterwards. On a conflict the merge is aborted, the scratch
// worktree and the partial branch are deleted, and an *errors.IntegrationError
// names the pair of branches (the last one folded and the one that
// conflicted) and the conflicting paths.
func (r *Resolver) BuildEphemeral(ctx context.Context, feature, id string, branches []string) (string, error) {
	if len(branches) == 0 {
		return "", errors.NewValidationError("no branches to fold").WithCause(errors.ErrInvalidInput)
	}
	for _, b := range branches {
		if err := r.requireBranch(ctx, b); err != nil {
			return "", err
		}
	}

	ephemeral := wp.EphemeralBranchName(feature, id)
	log := r.logger.WithFeature(feature).WithWP(id).With("ephemeral", ephemeral)

	if exists, err := r.git.BranchExists(ctx, ephemeral); err != nil {
		return "", err
	} else if exists {
		// Left over from a workspace that no longer exists; rebuild from scratch.
		log.Warn("deleting stale merge-base branch")
		if err := r.git.DeleteBranch(ctx, ephemeral, true); err != nil {
			return "", err
		}
	}

	scratch := filepath.Join(r.worktreeDir, ".tmp-"+ephemeral)
	if _, err := os.Stat(scratch); err == nil {
		_ = r.git.RemoveWorktree(ctx, scratch, true)
	}

	if err := r.git.AddWorktree(ctx, scratch, ephemeral, branches[0]); err != nil {
		return "", err
	}
	log.Info("building merge base", "from", branches[0], "fold", len(branches)-1)

	discard := func() {
		if err := r.git.RemoveWorktree(ctx, scratch, true); err != nil {
			log.Warn("failed to remove scratch worktree", "path", scratch, "error", err.Error())
		}
		if err := r.git.DeleteBranch(ctx, ephemeral, true); err != nil {
			log.Warn("failed to delete merge-base branch", "error", err.Error())
		}
	}

	for i, b := range branches[1:] {
		if err := ctx.Err(); err != nil {
			discard()
			return "", err
		}
		msg := fmt.Sprintf("Merge %s into %s", b, ephemeral)
		conflicts, err := r.git.MergeNoFF(ctx, scratch, b, msg)
		if err == nil {
			log.Debug("folded branch", "branch", b)
			continue
		}

		if errors.Is(err, errors.ErrMergeConflict) {
			if abortErr := r.git.MergeAbort(ctx, scratch); abortErr != nil {
				log.Warn("failed to abort merge", "error", abortErr.Error())
			}
			discard()
			// branches[i] is the branch folded just before b.
			log.Error("merge base conflict", "branch", b, "after", branches[i],
				"folded", branches[:i+1], "files", conflicts)
			return "", errors.NewIntegrationError(id, conflicts).WithBranches(branches[i], b)
		}
		discard()
		return "", err
	}

	if err := r.git.RemoveWorktree(ctx, scratch, false); err != nil {
		log.Warn("scratch worktree not removed cleanly, forcing", "error", err.Error())
		_ = r.git.RemoveWorktree(ctx, scratch, true)
	}
	return ephemeral, nil
}

// Create resolves the base for req.WPID and creates its worktree at
// {worktreeDir}/{feature}-{id} on branch {feature}-{id}. It requires the
// checkout lock in ctx. If the worktree cannot be created after an
// ephemeral base was built, the ephemeral branch is deleted.
func (r *Resolver) Create(ctx context.Context, req Request) (*Workspace, error) {
	common, err := r.git.CommonDir(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkout.Require(ctx, common); err != nil {
		return nil, err
	}

	var target *wp.WorkPackage
	for i := range req.WorkPackages {
		if req.WorkPackages[i].ID == req.WPID {
			target = &req.WorkPackages[i]
			break
		}
	}
	if target == nil {
		return nil, errors.NewNotFoundError("work package", req.WPID).WithCause(errors.ErrMissingMetadata)
	}
	if target.Lane.IsClosed() {
		return nil, errors.NewValidationError(fmt.Sprintf("%s is %s; nothing to implement", target.ID, target.Lane)).
			WithField("lane").
			WithValue(string(target.Lane)).
			WithCause(errors.ErrInvalidInput)
	}

	if err := depgraph.Check(depgraph.Build(req.WorkPackages)); err != nil {
		return nil, err
	}

	path := wp.WorktreePath(r.worktreeDir, req.Feature, target.ID)
	branch := target.Branch(req.Feature)
	if _, err := os.Stat(path); err == nil {
		return nil, errors.NewAlreadyExistsError("worktree", path).WithCause(errors.ErrWorktreeExists)
	}
	if exists, err := r.git.BranchExists(ctx, branch); err != nil {
		return nil, err
	} else if exists {
		return nil, errors.NewAlreadyExistsError("branch", branch).WithCause(errors.ErrBranchExists)
	}

	res, err := r.ResolveBase(ctx, req.Feature, req.Target, *target, req.WorkPackages)
	if err != nil {
		return nil, err
	}

	log := r.logger.WithFeature(req.Feature).WithWP(target.ID)
	if err := r.git.AddWorktree(ctx, path, branch, res.BaseBranch); err != nil {
		if res.CreatedEphemeral {
			if delErr := r.git.DeleteBranch(ctx, res.EphemeralBranch, true); delErr != nil {
				log.Warn("failed to delete merge-base branch", "error", delErr.Error())
			}
		}
		return nil, err
	}

	if worktree.HasSubmodules(path) {
		if err := r.git.InitSubmodules(ctx, path); err != nil {
			log.Warn("submodule initialization failed", "error", err.Error())
		}
	}

	log.Info("workspace created", "path", path, "base", res.BaseBranch, "ephemeral", res.CreatedEphemeral)
	return &Workspace{WPID: target.ID, Branch: branch, Path: path, Base: res}, nil
}
