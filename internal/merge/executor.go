package merge

import (
	"context"
	"fmt"
	"slices"

	"github.com/Iron-Ham/wpflow/internal/checkout"
	"github.com/Iron-Ham/wpflow/internal/depgraph"
	"github.com/Iron-Ham/wpflow/internal/errors"
	"github.com/Iron-Ham/wpflow/internal/logging"
	"github.com/Iron-Ham/wpflow/internal/worktree"
	"github.com/Iron-Ham/wpflow/internal/wp"
)

// Git is everything the executor asks of the repository.
type Git interface {
	PreflightGit
	ForecastGit
	RepoDir() string
	CommonDir(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context, dir string) (string, error)
	Checkout(ctx context.Context, branch string) error
	PullFastForward(ctx context.Context) error
	Push(ctx context.Context, remote, branch string) error
	MergeNoFF(ctx context.Context, dir, branch, message string) ([]string, error)
	MergeSquash(ctx context.Context, dir, branch, message string) ([]string, error)
	MergeFastForward(ctx context.Context, dir, branch string) error
	Rebase(ctx context.Context, dir, onto string) ([]string, error)
	MergeInProgress(ctx context.Context, dir string) bool
	CommitNoEdit(ctx context.Context, dir string) error
	Commit(ctx context.Context, dir, message string) error
	ResolveRef(ctx context.Context, ref string) (string, error)
	ConflictingFiles(ctx context.Context, dir string) ([]string, error)
	RemoveWorktree(ctx context.Context, path string, force bool) error
	DeleteBranch(ctx context.Context, branch string, force bool) error
}

var _ Git = (*worktree.Client)(nil)

// Stage is a state of the merge state machine.
type Stage string

const (
	StageInit            Stage = "init"
	StagePreflight       Stage = "preflight"
	StageOrdering        Stage = "ordering"
	StageValidate        Stage = "validate"
	StageDryRunReport    Stage = "dry_run_report"
	StageCheckout        Stage = "checkout"
	StagePull            Stage = "pull"
	StageMergeLoop       Stage = "merge_loop"
	StagePush            Stage = "push"
	StageWorktreeCleanup Stage = "worktree_cleanup"
	StageBranchCleanup   Stage = "branch_cleanup"
	StageDone            Stage = "done"
	StageFailed          Stage = "failed"
)

// CleanupOptions selects the best-effort steps run after all merges succeed.
type CleanupOptions struct {
	Push      bool
	Remote    string
	Worktrees bool
	Branches  bool
}

// RunOptions describes one integration run.
type RunOptions struct {
	Feature string
	Target  string
	// Batch is the set of work package ids to integrate.
	Batch []string
	// Graph holds the feature's dependencies; nil falls back to numeric order.
	Graph         depgraph.Graph
	Strategy      Strategy
	DryRun        bool
	AllowDiverged bool
	Cleanup       CleanupOptions
}

// ResumeOptions describes how to finish a run restored from saved state.
type ResumeOptions struct {
	Cleanup CleanupOptions
}

// Result reports how far a run got. Expected failures (preflight, ordering,
// validation, conflicts) land in Err with Stage == StageFailed; the error
// returned alongside a Result is reserved for failures the caller cannot
// act on, such as an unwritable state file.
type Result struct {
	RunID         string
	Feature       string
	Target        string
	Strategy      Strategy
	DryRun        bool
	Stage         Stage
	FailedAt      Stage
	Success       bool
	Order         []string
	Merged        []string
	Preflight     *PreflightResult
	Forecast      []ConflictPrediction
	Commands      []string
	Warnings      []string
	FailedWP      string
	ConflictFiles []string
	Err           error
}

func (r *Result) fail(stage Stage, err error) *Result {
	r.FailedAt = stage
	r.Stage = StageFailed
	r.Success = false
	r.Err = err
	return r
}

// Options configures an Executor.
type Options struct {
	WorktreeDir      string
	StateDir         string
	MetadataPatterns []string
	MaxParallel      int
	Logger           *logging.Logger
}

// Executor integrates work package branches into a target branch one at a
// time, persisting progress so an interrupted run can be resumed.
type Executor struct {
	git    Git
	store  *StateStore
	opts   Options
	logger *logging.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(git Git, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Executor{
		git:    git,
		store:  NewStateStore(opts.StateDir),
		opts:   opts,
		logger: logger,
	}
}

// Store returns the executor's state store.
func (e *Executor) Store() *StateStore {
	return e.store
}

func (e *Executor) enter(res *Result, stage Stage) {
	res.Stage = stage
	e.logger.WithFeature(res.Feature).WithRun(res.RunID).WithPhase(string(stage)).Debug("entering stage")
}

// Run integrates opts.Batch into opts.Target. See Result for how failures
// are reported.
func (e *Executor) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	res := &Result{
		Feature:  opts.Feature,
		Target:   opts.Target,
		Strategy: opts.Strategy,
		DryRun:   opts.DryRun,
		Stage:    StageInit,
	}
	log := e.logger.WithFeature(opts.Feature)

	existing, err := e.store.Load()
	switch {
	case err == nil && opts.DryRun:
		res.Warnings = append(res.Warnings, fmt.Sprintf("merge run %s is in progress; this dry run ignores it", existing.RunID))
	case err == nil:
		res.RunID = existing.RunID
		res.Order = existing.WPOrder
		res.Merged = slices.Clone(existing.CompletedWPs)
		return res.fail(StageInit, fmt.Errorf("%w: %s into %s (%d of %d merged); run `wpflow merge --resume` or `wpflow merge --abort`",
			errors.ErrMergeInProgress, existing.FeatureSlug, existing.TargetBranch,
			len(existing.CompletedWPs), len(existing.WPOrder))), nil
	case !errors.Is(err, errors.ErrNoMergeState):
		return res.fail(StageInit, err), err
	}

	batch := wp.SortIDs(slices.Compact(wp.SortIDs(slices.Clone(opts.Batch))))
	if len(batch) == 0 {
		return res.fail(StageInit, errors.ErrNothingToMerge), nil
	}

	e.enter(res, StagePreflight)
	res.Preflight = Preflight(ctx, e.git, PreflightRequest{
		Feature:       opts.Feature,
		Target:        opts.Target,
		WPIDs:         batch,
		WorktreeDir:   e.opts.WorktreeDir,
		AllowDiverged: opts.AllowDiverged,
		MaxParallel:   e.opts.MaxParallel,
	})
	if !res.Preflight.Passed {
		log.Warn("preflight failed", "problems", res.Preflight.Problems())
		return res.fail(StagePreflight, res.Preflight.Err()), nil
	}
	if res.Preflight.TargetDiverged {
		res.Warnings = append(res.Warnings, res.Preflight.TargetDivergenceMessage)
	}

	e.enter(res, StageOrdering)
	order, err := Order(batch, opts.Graph)
	if err != nil {
		return res.fail(StageOrdering, err), nil
	}
	res.Order = order

	e.enter(res, StageValidate)
	strategy, err := e.validate(ctx, opts, order)
	if err != nil {
		return res.fail(StageValidate, err), nil
	}
	res.Strategy = strategy

	if opts.DryRun {
		e.enter(res, StageDryRunReport)
		forecast, err := Forecast(ctx, e.git, ForecastRequest{
			Feature:          opts.Feature,
			Target:           opts.Target,
			Order:            order,
			MetadataPatterns: e.opts.MetadataPatterns,
			MaxParallel:      e.opts.MaxParallel,
		})
		if err != nil {
			return res.fail(StageDryRunReport, err), nil
		}
		res.Forecast = forecast
		res.Commands = PlanCommands(opts.Feature, opts.Target, order, strategy, e.opts.WorktreeDir, opts.Cleanup)
		res.Success = true
		return res, nil
	}

	e.enter(res, StageCheckout)
	if err := e.requireLock(ctx); err != nil {
		return res.fail(StageCheckout, err), nil
	}
	if err := e.git.Checkout(ctx, opts.Target); err != nil {
		return res.fail(StageCheckout, err), nil
	}

	e.enter(res, StagePull)
	if upstream := e.git.Upstream(ctx, opts.Target); upstream != "" {
		if err := e.git.PullFastForward(ctx); err != nil {
			return res.fail(StagePull, err), nil
		}
	} else {
		log.Debug("no upstream configured, skipping pull", "target", opts.Target)
	}

	st := NewMergeState(opts.Feature, opts.Target, order, strategy)
	res.RunID = st.RunID
	if err := e.store.Save(st); err != nil {
		return res.fail(StageMergeLoop, err), err
	}
	log.WithRun(st.RunID).Info("merge started", "target", opts.Target, "order", order, "strategy", string(strategy))

	return e.continueRun(ctx, res, st, opts.Cleanup)
}

func (e *Executor) validate(ctx context.Context, opts RunOptions, order []string) (Strategy, error) {
	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return "", err
	}
	if strategy == StrategyRebase && len(order) > 1 {
		return "", errors.NewValidationError(fmt.Sprintf("rebase cannot integrate %d work packages at once; use merge or squash", len(order))).
			WithField("strategy").
			WithValue(string(strategy)).
			WithCause(errors.ErrUnsupportedStrategy)
	}
	exists, err := e.git.BranchExists(ctx, opts.Target)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errors.NewNotFoundError("branch", opts.Target).WithCause(errors.ErrBranchNotFound)
	}
	if opts.Cleanup.Push && opts.Cleanup.Remote == "" {
		return "", errors.NewValidationError("push requested without a remote").
			WithField("remote").
			WithCause(errors.ErrInvalidInput)
	}
	return strategy, nil
}

func (e *Executor) requireLock(ctx context.Context) error {
	common, err := e.git.CommonDir(ctx)
	if err != nil {
		return err
	}
	return checkout.Require(ctx, common)
}

// continueRun runs the merge loop from the first package not yet completed,
// then cleanup, then removes the state file.
func (e *Executor) continueRun(ctx context.Context, res *Result, st *MergeState, cleanup CleanupOptions) (*Result, error) {
	log := e.logger.WithFeature(st.FeatureSlug).WithRun(st.RunID)
	e.enter(res, StageMergeLoop)

	for _, id := range st.Remaining() {
		if err := ctx.Err(); err != nil {
			res.Merged = slices.Clone(st.CompletedWPs)
			return res.fail(StageMergeLoop, fmt.Errorf("%w: %w", errors.ErrCanceled, err)), nil
		}

		st.CurrentWP = id
		if err := e.store.Save(st); err != nil {
			return res.fail(StageMergeLoop, err), err
		}

		branch := wp.BranchName(st.FeatureSlug, id)
		conflicts, err := e.mergeOne(ctx, st, id)
		if err != nil {
			res.FailedWP = id
			res.Merged = slices.Clone(st.CompletedWPs)
			if errors.Is(err, errors.ErrMergeConflict) {
				st.HasPendingConflicts = true
				if saveErr := e.store.Save(st); saveErr != nil {
					return res.fail(StageMergeLoop, saveErr), saveErr
				}
				res.ConflictFiles = conflicts
				log.WithWP(id).Error("merge conflict", "branch", branch, "files", conflicts)
				err = errors.NewIntegrationError(id, conflicts).
					WithBranches(branch, st.TargetBranch).
					WithResumeHint(resumeHint(st.Strategy, e.git.RepoDir()))
			} else {
				log.WithWP(id).Error("merge failed", "branch", branch, "error", err.Error())
				if e.git.MergeInProgress(ctx, "") {
					// A hook rejected the merge commit; git keeps the merge open.
					err = fmt.Errorf("%w\nthe merge of %s is still open; fix the cause, then run: wpflow merge --resume (or wpflow merge --abort)", err, branch)
				}
			}
			return res.fail(StageMergeLoop, err), nil
		}

		st.MarkCompleted(id)
		if err := e.store.Save(st); err != nil {
			return res.fail(StageMergeLoop, err), err
		}
		log.WithWP(id).Info("merged", "branch", branch, "target", st.TargetBranch)
	}
	res.Merged = slices.Clone(st.CompletedWPs)

	e.cleanup(ctx, res, st, cleanup)

	if err := e.store.Delete(); err != nil && !errors.Is(err, errors.ErrNoMergeState) {
		res.Warnings = append(res.Warnings, "failed to remove merge state: "+err.Error())
	}
	e.enter(res, StageDone)
	res.Success = true
	log.Info("merge finished", "merged", res.Merged, "warnings", len(res.Warnings))
	return res, nil
}

func (e *Executor) mergeOne(ctx context.Context, st *MergeState, id string) ([]string, error) {
	branch := wp.BranchName(st.FeatureSlug, id)
	switch st.Strategy {
	case StrategySquash:
		return e.git.MergeSquash(ctx, "", branch, squashMessage(branch, st.TargetBranch))
	case StrategyRebase:
		dir := wp.WorktreePath(e.opts.WorktreeDir, st.FeatureSlug, id)
		if conflicts, err := e.git.Rebase(ctx, dir, st.TargetBranch); err != nil {
			return conflicts, err
		}
		return nil, e.git.MergeFastForward(ctx, "", branch)
	default:
		return e.git.MergeNoFF(ctx, "", branch, mergeMessage(branch, st.TargetBranch))
	}
}

// cleanup runs the optional post-merge steps. Failures become warnings.
func (e *Executor) cleanup(ctx context.Context, res *Result, st *MergeState, c CleanupOptions) {
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		res.Warnings = append(res.Warnings, msg)
		e.logger.WithFeature(st.FeatureSlug).WithRun(st.RunID).WithPhase(string(res.Stage)).Warn(msg)
	}

	if c.Push {
		e.enter(res, StagePush)
		if err := e.git.Push(ctx, c.Remote, st.TargetBranch); err != nil {
			warn("push %s to %s failed: %v", st.TargetBranch, c.Remote, err)
		}
	}

	if c.Worktrees {
		e.enter(res, StageWorktreeCleanup)
		for _, id := range st.CompletedWPs {
			path := wp.WorktreePath(e.opts.WorktreeDir, st.FeatureSlug, id)
			if !worktree.IsCheckout(path) {
				continue
			}
			if err := e.git.RemoveWorktree(ctx, path, false); err != nil {
				warn("remove worktree %s: %v", path, err)
			}
		}
	}

	if c.Branches {
		e.enter(res, StageBranchCleanup)
		// Squash and rebase leave branches git does not consider merged.
		force := st.Strategy != StrategyMerge
		for _, id := range st.CompletedWPs {
			branch := wp.BranchName(st.FeatureSlug, id)
			if err := e.git.DeleteBranch(ctx, branch, force); err != nil {
				warn("delete branch %s: %v", branch, err)
			}
			base := wp.EphemeralBranchName(st.FeatureSlug, id)
			if ok, _ := e.git.BranchExists(ctx, base); ok {
				if err := e.git.DeleteBranch(ctx, base, true); err != nil {
					warn("delete branch %s: %v", base, err)
				}
			}
		}
	}
}

// Resume continues the run recorded in the state file. A merge left
// conflicted is concluded once its conflicts are resolved; packages already
// completed are never merged again.
func (e *Executor) Resume(ctx context.Context, opts ResumeOptions) (*Result, error) {
	res := &Result{Stage: StageInit}

	st, err := e.store.Load()
	if err != nil {
		if errors.Is(err, errors.ErrNoMergeState) {
			return res.fail(StageInit, err), nil
		}
		return res.fail(StageInit, err), err
	}
	res.RunID = st.RunID
	res.Feature = st.FeatureSlug
	res.Target = st.TargetBranch
	res.Strategy = st.Strategy
	res.Order = slices.Clone(st.WPOrder)
	res.Merged = slices.Clone(st.CompletedWPs)
	log := e.logger.WithFeature(st.FeatureSlug).WithRun(st.RunID)

	e.enter(res, StageCheckout)
	if err := e.requireLock(ctx); err != nil {
		return res.fail(StageCheckout, err), nil
	}

	inProgress := e.git.MergeInProgress(ctx, "")
	switch {
	case st.CurrentWP != "" && (st.HasPendingConflicts || (inProgress && e.mergeHeadIsCurrent(ctx, st))):
		done, err := e.concludePending(ctx, res, st)
		if err != nil {
			return res.fail(StageMergeLoop, err), nil
		}
		if done {
			st.MarkCompleted(st.CurrentWP)
			if err := e.store.Save(st); err != nil {
				return res.fail(StageMergeLoop, err), err
			}
			res.Merged = slices.Clone(st.CompletedWPs)
		}
	case inProgress:
		return res.fail(StageCheckout, fmt.Errorf("%w: a git merge not started by wpflow is in progress; finish or abort it first",
			errors.ErrMergeInProgress)), nil
	}

	current, err := e.git.CurrentBranch(ctx, "")
	if err != nil {
		return res.fail(StageCheckout, err), nil
	}
	if current != st.TargetBranch {
		if err := e.git.Checkout(ctx, st.TargetBranch); err != nil {
			return res.fail(StageCheckout, err), nil
		}
	}

	log.Info("resuming merge", "completed", st.CompletedWPs, "remaining", st.Remaining())
	return e.continueRun(ctx, res, st, opts.Cleanup)
}

// mergeHeadIsCurrent reports whether the open git merge is the one this run
// started for st.CurrentWP, e.g. one a commit hook rejected or a killed
// process left behind.
func (e *Executor) mergeHeadIsCurrent(ctx context.Context, st *MergeState) bool {
	head, err := e.git.ResolveRef(ctx, "MERGE_HEAD")
	if err != nil {
		return false
	}
	tip, err := e.git.ResolveRef(ctx, "refs/heads/"+wp.BranchName(st.FeatureSlug, st.CurrentWP))
	return err == nil && head == tip
}

// concludePending finishes the interrupted merge of st.CurrentWP. It reports
// done=false when there is nothing staged to commit, in which case the
// package is merged again by the loop.
func (e *Executor) concludePending(ctx context.Context, res *Result, st *MergeState) (bool, error) {
	id := st.CurrentWP
	branch := wp.BranchName(st.FeatureSlug, id)

	unresolved, err := e.git.ConflictingFiles(ctx, "")
	if err != nil {
		return false, err
	}
	if len(unresolved) > 0 {
		res.FailedWP = id
		res.ConflictFiles = unresolved
		return false, errors.NewIntegrationError(id, unresolved).
			WithBranches(branch, st.TargetBranch).
			WithResumeHint(resumeHint(st.Strategy, e.git.RepoDir()))
	}

	dirty, err := e.git.HasUncommittedChanges(ctx, "")
	if err != nil {
		return false, err
	}
	if !e.git.MergeInProgress(ctx, "") && !dirty {
		return false, nil
	}
	// A squash leaves git's SQUASH_MSG behind; use the message Run would have.
	commit := func() error { return e.git.CommitNoEdit(ctx, "") }
	if st.Strategy == StrategySquash {
		commit = func() error { return e.git.Commit(ctx, "", squashMessage(branch, st.TargetBranch)) }
	}
	if err := commit(); err != nil {
		return false, err
	}
	e.logger.WithFeature(st.FeatureSlug).WithRun(st.RunID).WithWP(id).Info("concluded resolved merge", "branch", branch)
	return true, nil
}

// AbortResult describes what Abort discarded.
type AbortResult struct {
	// State is the discarded state, or nil when the file was unreadable.
	State *MergeState
	// MergeInProgress is set when git still has a merge open in the
	// repository; Abort does not touch it.
	MergeInProgress bool
}

// Abort discards the saved state without changing the repository. Merges
// already committed stay committed. Like Resume it requires the checkout
// lock, so it cannot pull the state out from under a running merge.
func (e *Executor) Abort(ctx context.Context) (*AbortResult, error) {
	if err := e.requireLock(ctx); err != nil {
		return nil, err
	}
	st, err := e.store.Load()
	if errors.Is(err, errors.ErrNoMergeState) {
		return nil, err
	}
	if err := e.store.Delete(); err != nil {
		return nil, err
	}
	out := &AbortResult{State: st, MergeInProgress: e.git.MergeInProgress(ctx, "")}
	if st != nil {
		e.logger.WithFeature(st.FeatureSlug).WithRun(st.RunID).Info("merge aborted",
			"completed", st.CompletedWPs, "remaining", st.Remaining())
	}
	return out, nil
}

// Status returns the saved state, or errors.ErrNoMergeState.
func (e *Executor) Status() (*MergeState, error) {
	return e.store.Load()
}

func mergeMessage(branch, target string) string {
	return fmt.Sprintf("Merge %s into %s", branch, target)
}

func squashMessage(branch, target string) string {
	return fmt.Sprintf("Squash merge %s into %s", branch, target)
}

func resumeHint(strategy Strategy, repoDir string) string {
	if strategy == StrategyRebase {
		return "rebase the branch onto the target in its worktree, then run: wpflow merge --resume"
	}
	return fmt.Sprintf("resolve the conflicts in %s and stage them, then run: wpflow merge --resume (or wpflow merge --abort)", repoDir)
}

// PlanCommands lists the git commands a run would execute, for dry runs.
func PlanCommands(feature, target string, order []string, strategy Strategy, worktreeDir string, c CleanupOptions) []string {
	cmds := []string{
		"git checkout " + target,
		"git pull --ff-only",
	}
	for _, id := range order {
		branch := wp.BranchName(feature, id)
		switch strategy {
		case StrategySquash:
			cmds = append(cmds,
				"git merge --squash "+branch,
				fmt.Sprintf("git commit -m %q", squashMessage(branch, target)))
		case StrategyRebase:
			cmds = append(cmds,
				fmt.Sprintf("git -C %s rebase %s", wp.WorktreePath(worktreeDir, feature, id), target),
				"git merge --ff-only "+branch)
		default:
			cmds = append(cmds, fmt.Sprintf("git merge --no-ff %s -m %q", branch, mergeMessage(branch, target)))
		}
	}
	if c.Push {
		cmds = append(cmds, fmt.Sprintf("git push %s %s", c.Remote, target))
	}
	if c.Worktrees {
		for _, id := range order {
			cmds = append(cmds, "git worktree remove "+wp.WorktreePath(worktreeDir, feature, id))
		}
	}
	if c.Branches {
		flag := "-d"
		if strategy != StrategyMerge {
			flag = "-D"
		}
		for _, id := range order {
			cmds = append(cmds, fmt.Sprintf("git branch %s %s", flag, wp.BranchName(feature, id)))
		}
	}
	return cmds
}
