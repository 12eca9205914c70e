package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/wpflow/internal/depgraph"
	"github.com/Iron-Ham/wpflow/internal/errors"
	"github.com/Iron-Ham/wpflow/internal/merge"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge work package branches into the target branch",
	Long: `Merge integrates the feature's open work package branches into the target
branch one at a time, dependencies first.

Every branch must exist with a clean worktree and the target must not be
behind its upstream. Use --dry-run to see the merge order, a conflict
forecast, and the git commands without changing anything.

When a merge conflicts, progress is saved. Resolve and stage the conflicts,
then run 'wpflow merge --resume'; or run 'wpflow merge --abort' to forget
the run (merges already committed stay committed).`,
	Args: cobra.NoArgs,
	RunE: runMerge,
}

var mergeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the progress of an interrupted merge",
	Args:  cobra.NoArgs,
	RunE:  runMergeStatus,
}

var (
	mergeFeature            string
	mergeTarget             string
	mergeStrategy           string
	mergeWPs                []string
	mergeDryRun             bool
	mergePush               bool
	mergeRemote             string
	mergeNoCleanupWorktrees bool
	mergeNoCleanupBranches  bool
	mergeAllowDiverged      bool
	mergeResume             bool
	mergeAbort              bool
	mergeStatusWatch        bool
)

func init() {
	f := mergeCmd.Flags()
	f.StringVar(&mergeFeature, "feature", "", "Feature slug (default: inferred from the current branch)")
	f.StringVar(&mergeTarget, "target", "", "Target branch (default: merge.target_branch, then main/master)")
	f.StringVar(&mergeStrategy, "strategy", "", "Merge strategy: merge, squash, or rebase (default: merge.strategy)")
	f.StringSliceVar(&mergeWPs, "wp", nil, "Merge only these work packages (repeatable)")
	f.BoolVar(&mergeDryRun, "dry-run", false, "Show order, conflict forecast, and commands without merging")
	f.BoolVar(&mergePush, "push", false, "Push the target branch after all merges succeed")
	f.StringVar(&mergeRemote, "remote", "", "Remote to push to (default: merge.remote)")
	f.BoolVar(&mergeNoCleanupWorktrees, "no-cleanup-worktrees", false, "Keep worktrees of merged work packages")
	f.BoolVar(&mergeNoCleanupBranches, "no-cleanup-branches", false, "Keep branches of merged work packages")
	f.BoolVar(&mergeAllowDiverged, "allow-diverged", false, "Merge even if the target is behind its upstream")
	f.BoolVar(&mergeResume, "resume", false, "Resume an interrupted merge")
	f.BoolVar(&mergeAbort, "abort", false, "Forget an interrupted merge")
	mergeCmd.MarkFlagsMutuallyExclusive("resume", "abort", "dry-run")

	mergeStatusCmd.Flags().BoolVarP(&mergeStatusWatch, "watch", "w", false, "Keep watching until the merge finishes")
	mergeCmd.AddCommand(mergeStatusCmd)
}

// signalContext cancels ctx on SIGINT/SIGTERM so a merge stops between steps
// with its state saved.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func runMerge(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	p := newPrinter(cmd.OutOrStdout())
	exec := a.executor()

	if mergeAbort {
		ctx, release, err := a.lock(ctx)
		if err != nil {
			return err
		}
		defer release()

		out, err := exec.Abort(ctx)
		if err != nil {
			return err
		}
		if out.State != nil {
			p.printf("Aborted merge %s of %s into %s (%d of %d merged).\n",
				out.State.RunID, out.State.FeatureSlug, out.State.TargetBranch,
				len(out.State.CompletedWPs), len(out.State.WPOrder))
		} else {
			p.println("Discarded an unreadable merge state file.")
		}
		if out.MergeInProgress {
			p.printf("%s git still has a merge in progress; run 'git merge --abort' to discard it.\n", p.warn.Render("Note:"))
		}
		return nil
	}

	if err := a.excludeOwnDirs(ctx); err != nil {
		return err
	}

	if mergeResume {
		ctx, release, err := a.lock(ctx)
		if err != nil {
			return err
		}
		defer release()

		res, err := exec.Resume(ctx, merge.ResumeOptions{Cleanup: mergeCleanup(cmd, a)})
		p.result(res)
		return resultError(res, err)
	}

	feature, err := a.feature(ctx, mergeFeature)
	if err != nil {
		return err
	}
	wps, err := a.store.List(ctx, feature)
	if err != nil {
		return err
	}
	batch, err := merge.SelectBatch(ctx, a.git, feature, wps, mergeWPs)
	if err != nil {
		return err
	}

	strategy := a.cfg.Merge.Strategy
	if cmd.Flags().Changed("strategy") {
		strategy = mergeStrategy
	}
	opts := merge.RunOptions{
		Feature:       feature,
		Target:        a.target(ctx, mergeTarget),
		Batch:         batch,
		Graph:         depgraph.Build(wps),
		Strategy:      merge.Strategy(strategy),
		DryRun:        mergeDryRun,
		AllowDiverged: mergeAllowDiverged || a.cfg.Merge.AllowDiverged,
		Cleanup:       mergeCleanup(cmd, a),
	}

	if !mergeDryRun {
		var release func()
		ctx, release, err = a.lock(ctx)
		if err != nil {
			return err
		}
		defer release()
	}

	res, err := exec.Run(ctx, opts)
	p.result(res)
	return resultError(res, err)
}

func mergeCleanup(cmd *cobra.Command, a *app) merge.CleanupOptions {
	c := merge.CleanupOptions{
		Push:      a.cfg.Merge.Push,
		Remote:    a.cfg.Merge.Remote,
		Worktrees: a.cfg.Merge.CleanupWorktrees,
		Branches:  a.cfg.Merge.CleanupBranches,
	}
	if cmd.Flags().Changed("push") {
		c.Push = mergePush
	}
	if mergeRemote != "" {
		c.Remote = mergeRemote
	}
	if mergeNoCleanupWorktrees {
		c.Worktrees = false
	}
	if mergeNoCleanupBranches {
		c.Branches = false
	}
	return c
}

// resultError turns a failed run into the command's error so the process
// exits non-zero.
func resultError(res *merge.Result, err error) error {
	if err != nil {
		return err
	}
	if res != nil && res.Err != nil {
		var ie *errors.IntegrationError
		if errors.As(res.Err, &ie) && ie.ResumeHint != "" {
			return fmt.Errorf("%w\n%s", res.Err, ie.ResumeHint)
		}
		return res.Err
	}
	return nil
}

func runMergeStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	p := newPrinter(cmd.OutOrStdout())
	store := a.executor().Store()

	show := func() (bool, error) {
		st, err := store.Load()
		if errors.Is(err, errors.ErrNoMergeState) {
			p.println("No merge in progress.")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		p.state(st)
		return true, nil
	}

	active, err := show()
	if err != nil || !mergeStatusWatch || !active {
		return err
	}
	return watchState(ctx, store.Path(), show)
}

// watchState calls show whenever the state file at path changes, until the
// file is removed or ctx is canceled. The directory is watched because the
// file is replaced by rename on every save.
func watchState(ctx context.Context, path string, show func() (bool, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			active, err := show()
			if err != nil {
				return err
			}
			if !active {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		}
	}
}
