package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/wpflow/internal/checkout"
	"github.com/Iron-Ham/wpflow/internal/config"
	"github.com/Iron-Ham/wpflow/internal/logging"
	"github.com/Iron-Ham/wpflow/internal/merge"
	"github.com/Iron-Ham/wpflow/internal/worktree"
	"github.com/Iron-Ham/wpflow/internal/wp"
)

// app bundles what every repository command needs: the main checkout,
// configuration, git client, metadata store, and logger.
type app struct {
	cfg         *config.Config
	cwd         string
	root        string
	git         *worktree.Client
	store       wp.Store
	logger      *logging.Logger
	worktreeDir string
	stateDir    string
}

func openApp(ctx context.Context) (*app, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	top, err := worktree.FindGitRoot(cwd)
	if err != nil {
		return nil, err
	}
	// Commands run from inside a work package worktree still operate on the
	// main checkout.
	root, err := worktree.NewClient(top).MainRoot(ctx)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{
		cfg:         cfg,
		cwd:         cwd,
		root:        root,
		git:         worktree.NewClient(root),
		store:       wp.NewFileStore(cfg.Paths.ResolveFeaturesDir(root)),
		logger:      logging.NopLogger(),
		worktreeDir: cfg.Paths.ResolveWorktreeDir(root),
		stateDir:    cfg.Paths.ResolveStateDir(root),
	}

	if cfg.Logging.Enabled {
		logger, err := logging.NewLoggerWithRotation(cfg.Paths.ResolveLogDir(root), cfg.Logging.Level, logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
		} else {
			a.logger = logger
		}
	}
	return a, nil
}

func (a *app) Close() {
	_ = a.logger.Close()
}

// excludeOwnDirs keeps the worktree and state directories out of git status
// so they never make the checkout look dirty.
func (a *app) excludeOwnDirs(ctx context.Context) error {
	var patterns []string
	for _, dir := range []string{a.worktreeDir, a.stateDir} {
		rel, err := filepath.Rel(a.root, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		patterns = append(patterns, filepath.ToSlash(rel)+"/")
	}
	return a.git.EnsureExcluded(ctx, patterns...)
}

// feature resolves --feature, falling back to the current branch and then
// to the only feature with metadata.
func (a *app) feature(ctx context.Context, explicit string) (string, error) {
	current, _ := a.git.CurrentBranch(ctx, a.cwd)
	return wp.InferFeature(ctx, a.store, explicit, current)
}

// target resolves the integration branch: flag, then config, then main/master.
func (a *app) target(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if a.cfg.Merge.TargetBranch != "" {
		return a.cfg.Merge.TargetBranch
	}
	return a.git.FindMainBranch(ctx)
}

// lock claims the main checkout for this process. It fails immediately
// when another wpflow process holds it.
func (a *app) lock(ctx context.Context) (context.Context, func(), error) {
	common, err := a.git.CommonDir(ctx)
	if err != nil {
		return ctx, func() {}, err
	}
	l := checkout.New(common)
	if err := l.TryAcquire(); err != nil {
		return ctx, func() {}, fmt.Errorf("%w; another wpflow command is using this checkout", err)
	}
	return checkout.WithLock(ctx, l), func() { _ = l.Release() }, nil
}

func (a *app) executor() *merge.Executor {
	return merge.NewExecutor(a.git, merge.Options{
		WorktreeDir:      a.worktreeDir,
		StateDir:         a.stateDir,
		MetadataPatterns: a.cfg.Forecast.MetadataPatterns,
		MaxParallel:      a.cfg.Forecast.MaxParallel,
		Logger:           a.logger,
	})
}
