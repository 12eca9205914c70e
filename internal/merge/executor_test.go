package merge

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/Iron-Ham/wpflow/internal/depgraph"
	"github.com/Iron-Ham/wpflow/internal/errors"
	"github.com/Iron-Ham/wpflow/internal/testutil"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRun_DryRun(t *testing.T) {
	f := newRepoFixture(t)
	f.addWP(t, "WP01", map[string]string{"one.txt": "1"})
	f.addWP(t, "WP02", map[string]string{"two.txt": "2"})
	f.addWP(t, "WP03", map[string]string{"three.txt": "3"})

	res, err := f.executor().Run(f.ctx, RunOptions{
		Feature: testFeature,
		Target:  "main",
		Batch:   []string{"WP03", "WP01", "WP02"},
		DryRun:  true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Success || res.Err != nil || res.Stage != StageDryRunReport {
		t.Fatalf("Run() = %+v", res)
	}

	var merges []string
	for _, c := range res.Commands {
		if strings.HasPrefix(c, "git merge") {
			merges = append(merges, c)
		}
	}
	want := []string{
		`git merge --no-ff 001-auth-WP01 -m "Merge 001-auth-WP01 into main"`,
		`git merge --no-ff 001-auth-WP02 -m "Merge 001-auth-WP02 into main"`,
		`git merge --no-ff 001-auth-WP03 -m "Merge 001-auth-WP03 into main"`,
	}
	if !slices.Equal(merges, want) {
		t.Errorf("merge commands = %v, want %v", merges, want)
	}
	if len(res.Forecast) != 0 {
		t.Errorf("Forecast = %+v, want none", res.Forecast)
	}

	if fileExists(filepath.Join(f.stateDir, StateFileName)) {
		t.Error("dry run must not write merge state")
	}
	if fileExists(filepath.Join(f.repo, "one.txt")) {
		t.Error("dry run must not merge")
	}
}

func TestRun_MergesInDependencyOrderAndCleansUp(t *testing.T) {
	f := newRepoFixture(t)
	f.addWP(t, "WP01", map[string]string{"one.txt": "1"})
	f.addWP(t, "WP02", map[string]string{"two.txt": "2"})
	f.addWP(t, "WP03", map[string]string{"three.txt": "3"})

	res, err := f.executor().Run(f.ctx, RunOptions{
		Feature: testFeature,
		Target:  "main",
		Batch:   []string{"WP01", "WP02", "WP03"},
		Graph:   depgraph.Graph{"WP01": {"WP03"}, "WP02": nil, "WP03": nil},
		Cleanup: CleanupOptions{Worktrees: true, Branches: true},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Success || res.Stage != StageDone {
		t.Fatalf("Run() = %+v, err %v", res, res.Err)
	}
	if !slices.Equal(res.Order, []string{"WP02", "WP03", "WP01"}) {
		t.Errorf("Order = %v", res.Order)
	}
	if !slices.Equal(res.Merged, res.Order) {
		t.Errorf("Merged = %v", res.Merged)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("Warnings = %v", res.Warnings)
	}

	for _, name := range []string{"one.txt", "two.txt", "three.txt"} {
		if !fileExists(filepath.Join(f.repo, name)) {
			t.Errorf("%s not merged into main", name)
		}
	}
	subjects := testutil.Git(t, f.repo, "log", "--format=%s", "-3")
	if !strings.HasPrefix(subjects, "Merge 001-auth-WP01 into main") {
		t.Errorf("last merge subject = %q", subjects)
	}
	for _, id := range []string{"WP01", "WP02", "WP03"} {
		branch := "001-auth-" + id
		if testutil.BranchExists(t, f.repo, branch) {
			t.Errorf("branch %s should be deleted", branch)
		}
		if fileExists(filepath.Join(f.worktreeDir, branch)) {
			t.Errorf("worktree %s should be removed", branch)
		}
	}
	if f.executor().Store().Exists() {
		t.Error("merge state should be removed after success")
	}
}

func TestRun_ConflictThenResume(t *testing.T) {
	f := newRepoFixture(t)
	f.addWP(t, "WP01", map[string]string{"shared.txt": "from WP01\n"})
	f.addWP(t, "WP02", map[string]string{"shared.txt": "from WP02\n"})
	f.addWP(t, "WP03", map[string]string{"three.txt": "3"})
	exec := f.executor()

	res, err := exec.Run(f.ctx, RunOptions{
		Feature: testFeature,
		Target:  "main",
		Batch:   []string{"WP01", "WP02", "WP03"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Success || res.FailedAt != StageMergeLoop || res.FailedWP != "WP02" {
		t.Fatalf("Run() = %+v", res)
	}
	var ie *errors.IntegrationError
	if !errors.As(res.Err, &ie) {
		t.Fatalf("Err = %v, want IntegrationError", res.Err)
	}
	if !slices.Equal(ie.Files, []string{"shared.txt"}) || ie.ResumeHint == "" {
		t.Errorf("IntegrationError = %+v", ie)
	}
	if !slices.Equal(ie.Branches, []string{"001-auth-WP02", "main"}) {
		t.Errorf("Branches = %v", ie.Branches)
	}

	st, err := exec.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !slices.Equal(st.CompletedWPs, []string{"WP01"}) || st.CurrentWP != "WP02" || !st.HasPendingConflicts {
		t.Errorf("state = %+v", st)
	}

	// Resuming with conflicts still unresolved reports them again.
	res, err = exec.Resume(f.ctx, ResumeOptions{})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.Success || !errors.Is(res.Err, errors.ErrMergeConflict) {
		t.Fatalf("Resume() with unresolved conflicts = %+v", res)
	}

	testutil.WriteFile(t, f.repo, "shared.txt", "from WP01\nfrom WP02\n")
	testutil.Git(t, f.repo, "add", "shared.txt")

	res, err = exec.Resume(f.ctx, ResumeOptions{})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("Resume() = %+v, err %v", res, res.Err)
	}
	if !slices.Equal(res.Merged, []string{"WP01", "WP02", "WP03"}) {
		t.Errorf("Merged = %v", res.Merged)
	}
	if !fileExists(filepath.Join(f.repo, "three.txt")) {
		t.Error("WP03 not merged after resume")
	}
	if exec.Store().Exists() {
		t.Error("state should be removed after resume finishes")
	}
	if testutil.HasUncommittedChanges(t, f.repo) {
		t.Error("checkout left dirty")
	}
}

func TestRun_SquashConflictThenResume(t *testing.T) {
	f := newRepoFixture(t)
	f.addWP(t, "WP01", map[string]string{"shared.txt": "from WP01\n"})
	f.addWP(t, "WP02", map[string]string{"shared.txt": "from WP02\n"})
	exec := f.executor()

	res, err := exec.Run(f.ctx, RunOptions{
		Feature:  testFeature,
		Target:   "main",
		Batch:    []string{"WP01", "WP02"},
		Strategy: StrategySquash,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Success || res.FailedWP != "WP02" || !errors.Is(res.Err, errors.ErrMergeConflict) {
		t.Fatalf("Run() = %+v", res)
	}

	testutil.WriteFile(t, f.repo, "shared.txt", "from WP01\nfrom WP02\n")
	testutil.Git(t, f.repo, "add", "shared.txt")

	res, err = exec.Resume(f.ctx, ResumeOptions{})
	if err != nil || !res.Success {
		t.Fatalf("Resume() = %+v, %v", res, err)
	}
	if !slices.Equal(res.Merged, []string{"WP01", "WP02"}) {
		t.Errorf("Merged = %v", res.Merged)
	}
	subjects := testutil.Git(t, f.repo, "log", "--format=%s", "-2")
	if !strings.Contains(subjects, "Squash merge 001-auth-WP02 into main") {
		t.Errorf("resumed squash commit has the wrong message:\n%s", subjects)
	}
	if strings.Contains(subjects, "Squashed commit of the following") {
		t.Errorf("resumed squash used git's default message:\n%s", subjects)
	}
	if testutil.HasUncommittedChanges(t, f.repo) {
		t.Error("checkout left dirty")
	}
}

// installHook writes an executable git hook into the fixture repository.
func installHook(t *testing.T, repo, name, script string) string {
	t.Helper()
	path := filepath.Join(repo, ".git", "hooks", name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create hooks dir: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0755); err != nil {
		t.Fatalf("failed to write hook: %v", err)
	}
	return path
}

func TestResume_AfterHookRejectedMerge(t *testing.T) {
	f := newRepoFixture(t)
	f.addWP(t, "WP01", map[string]string{"one.txt": "1"})
	hook := installHook(t, f.repo, "pre-merge-commit", "echo rejected >&2\nexit 1")
	exec := f.executor()

	res, err := exec.Run(f.ctx, RunOptions{Feature: testFeature, Target: "main", Batch: []string{"WP01"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Success || res.FailedWP != "WP01" || errors.Is(res.Err, errors.ErrMergeConflict) {
		t.Fatalf("Run() = %+v, want a non-conflict failure on WP01", res)
	}
	if !strings.Contains(res.Err.Error(), "merge --resume") {
		t.Errorf("Err = %v, want a resume hint", res.Err)
	}
	st, err := exec.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.CurrentWP != "WP01" || st.HasPendingConflicts {
		t.Errorf("state = %+v", st)
	}
	if !f.git.MergeInProgress(f.ctx, "") {
		t.Fatal("git should keep the rejected merge open")
	}

	if err := os.Remove(hook); err != nil {
		t.Fatal(err)
	}
	res, err = exec.Resume(f.ctx, ResumeOptions{})
	if err != nil || !res.Success {
		t.Fatalf("Resume() = %+v, %v", res, err)
	}
	if !slices.Equal(res.Merged, []string{"WP01"}) {
		t.Errorf("Merged = %v", res.Merged)
	}
	if !fileExists(filepath.Join(f.repo, "one.txt")) {
		t.Error("WP01 not merged after resume")
	}
	if got := testutil.Git(t, f.repo, "log", "--format=%s", "-1"); got != "Merge 001-auth-WP01 into main" {
		t.Errorf("merge commit subject = %q", got)
	}
	if exec.Store().Exists() || f.git.MergeInProgress(f.ctx, "") {
		t.Error("resume should leave no state and no open merge")
	}
}

func TestResume_RefusesForeignMerge(t *testing.T) {
	f := newRepoFixture(t)
	f.addWP(t, "WP01", map[string]string{"one.txt": "1"})
	testutil.CreateBranch(t, f.repo, "other")
	testutil.CheckoutBranch(t, f.repo, "other")
	testutil.CommitFile(t, f.repo, "other.txt", "other", "Other work")
	testutil.CheckoutBranch(t, f.repo, "main")
	testutil.Git(t, f.repo, "merge", "--no-ff", "--no-commit", "other")

	exec := f.executor()
	st := NewMergeState(testFeature, "main", []string{"WP01"}, StrategyMerge)
	st.CurrentWP = "WP01"
	if err := exec.Store().Save(st); err != nil {
		t.Fatal(err)
	}

	res, err := exec.Resume(f.ctx, ResumeOptions{})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.Success || res.FailedAt != StageCheckout || !errors.Is(res.Err, errors.ErrMergeInProgress) {
		t.Errorf("Resume() = %+v, want refusal of a merge wpflow did not start", res)
	}
	if !exec.Store().Exists() {
		t.Error("state should be kept")
	}
}

func TestResume_SkipsCompletedPackages(t *testing.T) {
	f := newRepoFixture(t)
	for _, id := range []string{"WP01", "WP02", "WP03", "WP04"} {
		f.addWP(t, id, map[string]string{strings.ToLower(id) + ".txt": id})
	}
	exec := f.executor()

	st := NewMergeState(testFeature, "main", []string{"WP01", "WP02", "WP03", "WP04"}, StrategyMerge)
	st.MarkCompleted("WP01")
	st.MarkCompleted("WP02")
	st.CurrentWP = "WP03"
	if err := exec.Store().Save(st); err != nil {
		t.Fatal(err)
	}

	res, err := exec.Resume(f.ctx, ResumeOptions{})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if !res.Success || res.RunID != st.RunID {
		t.Fatalf("Resume() = %+v, err %v", res, res.Err)
	}

	for id, want := range map[string]bool{"wp01": false, "wp02": false, "wp03": true, "wp04": true} {
		if got := fileExists(filepath.Join(f.repo, id+".txt")); got != want {
			t.Errorf("%s.txt present = %v, want %v", id, got, want)
		}
	}
	merges := strings.Fields(testutil.Git(t, f.repo, "log", "--merges", "--format=%s"))
	if slices.Contains(merges, "001-auth-WP01") || slices.Contains(merges, "001-auth-WP02") {
		t.Errorf("completed packages merged again: %v", merges)
	}
}

func TestRun_RefusesWhileStateExists(t *testing.T) {
	f := newRepoFixture(t)
	f.addWP(t, "WP01", map[string]string{"one.txt": "1"})
	exec := f.executor()

	st := NewMergeState(testFeature, "main", []string{"WP01"}, StrategyMerge)
	if err := exec.Store().Save(st); err != nil {
		t.Fatal(err)
	}

	res, err := exec.Run(f.ctx, RunOptions{Feature: testFeature, Target: "main", Batch: []string{"WP01"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.FailedAt != StageInit || !errors.Is(res.Err, errors.ErrMergeInProgress) {
		t.Errorf("Run() = %+v", res)
	}

	res, err = exec.Run(f.ctx, RunOptions{Feature: testFeature, Target: "main", Batch: []string{"WP01"}, DryRun: true})
	if err != nil || !res.Success || len(res.Warnings) != 1 {
		t.Errorf("dry run alongside saved state = %+v, %v", res, err)
	}
}

func TestRun_Failures(t *testing.T) {
	f := newRepoFixture(t)
	f.addWP(t, "WP01", map[string]string{"one.txt": "1"})
	f.addWP(t, "WP02", map[string]string{"two.txt": "2"})

	tests := []struct {
		name    string
		ctx     context.Context
		opts    RunOptions
		stage   Stage
		wantErr error
	}{
		{
			name:    "empty batch",
			opts:    RunOptions{Feature: testFeature, Target: "main"},
			stage:   StageInit,
			wantErr: errors.ErrNothingToMerge,
		},
		{
			name:    "missing branch fails preflight",
			opts:    RunOptions{Feature: testFeature, Target: "main", Batch: []string{"WP01", "WP05"}},
			stage:   StagePreflight,
			wantErr: errors.ErrBranchNotFound,
		},
		{
			name: "cycle in batch",
			opts: RunOptions{
				Feature: testFeature, Target: "main", Batch: []string{"WP01", "WP02"},
				Graph: depgraph.Graph{"WP01": {"WP02"}, "WP02": {"WP01"}},
			},
			stage:   StageOrdering,
			wantErr: errors.ErrDependencyCycle,
		},
		{
			name:    "rebase of several packages",
			opts:    RunOptions{Feature: testFeature, Target: "main", Batch: []string{"WP01", "WP02"}, Strategy: StrategyRebase},
			stage:   StageValidate,
			wantErr: errors.ErrUnsupportedStrategy,
		},
		{
			name:    "unknown strategy",
			opts:    RunOptions{Feature: testFeature, Target: "main", Batch: []string{"WP01"}, Strategy: "octopus"},
			stage:   StageValidate,
			wantErr: errors.ErrUnsupportedStrategy,
		},
		{
			name:    "push without remote",
			opts:    RunOptions{Feature: testFeature, Target: "main", Batch: []string{"WP01"}, Cleanup: CleanupOptions{Push: true}},
			stage:   StageValidate,
			wantErr: errors.ErrInvalidInput,
		},
		{
			name:    "checkout lock not held",
			ctx:     context.Background(),
			opts:    RunOptions{Feature: testFeature, Target: "main", Batch: []string{"WP01"}},
			stage:   StageCheckout,
			wantErr: errors.ErrCheckoutLocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := tt.ctx
			if ctx == nil {
				ctx = f.ctx
			}
			res, err := f.executor().Run(ctx, tt.opts)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Success || res.FailedAt != tt.stage || res.Stage != StageFailed {
				t.Errorf("Run() stage = %s failedAt = %s, want %s", res.Stage, res.FailedAt, tt.stage)
			}
			if !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", res.Err, tt.wantErr)
			}
		})
	}

	if fileExists(filepath.Join(f.repo, "one.txt")) {
		t.Error("failed runs must not merge anything")
	}
}

func TestRun_Squash(t *testing.T) {
	f := newRepoFixture(t)
	f.addWP(t, "WP01", map[string]string{"one.txt": "1", "uno.txt": "1"})
	f.addWP(t, "WP02", map[string]string{"two.txt": "2"})

	res, err := f.executor().Run(f.ctx, RunOptions{
		Feature:  testFeature,
		Target:   "main",
		Batch:    []string{"WP01", "WP02"},
		Strategy: StrategySquash,
		Cleanup:  CleanupOptions{Worktrees: true, Branches: true},
	})
	if err != nil || !res.Success {
		t.Fatalf("Run() = %+v, %v", res, err)
	}
	if merges := strings.TrimSpace(testutil.Git(t, f.repo, "log", "--merges", "--oneline")); merges != "" {
		t.Errorf("squash created merge commits: %q", merges)
	}
	subjects := testutil.Git(t, f.repo, "log", "--format=%s", "-2")
	if !strings.Contains(subjects, "Squash merge 001-auth-WP01 into main") {
		t.Errorf("log = %q", subjects)
	}
	if testutil.BranchExists(t, f.repo, "001-auth-WP01") {
		t.Error("squashed branch should be force-deleted")
	}
}

func TestRun_RebaseSinglePackage(t *testing.T) {
	f := newRepoFixture(t)
	f.addWP(t, "WP01", map[string]string{"one.txt": "1"})
	testutil.CommitFile(t, f.repo, "main.txt", "main moved on", "Advance main")

	res, err := f.executor().Run(f.ctx, RunOptions{
		Feature:  testFeature,
		Target:   "main",
		Batch:    []string{"WP01"},
		Strategy: StrategyRebase,
	})
	if err != nil || !res.Success {
		t.Fatalf("Run() = %+v, %v", res, err)
	}
	if merges := strings.TrimSpace(testutil.Git(t, f.repo, "log", "--merges", "--oneline")); merges != "" {
		t.Errorf("rebase created merge commits: %q", merges)
	}
	if !fileExists(filepath.Join(f.repo, "one.txt")) || !fileExists(filepath.Join(f.repo, "main.txt")) {
		t.Error("main should hold both lines of work")
	}
}

func TestAbort(t *testing.T) {
	f := newRepoFixture(t)
	f.addWP(t, "WP01", map[string]string{"shared.txt": "a\n"})
	f.addWP(t, "WP02", map[string]string{"shared.txt": "b\n"})
	exec := f.executor()

	if _, err := exec.Abort(f.ctx); !errors.Is(err, errors.ErrNoMergeState) {
		t.Fatalf("Abort() without state = %v", err)
	}

	res, err := exec.Run(f.ctx, RunOptions{Feature: testFeature, Target: "main", Batch: []string{"WP01", "WP02"}})
	if err != nil || res.Success {
		t.Fatalf("Run() = %+v, %v; want conflict", res, err)
	}

	if _, err := exec.Abort(context.Background()); !errors.Is(err, errors.ErrCheckoutLocked) {
		t.Errorf("Abort() without the checkout lock = %v, want ErrCheckoutLocked", err)
	}
	if !exec.Store().Exists() {
		t.Fatal("Abort() without the lock must keep the state")
	}

	out, err := exec.Abort(f.ctx)
	if err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if out.State == nil || !slices.Equal(out.State.CompletedWPs, []string{"WP01"}) {
		t.Errorf("Abort() state = %+v", out.State)
	}
	if !out.MergeInProgress {
		t.Error("Abort() should report the git merge left open")
	}
	if exec.Store().Exists() {
		t.Error("state file should be gone")
	}
	// WP01's merge stays committed.
	if !strings.Contains(testutil.Git(t, f.repo, "log", "--format=%s"), "Merge 001-auth-WP01 into main") {
		t.Error("completed merge should survive abort")
	}
	if _, err := exec.Status(); !errors.Is(err, errors.ErrNoMergeState) {
		t.Errorf("Status() after abort = %v", err)
	}
}

func TestPlanCommands(t *testing.T) {
	cmds := PlanCommands(testFeature, "main", []string{"WP01"}, StrategyRebase, "/wt",
		CleanupOptions{Push: true, Remote: "origin", Worktrees: true, Branches: true})
	want := []string{
		"git checkout main",
		"git pull --ff-only",
		"git -C /wt/001-auth-WP01 rebase main",
		"git merge --ff-only 001-auth-WP01",
		"git push origin main",
		"git worktree remove /wt/001-auth-WP01",
		"git branch -D 001-auth-WP01",
	}
	if !slices.Equal(cmds, want) {
		t.Errorf("PlanCommands() =\n%v\nwant\n%v", cmds, want)
	}
}
