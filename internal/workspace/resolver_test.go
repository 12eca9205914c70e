package workspace

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/Iron-Ham/wpflow/internal/checkout"
	"github.com/Iron-Ham/wpflow/internal/errors"
	"github.com/Iron-Ham/wpflow/internal/testutil"
	"github.com/Iron-Ham/wpflow/internal/worktree"
	"github.com/Iron-Ham/wpflow/internal/wp"
)

const feature = "001-auth"

func pkg(id string, lane wp.Lane, deps ...string) wp.WorkPackage {
	return wp.WorkPackage{ID: id, Lane: lane, Dependencies: deps}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		deps     []wp.WorkPackage
		wantBase string
		wantFold []string
	}{
		{
			name:     "no dependencies",
			deps:     nil,
			wantBase: "main",
		},
		{
			name:     "single done",
			deps:     []wp.WorkPackage{pkg("WP01", wp.LaneDone)},
			wantBase: "main",
		},
		{
			name:     "single in progress",
			deps:     []wp.WorkPackage{pkg("WP01", wp.LaneInProgress)},
			wantBase: "001-auth-WP01",
		},
		{
			name:     "several all done",
			deps:     []wp.WorkPackage{pkg("WP01", wp.LaneDone), pkg("WP02", wp.LaneDone)},
			wantBase: "main",
		},
		{
			name:     "several none done",
			deps:     []wp.WorkPackage{pkg("WP03", wp.LaneForReview), pkg("WP02", wp.LanePlanned)},
			wantFold: []string{"001-auth-WP03", "001-auth-WP02"},
		},
		{
			name: "several some done",
			deps: []wp.WorkPackage{
				pkg("WP01", wp.LaneDone),
				pkg("WP02", wp.LaneInProgress),
				pkg("WP03", wp.LaneApproved),
			},
			wantFold: []string{"001-auth-WP02", "001-auth-WP03", "main"},
		},
		{
			name:     "one pending among done",
			deps:     []wp.WorkPackage{pkg("WP01", wp.LaneInProgress), pkg("WP02", wp.LaneDone)},
			wantFold: []string{"001-auth-WP01", "main"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(feature, "main", tt.deps)
			if got.Base != tt.wantBase {
				t.Errorf("Base = %q, want %q", got.Base, tt.wantBase)
			}
			if !slices.Equal(got.Fold, tt.wantFold) {
				t.Errorf("Fold = %v, want %v", got.Fold, tt.wantFold)
			}
			if got.NeedsEphemeral() != (len(tt.wantFold) > 0) {
				t.Errorf("NeedsEphemeral() = %v", got.NeedsEphemeral())
			}
		})
	}
}

// fixture is a real repository with a worktree-backed branch per dependency.
type fixture struct {
	repo        string
	worktreeDir string
	resolver    *Resolver
	ctx         context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testutil.SkipIfNoGit(t)

	repo := testutil.SetupTestRepo(t)
	ctx, release, err := checkout.Hold(context.Background(), filepath.Join(repo, ".git"))
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	t.Cleanup(release)

	dir := filepath.Join(repo, ".worktrees")
	return &fixture{
		repo:        repo,
		worktreeDir: dir,
		resolver:    NewResolver(worktree.NewClient(repo), dir, nil),
		ctx:         ctx,
	}
}

// branch creates {feature}-{id} from main in its own worktree and commits
// files to it.
func (f *fixture) branch(t *testing.T, id string, files map[string]string) {
	t.Helper()
	path := testutil.AddWorktree(t, f.repo, wp.BranchName(feature, id), "main")
	for name, content := range files {
		testutil.CommitFile(t, path, name, content, id+" changes "+name)
	}
}

func TestCreate_SingleDependencyInProgress(t *testing.T) {
	f := newFixture(t)
	f.branch(t, "WP01", map[string]string{"one.txt": "1\n"})

	all := []wp.WorkPackage{pkg("WP01", wp.LaneInProgress), pkg("WP02", wp.LanePlanned, "WP01")}
	ws, err := f.resolver.Create(f.ctx, Request{Feature: feature, Target: "main", WPID: "WP02", WorkPackages: all})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ws.Base.BaseBranch != "001-auth-WP01" || ws.Base.CreatedEphemeral {
		t.Errorf("Base = %+v", ws.Base)
	}
	if _, err := os.Stat(filepath.Join(ws.Path, "one.txt")); err != nil {
		t.Errorf("workspace should contain the dependency's file: %v", err)
	}
	if got := testutil.GetCurrentBranch(t, ws.Path); got != "001-auth-WP02" {
		t.Errorf("workspace branch = %q", got)
	}
}

func TestCreate_SingleDependencyMissingBranch(t *testing.T) {
	f := newFixture(t)

	all := []wp.WorkPackage{pkg("WP01", wp.LaneInProgress), pkg("WP02", wp.LanePlanned, "WP01")}
	_, err := f.resolver.Create(f.ctx, Request{Feature: feature, Target: "main", WPID: "WP02", WorkPackages: all})
	if !errors.Is(err, errors.ErrBranchNotFound) {
		t.Fatalf("Create() error = %v, want ErrBranchNotFound", err)
	}
	if _, statErr := os.Stat(wp.WorktreePath(f.worktreeDir, feature, "WP02")); !os.IsNotExist(statErr) {
		t.Error("workspace should not exist")
	}
}

func TestCreate_EphemeralMergeBase(t *testing.T) {
	f := newFixture(t)
	f.branch(t, "WP02", map[string]string{"two.txt": "2\n"})
	f.branch(t, "WP03", map[string]string{"three.txt": "3\n"})

	all := []wp.WorkPackage{
		pkg("WP02", wp.LaneInProgress),
		pkg("WP03", wp.LaneInProgress),
		pkg("WP04", wp.LanePlanned, "WP02", "WP03"),
	}
	ws, err := f.resolver.Create(f.ctx, Request{Feature: feature, Target: "main", WPID: "WP04", WorkPackages: all})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if !ws.Base.CreatedEphemeral || ws.Base.EphemeralBranch != "001-auth-WP04-merge-base" {
		t.Errorf("Base = %+v", ws.Base)
	}
	for _, name := range []string{"two.txt", "three.txt", "README.md"} {
		if _, err := os.Stat(filepath.Join(ws.Path, name)); err != nil {
			t.Errorf("workspace missing %s: %v", name, err)
		}
	}
	if !testutil.BranchExists(t, f.repo, "001-auth-WP04-merge-base") {
		t.Error("merge-base branch should be retained as the workspace base")
	}
	if _, err := os.Stat(filepath.Join(f.worktreeDir, ".tmp-001-auth-WP04-merge-base")); !os.IsNotExist(err) {
		t.Error("scratch worktree should be removed")
	}
}

func TestCreate_EphemeralIncludesTargetWhenDependencyDone(t *testing.T) {
	f := newFixture(t)
	f.branch(t, "WP02", map[string]string{"two.txt": "2\n"})
	testutil.CommitFile(t, f.repo, "merged.txt", "from WP01\n", "WP01 landed")

	all := []wp.WorkPackage{
		pkg("WP01", wp.LaneDone),
		pkg("WP02", wp.LaneInProgress),
		pkg("WP03", wp.LanePlanned, "WP01", "WP02"),
	}
	ws, err := f.resolver.Create(f.ctx, Request{Feature: feature, Target: "main", WPID: "WP03", WorkPackages: all})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, name := range []string{"two.txt", "merged.txt"} {
		if _, err := os.Stat(filepath.Join(ws.Path, name)); err != nil {
			t.Errorf("workspace missing %s: %v", name, err)
		}
	}
}

func TestCreate_EphemeralConflictCleansUp(t *testing.T) {
	f := newFixture(t)
	f.branch(t, "WP02", map[string]string{"shared.txt": "from WP02\n"})
	f.branch(t, "WP03", map[string]string{"shared.txt": "from WP03\n"})

	all := []wp.WorkPackage{
		pkg("WP02", wp.LaneInProgress),
		pkg("WP03", wp.LaneInProgress),
		pkg("WP04", wp.LanePlanned, "WP02", "WP03"),
	}
	_, err := f.resolver.Create(f.ctx, Request{Feature: feature, Target: "main", WPID: "WP04", WorkPackages: all})

	var ie *errors.IntegrationError
	if !errors.As(err, &ie) {
		t.Fatalf("Create() error = %v, want IntegrationError", err)
	}
	if !slices.Equal(ie.Files, []string{"shared.txt"}) {
		t.Errorf("Files = %v", ie.Files)
	}
	if !slices.Equal(ie.Branches, []string{"001-auth-WP02", "001-auth-WP03"}) {
		t.Errorf("Branches = %v", ie.Branches)
	}

	if testutil.BranchExists(t, f.repo, "001-auth-WP04-merge-base") {
		t.Error("merge-base branch should be deleted after a conflict")
	}
	if testutil.BranchExists(t, f.repo, "001-auth-WP04") {
		t.Error("WP04 branch should not exist")
	}
	if _, err := os.Stat(wp.WorktreePath(f.worktreeDir, feature, "WP04")); !os.IsNotExist(err) {
		t.Error("WP04 workspace should not exist")
	}
	if _, err := os.Stat(filepath.Join(f.worktreeDir, ".tmp-001-auth-WP04-merge-base")); !os.IsNotExist(err) {
		t.Error("scratch worktree should be removed")
	}
}

func TestCreate_EphemeralConflictReportsPair(t *testing.T) {
	f := newFixture(t)
	f.branch(t, "WP02", map[string]string{"two.txt": "2\n"})
	f.branch(t, "WP03", map[string]string{"shared.txt": "from WP03\n"})
	f.branch(t, "WP04", map[string]string{"shared.txt": "from WP04\n"})

	all := []wp.WorkPackage{
		pkg("WP02", wp.LaneInProgress),
		pkg("WP03", wp.LaneInProgress),
		pkg("WP04", wp.LaneInProgress),
		pkg("WP05", wp.LanePlanned, "WP02", "WP03", "WP04"),
	}
	_, err := f.resolver.Create(f.ctx, Request{Feature: feature, Target: "main", WPID: "WP05", WorkPackages: all})

	var ie *errors.IntegrationError
	if !errors.As(err, &ie) {
		t.Fatalf("Create() error = %v, want IntegrationError", err)
	}
	if !slices.Equal(ie.Branches, []string{"001-auth-WP03", "001-auth-WP04"}) {
		t.Errorf("Branches = %v, want the conflicting pair", ie.Branches)
	}
	if !slices.Equal(ie.Files, []string{"shared.txt"}) {
		t.Errorf("Files = %v", ie.Files)
	}
	if testutil.BranchExists(t, f.repo, "001-auth-WP05-merge-base") {
		t.Error("merge-base branch should be deleted after a conflict")
	}
}

func TestCreate_Refusals(t *testing.T) {
	f := newFixture(t)
	f.branch(t, "WP01", nil)

	tests := []struct {
		name    string
		ctx     context.Context
		all     []wp.WorkPackage
		id      string
		wantErr error
	}{
		{
			name:    "no lock",
			ctx:     context.Background(),
			all:     []wp.WorkPackage{pkg("WP02", wp.LanePlanned)},
			id:      "WP02",
			wantErr: errors.ErrCheckoutLocked,
		},
		{
			name:    "unknown package",
			ctx:     f.ctx,
			all:     []wp.WorkPackage{pkg("WP02", wp.LanePlanned)},
			id:      "WP07",
			wantErr: errors.ErrMissingMetadata,
		},
		{
			name:    "already done",
			ctx:     f.ctx,
			all:     []wp.WorkPackage{pkg("WP02", wp.LaneDone)},
			id:      "WP02",
			wantErr: errors.ErrInvalidInput,
		},
		{
			name:    "cyclic graph",
			ctx:     f.ctx,
			all:     []wp.WorkPackage{pkg("WP02", wp.LanePlanned, "WP03"), pkg("WP03", wp.LanePlanned, "WP02")},
			id:      "WP02",
			wantErr: errors.ErrDependencyCycle,
		},
		{
			name:    "branch exists",
			ctx:     f.ctx,
			all:     []wp.WorkPackage{pkg("WP01", wp.LaneInProgress)},
			id:      "WP01",
			wantErr: errors.ErrWorktreeExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.resolver.Create(tt.ctx, Request{Feature: feature, Target: "main", WPID: tt.id, WorkPackages: tt.all})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Create() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// fakeGit records calls and fails AddWorktree for chosen paths.
type fakeGit struct {
	common   string
	branches map[string]bool
	failAdd  map[string]error
	deleted  []string
	removed  []string
}

func (g *fakeGit) BranchExists(_ context.Context, b string) (bool, error) { return g.branches[b], nil }

func (g *fakeGit) DeleteBranch(_ context.Context, b string, _ bool) error {
	g.deleted = append(g.deleted, b)
	delete(g.branches, b)
	return nil
}

func (g *fakeGit) AddWorktree(_ context.Context, path, newBranch, _ string) error {
	if err := g.failAdd[filepath.Base(path)]; err != nil {
		return err
	}
	g.branches[newBranch] = true
	return nil
}

func (g *fakeGit) RemoveWorktree(_ context.Context, path string, _ bool) error {
	g.removed = append(g.removed, path)
	return nil
}

func (g *fakeGit) InitSubmodules(context.Context, string) error { return nil }

func (g *fakeGit) MergeNoFF(context.Context, string, string, string) ([]string, error) {
	return nil, nil
}

func (g *fakeGit) MergeAbort(context.Context, string) error { return nil }

func (g *fakeGit) CommonDir(context.Context) (string, error) { return g.common, nil }

func TestCreate_DeletesEphemeralWhenWorkspaceFails(t *testing.T) {
	common := t.TempDir()
	ctx, release, err := checkout.Hold(context.Background(), common)
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	defer release()

	g := &fakeGit{
		common: common,
		branches: map[string]bool{
			"001-auth-WP01": true,
			"001-auth-WP02": true,
		},
		failAdd: map[string]error{
			"001-auth-WP03": errors.NewGitError("failed to create worktree", errors.New("disk full")),
		},
	}
	r := NewResolver(g, t.TempDir(), nil)

	all := []wp.WorkPackage{
		pkg("WP01", wp.LaneInProgress),
		pkg("WP02", wp.LaneInProgress),
		pkg("WP03", wp.LanePlanned, "WP01", "WP02"),
	}
	_, err = r.Create(ctx, Request{Feature: feature, Target: "main", WPID: "WP03", WorkPackages: all})
	if err == nil {
		t.Fatal("Create() should fail")
	}
	if !slices.Contains(g.deleted, "001-auth-WP03-merge-base") {
		t.Errorf("deleted = %v, want merge-base branch removed", g.deleted)
	}
	if g.branches["001-auth-WP03-merge-base"] {
		t.Error("merge-base branch still present")
	}
}
