package merge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/wpflow/internal/checkout"
	"github.com/Iron-Ham/wpflow/internal/testutil"
	"github.com/Iron-Ham/wpflow/internal/worktree"
	"github.com/Iron-Ham/wpflow/internal/wp"
)

const testFeature = "001-auth"

var testMetadataPatterns = []string{
	"features/*/tasks/*.md",
	"features/*/status.json",
	"features/*/status.events.jsonl",
}

// repoFixture is a real repository whose work package branches each live in
// their own worktree under .worktrees/, with the checkout lock held.
type repoFixture struct {
	repo        string
	worktreeDir string
	stateDir    string
	git         *worktree.Client
	ctx         context.Context
}

func newRepoFixture(t *testing.T) *repoFixture {
	t.Helper()
	testutil.SkipIfNoGit(t)
	return fixtureFor(t, testutil.SetupTestRepo(t))
}

func fixtureFor(t *testing.T, repo string) *repoFixture {
	t.Helper()
	ctx, release, err := checkout.Hold(context.Background(), filepath.Join(repo, ".git"))
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	t.Cleanup(release)

	return &repoFixture{
		repo:        repo,
		worktreeDir: filepath.Join(repo, ".worktrees"),
		stateDir:    filepath.Join(repo, ".wpflow"),
		git:         worktree.NewClient(repo),
		ctx:         ctx,
	}
}

// addWP creates the branch and worktree for id from main and commits files.
func (f *repoFixture) addWP(t *testing.T, id string, files map[string]string) string {
	t.Helper()
	path := testutil.AddWorktree(t, f.repo, wp.BranchName(testFeature, id), "main")
	for name, content := range files {
		testutil.CommitFile(t, path, name, content, id+": "+name)
	}
	return path
}

func (f *repoFixture) executor() *Executor {
	return NewExecutor(f.git, Options{
		WorktreeDir:      f.worktreeDir,
		StateDir:         f.stateDir,
		MetadataPatterns: testMetadataPatterns,
		MaxParallel:      2,
	})
}
