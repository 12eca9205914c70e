package wp

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/Iron-Ham/wpflow/internal/errors"
)

func TestParseLane(t *testing.T) {
	tests := []struct {
		in      string
		want    Lane
		wantErr bool
	}{
		{"planned", LanePlanned, false},
		{"", LanePlanned, false},
		{"  Done ", LaneDone, false},
		{"doing", LaneInProgress, false},
		{"in-progress", LaneInProgress, false},
		{"review", LaneForReview, false},
		{"merged", LaneDone, false},
		{"complete", LaneDone, false},
		{"cancelled", LaneCanceled, false},
		{"blocked", LaneBlocked, false},
		{"shipping", "", true},
		{"don", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLane(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLane(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLane(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if tt.wantErr && !errors.Is(err, errors.ErrInvalidLane) {
				t.Errorf("error should wrap ErrInvalidLane: %v", err)
			}
		})
	}
}

func TestLanePredicates(t *testing.T) {
	if !LaneDone.IsDone() || LaneApproved.IsDone() {
		t.Error("only LaneDone is done")
	}
	if !LaneCanceled.IsClosed() || LaneBlocked.IsClosed() {
		t.Error("done and canceled are closed; blocked is not")
	}
}

func TestIDs(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
		num   int
	}{
		{"WP01", true, 1},
		{"WP10", true, 10},
		{"WP1", false, -1},
		{"WP001", false, -1},
		{"wp01", false, -1},
		{"XP01", false, -1},
	}
	for _, tt := range tests {
		if ValidID(tt.id) != tt.valid {
			t.Errorf("ValidID(%q) = %v", tt.id, !tt.valid)
		}
		if Number(tt.id) != tt.num {
			t.Errorf("Number(%q) = %d, want %d", tt.id, Number(tt.id), tt.num)
		}
	}

	ids := SortIDs([]string{"WP10", "bogus", "WP02", "WP01"})
	if !slices.Equal(ids, []string{"WP01", "WP02", "WP10", "bogus"}) {
		t.Errorf("SortIDs() = %v", ids)
	}
}

func TestDerivedNames(t *testing.T) {
	if got := BranchName("001-auth", "WP02"); got != "001-auth-WP02" {
		t.Errorf("BranchName() = %q", got)
	}
	if got := EphemeralBranchName("001-auth", "WP04"); got != "001-auth-WP04-merge-base" {
		t.Errorf("EphemeralBranchName() = %q", got)
	}
	if got := WorktreePath("/repo/.worktrees", "001-auth", "WP02"); got != "/repo/.worktrees/001-auth-WP02" {
		t.Errorf("WorktreePath() = %q", got)
	}
	w := WorkPackage{ID: "WP03"}
	if w.Branch("002-x") != "002-x-WP03" {
		t.Errorf("Branch() = %q", w.Branch("002-x"))
	}
}

func TestParseBranch(t *testing.T) {
	tests := []struct {
		branch  string
		feature string
		id      string
		ok      bool
	}{
		{"001-auth-WP02", "001-auth", "WP02", true},
		{"012-multi-part-name-WP10", "012-multi-part-name", "WP10", true},
		{"001-auth-WP04-merge-base", "001-auth", "WP04", true},
		{"main", "", "", false},
		{"auth-WP02", "", "", false},
	}
	for _, tt := range tests {
		f, id, ok := ParseBranch(tt.branch)
		if f != tt.feature || id != tt.id || ok != tt.ok {
			t.Errorf("ParseBranch(%q) = %q, %q, %v", tt.branch, f, id, ok)
		}
	}
}

func writeTask(t *testing.T, root, feature, rel, content string) {
	t.Helper()
	path := filepath.Join(root, feature, "tasks", rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestFileStore_List(t *testing.T) {
	root := t.TempDir()
	writeTask(t, root, "001-auth", "WP02-storage.md", `---
work_package_id: WP02
title: Storage
lane: doing
dependencies:
  - WP01
---
body`)
	writeTask(t, root, "001-auth", "done/WP01.md", `---
work_package_id: WP01
lane: merged
dependencies: []
---
`)
	// No frontmatter: id from file name, lane planned.
	writeTask(t, root, "001-auth", "WP03.md", "# WP03\n")
	writeTask(t, root, "001-auth", "README.md", "not a work package")

	store := NewFileStore(root)
	got, err := store.List(context.Background(), "001-auth")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List() returned %d packages, want 3", len(got))
	}
	if got[0].ID != "WP01" || got[0].Lane != LaneDone {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].ID != "WP02" || got[1].Lane != LaneInProgress || !slices.Equal(got[1].Dependencies, []string{"WP01"}) {
		t.Errorf("got[1] = %+v", got[1])
	}
	if got[1].Title != "Storage" {
		t.Errorf("Title = %q", got[1].Title)
	}
	if got[2].ID != "WP03" || got[2].Lane != LanePlanned || len(got[2].Dependencies) != 0 {
		t.Errorf("got[2] = %+v", got[2])
	}
}

func TestFileStore_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown feature", func(t *testing.T) {
		_, err := NewFileStore(t.TempDir()).List(ctx, "001-none")
		var nf *errors.NotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("expected NotFoundError, got %v", err)
		}
	})

	t.Run("unknown lane", func(t *testing.T) {
		root := t.TempDir()
		writeTask(t, root, "001-a", "WP01.md", "---\nlane: someday\n---\n")
		_, err := NewFileStore(root).List(ctx, "001-a")
		if !errors.Is(err, errors.ErrInvalidLane) {
			t.Errorf("expected ErrInvalidLane, got %v", err)
		}
	})

	t.Run("malformed id", func(t *testing.T) {
		root := t.TempDir()
		writeTask(t, root, "001-a", "WP01.md", "---\nwork_package_id: WP1\n---\n")
		_, err := NewFileStore(root).List(ctx, "001-a")
		if !errors.Is(err, errors.ErrInvalidWPID) {
			t.Errorf("expected ErrInvalidWPID, got %v", err)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		root := t.TempDir()
		writeTask(t, root, "001-a", "WP01.md", "---\nwork_package_id: WP01\n---\n")
		writeTask(t, root, "001-a", "WP02.md", "---\nwork_package_id: WP01\n---\n")
		_, err := NewFileStore(root).List(ctx, "001-a")
		var ve *errors.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})
}

func TestInferFeature(t *testing.T) {
	ctx := context.Background()
	one := MapStore{"001-auth": nil}
	two := MapStore{"001-auth": nil, "002-billing": nil}

	tests := []struct {
		name     string
		store    Store
		explicit string
		branch   string
		want     string
		wantErr  bool
	}{
		{"explicit", two, "002-billing", "main", "002-billing", false},
		{"explicit malformed", two, "billing", "main", "", true},
		{"from branch", two, "", "002-billing-WP03", "002-billing", false},
		{"single feature", one, "", "main", "001-auth", false},
		{"ambiguous", two, "", "main", "", true},
		{"none", MapStore{}, "", "main", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := InferFeature(ctx, tt.store, tt.explicit, tt.branch)
			if (err != nil) != tt.wantErr {
				t.Fatalf("InferFeature() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("InferFeature() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGet(t *testing.T) {
	s := MapStore{"001-a": {{ID: "WP02"}, {ID: "WP01"}}}
	w, err := Get(context.Background(), s, "001-a", "WP02")
	if err != nil || w.ID != "WP02" {
		t.Errorf("Get() = %+v, %v", w, err)
	}
	_, err = Get(context.Background(), s, "001-a", "WP09")
	if !errors.Is(err, errors.ErrMissingMetadata) {
		t.Errorf("Get(missing) error = %v", err)
	}
}
