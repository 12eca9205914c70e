package merge

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/wpflow/internal/errors"
	"github.com/Iron-Ham/wpflow/internal/wp"
)

// BranchChecker reports whether a local branch exists.
type BranchChecker interface {
	BranchExists(ctx context.Context, branch string) (bool, error)
}

// SelectBatch picks the work packages to integrate. Without only, that is
// every package of feature that is not done or canceled and has a branch.
// With only, exactly those ids are selected; they must exist and must not be
// closed, and a missing branch is left for preflight to report.
func SelectBatch(ctx context.Context, git BranchChecker, feature string, wps []wp.WorkPackage, only []string) ([]string, error) {
	byID := make(map[string]wp.WorkPackage, len(wps))
	for _, w := range wps {
		byID[w.ID] = w
	}

	if len(only) > 0 {
		var out []string
		for _, id := range only {
			w, ok := byID[id]
			if !ok {
				return nil, errors.NewNotFoundError("work package", id).WithCause(errors.ErrMissingMetadata)
			}
			if w.Lane.IsClosed() {
				return nil, errors.NewValidationError(fmt.Sprintf("%s is %s and cannot be merged again", id, w.Lane)).
					WithField("wp").
					WithValue(id)
			}
			out = append(out, id)
		}
		return wp.SortIDs(out), nil
	}

	var out []string
	for _, w := range wps {
		if w.Lane.IsClosed() {
			continue
		}
		ok, err := git.BranchExists(ctx, w.Branch(feature))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, w.ID)
		}
	}
	if len(out) == 0 {
		return nil, errors.ErrNothingToMerge
	}
	return wp.SortIDs(out), nil
}
