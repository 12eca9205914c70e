package merge

import (
	"context"
	"path"
	"slices"
	"strings"

	"github.com/sourcegraph/conc/iter"

	"github.com/Iron-Ham/wpflow/internal/wp"
)

// ForecastGit is the read-only git surface the forecaster needs.
type ForecastGit interface {
	ChangedFiles(ctx context.Context, base, branch string) ([]string, error)
}

// ConflictPrediction is one path that more than one work package changes.
type ConflictPrediction struct {
	FilePath       string   `json:"file_path"`
	ConflictingWPs []string `json:"conflicting_wps"`
	// IsReconcilableMetadata marks per-package status files that are merged
	// field by field rather than as text.
	IsReconcilableMetadata bool `json:"is_reconcilable_metadata"`
}

// ForecastRequest describes an ordered batch to analyze.
type ForecastRequest struct {
	Feature          string
	Target           string
	Order            []string
	MetadataPatterns []string
	MaxParallel      int
}

// Forecast predicts which files several work packages will contend for by
// diffing each branch against the target (target...branch). Nothing is
// mutated. Each prediction lists the packages in merge order. Code paths
// come before metadata paths; within each group paths are sorted.
func Forecast(ctx context.Context, git ForecastGit, req ForecastRequest) ([]ConflictPrediction, error) {
	type changes struct {
		files []string
		err   error
	}

	mapper := iter.Mapper[string, changes]{MaxGoroutines: parallelism(req.MaxParallel, len(req.Order))}
	results := mapper.Map(req.Order, func(id *string) changes {
		files, err := git.ChangedFiles(ctx, req.Target, wp.BranchName(req.Feature, *id))
		return changes{files: files, err: err}
	})

	touchedBy := make(map[string][]string)
	for i, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		id := req.Order[i]
		for _, f := range r.files {
			if !slices.Contains(touchedBy[f], id) {
				touchedBy[f] = append(touchedBy[f], id)
			}
		}
	}

	var predictions []ConflictPrediction
	for file, ids := range touchedBy {
		if len(ids) < 2 {
			continue
		}
		predictions = append(predictions, ConflictPrediction{
			FilePath:               file,
			ConflictingWPs:         ids,
			IsReconcilableMetadata: IsMetadataPath(file, req.MetadataPatterns),
		})
	}

	slices.SortFunc(predictions, func(a, b ConflictPrediction) int {
		if a.IsReconcilableMetadata != b.IsReconcilableMetadata {
			if a.IsReconcilableMetadata {
				return 1
			}
			return -1
		}
		return strings.Compare(a.FilePath, b.FilePath)
	})
	return predictions, nil
}

// IsMetadataPath reports whether file, a slash-separated repository path,
// matches any of patterns.
func IsMetadataPath(file string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, file); err == nil && ok {
			return true
		}
	}
	return false
}

// CodeConflicts returns the predictions that are not reconcilable metadata.
func CodeConflicts(predictions []ConflictPrediction) []ConflictPrediction {
	var out []ConflictPrediction
	for _, p := range predictions {
		if !p.IsReconcilableMetadata {
			out = append(out, p)
		}
	}
	return out
}
