package wp

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/wpflow/internal/errors"
)

// Store supplies structured work package metadata for a feature.
type Store interface {
	// List returns every work package of feature in ascending id order.
	List(ctx context.Context, feature string) ([]WorkPackage, error)
	// Features returns the feature slugs the store knows about.
	Features(ctx context.Context) ([]string, error)
}

// Get returns the work package id from s, or a NotFoundError.
func Get(ctx context.Context, s Store, feature, id string) (WorkPackage, error) {
	all, err := s.List(ctx, feature)
	if err != nil {
		return WorkPackage{}, err
	}
	for _, w := range all {
		if w.ID == id {
			return w, nil
		}
	}
	return WorkPackage{}, errors.NewNotFoundError("work package", id).WithCause(errors.ErrMissingMetadata)
}

// -----------------------------------------------------------------------------
// FileStore
// -----------------------------------------------------------------------------

// FileStore reads work packages from markdown files with YAML frontmatter
// under {featuresDir}/{feature}/tasks/. Files may sit in lane subdirectories.
//
//	---
//	work_package_id: WP02
//	title: Storage layer
//	lane: doing
//	dependencies: [WP01]
//	---
type FileStore struct {
	featuresDir string
}

// NewFileStore creates a FileStore rooted at featuresDir.
func NewFileStore(featuresDir string) *FileStore {
	return &FileStore{featuresDir: featuresDir}
}

type frontmatter struct {
	WorkPackageID string   `yaml:"work_package_id"`
	Title         string   `yaml:"title"`
	Lane          string   `yaml:"lane"`
	Dependencies  []string `yaml:"dependencies"`
}

var wpFileName = regexp.MustCompile(`^(WP\d{2})(?:[-_.].*)?\.md$`)

// List implements Store.
func (s *FileStore) List(ctx context.Context, feature string) ([]WorkPackage, error) {
	tasksDir := filepath.Join(s.featuresDir, feature, "tasks")
	if _, err := os.Stat(tasksDir); err != nil {
		return nil, errors.NewNotFoundError("feature", feature).WithCause(err)
	}

	seen := make(map[string]string)
	var out []WorkPackage
	err := filepath.WalkDir(tasksDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		m := wpFileName.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		w, err := readWorkPackage(path, m[1])
		if err != nil {
			return err
		}
		if prev, dup := seen[w.ID]; dup {
			return errors.NewValidationError(fmt.Sprintf("%s declared in both %s and %s", w.ID, prev, path)).
				WithField("work_package_id").
				WithValue(w.ID)
		}
		seen[w.ID] = path
		out = append(out, w)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b WorkPackage) int { return CompareIDs(a.ID, b.ID) })
	return out, nil
}

// Features implements Store.
func (s *FileStore) Features(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.featuresDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read features directory")
	}
	var features []string
	for _, e := range entries {
		if e.IsDir() && ValidFeature(e.Name()) {
			features = append(features, e.Name())
		}
	}
	slices.Sort(features)
	return features, nil
}

func readWorkPackage(path, idFromName string) (WorkPackage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkPackage{}, errors.Wrapf(err, "failed to read %s", path)
	}

	var fm frontmatter
	if block, ok := extractFrontmatter(data); ok {
		if err := yaml.Unmarshal(block, &fm); err != nil {
			return WorkPackage{}, errors.NewValidationError("invalid frontmatter").
				WithField(path).
				WithCause(err)
		}
	}

	id := strings.TrimSpace(fm.WorkPackageID)
	if id == "" {
		id = idFromName
	}
	if !ValidID(id) {
		return WorkPackage{}, errors.NewValidationError(fmt.Sprintf("malformed work package id %q", id)).
			WithField(path).
			WithCause(errors.ErrInvalidWPID)
	}

	lane, err := ParseLane(fm.Lane)
	if err != nil {
		return WorkPackage{}, errors.Wrapf(err, "%s", path)
	}

	deps := make([]string, 0, len(fm.Dependencies))
	for _, d := range fm.Dependencies {
		if d = strings.TrimSpace(d); d != "" {
			deps = append(deps, d)
		}
	}

	return WorkPackage{
		ID:           id,
		Title:        fm.Title,
		Dependencies: deps,
		Lane:         lane,
		Source:       path,
	}, nil
}

// extractFrontmatter returns the YAML between a leading "---" line and the
// next "---" line.
func extractFrontmatter(data []byte) ([]byte, bool) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	lines := bytes.SplitAfter(data, []byte("\n"))
	if len(lines) == 0 || strings.TrimSpace(string(lines[0])) != "---" {
		return nil, false
	}
	var block bytes.Buffer
	for _, line := range lines[1:] {
		if strings.TrimSpace(string(line)) == "---" {
			return block.Bytes(), true
		}
		block.Write(line)
	}
	return nil, false
}

// -----------------------------------------------------------------------------
// MapStore
// -----------------------------------------------------------------------------

// MapStore is an in-memory Store keyed by feature.
type MapStore map[string][]WorkPackage

// List implements Store.
func (m MapStore) List(_ context.Context, feature string) ([]WorkPackage, error) {
	wps, ok := m[feature]
	if !ok {
		return nil, errors.NewNotFoundError("feature", feature)
	}
	out := slices.Clone(wps)
	slices.SortFunc(out, func(a, b WorkPackage) int { return CompareIDs(a.ID, b.ID) })
	return out, nil
}

// Features implements Store.
func (m MapStore) Features(context.Context) ([]string, error) {
	var out []string
	for f := range m {
		out = append(out, f)
	}
	slices.Sort(out)
	return out, nil
}

// -----------------------------------------------------------------------------
// Feature inference
// -----------------------------------------------------------------------------

// InferFeature picks the feature to operate on: the explicit slug if given,
// else the feature encoded in the current branch, else the only feature in
// the store.
func InferFeature(ctx context.Context, s Store, explicit, currentBranch string) (string, error) {
	if explicit != "" {
		if !ValidFeature(explicit) {
			return "", errors.NewValidationError(fmt.Sprintf("malformed feature slug %q", explicit)).
				WithField("feature").
				WithCause(errors.ErrInvalidInput)
		}
		return explicit, nil
	}
	if f, _, ok := ParseBranch(currentBranch); ok {
		return f, nil
	}
	features, err := s.Features(ctx)
	if err != nil {
		return "", err
	}
	switch len(features) {
	case 1:
		return features[0], nil
	case 0:
		return "", errors.NewNotFoundError("feature", "any").WithCause(errors.ErrMissingMetadata)
	}
	return "", errors.NewValidationError(
		fmt.Sprintf("several features found (%s); pass --feature", strings.Join(features, ", "))).
		WithField("feature").
		WithCause(errors.ErrInvalidInput)
}
