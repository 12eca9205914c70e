// Package wp models work packages: the unit of parallel work within a feature.
//
// A work package has an id of the form WPnn, a list of dependency ids, and a
// lane describing how far along it is. Its branch and worktree locations are
// derived from the feature slug and id, never stored.
package wp

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/Iron-Ham/wpflow/internal/errors"
)

// Lane is a work package's position in its completion lifecycle.
type Lane string

// Lanes, in lifecycle order. LaneDone is the terminal merged state.
const (
	LanePlanned    Lane = "planned"
	LaneClaimed    Lane = "claimed"
	LaneInProgress Lane = "in_progress"
	LaneForReview  Lane = "for_review"
	LaneApproved   Lane = "approved"
	LaneDone       Lane = "done"
	LaneBlocked    Lane = "blocked"
	LaneCanceled   Lane = "canceled"
)

// Lanes returns every canonical lane.
func Lanes() []Lane {
	return []Lane{
		LanePlanned, LaneClaimed, LaneInProgress, LaneForReview,
		LaneApproved, LaneDone, LaneBlocked, LaneCanceled,
	}
}

var laneAliases = map[string]Lane{
	"doing":       LaneInProgress,
	"in-progress": LaneInProgress,
	"wip":         LaneInProgress,
	"review":      LaneForReview,
	"for-review":  LaneForReview,
	"merged":      LaneDone,
	"complete":    LaneDone,
	"completed":   LaneDone,
	"cancelled":   LaneCanceled,
	"todo":        LanePlanned,
}

// ParseLane converts an untrusted string to a canonical Lane. Matching is
// case-insensitive and resolves known aliases; anything else is rejected.
// An empty string is LanePlanned.
func ParseLane(s string) (Lane, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "" {
		return LanePlanned, nil
	}
	for _, l := range Lanes() {
		if key == string(l) {
			return l, nil
		}
	}
	if l, ok := laneAliases[key]; ok {
		return l, nil
	}
	return "", errors.NewValidationError(fmt.Sprintf("unknown lane %q", s)).
		WithField("lane").
		WithCause(errors.ErrInvalidLane)
}

// IsDone reports whether the work package has been merged.
func (l Lane) IsDone() bool {
	return l == LaneDone
}

// IsClosed reports whether no further integration is expected.
func (l Lane) IsClosed() bool {
	return l == LaneDone || l == LaneCanceled
}

// WorkPackage is one unit of parallel work.
type WorkPackage struct {
	ID           string
	Title        string
	Dependencies []string
	Lane         Lane
	// Source is the metadata file the package was read from, if any.
	Source string
}

// Branch returns the package's branch name within feature.
func (w WorkPackage) Branch(feature string) string {
	return BranchName(feature, w.ID)
}

// -----------------------------------------------------------------------------
// Ids and derived names
// -----------------------------------------------------------------------------

var idPattern = regexp.MustCompile(`^WP\d{2}$`)

// ValidID reports whether id is a well-formed work package id (WP + two digits).
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Number returns the numeric suffix of id, or -1 when id is malformed.
func Number(id string) int {
	if !ValidID(id) {
		return -1
	}
	n, _ := strconv.Atoi(id[2:])
	return n
}

// CompareIDs orders ids by numeric suffix, placing malformed ids last in
// lexical order.
func CompareIDs(a, b string) int {
	na, nb := Number(a), Number(b)
	switch {
	case na >= 0 && nb >= 0 && na != nb:
		return na - nb
	case na >= 0 && nb < 0:
		return -1
	case na < 0 && nb >= 0:
		return 1
	}
	return strings.Compare(a, b)
}

// SortIDs sorts ids in ascending numeric order in place and returns them.
func SortIDs(ids []string) []string {
	slices.SortFunc(ids, CompareIDs)
	return ids
}

// BranchName returns "{feature}-{id}".
func BranchName(feature, id string) string {
	return feature + "-" + id
}

// EphemeralBranchName returns the merge-base branch name for a work package
// with several unmerged dependencies.
func EphemeralBranchName(feature, id string) string {
	return BranchName(feature, id) + "-merge-base"
}

// WorktreePath returns {worktreeDir}/{feature}-{id}.
func WorktreePath(worktreeDir, feature, id string) string {
	return filepath.Join(worktreeDir, BranchName(feature, id))
}

var featureSlug = regexp.MustCompile(`^\d{3}-[a-z0-9][a-z0-9-]*$`)

// ValidFeature reports whether slug looks like "001-some-feature".
func ValidFeature(slug string) bool {
	return featureSlug.MatchString(slug)
}

var wpBranch = regexp.MustCompile(`^(\d{3}-[a-z0-9][a-z0-9-]*)-(WP\d{2})(?:-merge-base)?$`)

// ParseBranch splits a work package branch into feature and id.
func ParseBranch(branch string) (feature, id string, ok bool) {
	m := wpBranch.FindStringSubmatch(branch)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
