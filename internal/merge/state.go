package merge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/wpflow/internal/errors"
)

// StateFileName is the merge state file inside the state directory.
const StateFileName = "merge-state.json"

// Strategy is how a work package branch is folded into the target.
type Strategy string

const (
	StrategyMerge  Strategy = "merge"
	StrategySquash Strategy = "squash"
	StrategyRebase Strategy = "rebase"
)

// ParseStrategy validates s. An empty string is StrategyMerge.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyMerge:
		return StrategyMerge, nil
	case StrategySquash:
		return StrategySquash, nil
	case StrategyRebase:
		return StrategyRebase, nil
	}
	return "", errors.NewValidationError(fmt.Sprintf("unknown merge strategy %q (valid: merge, squash, rebase)", s)).
		WithField("strategy").
		WithCause(errors.ErrUnsupportedStrategy)
}

// MergeState tracks a multi-package merge across process restarts. It is
// saved after every state-advancing event and removed when the merge
// finishes or is aborted.
type MergeState struct {
	RunID               string    `json:"run_id"`
	FeatureSlug         string    `json:"feature_slug"`
	TargetBranch        string    `json:"target_branch"`
	WPOrder             []string  `json:"wp_order"`
	CompletedWPs        []string  `json:"completed_wps"`
	CurrentWP           string    `json:"current_wp,omitempty"`
	Strategy            Strategy  `json:"strategy"`
	HasPendingConflicts bool      `json:"has_pending_conflicts"`
	StartedAt           time.Time `json:"started_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// NewMergeState starts tracking a merge of order into target.
func NewMergeState(feature, target string, order []string, strategy Strategy) *MergeState {
	now := time.Now().UTC()
	return &MergeState{
		RunID:        uuid.NewString(),
		FeatureSlug:  feature,
		TargetBranch: target,
		WPOrder:      slices.Clone(order),
		CompletedWPs: []string{},
		Strategy:     strategy,
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// IsCompleted reports whether id has been merged in this run.
func (s *MergeState) IsCompleted(id string) bool {
	return slices.Contains(s.CompletedWPs, id)
}

// Remaining returns the ids in WPOrder that are not completed, in order.
func (s *MergeState) Remaining() []string {
	var out []string
	for _, id := range s.WPOrder {
		if !s.IsCompleted(id) {
			out = append(out, id)
		}
	}
	return out
}

// MarkCompleted records id as merged and clears the in-flight markers.
func (s *MergeState) MarkCompleted(id string) {
	if !s.IsCompleted(id) {
		s.CompletedWPs = append(s.CompletedWPs, id)
	}
	if s.CurrentWP == id {
		s.CurrentWP = ""
	}
	s.HasPendingConflicts = false
}

// StateStore persists MergeState as JSON in one directory per repository.
type StateStore struct {
	dir string
}

// NewStateStore creates a store writing {dir}/merge-state.json.
func NewStateStore(dir string) *StateStore {
	return &StateStore{dir: dir}
}

// Path returns the state file path.
func (s *StateStore) Path() string {
	return filepath.Join(s.dir, StateFileName)
}

// Exists reports whether a state file is present.
func (s *StateStore) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Load reads the state file. A missing file is errors.ErrNoMergeState.
func (s *StateStore) Load() (*MergeState, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrNoMergeState
		}
		return nil, fmt.Errorf("read merge state: %w", err)
	}
	var st MergeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal merge state %s: %w", s.Path(), err)
	}
	if st.CompletedWPs == nil {
		st.CompletedWPs = []string{}
	}
	return &st, nil
}

// Save writes st atomically: a uniquely named temp file in the same
// directory is renamed over the state file.
func (s *StateStore) Save(st *MergeState) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal merge state: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	f, err := os.CreateTemp(s.dir, StateFileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp, s.Path()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Delete removes the state file. A missing file is errors.ErrNoMergeState.
func (s *StateStore) Delete() error {
	if err := os.Remove(s.Path()); err != nil {
		if os.IsNotExist(err) {
			return errors.ErrNoMergeState
		}
		return fmt.Errorf("remove merge state: %w", err)
	}
	return nil
}
