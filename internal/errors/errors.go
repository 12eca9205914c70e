// Package errors provides centralized error definitions and error handling utilities
// for wpflow. It defines sentinel errors for the work-package pipeline, typed errors
// carrying the context an operator needs to act on a failure, and classification
// helpers used by the CLI to pick exit codes and rendering.
//
// # Error Kinds
//
// Every typed error belongs to one Kind:
//   - KindValidation: malformed WP ids, unknown or self dependencies, declared cycles
//   - KindOrdering: a cycle discovered only within an active merge batch
//   - KindPreflight: dirty or missing worktrees, a diverged target branch
//   - KindIntegration: real content conflicts during a merge step
//   - KindCleanup: post-success worktree or branch removal failures
//   - KindInternal: anything else (subprocess failures, I/O)
//
// Validation, ordering and preflight errors are reported before the repository is
// mutated. Integration errors leave the repository as git leaves a failed merge and
// carry a resume hint.
//
// # Usage
//
//	err := errors.NewGitError("merge failed", cause).WithBranch("001-auth-WP02")
//
//	if errors.Is(err, errors.ErrMergeConflict) { ... }
//
//	var integ *errors.IntegrationError
//	if errors.As(err, &integ) {
//	    fmt.Println(integ.ResumeHint)
//	}
//
//	switch errors.KindOf(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Kind classifies an error by the stage of the pipeline that produced it.
type Kind int

const (
	// KindInternal is an unexpected failure such as a subprocess that could not run.
	KindInternal Kind = iota
	// KindValidation is a configuration or metadata problem found before any mutation.
	KindValidation
	// KindOrdering is a cycle found within the active merge batch.
	KindOrdering
	// KindPreflight is a safety check that blocked the merge.
	KindPreflight
	// KindIntegration is a merge conflict that needs manual resolution.
	KindIntegration
	// KindCleanup is a failure in best-effort post-merge cleanup.
	KindCleanup
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindOrdering:
		return "ordering"
	case KindPreflight:
		return "preflight"
	case KindIntegration:
		return "integration"
	case KindCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Dependency-related sentinel errors
var (
	// ErrDependencyCycle indicates a circular dependency between work packages.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrUnknownDependency indicates a dependency on a work package that does not exist.
	ErrUnknownDependency = New("unknown dependency")
	// ErrSelfDependency indicates a work package that depends on itself.
	ErrSelfDependency = New("work package depends on itself")
	// ErrInvalidWPID indicates a malformed work package id.
	ErrInvalidWPID = New("invalid work package id")
	// ErrMissingMetadata indicates that no metadata exists for a work package.
	ErrMissingMetadata = New("work package metadata missing")
	// ErrInvalidLane indicates an unrecognized lane value.
	ErrInvalidLane = New("invalid lane")
)

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorktreeNotFound indicates that a worktree could not be found.
	ErrWorktreeNotFound = New("worktree not found")
	// ErrWorktreeExists indicates that a worktree already exists.
	ErrWorktreeExists = New("worktree already exists")
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
	// ErrBranchExists indicates that a branch already exists.
	ErrBranchExists = New("branch already exists")
	// ErrMergeConflict indicates that a merge conflict occurred.
	ErrMergeConflict = New("merge conflict")
	// ErrDirtyWorktree indicates that the worktree has uncommitted changes.
	ErrDirtyWorktree = New("worktree has uncommitted changes")
	// ErrTargetDiverged indicates that the target branch is behind its upstream.
	ErrTargetDiverged = New("target branch is behind its upstream")
)

// Merge-related sentinel errors
var (
	// ErrMergeInProgress indicates that persisted merge state already exists.
	ErrMergeInProgress = New("merge already in progress")
	// ErrNoMergeState indicates that there is no persisted merge state to act on.
	ErrNoMergeState = New("no merge in progress")
	// ErrUnsupportedStrategy indicates a merge strategy that cannot be used for the batch.
	ErrUnsupportedStrategy = New("unsupported merge strategy")
	// ErrPreflightFailed indicates that one or more preflight checks failed.
	ErrPreflightFailed = New("preflight checks failed")
	// ErrCheckoutLocked indicates that the checkout is not claimed by the caller.
	ErrCheckoutLocked = New("checkout is locked")
	// ErrNothingToMerge indicates an empty merge batch.
	ErrNothingToMerge = New("nothing to merge")
)

// General sentinel errors
var (
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// WPError is the base interface for all wpflow errors.
type WPError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// Kind returns the pipeline stage this error belongs to.
	Kind() Kind

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	kind       Kind
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// Kind returns the error kind.
func (e *baseError) Kind() Kind {
	return e.kind
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// formatWithContext renders "prefix [k=v, ...]: message: cause".
func formatWithContext(prefix string, parts []string, message string, cause error) string {
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", prefix, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("failed to create worktree", errors.ErrWorktreeExists)
//	err = err.WithBranch("001-auth-WP01").WithWorktree("/repo/.worktrees/001-auth-WP01")
type GitError struct {
	baseError
	Branch     string
	Worktree   string
	Repository string
	GitOutput  string // Captured git command output
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			kind:       KindInternal,
			userFacing: true,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = strings.TrimSpace(output)
	return e
}

// WithKind overrides the error kind.
func (e *GitError) WithKind(k Kind) *GitError {
	e.kind = k
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Worktree != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.Worktree))
	}
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}

	msg := formatWithContext("git error", parts, e.message, e.cause)
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// CycleError reports one or more dependency cycles.
//
// Example:
//
//	err := errors.NewCycleError([][]string{{"WP01", "WP02"}})
//	fmt.Println(err) // "dependency cycle detected: WP01 -> WP02 -> WP01"
type CycleError struct {
	baseError
	Cycles [][]string
}

// NewCycleError creates a new CycleError.
func NewCycleError(cycles [][]string) *CycleError {
	return &CycleError{
		baseError: baseError{
			message:    "dependency cycle detected",
			cause:      ErrDependencyCycle,
			severity:   SeverityError,
			kind:       KindValidation,
			userFacing: true,
		},
		Cycles: cycles,
	}
}

// Error returns the formatted error message.
func (e *CycleError) Error() string {
	rendered := make([]string, 0, len(e.Cycles))
	for _, c := range e.Cycles {
		if len(c) == 0 {
			continue
		}
		rendered = append(rendered, strings.Join(append(append([]string{}, c...), c[0]), " -> "))
	}
	if len(rendered) == 0 {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, strings.Join(rendered, "; "))
}

// Is checks if this error matches the target.
func (e *CycleError) Is(target error) bool {
	if _, ok := target.(*CycleError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// OrderingError reports work packages that could not be placed in a merge order.
type OrderingError struct {
	baseError
	Unresolved []string
}

// NewOrderingError creates a new OrderingError.
func NewOrderingError(unresolved []string) *OrderingError {
	return &OrderingError{
		baseError: baseError{
			message:    "cannot order merge batch",
			cause:      ErrDependencyCycle,
			severity:   SeverityError,
			kind:       KindOrdering,
			userFacing: true,
		},
		Unresolved: unresolved,
	}
}

// Error returns the formatted error message.
func (e *OrderingError) Error() string {
	return fmt.Sprintf("%s: cycle among %s", e.message, strings.Join(e.Unresolved, ", "))
}

// Is checks if this error matches the target.
func (e *OrderingError) Is(target error) bool {
	if _, ok := target.(*OrderingError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PreflightError summarizes failed preflight checks.
type PreflightError struct {
	baseError
	Problems []string
}

// NewPreflightError creates a new PreflightError.
func NewPreflightError(problems []string) *PreflightError {
	return &PreflightError{
		baseError: baseError{
			message:    "preflight checks failed",
			cause:      ErrPreflightFailed,
			severity:   SeverityError,
			kind:       KindPreflight,
			userFacing: true,
		},
		Problems: problems,
	}
}

// WithCause replaces the cause, e.g. with ErrTargetDiverged.
func (e *PreflightError) WithCause(cause error) *PreflightError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *PreflightError) Error() string {
	if len(e.Problems) == 0 {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, strings.Join(e.Problems, "; "))
}

// Is checks if this error matches the target.
func (e *PreflightError) Is(target error) bool {
	if _, ok := target.(*PreflightError); ok {
		return true
	}
	if errors.Is(target, ErrPreflightFailed) {
		return true
	}
	return e.baseError.Is(target)
}

// IntegrationError reports a merge that stopped on content conflicts.
//
// Example:
//
//	err := errors.NewIntegrationError("WP03", []string{"src/app.go"}).
//	    WithBranches("001-auth-WP03", "main").
//	    WithResumeHint("resolve conflicts, then run: wpflow merge --resume")
type IntegrationError struct {
	baseError
	WPID       string
	Branches   []string
	Files      []string
	ResumeHint string
}

// NewIntegrationError creates a new IntegrationError.
func NewIntegrationError(wpID string, files []string) *IntegrationError {
	return &IntegrationError{
		baseError: baseError{
			message:    "merge conflict",
			cause:      ErrMergeConflict,
			severity:   SeverityError,
			kind:       KindIntegration,
			userFacing: true,
		},
		WPID:  wpID,
		Files: files,
	}
}

// WithBranches records the branches whose merge conflicted.
func (e *IntegrationError) WithBranches(branches ...string) *IntegrationError {
	e.Branches = branches
	return e
}

// WithResumeHint records the command the operator should run after resolving.
func (e *IntegrationError) WithResumeHint(hint string) *IntegrationError {
	e.ResumeHint = hint
	return e
}

// Error returns the formatted error message.
func (e *IntegrationError) Error() string {
	var parts []string
	if e.WPID != "" {
		parts = append(parts, fmt.Sprintf("wp=%s", e.WPID))
	}
	if len(e.Branches) > 0 {
		parts = append(parts, fmt.Sprintf("branches=%s", strings.Join(e.Branches, "+")))
	}
	msg := formatWithContext("integration error", parts, e.message, nil)
	if len(e.Files) > 0 {
		msg = fmt.Sprintf("%s in %s", msg, strings.Join(e.Files, ", "))
	}
	return msg
}

// Is checks if this error matches the target.
func (e *IntegrationError) Is(target error) bool {
	if _, ok := target.(*IntegrationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("branch", "001-auth-WP01")
//	fmt.Println(err) // "branch '001-auth-WP01' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			kind:       KindValidation,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a resource that already exists.
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity:   SeverityWarning,
			kind:       KindValidation,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *AlreadyExistsError) WithCause(cause error) *AlreadyExistsError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' already exists: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' already exists", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("dependency must not reference itself").
//	    WithField("dependencies").WithValue("WP03")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			kind:       KindValidation,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatWithContext("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// KindOf returns the Kind of the first WPError in err's chain.
// Errors that carry no kind are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var wpErr WPError
	if As(err, &wpErr) {
		return wpErr.Kind()
	}
	switch {
	case Is(err, ErrDependencyCycle), Is(err, ErrUnknownDependency),
		Is(err, ErrSelfDependency), Is(err, ErrInvalidWPID), Is(err, ErrInvalidInput):
		return KindValidation
	case Is(err, ErrMergeConflict):
		return KindIntegration
	case Is(err, ErrDirtyWorktree), Is(err, ErrTargetDiverged), Is(err, ErrPreflightFailed):
		return KindPreflight
	}
	return KindInternal
}

// IsRecoverable reports whether the caller can fix err without repairing the
// repository: validation, ordering and preflight failures happen before mutation.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindOrdering, KindPreflight:
		return true
	}
	return false
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var wpErr WPError
	if As(err, &wpErr) {
		return wpErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement WPError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var wpErr WPError
	if As(err, &wpErr) {
		return wpErr.Severity()
	}
	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to load work packages")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to merge %s", wpID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
