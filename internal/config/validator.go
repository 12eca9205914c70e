package config

import (
	"fmt"
	"path"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "merge.strategy")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateMerge()...)
	errors = append(errors, c.validatePaths()...)
	errors = append(errors, c.validateForecast()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateMerge() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidStrategies(), c.Merge.Strategy) {
		errors = append(errors, ValidationError{
			Field:   "merge.strategy",
			Value:   c.Merge.Strategy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStrategies(), ", ")),
		})
	}

	if strings.ContainsAny(c.Merge.TargetBranch, " ~^:?*[\\") {
		errors = append(errors, ValidationError{
			Field:   "merge.target_branch",
			Value:   c.Merge.TargetBranch,
			Message: "is not a valid branch name",
		})
	}

	if c.Merge.Push && c.Merge.Remote == "" {
		errors = append(errors, ValidationError{
			Field:   "merge.remote",
			Value:   c.Merge.Remote,
			Message: "must be set when merge.push is enabled",
		})
	}

	return errors
}

func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	fields := []struct {
		name  string
		value string
	}{
		{"paths.worktree_dir", c.Paths.WorktreeDir},
		{"paths.state_dir", c.Paths.StateDir},
		{"paths.features_dir", c.Paths.FeaturesDir},
	}

	const maxPathLength = 4096
	for _, f := range fields {
		if strings.ContainsRune(f.value, '\x00') {
			errors = append(errors, ValidationError{
				Field:   f.name,
				Value:   f.value,
				Message: "path contains invalid null character",
			})
		}
		if len(f.value) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   f.name,
				Value:   f.value,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	if c.Paths.WorktreeDir != "" && c.Paths.WorktreeDir == c.Paths.StateDir {
		errors = append(errors, ValidationError{
			Field:   "paths.state_dir",
			Value:   c.Paths.StateDir,
			Message: "must differ from paths.worktree_dir",
		})
	}

	return errors
}

func (c *Config) validateForecast() []ValidationError {
	var errors []ValidationError

	for i, pattern := range c.Forecast.MetadataPatterns {
		if _, err := path.Match(pattern, ""); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("forecast.metadata_patterns[%d]", i),
				Value:   pattern,
				Message: "is not a valid glob pattern",
			})
		}
	}

	if c.Forecast.MaxParallel < 1 || c.Forecast.MaxParallel > 64 {
		errors = append(errors, ValidationError{
			Field:   "forecast.max_parallel",
			Value:   c.Forecast.MaxParallel,
			Message: "must be between 1 and 64",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB <= 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 1 and %d", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
