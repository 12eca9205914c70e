package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete wpflow configuration
type Config struct {
	Merge    MergeConfig    `mapstructure:"merge"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Forecast ForecastConfig `mapstructure:"forecast"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// MergeConfig holds the defaults for `wpflow merge`. Flags override every field.
type MergeConfig struct {
	// Strategy is how WP branches are folded into the target.
	// Options: "merge", "squash", "rebase" (rebase only for single-WP batches)
	Strategy string `mapstructure:"strategy"`
	// TargetBranch is the integration branch. Empty means detect main/master.
	TargetBranch string `mapstructure:"target_branch"`
	// Remote is the remote pushed to when Push is set (default: "origin")
	Remote string `mapstructure:"remote"`
	// Push pushes the target branch after all WPs merged (default: false)
	Push bool `mapstructure:"push"`
	// CleanupWorktrees removes merged WP worktrees (default: true)
	CleanupWorktrees bool `mapstructure:"cleanup_worktrees"`
	// CleanupBranches deletes merged WP branches and their merge-base branches (default: true)
	CleanupBranches bool `mapstructure:"cleanup_branches"`
	// AllowDiverged lets a merge proceed when the target is behind its upstream (default: false)
	AllowDiverged bool `mapstructure:"allow_diverged"`
}

// PathsConfig controls where wpflow reads and writes inside the repository
type PathsConfig struct {
	// WorktreeDir holds one worktree per WP (default: ".worktrees")
	// Relative paths resolve against the repository root; ~ expands to $HOME.
	WorktreeDir string `mapstructure:"worktree_dir"`
	// StateDir holds merge-state.json and logs (default: ".wpflow")
	StateDir string `mapstructure:"state_dir"`
	// FeaturesDir holds {feature}/tasks/WPxx.md metadata files (default: "features")
	FeaturesDir string `mapstructure:"features_dir"`
}

// ForecastConfig controls the read-only conflict forecast and preflight fan-out
type ForecastConfig struct {
	// MetadataPatterns are path.Match globs for per-WP status files that are
	// reconciled field by field rather than merged as text.
	MetadataPatterns []string `mapstructure:"metadata_patterns"`
	// MaxParallel bounds concurrent git queries per check (default: 4)
	MaxParallel int `mapstructure:"max_parallel"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled writes JSON logs to {state_dir}/logs (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the log size that triggers rotation (default: 5)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// DefaultMetadataPatterns are the per-WP status files written by lane tracking.
func DefaultMetadataPatterns() []string {
	return []string{
		"features/*/tasks/*.md",
		"features/*/status.json",
		"features/*/status.events.jsonl",
	}
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Merge: MergeConfig{
			Strategy:         "merge",
			TargetBranch:     "",
			Remote:           "origin",
			Push:             false,
			CleanupWorktrees: true,
			CleanupBranches:  true,
			AllowDiverged:    false,
		},
		Paths: PathsConfig{
			WorktreeDir: ".worktrees",
			StateDir:    ".wpflow",
			FeaturesDir: "features",
		},
		Forecast: ForecastConfig{
			MetadataPatterns: DefaultMetadataPatterns(),
			MaxParallel:      4,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  5,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("merge.strategy", defaults.Merge.Strategy)
	viper.SetDefault("merge.target_branch", defaults.Merge.TargetBranch)
	viper.SetDefault("merge.remote", defaults.Merge.Remote)
	viper.SetDefault("merge.push", defaults.Merge.Push)
	viper.SetDefault("merge.cleanup_worktrees", defaults.Merge.CleanupWorktrees)
	viper.SetDefault("merge.cleanup_branches", defaults.Merge.CleanupBranches)
	viper.SetDefault("merge.allow_diverged", defaults.Merge.AllowDiverged)

	viper.SetDefault("paths.worktree_dir", defaults.Paths.WorktreeDir)
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	viper.SetDefault("paths.features_dir", defaults.Paths.FeaturesDir)

	viper.SetDefault("forecast.metadata_patterns", defaults.Forecast.MetadataPatterns)
	viper.SetDefault("forecast.max_parallel", defaults.Forecast.MaxParallel)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when the
// loaded configuration is invalid.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// resolve expands ~ and anchors relative paths at baseDir.
func resolve(baseDir, path, fallback string) string {
	if path == "" {
		path = fallback
	}

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// ResolveWorktreeDir returns the absolute worktree directory for a repository root.
func (p *PathsConfig) ResolveWorktreeDir(repoRoot string) string {
	return resolve(repoRoot, p.WorktreeDir, ".worktrees")
}

// ResolveStateDir returns the absolute state directory for a repository root.
func (p *PathsConfig) ResolveStateDir(repoRoot string) string {
	return resolve(repoRoot, p.StateDir, ".wpflow")
}

// ResolveFeaturesDir returns the absolute features directory for a repository root.
func (p *PathsConfig) ResolveFeaturesDir(repoRoot string) string {
	return resolve(repoRoot, p.FeaturesDir, "features")
}

// ResolveLogDir returns the directory debug logs are written to.
func (p *PathsConfig) ResolveLogDir(repoRoot string) string {
	return filepath.Join(p.ResolveStateDir(repoRoot), "logs")
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "wpflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wpflow"
	}
	return filepath.Join(home, ".config", "wpflow")
}

// ConfigFile returns the path to the user-level config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidStrategies returns the list of valid merge strategies
func ValidStrategies() []string {
	return []string{"merge", "squash", "rebase"}
}
