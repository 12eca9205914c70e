package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/wpflow/internal/config"
	"github.com/Iron-Ham/wpflow/internal/worktree"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View wpflow configuration",
	Long: `View wpflow configuration.

Settings are read from .wpflow/config.yaml in the repository, then from
$XDG_CONFIG_HOME/wpflow/config.yaml, and can be overridden with WPFLOW_*
environment variables, e.g. WPFLOW_MERGE_STRATEGY=squash.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file in use",
	RunE:  runConfigPath,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long: `Create a config file with every option at its default value.

By default the file is written to .wpflow/config.yaml in the repository;
--user writes $XDG_CONFIG_HOME/wpflow/config.yaml instead.`,
	RunE: runConfigInit,
}

var (
	configFormat string
	configUser   bool
	configForce  bool
)

func init() {
	configCmd.PersistentFlags().StringVarP(&configFormat, "format", "f", "yaml", "Output format: yaml, toml, or json")
	configInitCmd.Flags().BoolVar(&configUser, "user", false, "Write the user-level config file")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
}

// settings mirrors the config file layout so every format uses the same keys.
func settings(cfg *config.Config) map[string]any {
	return map[string]any{
		"merge": map[string]any{
			"strategy":          cfg.Merge.Strategy,
			"target_branch":     cfg.Merge.TargetBranch,
			"remote":            cfg.Merge.Remote,
			"push":              cfg.Merge.Push,
			"cleanup_worktrees": cfg.Merge.CleanupWorktrees,
			"cleanup_branches":  cfg.Merge.CleanupBranches,
			"allow_diverged":    cfg.Merge.AllowDiverged,
		},
		"paths": map[string]any{
			"worktree_dir": cfg.Paths.WorktreeDir,
			"state_dir":    cfg.Paths.StateDir,
			"features_dir": cfg.Paths.FeaturesDir,
		},
		"forecast": map[string]any{
			"metadata_patterns": cfg.Forecast.MetadataPatterns,
			"max_parallel":      cfg.Forecast.MaxParallel,
		},
		"logging": map[string]any{
			"enabled":     cfg.Logging.Enabled,
			"level":       cfg.Logging.Level,
			"max_size_mb": cfg.Logging.MaxSizeMB,
			"max_backups": cfg.Logging.MaxBackups,
		},
	}
}

func encodeSettings(cfg *config.Config, format string) ([]byte, error) {
	s := settings(cfg)
	switch format {
	case "yaml", "yml":
		return yaml.Marshal(s)
	case "toml":
		return toml.Marshal(s)
	case "json":
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
	return nil, fmt.Errorf("unknown format %q (valid: yaml, toml, json)", format)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	data, err := encodeSettings(cfg, configFormat)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if configFormat == "yaml" || configFormat == "yml" {
		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Fprintf(out, "# Config file: %s\n", used)
		} else {
			fmt.Fprintln(out, "# Config file: (none - using defaults)")
		}
	}
	_, err = out.Write(data)
	return err
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintln(cmd.OutOrStdout(), used)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (not created)\n", config.ConfigFile())
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.ConfigFile()
	if !configUser {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		root, err := worktree.FindGitRoot(cwd)
		if err != nil {
			return err
		}
		path = filepath.Join(root, ".wpflow", "config.yaml")
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	data, err := encodeSettings(config.Default(), "yaml")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	header := []byte("# wpflow configuration\n# Every value shown is the default.\n\n")
	if err := os.WriteFile(path, append(header, data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created config file: %s\n", path)
	return nil
}
