package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/wpflow/internal/config"
	"github.com/Iron-Ham/wpflow/internal/worktree"
)

var rootCmd = &cobra.Command{
	Use:   "wpflow",
	Short: "Integrate parallel work package branches",
	Long: `wpflow creates one git worktree per work package and integrates their
branches back into a target branch in dependency order.

A work package that depends on several unmerged packages starts from an
ephemeral merge-base branch combining them. Merges are preflighted, can be
forecast for conflicts with --dry-run, and survive interruption through a
resumable state file.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is .wpflow/config.yaml, then $XDG_CONFIG_HOME/wpflow/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(implementCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(configCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		// Repository settings win over user settings.
		if cwd, err := os.Getwd(); err == nil {
			if top, err := worktree.FindGitRoot(cwd); err == nil {
				viper.AddConfigPath(filepath.Join(top, ".wpflow"))
			}
		}
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("WPFLOW")
	// e.g. WPFLOW_MERGE_STRATEGY for merge.strategy
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
