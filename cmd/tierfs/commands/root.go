// Package commands implements the CLI commands for tierfs server management.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/tierfs/tierfs/cmd/tierfs/commands/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tierfs",
	Short: "TierFS - Two-tier file storage server",
	Long: `TierFS serves files from a fast cache tier backed by a slow NAS tier.
Uploads land in the cache and synchronize to the NAS in the background;
downloads come from whichever tier holds the content, restoring evicted
files to the cache on demand.

Use "tierfs [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/tierfs/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(config.Cmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
