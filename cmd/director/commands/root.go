package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	version      string
	configPath   string
	verbose      bool
	jsonOutput   bool
	profile      string
	dataDir      string
	installDir   string
	database     string
	repositories []string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "director",
		Short: "director - installable unit provisioning",
		Long: `director installs, updates and removes installable units in a profile.

Requests are resolved against the configured repositories into a plan, the
plan is checked by policy, and the engine executes it phase by phase through
touchpoints. Every successful change is committed as a new, timestamped
profile snapshot, so any earlier state can be restored with 'revert'.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file path (default ./director.cue)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	flags.StringVarP(&opts.profile, "profile", "p", "", "profile id (overrides config)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides config)")
	flags.StringVar(&opts.installDir, "install-dir", "", "install folder of the native touchpoint (overrides config)")
	flags.StringVar(&opts.database, "database", "", "profile database path (overrides config)")
	flags.StringSliceVarP(&opts.repositories, "repository", "r", nil, "additional repository locations")

	rootCmd.AddCommand(newInstallCommand(opts))
	rootCmd.AddCommand(newUninstallCommand(opts))
	rootCmd.AddCommand(newListCommand(opts))
	rootCmd.AddCommand(newRevertCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newRepositoryCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))

	return rootCmd
}
