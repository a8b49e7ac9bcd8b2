package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoplan/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyo",
		Short: "Froyo - phase-based plan execution engine",
		Long: `Froyo turns a declared change set into a phased plan and executes it
against a fleet of nodes.

Tasks are ordered by their dependencies, grouped into phases that run
node-parallel, and bracketed by node lock and unlock tasks. Re-running a
changed manifest only re-plans the work that has not already succeeded.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.ServiceConfigFile, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCreatePlanCommand(version))
	rootCmd.AddCommand(newRunPlanCommand(version))
	rootCmd.AddCommand(newStopPlanCommand(version))
	rootCmd.AddCommand(newShowPlanCommand(version))
	rootCmd.AddCommand(newRemovePlanCommand(version))
	rootCmd.AddCommand(newLocksCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newCheckNodesCommand())

	return rootCmd
}
