package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoplan/pkg/config"
	"github.com/openfroyo/froyoplan/pkg/engine"
)

// unlockedNodes is a lock view in which no node is locked.
type unlockedNodes struct{}

func (unlockedNodes) IsLocked(string) bool { return false }
func (unlockedNodes) LockedNodes() []string { return nil }

func newValidateCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "validate [manifest]",
		Short: "Validate a manifest and preview its phases",
		Long: `Validate a manifest without touching the state database.

This command checks:
  - CUE or HCL syntax and schema conformance
  - Starlark producer output
  - Dependency references, ordered groups and cluster precedence
  - Dependency cycles

The preview compiles every task as if nothing had run yet and no node
were locked.`,
		Example: `  # Validate the configured manifest
  froyo validate

  # Validate a specific manifest and print the preview as Graphviz
  froyo validate ./site/manifest.hcl --dot | dot -Tsvg > plan.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if errors.Is(err, os.ErrNotExist) {
				cfg = config.DefaultServiceConfig()
			} else if err != nil {
				return err
			}

			path := ""
			if len(args) > 0 {
				path = args[0]
			}

			log.Debug().Str("manifest", path).Msg("Validating manifest")

			cs, err := loadChangeSet(cmd.Context(), cfg, log.Logger, path)
			if err != nil {
				return err
			}

			graph, err := engine.NewGraphBuilder().Build(cs)
			if err != nil {
				return err
			}

			plan, err := engine.NewPhaseCompiler(engine.CompilerOptions{ManagementNode: cfg.ManagementNode}).
				Compile(engine.CompileRequest{Graph: graph, Locks: unlockedNodes{}, Digest: cs.Digest()})
			if err != nil {
				return err
			}

			switch {
			case dot:
				fmt.Print(plan.ToDOT())
			case jsonOutput:
				return writeJSON(os.Stdout, plan)
			default:
				fmt.Printf("✓ Manifest is valid\n")
				fmt.Printf("  Tasks:    %d\n", graph.Len())
				fmt.Printf("  Clusters: %d\n", len(graph.Clusters()))
				fmt.Printf("  Removals: %d\n", len(graph.PendingDeletions()))
				fmt.Printf("  Digest:   %s\n\n", subtleStyle.Render(cs.Digest()))
				renderPlan(os.Stdout, plan)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the preview as a Graphviz digraph")

	return cmd
}
