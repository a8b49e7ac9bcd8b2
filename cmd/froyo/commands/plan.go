package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoplan/pkg/engine"
	"github.com/openfroyo/froyoplan/pkg/stores"
)

// exclusive takes the workspace run lock and recovers state a crashed
// process may have left behind. The lock is released by a.Close.
func (a *app) exclusive(cmd *cobra.Command) error {
	lock := stores.NewRunLock(a.cfg.StateDir)
	if err := lock.Acquire(); err != nil {
		return err
	}
	a.closers = append(a.closers, lock.Release)

	return a.service.Recover(cmd.Context())
}

func newCreatePlanCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-plan [manifest]",
		Short: "Compile a manifest into a new plan",
		Long: `Compile a manifest into a phased plan, replacing the current plan.

Tasks that already succeeded with the same content are left out. Nodes
with no remaining work get no lock or unlock tasks. The plan is checked
against the workspace policies before it is saved.`,
		Example: `  # Plan the configured manifest
  froyo create-plan

  # Plan a specific manifest
  froyo create-plan ./site/manifest.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.exclusive(cmd); err != nil {
				return err
			}

			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			cs, err := a.loadChangeSet(cmd.Context(), path)
			if err != nil {
				return err
			}

			plan, err := a.service.CreatePlan(cmd.Context(), cs)
			var nothing *engine.DoNothingPlanError
			if errors.As(err, &nothing) {
				fmt.Println(successStyle.Render("✓ Nothing to do: every task is already applied"))
				return nil
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(os.Stdout, plan)
			}
			fmt.Printf("✓ Created plan %s\n\n", plan.ID)
			renderPlan(os.Stdout, plan)
			return nil
		},
	}

	return cmd
}

func newShowPlanCommand(version string) *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "show-plan",
		Short: "Show the current plan and its task states",
		Example: `  froyo show-plan
  froyo show-plan --json
  froyo show-plan --dot | dot -Tpng > plan.png`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			plan, err := a.service.ShowPlan(cmd.Context())
			if err != nil {
				return err
			}

			switch {
			case dot:
				fmt.Print(plan.ToDOT())
			case jsonOutput:
				return writeJSON(os.Stdout, plan)
			default:
				renderPlan(os.Stdout, plan)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the plan as a Graphviz digraph")

	return cmd
}

func newRemovePlanCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-plan",
		Short: "Discard the current plan",
		Long: `Discard the current plan. A running plan must be stopped first.

Task outcomes and node locks are kept, so the next plan still skips work
that already succeeded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.exclusive(cmd); err != nil {
				return err
			}
			if err := a.service.RemovePlan(cmd.Context()); err != nil {
				return err
			}

			fmt.Println("✓ Plan removed")
			return nil
		},
	}

	return cmd
}
