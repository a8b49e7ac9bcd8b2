package commands

import (
	"os"

	"github.com/spf13/cobra"
)

func newLocksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Show node lock states",
		Long: `Show the last committed lock state of every node.

A node left Locked by a failed or stopped plan is unlocked first by the
next plan that touches it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.Close()

			locks, err := a.store.LoadNodeLocks(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(os.Stdout, locks)
			}
			renderLocks(os.Stdout, locks)
			return nil
		},
	}

	return cmd
}
