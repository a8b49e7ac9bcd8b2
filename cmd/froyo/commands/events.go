package commands

import (
	"os"

	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	var (
		planID string
		limit  int
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the plan event audit trail",
		Example: `  # Events of the current plan
  froyo events

  # The last 500 events of every plan
  froyo events --all --limit 500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.Close()

			if planID == "" && !all {
				if plan, err := a.store.LoadPlan(cmd.Context()); err == nil {
					planID = plan.ID
				}
			}

			records, err := a.store.ListEvents(cmd.Context(), planID, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(os.Stdout, records)
			}
			renderEvents(os.Stdout, records)
			return nil
		},
	}

	cmd.Flags().StringVar(&planID, "plan", "", "plan ID (default: current plan)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	cmd.Flags().BoolVar(&all, "all", false, "show events of every plan")

	return cmd
}
