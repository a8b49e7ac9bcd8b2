package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoplan/pkg/engine"
	"github.com/openfroyo/froyoplan/pkg/telemetry"
)

func newRunPlanCommand(version string) *cobra.Command {
	var (
		checkDigest bool
		manifest    string
		metrics     bool
	)

	cmd := &cobra.Command{
		Use:   "run-plan",
		Short: "Execute the current plan",
		Long: `Execute the current plan phase by phase and wait for it to settle.

Tasks of one phase run in parallel across nodes. A phase that settles with
a failed task fails the plan. Interrupting the command requests a stop: the
running phase completes and no further phase starts.

With --check-digest the manifest is loaded again and the plan is discarded
if the model changed since it was created.`,
		Example: `  # Run the current plan
  froyo run-plan

  # Refuse to run a plan compiled from an older manifest
  froyo run-plan --check-digest`,
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

			digest := ""
			if checkDigest {
				cs, err := a.loadChangeSet(cmd.Context(), manifest)
				if err != nil {
					return err
				}
				digest = cs.Digest()
			}

			if metrics {
				if err := a.tel.StartMetricsServer(); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
			}

			if !jsonOutput {
				a.tel.Events.Subscribe(printProgress, telemetry.FilterByType(
					engine.EventPhaseStarted,
					engine.EventPhaseCompleted,
					engine.EventTaskStateChanged,
				))
			}

			started := time.Now()
			if err := a.service.RunPlan(cmd.Context(), digest); err != nil {
				return err
			}

			settled := make(chan struct{})
			go func() {
				select {
				case <-cmd.Context().Done():
					log.Warn().Msg("Stopping after the current phase...")
				case <-settled:
				}
			}()

			state, err := a.service.WaitPlan(context.Background())
			close(settled)
			if err != nil {
				return err
			}

			plan, err := a.service.ShowPlan(context.Background())
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := writeJSON(os.Stdout, plan); err != nil {
					return err
				}
			} else {
				fmt.Println()
				renderPlan(os.Stdout, plan)
				fmt.Printf("\nPlan %s in %s\n", stateStyle(string(state)).Render(string(state)),
					time.Since(started).Round(time.Millisecond))
			}

			if state == engine.PlanFailed {
				return fmt.Errorf("plan %s failed", plan.ID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkDigest, "check-digest", false, "discard the plan if the manifest changed since it was created")
	cmd.Flags().StringVar(&manifest, "manifest", "", "manifest to check the digest against (default: configured manifest)")
	cmd.Flags().BoolVar(&metrics, "metrics", true, "serve Prometheus metrics while the plan runs")

	return cmd
}

// printProgress writes one line per phase boundary and task transition.
func printProgress(ev engine.Event) {
	ts := subtleStyle.Render(ev.Timestamp.Format("15:04:05"))
	switch ev.Type {
	case engine.EventPhaseStarted:
		fmt.Printf("%s %s\n", ts, titleStyle.Render(fmt.Sprintf("Phase %d", ev.Phase)))
	case engine.EventPhaseCompleted:
		fmt.Printf("%s Phase %d settled: %s\n", ts, ev.Phase, ev.Message)
	case engine.EventTaskStateChanged:
		if ev.Task == nil || ev.To == string(engine.TaskRunning) {
			return
		}
		line := fmt.Sprintf("  %s %s", stateStyle(ev.To).Render(fmt.Sprintf("%-8s", ev.To)), ev.Task)
		if ev.Message != "" && ev.To != string(engine.TaskSuccess) {
			line += subtleStyle.Render(": " + ev.Message)
		}
		fmt.Println(line)
	}
}

func newStopPlanCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop-plan",
		Short: "Request a stop of the running plan",
		Long: `Request a cooperative stop of the running plan. The running phase
completes; no further phase starts and the plan becomes Stopped. A stopped
plan cannot be resumed: create a new plan to continue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.service.StopPlan(cmd.Context()); err != nil {
				return err
			}

			fmt.Println("✓ Stop requested; the plan stops after its current phase")
			return nil
		},
	}

	return cmd
}
