package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoplan/pkg/config"
	"github.com/openfroyo/froyoplan/pkg/transports/ssh"
)

func newCheckNodesCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check-nodes [node...]",
		Short: "Check SSH connectivity to inventory nodes",
		Long: `Connect to each inventory node over SSH and run a health check.
With no arguments every node in the inventory is checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.Close()

			r, ok := a.runner.(*ssh.Runner)
			if !ok {
				return fmt.Errorf("check-nodes needs runner kind %q, workspace uses %q", config.RunnerSSH, a.cfg.Runner.Kind)
			}

			nodes := args
			if len(nodes) == 0 {
				nodes = r.Nodes()
			}

			failed := 0
			for _, node := range nodes {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				err := r.Check(ctx, node)
				cancel()

				if err != nil {
					failed++
					log.Debug().Err(err).Str("node", node).Msg("Node check failed")
					fmt.Printf("%s %s: %v\n", errorStyle.Render("✗"), node, err)
					continue
				}
				fmt.Printf("%s %s\n", successStyle.Render("✓"), node)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d nodes unreachable", failed, len(nodes))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-node check timeout")

	return cmd
}
