package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glimte/pipeforce-go/health"
	"github.com/glimte/pipeforce-go/messaging"
	"github.com/spf13/cobra"
)

var errUnhealthy = errors.New("service is unhealthy")

func newHealthCommand(a *app) *cobra.Command {
	var backlog int

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the broker connection, the service queue and the hub",
		Long: `Run the readiness checks and print the report as JSON. The command fails
when any check is unhealthy. A degraded queue does not fail it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			checkers := []health.Checker{
				health.NewComponentChecker("broker", func(ctx context.Context) (health.Status, string, error) {
					if err := client.Connect(ctx); err != nil {
						return health.StatusUnhealthy, "Broker not reachable", err
					}
					return health.StatusHealthy, "Connected", nil
				}),
			}
			if inspector, ok := client.Transport().(messaging.QueueInspector); ok {
				checkers = append(checkers, health.NewQueueChecker(a.cfg.ServiceQueue(), inspector, backlog))
			}
			if hub := client.Hub(); hub != nil {
				checkers = append(checkers, health.NewHubChecker(hub))
			}

			report := health.Run(ctx, a.logger, checkers...)

			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("failed to print report: %w", err)
			}

			if report.Status == health.StatusUnhealthy {
				return errUnhealthy
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&backlog, "backlog", health.DefaultBacklogThreshold, "Queue depth above which the service queue is degraded")
	return cmd
}
