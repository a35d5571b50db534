package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show message and consumer counts of the service queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			states, err := client.QueueStatus(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "%-40s %-10s %-10s\n", "QUEUE", "MESSAGES", "CONSUMERS")
			for _, s := range states {
				fmt.Fprintf(a.out, "%-40s %-10d %-10d\n", s.Name, s.Messages, s.Consumers)
			}
			return nil
		},
	}
}

func redactedURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
