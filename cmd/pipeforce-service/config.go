package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Long:  "Print every setting after derivation. Secrets, passwords and tokens are shown as an MD5 prefix.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range a.cfg.Settings() {
				fmt.Fprintf(a.out, "%-36s %s\n", s[0], s[1])
			}
			fmt.Fprintf(a.out, "%-36s %s\n", "AMQP_URL", redactedURL(a.cfg.AMQPURL()))
			return nil
		},
	}
}
