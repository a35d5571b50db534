package main

import (
	"github.com/glimte/pipeforce-go/messaging"
	"github.com/spf13/cobra"
)

func newRunCommand(a *app) *cobra.Command {
	var (
		greetPattern string
		waitPattern  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume the service queue and dispatch messages",
		Long: `Declare the service queue, bind it to the default topic exchange for every
handler pattern and dispatch incoming messages until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			a.logger.Info("starting service", "config", a.cfg)

			hello := &helloService{client: client, logger: a.logger.With("handler", "hello")}
			if greetPattern != "" {
				if err := client.Handle(greetPattern, messaging.HandlerFunc(hello.Greeting)); err != nil {
					return err
				}
			}
			if waitPattern != "" {
				if err := client.Handle(waitPattern, messaging.HandlerFunc(hello.GreetingWithWait)); err != nil {
					return err
				}
			}

			return client.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&greetPattern, "greet", "pipeforce.webhook.foo.*", "Pattern bound to the greeting handler, empty to disable")
	cmd.Flags().StringVar(&waitPattern, "greet-wait", "", "Pattern bound to the greeting handler that makes a synchronous call")

	return cmd
}
