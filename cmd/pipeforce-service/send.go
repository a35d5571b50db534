package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newSendCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <routing-key> [payload]",
		Short: "Publish a message to the default topic exchange",
		Long:  "Publish a message and return immediately. Without payload argument the payload is read from stdin.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadArg(cmd, args)
			if err != nil {
				return err
			}

			client, err := a.newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Connect(cmd.Context()); err != nil {
				return err
			}
			if err := client.Send(cmd.Context(), args[0], payload); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}

			fmt.Fprintf(a.out, "Sent %d bytes to %s\n", len(payload), args[0])
			return nil
		},
	}
}

func newCallCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "call <routing-key> [payload]",
		Short: "Publish a message and wait for the correlated response",
		Long: `Publish a message with a fresh correlation ID and the service queue as reply
address, then wait for the response. The wait is bounded by --timeout.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadArg(cmd, args)
			if err != nil {
				return err
			}

			client, err := a.newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			if err := client.Connect(ctx); err != nil {
				return err
			}

			done := make(chan error, 1)
			go func() { done <- client.Run(ctx) }()

			select {
			case <-client.Ready():
			case err := <-done:
				if err == nil {
					err = errors.New("consumer stopped before the call was made")
				}
				return err
			}

			response, err := client.Call(ctx, args[0], payload)
			if err != nil {
				return err
			}

			_, err = a.out.Write(append(response, '\n'))
			return err
		},
	}
}

// payloadArg returns the second argument, or stdin when there is none
func payloadArg(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) > 1 {
		return []byte(args[1]), nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			return nil, nil
		}
	}

	payload, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return payload, nil
}
