package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newPipelineCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pipeline <file|->",
		Short: "Execute a YAML pipeline on the hub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read pipeline: %w", err)
			}

			client, err := a.newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.RunPipeline(cmd.Context(), string(data))
			if err != nil {
				return err
			}
			return a.printResult(result)
		},
	}
}

func newCommandCommand(a *app) *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "command <name>",
		Short: "Execute a single command on the hub",
		Example: `  pipeforce-service command log --param message=hello
  pipeforce-service command iam.user.list`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make(map[string]string, len(params))
			for _, p := range params {
				k, v, ok := strings.Cut(p, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid param %q, expected key=value", p)
				}
				values[k] = v
			}

			client, err := a.newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.RunCommand(cmd.Context(), args[0], values)
			if err != nil {
				return err
			}
			return a.printResult(result)
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Command parameter as key=value, repeatable")
	return cmd
}

// printResult prints strings as is and everything else as indented JSON
func (a *app) printResult(result interface{}) error {
	switch r := result.(type) {
	case nil:
		return nil
	case string:
		_, err := fmt.Fprintln(a.out, r)
		return err
	}

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
