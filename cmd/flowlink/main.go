package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orris-inc/flowlink/internal/interfaces/cli/agent"
	"github.com/orris-inc/flowlink/internal/shared/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "flowlink",
		Short:         "flowlink - edge device agent",
		Long:          `flowlink connects an edge device to its backend accounts and keeps the local flow configuration in sync with them.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.AddCommand(
		agent.NewCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the agent version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version.Agent())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *agent.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
