package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "battlehealer",
		Short: "Self-healing HTTP client for unstable upstream APIs",
		Long: `battlehealer drives a single logical HTTP request across a configurable
set of regional endpoints, retrying with exponential backoff and token
recovery at the transport layer, and consulting a pluggable planner for
higher-order healing actions — payload repair, schema adaptation, region
switching, mock degradation, or recovery queueing — until the request
succeeds, degrades gracefully, or is abandoned.`,
		Version: version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the battlehealer version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
