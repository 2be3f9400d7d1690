// Package main provides the entry point for the depotfetch CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/depotfetch/cmd/depotfetch/commands"
	"github.com/Sumatoshi-tech/depotfetch/pkg/version"
)

func main() {
	version.InitBinaryVersion()

	rootCmd := &cobra.Command{
		Use:   "depotfetch",
		Short: "depotfetch - concurrent Perforce changelist retrieval",
		Long: `depotfetch fetches the files of Perforce changelists on a pool of
session-bound workers.

Commands:
  fetch     Fetch changelists and report per-changelist results
  validate  Validate recorded depot fixtures`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewFetchCommand())
	rootCmd.AddCommand(commands.NewValidateCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "depotfetch %s\n", version.String())
		},
	}
}
