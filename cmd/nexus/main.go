package main

import (
	"fmt"
	"os"

	"github.com/pysugar/nexus-scheduler/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:          "nexus",
		Short:        "Multi-account LLM gateway scheduler",
		Long:         "nexus keeps a pool of linked upstream accounts healthy and hands the best one to each dispatched request.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: NEXUS_CONFIG or a well-known location)")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newAccountsCmd(&configPath),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "nexus %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
			return err
		},
	}
}
