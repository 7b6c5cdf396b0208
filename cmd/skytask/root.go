package main

import (
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "skytask",
		Short: "SkyTask multi-tenant job scheduler",
		Long: `SkyTask schedules CRON, FIXED_RATE and ONE_TIME tasks per tenant,
dispatches them to HTTP, SHELL or in-process executors, retries failures,
and disables tasks whose failure rate stays above the configured threshold.

Examples:
  # run the scheduler and its HTTP API
  skytask serve --config ./config.yaml

  # validate a config file without starting anything
  skytask check-config --config ./config.yaml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newCheckConfigCmd(&cfgPath))
	root.AddCommand(newVersionCmd())
	return root
}
