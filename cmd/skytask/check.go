package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"skytask/internal/app"
	"skytask/internal/config"
)

func newCheckConfigCmd(cfgPath *string) *cobra.Command {
	var printCfg bool
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return checkConfig(cmd.Context(), cmd.OutOrStdout(), *cfgPath, printCfg)
		},
	}
	cmd.Flags().BoolVar(&printCfg, "print", false, "print the decoded config (secrets included)")
	return cmd
}

func checkConfig(ctx context.Context, out io.Writer, path string, printCfg bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	okMark := color.New(color.FgGreen, color.Bold).SprintFunc()
	badMark := color.New(color.FgRed, color.Bold).SprintFunc()
	key := color.New(color.FgCyan).SprintFunc()

	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		fmt.Fprintf(out, "%s %s: %v\n", badMark("FAIL"), path, err)
		return err
	}
	if err := app.Validate(ctx, cfg); err != nil {
		fmt.Fprintf(out, "%s %s: %v\n", badMark("FAIL"), path, err)
		return err
	}
	fmt.Fprintf(out, "%s %s\n", okMark("OK"), path)

	storage := "memory"
	if cfg.Storage != nil && strings.TrimSpace(cfg.Storage.Driver) != "" {
		storage = cfg.Storage.Driver
	}
	httpState := "disabled"
	if cfg.HTTP.Enabled {
		httpState = cfg.HTTP.Addr
		if httpState == "" {
			httpState = "default addr"
		}
	}
	tenants := make([]string, 0, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		tenants = append(tenants, t.Code)
	}
	rows := [][2]string{
		{"storage", storage},
		{"scheduler", fmt.Sprintf("enabled=%t timezone=%q", cfg.Scheduler.Enabled, cfg.Scheduler.Timezone)},
		{"dispatch", fmt.Sprintf("workers=%d queue_size=%d policy=%q", cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, cfg.Dispatch.QueueFullPolicy)},
		{"http", httpState},
		{"self node", fmt.Sprintf("enabled=%t", cfg.Nodes.Self.Enabled)},
		{"tenants", strings.Join(tenants, ",")},
	}
	for _, r := range rows {
		fmt.Fprintf(out, "  %-10s %s\n", key(r[0]), r[1])
	}

	if printCfg {
		data, err := config.Encode(path, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%s\n", data)
	}
	return nil
}
