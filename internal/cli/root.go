// Package cli wires the reqprof command tree.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	configcmd "github.com/coral-mesh/reqprof/internal/cli/config"
	duckdbcmd "github.com/coral-mesh/reqprof/internal/cli/duckdb"
	"github.com/coral-mesh/reqprof/internal/cli/helpers"
	"github.com/coral-mesh/reqprof/internal/cli/profile"
	"github.com/coral-mesh/reqprof/internal/cli/serve"
	"github.com/coral-mesh/reqprof/pkg/version"
)

const formatText helpers.OutputFormat = "text"

// NewRootCmd builds the reqprof command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reqprof",
		Short: "reqprof - per-request call tree profiler",
		Long: `Record a call tree for every HTTP request, with each log line attached
to the method that wrote it.

Key capabilities:
- Call trees: nested intercepted calls with start offsets and durations
- Log attribution: log events land on the method active when they were written
- Long request monitoring: requests over a threshold are recorded separately
- Pluggable storage: DuckDB, PostgreSQL or Redis
- Live feed: new profiles streamed over a websocket`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String(helpers.ConfigDirFlag, "",
		"Config directory (default $REQPROF_CONFIG or ~/.reqprof)")

	rootCmd.AddCommand(serve.NewServeCmd())
	rootCmd.AddCommand(profile.NewRequestsCmd())
	rootCmd.AddCommand(profile.NewURLsCmd())
	rootCmd.AddCommand(profile.NewURLsToProfileCmd())
	rootCmd.AddCommand(profile.NewLongRequestsCmd())
	rootCmd.AddCommand(profile.NewResponsesCmd())
	rootCmd.AddCommand(duckdbcmd.NewDuckDBCmd())
	rootCmd.AddCommand(configcmd.NewConfigCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	var format string
	formats := []helpers.OutputFormat{formatText, helpers.FormatJSON}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, formats); err != nil {
				return err
			}
			info := version.Get()
			out := cmd.OutOrStdout()
			if format == string(helpers.FormatJSON) {
				return (&helpers.JSONFormatter{}).Format(info, out)
			}
			fmt.Fprintf(out, "reqprof version %s\n", info.Version)
			fmt.Fprintf(out, "Git commit: %s\n", info.GitCommit)
			fmt.Fprintf(out, "Build date: %s\n", info.BuildDate)
			fmt.Fprintf(out, "Go version: %s (%s)\n", info.GoVersion, info.Platform)
			return nil
		},
	}

	helpers.AddFormatFlag(cmd, &format, formatText, formats)
	return cmd
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}
