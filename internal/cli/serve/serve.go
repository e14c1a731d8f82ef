// Package serve implements 'reqprof serve'.
package serve

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/reqprof/internal/app"
	"github.com/coral-mesh/reqprof/internal/cli/helpers"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var (
		listen  string
		backend string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the profiled demo shop and the profile API",
		Long: `Run the reqprof HTTP server until interrupted.

The server exposes:
  /shop/...      Demo shop whose requests are profiled
  /api/...       Stored profiles as JSON
  /live          Websocket feed of newly persisted profiles
  /metrics       Prometheus metrics
  /health        Liveness probe

Pending profiles are flushed to storage before the command exits.`,
		Example: `  reqprof serve
  reqprof serve --listen 127.0.0.1:9090 --storage redis
  REQPROF_LONG_REQUEST_THRESHOLD=200ms reqprof serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if backend != "" {
				cfg.Storage.Backend = backend
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, app.Options{LogOutput: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}

			cmd.Println("Press Ctrl+C to stop")
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides server.listen)")
	cmd.Flags().StringVar(&backend, "storage", "", "Storage backend: duckdb, postgres or redis")
	return cmd
}
