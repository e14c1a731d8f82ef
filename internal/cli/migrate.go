package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/reqprof/internal/cli/helpers"
	"github.com/coral-mesh/reqprof/internal/config"
	"github.com/coral-mesh/reqprof/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		Long: `Apply the embedded PostgreSQL migrations and print the schema version.

The DSN defaults to storage.postgres.dsn. DuckDB and Redis need no
migrations: DuckDB creates its schema when opened and Redis is schemaless.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if dsn == "" {
				if cfg.Storage.Backend != config.BackendPostgres {
					cmd.Printf("Storage backend %q has no migrations\n", cfg.Storage.Backend)
					return nil
				}
				dsn = cfg.Storage.Postgres.DSN
			}

			logger := helpers.Logger(cmd, cfg)
			if err := postgres.Migrate(cmd.Context(), dsn, logger); err != nil {
				return err
			}
			version, err := postgres.SchemaVersion(cmd.Context(), dsn, logger)
			if err != nil {
				return fmt.Errorf("failed to read schema version: %w", err)
			}
			cmd.Printf("PostgreSQL schema at version %d\n", version)
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (overrides storage.postgres.dsn)")
	return cmd
}
