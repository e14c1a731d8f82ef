// Package duckdb provides CLI commands for querying the DuckDB profile store
// with SQL.
package duckdb

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/reqprof/internal/cli/helpers"
	"github.com/coral-mesh/reqprof/internal/config"
	"github.com/coral-mesh/reqprof/internal/duckdb"
)

// NewDuckDBCmd creates the duckdb command.
func NewDuckDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "duckdb",
		Short: "Query the DuckDB profile store with SQL",
		Long: `Run SQL against the DuckDB file that holds stored profiles.

Tables:
  profiled_requests   One row per profiled request, call tree as JSON
  timed_requests      Long request records
  profiled_responses  Captured responses

DuckDB allows a single writer: stop 'reqprof serve' before opening the
store here.

Examples:
  # Slowest URLs
  reqprof duckdb query "SELECT url, max(elapsed_ms) FROM profiled_requests GROUP BY url ORDER BY 2 DESC"

  # Interactive shell
  reqprof duckdb shell`,
	}

	cmd.AddCommand(NewQueryCmd())
	cmd.AddCommand(NewShellCmd())

	return cmd
}

// openStore opens the configured DuckDB file, or path when set.
func openStore(cmd *cobra.Command, path string) (*sql.DB, error) {
	if path == "" {
		cfg, err := helpers.LoadConfig(cmd)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.Backend != config.BackendDuckDB {
			return nil, fmt.Errorf("storage backend is %q, not duckdb", cfg.Storage.Backend)
		}
		path = cfg.Storage.DuckDB.Path
	}
	if duckdb.InMemory(path) {
		return nil, fmt.Errorf("the profile store is in memory; set storage.duckdb.path to query it")
	}
	return duckdb.Open(cmd.Context(), path)
}
