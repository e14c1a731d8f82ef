package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/reqprof/internal/cli/helpers"
)

const (
	prompt             = "duckdb> "
	continuationPrompt = "    ..> "
)

var errExit = errors.New("exit")

// lineReader is the part of *readline.Instance the shell drives.
type lineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// NewShellCmd creates the shell subcommand for interactive queries.
func NewShellCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Open an interactive SQL shell on the profile store",
		Long: `Opens an interactive SQL shell on the DuckDB profile store. Supports
command history, multi-line queries and meta-commands.

Meta-commands:
  .tables     - List tables
  .help       - Show help message
  .exit       - Exit shell (or Ctrl+D)
  .quit       - Exit shell

Example:
  duckdb> SELECT url, count(*) AS requests
      ..> FROM profiled_requests
      ..> GROUP BY url;`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd, path)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          prompt,
				HistoryFile:     filepath.Join(helpers.Loader(cmd).Dir(), "duckdb_history"),
				InterruptPrompt: "^C",
				EOFPrompt:       ".exit",
				Stdout:          cmd.OutOrStdout(),
				Stderr:          cmd.ErrOrStderr(),
			})
			if err != nil {
				return fmt.Errorf("failed to initialize readline: %w", err)
			}
			defer func() { _ = rl.Close() }()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "DuckDB profile shell. Type '.exit' to quit, '.help' for help.")
			fmt.Fprintln(out)
			return runShell(cmd.Context(), db, rl, out)
		},
	}

	cmd.Flags().StringVarP(&path, "database", "d", "", "DuckDB file (default: storage.duckdb.path)")

	return cmd
}

// runShell reads statements until EOF or .exit. Statements end with a
// semicolon and may span several lines.
func runShell(ctx context.Context, db *sql.DB, rl lineReader, out io.Writer) error {
	var queryBuffer strings.Builder

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				queryBuffer.Reset()
				rl.SetPrompt(prompt)
				continue
			} else if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("readline error: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if queryBuffer.Len() == 0 && strings.HasPrefix(line, ".") {
			if err := handleMetaCommand(ctx, db, line, out); err != nil {
				if errors.Is(err, errExit) {
					return nil
				}
				fmt.Fprintf(out, "Error: %v\n", err)
			}
			continue
		}

		if queryBuffer.Len() > 0 {
			queryBuffer.WriteString(" ")
		}
		queryBuffer.WriteString(line)

		if !strings.HasSuffix(line, ";") {
			rl.SetPrompt(continuationPrompt)
			continue
		}

		query := queryBuffer.String()
		queryBuffer.Reset()
		rl.SetPrompt(prompt)

		if err := executeQuery(ctx, db, query, out); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
	}
}

// handleMetaCommand handles shell meta-commands like .tables and .help.
func handleMetaCommand(ctx context.Context, db *sql.DB, command string, out io.Writer) error {
	switch strings.Fields(command)[0] {
	case ".exit", ".quit":
		return errExit

	case ".help":
		fmt.Fprintln(out, "Meta-commands:")
		fmt.Fprintln(out, "  .tables     - List tables")
		fmt.Fprintln(out, "  .help       - Show this help message")
		fmt.Fprintln(out, "  .exit       - Exit shell")
		fmt.Fprintln(out, "  .quit       - Exit shell")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Query syntax:")
		fmt.Fprintln(out, "  - End queries with semicolon (;)")
		fmt.Fprintln(out, "  - Use Ctrl+C to cancel current query")
		fmt.Fprintln(out, "  - Use Ctrl+D or .exit to quit")
		return nil

	case ".tables":
		return executeQuery(ctx, db,
			"SELECT table_name FROM duckdb_tables() WHERE database_name != 'system' ORDER BY table_name;", out)

	default:
		return fmt.Errorf("unknown meta-command: %s (try .help)", command)
	}
}

// executeQuery runs query and prints a table with its timing.
func executeQuery(ctx context.Context, db *sql.DB, query string, out io.Writer) error {
	start := time.Now()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("failed to get columns: %w", err)
	}

	n, err := printResultsAsTable(out, rows, columns)
	if err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n(%d rows in %s)\n\n", n, time.Since(start).Round(time.Millisecond))
	return nil
}
