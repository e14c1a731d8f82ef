package duckdb

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/reqprof/internal/cli/helpers"
)

// NewQueryCmd creates the query subcommand for one-shot SQL queries.
func NewQueryCmd() *cobra.Command {
	var (
		format string
		path   string
	)

	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Execute a one-shot SQL query against the profile store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.ListFormats); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			db, err := openStore(cmd, path)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return runQuery(ctx, db, args[0], helpers.OutputFormat(format), cmd.OutOrStdout())
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.ListFormats)
	cmd.Flags().StringVarP(&path, "database", "d", "", "DuckDB file (default: storage.duckdb.path)")

	return cmd
}

func runQuery(ctx context.Context, db *sql.DB, query string, format helpers.OutputFormat, w io.Writer) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("failed to get columns: %w", err)
	}

	switch format {
	case helpers.FormatCSV:
		err = printResultsAsCSV(w, rows, columns)
	case helpers.FormatJSON:
		err = printResultsAsJSON(w, rows, columns)
	default:
		var n int
		n, err = printResultsAsTable(w, rows, columns)
		if err == nil {
			_, err = fmt.Fprintf(w, "\n(%d rows)\n", n)
		}
	}
	if err != nil {
		return err
	}
	return rows.Err()
}

// scanRows calls fn with the values of every row.
func scanRows(rows *sql.Rows, width int, fn func(values []any) error) error {
	for rows.Next() {
		values := make([]any, width)
		ptrs := make([]any, width)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if err := fn(values); err != nil {
			return err
		}
	}
	return nil
}

// printResultsAsTable prints query results in a formatted table and returns
// the row count.
func printResultsAsTable(out io.Writer, rows *sql.Rows, columns []string) (int, error) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	for i, col := range columns {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, col)
	}
	fmt.Fprintln(w)
	for i := range columns {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, "---")
	}
	fmt.Fprintln(w)

	count := 0
	err := scanRows(rows, len(columns), func(values []any) error {
		for i, val := range values {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, formatValue(val))
		}
		fmt.Fprintln(w)
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	return count, w.Flush()
}

// printResultsAsCSV prints query results in CSV format.
func printResultsAsCSV(out io.Writer, rows *sql.Rows, columns []string) error {
	w := csv.NewWriter(out)
	if err := w.Write(columns); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	err := scanRows(rows, len(columns), func(values []any) error {
		record := make([]string, len(values))
		for i, val := range values {
			record[i] = formatValue(val)
		}
		return w.Write(record)
	})
	if err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// printResultsAsJSON prints query results as a JSON array of objects.
func printResultsAsJSON(out io.Writer, rows *sql.Rows, columns []string) error {
	results := []map[string]any{}
	err := scanRows(rows, len(columns), func(values []any) error {
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
		return nil
	})
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(results); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// formatValue formats a value for display in table or CSV output.
func formatValue(val any) string {
	if val == nil {
		return "NULL"
	}

	switch v := val.(type) {
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}
