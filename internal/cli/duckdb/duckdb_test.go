package duckdb

import (
	"bytes"
	"database/sql"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/reqprof/internal/cli/helpers"
	"github.com/coral-mesh/reqprof/internal/duckdb"
	storeduckdb "github.com/coral-mesh/reqprof/internal/storage/duckdb"
	"github.com/coral-mesh/reqprof/internal/testutil"
)

func seededDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := testutil.Context(t)
	path := filepath.Join(t.TempDir(), "profiles.duckdb")

	store, err := storeduckdb.Open(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRequest(ctx, testutil.SampleRequest("/checkout", at)))
	require.NoError(t, store.SaveRequest(ctx, testutil.SampleRequest("/checkout", at.Add(time.Minute))))
	require.NoError(t, store.Close())

	db, err := duckdb.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunQuery(t *testing.T) {
	db := seededDB(t)
	ctx := testutil.Context(t)
	query := "SELECT url, count(*) AS requests FROM profiled_requests GROUP BY url"

	var buf bytes.Buffer
	require.NoError(t, runQuery(ctx, db, query, helpers.FormatCSV, &buf))
	assert.Equal(t, "url,requests\n/checkout,2\n", buf.String())

	buf.Reset()
	require.NoError(t, runQuery(ctx, db, query, helpers.FormatJSON, &buf))
	assert.JSONEq(t, `[{"url":"/checkout","requests":2}]`, buf.String())

	buf.Reset()
	require.NoError(t, runQuery(ctx, db, query, helpers.FormatTable, &buf))
	assert.Contains(t, buf.String(), "/checkout")
	assert.Contains(t, buf.String(), "(1 rows)")

	assert.Error(t, runQuery(ctx, db, "SELECT * FROM missing_table", helpers.FormatTable, &buf))
}

type scriptedReader struct {
	lines   []string
	prompts []string
}

func (r *scriptedReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	if line == "^C" {
		return "", readline.ErrInterrupt
	}
	return line, nil
}

func (r *scriptedReader) SetPrompt(p string) {
	r.prompts = append(r.prompts, p)
}

func TestRunShell(t *testing.T) {
	db := seededDB(t)
	rl := &scriptedReader{lines: []string{
		"SELECT count(*) AS total",
		"FROM profiled_requests;",
		"SELECT broken",
		"^C",
		".tables",
		".bogus",
		"SELECT 1 FROM nowhere;",
		".exit",
		"SELECT 'never reached';",
	}}

	var out bytes.Buffer
	require.NoError(t, runShell(testutil.Context(t), db, rl, &out))

	text := out.String()
	assert.Contains(t, text, "total")
	assert.Contains(t, text, "(1 rows in")
	assert.Contains(t, text, "profiled_requests")
	assert.Contains(t, text, "timed_requests")
	assert.Contains(t, text, "unknown meta-command: .bogus")
	assert.Contains(t, text, "Error: ")
	assert.NotContains(t, text, "never reached")
	assert.Equal(t, []string{continuationPrompt, prompt, continuationPrompt, prompt, prompt}, rl.prompts)
	assert.Len(t, rl.lines, 1)
}

func TestRunShell_EOF(t *testing.T) {
	db := seededDB(t)
	var out bytes.Buffer
	require.NoError(t, runShell(testutil.Context(t), db, &scriptedReader{}, &out))
	assert.Equal(t, "\n", out.String())
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "NULL", formatValue(nil))
	assert.Equal(t, "raw", formatValue([]byte("raw")))
	assert.Equal(t, "2024-05-01T09:00:00Z", formatValue(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, "42", formatValue(int64(42)))
}
