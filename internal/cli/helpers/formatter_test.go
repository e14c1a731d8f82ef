package helpers

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	URL      string    `header:"URL"`
	Requests int       `header:"REQUESTS"`
	Recent   time.Time `header:"MOST RECENT"`
	Errors   bool      `header:"ERRORS"`
	Internal string
}

func sampleRows() []row {
	return []row{
		{URL: "/checkout", Requests: 3, Recent: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), Errors: true, Internal: "x"},
		{URL: "/cart", Requests: 1},
	}
}

func TestNewFormatter(t *testing.T) {
	for _, f := range ListFormats {
		got, err := NewFormatter(f)
		require.NoError(t, err, f)
		assert.NotNil(t, got)
	}

	_, err := NewFormatter("yaml")
	assert.Error(t, err)
}

func TestTableFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&TableFormatter{}).Format(sampleRows(), &buf))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Regexp(t, `^URL\s+REQUESTS\s+MOST RECENT\s+ERRORS$`, string(lines[0]))
	assert.Regexp(t, `^/checkout\s+3\s+2024-01-02T03:04:05Z\s+yes$`, string(lines[1]))
	assert.Regexp(t, `^/cart\s+1\s+-\s+no$`, string(lines[2]))
	assert.NotContains(t, buf.String(), "Internal")
}

func TestCSVFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&CSVFormatter{}).Format(sampleRows(), &buf))
	assert.Equal(t,
		"URL,REQUESTS,MOST RECENT,ERRORS\n/checkout,3,2024-01-02T03:04:05Z,yes\n/cart,1,-,no\n",
		buf.String())
}

func TestFormatters_EmptyAndInvalid(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&TableFormatter{}).Format([]row{}, &buf))
	require.NoError(t, (&CSVFormatter{}).Format([]row{}, &buf))
	assert.Empty(t, buf.String())

	assert.Error(t, (&TableFormatter{}).Format(row{}, &buf))
	assert.Error(t, (&CSVFormatter{}).Format("text", &buf))
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&JSONFormatter{}).Format(map[string]int{"deleted": 2}, &buf))

	var got map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 2, got["deleted"])
}

func TestValidateFormat(t *testing.T) {
	assert.NoError(t, ValidateFormat("csv", ListFormats))
	err := ValidateFormat("xml", []OutputFormat{FormatTable, FormatJSON})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table, json")
}
