package duckdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_SimpleSelect(t *testing.T) {
	q, args, err := NewQueryBuilder("profiled_requests").Build()

	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM profiled_requests", q)
	assert.Empty(t, args)
}

func TestBuilder_FiltersOrderAndPaging(t *testing.T) {
	url := "/checkout"

	q, args, err := NewQueryBuilder("profiled_requests").
		Select("id", "url").
		Eq("url", url).
		Eq("server", "").
		Where("status_code >= ?", 500).
		OrderBy("-captured_on_utc", "id").
		Limit(20).
		Offset(40).
		Build()

	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id, url FROM profiled_requests WHERE url = ? AND status_code >= ? ORDER BY captured_on_utc DESC, id LIMIT ? OFFSET ?",
		q)
	assert.Equal(t, []any{url, 500, 20, 40}, args)
}

func TestBuilder_EmptyEqSkipped(t *testing.T) {
	q, args, err := NewQueryBuilder("t").Eq("url", "").Eq("status_code", 0).Build()

	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE status_code = ?", q)
	assert.Equal(t, []any{0}, args)
}

func TestBuilder_GroupBy(t *testing.T) {
	b := NewQueryBuilder("profiled_requests").
		Select("url", "count(*) AS requests", "max(captured_on_utc) AS most_recent").
		Where("elapsed_ms >= ?", 0).
		GroupBy("url").
		OrderBy("-most_recent").
		Limit(10)

	q, args, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT url, count(*) AS requests, max(captured_on_utc) AS most_recent FROM profiled_requests WHERE elapsed_ms >= ? GROUP BY url ORDER BY most_recent DESC LIMIT ?",
		q)
	assert.Equal(t, []any{0, 10}, args)

	q, args, err = b.BuildCount()
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT count(*) FROM (SELECT 1 FROM profiled_requests WHERE elapsed_ms >= ? GROUP BY url) AS grouped",
		q)
	assert.Equal(t, []any{0}, args)
}

func TestBuilder_BuildCount(t *testing.T) {
	q, args, err := NewQueryBuilder("timed_requests").Eq("url", "/a").OrderBy("-elapsed_ms").Limit(5).BuildCount()

	require.NoError(t, err)
	assert.Equal(t, "SELECT count(*) FROM timed_requests WHERE url = ?", q)
	assert.Equal(t, []any{"/a"}, args)
}

func TestBuilder_BuildIsRepeatable(t *testing.T) {
	b := NewQueryBuilder("t").Eq("a", 1).Limit(3)

	q1, args1 := b.MustBuild()
	q2, args2 := b.MustBuild()

	assert.Equal(t, q1, q2)
	assert.Equal(t, args1, args2)
	assert.Len(t, args2, 2)
}

func TestBuilder_MissingTable(t *testing.T) {
	_, _, err := NewQueryBuilder("").Build()
	assert.Error(t, err)

	_, _, err = NewQueryBuilder("").BuildCount()
	assert.Error(t, err)

	assert.Panics(t, func() { NewQueryBuilder("").MustBuild() })
}
