// Package duckdb wraps the DuckDB driver with a small struct-tag table
// mapper and a SELECT builder.
//
// Row types map columns through `duckdb` tags:
//
//	type requestRow struct {
//	    ID  string `duckdb:"id,pk"`
//	    URL string `duckdb:"url,immutable"`
//	}
//
//	requests := duckdb.NewTable[requestRow](db, "profiled_requests")
//	err := requests.Upsert(ctx, &row)
//	rows, err := requests.Query(ctx, requests.Select().Eq("url", url).OrderBy("-captured_on_utc").Limit(20))
//
// The builder only generates SQL; Table executes it.
package duckdb
