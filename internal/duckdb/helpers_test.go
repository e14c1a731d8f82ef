package duckdb

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestInterpolateQuery(t *testing.T) {
	id := uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")
	at := time.Date(2025, 12, 13, 15, 30, 45, 123456789, time.FixedZone("EST", -5*3600))

	tests := []struct {
		name  string
		query string
		args  []any
		want  string
	}{
		{name: "no args", query: "SELECT 1", want: "SELECT 1"},
		{name: "string escaping", query: "SELECT * FROM t WHERE url = ?", args: []any{"/o'brien"}, want: "SELECT * FROM t WHERE url = '/o''brien'"},
		{name: "numbers", query: "LIMIT ? OFFSET ?", args: []any{20, int64(40)}, want: "LIMIT 20 OFFSET 40"},
		{name: "float", query: "WHERE p = ?", args: []any{99.5}, want: "WHERE p = 99.5"},
		{name: "bool and null", query: "WHERE a = ? AND b = ?", args: []any{true, nil}, want: "WHERE a = true AND b = NULL"},
		{name: "time in utc", query: "WHERE ts >= ?", args: []any{at}, want: "WHERE ts >= '2025-12-13T20:30:45.123456789Z'"},
		{name: "stringer", query: "WHERE id = ?", args: []any{id}, want: "WHERE id = '7d444840-9dc0-11d1-b245-5ffdce74fad2'"},
		{name: "extra placeholders kept", query: "WHERE a = ? AND b = ?", args: []any{1}, want: "WHERE a = 1 AND b = ?"},
		{
			name:  "whitespace collapsed",
			query: "SELECT id\n\tFROM t\n\tWHERE id = ?",
			args:  []any{"x"},
			want:  "SELECT id FROM t WHERE id = 'x'",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, InterpolateQuery(tc.query, tc.args))
		})
	}
}
