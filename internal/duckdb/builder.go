package duckdb

import (
	"errors"
	"fmt"
	"strings"
)

// Builder constructs SELECT statements with positional "?" arguments.
type Builder struct {
	table   string
	columns []string
	where   []whereClause
	groupBy []string
	orderBy []string
	limit   int
	offset  int
}

type whereClause struct {
	expr string
	args []any
}

// NewQueryBuilder starts a query on table.
func NewQueryBuilder(table string) *Builder {
	return &Builder{table: table}
}

// Select appends result columns or expressions. No columns selects "*".
func (b *Builder) Select(columns ...string) *Builder {
	b.columns = append(b.columns, columns...)
	return b
}

// Where adds a condition; conditions are joined with AND.
func (b *Builder) Where(expr string, args ...any) *Builder {
	b.where = append(b.where, whereClause{expr: expr, args: args})
	return b
}

// Eq adds "column = ?". An empty string value adds nothing, so optional
// filters can be passed straight through.
func (b *Builder) Eq(column string, value any) *Builder {
	if s, ok := value.(string); ok && s == "" {
		return b
	}
	return b.Where(column+" = ?", value)
}

// GroupBy appends grouping columns.
func (b *Builder) GroupBy(columns ...string) *Builder {
	b.groupBy = append(b.groupBy, columns...)
	return b
}

// OrderBy appends sort columns; a "-" prefix sorts descending.
func (b *Builder) OrderBy(columns ...string) *Builder {
	for _, col := range columns {
		if rest, ok := strings.CutPrefix(col, "-"); ok {
			col = rest + " DESC"
		}
		b.orderBy = append(b.orderBy, col)
	}
	return b
}

// Limit caps the number of rows. Zero means no limit.
func (b *Builder) Limit(n int) *Builder {
	b.limit = n
	return b
}

// Offset skips n rows.
func (b *Builder) Offset(n int) *Builder {
	b.offset = n
	return b
}

// Build renders the statement. It may be called repeatedly.
func (b *Builder) Build() (string, []any, error) {
	if b.table == "" {
		return "", nil, errors.New("table name is required")
	}

	var q strings.Builder
	args := make([]any, 0, len(b.where)+2)

	q.WriteString("SELECT ")
	if len(b.columns) == 0 {
		q.WriteString("*")
	} else {
		q.WriteString(strings.Join(b.columns, ", "))
	}
	q.WriteString(" FROM ")
	q.WriteString(b.table)
	args = b.writeFilters(&q, args)

	if len(b.orderBy) > 0 {
		q.WriteString(" ORDER BY ")
		q.WriteString(strings.Join(b.orderBy, ", "))
	}
	if b.limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}
	if b.offset > 0 {
		q.WriteString(" OFFSET ?")
		args = append(args, b.offset)
	}

	return q.String(), args, nil
}

// BuildCount renders a statement counting the rows Build would return
// without LIMIT and OFFSET.
func (b *Builder) BuildCount() (string, []any, error) {
	if b.table == "" {
		return "", nil, errors.New("table name is required")
	}

	var inner strings.Builder
	args := make([]any, 0, len(b.where))

	if len(b.groupBy) == 0 {
		inner.WriteString("SELECT count(*) FROM ")
		inner.WriteString(b.table)
		args = b.writeFilters(&inner, args)
		return inner.String(), args, nil
	}

	inner.WriteString("SELECT 1 FROM ")
	inner.WriteString(b.table)
	args = b.writeFilters(&inner, args)
	return fmt.Sprintf("SELECT count(*) FROM (%s) AS grouped", inner.String()), args, nil
}

func (b *Builder) writeFilters(q *strings.Builder, args []any) []any {
	if len(b.where) > 0 {
		exprs := make([]string, len(b.where))
		for i, w := range b.where {
			exprs[i] = w.expr
			args = append(args, w.args...)
		}
		q.WriteString(" WHERE ")
		q.WriteString(strings.Join(exprs, " AND "))
	}
	if len(b.groupBy) > 0 {
		q.WriteString(" GROUP BY ")
		q.WriteString(strings.Join(b.groupBy, ", "))
	}
	return args
}

// MustBuild is Build for statements known to be valid.
func (b *Builder) MustBuild() (string, []any) {
	q, args, err := b.Build()
	if err != nil {
		panic(err)
	}
	return q, args
}
