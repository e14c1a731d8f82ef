package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Table maps struct type T onto a table through `duckdb` field tags. The
// options "pk" and "immutable" mark the key column and columns an upsert
// leaves untouched.
type Table[T any] struct {
	db        Execer
	name      string
	columns   []string
	pk        string
	immutable map[string]bool
	fields    map[string]int
}

// NewTable builds the column mapping for T. It panics when T is not a struct
// since that is a programming error.
func NewTable[T any](db Execer, name string) *Table[T] {
	rt := reflect.TypeFor[T]()
	if rt.Kind() != reflect.Struct {
		panic(fmt.Sprintf("duckdb: table %s: %s is not a struct", name, rt))
	}

	t := &Table[T]{
		db:        db,
		name:      name,
		immutable: make(map[string]bool),
		fields:    make(map[string]int),
	}
	for i := 0; i < rt.NumField(); i++ {
		tag := rt.Field(i).Tag.Get("duckdb")
		if tag == "" || tag == "-" {
			continue
		}
		parts := strings.Split(tag, ",")
		col := strings.TrimSpace(parts[0])
		t.columns = append(t.columns, col)
		t.fields[col] = i
		for _, opt := range parts[1:] {
			switch strings.TrimSpace(opt) {
			case "pk":
				t.pk = col
			case "immutable":
				t.immutable[col] = true
			}
		}
	}
	return t
}

// WithTx returns a copy of the table that runs its statements on tx.
func (t *Table[T]) WithTx(tx *sql.Tx) *Table[T] {
	c := *t
	c.db = tx
	return &c
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.name }

// Columns returns the mapped columns in field order.
func (t *Table[T]) Columns() []string {
	return append([]string(nil), t.columns...)
}

// Select starts a query returning every mapped column.
func (t *Table[T]) Select() *Builder {
	return NewQueryBuilder(t.name).Select(t.columns...)
}

// Upsert inserts item or, when its key exists, overwrites the mutable
// columns. A write-write conflict is returned as is; IsConflict recognizes
// it.
func (t *Table[T]) Upsert(ctx context.Context, item *T) error {
	val := reflect.ValueOf(item).Elem()

	placeholders := make([]string, len(t.columns))
	values := make([]any, len(t.columns))
	var updates []string
	for i, col := range t.columns {
		placeholders[i] = "?"
		values[i] = val.Field(t.fields[col]).Interface()
		if col != t.pk && !t.immutable[col] {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}

	// #nosec G201 - identifiers come from struct tags
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.name, strings.Join(t.columns, ", "), strings.Join(placeholders, ", "))
	if t.pk != "" {
		action := "DO NOTHING"
		if len(updates) > 0 {
			action = "DO UPDATE SET " + strings.Join(updates, ", ")
		}
		query += fmt.Sprintf(" ON CONFLICT (%s) %s", t.pk, action)
	}

	if _, err := t.db.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("upsert %s: %w", t.name, err)
	}
	return nil
}

// Get loads the row whose key equals id. A missing row yields sql.ErrNoRows.
func (t *Table[T]) Get(ctx context.Context, id any) (*T, error) {
	if t.pk == "" {
		return nil, fmt.Errorf("table %s has no primary key", t.name)
	}
	q, args := t.Select().Where(t.pk+" = ?", id).MustBuild()
	return t.scan(t.db.QueryRowContext(ctx, q, args...))
}

// Query runs b and maps every row. b must select the table's columns, as
// Select does.
func (t *Table[T]) Query(ctx context.Context, b *Builder) ([]*T, error) {
	q, args, err := b.Build()
	if err != nil {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.name, err)
	}
	defer func() { _ = rows.Close() }()

	var items []*T
	for rows.Next() {
		item, err := t.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Count returns the number of rows b matches, ignoring its paging.
func (t *Table[T]) Count(ctx context.Context, b *Builder) (int, error) {
	q, args, err := b.BuildCount()
	if err != nil {
		return 0, err
	}
	var n int
	if err := t.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t.name, err)
	}
	return n, nil
}

// Delete removes the row whose key equals id and reports whether it existed.
func (t *Table[T]) Delete(ctx context.Context, id any) (bool, error) {
	if t.pk == "" {
		return false, fmt.Errorf("table %s has no primary key", t.name)
	}
	n, err := t.DeleteWhere(ctx, t.pk+" = ?", id)
	return n > 0, err
}

// DeleteWhere removes the rows matching expr and returns how many were
// removed. An empty expr removes every row.
func (t *Table[T]) DeleteWhere(ctx context.Context, expr string, args ...any) (int64, error) {
	query := "DELETE FROM " + t.name
	if expr != "" {
		query += " WHERE " + expr
	}

	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", t.name, err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *Table[T]) scan(s scanner) (*T, error) {
	var item T
	val := reflect.ValueOf(&item).Elem()
	dest := make([]any, len(t.columns))
	for i, col := range t.columns {
		dest[i] = val.Field(t.fields[col]).Addr().Interface()
	}
	if err := s.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan %s: %w", t.name, err)
	}
	return &item, nil
}

// IsConflict reports whether err is a DuckDB write-write conflict that may
// succeed when retried.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Conflict on") ||
		strings.Contains(msg, "TransactionContext Error") ||
		strings.Contains(msg, "serialization")
}
