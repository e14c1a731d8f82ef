package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	duckdbDriver "github.com/marcboeker/go-duckdb"
)

// InMemory reports whether path names a private in-memory database.
func InMemory(path string) bool {
	return path == "" || path == ":memory:"
}

// Open opens the database at path, creating parent directories as needed.
// Every pooled connection shares one database instance, so in-memory
// databases behave like a single store.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if InMemory(path) {
		dsn = ""
	} else if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	connector, err := duckdbDriver.NewConnector(dsn, nil)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %q: %w", path, err)
	}
	db := sql.OpenDB(connector)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb %q: %w", path, err)
	}

	return db, nil
}
