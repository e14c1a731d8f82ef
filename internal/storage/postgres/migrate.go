package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	cerrors "github.com/coral-mesh/reqprof/internal/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

var migrationFS = cerrors.Must(fs.Sub(migrations, "migrations"))

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

// Migrate applies pending schema migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string, logger zerolog.Logger) error {
	return withDB(ctx, dsn, logger, func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		logger.Info().Msg("Applying storage migrations")
		if err := goose.UpContext(runCtx, db, "."); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}

		version, err := goose.GetDBVersionContext(runCtx, db)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		logger.Info().Int64("version", version).Msg("Storage migrations applied")
		return nil
	})
}

// SchemaVersion returns the latest applied migration.
func SchemaVersion(ctx context.Context, dsn string, logger zerolog.Logger) (int64, error) {
	var version int64
	err := withDB(ctx, dsn, logger, func(db *sql.DB) error {
		var err error
		version, err = goose.GetDBVersionContext(ctx, db)
		return err
	})
	return version, err
}

func withDB(ctx context.Context, dsn string, logger zerolog.Logger, fn func(*sql.DB) error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer cerrors.DeferClose(logger, db, "Failed to close migration connection")

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	return fn(db)
}
