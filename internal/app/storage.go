package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/internal/config"
	"github.com/coral-mesh/reqprof/internal/storage"
	"github.com/coral-mesh/reqprof/internal/storage/duckdb"
	"github.com/coral-mesh/reqprof/internal/storage/postgres"
	"github.com/coral-mesh/reqprof/internal/storage/redis"
)

// OpenStorage opens the backend selected by cfg.Backend.
func OpenStorage(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (storage.Repository, error) {
	switch cfg.Backend {
	case config.BackendDuckDB, "":
		return duckdb.Open(ctx, cfg.DuckDB.Path, logger)
	case config.BackendPostgres:
		return postgres.Open(ctx, cfg.Postgres.DSN, logger)
	case config.BackendRedis:
		return redis.Open(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
