package helpers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/reqprof/internal/app"
	"github.com/coral-mesh/reqprof/internal/config"
	cerrors "github.com/coral-mesh/reqprof/internal/errors"
	"github.com/coral-mesh/reqprof/internal/logging"
	"github.com/coral-mesh/reqprof/internal/storage"
)

// ConfigDirFlag is the persistent root flag selecting the config directory.
const ConfigDirFlag = "config-dir"

// Loader returns the config loader selected by --config-dir, or the default
// one.
func Loader(cmd *cobra.Command) *config.Loader {
	if dir, _ := cmd.Flags().GetString(ConfigDirFlag); dir != "" {
		return config.NewLoaderAt(dir)
	}
	return config.NewLoader()
}

// LoadConfig loads and validates the configuration.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	return Loader(cmd).Load()
}

// Logger returns a console logger on the command's stderr.
func Logger(cmd *cobra.Command, cfg *config.Config) zerolog.Logger {
	return logging.NewWithComponent(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: true,
		Output: cmd.ErrOrStderr(),
	}, "cli")
}

// WithStore loads the configuration, opens its storage backend for fn and
// closes it afterwards.
func WithStore(cmd *cobra.Command, fn func(ctx context.Context, store storage.Repository) error) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return err
	}
	logger := Logger(cmd, cfg)

	store, err := app.OpenStorage(cmd.Context(), cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer cerrors.DeferClose(logger, store, "Failed to close storage")

	return fn(cmd.Context(), store)
}
