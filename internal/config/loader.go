// Package config loads the reqprof configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigEnv overrides the directory holding config.yaml.
const ConfigEnv = "REQPROF_CONFIG"

// Loader handles loading and saving the configuration file.
type Loader struct {
	dir string
}

// NewLoader creates a loader. The directory is resolved in this order:
//  1. REQPROF_CONFIG environment variable.
//  2. ~/.reqprof
//  3. /tmp/reqprof-fallback (containers without a home directory).
func NewLoader() *Loader {
	if dir := os.Getenv(ConfigEnv); dir != "" {
		return &Loader{dir: dir}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return &Loader{dir: filepath.Join(home, DefaultDir)}
	}
	return &Loader{dir: filepath.Join(os.TempDir(), "reqprof-fallback")}
}

// NewLoaderAt creates a loader rooted at dir.
func NewLoaderAt(dir string) *Loader {
	return &Loader{dir: dir}
}

// Dir returns the configuration directory.
func (l *Loader) Dir() string {
	return l.dir
}

// Path returns the path of the config file.
func (l *Loader) Path() string {
	return filepath.Join(l.dir, ConfigFile)
}

// Load reads the config file, falling back to defaults when it does not
// exist, then applies environment overrides and validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.LoadFile(l.Path())
	if err != nil {
		return nil, err
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	l.resolvePaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads path over the defaults. A missing file yields the
// defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	//nolint:gosec // G304: path is the user's config file.
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to the config file.
func (l *Loader) Save(cfg *Config) error {
	//nolint:gosec // G301: directory needs standard permissions for traversal
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold storage credentials.
	if err := os.WriteFile(l.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// resolvePaths places the default DuckDB file in the config directory.
// "memory" keeps the database in memory.
func (l *Loader) resolvePaths(cfg *Config) {
	switch cfg.Storage.DuckDB.Path {
	case "":
		cfg.Storage.DuckDB.Path = filepath.Join(l.dir, DefaultDuckDBFile)
	case "memory", ":memory:":
		cfg.Storage.DuckDB.Path = ""
	}
}
