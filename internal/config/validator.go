package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/coral-mesh/reqprof/internal/logging"
)

// ValidationError is a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError collects every invalid field.
type MultiValidationError struct {
	Errors []ValidationError
}

func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err.Error())
	}
	return b.String()
}

// Validate checks cfg and reports every problem at once.
func (c *Config) Validate() error {
	var errs []ValidationError
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if c.Version == "" {
		add("version", "version is required")
	}

	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level != "" && logging.ParseLevel(level).String() != level && level != "warning" {
		add("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}

	for _, name := range append(append([]string(nil), c.Profiler.Intercept...), c.Profiler.Ignore...) {
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t") {
			add("profiler.intercept", fmt.Sprintf("invalid type name %q", name))
		}
	}

	for _, ext := range c.Filter.IgnoreExtensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			add("filter.ignore_extensions", fmt.Sprintf("extension %q must start with a dot", ext))
		}
	}
	for _, p := range c.Filter.IncludePaths {
		if !strings.HasPrefix(p, "/") {
			add("filter.include_paths", fmt.Sprintf("path %q must start with /", p))
		}
	}

	if c.Filter.URLsRefreshInterval <= 0 {
		add("filter.urls_refresh_interval", "interval must be positive")
	}

	if c.Monitoring.LongRequestThreshold < 0 {
		add("monitoring.long_request_threshold", "threshold cannot be negative")
	}
	if c.Monitoring.MaxBodyBytes < 0 {
		add("monitoring.max_body_bytes", "cannot be negative")
	}

	if c.Storage.Timeout <= 0 {
		add("storage.timeout", "timeout must be positive")
	}
	switch c.Storage.Backend {
	case BackendDuckDB:
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			add("storage.postgres.dsn", "dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			add("storage.redis.addr", "address is required for the redis backend")
		}
		if c.Storage.Redis.DB < 0 {
			add("storage.redis.db", "database index cannot be negative")
		}
	default:
		add("storage.backend", fmt.Sprintf("backend must be one of %s, %s, %s", BackendDuckDB, BackendPostgres, BackendRedis))
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path", "path must start with /")
	}

	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		add("server.listen", fmt.Sprintf("invalid listen address %q", c.Server.Listen))
	}
	if c.Server.LivePath != "" && !strings.HasPrefix(c.Server.LivePath, "/") {
		add("server.live_path", "path must start with /")
	}
	if c.Server.ShutdownTimeout < 0 {
		add("server.shutdown_timeout", "cannot be negative")
	}

	if len(errs) > 0 {
		return &MultiValidationError{Errors: errs}
	}
	return nil
}
