package config

import "time"

// SchemaVersion is the config file format written by this build.
const SchemaVersion = "1"

// Config is the complete reqprof configuration, read from
// ~/.reqprof/config.yaml and overridden by REQPROF_* environment variables.
type Config struct {
	Version    string           `yaml:"version"`
	Logging    LoggingConfig    `yaml:"logging"`
	Profiler   ProfilerConfig   `yaml:"profiler"`
	Filter     FilterConfig     `yaml:"filter"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Server     ServerConfig     `yaml:"server"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"REQPROF_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"REQPROF_LOG_PRETTY"`
}

// ProfilerConfig controls what the profiler records.
type ProfilerConfig struct {
	// CaptureLogs attaches log events to the method that emitted them.
	CaptureLogs bool `yaml:"capture_logs" env:"REQPROF_CAPTURE_LOGS"`
	// Intercept lists type names whose calls are recorded. Entries are
	// "pkg.Type", "import/path.Type" or "pkg.*". Empty records every call.
	Intercept []string `yaml:"intercept,omitempty" env:"REQPROF_INTERCEPT"`
	// Ignore lists type names that are never recorded.
	Ignore []string `yaml:"ignore,omitempty" env:"REQPROF_IGNORE"`
}

// FilterConfig selects which HTTP requests are profiled.
type FilterConfig struct {
	// IgnoreExtensions skips static assets by file extension.
	IgnoreExtensions []string `yaml:"ignore_extensions,omitempty" env:"REQPROF_IGNORE_EXTENSIONS"`
	// IncludePaths restricts profiling to URL path prefixes. Empty profiles
	// every path.
	IncludePaths []string `yaml:"include_paths,omitempty" env:"REQPROF_INCLUDE_PATHS"`
	// URLsRefreshInterval is how often the stored URLs to profile are
	// reloaded into the filter.
	URLsRefreshInterval time.Duration `yaml:"urls_refresh_interval" env:"REQPROF_URLS_REFRESH_INTERVAL"`
}

// MonitoringConfig controls long request detection and response capture.
type MonitoringConfig struct {
	// LongRequestThreshold records a timed request when a request takes at
	// least this long. Zero disables it.
	LongRequestThreshold time.Duration `yaml:"long_request_threshold" env:"REQPROF_LONG_REQUEST_THRESHOLD"`
	CaptureResponse      bool          `yaml:"capture_response" env:"REQPROF_CAPTURE_RESPONSE"`
	// MaxBodyBytes caps the captured response body.
	MaxBodyBytes int `yaml:"max_body_bytes" env:"REQPROF_MAX_BODY_BYTES"`
}

// Storage backends.
const (
	BackendDuckDB   = "duckdb"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// StorageConfig selects and configures the profile store.
type StorageConfig struct {
	Backend string `yaml:"backend" env:"REQPROF_STORAGE_BACKEND"`
	// Timeout bounds one save including retries.
	Timeout  time.Duration         `yaml:"timeout" env:"REQPROF_STORAGE_TIMEOUT"`
	DuckDB   DuckDBStorageConfig   `yaml:"duckdb"`
	Postgres PostgresStorageConfig `yaml:"postgres"`
	Redis    RedisStorageConfig    `yaml:"redis"`
}

// DuckDBStorageConfig configures the embedded backend.
type DuckDBStorageConfig struct {
	// Path of the database file. Empty keeps profiles in memory.
	Path string `yaml:"path" env:"REQPROF_DUCKDB_PATH"`
}

// PostgresStorageConfig configures the PostgreSQL backend.
type PostgresStorageConfig struct {
	DSN string `yaml:"dsn" env:"REQPROF_POSTGRES_DSN"`
}

// RedisStorageConfig configures the Redis backend.
type RedisStorageConfig struct {
	Addr     string        `yaml:"addr" env:"REQPROF_REDIS_ADDR"`
	Password string        `yaml:"password,omitempty" env:"REQPROF_REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REQPROF_REDIS_DB"`
	Prefix   string        `yaml:"prefix" env:"REQPROF_REDIS_PREFIX"`
	TTL      time.Duration `yaml:"ttl" env:"REQPROF_REDIS_TTL"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"REQPROF_METRICS_ENABLED"`
	Path    string `yaml:"path" env:"REQPROF_METRICS_PATH"`
}

// ServerConfig configures the HTTP server started by "reqprof serve".
type ServerConfig struct {
	Listen string `yaml:"listen" env:"REQPROF_LISTEN"`
	// Name identifies this server on stored profiles. Empty uses the host
	// name.
	Name string `yaml:"name,omitempty" env:"REQPROF_SERVER_NAME"`
	// LivePath serves the websocket feed of persisted requests. Empty
	// disables it.
	LivePath        string        `yaml:"live_path" env:"REQPROF_LIVE_PATH"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"REQPROF_SHUTDOWN_TIMEOUT"`
}
