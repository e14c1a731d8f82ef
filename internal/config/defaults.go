package config

import "time"

const (
	DefaultDir        = ".reqprof"
	ConfigFile        = "config.yaml"
	DefaultDuckDBFile = "profiles.duckdb"
)

// DefaultConfig returns a config with sensible defaults. The DuckDB path is
// left empty and resolved by the Loader.
func DefaultConfig() *Config {
	return &Config{
		Version: SchemaVersion,
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
		Profiler: ProfilerConfig{
			CaptureLogs: true,
		},
		Filter: FilterConfig{
			IgnoreExtensions:    []string{".css", ".js", ".png", ".jpg", ".gif", ".ico", ".svg", ".woff", ".woff2", ".map"},
			URLsRefreshInterval: 30 * time.Second,
		},
		Monitoring: MonitoringConfig{
			LongRequestThreshold: time.Second,
			CaptureResponse:      false,
			MaxBodyBytes:         64 * 1024,
		},
		Storage: StorageConfig{
			Backend: BackendDuckDB,
			Timeout: 10 * time.Second,
			Redis: RedisStorageConfig{
				Addr:   "localhost:6379",
				Prefix: "reqprof:",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Server: ServerConfig{
			Listen:          ":8080",
			LivePath:        "/live",
			ShutdownTimeout: 15 * time.Second,
		},
	}
}
