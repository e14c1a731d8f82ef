// Package app assembles a running reqprof instance from its configuration
// and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/internal/config"
	"github.com/coral-mesh/reqprof/internal/httpx"
	"github.com/coral-mesh/reqprof/internal/intercept"
	"github.com/coral-mesh/reqprof/internal/live"
	"github.com/coral-mesh/reqprof/internal/logging"
	"github.com/coral-mesh/reqprof/internal/logsink"
	"github.com/coral-mesh/reqprof/internal/metrics"
	"github.com/coral-mesh/reqprof/internal/persistence"
	"github.com/coral-mesh/reqprof/internal/retry"
	"github.com/coral-mesh/reqprof/internal/server"
	"github.com/coral-mesh/reqprof/internal/storage"
)

// Options override process-level dependencies, mostly for tests.
type Options struct {
	// LogOutput defaults to os.Stdout.
	LogOutput io.Writer
	// Metrics replaces the collectors built from the config.
	Metrics *metrics.Metrics
}

// App is a running reqprof instance.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Sink    *logsink.Channel
	Metrics *metrics.Metrics
	Store   storage.Repository
	Queue   *persistence.Queue
	Hub     *live.Hub
	URLs    *httpx.URLList
	Server  *server.Server
}

// New builds every component. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}

	var hooks []zerolog.Hook
	if cfg.Profiler.CaptureLogs {
		a.Sink = logsink.New()
		hooks = append(hooks, a.Sink.Hook())
	}
	a.Logger = logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: opts.LogOutput,
		Hooks:  hooks,
	})

	a.Metrics = opts.Metrics
	if a.Metrics == nil && cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
	}

	store, err := OpenStorage(ctx, cfg.Storage, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}
	a.Store = store

	a.Hub = live.NewHub(a.Logger)
	a.URLs = httpx.NewURLList(store, cfg.Filter.URLsRefreshInterval, a.Logger)

	queueCfg := persistence.Config{Logger: a.Logger}
	if a.Metrics != nil {
		queueCfg.Observer = a.Metrics
	}
	a.Queue = persistence.NewQueue(queueCfg, nil)
	storage.RegisterHandlers(a.Queue, store, storage.HandlerConfig{
		Timeout: cfg.Storage.Timeout,
		Retry:   retry.DefaultPolicy(),
		Logger:  a.Logger,
		OnSaved: a.Hub.Publish,
	})

	srv, err := server.New(server.Config{
		Listen:      cfg.Server.Listen,
		Profiling:   a.profiling(),
		Dispatcher:  intercept.NewDispatcher(Policy(cfg.Profiler), a.Logger),
		Store:       store,
		URLs:        a.URLs,
		Metrics:     a.Metrics,
		MetricsPath: cfg.Metrics.Path,
		Hub:         a.Hub,
		LivePath:    cfg.Server.LivePath,
		Logger:      a.Logger,
	})
	if err != nil {
		a.release()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	a.Server = srv

	return a, nil
}

func (a *App) profiling() httpx.Config {
	cfg := a.Config
	exclude := []string{"/health", "/api"}
	if cfg.Metrics.Path != "" {
		exclude = append(exclude, cfg.Metrics.Path)
	}
	if cfg.Server.LivePath != "" {
		exclude = append(exclude, cfg.Server.LivePath)
	}

	return httpx.Config{
		Server:  ServerName(cfg.Server),
		Sink:    a.Sink,
		Logger:  a.Logger,
		Queue:   a.Queue,
		Metrics: a.Metrics,
		Filter: httpx.NewFilter(httpx.FilterConfig{
			IgnoreExtensions: cfg.Filter.IgnoreExtensions,
			IncludePaths:     cfg.Filter.IncludePaths,
			ExcludePaths:     exclude,
			URLs:             a.URLs,
		}),
		LongRequestThreshold: cfg.Monitoring.LongRequestThreshold,
		CaptureResponse:      cfg.Monitoring.CaptureResponse,
		MaxBodyBytes:         cfg.Monitoring.MaxBodyBytes,
	}
}

// Start starts serving.
func (a *App) Start() error {
	a.URLs.Start(context.Background())
	if err := a.Server.Start(); err != nil {
		a.URLs.Stop()
		return err
	}
	a.Logger.Info().
		Str("addr", a.Server.Addr()).
		Str("storage", a.Config.Storage.Backend).
		Bool("capture_logs", a.Sink != nil).
		Msg("reqprof started")
	return nil
}

// Run starts serving and blocks until ctx is done, then stops within the
// configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		a.release()
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	return a.Stop(stopCtx)
}

// Stop shuts down in dependency order: the server stops producing profiles,
// the queue drains into the store, then the live feed and the store close.
func (a *App) Stop(ctx context.Context) error {
	a.Logger.Info().Msg("Shutting down reqprof")

	var firstErr error
	if err := a.Server.Stop(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("Failed to stop server")
		firstErr = err
	}
	a.URLs.Stop()
	if err := a.Queue.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Int("pending", a.Queue.Len()).Msg("Persistence queue did not drain")
		if firstErr == nil {
			firstErr = err
		}
	}
	a.Hub.Close()
	if err := a.Store.Close(); err != nil {
		a.Logger.Error().Err(err).Msg("Failed to close storage")
		if firstErr == nil {
			firstErr = err
		}
	}

	a.Logger.Info().Msg("reqprof stopped")
	return firstErr
}

// release frees what New built when the app never started.
func (a *App) release() {
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}

// Policy builds the intercept policy from cfg. It returns nil, which
// intercepts every target, when no type is listed.
func Policy(cfg config.ProfilerConfig) *intercept.Policy {
	if len(cfg.Intercept) == 0 && len(cfg.Ignore) == 0 {
		return nil
	}
	names := cfg.Intercept
	if len(names) == 0 {
		names = []string{"*"}
	}
	return intercept.NewPolicy(intercept.PolicyConfig{
		InterceptNames: names,
		IgnoreNames:    cfg.Ignore,
	})
}

// ServerName returns the configured server name or the host name.
func ServerName(cfg config.ServerConfig) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}
