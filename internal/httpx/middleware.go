// Package httpx profiles inbound HTTP requests: it runs a profiler per
// request, hands it to handlers through the request context and enqueues the
// finished call tree for persistence.
package httpx

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/internal/capture"
	"github.com/coral-mesh/reqprof/internal/logsink"
	"github.com/coral-mesh/reqprof/internal/metrics"
	"github.com/coral-mesh/reqprof/internal/persistence"
	"github.com/coral-mesh/reqprof/internal/profiler"
)

// Enqueuer accepts finished records. *persistence.Queue implements it.
type Enqueuer interface {
	Enqueue(item persistence.Persistable) error
}

// Config configures the profiling middleware.
type Config struct {
	// Server is recorded on every profile.
	Server string
	// Sink enables log capture when set. Logger must carry its hook.
	Sink   *logsink.Channel
	Logger zerolog.Logger
	Queue  Enqueuer
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Filter may be nil to profile every request.
	Filter *Filter
	// LongRequestThreshold enqueues a timed request for slower requests.
	// Zero disables it.
	LongRequestThreshold time.Duration
	// CaptureResponse enqueues a response snapshot for every profile.
	CaptureResponse bool
	MaxBodyBytes    int
	// Collector defaults to capture.BasicResponseCollector.
	Collector capture.ResponseCollector
	// Now defaults to time.Now.
	Now func() time.Time
}

// Middleware returns the profiling middleware.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.Collector == nil {
		cfg.Collector = capture.BasicResponseCollector{}
	}
	logger := cfg.Logger.With().Str("component", "http_profiler").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Filter.ShouldProfile(r) {
				next.ServeHTTP(w, r)
				return
			}

			p := profiler.New(profiler.Config{
				Server:  cfg.Server,
				Sink:    cfg.Sink,
				Logger:  cfg.Logger,
				Now:     cfg.Now,
				OnError: cfg.Metrics.ProfilerError,
			})
			// Profiles group by path; the query string is dropped.
			err := p.StartProfiling(profiler.RequestInfo{
				URL:        r.URL.Path,
				HTTPMethod: r.Method,
				ClientIP:   ClientIP(r),
				UserAgent:  r.UserAgent(),
				Ajax:       IsAjax(r),
			})
			if err != nil {
				logger.Warn().Err(err).Msg("Failed to start profiling")
				next.ServeHTTP(w, r)
				return
			}

			ctx := profiler.NewContext(r.Context(), p)
			reqLogger := cfg.Logger.With().
				Str("request_id", p.RequestID().String()).
				Ctx(ctx).
				Logger()
			ctx = reqLogger.WithContext(ctx)

			limit := 0
			if cfg.CaptureResponse {
				limit = cfg.MaxBodyBytes
			}
			rec := newResponseRecorder(w, limit)
			w.Header().Set("X-Profile-Id", p.RequestID().String())

			defer func() {
				status := rec.Status()
				panicked := recover()
				if panicked != nil {
					status = http.StatusInternalServerError
				}
				finish(cfg, logger, p, rec, status)
				if panicked != nil {
					panic(panicked)
				}
			}()

			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

func finish(cfg Config, logger zerolog.Logger, p *profiler.Profiler, rec *responseRecorder, status int) {
	req, err := p.StopProfiling(profiler.ResponseInfo{StatusCode: status})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to stop profiling")
		return
	}
	cfg.Metrics.ObserveRequest(req.HTTPMethod, status, time.Duration(req.ElapsedMs)*time.Millisecond)

	enqueue(cfg.Queue, logger, req)

	if timed, ok := capture.LongRequest(req, cfg.LongRequestThreshold); ok {
		cfg.Metrics.LongRequest()
		logger.Info().
			Str("url", req.URL).
			Int64("elapsed_ms", req.ElapsedMs).
			Int64("threshold_ms", timed.ThresholdMs).
			Msg("Long request detected")
		enqueue(cfg.Queue, logger, timed)
	}

	if cfg.CaptureResponse {
		enqueue(cfg.Queue, logger, capture.NewResponse(req, capture.Snapshot{
			StatusCode:    status,
			Header:        rec.Header().Clone(),
			Body:          rec.body,
			BodyTruncated: rec.truncated,
		}, cfg.Collector))
	}
}

func enqueue(q Enqueuer, logger zerolog.Logger, item persistence.Persistable) {
	if q == nil {
		return
	}
	if err := q.Enqueue(item); err != nil {
		logger.Warn().Err(err).Str("kind", string(item.Kind())).Msg("Dropped profiling record")
	}
}

// Profiled returns the profiler the middleware attached to r.
func Profiled(r *http.Request) (profiler.Interceptor, bool) {
	i := profiler.FromContext(r.Context())
	return i, i != nil
}

var _ Enqueuer = (*persistence.Queue)(nil)
