// Package metrics exposes Prometheus collectors for the persistence queue,
// the profiler and the profiling middleware.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coral-mesh/reqprof/internal/persistence"
)

const namespace = "reqprof"

var histogramBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	queueDepth     prometheus.Gauge
	enqueued       *prometheus.CounterVec
	handled        *prometheus.CounterVec
	handleDuration *prometheus.HistogramVec
	dropped        *prometheus.CounterVec

	profilerErrors  prometheus.Counter
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	longRequests    prometheus.Counter
}

var _ persistence.Observer = (*Metrics)(nil)

// New creates collectors on a dedicated registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg. Collectors that are
// already registered are reused.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{gatherer: gatherer}

	m.queueDepth = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Items waiting in the persistence queue",
	}))
	m.enqueued = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Items accepted by the persistence queue",
	}, []string{"kind"}))
	m.handled = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "handled_total",
		Help:      "Items processed by the persistence worker",
	}, []string{"kind", "result"}))
	m.handleDuration = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "handle_duration_seconds",
		Help:      "Time spent committing one item to the store",
		Buckets:   histogramBuckets,
	}, []string{"kind"}))
	m.dropped = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "dropped_total",
		Help:      "Items dropped because no handler was registered for their kind",
	}, []string{"kind"}))

	m.profilerErrors = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "profiler",
		Name:      "errors_total",
		Help:      "Profiler misuse diagnostics reported",
	}))
	m.requests = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "profiled_requests_total",
		Help:      "Requests profiled by the middleware",
	}, []string{"method", "status"}))
	m.requestDuration = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "profiled_request_duration_seconds",
		Help:      "Latency distribution of profiled requests",
		Buckets:   histogramBuckets,
	}, []string{"method"}))
	m.longRequests = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "long_requests_total",
		Help:      "Requests that reached the long request threshold",
	}))

	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Enqueued(kind persistence.Kind, depth int) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(string(kind)).Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) Dequeued(_ persistence.Kind, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) Handled(kind persistence.Kind, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.handled.WithLabelValues(string(kind), result).Inc()
	m.handleDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *Metrics) Dropped(kind persistence.Kind) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(string(kind)).Inc()
}

// ProfilerError counts one profiler diagnostic.
func (m *Metrics) ProfilerError(string) {
	if m == nil {
		return
	}
	m.profilerErrors.Inc()
}

// ObserveRequest records a profiled request.
func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// LongRequest counts a request that reached the monitoring threshold.
func (m *Metrics) LongRequest() {
	if m == nil {
		return
	}
	m.longRequests.Inc()
}
