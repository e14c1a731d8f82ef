package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

func TestMetrics_QueueObserver(t *testing.T) {
	m := newTestMetrics()

	m.Enqueued("profiled_request", 1)
	m.Enqueued("profiled_request", 2)
	m.Enqueued("timed_request", 3)
	m.Dequeued("profiled_request", 2)
	m.Handled("profiled_request", 5*time.Millisecond, nil)
	m.Handled("profiled_request", time.Millisecond, errors.New("store down"))
	m.Dropped("unknown")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.enqueued.WithLabelValues("profiled_request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.enqueued.WithLabelValues("timed_request")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handled.WithLabelValues("profiled_request", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handled.WithLabelValues("profiled_request", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("unknown")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.handleDuration))
}

func TestMetrics_RequestCounters(t *testing.T) {
	m := newTestMetrics()

	m.ObserveRequest(http.MethodGet, 200, 20*time.Millisecond)
	m.ObserveRequest(http.MethodGet, 500, 30*time.Millisecond)
	m.ProfilerError("method exit with no method entered")
	m.LongRequest()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "500")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.profilerErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.longRequests))
}

func TestMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewWithRegistry(reg, reg)
	second := NewWithRegistry(reg, reg)

	first.LongRequest()
	second.LongRequest()

	assert.Same(t, first.longRequests, second.longRequests)
	assert.Equal(t, 2.0, testutil.ToFloat64(first.longRequests))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Enqueued("k", 1)
		m.Dequeued("k", 0)
		m.Handled("k", time.Millisecond, nil)
		m.Dropped("k")
		m.ProfilerError("x")
		m.ObserveRequest("GET", 200, time.Millisecond)
		m.LongRequest()
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Enqueued("profiled_request", 1)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `reqprof_queue_enqueued_total{kind="profiled_request"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
