package profiler

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/reqprof/internal/calltree"
	"github.com/coral-mesh/reqprof/internal/logsink"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(ms int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Duration(ms) * time.Millisecond)
}

type orderService struct{}

type fixture struct {
	clock    *fakeClock
	sink     *logsink.Channel
	profiler *Profiler
	logger   zerolog.Logger
	errs     []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: newFakeClock(), sink: logsink.New()}
	f.profiler = New(Config{
		Server:  "web-01",
		Sink:    f.sink,
		Logger:  zerolog.Nop(),
		Now:     f.clock.Now,
		OnError: func(msg string) { f.errs = append(f.errs, msg) },
	})
	ctx := NewContext(context.Background(), f.profiler)
	f.logger = zerolog.New(io.Discard).Hook(f.sink.Hook()).With().Ctx(ctx).Logger()
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.profiler.StartProfiling(RequestInfo{
		URL:        "/Orders/Checkout",
		HTTPMethod: "POST",
		ClientIP:   "10.0.0.7",
		UserAgent:  "curl/8.0",
		Ajax:       true,
	}))
}

func (f *fixture) enter(name string) {
	f.profiler.MethodEntry(Invocation{TypeName: "orders.Service", Method: name})
}

func TestProfiler_Lifecycle(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, Idle, f.profiler.State())

	f.start(t)
	assert.Equal(t, Active, f.profiler.State())
	assert.Equal(t, 1, f.sink.Len())

	f.clock.Advance(42)
	req, err := f.profiler.StopProfiling(ResponseInfo{StatusCode: 201})
	require.NoError(t, err)
	require.NotNil(t, req)

	assert.Equal(t, Stopped, f.profiler.State())
	assert.Equal(t, 0, f.sink.Len())
	assert.Equal(t, f.profiler.RequestID(), req.ID)
	assert.Equal(t, "/orders/checkout", req.URL)
	assert.Equal(t, "POST", req.HTTPMethod)
	assert.Equal(t, "web-01", req.Server)
	assert.Equal(t, "10.0.0.7", req.ClientIP)
	assert.Equal(t, "curl/8.0", req.UserAgent)
	assert.True(t, req.Ajax)
	assert.Equal(t, time.UTC, req.CapturedOnUTC.Location())
	assert.Equal(t, int64(42), req.ElapsedMs)
	assert.Equal(t, 201, req.StatusCode)
	assert.Empty(t, req.ProfilerErrors)
	assert.Empty(t, f.errs)
}

func TestProfiler_NestedCalls(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.clock.Advance(1)
	f.enter("A")
	f.clock.Advance(5)
	f.enter("B")
	f.clock.Advance(3)
	f.profiler.MethodExit()
	f.clock.Advance(2)
	f.profiler.MethodExit()

	req, err := f.profiler.StopProfiling(ResponseInfo{})
	require.NoError(t, err)

	require.Len(t, req.Methods, 1)
	a := req.Methods[0]
	assert.Equal(t, "orders.Service.A", a.Name)
	assert.Equal(t, int64(1), a.StartedAtMs)
	assert.Equal(t, int64(11), a.StoppedAtMs)
	assert.Equal(t, int64(10), a.ElapsedMs)

	require.Len(t, a.Methods, 1)
	b := a.Methods[0]
	assert.Equal(t, "orders.Service.B", b.Name)
	assert.Same(t, a, b.Parent())
	assert.Equal(t, int64(6), b.StartedAtMs)
	assert.Equal(t, int64(3), b.ElapsedMs)
	assert.Empty(t, b.Methods)
}

func TestProfiler_TreeShapeInvariants(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	// 1 = enter, 0 = exit; leaves every node closed.
	ops := []int{1, 1, 0, 1, 1, 0, 0, 0, 1, 0, 1, 1, 1, 0, 0, 0}
	entries := 0
	for _, op := range ops {
		f.clock.Advance(1)
		if op == 1 {
			entries++
			f.enter("M")
		} else {
			f.profiler.MethodExit()
		}
	}

	req, err := f.profiler.StopProfiling(ResponseInfo{})
	require.NoError(t, err)
	assert.Equal(t, entries, req.MethodCount())
	assert.Empty(t, req.ProfilerErrors)

	var check func(parent *calltree.Method, children []*calltree.Method)
	check = func(parent *calltree.Method, children []*calltree.Method) {
		for i, child := range children {
			if parent == nil {
				assert.Nil(t, child.Parent())
			} else {
				assert.Same(t, parent, child.Parent())
			}
			assert.True(t, child.Stopped())
			assert.GreaterOrEqual(t, child.StoppedAtMs, child.StartedAtMs)
			assert.Equal(t, child.StoppedAtMs-child.StartedAtMs, child.ElapsedMs)
			if i > 0 {
				assert.GreaterOrEqual(t, child.StartedAtMs, children[i-1].StoppedAtMs)
			}
			check(child, child.Methods)
		}
	}
	check(nil, req.Methods)
	assert.Len(t, req.Methods, 3)
}

func TestProfiler_ExitWithoutEntry(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.enter("A")
	f.profiler.MethodExit()
	f.profiler.MethodExit()

	req, err := f.profiler.StopProfiling(ResponseInfo{})
	require.NoError(t, err)

	require.Len(t, req.Methods, 1)
	assert.Empty(t, req.Methods[0].Methods)
	require.Len(t, req.ProfilerErrors, 1)
	assert.Contains(t, req.ProfilerErrors[0], "no method entered")
	assert.Len(t, f.errs, 1)
}

func TestProfiler_MisuseOutsideActive(t *testing.T) {
	f := newFixture(t)

	f.enter("Early")
	f.profiler.MethodExit()
	req, err := f.profiler.StopProfiling(ResponseInfo{})
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Nil(t, req)
	assert.Equal(t, Idle, f.profiler.State())

	f.start(t)
	assert.ErrorIs(t, f.profiler.StartProfiling(RequestInfo{}), ErrAlreadyStarted)

	req, err = f.profiler.StopProfiling(ResponseInfo{})
	require.NoError(t, err)
	assert.Empty(t, req.Methods)
	require.Len(t, req.ProfilerErrors, 1)
	assert.Contains(t, req.ProfilerErrors[0], "start profiling called while active")

	again, err := f.profiler.StopProfiling(ResponseInfo{})
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Nil(t, again)

	f.enter("Late")
	assert.Empty(t, req.Methods)
	assert.Len(t, req.ProfilerErrors, 1)
	assert.Len(t, f.profiler.Errors(), 6)
	assert.Len(t, f.errs, 6)
}

func TestProfiler_StopClosesOpenMethods(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.enter("A")
	f.clock.Advance(2)
	f.enter("B")
	f.clock.Advance(3)

	req, err := f.profiler.StopProfiling(ResponseInfo{})
	require.NoError(t, err)

	a := req.Methods[0]
	b := a.Methods[0]
	assert.True(t, a.Stopped())
	assert.True(t, b.Stopped())
	assert.Equal(t, int64(5), a.StoppedAtMs)
	assert.Equal(t, int64(5), b.StoppedAtMs)
	assert.Equal(t, int64(3), b.ElapsedMs)
	require.Len(t, req.ProfilerErrors, 1)
	assert.Contains(t, req.ProfilerErrors[0], "2 method(s) still open")
}

func TestProfiler_LogAttribution(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.logger.Info().Msg("before any method")

	f.enter("A")
	f.clock.Advance(1)
	f.logger.Info().Msg("a started")
	f.clock.Advance(1)
	f.enter("B")
	f.clock.Advance(2)
	f.logger.Warn().Msg("b slow")
	f.clock.Advance(1)
	f.logger.Error().Msg("b failed")
	f.profiler.MethodExit()
	f.clock.Advance(1)
	f.logger.Debug().Msg("a resumed")
	f.profiler.MethodExit()

	f.logger.Info().Msg("after all methods")

	req, err := f.profiler.StopProfiling(ResponseInfo{StatusCode: 500})
	require.NoError(t, err)

	a := req.Methods[0]
	b := a.Methods[0]

	assert.False(t, a.ErrorInMethod)
	assert.True(t, b.ErrorInMethod)

	require.Len(t, a.LogMessages, 2)
	assert.Equal(t, calltree.LogMessage{Level: "info", Message: "a started", ElapsedMs: 1}, *a.LogMessages[0])
	assert.Equal(t, calltree.LogMessage{Level: "debug", Message: "a resumed", ElapsedMs: 6}, *a.LogMessages[1])

	require.Len(t, b.LogMessages, 2)
	assert.Equal(t, "b slow", b.LogMessages[0].Message)
	assert.Equal(t, "warn", b.LogMessages[0].Level)
	assert.Equal(t, "b failed", b.LogMessages[1].Message)
	assert.Equal(t, "error", b.LogMessages[1].Level)
	var last int64
	for _, msg := range b.LogMessages {
		assert.GreaterOrEqual(t, msg.ElapsedMs, last)
		last = msg.ElapsedMs
	}
}

func TestProfiler_IgnoresUnrelatedEvents(t *testing.T) {
	f := newFixture(t)
	other := New(Config{Logger: zerolog.Nop()})
	otherLogger := zerolog.New(io.Discard).Hook(f.sink.Hook()).
		With().Ctx(NewContext(context.Background(), other)).Logger()
	plainLogger := zerolog.New(io.Discard).Hook(f.sink.Hook())

	f.start(t)
	f.enter("A")
	otherLogger.Error().Msg("someone else's request")
	plainLogger.Error().Msg("background job")
	f.profiler.MethodExit()

	req, err := f.profiler.StopProfiling(ResponseInfo{})
	require.NoError(t, err)

	assert.False(t, req.Methods[0].ErrorInMethod)
	assert.Empty(t, req.Methods[0].LogMessages)
}

func TestProfiler_NoSinkDisablesCapture(t *testing.T) {
	p := New(Config{Logger: zerolog.Nop()})
	require.NoError(t, p.StartProfiling(RequestInfo{URL: "/"}))
	p.MethodEntry(NewInvocation(&orderService{}, "Place"))
	p.MethodExit()

	req, err := p.StopProfiling(ResponseInfo{})
	require.NoError(t, err)
	assert.Equal(t, "profiler.orderService.Place", req.Methods[0].Name)
	assert.NotEmpty(t, req.Server)
}

func TestProfiler_ConcurrentLogEvents(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.enter("A")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				f.logger.Info().Msg("worker")
			}
		}()
	}
	wg.Wait()
	f.profiler.MethodExit()

	req, err := f.profiler.StopProfiling(ResponseInfo{})
	require.NoError(t, err)
	assert.Len(t, req.Methods[0].LogMessages, 200)
}

func TestFromContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	p := New(Config{Logger: zerolog.Nop()})
	ctx := NewContext(context.Background(), p)
	assert.Equal(t, Interceptor(p), FromContext(ctx))
}

func TestInvocation_FullName(t *testing.T) {
	assert.Equal(t, "profiler.orderService.Place", NewInvocation(orderService{}, "Place").FullName())
	assert.Equal(t, "profiler.orderService.Place", NewInvocation(&orderService{}, "Place").FullName())
	assert.Equal(t, "Standalone", NewInvocation(nil, "Standalone").FullName())
	assert.Equal(t, "idle", Idle.String())
}
