package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/reqprof/internal/calltree"
	"github.com/coral-mesh/reqprof/internal/capture"
	"github.com/coral-mesh/reqprof/internal/persistence"
	"github.com/coral-mesh/reqprof/internal/retry"
)

func TestPageRequest_Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   PageRequest
		want PageRequest
	}{
		{name: "defaults", in: PageRequest{}, want: PageRequest{Number: 1, Size: DefaultPageSize}},
		{name: "negative", in: PageRequest{Number: -3, Size: -1}, want: PageRequest{Number: 1, Size: DefaultPageSize}},
		{name: "capped", in: PageRequest{Number: 2, Size: 10000}, want: PageRequest{Number: 2, Size: MaxPageSize}},
		{name: "valid", in: PageRequest{Number: 4, Size: 15}, want: PageRequest{Number: 4, Size: 15}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.in.Normalize())
		})
	}
	assert.Equal(t, 45, PageRequest{Number: 4, Size: 15}.Offset())
}

func TestURLToProfile_Validate(t *testing.T) {
	assert.NoError(t, (&URLToProfile{URL: "/orders"}).Validate())
	assert.Error(t, (&URLToProfile{URL: "orders"}).Validate())
	assert.Error(t, (&URLToProfile{}).Validate())
}

func TestPaginate(t *testing.T) {
	all := []int{1, 2, 3, 4, 5, 6, 7}

	page := Paginate(all, PageRequest{Number: 2, Size: 3})
	assert.Equal(t, []int{4, 5, 6}, page.Items)
	assert.Equal(t, 7, page.Total)
	assert.Equal(t, 3, page.Pages())

	last := Paginate(all, PageRequest{Number: 3, Size: 3})
	assert.Equal(t, []int{7}, last.Items)

	past := Paginate(all, PageRequest{Number: 9, Size: 3})
	assert.NotNil(t, past.Items)
	assert.Empty(t, past.Items)
	assert.Equal(t, 7, past.Total)

	// The page does not alias the source slice.
	page.Items[0] = 100
	assert.Equal(t, 4, all[3])
}

type fakeWriter struct {
	mu        sync.Mutex
	failures  int
	failWith  error
	calls     int
	requests  []*calltree.Request
	timed     []*capture.TimedRequest
	responses []*capture.Response
}

func (w *fakeWriter) attempt() error {
	w.calls++
	if w.failures > 0 {
		w.failures--
		return w.failWith
	}
	return nil
}

func (w *fakeWriter) SaveRequest(_ context.Context, req *calltree.Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.attempt(); err != nil {
		return err
	}
	w.requests = append(w.requests, req)
	return nil
}

func (w *fakeWriter) SaveTimedRequest(_ context.Context, t *capture.TimedRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.attempt(); err != nil {
		return err
	}
	w.timed = append(w.timed, t)
	return nil
}

func (w *fakeWriter) SaveResponse(_ context.Context, resp *capture.Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.attempt(); err != nil {
		return err
	}
	w.responses = append(w.responses, resp)
	return nil
}

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func TestHandlers_SavesEveryKind(t *testing.T) {
	w := &fakeWriter{}
	var saved []persistence.Kind
	handlers := Handlers(w, HandlerConfig{
		Logger:  zerolog.Nop(),
		OnSaved: func(item persistence.Persistable) { saved = append(saved, item.Kind()) },
	})
	require.Len(t, handlers, 3)

	req := calltree.NewRequest(uuid.New())
	timed := &capture.TimedRequest{ID: uuid.New(), RequestID: req.ID}
	resp := &capture.Response{ID: req.ID}

	ctx := context.Background()
	require.NoError(t, handlers[calltree.KindRequest](ctx, req))
	require.NoError(t, handlers[capture.KindTimedRequest](ctx, timed))
	require.NoError(t, handlers[capture.KindResponse](ctx, resp))

	assert.Equal(t, []*calltree.Request{req}, w.requests)
	assert.Equal(t, []*capture.TimedRequest{timed}, w.timed)
	assert.Equal(t, []*capture.Response{resp}, w.responses)
	assert.Equal(t, []persistence.Kind{calltree.KindRequest, capture.KindTimedRequest, capture.KindResponse}, saved)
}

func TestHandlers_RejectsMismatchedPayload(t *testing.T) {
	w := &fakeWriter{}
	handlers := Handlers(w, HandlerConfig{Logger: zerolog.Nop()})

	err := handlers[calltree.KindRequest](context.Background(), &capture.Response{ID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected payload type")
	assert.Zero(t, w.calls)
}

func TestHandlers_RetriesTransientFailures(t *testing.T) {
	w := &fakeWriter{failures: 2, failWith: Transient(errors.New("connection reset"))}
	handlers := Handlers(w, HandlerConfig{Logger: zerolog.Nop(), Retry: fastRetry()})

	require.NoError(t, handlers[calltree.KindRequest](context.Background(), calltree.NewRequest(uuid.New())))
	assert.Equal(t, 3, w.calls)
	assert.Len(t, w.requests, 1)
}

func TestHandlers_PermanentFailureNotRetried(t *testing.T) {
	boom := errors.New("constraint violated")
	w := &fakeWriter{failures: 5, failWith: boom}
	saved := false
	handlers := Handlers(w, HandlerConfig{
		Logger:  zerolog.Nop(),
		Retry:   fastRetry(),
		OnSaved: func(persistence.Persistable) { saved = true },
	})

	err := handlers[capture.KindResponse](context.Background(), &capture.Response{ID: uuid.New()})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, w.calls)
	assert.False(t, saved)
}

func TestHandlers_TransientExhausted(t *testing.T) {
	w := &fakeWriter{failures: 10, failWith: Transient(errors.New("store unavailable"))}
	handlers := Handlers(w, HandlerConfig{Logger: zerolog.Nop(), Retry: fastRetry()})

	err := handlers[capture.KindTimedRequest](context.Background(), &capture.TimedRequest{ID: uuid.New()})
	require.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, 3, w.calls)
}

func TestRegisterHandlers(t *testing.T) {
	w := &fakeWriter{}
	q := persistence.NewQueue(persistence.Config{Logger: zerolog.Nop()}, nil)
	RegisterHandlers(q, w, HandlerConfig{Logger: zerolog.Nop()})

	require.NoError(t, q.Enqueue(calltree.NewRequest(uuid.New())))
	require.NoError(t, q.Enqueue(&capture.Response{ID: uuid.New()}))
	require.NoError(t, q.Close())

	assert.Len(t, w.requests, 1)
	assert.Len(t, w.responses, 1)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("syntax error"), want: false},
		{name: "not found", err: fmt.Errorf("request: %w", ErrNotFound), want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "marked", err: fmt.Errorf("wrapped: %w", Transient(errors.New("busy"))), want: true},
		{name: "net timeout", err: &net.OpError{Op: "dial", Err: timeoutErr{}}, want: true},
		{name: "refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
	assert.Nil(t, Transient(nil))
}
