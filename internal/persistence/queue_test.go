package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	kindA Kind = "kind_a"
	kindB Kind = "kind_b"
)

type testItem struct {
	kind Kind
	id   string
}

func (i testItem) Kind() Kind { return i.kind }

type nilKindItem struct{ kind *Kind }

func (i *nilKindItem) Kind() Kind { return *i.kind }

// recorder collects handled item ids in the order the worker processed them.
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) handler(_ context.Context, item Persistable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, item.(testItem).id)
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func newTestQueue(t *testing.T, handlers map[Kind]Handler) *Queue {
	t.Helper()
	q := NewQueue(Config{Logger: zerolog.Nop()}, handlers)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueue_FIFOAcrossProducers(t *testing.T) {
	rec := &recorder{}
	q := newTestQueue(t, map[Kind]Handler{kindA: rec.handler, kindB: rec.handler})

	// Producers serialize on orderMu only so the test can know the exact
	// global enqueue order; the queue itself sees concurrent callers.
	var (
		orderMu  sync.Mutex
		expected []string
		wg       sync.WaitGroup
	)
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				kind := kindA
				if i%2 == 1 {
					kind = kindB
				}
				item := testItem{kind: kind, id: fmt.Sprintf("p%d-%d", producer, i)}

				orderMu.Lock()
				require.NoError(t, q.Enqueue(item))
				expected = append(expected, item.id)
				orderMu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	require.NoError(t, q.Close())
	assert.Equal(t, expected, rec.snapshot())
}

func TestQueue_CloseDrainsBeforeStopping(t *testing.T) {
	gate := make(chan struct{})
	rec := &recorder{}
	first := true
	q := newTestQueue(t, map[Kind]Handler{
		kindA: func(ctx context.Context, item Persistable) error {
			if first {
				first = false
				<-gate
			}
			return rec.handler(ctx, item)
		},
	})

	require.NoError(t, q.Enqueue(testItem{kind: kindA, id: "1"}))
	require.NoError(t, q.Enqueue(testItem{kind: kindA, id: "2"}))
	require.NoError(t, q.Enqueue(testItem{kind: kindA, id: "3"}))

	closed := make(chan error, 1)
	go func() { closed <- q.Close() }()

	require.Eventually(t, q.Closed, time.Second, time.Millisecond)
	assert.ErrorIs(t, q.Enqueue(testItem{kind: kindA, id: "after"}), ErrQueueClosed)

	close(gate)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, []string{"1", "2", "3"}, rec.snapshot())
	select {
	case <-q.Done():
	default:
		t.Fatal("worker still running after Close")
	}
}

func TestQueue_CloseIdempotent(t *testing.T) {
	q := newTestQueue(t, nil)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(testItem{kind: kindA}), ErrQueueClosed)
}

func TestQueue_ShutdownDeadline(t *testing.T) {
	gate := make(chan struct{})
	q := newTestQueue(t, map[Kind]Handler{
		kindA: func(context.Context, Persistable) error {
			<-gate
			return nil
		},
	})
	require.NoError(t, q.Enqueue(testItem{kind: kindA}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	require.NoError(t, q.Close())
}

func TestQueue_HandlerFailureDoesNotStopWorker(t *testing.T) {
	tests := []struct {
		name string
		fail func() error
	}{
		{name: "error", fail: func() error { return errors.New("store unavailable") }},
		{name: "panic", fail: func() error { panic("store exploded") }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			q := newTestQueue(t, map[Kind]Handler{
				kindA: func(ctx context.Context, item Persistable) error {
					if item.(testItem).id == "2" {
						return tc.fail()
					}
					return rec.handler(ctx, item)
				},
			})

			for _, id := range []string{"1", "2", "3"} {
				require.NoError(t, q.Enqueue(testItem{kind: kindA, id: id}))
			}
			require.NoError(t, q.Close())

			assert.Equal(t, []string{"1", "3"}, rec.snapshot())
		})
	}
}

func TestQueue_UnknownKindDropped(t *testing.T) {
	rec := &recorder{}
	obs := &countingObserver{}
	q := NewQueue(Config{Logger: zerolog.Nop(), Observer: obs}, map[Kind]Handler{kindA: rec.handler})

	require.NoError(t, q.Enqueue(testItem{kind: "unknown", id: "x"}))
	require.NoError(t, q.Enqueue(testItem{kind: kindA, id: "1"}))
	require.NoError(t, q.Enqueue(&nilKindItem{}))
	require.NoError(t, q.Enqueue(testItem{kind: kindA, id: "2"}))
	require.NoError(t, q.Close())

	assert.Equal(t, []string{"1", "2"}, rec.snapshot())
	assert.Equal(t, 2, obs.count("dropped"))
	assert.Equal(t, 2, obs.count("handled"))
}

func TestQueue_NilItemRejected(t *testing.T) {
	q := newTestQueue(t, nil)
	assert.ErrorIs(t, q.Enqueue(nil), ErrNilItem)
}

func TestQueue_RegisterAfterStart(t *testing.T) {
	rec := &recorder{}
	q := newTestQueue(t, nil)

	q.Register(kindB, rec.handler)
	require.NoError(t, q.Enqueue(testItem{kind: kindB, id: "late"}))
	require.NoError(t, q.Close())

	assert.Equal(t, []string{"late"}, rec.snapshot())
}

func TestQueue_HandlerReceivesConfiguredContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "value")

	got := make(chan any, 1)
	q := NewQueue(Config{Logger: zerolog.Nop(), Context: ctx}, map[Kind]Handler{
		kindA: func(ctx context.Context, _ Persistable) error {
			got <- ctx.Value(key{})
			return nil
		},
	})
	require.NoError(t, q.Enqueue(testItem{kind: kindA}))
	require.NoError(t, q.Close())

	assert.Equal(t, "value", <-got)
}

func TestQueue_Len(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	q := newTestQueue(t, map[Kind]Handler{
		kindA: func(context.Context, Persistable) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-gate
			return nil
		},
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(testItem{kind: kindA}))
	}
	<-started
	assert.Equal(t, 2, q.Len())

	close(gate)
	require.NoError(t, q.Close())
	assert.Equal(t, 0, q.Len())
}

type countingObserver struct {
	mu     sync.Mutex
	events map[string]int
}

func (o *countingObserver) add(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.events == nil {
		o.events = make(map[string]int)
	}
	o.events[name]++
}

func (o *countingObserver) count(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events[name]
}

func (o *countingObserver) Enqueued(Kind, int)                 { o.add("enqueued") }
func (o *countingObserver) Dequeued(Kind, int)                 { o.add("dequeued") }
func (o *countingObserver) Handled(Kind, time.Duration, error) { o.add("handled") }
func (o *countingObserver) Dropped(Kind)                       { o.add("dropped") }
