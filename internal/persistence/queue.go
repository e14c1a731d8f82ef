// Package persistence moves captured telemetry off request goroutines and
// commits it to a store from a single background worker.
//
// The queue is an unbounded FIFO guarded by a mutex. Producers append and
// signal; exactly one worker goroutine drains items in enqueue order and
// dispatches each one to the handler registered for its Kind. Handler
// failures are logged and counted, never retried here: retry belongs to the
// handler.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind identifies a concrete persistable payload type.
type Kind string

// Persistable is any payload eligible for queued, asynchronous storage.
type Persistable interface {
	Kind() Kind
}

// Handler commits one item to a store.
type Handler func(ctx context.Context, item Persistable) error

var (
	// ErrQueueClosed is returned by Enqueue once Close has been called.
	ErrQueueClosed = errors.New("persistence queue closed")
	// ErrNilItem is returned when a nil item is enqueued.
	ErrNilItem = errors.New("persistence queue: nil item")
)

// Observer receives queue activity notifications. All methods are called
// synchronously and must not block.
type Observer interface {
	Enqueued(kind Kind, depth int)
	Dequeued(kind Kind, depth int)
	Handled(kind Kind, elapsed time.Duration, err error)
	Dropped(kind Kind)
}

// Config configures a Queue.
type Config struct {
	// Logger receives handler failures and dropped items.
	Logger zerolog.Logger
	// Observer is optional.
	Observer Observer
	// Context is passed to every handler invocation. Defaults to
	// context.Background().
	Context context.Context
}

type entry struct {
	item Persistable
	kind Kind
	stop bool
}

// Queue is the persistence worker queue.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []entry
	closed   bool
	handlers map[Kind]Handler

	ctx      context.Context
	logger   zerolog.Logger
	observer Observer

	closeOnce sync.Once
	done      chan struct{}
}

// NewQueue creates a queue with the given handler mapping and starts its
// worker goroutine.
func NewQueue(cfg Config, handlers map[Kind]Handler) *Queue {
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	q := &Queue{
		handlers: make(map[Kind]Handler, len(handlers)),
		ctx:      ctx,
		logger:   cfg.Logger.With().Str("component", "persistence_queue").Logger(),
		observer: observer,
		done:     make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	for kind, h := range handlers {
		q.handlers[kind] = h
	}

	go q.run()

	return q
}

// Register adds or replaces the handler for kind. Items already queued use
// whichever handler is registered when they are dequeued.
func (q *Queue) Register(kind Kind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if h == nil {
		delete(q.handlers, kind)
		return
	}
	q.handlers[kind] = h
}

// Enqueue appends item to the queue and wakes the worker. It never performs
// I/O and never fails because of queue size.
func (q *Queue) Enqueue(item Persistable) error {
	if item == nil {
		return ErrNilItem
	}
	kind := kindOf(item)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, entry{item: item, kind: kind})
	depth := len(q.items)
	q.mu.Unlock()

	q.cond.Signal()
	q.observer.Enqueued(kind, depth)

	return nil
}

// Len returns the number of items waiting to be processed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if q.closed && n > 0 && q.items[n-1].stop {
		n--
	}
	return n
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Done is closed once the worker has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Close stops accepting items and waits until everything enqueued before the
// call has been processed. It is safe to call more than once.
func (q *Queue) Close() error {
	return q.Shutdown(context.Background())
}

// Shutdown is Close with a deadline. If ctx expires before the worker has
// drained, the context error is returned and the worker keeps draining in
// the background.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.items = append(q.items, entry{stop: true})
		q.mu.Unlock()
		q.cond.Signal()
	})

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("persistence queue shutdown: %w", ctx.Err())
	}
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.items) == 0 {
			q.cond.Wait()
		}
		next := q.items[0]
		q.items[0] = entry{}
		q.items = q.items[1:]
		depth := len(q.items)
		handler, ok := q.handlers[next.kind]
		q.mu.Unlock()

		if next.stop {
			q.logger.Debug().Msg("Persistence worker stopped")
			return
		}

		q.observer.Dequeued(next.kind, depth)
		q.dispatch(next, handler, ok)
	}
}

func (q *Queue) dispatch(e entry, h Handler, ok bool) {
	if !ok {
		q.logger.Warn().
			Str("kind", string(e.kind)).
			Str("type", fmt.Sprintf("%T", e.item)).
			Msg("No handler registered for persistable kind, dropping item")
		q.observer.Dropped(e.kind)
		return
	}

	start := time.Now()
	err := q.invoke(h, e.item)
	elapsed := time.Since(start)
	q.observer.Handled(e.kind, elapsed, err)

	if err != nil {
		q.logger.Error().
			Err(err).
			Str("kind", string(e.kind)).
			Dur("elapsed", elapsed).
			Msg("Persistence handler failed, dropping item")
	}
}

func (q *Queue) invoke(h Handler, item Persistable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("persistence handler panic: %v", r)
		}
	}()
	return h(q.ctx, item)
}

// kindOf isolates panics from a misbehaving Kind implementation (for example
// a nil pointer receiver); such items get an empty kind and are dropped.
func kindOf(item Persistable) (kind Kind) {
	defer func() {
		if r := recover(); r != nil {
			kind = ""
		}
	}()
	return item.Kind()
}

type nopObserver struct{}

func (nopObserver) Enqueued(Kind, int) {}
func (nopObserver) Dequeued(Kind, int) {}
func (nopObserver) Handled(Kind, time.Duration, error) {}
func (nopObserver) Dropped(Kind) {}
