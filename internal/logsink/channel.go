// Package logsink implements the process-wide log side-channel that request
// profilers subscribe to while they are active.
//
// A Channel is fed by a zerolog.Hook attached to the root logger. Every event
// the logger writes is multicast to the current subscribers. Subscribing and
// unsubscribing are safe from any goroutine: the subscriber list is replaced
// copy-on-write under a mutex and Publish iterates an immutable snapshot, so
// publishing never blocks on registration.
package logsink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Event is a single log event observed on the side-channel.
type Event struct {
	Level   zerolog.Level
	Message string
	Time    time.Time
	// Context is the context attached to the zerolog event, if any. Request
	// scoped loggers carry the request context so subscribers can decide
	// whether an event belongs to them.
	Context context.Context
}

// Handler receives side-channel events.
type Handler func(Event)

// Channel multicasts log events to subscribers.
type Channel struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]*Subscription]
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	ch      *Channel
	handler Handler
	once    sync.Once
}

// New creates an empty channel.
func New() *Channel {
	c := &Channel{}
	empty := make([]*Subscription, 0)
	c.subs.Store(&empty)
	return c
}

// Subscribe registers h and returns its subscription.
func (c *Channel) Subscribe(h Handler) *Subscription {
	sub := &Subscription{ch: c, handler: h}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.subs.Load()
	next := make([]*Subscription, len(current), len(current)+1)
	copy(next, current)
	next = append(next, sub)
	c.subs.Store(&next)

	return sub
}

// Unsubscribe removes the subscription. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.ch.remove(s)
	})
}

func (c *Channel) remove(target *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.subs.Load()
	next := make([]*Subscription, 0, len(current))
	for _, sub := range current {
		if sub != target {
			next = append(next, sub)
		}
	}
	c.subs.Store(&next)
}

// Len returns the number of active subscriptions.
func (c *Channel) Len() int {
	return len(*c.subs.Load())
}

// Publish delivers ev to every subscriber on the calling goroutine. A
// panicking handler is isolated so logging never fails because of a
// subscriber.
func (c *Channel) Publish(ev Event) {
	for _, sub := range *c.subs.Load() {
		deliver(sub.handler, ev)
	}
}

func deliver(h Handler, ev Event) {
	defer func() { _ = recover() }()
	h(ev)
}

// Hook returns a zerolog hook that publishes every written event to c.
func (c *Channel) Hook() zerolog.Hook {
	return hook{ch: c}
}

type hook struct {
	ch *Channel
}

func (h hook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if h.ch.Len() == 0 {
		return
	}
	h.ch.Publish(Event{
		Level:   level,
		Message: msg,
		Time:    time.Now(),
		Context: e.GetCtx(),
	})
}
