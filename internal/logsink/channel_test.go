package logsink

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_SubscribePublish(t *testing.T) {
	ch := New()

	var got []string
	sub := ch.Subscribe(func(ev Event) {
		got = append(got, ev.Message)
	})
	require.Equal(t, 1, ch.Len())

	ch.Publish(Event{Level: zerolog.InfoLevel, Message: "one"})
	ch.Publish(Event{Level: zerolog.ErrorLevel, Message: "two"})

	sub.Unsubscribe()
	ch.Publish(Event{Message: "three"})

	assert.Equal(t, []string{"one", "two"}, got)
	assert.Equal(t, 0, ch.Len())
}

func TestSubscription_UnsubscribeIdempotent(t *testing.T) {
	ch := New()
	first := ch.Subscribe(func(Event) {})
	second := ch.Subscribe(func(Event) {})

	first.Unsubscribe()
	first.Unsubscribe()

	assert.Equal(t, 1, ch.Len())
	second.Unsubscribe()
	assert.Equal(t, 0, ch.Len())

	var nilSub *Subscription
	assert.NotPanics(t, nilSub.Unsubscribe)
}

func TestChannel_PanickingHandlerIsolated(t *testing.T) {
	ch := New()
	ch.Subscribe(func(Event) { panic("boom") })

	delivered := false
	ch.Subscribe(func(Event) { delivered = true })

	assert.NotPanics(t, func() { ch.Publish(Event{Message: "x"}) })
	assert.True(t, delivered)
}

func TestChannel_ConcurrentSubscribe(t *testing.T) {
	ch := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := ch.Subscribe(func(Event) {})
			ch.Publish(Event{Message: "tick"})
			sub.Unsubscribe()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, ch.Len())
}

type ctxKey struct{}

func TestHook_PublishesLoggerEvents(t *testing.T) {
	ch := New()

	var events []Event
	ch.Subscribe(func(ev Event) { events = append(events, ev) })

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Hook(ch.Hook())

	ctx := context.WithValue(context.Background(), ctxKey{}, "req-1")
	logger.Info().Ctx(ctx).Msg("with context")
	logger.Error().Msg("without context")

	require.Len(t, events, 2)
	assert.Equal(t, "with context", events[0].Message)
	assert.Equal(t, zerolog.InfoLevel, events[0].Level)
	require.NotNil(t, events[0].Context)
	assert.Equal(t, "req-1", events[0].Context.Value(ctxKey{}))
	assert.Equal(t, zerolog.ErrorLevel, events[1].Level)
	assert.False(t, events[1].Time.IsZero())
}

func TestHook_NoSubscribers(t *testing.T) {
	ch := New()
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Hook(ch.Hook())

	assert.NotPanics(t, func() { logger.Info().Msg("nobody listening") })
	assert.Contains(t, buf.String(), "nobody listening")
}
