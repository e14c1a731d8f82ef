package live

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/reqprof/internal/calltree"
	"github.com/coral-mesh/reqprof/internal/capture"
)

type fakeSubscriber struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (f *fakeSubscriber) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, 0, len(f.frames))
	for _, frame := range f.frames {
		var m Message
		if err := json.Unmarshal(frame, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func profile(url string) *calltree.Request {
	req := calltree.NewRequest(uuid.New())
	req.URL = url
	req.CapturedOnUTC = time.Now().UTC()
	return req
}

func TestHub_TopicRouting(t *testing.T) {
	h := NewHub(zerolog.Nop())
	defer h.Close()

	all := &fakeSubscriber{}
	orders := &fakeSubscriber{}
	cart := &fakeSubscriber{}
	h.Register(AllURLs, all)
	h.Register("/Orders", orders)
	h.Register("/cart", cart)
	require.Equal(t, 3, h.Subscribers())

	h.Publish(profile("/orders"))
	h.Publish(&capture.TimedRequest{ID: uuid.New(), URL: "/orders", ElapsedMs: 2000})
	h.Publish(&capture.Response{ID: uuid.New(), URL: "/orders"})

	require.Eventually(t, func() bool { return len(all.messages()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(orders.messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, cart.messages())

	msgs := orders.messages()
	assert.Equal(t, TypeRequest, msgs[0].Type)
	assert.Equal(t, "/orders", msgs[0].URL)
	assert.Equal(t, TypeLongRequest, msgs[1].Type)
}

func TestHub_DropsFailingSubscribers(t *testing.T) {
	h := NewHub(zerolog.Nop())
	defer h.Close()

	broken := &fakeSubscriber{fail: true}
	h.Register(AllURLs, broken)
	h.Publish(profile("/x"))

	require.Eventually(t, broken.isClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.Subscribers())
}

func TestHub_Unregister(t *testing.T) {
	h := NewHub(zerolog.Nop())
	defer h.Close()

	sub := &fakeSubscriber{}
	h.Register("/a", sub)
	h.Unregister("/a", sub)
	assert.Equal(t, 0, h.Subscribers())
}

func TestHub_CloseDisconnects(t *testing.T) {
	h := NewHub(zerolog.Nop())
	sub := &fakeSubscriber{}
	h.Register(AllURLs, sub)

	h.Close()
	h.Close()

	assert.True(t, sub.isClosed())
	assert.Equal(t, 0, h.Subscribers())

	late := &fakeSubscriber{}
	h.Register(AllURLs, late)
	assert.True(t, late.isClosed())
	assert.NotPanics(t, func() { h.Publish(profile("/after")) })
}

func TestHandler_StreamsOverWebsocket(t *testing.T) {
	h := NewHub(zerolog.Nop())
	defer h.Close()

	srv := httptest.NewServer(Handler(h, zerolog.Nop()))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?url=/checkout"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	req := profile("/checkout")
	h.Publish(req)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string           `json:"type"`
		URL  string           `json:"url"`
		Data calltree.Preview `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeRequest, msg.Type)
	assert.Equal(t, req.ID, msg.Data.ID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}
