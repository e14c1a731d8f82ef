// Package live streams persisted profiles to websocket subscribers.
package live

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/internal/calltree"
	"github.com/coral-mesh/reqprof/internal/capture"
	"github.com/coral-mesh/reqprof/internal/persistence"
)

// AllURLs is the topic receiving every message.
const AllURLs = ""

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Message is the JSON frame sent to subscribers.
type Message struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	Data any    `json:"data"`
}

// Message types.
const (
	TypeRequest     = "request"
	TypeLongRequest = "long_request"
)

type message struct {
	topic   string
	payload []byte
}

type subscription struct {
	topic  string
	client Subscriber
}

// Hub fans messages out to subscribers by URL topic.
type Hub struct {
	logger    zerolog.Logger
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan chan int
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewHub creates a hub and starts its loop.
func NewHub(logger zerolog.Logger) *Hub {
	h := &Hub{
		logger:    logger.With().Str("component", "live_hub").Logger(),
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		count:     make(chan chan int),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)

	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
		case sub := <-h.unreg:
			h.remove(sub.topic, sub.client)
		case msg := <-h.broadcast:
			h.deliver(msg.topic, msg.payload)
			if msg.topic != AllURLs {
				h.deliver(AllURLs, msg.payload)
			}
		case reply := <-h.count:
			n := 0
			for _, clients := range h.clients {
				n += len(clients)
			}
			reply <- n
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		}
	}
}

func (h *Hub) deliver(topic string, payload []byte) {
	for c := range h.clients[topic] {
		if err := c.Send(payload); err != nil {
			h.logger.Debug().Err(err).Msg("Dropping live subscriber")
			c.Close()
			h.remove(topic, c)
		}
	}
}

func (h *Hub) remove(topic string, c Subscriber) {
	if clients, ok := h.clients[topic]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Register adds a client to the stream for url, or to every stream for
// AllURLs.
func (h *Hub) Register(url string, client Subscriber) {
	select {
	case h.register <- subscription{topic: topicOf(url), client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(url string, client Subscriber) {
	select {
	case h.unreg <- subscription{topic: topicOf(url), client: client}:
	case <-h.done:
	}
}

// Subscribers returns the number of registered clients.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Broadcast queues msg for delivery. It never blocks the caller: when the
// hub is saturated the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to encode live message")
		return
	}
	select {
	case <-h.done:
	case h.broadcast <- message{topic: topicOf(msg.URL), payload: payload}:
	default:
		h.logger.Debug().Str("type", msg.Type).Msg("Live hub saturated, message dropped")
	}
}

// Publish broadcasts a persisted item. It matches storage.HandlerConfig's
// OnSaved hook; kinds without a live view are ignored.
func (h *Hub) Publish(item persistence.Persistable) {
	switch v := item.(type) {
	case *calltree.Request:
		h.Broadcast(Message{Type: TypeRequest, URL: v.URL, Data: v.Preview()})
	case *capture.TimedRequest:
		h.Broadcast(Message{Type: TypeLongRequest, URL: v.URL, Data: v})
	}
}

// Close disconnects every subscriber and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
	<-h.stopped
}

func topicOf(url string) string {
	return calltree.NormalizeURL(url)
}
