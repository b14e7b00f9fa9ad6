// Package websocket pushes broadcast bus messages to dashboard clients.
//
// A client joins one topic when it connects: the facility feed or a single
// event's feed. The hub holds one bus subscription per topic that has
// listeners (the facility topic is always subscribed) and forwards each
// payload to that topic's clients without blocking. A client whose buffer
// is full is disconnected.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"

	"github.com/DeadshotOMEGA/sentinel-sub000/internal/logging"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/metrics"
	"github.com/DeadshotOMEGA/sentinel-sub000/internal/sentinel/broadcast"
)

var ErrHubStopped = errors.New("websocket hub is not running")

type HubConfig struct {
	// AllowedOrigins lists accepted Origin headers; empty accepts any.
	AllowedOrigins []string
}

type room struct {
	clients map[*Client]struct{}
	cancel  context.CancelFunc
}

type Hub struct {
	sub      message.Subscriber
	topics   broadcast.Topics
	upgrader websocket.Upgrader

	mu    sync.Mutex
	ctx   context.Context // set while Serve runs
	rooms map[string]*room
	count int

	ready     chan struct{}
	readyOnce sync.Once
}

func NewHub(sub message.Subscriber, topics broadcast.Topics, cfg HubConfig) *Hub {
	h := &Hub{
		sub:    sub,
		topics: topics,
		rooms:  make(map[string]*room),
		ready:  make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      originChecker(cfg.AllowedOrigins),
	}
	return h
}

// Serve keeps the facility subscription open until ctx ends, then closes
// every client. It implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	topic := h.topics.Facility()
	msgs, cancel, err := h.subscribe(ctx, topic)
	if err != nil {
		return err
	}
	rm := &room{clients: make(map[*Client]struct{}), cancel: cancel}

	h.mu.Lock()
	h.ctx = ctx
	h.rooms = map[string]*room{topic: rm}
	h.mu.Unlock()
	go h.forward(topic, rm, msgs)
	h.readyOnce.Do(func() { close(h.ready) })

	logging.Info().Str("component", "websocket-hub").Msg("websocket hub started")
	<-ctx.Done()

	closed := h.closeAll()
	logging.Info().
		Str("component", "websocket-hub").
		Int("clients_closed", closed).
		Msg("websocket hub stopped")
	return ctx.Err()
}

func (h *Hub) String() string { return "websocket-hub" }

// Ready is closed the first time Serve has subscribed to the facility topic.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

// ClientCount returns the number of connected clients across all topics.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// ServeHTTP upgrades the request and registers the client. The optional
// topic query parameter is "facility" (default) or "event.<id>".
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic, ok := h.resolveTopic(r.URL.Query().Get("topic"))
	if !ok {
		http.Error(w, `topic must be "facility" or "event.<id>"`, http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logging.Ctx(r.Context()).Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(h, conn, topic)
	if err := h.Register(c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server unavailable"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	c.start()
}

func (h *Hub) resolveTopic(q string) (string, bool) {
	q = strings.TrimSpace(q)
	switch {
	case q == "" || q == "facility":
		return h.topics.Facility(), true
	case strings.HasPrefix(q, "event."):
		id := strings.TrimPrefix(q, "event.")
		if id == "" || strings.ContainsAny(id, ".*> \t") {
			return "", false
		}
		return h.topics.Event(id), true
	default:
		return "", false
	}
}

// Register adds c to its topic, subscribing to the topic if c is the first
// listener.
//
// h.mu is never held across a bus call: an in-process publish holds the
// bus lock until every subscriber acks, and forward needs h.mu to ack.
func (h *Hub) Register(c *Client) error {
	for {
		h.mu.Lock()
		ctx := h.ctx
		if ctx == nil || ctx.Err() != nil {
			h.mu.Unlock()
			return ErrHubStopped
		}
		if rm, ok := h.rooms[c.topic]; ok {
			h.addLocked(rm, c)
			h.mu.Unlock()
			return nil
		}
		h.mu.Unlock()

		msgs, cancel, err := h.subscribe(ctx, c.topic)
		if err != nil {
			return err
		}
		rm := &room{clients: make(map[*Client]struct{}), cancel: cancel}

		h.mu.Lock()
		_, taken := h.rooms[c.topic]
		switch {
		case h.ctx != ctx:
			h.mu.Unlock()
			cancel()
			go h.forward(c.topic, rm, msgs)
			return ErrHubStopped
		case taken:
			// Another listener subscribed first; join its room instead.
			h.mu.Unlock()
			cancel()
			go h.forward(c.topic, rm, msgs)
			continue
		}
		h.rooms[c.topic] = rm
		h.addLocked(rm, c)
		h.mu.Unlock()
		go h.forward(c.topic, rm, msgs)
		return nil
	}
}

func (h *Hub) addLocked(rm *room, c *Client) {
	rm.clients[c] = struct{}{}
	h.count++
	metrics.WebSocketClients.Inc()
	logging.Debug().Uint64("client_id", c.id).Str("topic", c.topic).Int("total_clients", h.count).Msg("websocket client connected")
}

// Unregister removes c and closes its send channel. An event topic with no
// listeners left is unsubscribed. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	rm, ok := h.rooms[c.topic]
	if !ok {
		return
	}
	if _, ok := rm.clients[c]; !ok {
		return
	}
	delete(rm.clients, c)
	close(c.send)
	h.count--
	metrics.WebSocketClients.Dec()

	if len(rm.clients) == 0 && c.topic != h.topics.Facility() {
		rm.cancel()
		delete(h.rooms, c.topic)
	}
}

func (h *Hub) subscribe(ctx context.Context, topic string) (<-chan *message.Message, context.CancelFunc, error) {
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := h.sub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		logging.Error().Err(err).Str("topic", topic).Msg("websocket topic subscribe failed")
		return nil, nil, err
	}
	return msgs, cancel, nil
}

// forward relays bus messages to rm until the subscription closes. A room
// that has been replaced or dropped gets nothing; its messages are still
// acked so the bus is never left waiting.
func (h *Hub) forward(topic string, rm *room, msgs <-chan *message.Message) {
	for m := range msgs {
		h.fanout(topic, rm, m.Payload)
		m.Ack()
	}
}

func (h *Hub) fanout(topic string, rm *room, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[topic] != rm || len(rm.clients) == 0 {
		return
	}
	clients := make([]*Client, 0, len(rm.clients))
	for c := range rm.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, c := range clients {
		select {
		case c.send <- payload:
		default:
			logging.Warn().Uint64("client_id", c.id).Str("topic", topic).Msg("websocket client too slow, disconnecting")
			h.removeLocked(c)
		}
	}
}

// deliver queues a frame for a single client, dropping it if the client
// is gone or backed up.
func (h *Hub) deliver(c *Client, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[c.topic]; !ok {
		return
	} else if _, ok := rm.clients[c]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (h *Hub) closeAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.count
	for _, rm := range h.rooms {
		for c := range rm.clients {
			h.removeLocked(c)
		}
		rm.cancel()
	}
	h.rooms = make(map[string]*room)
	h.ctx = nil
	return n
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSpace(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		if !ok {
			logging.Warn().Str("origin", origin).Msg("websocket origin rejected")
		}
		return ok
	}
}
