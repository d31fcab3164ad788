/*
Package hub implements the per-site WebSocket fan-out: channel subscriptions,
broadcast, and the ping/pong keepalive loop. Every site gets its own Hub,
created lazily by the HubManager and torn down when the site is deleted, so
a broadcast on one site's hub can never reach another site's clients.
*/
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fazt-sh/fazt/internal/config"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"
)

// InboundMessage is a frame sent by a client.
type InboundMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// OutboundMessage is a frame sent to a client.
type OutboundMessage struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Client is a single registered WebSocket connection on a Hub.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	mu       sync.Mutex
	channels map[string]struct{}
}

// ID returns the client's opaque id, usable with KickClient.
func (c *Client) ID() string { return c.id }

func newClient(hub *Hub, conn *websocket.Conn, queueSize int) *Client {
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, queueSize),
		hub:      hub,
		channels: make(map[string]struct{}),
	}
}

// Hub fans messages out to the WebSocket clients of a single site.
type Hub struct {
	siteID string
	cfg    config.Hub
	logger *slog.Logger

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	channels map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	done chan struct{}
	stop sync.Once
}

// New creates and starts a Hub for siteID. Callers should use HubManager
// rather than constructing a Hub directly.
func New(siteID string, cfg config.Hub, logger *slog.Logger) *Hub {
	h := &Hub{
		siteID:     siteID,
		cfg:        cfg,
		logger:     logger,
		clients:    make(map[*Client]struct{}),
		channels:   make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// run serializes registration and the legacy broadcast channel; all other
// operations (BroadcastToChannel, BroadcastAll, GetSubscribers, counts,
// KickClient) take the read/write lock directly and never touch this loop.
func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.dropClient(c)

		case msg := <-h.broadcast:
			h.BroadcastAll(msg)
		}
	}
}

// Stop halts the hub's event loop and closes every client connection. Safe
// to call more than once.
func (h *Hub) Stop() {
	h.stop.Do(func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			close(c.send)
		}
		h.clients = make(map[*Client]struct{})
		h.channels = make(map[string]map[*Client]struct{})
		h.mu.Unlock()
	})
}

func (h *Hub) dropClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)

	c.mu.Lock()
	chans := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		chans = append(chans, ch)
	}
	c.mu.Unlock()

	for _, ch := range chans {
		subs, ok := h.channels[ch]
		if !ok {
			continue
		}
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, ch)
		}
	}
}

// subscribe adds c to channel ch. Safe to call repeatedly.
func (h *Hub) subscribe(c *Client, ch string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[ch] == nil {
		h.channels[ch] = make(map[*Client]struct{})
	}
	h.channels[ch][c] = struct{}{}

	c.mu.Lock()
	c.channels[ch] = struct{}{}
	c.mu.Unlock()
}

// unsubscribe removes c from channel ch, dropping the channel entirely once
// its last subscriber leaves.
func (h *Hub) unsubscribe(c *Client, ch string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.channels[ch]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, ch)
		}
	}

	c.mu.Lock()
	delete(c.channels, ch)
	c.mu.Unlock()
}

// BroadcastToChannel serializes data once and delivers it to every client
// subscribed to ch. A client whose send queue is full is skipped — slow
// consumers never block the broadcaster.
func (h *Hub) BroadcastToChannel(ch string, data json.RawMessage) {
	msg := marshal(OutboundMessage{Type: "message", Channel: ch, Data: data, Timestamp: time.Now().UTC().UnixMilli()})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.channels[ch] {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// BroadcastAll delivers raw bytes to every client in the hub regardless of
// channel subscription, applying the same drop-if-full backpressure rule.
func (h *Hub) BroadcastAll(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// BroadcastAllJSON is the JSON-envelope counterpart to BroadcastAll, used by
// the realtime capability's broadcastAll(data).
func (h *Hub) BroadcastAllJSON(data json.RawMessage) {
	h.BroadcastAll(marshal(OutboundMessage{Type: "message", Data: data, Timestamp: time.Now().UTC().UnixMilli()}))
}

// GetSubscribers returns the ids of every client subscribed to ch.
func (h *Hub) GetSubscribers(ch string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.channels[ch]))
	for c := range h.channels[ch] {
		ids = append(ids, c.id)
	}
	return ids
}

// ChannelCount returns the number of clients subscribed to ch.
func (h *Hub) ChannelCount(ch string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[ch])
}

// ClientCount returns the number of clients currently connected to the hub.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// KickClient forcibly disconnects the client identified by id, returning
// false if no such client is connected.
func (h *Hub) KickClient(id, reason string) bool {
	h.mu.RLock()
	var target *Client
	for c := range h.clients {
		if c.id == id {
			target = c
			break
		}
	}
	h.mu.RUnlock()
	if target == nil {
		return false
	}

	msg := marshal(OutboundMessage{Type: "error", Error: reason})
	select {
	case target.send <- msg:
	default:
	}
	_ = target.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(h.cfg.WriteWait.Duration))
	_ = target.conn.Close()
	return true
}

// checkOrigin implements the kernel's origin policy: accept empty Origin,
// accept localhost/127.0.0.1, and accept an origin whose host (stripped of
// port) matches the request's Host.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	host = strings.SplitN(host, "/", 2)[0]
	hostNoPort := strings.SplitN(host, ":", 2)[0]

	if hostNoPort == "localhost" || hostNoPort == "127.0.0.1" {
		return true
	}

	reqHost := strings.SplitN(r.Host, ":", 2)[0]
	return hostNoPort == reqHost
}

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// Upgrade accepts the WebSocket handshake and registers a new client on the
// hub, then runs its read/write pumps until the connection closes.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := newClient(h, conn, h.cfg.SendQueueSize)
	h.register <- c

	go h.writePump(c)
	h.readPump(c)
	return nil
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(h.cfg.PingPeriod.Duration)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait.Duration))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait.Duration))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			ping := marshal(OutboundMessage{Type: "ping", Timestamp: time.Now().UTC().UnixMilli()})
			select {
			case c.send <- ping:
			default:
			}
		}
	}
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		h.unregister <- c
	}()

	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait.Duration))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait.Duration))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var in InboundMessage
		if err := json.Unmarshal(data, &in); err != nil {
			h.sendError(c, "invalid message")
			continue
		}

		switch in.Type {
		case "subscribe":
			h.subscribe(c, in.Channel)
			h.sendTo(c, OutboundMessage{Type: "subscribed", Channel: in.Channel})
		case "unsubscribe":
			h.unsubscribe(c, in.Channel)
			h.sendTo(c, OutboundMessage{Type: "unsubscribed", Channel: in.Channel})
		case "pong":
			// client-level application pong; read deadline already reset above.
		default:
			h.sendError(c, "unknown message type")
		}
	}
}

func (h *Hub) sendTo(c *Client, msg OutboundMessage) {
	select {
	case c.send <- marshal(msg):
	default:
	}
}

func (h *Hub) sendError(c *Client, reason string) {
	h.sendTo(c, OutboundMessage{Type: "error", Error: reason})
}

func marshal(msg OutboundMessage) []byte {
	b, err := json.Marshal(msg)
	if err != nil {
		return []byte(`{"type":"error","error":"internal"}`)
	}
	return b
}
