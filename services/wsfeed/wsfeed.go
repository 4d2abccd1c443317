// Package wsfeed mirrors knob topics to websocket clients as JSON frames
// and lets clients issue knob control requests.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"knobcode-go/bus"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = 20 * time.Second
	requestTimeout = 2 * time.Second
	defaultSendBuf = 32
)

var controlPattern = bus.T("knob", "control", "#")

// Frame is the JSON shape of every message in both directions. ID is only
// set on control requests and echoed on their reply.
type Frame struct {
	ID       int64  `json:"id,omitempty"`
	Topic    string `json:"topic"`
	Payload  any    `json:"payload,omitempty"`
	Retained bool   `json:"retained,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Hub fans bus messages out to clients. A client whose queue fills up is
// dropped rather than slowing the others.
type Hub struct {
	conn    *bus.Connection
	log     *slog.Logger
	pattern bus.Topic
	sendBuf int

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(conn *bus.Connection, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		conn:    conn,
		log:     log.With("service", "wsfeed"),
		pattern: bus.T("knob", "#"),
		sendBuf: defaultSendBuf,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Run forwards bus traffic until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	sub := h.conn.Subscribe(h.pattern)
	defer h.conn.Unsubscribe(sub)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.Channel():
			if !ok {
				return
			}
			if m.Topic.Match(controlPattern) {
				continue
			}
			b, err := encode(m)
			if err != nil {
				h.log.Warn("encode failed", "topic", m.Topic.String(), "err", err)
				continue
			}
			h.broadcast(b)
		}
	}
}

func encode(m *bus.Message) ([]byte, error) {
	return json.Marshal(Frame{Topic: m.Topic.String(), Payload: m.Payload, Retained: m.Retained})
}

func (h *Hub) broadcast(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.log.Warn("client too slow, dropping", "remote_addr", c.remote)
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and sends the retained knob state first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "err", err)
		return
	}
	c := &client{hub: h, ws: ws, send: make(chan []byte, h.sendBuf), remote: r.RemoteAddr}
	h.register(c)
	h.snapshot(c)

	// Pumps outlive the handler; the request context ends when it returns.
	go c.writePump()
	go c.readPump()
}

// snapshot queues every retained message under the hub pattern.
func (h *Hub) snapshot(c *client) {
	sub := h.conn.Subscribe(h.pattern)
	defer h.conn.Unsubscribe(sub)
	for {
		select {
		case m := <-sub.Channel():
			if m.Topic.Match(controlPattern) {
				continue
			}
			b, err := encode(m)
			if err != nil {
				continue
			}
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				select {
				case c.send <- b:
				default:
				}
			}
			h.mu.Unlock()
		default:
			return
		}
	}
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

type client struct {
	hub    *Hub
	ws     *websocket.Conn
	send   chan []byte
	remote string
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case b, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.hub.log.Info("ws write failed", "remote_addr", c.remote, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer c.hub.unregister(c)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				c.hub.log.Info("ws read failed", "remote_addr", c.remote, "err", err)
			}
			return
		}
		var req Frame
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(Frame{Error: "invalid_payload"})
			continue
		}
		go c.control(req)
	}
}

// control forwards a knob/control/<verb> request and returns the reply.
func (c *client) control(req Frame) {
	topic, ok := controlTopic(req.Topic)
	if !ok {
		c.reply(Frame{ID: req.ID, Topic: req.Topic, Error: "unsupported"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	m, err := c.hub.conn.RequestWait(ctx, c.hub.conn.NewMessage(topic, req.Payload, false))
	if err != nil {
		c.reply(Frame{ID: req.ID, Topic: req.Topic, Error: "timeout"})
		return
	}
	c.reply(Frame{ID: req.ID, Topic: req.Topic, Payload: m.Payload})
}

func (c *client) reply(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func controlTopic(s string) (bus.Topic, bool) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] != "knob" || parts[1] != "control" || parts[2] == "" {
		return nil, false
	}
	return bus.T(parts[0], parts[1], parts[2]), true
}
