// Handraise - Human-in-the-loop MCP server
// License: MIT
//
// Copyright (c) 2026 Handraise contributors

// Package panel is the WebSocket hub that connects human-facing front-ends
// to the ask coordinator. Panels connect via /panel/ws, receive every open
// ask (including a replay of asks opened before they connected), and send
// back answers, pauses, and resumes.
package panel

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/freitascorp/handraise/pkg/ask"
)

// Message is the wire format for panel traffic, both directions.
//
// Server → panel: "ask" (a new or replayed request), "retract" (request
// settled elsewhere, close its card), "error" (a panel action failed),
// "ping".
// Panel → server: "respond", "pause", "resume", "pong".
type Message struct {
	Type       string       `json:"type"`
	ID         string       `json:"id,omitempty"` // internal ask id
	Payload    *ask.Payload `json:"payload,omitempty"`
	Value      any          `json:"value,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Remaining  int64        `json:"remaining_ms,omitempty"`
	Paused     bool         `json:"paused,omitempty"`
	AutoSubmit bool         `json:"auto_submit,omitempty"`
	Timestamp  time.Time    `json:"ts"`
}

// Responder is the subset of the coordinator the hub drives. Split out so
// hub tests can run against a recorder instead of a full coordinator.
type Responder interface {
	Respond(id string, value any) error
	Pause(id string) error
	Resume(id string) error
	Remaining(id string) (remaining time.Duration, paused bool, err error)
	Pending() []ask.Request
}

type client struct {
	conn *websocket.Conn

	mu sync.Mutex // serializes writes; coder/websocket allows one writer
}

func (c *client) write(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, msg)
}

// Hub fans asks out to every connected panel and feeds panel actions back
// into the coordinator. It implements ask.Frontend.
type Hub struct {
	responder    Responder
	log          *slog.Logger
	pingInterval time.Duration
	onClients    func(count int)

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates the hub. log may be nil. The hub and the coordinator
// reference each other, so the responder is attached afterwards with Bind.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:          log,
		pingInterval: 15 * time.Second,
		clients:      make(map[*client]struct{}),
	}
}

// Bind attaches the responder. Must be called before the hub serves
// traffic.
func (h *Hub) Bind(responder Responder) {
	h.responder = responder
}

// OnClientsChanged installs a callback invoked with the client count after
// every connect and disconnect. Set it before the hub serves traffic.
func (h *Hub) OnClientsChanged(fn func(count int)) {
	h.onClients = fn
}

func (h *Hub) notifyClients() {
	if h.onClients != nil {
		h.onClients(h.ClientCount())
	}
}

// Deliver broadcasts a new ask to every connected panel. A hub with no
// clients is fine: the ask stays open in the coordinator and is replayed
// when a panel connects.
func (h *Hub) Deliver(req ask.Request) {
	h.broadcast(h.askMessage(req))
}

// Retract tells every panel to drop a card for an ask that settled
// elsewhere (answered on another panel, cancelled, timed out).
func (h *Hub) Retract(id, reason string) {
	h.broadcast(Message{
		Type:      "retract",
		ID:        id,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

// ClientCount reports connected panels.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and runs the panel session until the
// panel disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.responder == nil {
		http.Error(w, "hub not bound", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Error("panel websocket accept failed", "error", err)
		return
	}

	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.log.Info("panel connected", "remote_addr", r.RemoteAddr, "clients", h.ClientCount())
	h.notifyClients()

	ctx := r.Context()
	h.replay(ctx, c)
	go h.pingLoop(ctx, c)

	h.readLoop(ctx, c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "session ended")

	h.log.Info("panel disconnected", "remote_addr", r.RemoteAddr, "clients", h.ClientCount())
	h.notifyClients()
}

// Shutdown closes every panel connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	h.notifyClients()
}

// replay sends every still-open ask to a freshly connected panel so it can
// render the full backlog.
func (h *Hub) replay(ctx context.Context, c *client) {
	for _, req := range h.responder.Pending() {
		if err := c.write(ctx, h.askMessage(req)); err != nil {
			h.log.Debug("panel replay write failed", "error", err)
			return
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		var msg Message
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.log.Debug("panel read error", "error", err)
			}
			return
		}

		switch msg.Type {
		case "respond":
			h.act(ctx, c, msg, func() error { return h.responder.Respond(msg.ID, msg.Value) })
		case "pause":
			h.act(ctx, c, msg, func() error { return h.responder.Pause(msg.ID) })
		case "resume":
			h.act(ctx, c, msg, func() error { return h.responder.Resume(msg.ID) })
		case "pong":
			// Liveness only; nothing to record.
		default:
			h.log.Debug("unknown panel message type", "type", msg.Type)
		}
	}
}

// act runs a panel action and reports failures back to the sending panel
// only. A respond that loses the race to another panel is normal traffic,
// not a broadcast-worthy event.
func (h *Hub) act(ctx context.Context, c *client, msg Message, fn func() error) {
	if err := fn(); err != nil {
		if err := c.write(ctx, Message{
			Type:      "error",
			ID:        msg.ID,
			Reason:    err.Error(),
			Timestamp: time.Now(),
		}); err != nil {
			h.log.Debug("panel error write failed", "error", err)
		}
	}
}

func (h *Hub) askMessage(req ask.Request) Message {
	msg := Message{
		Type:       "ask",
		ID:         req.ID,
		Payload:    &req.Payload,
		AutoSubmit: req.AutoSubmit,
		Timestamp:  time.Now(),
	}
	if remaining, paused, err := h.responder.Remaining(req.ID); err == nil {
		msg.Remaining = remaining.Milliseconds()
		msg.Paused = paused
	}
	return msg
}

func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range targets {
		if err := c.write(ctx, msg); err != nil {
			h.log.Debug("panel broadcast write failed", "error", err)
		}
	}
}

func (h *Hub) pingLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(ctx, Message{Type: "ping", Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}
