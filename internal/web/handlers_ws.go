package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"viessmann-go-home/internal/controller"
)

// snapshotEvent is the first message a WebSocket client receives.
const snapshotEvent = "snapshot"

const (
	wsQueueSize   = 256
	wsClientQueue = 64
	wsWriteWait   = 10 * time.Second
)

// WSHub fans controller events out to WebSocket clients. Each client may
// restrict datapoint events to a set of names; link state events always
// pass.
type WSHub struct {
	logger *slog.Logger
	events chan controller.Event

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	send       chan []byte
	datapoints map[string]bool // nil: everything
}

// wants reports whether the client subscribed to the event's datapoint.
func (c *wsClient) wants(ev controller.Event) bool {
	if c.datapoints == nil {
		return true
	}
	var name string
	switch d := ev.Data.(type) {
	case controller.ValueUpdate:
		name = d.Datapoint
	case controller.WriteResult:
		name = d.Datapoint
	case controller.BlacklistChange:
		name = d.Datapoint
	default:
		return true
	}
	return name == "" || c.datapoints[name]
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:  logger,
		events:  make(chan controller.Event, wsQueueSize),
		clients: make(map[*wsClient]struct{}),
		done:    make(chan struct{}),
	}
}

// Run delivers queued events until Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			h.closed = true
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *WSHub) deliver(ev controller.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws marshal", "type", ev.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("ws client evicted (too slow)", "clients", len(h.clients))
		}
	}
}

// add registers a client; it fails once the hub has stopped.
func (h *WSHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws client connected", "clients", len(h.clients))
	return true
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Debug("ws client disconnected", "clients", len(h.clients))
	}
}

// Stop shuts the hub down and closes every client. Safe to call twice.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues an event without blocking the controller; a full queue
// drops it.
func (h *WSHub) Broadcast(ev controller.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("ws queue full, dropping event", "type", ev.Type)
	}
}

// parseSubscription reads "?datapoints=a,b" into a filter set.
func parseSubscription(r *http.Request) map[string]bool {
	raw := r.URL.Query().Get("datapoints")
	if raw == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = true
		}
	}
	return set
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("ws accept", "err", err)
		return
	}

	client := &wsClient{
		send:       make(chan []byte, wsClientQueue),
		datapoints: parseSubscription(r),
	}

	values := s.ctrl.Values()
	if client.datapoints != nil {
		for name := range values {
			if !client.datapoints[name] {
				delete(values, name)
			}
		}
	}
	if snap, err := json.Marshal(controller.Event{Type: snapshotEvent, Data: values}); err == nil {
		client.send <- snap
	}

	if !s.wsHub.add(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.wsHub.remove(client)

	// Clients only listen; CloseRead discards their frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(context.Background())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.send:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutdown")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteWait)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
