package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

type uiEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventHub pushes call and device snapshots to every connected UI.
type EventHub struct {
	upgrader websocket.Upgrader
	devices  func() []domain.ConnectionEntry

	mu      sync.RWMutex
	clients map[*uiConn]struct{}
}

func NewEventHub(devices func() []domain.ConnectionEntry) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		devices:  devices,
		clients:  make(map[*uiConn]struct{}),
	}
}

func (h *EventHub) PublishCall(rec domain.CallRecord) {
	h.broadcast(uiEvent{Type: "call", Data: rec})
}

func (h *EventHub) PublishDevices(entries []domain.ConnectionEntry) {
	h.broadcast(uiEvent{Type: "devices", Data: entries})
}

func (h *EventHub) broadcast(ev uiEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("event marshal")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if err := c.TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("client", c.id).Str("event", ev.Type).Msg("ui event dropped")
		}
	}
}

// Clients is the number of connected UIs.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) Serve(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	conn := &uiConn{id: c.GetString("client_token"), conn: ws, send: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	log.Info().Str("module", "adapters.http").Str("client", conn.id).Msg("ui events connected")

	if b, err := json.Marshal(uiEvent{Type: "devices", Data: h.devices()}); err == nil {
		_ = conn.TrySend(b)
	}
	go conn.writePump()
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *EventHub) drop(c *uiConn) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.Close()
	log.Info().Str("module", "adapters.http").Str("client", c.id).Msg("ui events disconnected")
}

// Close disconnects every UI.
func (h *EventHub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*uiConn]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.Close()
	}
}

type uiConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *uiConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *uiConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

func (c *uiConn) writePump() {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Str("module", "adapters.http").Str("client", c.id).Msg("writePump write error")
			return
		}
	}
}
