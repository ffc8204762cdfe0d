package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/micro-ha/indego-sync/internal/model"
	"github.com/micro-ha/indego-sync/internal/publish"
)

const (
	wsSendBufferSize = 64
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 30 * time.Second
	wsMaxMessageSize = 4096
)

// WSMessage is one frame pushed to stream subscribers.
type WSMessage struct {
	Type      string        `json:"type"`
	Timestamp string        `json:"timestamp"`
	Event     publish.Event `json:"event"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Requests arrive through the Home Assistant ingress proxy.
		return true
	},
}

// Hub fans published events out to websocket clients. It is a publish.Sink.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	serial string
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[*wsClient]struct{})}
}

// Publish queues ev for every client subscribed to its mower. Slow clients
// drop frames instead of blocking the publisher.
func (h *Hub) Publish(ctx context.Context, ev publish.Event) error {
	_ = ctx
	if ev.Kind == publish.EventResource && ev.Resource == model.KeyMap {
		return nil
	}
	data, err := json.Marshal(WSMessage{Type: "event", Timestamp: ev.At.UTC().Format(time.RFC3339), Event: ev})
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.serial != "" && client.serial != ev.Serial {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Debug("websocket client too slow, dropping event", "kind", ev.Kind)
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if existed {
		close(c.send)
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// Stream upgrades the request and streams events. ?serial= limits the
// stream to one mower.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, http.StatusNotFound, "stream_disabled", "Event stream is not enabled")
		return
	}
	serial := r.URL.Query().Get("serial")
	if serial != "" {
		if _, ok := a.mower(w, serial); !ok {
			return
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	client := &wsClient{hub: a.hub, conn: conn, send: make(chan []byte, wsSendBufferSize), serial: serial}
	if !a.hub.register(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// readPump only watches for close and pong frames.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read failed", "err", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
