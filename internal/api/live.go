package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/gnss-integrity/internal/monitoring"
	"github.com/banshee-data/gnss-integrity/internal/state"
)

const (
	liveWriteWait   = 5 * time.Second
	liveClientBuf   = 8
	liveReadLimit   = 512
	liveMessageType = "snapshot"
)

var liveLogf = monitoring.Prefixed("live")

// liveMessage is the frame written to websocket clients.
type liveMessage struct {
	Type string         `json:"type"`
	Data state.Snapshot `json:"data"`
}

type liveClient struct {
	conn *websocket.Conn
	send chan state.Snapshot
}

// LiveHub streams every published snapshot to connected websocket clients.
// It implements the acquisition loop's Publisher. A client that falls behind
// misses snapshots rather than slowing the loop.
type LiveHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*liveClient]struct{}
	latest  *state.Snapshot
	closed  bool
}

func NewLiveHub() *LiveHub {
	return &LiveHub{
		upgrader: websocket.Upgrader{
			// the API has no authentication and any origin may read it
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*liveClient]struct{}),
	}
}

// Publish queues snap for every client. It never blocks.
func (h *LiveHub) Publish(_ context.Context, snap state.Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = &snap
	for c := range h.clients {
		select {
		case c.send <- snap:
		default:
		}
	}
	return nil
}

// Clients reports how many websocket clients are connected.
func (h *LiveHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams snapshots until the client goes
// away. The most recent snapshot, if any, is sent first.
func (h *LiveHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		liveLogf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &liveClient{conn: conn, send: make(chan state.Snapshot, liveClientBuf)}
	if !h.register(c) {
		conn.Close()
		return
	}
	liveLogf("Client connected. Total clients: %d", h.Clients())

	go h.writeLoop(c)

	// Client messages are ignored; reading detects the close.
	conn.SetReadLimit(liveReadLimit)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.unregister(c)
	liveLogf("Client disconnected. Total clients: %d", h.Clients())
}

func (h *LiveHub) register(c *liveClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.latest != nil {
		c.send <- *h.latest
	}
	return true
}

func (h *LiveHub) unregister(c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *LiveHub) writeLoop(c *liveClient) {
	defer c.conn.Close()
	for snap := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
		if err := c.conn.WriteJSON(liveMessage{Type: liveMessageType, Data: snap}); err != nil {
			liveLogf("WebSocket write error: %v", err)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(liveWriteWait))
}

// Close disconnects every client and refuses new ones.
func (h *LiveHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	return nil
}
