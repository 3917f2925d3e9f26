package sink

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/marz/internal/session"
)

const (
	defaultClientBuffer = 16
	defaultWriteTimeout = 5 * time.Second
)

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithClientBuffer sets how many snapshots may queue per client before it is
// disconnected as too slow. Default: 16.
func WithClientBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin websocket handshakes from hosts
// matching the patterns.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = patterns }
}

// Hub streams snapshots to websocket clients as JSON text messages. Each new
// client first receives the most recent snapshot.
type Hub struct {
	buffer  int
	origins []string

	mu      sync.Mutex
	clients map[*client]struct{}
	latest  *session.Snapshot
	closed  bool
}

type client struct {
	send chan session.Snapshot
	conn *websocket.Conn
}

var (
	_ Sink         = (*Hub)(nil)
	_ http.Handler = (*Hub)(nil)
)

// NewHub returns an empty [Hub].
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{buffer: defaultClientBuffer, clients: make(map[*client]struct{})}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Publish implements [Sink]. Clients whose queue is full are dropped.
func (h *Hub) Publish(s session.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = &s
	for c := range h.clients {
		select {
		case c.send <- s:
		default:
			delete(h.clients, c)
			close(c.send)
			slog.Warn("sink: dropping slow websocket client")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Debug("sink: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	c := &client{send: make(chan session.Snapshot, h.buffer), conn: conn}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	if h.latest != nil {
		c.send <- *h.latest
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	// Incoming messages are not part of the protocol; CloseRead handles
	// control frames and cancels ctx when the peer leaves.
	ctx := conn.CloseRead(r.Context())
	defer h.remove(c)

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-c.send:
			if !ok {
				code, reason := websocket.StatusPolicyViolation, "client too slow"
				if h.isClosed() {
					code, reason = websocket.StatusGoingAway, "shutting down"
				}
				conn.Close(code, reason)
				return
			}
			wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := wsjson.Write(wctx, conn, s)
			cancel()
			if err != nil {
				slog.Debug("sink: websocket write", "err", err)
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	return nil
}
