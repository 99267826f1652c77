package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"meridian/internal/events"
)

// Compile-time interface checks.
var (
	_ events.Sink  = (*Hub)(nil)
	_ http.Handler = (*Hub)(nil)
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Hub fans engine events out to subscribers: websocket clients via
// ServeHTTP and gRPC streams via Subscribe. It is an events.Sink, so the
// engine feeds it like any other sink. Slow subscribers lose events rather
// than block the engine.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan events.Event
	nextID int
	closed bool

	buffer   int
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHub creates a Hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, log *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subs:   make(map[int]chan events.Event),
		buffer: buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Read-only feed for local operators.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.With("component", "hub"),
	}
}

// Subscribe registers a subscriber. The channel is closed by Unsubscribe
// or Close. Subscribing to a closed hub returns a closed channel.
func (h *Hub) Subscribe() (int, <-chan events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan events.Event, h.buffer)
	if h.closed {
		close(ch)
		return -1, ch
	}
	h.nextID++
	h.subs[h.nextID] = ch
	return h.nextID, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Emit delivers e to every subscriber without blocking.
func (h *Hub) Emit(e events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.log.Warn("subscriber too slow, dropping event", "sub_id", id, "event_type", e.Type)
		}
	}
	return nil
}

// Close disconnects every subscriber. Later Emits are no-ops.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	h.closed = true
	return nil
}

// ServeHTTP upgrades the request to a websocket and streams every event as
// a JSON text message until the client goes away or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	id, ch := h.Subscribe()
	defer h.Unsubscribe(id)
	h.log.Info("websocket client subscribed", "sub_id", id, "remote", r.RemoteAddr)

	// The feed is one-way; reading only services control frames and
	// notices the client leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			h.log.Info("websocket client disconnected", "sub_id", id)
			return

		case ev, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("encoding event", "event_type", ev.Type, "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
