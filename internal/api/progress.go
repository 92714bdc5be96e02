package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ProgressEvent is one run-progress update pushed to dashboard subscribers.
type ProgressEvent struct {
	Kind    string `json:"kind"` // "send" or "backup"
	RunID   string `json:"run_id"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Label   string `json:"label,omitempty"`
	Status  string `json:"status"` // "running", "done", "failed"
	Error   string `json:"error,omitempty"`
}

const publishTimeout = 5 * time.Second

// Hub fans run-progress events out to every connected websocket. Slow or
// dead subscribers are dropped, never waited on past the publish timeout.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger, subs: make(map[*websocket.Conn]struct{})}
}

// Publish broadcasts one event to all subscribers.
func (h *Hub) Publish(ev ProgressEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("progress event marshal failed", "error", err)
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.subs))
	for c := range h.subs {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, raw); err != nil {
			h.logger.Debug("dropping progress subscriber", "error", err)
			h.remove(c)
			_ = c.Close(websocket.StatusNormalClosure, "write failed")
		}
	}
}

func (h *Hub) add(c *websocket.Conn) {
	h.mu.Lock()
	h.subs[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.subs, c)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and keeps the subscription open until the
// client goes away. Subscribers only listen; inbound frames are discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept progress websocket", "error", err)
		return
	}
	h.add(ws)
	defer func() {
		h.remove(ws)
		_ = ws.Close(websocket.StatusNormalClosure, "feed closed")
	}()

	for {
		if _, _, err := ws.Read(r.Context()); err != nil {
			return
		}
	}
}
