package channel

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"relay/internal/domain"

	"github.com/gorilla/websocket"
)

// Frame is the JSON wire format pushed to webstream clients.
type Frame struct {
	Type    string `json:"type"` // "chunk" | "message" | "done"
	Content string `json:"content,omitempty"`
	Target  string `json:"target,omitempty"`
}

// Hub tracks live websocket connections per (channel, target) pair. The
// webstream provider has a true streaming transport, so chunks are
// forwarded the moment they arrive instead of being buffered or edited
// into place.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]map[*hubConn]struct{}
}

type hubConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *hubConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]map[*hubConn]struct{}),
	}
}

func hubKey(channelID, target string) string { return channelID + "/" + target }

// Attach upgrades the request and registers the socket under the given
// (channel, target) pair until the peer disconnects.
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request, channelID, target string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "channel", channelID, "err", err)
		return
	}

	hc := &hubConn{conn: conn}
	key := hubKey(channelID, target)

	h.mu.Lock()
	if h.conns[key] == nil {
		h.conns[key] = make(map[*hubConn]struct{})
	}
	h.conns[key][hc] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("webstream client attached", "channel", channelID, "target", target)

	// Reader loop exists only to detect disconnect; clients do not send.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.conns[key], hc)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) broadcast(channelID, target string, frame Frame) {
	h.mu.RLock()
	conns := make([]*hubConn, 0, len(h.conns[hubKey(channelID, target)]))
	for c := range h.conns[hubKey(channelID, target)] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	frame.Target = target
	for _, c := range conns {
		if err := c.writeJSON(frame); err != nil {
			h.logger.Warn("webstream write failed", "channel", channelID, "err", err)
		}
	}
}

// WebStream implements domain.Adapter over the hub.
type WebStream struct {
	channelID string
	hub       *Hub
}

func NewWebStream(channelID string, hub *Hub) *WebStream {
	return &WebStream{channelID: channelID, hub: hub}
}

func (w *WebStream) Provider() domain.Provider { return domain.ProviderWebStream }

func (w *WebStream) SendMessage(ctx context.Context, target string, text string) error {
	w.hub.broadcast(w.channelID, target, Frame{Type: "message", Content: text})
	return nil
}

// SendStream forwards each chunk as its own frame and closes with a
// "done" frame carrying the full concatenation, so late-joining clients
// still see the complete result.
func (w *WebStream) SendStream(ctx context.Context, target string, chunks <-chan string) error {
	var full []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				w.hub.broadcast(w.channelID, target, Frame{Type: "done", Content: string(full)})
				return nil
			}
			full = append(full, chunk...)
			w.hub.broadcast(w.channelID, target, Frame{Type: "chunk", Content: chunk})
		}
	}
}
