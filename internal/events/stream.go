package events

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamClientMessage is the JSON shape clients send over the stream.
type streamClientMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events,omitempty"`
}

// streamServerMessage is the JSON shape the server sends to clients.
type streamServerMessage struct {
	Type      string   `json:"type"`
	Event     *Event   `json:"event,omitempty"`
	Events    []string `json:"events,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
	Message   string   `json:"message,omitempty"`
}

const streamWriteTimeout = 10 * time.Second

// StreamHandler serves a live event feed over WebSocket. The optional
// tenant_id query parameter scopes the feed to one tenant; a subscribe message
// narrows it to specific kinds.
type StreamHandler struct {
	bus            *Bus
	originPatterns []string
	logger         *slog.Logger
}

func NewStreamHandler(bus *Bus, originPatterns []string, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{bus: bus, originPatterns: originPatterns, logger: logger}
}

func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")

	acceptOpts := &websocket.AcceptOptions{}
	if len(h.originPatterns) > 0 {
		acceptOpts.OriginPatterns = h.originPatterns
	}
	conn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	conn.SetReadLimit(64 << 10)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	var kinds kindSet
	filter := kinds.match
	if tenantID != "" {
		filter = All(ByTenant(tenantID), kinds.match)
	}
	sub := h.bus.Subscribe("stream", filter)
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := writeStream(ctx, conn, streamServerMessage{Type: "connected", Timestamp: time.Now().UnixMilli()}); err != nil {
		return
	}

	go func() {
		defer cancel()
		h.readLoop(ctx, conn, &kinds)
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := writeStream(ctx, conn, streamServerMessage{Type: "event", Event: &e}); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (h *StreamHandler) readLoop(ctx context.Context, conn *websocket.Conn, kinds *kindSet) {
	for {
		var msg streamClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
				h.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var reply streamServerMessage
		switch msg.Type {
		case "subscribe":
			kinds.set(msg.Events)
			reply = streamServerMessage{Type: "subscribed", Events: msg.Events}
		case "unsubscribe":
			kinds.set(nil)
			reply = streamServerMessage{Type: "unsubscribed", Events: msg.Events}
		case "ping":
			reply = streamServerMessage{Type: "pong", Timestamp: time.Now().UnixMilli()}
		default:
			reply = streamServerMessage{Type: "error", Message: "unknown message type"}
		}
		if err := writeStream(ctx, conn, reply); err != nil {
			return
		}
	}
}

func writeStream(ctx context.Context, conn *websocket.Conn, msg streamServerMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, msg)
}

// kindSet is the mutable kind filter of one stream. Empty means all kinds.
type kindSet struct {
	mu    sync.RWMutex
	kinds map[Kind]struct{}
}

func (k *kindSet) set(names []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(names) == 0 {
		k.kinds = nil
		return
	}
	k.kinds = make(map[Kind]struct{}, len(names))
	for _, n := range names {
		k.kinds[Kind(n)] = struct{}{}
	}
}

func (k *kindSet) match(e Event) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.kinds == nil {
		return true
	}
	_, ok := k.kinds[e.Kind]
	return ok
}
