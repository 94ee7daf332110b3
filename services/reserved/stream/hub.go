// Package stream fans reserve events out to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"raac/core/events"
	"raac/core/types"
	"raac/observability"
)

const (
	wsWriteTimeout    = 10 * time.Second
	defaultBufferSize = 64
)

type subscriber struct {
	reserve string
	ch      chan types.Event
}

// Hub is an events.Emitter that never blocks the publisher. A subscriber whose
// buffer is full is disconnected.
type Hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	buffer  int
	logger  *slog.Logger
	metrics *observability.ReserveMetrics
	closed  bool
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger *slog.Logger, metrics *observability.ReserveMetrics) *Hub {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[*subscriber]struct{}), buffer: buffer, logger: logger, metrics: metrics}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	renderable, ok := evt.(events.Renderable)
	if !ok || h == nil {
		return
	}
	rendered := renderable.Event()
	reserveID := rendered.Attributes["reserve"]

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.reserve != "" && sub.reserve != reserveID {
			continue
		}
		select {
		case sub.ch <- *rendered:
		default:
			h.logger.Warn("dropping slow stream subscriber", slog.String("reserve", sub.reserve))
			h.removeLocked(sub)
		}
	}
}

// Subscribe registers a subscriber for reserveID, or for every reserve when
// reserveID is empty. The returned channel is closed when cancel is called,
// when the subscriber falls behind or when the hub closes.
func (h *Hub) Subscribe(reserveID string) (<-chan types.Event, func()) {
	sub := &subscriber{reserve: strings.TrimSpace(reserveID), ch: make(chan types.Event, h.buffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	h.metrics.StreamClientConnected(1)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.removeLocked(sub)
		})
	}
}

func (h *Hub) removeLocked(sub *subscriber) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	h.metrics.StreamClientConnected(-1)
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		h.removeLocked(sub)
	}
}

// ServeReserve upgrades the request to a websocket and streams events for
// reserveID until the client goes away.
func (h *Hub) ServeReserve(w http.ResponseWriter, r *http.Request, reserveID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Reads are only needed to observe client close frames.
	ctx := conn.CloseRead(r.Context())
	updates, cancel := h.Subscribe(reserveID)
	defer cancel()

	if err := pump(ctx, conn, updates); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func pump(ctx context.Context, conn *websocket.Conn, updates <-chan types.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return conn.Close(websocket.StatusTryAgainLater, "subscriber lagging")
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
