// Package hub pushes chart views to browsers over websocket.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"ir-quote-feed/internal/display"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	sendBuffer   = 8
	writeTimeout = 5 * time.Second
)

type subscriber struct {
	send chan []byte
}

// Hub implements display.Sink. New connections receive the latest view first;
// a subscriber that falls behind is dropped.
type Hub struct {
	pingInterval time.Duration
	log          *zap.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	last   []byte
	closed bool
}

func New(pingInterval time.Duration, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		pingInterval: pingInterval,
		log:          log,
		subs:         make(map[*subscriber]struct{}),
	}
}

func (h *Hub) Publish(view display.View) {
	data, err := json.Marshal(view)
	if err != nil {
		h.log.Warn("hub encode failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = data
	for sub := range h.subs {
		select {
		case sub.send <- data:
		default:
			h.log.Warn("hub subscriber too slow, dropping")
			delete(h.subs, sub)
			close(sub.send)
		}
	}
}

func (h *Hub) Clients() int {
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
		delete(h.subs, sub)
		close(sub.send)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("ws accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "") }()

	sub, ok := h.subscribe()
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unsubscribe(sub)

	// Browsers only listen; CloseRead handles control frames and ends ctx on close.
	ctx := conn.CloseRead(r.Context())
	err = h.writeLoop(ctx, conn, sub)
	h.logLoopError(err)
	if err == nil {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

func (h *Hub) subscribe() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	sub := &subscriber{send: make(chan []byte, sendBuffer)}
	if h.last != nil {
		sub.send <- h.last
	}
	h.subs[sub] = struct{}{}
	return sub, true
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, sub *subscriber) error {
	var ping <-chan time.Time
	if h.pingInterval > 0 {
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-sub.send:
			if !ok {
				return nil
			}
			if err := write(ctx, conn, data); err != nil {
				return err
			}
		case <-ping:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (h *Hub) logLoopError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		h.log.Debug("ws subscriber closed", zap.Int("status", int(status)))
		return
	}
	h.log.Warn("ws subscriber ended", zap.Error(err))
}
