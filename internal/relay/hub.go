// Package relay fans alert payloads out to conversation rooms over
// WebSocket. It is the delivery half of the alert pipeline: the dispatcher
// publishes into a room, every participant subscribed to that room receives
// the payload.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/callguard/callguard/internal/observe"
)

const (
	// subscriberBuffer bounds the per-subscriber send queue. A subscriber
	// whose queue is full is dropped rather than allowed to stall the room.
	subscriberBuffer = 16

	// writeTimeout bounds a single WebSocket write.
	writeTimeout = 5 * time.Second
)

// subscriber is one connected room member.
type subscriber struct {
	room string
	ch   chan []byte
}

// Hub tracks room membership and fans published payloads out to members.
// All methods are safe for concurrent use.
type Hub struct {
	metrics *observe.Metrics

	mu    sync.RWMutex
	rooms map[string]map[*subscriber]struct{}
}

// NewHub creates an empty Hub. metrics may be nil.
func NewHub(metrics *observe.Metrics) *Hub {
	return &Hub{
		metrics: metrics,
		rooms:   make(map[string]map[*subscriber]struct{}),
	}
}

// Publish marshals v as JSON and queues it to every subscriber of room.
// Subscribers whose send queue is full are dropped. Publishing to a room
// with no subscribers is a no-op. Returns the number of subscribers the
// payload was queued to.
//
// The fan-out happens under the hub lock: sends are non-blocking, and a
// subscriber channel is only ever closed after its owner has been removed
// from the table under the same lock, so a send can never hit a closed
// channel.
func (h *Hub) Publish(room string, v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("relay: marshal payload", "room", room, "err", err)
		return 0
	}

	var dropped []*subscriber
	h.mu.Lock()
	delivered := 0
	for s := range h.rooms[room] {
		select {
		case s.ch <- data:
			delivered++
		default:
			// Slow consumer: remove now, close after the lock is released.
			// The writer loop exits when its channel drains.
			h.removeLocked(s)
			dropped = append(dropped, s)
		}
	}
	h.mu.Unlock()

	for _, s := range dropped {
		slog.Warn("relay: dropping slow subscriber", "room", room)
		close(s.ch)
	}
	return delivered
}

// Subscribers returns the current member count of room. Intended for tests
// and debugging.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ServeRoom upgrades the request to a WebSocket connection and streams room
// publications to it until the client disconnects or ctx is cancelled. The
// connection is server-push only; inbound frames are discarded.
func (h *Hub) ServeRoom(w http.ResponseWriter, r *http.Request, room string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("relay: websocket accept", "room", room, "err", err)
		return
	}

	sub := h.subscribe(room)
	defer h.unsubscribe(sub)

	// CloseRead discards inbound frames and cancels the returned context
	// when the client goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case data, ok := <-sub.ch:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "send queue overflow")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

// CloseAll disconnects every subscriber in every room. Used during server
// shutdown; their writer loops drain and close the connections.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*subscriber
	for _, members := range h.rooms {
		for s := range members {
			all = append(all, s)
		}
	}
	for _, s := range all {
		h.removeLocked(s)
	}
	h.mu.Unlock()

	for _, s := range all {
		close(s.ch)
	}
}

// subscribe registers a new room member.
func (h *Hub) subscribe(room string) *subscriber {
	s := &subscriber{room: room, ch: make(chan []byte, subscriberBuffer)}

	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*subscriber]struct{})
	}
	h.rooms[room][s] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RelaySubscribers.Add(context.Background(), 1)
	}
	return s
}

// unsubscribe removes a member and closes its queue. Idempotent: whichever
// caller wins the removal under the lock performs the single close.
func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	removed := h.removeLocked(s)
	h.mu.Unlock()

	if removed {
		close(s.ch)
	}
}

// removeLocked deletes s from its room and updates the member gauge. Must be
// called with h.mu held. Reports whether s was still a member; once removed,
// no publisher can reach its channel.
func (h *Hub) removeLocked(s *subscriber) bool {
	members, ok := h.rooms[s.room]
	if !ok {
		return false
	}
	if _, member := members[s]; !member {
		return false
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms, s.room)
	}
	if h.metrics != nil {
		h.metrics.RelaySubscribers.Add(context.Background(), -1)
	}
	return true
}
