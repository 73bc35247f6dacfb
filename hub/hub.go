// Package hub fans out push events to the connections subscribed to a
// conversation room.
package hub

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
	"github.com/rppbarbosa/whatsapp-crm-sub002/internal/metrics"
)

// ErrUnknownConn is returned when joining with a connection that is not
// registered.
var ErrUnknownConn = errors.New("unknown connection")

// Conn is the hub's view of one client connection. Enqueue must not block:
// it either queues the frame for the connection's writer or fails.
type Conn interface {
	ID() string
	Enqueue(frame []byte) error
}

// Hub maps conversation rooms to subscribed connections. All methods are
// safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]Conn
	rooms  map[string]map[string]struct{}
	joined map[string]map[string]struct{}
	logger zerolog.Logger
}

// New creates an empty hub.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]Conn),
		rooms:  make(map[string]map[string]struct{}),
		joined: make(map[string]map[string]struct{}),
		logger: logger,
	}
}

// Register adds a connection without joining any room.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID()] = c
	if _, ok := h.joined[c.ID()]; !ok {
		h.joined[c.ID()] = make(map[string]struct{})
	}
}

// Unregister removes a connection from every room it joined.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(connID)
}

// Join subscribes a registered connection to a conversation room.
func (h *Hub) Join(connID, conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return ErrUnknownConn
	}
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[string]struct{})
		h.rooms[conversationID] = room
	}
	room[connID] = struct{}{}
	h.joined[connID][conversationID] = struct{}{}
	return nil
}

// Leave unsubscribes a connection from a room. Leaving a room that was not
// joined is a no-op.
func (h *Hub) Leave(connID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, conversationID)
}

// Publish writes ev to the outbound queue of every connection in the room
// and returns how many accepted it. A connection whose queue rejects the
// frame is dropped from the hub; the others still receive it.
func (h *Hub) Publish(ctx context.Context, conversationID string, ev chatsync.ServerEvent) int {
	frame, err := chatsync.Encode(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", ev.EventType()).Msg("encode event")
		return 0
	}
	metrics.HubPublishes.WithLabelValues(ev.EventType()).Inc()

	h.mu.RLock()
	targets := make([]Conn, 0, len(h.rooms[conversationID]))
	for id := range h.rooms[conversationID] {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	return h.deliver(ctx, frame, targets, conversationID)
}

// Broadcast writes ev to every registered connection regardless of rooms.
func (h *Hub) Broadcast(ctx context.Context, ev chatsync.ServerEvent) int {
	frame, err := chatsync.Encode(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", ev.EventType()).Msg("encode event")
		return 0
	}
	metrics.HubPublishes.WithLabelValues(ev.EventType()).Inc()

	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return h.deliver(ctx, frame, targets, "")
}

func (h *Hub) deliver(ctx context.Context, frame []byte, targets []Conn, conversationID string) int {
	delivered := 0
	var failed []string
	for _, c := range targets {
		if ctx.Err() != nil {
			break
		}
		if err := c.Enqueue(frame); err != nil {
			h.logger.Warn().Err(err).Str("conn_id", c.ID()).Str("conversation_id", conversationID).Msg("dropping subscriber")
			failed = append(failed, c.ID())
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		h.mu.Lock()
		for _, id := range failed {
			h.removeLocked(id)
		}
		h.mu.Unlock()
		metrics.HubDroppedSubscribers.Add(float64(len(failed)))
	}
	metrics.HubDeliveries.Add(float64(delivered))
	return delivered
}

// Subscribers returns the ids of the connections in a room, sorted.
func (h *Hub) Subscribers(conversationID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms[conversationID]))
	for id := range h.rooms[conversationID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rooms returns the rooms a connection has joined, sorted.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(h.joined[connID]))
	for id := range h.joined[connID] {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) leaveLocked(connID, conversationID string) {
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if rooms, ok := h.joined[connID]; ok {
		delete(rooms, conversationID)
	}
}

func (h *Hub) removeLocked(connID string) {
	for conv := range h.joined[connID] {
		h.leaveLocked(connID, conv)
	}
	delete(h.joined, connID)
	delete(h.conns, connID)
}
