// Package hub manages live client connections and fans out bus events to
// the subset of connections subscribed to each channel.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/launchbay/engine/pkg/logger"
	"go.uber.org/zap"
)

// Conn is the minimal surface the hub needs from a live connection. The
// websocket session satisfies it; tests use an in-memory fake.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

type connState struct {
	userID   uuid.UUID
	channels map[string]struct{}
}

// Hub tracks connections, their owners, and their channel subscriptions.
// All methods are safe for concurrent use.
type Hub struct {
	mu          sync.RWMutex
	conns       map[Conn]*connState
	subscribers map[string]map[Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns:       map[Conn]*connState{},
		subscribers: map[string]map[Conn]struct{}{},
	}
}

// AddConnection registers the connection under the authenticated user.
func (h *Hub) AddConnection(conn Conn, userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = &connState{userID: userID, channels: map[string]struct{}{}}
}

// Subscribe registers the connection on a channel. Authorization happens
// before this call; an unregistered connection is a no-op.
func (h *Hub) Subscribe(conn Conn, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.conns[conn]
	if !ok {
		return false
	}
	state.channels[channel] = struct{}{}
	if h.subscribers[channel] == nil {
		h.subscribers[channel] = map[Conn]struct{}{}
	}
	h.subscribers[channel][conn] = struct{}{}
	return true
}

// Unsubscribe removes the connection from a channel; removing the last
// subscriber frees the channel entry.
func (h *Hub) Unsubscribe(conn Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(conn, channel)
}

func (h *Hub) unsubscribeLocked(conn Conn, channel string) {
	if state, ok := h.conns[conn]; ok {
		delete(state.channels, channel)
	}
	if subs, ok := h.subscribers[channel]; ok {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(h.subscribers, channel)
		}
	}
}

// RemoveConnection drops the connection and all its subscriptions.
// Idempotent: a second call on the same connection is a no-op.
func (h *Hub) RemoveConnection(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.conns[conn]
	if !ok {
		return
	}
	for channel := range state.channels {
		h.unsubscribeLocked(conn, channel)
	}
	delete(h.conns, conn)
}

// Broadcast serializes the message once and delivers it to every subscriber
// of the channel. A failed send is logged and never blocks the others.
func (h *Hub) Broadcast(channel string, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		logger.L().Error("broadcast marshal failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]Conn, 0, len(h.subscribers[channel]))
	for conn := range h.subscribers[channel] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.WriteMessage(data); err != nil {
			logger.L().Warn("broadcast send failed", zap.String("channel", channel), zap.Error(err))
		}
	}
}

// Send unicasts a message to one connection with the same failure tolerance
// as Broadcast.
func (h *Hub) Send(conn Conn, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		logger.L().Error("send marshal failed", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		logger.L().Warn("send failed", zap.Error(err))
	}
}

// Stats describes the hub's current population.
type Stats struct {
	Connections int            `json:"connections"`
	Users       int            `json:"users"`
	Channels    map[string]int `json:"channels"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := map[uuid.UUID]struct{}{}
	for _, state := range h.conns {
		users[state.userID] = struct{}{}
	}
	channels := make(map[string]int, len(h.subscribers))
	for channel, subs := range h.subscribers {
		channels[channel] = len(subs)
	}
	return Stats{Connections: len(h.conns), Users: len(users), Channels: channels}
}
