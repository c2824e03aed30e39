package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/launchbay/engine/internal/events"
	"github.com/launchbay/engine/pkg/logger"
	"go.uber.org/zap"
)

// Close code sent when the handshake carries no valid identity.
const CloseUnauthorized = 4401

// Client-to-server message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
)

// Server-to-client message types.
const (
	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
	MsgPong         = "pong"
	MsgError        = "error"
	MsgEvent        = "event"
)

// ClientMessage is what a connected client may send.
type ClientMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// ServerMessage is every frame the hub sends back.
type ServerMessage struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// AttachBus forwards every bus event into the hub as an event frame.
// Returns the cancel func for shutdown.
func AttachBus(bus *events.Bus, h *Hub) func() {
	return bus.SubscribeAll(func(e events.Event) {
		h.Broadcast(e.Channel, ServerMessage{
			Type:      MsgEvent,
			Channel:   e.Channel,
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
		})
	})
}

// Session drives one websocket connection through the subscribe protocol.
// It owns all writes to the underlying conn; gorilla conns tolerate only
// one concurrent writer.
type Session struct {
	ws     *websocket.Conn
	hub    *Hub
	auth   *Authorizer
	userID uuid.UUID

	writeMu sync.Mutex
}

func NewSession(ws *websocket.Conn, h *Hub, auth *Authorizer, userID uuid.UUID) *Session {
	return &Session{ws: ws, hub: h, auth: auth, userID: userID}
}

// WriteMessage satisfies Conn.
func (s *Session) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// Close satisfies Conn.
func (s *Session) Close() error { return s.ws.Close() }

// Run registers the session and processes messages until the connection
// closes. Malformed input yields an error frame, never a drop.
func (s *Session) Run(ctx context.Context) {
	s.hub.AddConnection(s, s.userID)
	defer func() {
		s.hub.RemoveConnection(s)
		if err := s.ws.Close(); err != nil {
			logger.L().Debug("close websocket failed", zap.Error(err))
		}
	}()

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.L().Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError(msg.ID, "", "malformed message")
			continue
		}
		s.handle(ctx, msg)
	}
}

func (s *Session) handle(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case MsgSubscribe:
		if msg.Channel == "" {
			s.sendError(msg.ID, "", "subscribe requires a channel")
			return
		}
		if err := s.auth.Authorize(ctx, s.userID, msg.Channel); err != nil {
			s.sendError(msg.ID, msg.Channel, "not authorized for channel")
			return
		}
		s.hub.Subscribe(s, msg.Channel)
		s.reply(ServerMessage{Type: MsgSubscribed, ID: msg.ID, Channel: msg.Channel})
	case MsgUnsubscribe:
		s.hub.Unsubscribe(s, msg.Channel)
		s.reply(ServerMessage{Type: MsgUnsubscribed, ID: msg.ID, Channel: msg.Channel})
	case MsgPing:
		s.reply(ServerMessage{Type: MsgPong, ID: msg.ID})
	default:
		s.sendError(msg.ID, "", "unknown message type")
	}
}

func (s *Session) reply(msg ServerMessage) {
	msg.Timestamp = time.Now().UTC()
	s.hub.Send(s, msg)
}

func (s *Session) sendError(id, channel, reason string) {
	s.reply(ServerMessage{Type: MsgError, ID: id, Channel: channel, Error: reason})
}
