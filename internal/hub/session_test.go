package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/launchbay/engine/internal/models"
	"github.com/stretchr/testify/require"
)

// sessionHarness runs a real websocket server around one Session so the
// protocol is exercised over the wire.
type sessionHarness struct {
	hub    *Hub
	client *websocket.Conn
	userID uuid.UUID
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	auth, owner, _ := newTestAuthorizer()

	h := NewHub()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		session := NewSession(ws, h, auth, owner)
		go session.Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &sessionHarness{hub: h, client: client, userID: owner}
}

func (s *sessionHarness) send(t *testing.T, msg ClientMessage) {
	t.Helper()
	require.NoError(t, s.client.WriteJSON(msg))
}

func (s *sessionHarness) recv(t *testing.T) ServerMessage {
	t.Helper()
	require.NoError(t, s.client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg ServerMessage
	require.NoError(t, s.client.ReadJSON(&msg))
	return msg
}

func TestSessionPing(t *testing.T) {
	s := newSessionHarness(t)
	s.send(t, ClientMessage{Type: MsgPing, ID: "1"})
	reply := s.recv(t)
	require.Equal(t, MsgPong, reply.Type)
	require.Equal(t, "1", reply.ID)
	require.False(t, reply.Timestamp.IsZero())
}

func TestSessionSubscribeOwnUserChannel(t *testing.T) {
	s := newSessionHarness(t)
	channel := "user:" + s.userID.String() + ":notifications"

	s.send(t, ClientMessage{Type: MsgSubscribe, ID: "2", Channel: channel})
	reply := s.recv(t)
	require.Equal(t, MsgSubscribed, reply.Type)
	require.Equal(t, channel, reply.Channel)

	// A broadcast now reaches the client as an event frame.
	s.hub.Broadcast(channel, ServerMessage{Type: MsgEvent, Channel: channel, Payload: "hello"})
	event := s.recv(t)
	require.Equal(t, MsgEvent, event.Type)
	require.Equal(t, "hello", event.Payload)
}

func TestSessionSubscribeDeniedForForeignChannel(t *testing.T) {
	s := newSessionHarness(t)
	s.send(t, ClientMessage{Type: MsgSubscribe, ID: "3", Channel: "user:" + uuid.New().String() + ":notifications"})
	reply := s.recv(t)
	require.Equal(t, MsgError, reply.Type)
	require.Equal(t, "3", reply.ID)
	require.NotEmpty(t, reply.Error)

	// Connection survives the rejection.
	s.send(t, ClientMessage{Type: MsgPing})
	require.Equal(t, MsgPong, s.recv(t).Type)
}

func TestSessionMalformedInputGetsErrorFrame(t *testing.T) {
	s := newSessionHarness(t)
	require.NoError(t, s.client.WriteMessage(websocket.TextMessage, []byte("{not json")))
	reply := s.recv(t)
	require.Equal(t, MsgError, reply.Type)

	s.send(t, ClientMessage{Type: "bogus"})
	reply = s.recv(t)
	require.Equal(t, MsgError, reply.Type)
}

func TestSessionUnsubscribeStopsDelivery(t *testing.T) {
	s := newSessionHarness(t)
	channel := "user:" + s.userID.String() + ":notifications"

	s.send(t, ClientMessage{Type: MsgSubscribe, Channel: channel})
	require.Equal(t, MsgSubscribed, s.recv(t).Type)

	s.send(t, ClientMessage{Type: MsgUnsubscribe, Channel: channel})
	require.Equal(t, MsgUnsubscribed, s.recv(t).Type)

	s.hub.Broadcast(channel, "should not arrive")
	s.send(t, ClientMessage{Type: MsgPing, ID: "after"})
	reply := s.recv(t)
	require.Equal(t, MsgPong, reply.Type, "next frame is the pong, not a stale event")
	require.Equal(t, "after", reply.ID)
}

func TestSessionRemovedOnDisconnect(t *testing.T) {
	s := newSessionHarness(t)
	channel := "user:" + s.userID.String() + ":notifications"
	s.send(t, ClientMessage{Type: MsgSubscribe, Channel: channel})
	require.Equal(t, MsgSubscribed, s.recv(t).Type)
	require.Equal(t, 1, s.hub.Stats().Connections)

	require.NoError(t, s.client.Close())
	require.Eventually(t, func() bool {
		return s.hub.Stats().Connections == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, s.hub.Stats().Channels)
}

func TestServerMessageShape(t *testing.T) {
	data, err := json.Marshal(ServerMessage{Type: MsgEvent, Channel: "deployment:d1:status", Payload: models.DeploymentLive})
	require.NoError(t, err)
	require.Contains(t, string(data), `"type":"event"`)
	require.Contains(t, string(data), `"channel":"deployment:d1:status"`)
}
