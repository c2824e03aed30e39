package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/launchbay/engine/internal/api/middleware"
	"github.com/launchbay/engine/internal/hub"
	"github.com/launchbay/engine/pkg/logger"
)

// WSHandler upgrades event stream connections and hands them to the hub.
type WSHandler struct {
	hub      *hub.Hub
	auth     *hub.Authorizer
	secret   []byte
	upgrader websocket.Upgrader
}

func NewWSHandler(h *hub.Hub, auth *hub.Authorizer, hmacSecret []byte) *WSHandler {
	return &WSHandler{
		hub:    h,
		auth:   auth,
		secret: hmacSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Cross-origin is enforced by the token, not the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve authenticates after the upgrade so the client receives a websocket
// close frame with a distinct code instead of a bare HTTP 401 it cannot
// inspect from browser javascript.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	token := wsToken(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	userID, err := middleware.UserFromToken(token, h.secret)
	if err != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(hub.CloseUnauthorized, "authentication required"), deadline)
		_ = ws.Close()
		return
	}

	hub.NewSession(ws, h.hub, h.auth, userID).Run(r.Context())
}

func wsToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		return strings.TrimSpace(ah[len("bearer "):])
	}
	return ""
}
