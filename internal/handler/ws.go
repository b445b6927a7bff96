package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rehabcare/messaging/internal/logger"
	"github.com/rehabcare/messaging/internal/middleware"
	"github.com/rehabcare/messaging/internal/registry"
	"github.com/rehabcare/messaging/internal/ws"
)

type WSHandler struct {
	disp           *ws.Dispatcher
	cfg            ws.ClientConfig
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins задаются как в CORS (список или "*").
func NewWSHandler(disp *ws.Dispatcher, cfg ws.ClientConfig, allowedOrigins []string) *WSHandler {
	h := &WSHandler{disp: disp, cfg: cfg, allowedOrigins: allowedOrigins}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeWS ожидает идентичность в контексте (middleware.Authenticate), иначе 401 без апгрейда.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetIdentity(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	client := ws.NewClient(h.disp, conn, userID, h.cfg)
	if err := h.disp.Connect(r.Context(), userID, client); err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, registry.ErrTooManyConnections) {
			code = websocket.CloseTryAgainLater
		}
		logger.Warnf("ws connect rejected user=%s: %v", userID, err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
		client.Close()
		return
	}
	// Connect may already have been superseded by a newer connection that
	// closed this client; the pumps then exit immediately.
	client.Start()
}
