package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler upgrades HTTP requests to websocket connections and attaches them
// to the gateway.
type Handler struct {
	gw         *Gateway
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *zap.Logger
}

// NewHandler builds the upgrade handler. sendBuffer sizes each client's
// outbound queue.
func NewHandler(gw *Gateway, sendBuffer int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		gw: gw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser clients connect from app origins the proxy already
			// vets; the API key middleware gates everything else.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(h.gw, conn, h.sendBuffer, h.logger)
	go client.Run()
}
