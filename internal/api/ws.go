package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/websocket"
)

// WSHandler upgrades API clients onto the broadcast hub.
type WSHandler struct {
	hub    *websocket.Hub
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *websocket.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: logger.Named("ws_handler")}
}

// Serve handles GET /api/v1/ws. Topics come from repeated ?topic= query
// parameters; with none given the client gets the global accounts and
// stats streams.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		topics = []string{"accounts", "stats"}
	}

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
