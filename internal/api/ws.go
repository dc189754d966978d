package api

import (
	"context"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/ots-hub/hub-server/internal/hub"
)

// WSHandler serves the WebSocket upgrade endpoint for hub workers.
type WSHandler struct {
	base context.Context
	hub  *hub.Hub
}

// NewWSHandler creates a new WebSocket handler. base is the process lifetime context handed to every connection's
// receive loop.
func NewWSHandler(base context.Context, h *hub.Hub) *WSHandler {
	return &WSHandler{base: base, hub: h}
}

// Upgrade handles GET /ws/:instance_id. It upgrades the HTTP connection to a WebSocket and hands it to the Hub.
func (h *WSHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	instanceID := c.Params("instance_id")
	if instanceID == "" {
		return fiber.ErrBadRequest
	}

	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(h.base, conn.Conn, instanceID)
	})(c)
}
