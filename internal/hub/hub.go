package hub

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/ots-hub/hub-server/internal/config"
)

// Hub drives the per-connection lifecycle: registration, the bounded authentication handshake, the receive loop, and
// the periodic housekeeping sweeps. Routing itself is delegated to the Router.
type Hub struct {
	registry  *Registry
	router    *Router
	commands  *Correlator
	telemetry TelemetrySink
	cfg       *config.Config
	log       zerolog.Logger
}

// NewHub creates the connection lifecycle driver.
func NewHub(registry *Registry, router *Router, commands *Correlator, telemetry TelemetrySink, cfg *config.Config, logger zerolog.Logger) *Hub {
	return &Hub{
		registry:  registry,
		router:    router,
		commands:  commands,
		telemetry: telemetry,
		cfg:       cfg,
		log:       logger.With().Str("component", "hub").Logger(),
	}
}

// ServeWebSocket registers the upgraded connection and runs its receive loop until the peer disconnects, fails
// authentication, or is displaced. It blocks for the lifetime of the connection.
//
// Protocol: the first frame must arrive within the auth grace window and leave the connection authenticated,
// otherwise the hub closes with 4001. After that, every frame is routed and the reply (if any) written back.
func (h *Hub) ServeWebSocket(ctx context.Context, conn *websocket.Conn, instanceID string) {
	h.registry.Register(conn, instanceID)

	defer func() {
		// A displaced connection must not evict its replacement's record on the way out.
		h.registry.DeregisterTransport(instanceID, conn)
		h.telemetry.Remove(instanceID)
	}()

	// Auth handshake, bounded by a read deadline.
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			h.log.Warn().Str("instance_id", instanceID).Msg("Auth timeout")
			h.closeWithCode(conn, CloseUnauthorized, "Auth timeout")
		}
		return
	}

	if reply := h.router.Route(ctx, raw, instanceID); reply != nil {
		// The handshake reply goes to this socket even if a reconnect displaced the record mid-route.
		h.registry.SendOn(instanceID, conn, reply)
	}

	if !h.registry.IsAuthenticated(instanceID) {
		h.log.Warn().Str("instance_id", instanceID).Msg("Auth failed, closing")
		h.closeWithCode(conn, CloseUnauthorized, "Unauthorized")
		return
	}

	// Message loop. The next frame is not read until the previous frame's routing, including all of its broadcast
	// writes, has completed.
	_ = conn.SetReadDeadline(time.Time{})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Error().Err(err).Str("instance_id", instanceID).Msg("Connection error")
			}
			return
		}

		if reply := h.router.Route(ctx, raw, instanceID); reply != nil {
			if !h.registry.SendOn(instanceID, conn, reply) {
				return
			}
		}
	}
}

// RunStaleSweep periodically deregisters connections whose last message is older than the stale threshold. The sweep
// never closes transports; deregistration makes the next send fail and the receive side observe the disconnect. It
// blocks until the context is cancelled.
func (h *Hub) RunStaleSweep(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.StaleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepStale()
		}
	}
}

func (h *Hub) sweepStale() {
	now := time.Now()
	for _, info := range h.registry.List() {
		if info.LastMessageAt.IsZero() {
			continue
		}
		if now.Sub(info.LastMessageAt) > h.cfg.StaleThreshold {
			h.log.Warn().Str("instance_id", info.InstanceID).Msg("Removing stale connection")
			h.registry.Deregister(info.InstanceID)
		}
	}
}

// RunCommandExpiry periodically expires pending commands that never received an acknowledgment. It blocks until the
// context is cancelled.
func (h *Hub) RunCommandExpiry(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CommandSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.commands.ExpireStale(h.cfg.CommandTimeout)
		}
	}
}

// Shutdown closes every connection with a Going Away status.
func (h *Hub) Shutdown() {
	h.registry.CloseAll()
	h.log.Info().Msg("Hub shut down")
}

func (h *Hub) closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
