// Package api contains the HTTP handlers for the hub's REST and WebSocket surface.
package api

import (
	"math"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/ots-hub/hub-server/internal/hub"
)

// HealthHandler serves the service identity and health endpoints.
type HealthHandler struct {
	registry    *hub.Registry
	serviceName string
	version     string
	startTime   time.Time
}

// NewHealthHandler creates a new health handler. startTime is the process start, used for the uptime readout.
func NewHealthHandler(registry *hub.Registry, serviceName, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		registry:    registry,
		serviceName: serviceName,
		version:     version,
		startTime:   startTime,
	}
}

// Root handles GET /. It identifies the service.
func (h *HealthHandler) Root(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": h.serviceName,
		"version": h.version,
		"docs":    "/api/v1/status",
	})
}

// Health handles GET /health. It reports connection counts and uptime.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":        "ok",
		"connections":   h.registry.Count(),
		"authenticated": h.registry.AuthenticatedCount(),
		"uptime_s":      math.Round(time.Since(h.startTime).Seconds()),
	})
}
