package api

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/ots-hub/hub-server/internal/auth"
	"github.com/ots-hub/hub-server/internal/hub"
	"github.com/ots-hub/hub-server/internal/telemetry"
)

// historyReadout is how many completed commands the status endpoint reports.
const historyReadout = 20

// StatusHandler serves the aggregated dashboard endpoints.
type StatusHandler struct {
	registry  *hub.Registry
	commands  *hub.Correlator
	telemetry *telemetry.Store
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(registry *hub.Registry, commands *hub.Correlator, store *telemetry.Store) *StatusHandler {
	return &StatusHandler{
		registry:  registry,
		commands:  commands,
		telemetry: store,
	}
}

// Status handles GET /api/v1/status. It returns the full hub state for dashboards: every connection with its
// advisory role permissions, the latest telemetry per instance, the liveness view, in-flight commands, and the
// recent command history.
func (h *StatusHandler) Status(c fiber.Ctx) error {
	infos := h.registry.List()
	connections := make([]fiber.Map, len(infos))
	for i, info := range infos {
		connections[i] = fiber.Map{
			"instance_id":     info.InstanceID,
			"role":            info.Role,
			"authenticated":   info.Authenticated,
			"connected_at":    epochSeconds(info.ConnectedAt),
			"last_message_at": epochSeconds(info.LastMessageAt),
			"permissions":     auth.Permissions(info.Role),
		}
	}

	return c.JSON(fiber.Map{
		"connections":      connections,
		"telemetry":        h.telemetry.AllLatest(),
		"active_instances": h.telemetry.ConnectedInstances(),
		"pending_commands": h.commands.Pending(),
		"history":          h.commands.History(historyReadout),
	})
}

// Telemetry handles GET /api/v1/telemetry/:instance_id. It returns the latest telemetry sample for one instance.
func (h *StatusHandler) Telemetry(c fiber.Ctx) error {
	data, ok := h.telemetry.Latest(c.Params("instance_id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	}
	return c.JSON(data)
}

// epochSeconds converts a wall-clock time to the epoch-second floats used on the wire. The zero time maps to 0.
func epochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
