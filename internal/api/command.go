package api

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/ots-hub/hub-server/internal/auth"
	"github.com/ots-hub/hub-server/internal/hub"
)

// restOrigin is the issuer identifier recorded on commands injected over REST. Acks for these commands have no
// connection to deliver to; they land in the command history only.
const restOrigin = "rest-api"

// CommandRequest is the body of POST /api/v1/command.
type CommandRequest struct {
	Token  string         `json:"token"`
	Target string         `json:"target"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// CommandHandler serves REST command injection.
type CommandHandler struct {
	registry *hub.Registry
	commands *hub.Correlator
	token    string
	log      zerolog.Logger
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(registry *hub.Registry, commands *hub.Correlator, token string, logger zerolog.Logger) *CommandHandler {
	return &CommandHandler{
		registry: registry,
		commands: commands,
		token:    token,
		log:      logger,
	}
}

// Send handles POST /api/v1/command. It mints a command on behalf of an external caller and delivers it to the named
// target. Unlike the WebSocket path the target is required; there is no default resolution.
func (h *CommandHandler) Send(c fiber.Ctx) error {
	var req CommandRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}

	if !auth.ValidateToken(req.Token, h.token) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	if req.Target == "" || req.Action == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "target and action required"})
	}

	cmd, err := h.commands.CreateCommand(req.Action, req.Target, restOrigin, req.Params, "")
	if err != nil {
		if errors.Is(err, hub.ErrInvalidAction) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": fmt.Sprintf("invalid action: %s", req.Action)})
		}
		h.log.Error().Err(err).Msg("Create command failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	frame, err := cmd.Encode()
	if err != nil {
		h.log.Error().Err(err).Str("command_id", cmd.ID).Msg("Encode command failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	status := "sent"
	if !h.registry.Send(req.Target, frame) {
		status = "target_not_connected"
	}
	return c.JSON(fiber.Map{"status": status, "cmd_id": cmd.ID})
}
