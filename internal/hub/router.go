package hub

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ots-hub/hub-server/internal/auth"
	"github.com/ots-hub/hub-server/internal/metrics"
)

// TelemetrySink is the interface the router consumes to absorb telemetry traffic. Process must return synchronously;
// durable persistence is the sink's own concern.
type TelemetrySink interface {
	Process(ctx context.Context, instanceID string, payload map[string]any) (status string, count int)
	Remove(instanceID string)
}

// FrameTap receives a copy of every frame the hub fans out. Best-effort; errors are logged and never affect routing.
type FrameTap interface {
	Publish(ctx context.Context, frame []byte) error
}

// targetResolutionOrder is the role order used to pick a default command target when the issuer names none.
var targetResolutionOrder = []string{RoleBot, RolePreditor, RoleExecutor, RoleConnector}

// Router dispatches each inbound envelope by message class: fan-out to role peers, telemetry absorption, and command
// creation/acknowledgment correlation. It never fails; every path yields either no reply, an ack, or an error frame.
type Router struct {
	registry  *Registry
	commands  *Correlator
	telemetry TelemetrySink
	tap       FrameTap
	token     string
	log       zerolog.Logger
}

// NewRouter creates a message router. tap may be nil to disable the event tap.
func NewRouter(registry *Registry, commands *Correlator, telemetry TelemetrySink, tap FrameTap, token string, logger zerolog.Logger) *Router {
	return &Router{
		registry:  registry,
		commands:  commands,
		telemetry: telemetry,
		tap:       tap,
		token:     token,
		log:       logger.With().Str("component", "router").Logger(),
	}
}

// Route processes one inbound frame from instanceID and returns the reply frame to write back, or nil for
// fire-and-forget traffic. Broadcast side effects happen before Route returns, so a single sender's emissions stay
// totally ordered.
func (r *Router) Route(ctx context.Context, raw []byte, instanceID string) []byte {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return r.errorFrame("Invalid JSON", "", 0)
	}

	msgType := MessageType(env.Type)
	r.countMessage(msgType)

	// Activity stamp, before dispatch.
	r.registry.Touch(instanceID)

	if msgType == TypeAuth {
		return r.handleAuth(env, instanceID)
	}

	if !r.registry.IsAuthenticated(instanceID) {
		return r.errorFrame("Not authenticated. Send 'auth' first.", env.ID, CloseUnauthorized)
	}

	switch msgType {
	case TypeBar:
		r.forward(ctx, msgType, instanceID, env.Payload, RolePreditor)
		return nil
	case TypeSignal:
		r.forward(ctx, msgType, instanceID, env.Payload, RoleExecutor, RoleDashboard, RoleAdmin)
		return nil
	case TypeOrderCommand:
		r.forward(ctx, msgType, instanceID, env.Payload, RoleConnector)
		return nil
	case TypeOrderResult, TypePositionEvent, TypeAccountUpdate:
		r.forward(ctx, msgType, instanceID, env.Payload, RoleExecutor, RoleDashboard)
		return nil
	case TypeHistoryResponse:
		r.forward(ctx, msgType, instanceID, env.Payload, RolePreditor)
		return nil
	case TypeTelemetry:
		return r.handleTelemetry(ctx, env, instanceID)
	case TypeAck:
		r.handleAck(instanceID, env.Payload)
		return nil
	case TypeCommand:
		return r.handleCommand(env, instanceID)
	default:
		return r.errorFrame(fmt.Sprintf("Unknown type: %s", env.Type), env.ID, 0)
	}
}

// handleAuth validates the shared token and marks the connection authenticated with its self-declared role.
func (r *Router) handleAuth(env *Envelope, instanceID string) []byte {
	token, _ := env.Payload["token"].(string)
	role, _ := env.Payload["role"].(string)
	if role == "" {
		role = RoleBot
	}

	if !auth.ValidateToken(token, r.token) {
		return r.errorFrame("Invalid token", env.ID, CloseUnauthorized)
	}

	r.registry.Authenticate(instanceID, role)
	return r.ackFrame(env.ID, "authenticated", map[string]any{
		"instance_id": instanceID,
		"role":        role,
	})
}

// forward rewrites the envelope with the origin identifier and a hub timestamp, then fans it out to each role in
// turn. Role membership alone decides delivery: a sender whose own role is in the target set receives its frame
// back. The same serialised frame is written to every target and mirrored to the event tap.
func (r *Router) forward(ctx context.Context, msgType MessageType, fromID string, payload map[string]any, roles ...string) {
	frame, err := NewForwardFrame(msgType, fromID, payload)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(msgType)).Msg("Failed to build forward frame")
		return
	}
	for _, role := range roles {
		r.registry.Broadcast(frame, role, "")
	}
	r.publishTap(ctx, frame)
}

// handleTelemetry submits the payload to the sink, mirrors it to dashboard and admin peers, and acks with the sink's
// result.
func (r *Router) handleTelemetry(ctx context.Context, env *Envelope, instanceID string) []byte {
	status, count := r.telemetry.Process(ctx, instanceID, env.Payload)
	r.forward(ctx, TypeTelemetry, instanceID, env.Payload, RoleDashboard, RoleAdmin)
	return r.ackFrame(env.ID, "telemetry_ok", map[string]any{
		"status": status,
		"count":  count,
	})
}

// handleAck correlates a command acknowledgment and forwards it point-to-point to the issuer. Unmatched acks are
// dropped silently.
func (r *Router) handleAck(instanceID string, ackPayload map[string]any) {
	origin, payload, ok := r.commands.ProcessAck(instanceID, ackPayload)
	if !ok || origin == "" {
		return
	}

	frame, err := NewAckForwardFrame(payload)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to build ack forward frame")
		return
	}
	if !r.registry.Send(origin, frame) {
		r.log.Warn().Str("origin", origin).Msg("Ack issuer no longer connected")
	}
}

// handleCommand resolves the target, mints the command, and delivers it point-to-point. Only admin and dashboard
// roles may issue commands.
func (r *Router) handleCommand(env *Envelope, instanceID string) []byte {
	info, ok := r.registry.Get(instanceID)
	if !ok || (info.Role != RoleAdmin && info.Role != RoleDashboard) {
		return r.errorFrame("Only admin/dashboard can send commands", env.ID, 0)
	}

	action, _ := env.Payload["action"].(string)
	if action == "" {
		return r.errorFrame("Command requires 'action'", env.ID, 0)
	}

	target, _ := env.Payload["target"].(string)
	if target == "" {
		for _, role := range targetResolutionOrder {
			if candidates := r.registry.ByRole(role); len(candidates) > 0 {
				target = candidates[0]
				break
			}
		}
		if target == "" {
			return r.errorFrame("No target connected", env.ID, 0)
		}
	}

	params, _ := env.Payload["params"].(map[string]any)

	cmd, err := r.commands.CreateCommand(action, target, instanceID, params, env.ID)
	if err != nil {
		return r.errorFrame(fmt.Sprintf("Invalid action: %s", action), env.ID, 0)
	}

	frame, err := cmd.Encode()
	if err != nil {
		r.log.Error().Err(err).Str("command_id", cmd.ID).Msg("Failed to encode command frame")
		return r.errorFrame("Internal error", env.ID, 0)
	}

	// Point-to-point delivery. On failure the pending entry stays in the correlator until it expires.
	if !r.registry.Send(target, frame) {
		return r.errorFrame(fmt.Sprintf("Target %s not connected", target), env.ID, 0)
	}
	return nil
}

func (r *Router) publishTap(ctx context.Context, frame []byte) {
	if r.tap == nil {
		return
	}
	if err := r.tap.Publish(ctx, frame); err != nil {
		r.log.Warn().Err(err).Msg("Event tap publish failed")
	}
}

// countMessage increments the routed-message counter, collapsing unknown types into a single label to keep metric
// cardinality bounded.
func (r *Router) countMessage(msgType MessageType) {
	switch msgType {
	case TypeAuth, TypeBar, TypeSignal, TypeOrderCommand, TypeOrderResult, TypePositionEvent,
		TypeAccountUpdate, TypeHistoryResponse, TypeTelemetry, TypeAck, TypeCommand:
		metrics.MessagesRouted.WithLabelValues(string(msgType)).Inc()
	default:
		metrics.MessagesRouted.WithLabelValues("unknown").Inc()
	}
}

func (r *Router) ackFrame(refID, status string, result map[string]any) []byte {
	frame, err := NewAckFrame(refID, status, result)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to build ack frame")
		return nil
	}
	return frame
}

func (r *Router) errorFrame(message, refID string, code int) []byte {
	frame, err := NewErrorFrame(message, refID, code)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to build error frame")
		return nil
	}
	return frame
}
