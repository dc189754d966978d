package hub

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ots-hub/hub-server/internal/metrics"
)

// validActions is the closed set of command actions workers understand.
var validActions = map[string]struct{}{
	// Universal
	"pause": {}, "resume": {}, "status": {}, "get_state": {},
	// Executor
	"close_all": {}, "close_symbol": {}, "close_position": {},
	"reload_config": {},
	"get_symbol_config": {}, "set_symbol_config": {},
	"get_general_config": {}, "set_general_config": {},
	// Preditor
	"load_model": {}, "unload_model": {}, "list_models": {},
	"get_available_models": {}, "request_history": {},
	// Connector
	"get_history": {}, "get_account": {}, "get_positions": {}, "reconnect": {},
}

// IsValidAction reports whether action is in the closed command action set.
func IsValidAction(action string) bool {
	_, ok := validActions[action]
	return ok
}

// CommandEnvelope is the frame delivered to a command target.
type CommandEnvelope struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Timestamp float64        `json:"timestamp"`
	Payload   CommandPayload `json:"payload"`
}

// CommandPayload carries the action and its parameters.
type CommandPayload struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// Encode returns the serialised command frame.
func (e *CommandEnvelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// CommandAck records the acknowledgment that completed a command.
type CommandAck struct {
	From       string  `json:"from"`
	Status     string  `json:"status"`
	Result     any     `json:"result"`
	ReceivedAt float64 `json:"received_at"`
}

// CommandRecord is a pending or completed command. Ack is nil while the command is in flight.
type CommandRecord struct {
	Command *CommandEnvelope `json:"command"`
	Target  string           `json:"target"`
	Origin  string           `json:"origin"`
	SentAt  float64          `json:"sent_at"`
	Ack     *CommandAck      `json:"ack"`
}

// PendingSummary is the compact pending-command view exposed by the status endpoint.
type PendingSummary struct {
	ID     string `json:"id"`
	Target string `json:"target"`
	Action string `json:"action"`
}

// Correlator mints command identifiers, holds pending entries, and matches acknowledgments back to issuers. It keeps
// a bounded history of completed commands.
type Correlator struct {
	mu         sync.Mutex
	pending    map[string]*CommandRecord
	msgIDs     map[string]string // hub command id -> issuer's original envelope id
	history    []*CommandRecord
	historyCap int
	log        zerolog.Logger
}

// NewCorrelator creates a command correlator with the given history cap.
func NewCorrelator(historyCap int, logger zerolog.Logger) *Correlator {
	return &Correlator{
		pending:    make(map[string]*CommandRecord),
		msgIDs:     make(map[string]string),
		historyCap: historyCap,
		log:        logger.With().Str("component", "commands").Logger(),
	}
}

// CreateCommand validates the action, mints a fresh command identifier, and records the pending entry. originalMsgID,
// when non-empty, is remembered so the eventual acknowledgment can be relabeled with the identifier the issuer sent.
// Returns ErrInvalidAction for actions outside the closed set.
func (c *Correlator) CreateCommand(action, target, origin string, params map[string]any, originalMsgID string) (*CommandEnvelope, error) {
	if !IsValidAction(action) {
		c.log.Warn().Str("action", action).Msg("Invalid action")
		return nil, ErrInvalidAction
	}
	if params == nil {
		params = map[string]any{}
	}

	env := &CommandEnvelope{
		Type:      string(TypeCommand),
		ID:        newCommandID(),
		Timestamp: nowSeconds(),
		Payload: CommandPayload{
			Action: action,
			Params: params,
		},
	}

	c.mu.Lock()
	c.pending[env.ID] = &CommandRecord{
		Command: env,
		Target:  target,
		Origin:  origin,
		SentAt:  nowSeconds(),
	}
	if originalMsgID != "" {
		c.msgIDs[env.ID] = originalMsgID
	}
	c.mu.Unlock()

	metrics.CommandsCreated.Inc()
	return env, nil
}

// ProcessAck matches an acknowledgment payload against the pending map by its ref_id. On a match the pending entry
// moves to history and the issuer's identifier is returned along with the payload to forward; when the issuer
// supplied an original envelope id at creation, the returned payload is a copy with ref_id rewritten to it.
// Unmatched acknowledgments return ok=false and are silently dropped by the caller.
func (c *Correlator) ProcessAck(reporterID string, ackPayload map[string]any) (origin string, payload map[string]any, ok bool) {
	refID, _ := ackPayload["ref_id"].(string)
	if refID == "" {
		return "", nil, false
	}

	c.mu.Lock()
	rec, found := c.pending[refID]
	if !found {
		c.mu.Unlock()
		return "", nil, false
	}
	delete(c.pending, refID)

	status, _ := ackPayload["status"].(string)
	if status == "" {
		status = "unknown"
	}
	rec.Ack = &CommandAck{
		From:       reporterID,
		Status:     status,
		Result:     ackPayload["result"],
		ReceivedAt: nowSeconds(),
	}

	c.history = append(c.history, rec)
	if len(c.history) > c.historyCap {
		c.history = c.history[len(c.history)-c.historyCap:]
	}

	originalMsgID, hadOriginal := c.msgIDs[refID]
	delete(c.msgIDs, refID)
	c.mu.Unlock()

	c.log.Info().Str("ref_id", refID).Str("from", reporterID).Str("status", status).Msg("Ack received")
	metrics.CommandsAcked.Inc()

	forwarded := ackPayload
	if hadOriginal {
		forwarded = make(map[string]any, len(ackPayload))
		for k, v := range ackPayload {
			forwarded[k] = v
		}
		forwarded["ref_id"] = originalMsgID
	}

	return rec.Origin, forwarded, true
}

// Pending returns a compact view of in-flight commands.
func (c *Correlator) Pending() []PendingSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingSummary, 0, len(c.pending))
	for id, rec := range c.pending {
		out = append(out, PendingSummary{
			ID:     id,
			Target: rec.Target,
			Action: rec.Command.Payload.Action,
		})
	}
	return out
}

// PendingCount returns the number of in-flight commands.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// History returns up to limit of the most recently completed commands, oldest first.
func (c *Correlator) History(limit int) []*CommandRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 || limit > len(c.history) {
		limit = len(c.history)
	}
	out := make([]*CommandRecord, limit)
	copy(out, c.history[len(c.history)-limit:])
	return out
}

// ExpireStale removes pending entries older than timeout and returns their identifiers. The issuer is not notified;
// it observes silence.
func (c *Correlator) ExpireStale(timeout time.Duration) []string {
	cutoff := nowSeconds() - timeout.Seconds()

	c.mu.Lock()
	var expired []string
	for id, rec := range c.pending {
		if rec.SentAt < cutoff {
			expired = append(expired, id)
			delete(c.pending, id)
			delete(c.msgIDs, id)
		}
	}
	c.mu.Unlock()

	for _, id := range expired {
		c.log.Warn().Str("command_id", id).Msg("Command expired without ack")
		metrics.CommandsExpired.Inc()
	}
	return expired
}

// newCommandID mints a hub command identifier of the form cmd-<8 hex chars>.
func newCommandID() string {
	return "cmd-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
