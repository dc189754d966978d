package hub

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates the inbound envelope. The set is closed; anything outside it is answered with an
// "Unknown type" error by the router.
type MessageType string

const (
	TypeAuth            MessageType = "auth"
	TypeBar             MessageType = "bar"
	TypeSignal          MessageType = "signal"
	TypeOrderCommand    MessageType = "order_command"
	TypeOrderResult     MessageType = "order_result"
	TypePositionEvent   MessageType = "position_event"
	TypeAccountUpdate   MessageType = "account_update"
	TypeHistoryResponse MessageType = "history_response"
	TypeTelemetry       MessageType = "telemetry"
	TypeAck             MessageType = "ack"
	TypeCommand         MessageType = "command"
	TypeError           MessageType = "error"
)

// Worker roles. Self-declared during authentication; the fan-out table decides what each role receives. "bot" is a
// legacy role that only participates in default command target resolution.
const (
	RoleConnector = "connector"
	RolePreditor  = "preditor"
	RoleExecutor  = "executor"
	RoleDashboard = "dashboard"
	RoleAdmin     = "admin"
	RoleBot       = "bot"
	RoleUnknown   = "unknown"
)

// Envelope is the inbound wire object carried over every frame. Only Type is required; ID is a sender-chosen
// correlation identifier echoed back as ref_id on replies.
type Envelope struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Payload   map[string]any `json:"payload"`
	Timestamp float64        `json:"timestamp"`
}

// ParseEnvelope decodes an inbound frame. A nil payload is normalised to an empty map so dispatch code never has to
// nil-check it.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	return &env, nil
}

// forwardFrame is the rewritten envelope the hub fans out to role peers. The sender's id is not preserved; from and a
// fresh hub timestamp are stamped instead.
type forwardFrame struct {
	Type      string         `json:"type"`
	From      string         `json:"from"`
	Payload   map[string]any `json:"payload"`
	Timestamp float64        `json:"timestamp"`
}

// replyFrame is the hub's outbound format for acks and errors.
type replyFrame struct {
	Type      string         `json:"type"`
	Timestamp float64        `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// NewForwardFrame returns a serialised broadcast envelope for a message received from fromID.
func NewForwardFrame(msgType MessageType, fromID string, payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(forwardFrame{
		Type:      string(msgType),
		From:      fromID,
		Payload:   payload,
		Timestamp: nowSeconds(),
	})
}

// NewAckFrame returns a serialised ack reply. result is attached only when non-empty.
func NewAckFrame(refID, status string, result map[string]any) ([]byte, error) {
	payload := map[string]any{
		"ref_id": refID,
		"status": status,
	}
	if len(result) > 0 {
		payload["result"] = result
	}
	return json.Marshal(replyFrame{
		Type:      string(TypeAck),
		Timestamp: nowSeconds(),
		Payload:   payload,
	})
}

// NewAckForwardFrame returns a serialised ack envelope carrying a correlated acknowledgment payload back to the
// command issuer.
func NewAckForwardFrame(payload map[string]any) ([]byte, error) {
	return json.Marshal(replyFrame{
		Type:      string(TypeAck),
		Timestamp: nowSeconds(),
		Payload:   payload,
	})
}

// NewErrorFrame returns a serialised error reply. ref_id and code are attached only when set.
func NewErrorFrame(message, refID string, code int) ([]byte, error) {
	payload := map[string]any{
		"message": message,
	}
	if refID != "" {
		payload["ref_id"] = refID
	}
	if code != 0 {
		payload["code"] = code
	}
	return json.Marshal(replyFrame{
		Type:      string(TypeError),
		Timestamp: nowSeconds(),
		Payload:   payload,
	})
}

// nowSeconds returns the hub clock as epoch seconds, the timestamp unit used on the wire.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
