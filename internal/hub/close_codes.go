package hub

import "errors"

// Custom WebSocket close codes used by the hub protocol. Standard codes (1000, 1001) are defined by RFC 6455; the
// 4000 range is reserved for application use.
const (
	// CloseReplaced is sent to a connection displaced by a reconnect under the same instance identifier.
	CloseReplaced = 4000

	// CloseUnauthorized is sent when authentication fails or the auth grace window elapses.
	CloseUnauthorized = 4001
)

// ErrInvalidAction is returned when a command names an action outside the closed set.
var ErrInvalidAction = errors.New("invalid command action")
