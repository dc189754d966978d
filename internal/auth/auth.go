// Package auth validates the shared-secret handshake token and describes the advisory per-role capability listing.
package auth

import "crypto/subtle"

// ValidateToken compares a handshake token against the configured shared secret in constant time. Empty tokens never
// match.
func ValidateToken(token, secret string) bool {
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

// rolePermissions is advisory metadata only; the router's fan-out table is the authority on what each role actually
// receives.
var rolePermissions = map[string][]string{
	"bot":       {"telemetry:push", "signal:push", "command:listen"},
	"preditor":  {"signal:push", "bar:listen", "command:listen"},
	"executor":  {"order_command:push", "signal:listen", "command:listen"},
	"connector": {"bar:push", "order_result:push", "order_command:listen", "command:listen"},
	"admin":     {"telemetry:read", "command:send", "signal:read"},
	"dashboard": {"telemetry:read", "signal:read"},
}

// Permissions returns the advisory capability listing for a role. Unknown roles get an empty listing.
func Permissions(role string) []string {
	if perms, ok := rolePermissions[role]; ok {
		return perms
	}
	return []string{}
}
