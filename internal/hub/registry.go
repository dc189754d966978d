package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/ots-hub/hub-server/internal/metrics"
)

// writeWait is the time allowed to write a frame to a peer.
const writeWait = 10 * time.Second

// Transport is the subset of *websocket.Conn the registry needs for outbound frames. Narrowed to an interface so
// tests can substitute in-memory transports.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// conn is the registry's record of one connected worker. The registry owns it exclusively; external code only ever
// sees ConnInfo snapshots.
type conn struct {
	tr         Transport
	instanceID string
	seq        uint64

	// writeMu serializes frames on this transport so fan-outs from different sources never interleave on the wire.
	writeMu sync.Mutex

	mu            sync.RWMutex
	role          string
	authenticated bool
	connectedAt   time.Time
	lastMessageAt time.Time
}

func (c *conn) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.tr.SetWriteDeadline(time.Now().Add(writeWait))
	return c.tr.WriteMessage(websocket.TextMessage, frame)
}

func (c *conn) info() ConnInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnInfo{
		InstanceID:    c.instanceID,
		Role:          c.role,
		Authenticated: c.authenticated,
		ConnectedAt:   c.connectedAt,
		LastMessageAt: c.lastMessageAt,
	}
}

// ConnInfo is a read-only view of a connection record.
type ConnInfo struct {
	InstanceID    string
	Role          string
	Authenticated bool
	ConnectedAt   time.Time
	LastMessageAt time.Time
}

// Registry tracks every live connection keyed by instance identifier. At most one record exists per identifier; a
// reconnect under the same identifier displaces the previous holder.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*conn
	nexter uint64
	log    zerolog.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*conn),
		log:   logger.With().Str("component", "registry").Logger(),
	}
}

// Register installs a new record for instanceID. If a prior record exists its transport is closed best-effort with
// CloseReplaced before the new record is installed, so a concurrent lookup never sees two records for one identifier.
func (r *Registry) Register(tr Transport, instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.conns[instanceID]; ok && old.tr != tr {
		msg := websocket.FormatCloseMessage(CloseReplaced, "Replaced by new connection")
		_ = old.tr.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = old.tr.Close()
		r.log.Info().Str("instance_id", instanceID).Msg("Replaced stale connection")
	}

	r.nexter++
	r.conns[instanceID] = &conn{
		tr:          tr,
		instanceID:  instanceID,
		seq:         r.nexter,
		role:        RoleUnknown,
		connectedAt: time.Now(),
	}
	r.log.Info().Str("instance_id", instanceID).Int("total", len(r.conns)).Msg("Connected")
	r.updateGauges()
}

// Deregister removes the record for instanceID regardless of which transport it holds. The transport is not closed;
// its read side observes the disconnect on its own.
func (r *Registry) Deregister(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(instanceID)
}

// DeregisterTransport removes the record for instanceID only when it still points at tr. A driver whose connection
// was displaced must not evict its replacement's record on the way out.
func (r *Registry) DeregisterTransport(instanceID string, tr Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[instanceID]
	if !ok || current.tr != tr {
		return false
	}
	return r.remove(instanceID)
}

// remove deletes the record. Caller must hold r.mu.
func (r *Registry) remove(instanceID string) bool {
	if _, ok := r.conns[instanceID]; !ok {
		return false
	}
	delete(r.conns, instanceID)
	r.log.Info().Str("instance_id", instanceID).Int("total", len(r.conns)).Msg("Disconnected")
	r.updateGauges()
	return true
}

// Authenticate marks the record authenticated and assigns the role verbatim. No-op when the identifier is unknown.
// Role membership in the fan-out table is the router's concern, not the registry's.
func (r *Registry) Authenticate(instanceID, role string) {
	r.mu.RLock()
	c, ok := r.conns[instanceID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.authenticated = true
	c.role = role
	c.mu.Unlock()

	r.log.Info().Str("instance_id", instanceID).Str("role", role).Msg("Authenticated")

	r.mu.RLock()
	r.updateGauges()
	r.mu.RUnlock()
}

// IsAuthenticated reports whether instanceID is connected and authenticated.
func (r *Registry) IsAuthenticated(instanceID string) bool {
	info, ok := r.Get(instanceID)
	return ok && info.Authenticated
}

// Get returns a read-only view of the record for instanceID.
func (r *Registry) Get(instanceID string) (ConnInfo, bool) {
	r.mu.RLock()
	c, ok := r.conns[instanceID]
	r.mu.RUnlock()
	if !ok {
		return ConnInfo{}, false
	}
	return c.info(), true
}

// Touch updates the record's last-message timestamp to now.
func (r *Registry) Touch(instanceID string) {
	r.mu.RLock()
	c, ok := r.conns[instanceID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.lastMessageAt = time.Now()
	c.mu.Unlock()
}

// Send writes a frame to a single identifier. Returns false when the identifier is unknown or the write fails. A
// failed write does not evict the record; eviction happens on the receive side or in the broadcast sweep.
func (r *Registry) Send(instanceID string, frame []byte) bool {
	r.mu.RLock()
	c, ok := r.conns[instanceID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := c.writeFrame(frame); err != nil {
		r.log.Error().Err(err).Str("instance_id", instanceID).Msg("Send failed")
		return false
	}
	return true
}

// SendOn writes a frame for instanceID on the specific transport tr. While tr is still the registered holder the
// write goes through the record's write mutex; after a displacement it targets tr directly, so a reply never lands
// on the replacement's socket. Returns false when the write fails.
func (r *Registry) SendOn(instanceID string, tr Transport, frame []byte) bool {
	r.mu.RLock()
	c, ok := r.conns[instanceID]
	r.mu.RUnlock()

	if ok && c.tr == tr {
		if err := c.writeFrame(frame); err != nil {
			r.log.Error().Err(err).Str("instance_id", instanceID).Msg("Send failed")
			return false
		}
		return true
	}

	// Displaced or never registered: nothing else writes to tr any more, a direct write is safe.
	_ = tr.SetWriteDeadline(time.Now().Add(writeWait))
	if err := tr.WriteMessage(websocket.TextMessage, frame); err != nil {
		r.log.Error().Err(err).Str("instance_id", instanceID).Msg("Send failed")
		return false
	}
	return true
}

// Broadcast writes a frame to every authenticated connection matching the role filter, excluding excludeID. An empty
// role matches all roles. The iteration runs over a snapshot so registrations during the fan-out are tolerated; peers
// whose write fails are collected and evicted afterwards. Broadcast itself never fails.
func (r *Registry) Broadcast(frame []byte, role, excludeID string) {
	r.mu.RLock()
	targets := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	var dead []*conn
	for _, c := range targets {
		info := c.info()
		if !info.Authenticated {
			continue
		}
		if excludeID != "" && info.InstanceID == excludeID {
			continue
		}
		if role != "" && info.Role != role {
			continue
		}
		if err := c.writeFrame(frame); err != nil {
			r.log.Error().Err(err).Str("instance_id", info.InstanceID).Msg("Broadcast failed")
			metrics.BroadcastFailures.Inc()
			dead = append(dead, c)
		}
	}

	if len(dead) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range dead {
		// Evict only if the dead transport is still the current holder; it may have reconnected mid-broadcast.
		if current, ok := r.conns[c.instanceID]; ok && current == c {
			r.log.Warn().Str("instance_id", c.instanceID).Msg("Removing dead connection")
			r.remove(c.instanceID)
		}
	}
}

// ByRole returns the authenticated identifiers holding role, in registration order.
func (r *Registry) ByRole(role string) []string {
	r.mu.RLock()
	matched := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		info := c.info()
		if info.Authenticated && info.Role == role {
			matched = append(matched, c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	ids := make([]string, len(matched))
	for i, c := range matched {
		ids[i] = c.instanceID
	}
	return ids
}

// List returns read-only views of every record.
func (r *Registry) List() []ConnInfo {
	r.mu.RLock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].seq < conns[j].seq })

	infos := make([]ConnInfo, len(conns))
	for i, c := range conns {
		infos[i] = c.info()
	}
	return infos
}

// Count returns the number of connected instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// AuthenticatedCount returns the number of authenticated instances.
func (r *Registry) AuthenticatedCount() int {
	n := 0
	for _, info := range r.List() {
		if info.Authenticated {
			n++
		}
	}
	return n
}

// CloseAll closes every transport with a Going Away status and clears the registry. Used during process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for id, c := range r.conns {
		_ = c.tr.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.tr.Close()
		delete(r.conns, id)
	}
	r.updateGauges()
}

// updateGauges refreshes the connection gauges. Caller must hold r.mu (read or write).
func (r *Registry) updateGauges() {
	total := len(r.conns)
	authed := 0
	for _, c := range r.conns {
		c.mu.RLock()
		if c.authenticated {
			authed++
		}
		c.mu.RUnlock()
	}
	metrics.Connections.Set(float64(total))
	metrics.AuthenticatedConnections.Set(float64(authed))
}
