// Package telemetry absorbs worker telemetry in memory and periodically persists it to a durable store.
package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ots-hub/hub-server/internal/metrics"
)

// persistTimeout bounds a single background insert.
const persistTimeout = 10 * time.Second

// Record is one enriched telemetry sample headed for durable storage.
type Record struct {
	InstanceID string
	Balance    *float64
	Equity     *float64
	Status     string
	Raw        map[string]any
	ReceivedAt time.Time
}

// Persister is the durable sink for telemetry records. Inserts run asynchronously; errors are logged only.
type Persister interface {
	Insert(ctx context.Context, rec Record) error
}

// Store caches the latest telemetry payload per instance and schedules cadence-gated persistence. A nil persister
// keeps the store memory-only.
type Store struct {
	mu           sync.Mutex
	latest       map[string]map[string]any
	lastReceived map[string]time.Time
	lastPersist  map[string]time.Time
	counts       map[string]int

	persister       Persister
	persistInterval time.Duration
	livenessWindow  time.Duration
	log             zerolog.Logger
}

// NewStore creates a telemetry store. persister may be nil to disable persistence.
func NewStore(persister Persister, persistInterval, livenessWindow time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		latest:          make(map[string]map[string]any),
		lastReceived:    make(map[string]time.Time),
		lastPersist:     make(map[string]time.Time),
		counts:          make(map[string]int),
		persister:       persister,
		persistInterval: persistInterval,
		livenessWindow:  livenessWindow,
		log:             logger.With().Str("component", "telemetry").Logger(),
	}
}

// Process enriches the payload with the instance identifier and a server timestamp, caches it as the latest sample,
// and schedules an asynchronous insert when the persistence cadence for this instance has elapsed. It returns
// synchronously with the per-instance received count.
func (s *Store) Process(_ context.Context, instanceID string, payload map[string]any) (string, int) {
	now := time.Now()

	enriched := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		enriched[k] = v
	}
	enriched["instance_id"] = instanceID
	enriched["server_ts"] = float64(now.UnixNano()) / float64(time.Second)

	s.mu.Lock()
	s.latest[instanceID] = enriched
	s.lastReceived[instanceID] = now
	s.counts[instanceID]++
	count := s.counts[instanceID]

	shouldPersist := false
	if s.persister != nil && now.Sub(s.lastPersist[instanceID]) >= s.persistInterval {
		s.lastPersist[instanceID] = now
		shouldPersist = true
	}
	s.mu.Unlock()

	if shouldPersist {
		go s.persist(buildRecord(instanceID, enriched, now))
	}

	return "ok", count
}

// persist runs the background insert with its own deadline, detached from the request context.
func (s *Store) persist(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.persister.Insert(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("instance_id", rec.InstanceID).Msg("Telemetry persist failed")
		metrics.TelemetryPersistErrors.Inc()
	}
}

// Latest returns the last received payload for instanceID.
func (s *Store) Latest(instanceID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.latest[instanceID]
	return data, ok
}

// AllLatest returns the latest payload for every instance.
func (s *Store) AllLatest() map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]any, len(s.latest))
	for id, data := range s.latest {
		out[id] = data
	}
	return out
}

// ConnectedInstances returns the identifiers whose last sample arrived within the liveness window, sorted.
func (s *Store) ConnectedInstances() []string {
	cutoff := time.Now().Add(-s.livenessWindow)

	s.mu.Lock()
	var ids []string
	for id, ts := range s.lastReceived {
		if ts.After(cutoff) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Remove drops the cached latest sample and liveness entry for instanceID.
func (s *Store) Remove(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, instanceID)
	delete(s.lastReceived, instanceID)
}

// buildRecord extracts the structured columns from the enriched payload; everything else travels in Raw.
func buildRecord(instanceID string, enriched map[string]any, now time.Time) Record {
	rec := Record{
		InstanceID: instanceID,
		Raw:        enriched,
		ReceivedAt: now,
	}
	if v, ok := enriched["balance"].(float64); ok {
		rec.Balance = &v
	}
	if v, ok := enriched["equity"].(float64); ok {
		rec.Equity = &v
	}
	if v, ok := enriched["status"].(string); ok {
		rec.Status = v
	}
	return rec
}
