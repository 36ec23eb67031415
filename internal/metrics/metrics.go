package metrics

import "sync"

// Counter names used across the relay. Names are intentionally simple; a
// follow-up metrics task can standardize and export these via Prometheus/OTel.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
	PeersBound        = "peers_bound"
	IDTakenEvictions  = "id_taken_evictions"
	ExpiredPeers      = "expired_peers"

	EnvelopesForwarded = "envelopes_forwarded"
	DropNoDestination  = "drop_no_destination"
	DropMalformed      = "drop_malformed"
	DropUnbound        = "drop_unbound"
	DropWriteFailed    = "drop_write_failed"

	MatchRequests  = "match_requests"
	MatchesMade    = "matches_made"
	PeersEnqueued  = "peers_enqueued"
	PeersWithdrawn = "peers_withdrawn"
	StaleReaped    = "stale_entries_reaped"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type exists to keep routing and eviction logic testable while still giving
// operators drop counters to scrape.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters at a point in time.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
