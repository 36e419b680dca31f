package pbft

import "sync/atomic"

// Metrics holds in-process counters for a single Node. They're plain
// atomics rather than a registry integration: the host embedding this core
// is expected to read them out and report them under whatever metrics
// system it already runs (SPEC_FULL.md §3, Supplemented Features).
type Metrics struct {
	blockNewSeen       atomic.Int64
	peerMessagesSeen   atomic.Int64
	blocksCommitted    atomic.Int64
	sealsVerified      atomic.Int64
	sealsRejected      atomic.Int64
	viewChangesStarted atomic.Int64
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot is a point-in-time copy of every counter, suitable for logging
// or exposing over a status endpoint.
type Snapshot struct {
	BlockNewSeen       int64
	PeerMessagesSeen   int64
	BlocksCommitted    int64
	SealsVerified      int64
	SealsRejected      int64
	ViewChangesStarted int64
}

// Snapshot reads every counter.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		BlockNewSeen:       m.blockNewSeen.Load(),
		PeerMessagesSeen:   m.peerMessagesSeen.Load(),
		BlocksCommitted:    m.blocksCommitted.Load(),
		SealsVerified:      m.sealsVerified.Load(),
		SealsRejected:      m.sealsRejected.Load(),
		ViewChangesStarted: m.viewChangesStarted.Load(),
	}
}
