package pbft

import (
	"encoding/json"
	"fmt"
	"time"
)

// peersSettingsKey is the chain settings key holding the ordered peer set,
// a JSON array of lowercase hex peer ids (spec §6).
const peersSettingsKey = "sawtooth.consensus.pbft.peers"

// PbftConfig is consumed once, by NewState; it is not mutable process-wide
// state (spec §9's design note). Membership updates flow through
// updateMembership, not through PbftConfig.
type PbftConfig struct {
	// Peers is the ordered peer set read from chain settings at startup.
	// The primary for view v is Peers[v % len(Peers)].
	Peers []PeerID

	// FaultyPrimaryTimeout bounds how long a secondary waits for primary
	// progress before suspecting it and proposing a view change.
	FaultyPrimaryTimeout time.Duration

	// ForcedViewChangePeriod rotates the primary every N committed blocks
	// regardless of faults, for fairness and liveness under a quiet-but-slow
	// primary. 0 disables forced rotation.
	ForcedViewChangePeriod uint64
}

// DefaultPbftConfig returns reasonable defaults; callers are expected to
// override Peers from chain settings before constructing a Node.
func DefaultPbftConfig() PbftConfig {
	return PbftConfig{
		FaultyPrimaryTimeout:   30 * time.Second,
		ForcedViewChangePeriod: 100,
	}
}

// LoadPeersFromSettings parses the sawtooth.consensus.pbft.peers settings
// value the same way update_membership does at runtime.
func LoadPeersFromSettings(settings map[string]string) ([]PeerID, error) {
	raw, ok := settings[peersSettingsKey]
	if !ok || raw == "" {
		return nil, fmt.Errorf("%w: missing %s setting", ErrInternal, peersSettingsKey)
	}
	var hexPeers []string
	if err := json.Unmarshal([]byte(raw), &hexPeers); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrSerialization, peersSettingsKey, err)
	}
	peers := make([]PeerID, 0, len(hexPeers))
	for _, h := range hexPeers {
		id, err := PeerIDFromHex(h)
		if err != nil {
			return nil, err
		}
		peers = append(peers, id)
	}
	return peers, nil
}

// faultBound computes f = floor((n-1)/3) for a peer set of size n.
func faultBound(numPeers int) uint64 {
	if numPeers == 0 {
		return 0
	}
	return uint64((numPeers - 1) / 3)
}
