package pbft

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// updateMembership reads sawtooth.consensus.pbft.peers from chain settings
// at blockID; if the set differs from state.PeerIDs, it adopts the new
// ordered list and recomputes f. It returns whether the set changed, and an
// error if the new peer set would leave the network unable to tolerate any
// faults (spec §4.7).
func updateMembership(host Host, blockID BlockID, state *State) (bool, error) {
	settings, err := host.GetSettings(blockID, []string{peersSettingsKey})
	if err != nil {
		return false, fmt.Errorf("%w: fetching settings: %v", ErrInternal, err)
	}
	peers, err := LoadPeersFromSettings(settings)
	if err != nil {
		return false, err
	}

	newSet := mapset.NewSet(peers...)
	oldSet := mapset.NewSet(state.PeerIDs...)

	if newSet.Equal(oldSet) {
		return false, nil
	}

	f := faultBound(len(peers))
	if f == 0 {
		return false, fmt.Errorf("%w: network no longer contains enough nodes to be fault tolerant", ErrInternal)
	}

	state.PeerIDs = peers
	state.F = f
	return true, nil
}
