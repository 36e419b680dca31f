package pbft

import "testing"

func TestUpdateMembershipNoopWhenUnchanged(t *testing.T) {
	cfg, ids := fourPeerConfig(t)
	state := NewState(ids[0], 0, cfg)
	host := newFakeHost(ids)

	changed, err := updateMembership(host, BlockID("head"), state)
	if err != nil {
		t.Fatalf("updateMembership: %v", err)
	}
	if changed {
		t.Error("expected no change when settings match current peers")
	}
}

func TestUpdateMembershipAdoptsNewPeerSet(t *testing.T) {
	cfg, ids := fourPeerConfig(t)
	state := NewState(ids[0], 0, cfg)

	newPeer, err := PeerIDFromHex("ff")
	if err != nil {
		t.Fatalf("PeerIDFromHex: %v", err)
	}
	expanded := append(append([]PeerID{}, ids...), newPeer)
	host := newFakeHost(expanded)

	changed, err := updateMembership(host, BlockID("head"), state)
	if err != nil {
		t.Fatalf("updateMembership: %v", err)
	}
	if !changed {
		t.Fatal("expected membership change to be detected")
	}
	if len(state.PeerIDs) != len(expanded) {
		t.Errorf("state.PeerIDs len = %d, want %d", len(state.PeerIDs), len(expanded))
	}
	if state.F != faultBound(len(expanded)) {
		t.Errorf("state.F = %d, want %d", state.F, faultBound(len(expanded)))
	}
}

func TestUpdateMembershipRejectsShrinkingBelowFaultTolerance(t *testing.T) {
	cfg, ids := fourPeerConfig(t)
	state := NewState(ids[0], 0, cfg)
	host := newFakeHost(ids[:2])

	if _, err := updateMembership(host, BlockID("head"), state); err == nil {
		t.Error("expected an error when the new peer set can't tolerate any faults")
	}
}
