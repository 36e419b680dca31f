package pbft

import (
	"testing"
)

// networkFixture wires up n full Nodes, each with its own State, MessageLog
// and fakeHost, and relays whatever each host's Broadcast records to every
// other node's OnPeerMessage — standing in for the transport a real host
// would provide (spec §8, "full multicast cycle").
type networkFixture struct {
	t        *testing.T
	ids      []PeerID
	states   []*State
	logs     []*MessageLog
	hosts    []*fakeHost
	nodes    []*Node
	relayed  []int // per-node count of host.broadcasts already relayed
}

func newNetworkFixture(t *testing.T, n int) *networkFixture {
	t.Helper()
	ids := make([]PeerID, n)
	for i := range ids {
		id, err := PeerIDFromHex(hexByte(i))
		if err != nil {
			t.Fatalf("PeerIDFromHex: %v", err)
		}
		ids[i] = id
	}
	cfg := PbftConfig{Peers: ids, ForcedViewChangePeriod: 0}

	fx := &networkFixture{t: t, ids: ids, relayed: make([]int, n)}
	for i := 0; i < n; i++ {
		state := NewState(ids[i], 0, cfg)
		l := NewMessageLog()
		host := newFakeHost(ids)
		node := NewNode(host, l, state)

		fx.states = append(fx.states, state)
		fx.logs = append(fx.logs, l)
		fx.hosts = append(fx.hosts, host)
		fx.nodes = append(fx.nodes, node)
	}
	return fx
}

func hexByte(i int) string {
	const hexDigits = "0123456789abcdef"
	return string([]byte{hexDigits[i/16], hexDigits[i%16]})
}

// pump relays every un-relayed broadcast from every host to every other
// node's OnPeerMessage, repeating until a full pass produces nothing new.
func (fx *networkFixture) pump() {
	fx.t.Helper()
	for round := 0; round < 50; round++ {
		progressed := false
		for sender, host := range fx.hosts {
			for fx.relayed[sender] < len(host.broadcasts) {
				call := host.broadcasts[fx.relayed[sender]]
				fx.relayed[sender]++
				progressed = true

				var (
					msg *ParsedMessage
					err error
				)
				if call.msgType == MsgViewChange {
					msg, err = DecodeViewChangeMessage(call.payload)
				} else {
					msg, err = DecodePbftMessage(call.payload)
				}
				if err != nil {
					fx.t.Fatalf("decoding relayed message from node %d: %v", sender, err)
				}

				for receiver, node := range fx.nodes {
					if receiver == sender {
						continue
					}
					if err := node.OnPeerMessage(msg, fx.states[receiver]); err != nil {
						fx.t.Fatalf("node %d OnPeerMessage from %d: %v", receiver, sender, err)
					}
				}
			}
		}
		if !progressed {
			return
		}
	}
	fx.t.Fatal("pump did not reach a fixed point within the round budget")
}

func TestFullMulticastCycleCommitsAcrossAllNodes(t *testing.T) {
	fx := newNetworkFixture(t, 4)

	block1 := Block{BlockID: BlockID("b1"), PreviousID: BlockID(""), SignerID: fx.ids[0], BlockNum: 1, Summary: []byte("s1")}

	for i, node := range fx.nodes {
		if err := node.OnBlockNew(block1, fx.states[i]); err != nil {
			t.Fatalf("node %d OnBlockNew: %v", i, err)
		}
	}
	fx.pump()

	for i, state := range fx.states {
		if state.Phase != Checking {
			t.Errorf("node %d phase = %s, want Checking (quorum of Prepare votes reached)", i, state.Phase)
		}
	}

	for i, node := range fx.nodes {
		if err := node.OnBlockValid(block1.BlockID, fx.states[i]); err != nil {
			t.Fatalf("node %d OnBlockValid: %v", i, err)
		}
	}
	fx.pump()

	for i, host := range fx.hosts {
		if len(host.committed) != 1 || host.committed[0] != block1.BlockID {
			t.Errorf("node %d did not commit block1, committed=%v", i, host.committed)
		}
	}
	for i, state := range fx.states {
		if state.Phase != Finished {
			t.Errorf("node %d phase = %s, want Finished after commit quorum", i, state.Phase)
		}
	}

	// The host now reports the commit back to each node, advancing seq_num.
	for i, node := range fx.nodes {
		if err := node.OnBlockCommit(block1.BlockID, fx.states[i]); err != nil {
			t.Fatalf("node %d OnBlockCommit: %v", i, err)
		}
	}
	for i, state := range fx.states {
		if state.SeqNum != 2 {
			t.Errorf("node %d seq_num = %d, want 2 after commit", i, state.SeqNum)
		}
		if state.Phase != PrePreparing {
			t.Errorf("node %d phase = %s, want PrePreparing after commit", i, state.Phase)
		}
	}
}

func TestOnBlockNewPrimaryBroadcastsPrePrepare(t *testing.T) {
	cfg, ids := fourPeerConfig(t)
	state := NewState(ids[0], 0, cfg)
	l := NewMessageLog()
	host := newFakeHost(ids)
	node := NewNode(host, l, state)
	node.DisableSelfDelivery()

	block1 := Block{BlockID: BlockID("b1"), BlockNum: 1, SignerID: ids[0]}
	if err := node.OnBlockNew(block1, state); err != nil {
		t.Fatalf("OnBlockNew: %v", err)
	}

	if len(host.broadcasts) != 1 || host.broadcasts[0].msgType != MsgPrePrepare {
		t.Fatalf("expected exactly one PrePrepare broadcast, got %+v", host.broadcasts)
	}
	if state.WorkingBlock == nil || state.WorkingBlock.BlockID != block1.BlockID {
		t.Error("expected working block to be set to block1")
	}
}

func TestOnBlockCommitAdvancesAndReinitializesPrimary(t *testing.T) {
	cfg, ids := fourPeerConfig(t)
	state := NewState(ids[0], 0, cfg)
	l := NewMessageLog()
	host := newFakeHost(ids)
	node := NewNode(host, l, state)
	node.DisableSelfDelivery()

	b1 := PbftBlock{BlockID: BlockID("b1"), BlockNum: 1}
	state.WorkingBlock = &b1
	state.Phase = Finished

	if err := node.OnBlockCommit(b1.BlockID, state); err != nil {
		t.Fatalf("OnBlockCommit: %v", err)
	}
	if state.SeqNum != 2 {
		t.Errorf("seq_num = %d, want 2", state.SeqNum)
	}
	if state.Phase != PrePreparing {
		t.Errorf("phase = %s, want PrePreparing", state.Phase)
	}
	if state.WorkingBlock != nil {
		t.Error("working block should be cleared")
	}
	// One InitializeBlock call came from NewNode's own startup (this node is
	// primary at view 0), the second from OnBlockCommit re-arming for the
	// next block.
	if len(host.initialized) != 2 {
		t.Errorf("expected 2 InitializeBlock calls (startup + re-init), got %d", len(host.initialized))
	}
}

func TestOnBlockCommitIgnoresNonMatchingBlock(t *testing.T) {
	cfg, ids := fourPeerConfig(t)
	state := NewState(ids[1], 0, cfg)
	l := NewMessageLog()
	host := newFakeHost(ids)
	node := NewNode(host, l, state)
	node.DisableSelfDelivery()

	b1 := PbftBlock{BlockID: BlockID("b1"), BlockNum: 1}
	state.WorkingBlock = &b1
	state.Phase = Committing // not Finished yet

	if err := node.OnBlockCommit(BlockID("other"), state); err != nil {
		t.Fatalf("OnBlockCommit: %v", err)
	}
	if state.SeqNum != 1 {
		t.Errorf("seq_num changed to %d despite a non-matching commit", state.SeqNum)
	}
}

func TestTryPublishRequiresSealAfterFirstBlock(t *testing.T) {
	cfg, ids := fourPeerConfig(t)
	state := NewState(ids[0], 5, cfg) // seq_num = 6
	l := NewMessageLog()
	host := newFakeHost(ids)
	host.summarizeOut = []byte("summary")
	host.finalizeID = BlockID("b6")
	node := NewNode(host, l, state)
	node.DisableSelfDelivery()

	if err := node.TryPublish(state); err == nil {
		t.Error("expected TryPublish to fail without enough commit votes to build a seal")
	}

	for i := 0; i < 2; i++ { // 2f with f=1
		l.AddMessage(mustParsedMessage(t, MsgCommit, 0, 5, ids[i+1], BlockID("b5")))
	}
	if err := node.TryPublish(state); err != nil {
		t.Fatalf("TryPublish: %v", err)
	}
}

func TestTryPublishSkipsWhenNotPrimary(t *testing.T) {
	cfg, ids := fourPeerConfig(t)
	state := NewState(ids[1], 0, cfg)
	l := NewMessageLog()
	host := newFakeHost(ids)
	node := NewNode(host, l, state)
	node.DisableSelfDelivery()

	if err := node.TryPublish(state); err != nil {
		t.Fatalf("TryPublish: %v", err)
	}
	if len(host.initialized) != 0 {
		t.Errorf("non-primary should not have initialized a block, got %d", len(host.initialized))
	}
}

func TestProposeViewChangeRequiresStoredSeal(t *testing.T) {
	cfg, ids := fourPeerConfig(t)
	state := NewState(ids[1], 0, cfg)
	l := NewMessageLog()
	host := newFakeHost(ids)
	node := NewNode(host, l, state)
	node.DisableSelfDelivery()

	if err := node.ProposeViewChange(state); err == nil {
		t.Error("expected an error proposing a view change with no stored seal")
	}
	if state.Mode != ViewChanging {
		t.Error("mode should switch to ViewChanging even when no seal is available to broadcast")
	}
}

func TestProposeViewChangeBroadcastsWithStoredSeal(t *testing.T) {
	cfg, ids := fourPeerConfig(t)
	state := NewState(ids[1], 0, cfg)
	l := NewMessageLog()
	host := newFakeHost(ids)
	node := NewNode(host, l, state)
	node.DisableSelfDelivery()

	l.AddConsensusSeal(BlockID("b0"), 0, Seal{PreviousID: BlockID("genesis")})

	if err := node.ProposeViewChange(state); err != nil {
		t.Fatalf("ProposeViewChange: %v", err)
	}
	if len(host.broadcasts) != 1 || host.broadcasts[0].msgType != MsgViewChange {
		t.Fatalf("expected a ViewChange broadcast, got %+v", host.broadcasts)
	}
}

func TestProposeViewChangeIsNoopWhenAlreadyChanging(t *testing.T) {
	cfg, ids := fourPeerConfig(t)
	state := NewState(ids[1], 0, cfg)
	state.Mode = ViewChanging
	l := NewMessageLog()
	host := newFakeHost(ids)
	node := NewNode(host, l, state)
	node.DisableSelfDelivery()

	if err := node.ProposeViewChange(state); err != nil {
		t.Fatalf("ProposeViewChange: %v", err)
	}
	if len(host.broadcasts) != 0 {
		t.Error("expected no broadcast when already in ViewChanging mode")
	}
}

func TestCatchupCommitsUsingTrailingSeal(t *testing.T) {
	keys := generatePeerKeys(t, 4)
	cfg := PbftConfig{Peers: keys.ids}
	state := NewState(keys.ids[0], 0, cfg)
	l := NewMessageLog()
	host := newFakeHost(keys.ids)
	node := NewNode(host, l, state)
	node.DisableSelfDelivery()

	wb := PbftBlock{BlockID: BlockID("b1"), BlockNum: 1}
	state.WorkingBlock = &wb
	state.Phase = Preparing

	var votes []SignedCommitVote
	for i := 2; i <= 3; i++ { // 2f with f=1, excluding the block-2 signer below
		m := mustParsedMessage(t, MsgCommit, 0, 1, keys.ids[i], BlockID("b1"))
		votes = append(votes, signCommitVote(t, keys.privs[i], keys.ids[i], m))
	}
	seal := Seal{PreviousID: BlockID("b1"), Summary: []byte("s2"), PreviousCommitVotes: votes}
	payload, err := EncodeSeal(seal)
	if err != nil {
		t.Fatalf("EncodeSeal: %v", err)
	}

	block2 := Block{BlockID: BlockID("b2"), PreviousID: BlockID("b1"), BlockNum: 2, SignerID: keys.ids[1], Payload: payload, Summary: []byte("s2")}

	if err := node.OnBlockNew(block2, state); err != nil {
		t.Fatalf("OnBlockNew (catchup): %v", err)
	}

	if len(host.committed) != 1 || host.committed[0] != BlockID("b1") {
		t.Fatalf("expected catch-up to commit b1, committed=%v", host.committed)
	}
	if state.SeqNum != 2 {
		t.Errorf("seq_num = %d, want 2 after catch-up commit", state.SeqNum)
	}
}

func TestForceViewChangeDiscardsWorkingBlock(t *testing.T) {
	cfg, ids := fourPeerConfig(t)
	state := NewState(ids[0], 0, cfg)
	l := NewMessageLog()
	host := newFakeHost(ids)
	node := NewNode(host, l, state)
	node.DisableSelfDelivery()

	wb := PbftBlock{BlockID: BlockID("b1")}
	state.WorkingBlock = &wb
	state.Phase = Preparing

	node.ForceViewChange(state)

	if state.View != 1 {
		t.Errorf("view = %d, want 1", state.View)
	}
	if state.WorkingBlock != nil {
		t.Error("expected working block to be discarded by a forced view change")
	}
	if state.Phase != PrePreparing {
		t.Errorf("phase = %s, want PrePreparing", state.Phase)
	}
}

func TestRetryBacklogFeedsBackQueuedMessage(t *testing.T) {
	cfg, ids := fourPeerConfig(t)
	state := NewState(ids[0], 0, cfg)
	l := NewMessageLog()
	host := newFakeHost(ids)
	node := NewNode(host, l, state)
	node.DisableSelfDelivery()

	// nothing queued yet
	if err := node.RetryBacklog(state); err != nil {
		t.Fatalf("RetryBacklog on empty backlog: %v", err)
	}

	msg := mustParsedMessage(t, MsgPrePrepare, 0, 1, ids[0], BlockID("b1"))
	l.PushBacklog(msg)

	// no matching BlockNew yet: should be pushed straight back onto the backlog
	if err := node.RetryBacklog(state); err != nil {
		t.Fatalf("RetryBacklog: %v", err)
	}
	if l.PopBacklog() == nil {
		t.Error("expected the message to be re-queued since its BlockNew hasn't arrived")
	}
}
