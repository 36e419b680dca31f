package pbft

import (
	"fmt"

	"github.com/ethereum/go-ethereum/log"
)

// makeMsgInfo builds a MessageInfo header for a self-produced message.
func makeMsgInfo(msgType MessageType, view, seqNum uint64, signerID PeerID) MessageInfo {
	return MessageInfo{MsgType: msgType, View: view, SeqNum: seqNum, SignerID: signerID}
}

// handlePrePrepare runs the acceptance checks for a PrePrepare and, if they
// pass, stores it in the log (spec §4.4, PrePrepare branch). Acceptance
// requires: the primary of msg's view is msg's signer; msg's sequence
// number isn't already bound to a different block in the log; and a
// matching BlockNew already exists. If the BlockNew is simply missing (not
// yet arrived), it returns ErrNoBlockNew so the caller can push msg onto
// the backlog instead of failing outright.
func handlePrePrepare(state *State, msgLog *MessageLog, msg *ParsedMessage) error {
	info := msg.Info()

	primaryOfView := state.PeerIDs[int(info.View%uint64(len(state.PeerIDs)))]
	if info.SignerID != primaryOfView {
		return fmt.Errorf("%w: PrePrepare signer %s is not primary of view %d", ErrNotReadyForMessage, info.SignerID.Short(), info.View)
	}

	for _, existing := range msgLog.messagesSnapshot(MsgPrePrepare, info.View, info.SeqNum) {
		if existing.Block().BlockID != msg.Block().BlockID {
			return fmt.Errorf("%w: seq %d already bound to a different block", ErrNotReadyForMessage, info.SeqNum)
		}
	}

	blockNews := msgLog.GetMessagesOfTypeSeq(MsgBlockNew, info.SeqNum)
	matched := false
	for _, bn := range blockNews {
		if bn.Block().BlockID == msg.Block().BlockID {
			matched = true
			break
		}
	}
	if !matched {
		return ErrNoBlockNew
	}

	msgLog.AddMessage(msg)
	return nil
}

// handleCommit finalizes a block once it's committable: it calls
// host.CommitBlock and advances phase Committing -> Finished (spec §4.4,
// used both for live Commit messages and, during catch-up, for a commit
// vote lifted out of a seal).
func handleCommit(state *State, host Host, msg *ParsedMessage) error {
	if _, ok := state.SwitchPhase(Finished); !ok {
		return fmt.Errorf("%w: can't switch to Finished from %s", ErrNotReadyForMessage, state.Phase)
	}
	if err := host.CommitBlock(msg.Block().BlockID); err != nil {
		return fmt.Errorf("%w: commit_block: %v", ErrInternal, err)
	}
	log.Info("committed block", "node", state.ID.Short(), "seq", state.SeqNum, "block", msg.Block().BlockID.Short())
	return nil
}

// handleForceViewChange unconditionally performs the view-change transition
// used at the end of a normal view change, at a scheduled forced rotation,
// and after a membership change: it advances the view by one and resets
// working state (spec §4.8, Forced change).
func handleForceViewChange(state *State, host Host) {
	state.View++
	if int(state.View%uint64(len(state.PeerIDs))) == indexOf(state.PeerIDs, state.ID) {
		state.UpgradeRole()
	} else {
		state.DowngradeRole()
	}
	state.Mode = Normal
	state.DiscardCurrentBlock()
	log.Info("forced view change", "node", state.ID.Short(), "view", state.View)
}

func indexOf(peers []PeerID, id PeerID) int {
	for i, p := range peers {
		if p == id {
			return i
		}
	}
	return -1
}

// handleViewChangeComplete checks whether enough ViewChange messages have
// now accumulated for a new view to take effect, and if so adopts it: the
// node re-derives its role and discards any in-flight work (spec §4.4, §4.8
// Completion; §9's open question resolved as the standard PBFT rule: new
// view = the view carried by msg once >= 2f+1 ViewChange messages for that
// view are present).
func handleViewChangeComplete(state *State, msgLog *MessageLog, host Host, msg *ParsedMessage) {
	info := msg.Info()
	if !msgLog.LogHasRequiredMsgs(MsgViewChange, msg, false, 2*state.F+1) {
		return
	}
	if info.View <= state.View {
		return
	}

	state.View = info.View
	if int(state.View%uint64(len(state.PeerIDs))) == indexOf(state.PeerIDs, state.ID) {
		state.UpgradeRole()
	} else {
		state.DowngradeRole()
	}
	state.Mode = Normal
	state.DiscardCurrentBlock()
	log.Info("view change complete", "node", state.ID.Short(), "view", state.View, "primary", state.IsPrimary())
}
