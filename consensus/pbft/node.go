package pbft

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// PhaseChange is sent on Node's phase feed every time SwitchPhase actually
// advances the state machine. A harness or test subscribes to this to
// observe the engine running without polling State directly, the way
// consensus/istanbul/core observes backlogEvent through an event.TypeMux.
type PhaseChange struct {
	ID     PeerID
	SeqNum uint64
	From   Phase
	To     Phase
}

// Node is the top-level PBFT state machine: it consumes host events
// (BlockNew, BlockValid, BlockCommit, peer messages, timer ticks), drives
// the log and state, invokes the handlers in handlers.go, and calls back
// into the host (broadcast, check_blocks, finalize_block, fail_block,
// initialize_block). See spec §4.4 and §5 for the event-loop contract this
// type assumes: a single goroutine calls exactly one of its exported
// methods at a time.
type Node struct {
	host   Host
	msgLog *MessageLog
	logger log.Logger

	// selfDeliver controls whether Broadcast also re-enters OnPeerMessage
	// for this node's own message, as the host is expected to do in
	// production. Tests disable this to avoid re-entrant state mutation
	// (spec §9, "Self-broadcast").
	selfDeliver bool

	metrics   *Metrics
	phaseFeed event.Feed
}

// NewNode constructs a PBFT node. If state.IsPrimary() is true, it
// immediately asks the host to initialize the first block.
func NewNode(host Host, msgLog *MessageLog, state *State) *Node {
	n := &Node{
		host:        host,
		msgLog:      msgLog,
		logger:      log.New("module", "pbft", "node", state.ID.Short()),
		selfDeliver: true,
		metrics:     NewMetrics(),
	}
	if state.IsPrimary() {
		if err := host.InitializeBlock(nil); err != nil {
			n.logger.Error("couldn't initialize block", "err", err)
		}
	}
	return n
}

// DisableSelfDelivery turns off self-delivery of broadcast messages, for use
// in tests that want to drive OnPeerMessage directly without re-entrancy.
func (n *Node) DisableSelfDelivery() { n.selfDeliver = false }

// Metrics returns the node's counters.
func (n *Node) Metrics() *Metrics { return n.metrics }

// SubscribePhaseChanges registers ch to receive a PhaseChange value every
// time this node's phase actually advances. Mirrors the subscribe-a-channel
// shape of event.Feed.Subscribe used throughout go-ethereum's consensus
// engines.
func (n *Node) SubscribePhaseChanges(ch chan<- PhaseChange) event.Subscription {
	return n.phaseFeed.Subscribe(ch)
}

// switchPhase advances state's phase and, only if it actually moved,
// publishes a PhaseChange on the feed. Centralizing this keeps every call
// site in this file from having to remember to publish.
func (n *Node) switchPhase(state *State, desired Phase) bool {
	from := state.Phase
	to, ok := state.SwitchPhase(desired)
	if ok {
		n.phaseFeed.Send(PhaseChange{ID: state.ID, SeqNum: state.SeqNum, From: from, To: to})
	}
	return ok
}

// OnBlockNew handles a BlockNew update from the host (spec §4.4).
func (n *Node) OnBlockNew(block Block, state *State) error {
	n.logger.Info("got BlockNew", "state", state, "num", block.BlockNum, "id", block.BlockID.Short())
	n.metrics.blockNewSeen.Add(1)

	if block.BlockNum < state.SeqNum {
		n.logger.Info("ignoring stale block", "num", block.BlockNum, "seq", state.SeqNum)
		return nil
	}

	seal, err := verifyConsensusSeal(n.host, block, state)
	if err != nil {
		n.logger.Warn("failing block due to failed seal verification", "err", err)
		n.metrics.sealsRejected.Add(1)
		n.host.FailBlock(block.BlockID)
		if pvcErr := n.ProposeViewChange(state); pvcErr != nil {
			n.logger.Error("couldn't propose view change after seal failure", "err", pvcErr)
		}
		return err
	}
	if seal != nil {
		n.msgLog.AddConsensusSeal(block.BlockID, state.SeqNum, *seal)
		n.metrics.sealsVerified.Add(1)
	}

	info := makeMsgInfo(MsgBlockNew, state.View, block.BlockNum, state.ID)
	pbftBlock := pbftBlockFromBlock(block)
	msg, err := NewParsedMessage(info, pbftBlock)
	if err != nil {
		return err
	}
	n.msgLog.AddMessage(msg)

	switch {
	case block.BlockNum == state.SeqNum+1 && state.Phase != Finished:
		return n.catchup(state, block)
	case block.BlockNum == state.SeqNum:
		state.WorkingBlock = &pbftBlock
		if state.IsPrimary() {
			return n.broadcastPbftMessage(state.SeqNum, MsgPrePrepare, pbftBlock, state)
		}
	}
	return nil
}

// catchup commits the block this node is working on using the trailing
// seal carried by the next block, instead of participating in the live
// vote (spec §4.5).
func (n *Node) catchup(state *State, block Block) error {
	n.logger.Info("trying catchup", "state", state, "from", block.BlockNum)

	if state.WorkingBlock == nil {
		n.logger.Error("trying to catch up, but node has no working block")
		return ErrNoWorkingBlock
	}
	wb := state.WorkingBlock
	if block.BlockNum != wb.BlockNum+1 || block.PreviousID != wb.BlockID {
		n.logger.Error("block didn't match for catchup", "got", block.BlockID.Short(), "working", wb.BlockID.Short())
		return &blockMismatchError{got: pbftBlockFromBlock(block), expected: *wb}
	}

	seal, err := DecodeSeal(block.Payload)
	if err != nil {
		return err
	}

	messages := make([]*ParsedMessage, 0, len(seal.PreviousCommitVotes))
	for _, vote := range seal.PreviousCommitVotes {
		m, err := DecodePbftMessage(vote.MessageBytes)
		if err != nil {
			return err
		}
		messages = append(messages, m)
	}
	if len(messages) == 0 {
		return fmt.Errorf("%w: seal carried no commit votes to catch up with", ErrInternal)
	}

	if view := messages[0].Info().View; view > state.View {
		n.logger.Info("updating view during catchup", "from", state.View, "to", view)
		state.View = view
	}

	for _, m := range messages {
		n.msgLog.AddMessage(m)
	}

	state.Phase = Committing
	if err := handleCommit(state, n.host, messages[0].AsMsgType(MsgCommit)); err != nil {
		return err
	}
	n.phaseFeed.Send(PhaseChange{ID: state.ID, SeqNum: state.SeqNum, From: Committing, To: state.Phase})

	return n.OnBlockCommit(messages[0].Block().BlockID, state)
}

// OnPeerMessage dispatches a peer message to the handler for its type
// (spec §4.4).
func (n *Node) OnPeerMessage(msg *ParsedMessage, state *State) error {
	n.logger.Info("got peer message", "state", state, "type", msg.Info().MsgType)
	n.metrics.peerMessagesSeen.Add(1)

	switch msg.Info().MsgType {
	case MsgPrePrepare:
		return n.onPrePrepare(msg, state)
	case MsgPrepare:
		return n.onPrepare(msg, state)
	case MsgCommit:
		return n.onCommit(msg, state)
	case MsgViewChange:
		return n.onViewChange(msg, state)
	default:
		n.logger.Warn("message type not implemented", "type", msg.Info().MsgType)
		return nil
	}
}

func (n *Node) onPrePrepare(msg *ParsedMessage, state *State) error {
	err := handlePrePrepare(state, n.msgLog, msg)
	if errors.Is(err, ErrNoBlockNew) {
		n.msgLog.PushBacklog(msg)
		return nil
	}
	if err != nil {
		return err
	}

	n.switchPhase(state, Preparing)
	return n.broadcastPbftMessage(msg.Info().SeqNum, MsgPrepare, msg.Block(), state)
}

func (n *Node) onPrepare(msg *ParsedMessage, state *State) error {
	n.msgLog.AddMessage(msg)

	if msg.Info().SeqNum == state.SeqNum &&
		n.msgLog.CheckPrepared(msg.Info(), state.F, state.PrimaryID()) &&
		state.Phase != Checking {
		if n.switchPhase(state, Checking) {
			if err := n.host.CheckBlocks([]BlockID{msg.Block().BlockID}); err != nil {
				return fmt.Errorf("%w: check_blocks: %v", ErrInternal, err)
			}
		}
	}
	return nil
}

func (n *Node) onCommit(msg *ParsedMessage, state *State) error {
	n.msgLog.AddMessage(msg)

	if msg.Info().SeqNum == state.SeqNum &&
		n.msgLog.CheckCommittable(msg.Info(), state.F, state.PrimaryID()) &&
		state.Phase == Committing {
		from := state.Phase
		if err := handleCommit(state, n.host, msg); err != nil {
			return err
		}
		if state.Phase != from {
			n.phaseFeed.Send(PhaseChange{ID: state.ID, SeqNum: state.SeqNum, From: from, To: state.Phase})
		}
		return nil
	}
	return nil
}

func (n *Node) onViewChange(msg *ParsedMessage, state *State) error {
	n.msgLog.AddMessage(msg)

	if state.Mode == Normal &&
		n.msgLog.LogHasRequiredMsgs(MsgViewChange, msg, false, state.F+1) &&
		msg.Info().View > state.View {
		n.logger.Warn("starting view change from a view change message", "state", state)
		return n.ProposeViewChange(state)
	}

	handleViewChangeComplete(state, n.msgLog, n.host, msg)
	return nil
}

// OnBlockValid handles a BlockValid update: the host has finished checking
// a block this node asked it to check. Transitions Checking -> Committing
// and broadcasts Commit (spec §4.4).
func (n *Node) OnBlockValid(blockID BlockID, state *State) error {
	n.logger.Debug("got BlockValid", "id", blockID.Short())

	if state.WorkingBlock == nil {
		n.logger.Warn("got BlockValid with no working block")
		return ErrNoWorkingBlock
	}
	if state.WorkingBlock.BlockID != blockID {
		n.logger.Warn("got BlockValid that doesn't match the working block")
		return ErrNotReadyForMessage
	}

	n.switchPhase(state, Committing)
	return n.broadcastPbftMessage(state.SeqNum, MsgCommit, *state.WorkingBlock, state)
}

// OnBlockCommit handles a BlockCommit update: a block was successfully
// committed. It's idempotent — it only acts if phase is Finished and
// blockID matches the working block (spec §4.4).
func (n *Node) OnBlockCommit(blockID BlockID, state *State) error {
	n.logger.Debug("got BlockCommit", "id", blockID.Short())

	isWorkingBlock := state.WorkingBlock != nil && state.WorkingBlock.BlockID == blockID
	if state.Phase != Finished || !isWorkingBlock {
		n.logger.Info("got BlockCommit for a block that isn't the working block")
		return nil
	}

	n.switchPhase(state, PrePreparing)
	state.SeqNum++
	n.metrics.blocksCommitted.Add(1)

	state.WorkingBlock = nil
	if queued := n.msgLog.GetMessagesOfTypeSeq(MsgBlockNew, state.SeqNum); len(queued) > 0 {
		b := queued[0].Block()
		state.WorkingBlock = &b
	}

	changed, err := updateMembership(n.host, blockID, state)
	if err != nil {
		return err
	}
	if state.AtForcedViewChange() || changed {
		n.ForceViewChange(state)
	}

	n.msgLog.GarbageCollect(state.SeqNum)
	state.FaultyPrimaryTimeout.Start()

	if state.IsPrimary() && state.WorkingBlock == nil {
		n.logger.Info("initializing block", "previous", blockID.Short())
		if err := n.host.InitializeBlock(&blockID); err != nil {
			n.logger.Error("couldn't initialize block", "err", err)
		}
	}
	return nil
}

// TryPublish is called periodically by the host so the primary can attempt
// to finalize a new block (spec §4.4).
func (n *Node) TryPublish(state *State) error {
	if !state.IsPrimary() || state.Phase != PrePreparing {
		return nil
	}

	n.logger.Info("summarizing block", "state", state)
	summary, err := n.host.SummarizeBlock()
	if err != nil {
		n.logger.Debug("couldn't summarize, so not finalizing", "err", err)
		return nil
	}

	var payload []byte
	if state.SeqNum > 1 {
		seal, err := buildSeal(n.msgLog, state, state.SeqNum, summary)
		if err != nil {
			return err
		}
		payload, err = EncodeSeal(seal)
		if err != nil {
			return err
		}
	}

	blockID, err := n.host.FinalizeBlock(payload)
	if err != nil {
		if errors.Is(err, ErrBlockNotReady) {
			n.logger.Debug("block not ready", "state", state)
			return nil
		}
		return fmt.Errorf("%w: couldn't finalize block: %v", ErrInternal, err)
	}
	n.logger.Info("publishing block", "state", state, "id", blockID.Short())
	return nil
}

// CheckFaultyPrimaryTimeoutExpired reports whether the faulty-primary timer
// has expired.
func (n *Node) CheckFaultyPrimaryTimeoutExpired(state *State) bool {
	return state.FaultyPrimaryTimeout.CheckExpired()
}

// StartFaultyPrimaryTimeout arms the faulty-primary timer.
func (n *Node) StartFaultyPrimaryTimeout(state *State) {
	state.FaultyPrimaryTimeout.Start()
}

// RetryBacklog pops one message from the backlog and feeds it back through
// OnPeerMessage, if any are queued.
func (n *Node) RetryBacklog(state *State) error {
	msg := n.msgLog.PopBacklog()
	if msg == nil {
		return nil
	}
	n.logger.Debug("popping message from backlog", "state", state)
	return n.OnPeerMessage(msg, state)
}

// ForceViewChange unconditionally performs the view-change transition used
// on scheduled rotation and after membership changes (spec §4.8).
func (n *Node) ForceViewChange(state *State) {
	n.logger.Info("forcing view change", "state", state)
	n.metrics.viewChangesStarted.Add(1)
	handleForceViewChange(state, n.host)
}

// ProposeViewChange initiates a view change: this node suspects the primary
// is faulty (or is relaying an f+1 bandwagon). No-op if already
// ViewChanging (spec §4.8, Initiation).
func (n *Node) ProposeViewChange(state *State) error {
	if state.Mode == ViewChanging {
		return nil
	}
	n.logger.Warn("starting view change", "state", state)
	state.Mode = ViewChanging
	n.metrics.viewChangesStarted.Add(1)

	info := makeMsgInfo(MsgViewChange, state.View+1, state.SeqNum-1, state.ID)
	seal, ok := n.msgLog.GetConsensusSeal(state.SeqNum - 1)
	if !ok {
		return fmt.Errorf("%w: no consensus seal available for seq %d to propose a view change", ErrInternal, state.SeqNum-1)
	}

	msg, err := NewViewChangeMessage(info, &seal)
	if err != nil {
		return err
	}
	return n.broadcastMessage(MsgViewChange, msg.MessageBytes, state)
}

// broadcastPbftMessage builds and broadcasts a PrePrepare/Prepare/Commit
// message for the given block, skipping the send if msgType doesn't match
// the type the current phase expects to emit.
func (n *Node) broadcastPbftMessage(seqNum uint64, msgType MessageType, block PbftBlock, state *State) error {
	expected := state.CheckMsgType()
	if msgType.IsMulticast() && msgType != expected {
		return nil
	}

	info := makeMsgInfo(msgType, state.View, seqNum, state.ID)
	msg, err := NewParsedMessage(info, block)
	if err != nil {
		return err
	}
	return n.broadcastMessage(msgType, msg.MessageBytes, state)
}

// broadcastMessage broadcasts msg to peers and, in production, delivers it
// to this node as well by re-entering OnPeerMessage synchronously. Tests
// disable self-delivery to avoid re-entrant state mutation during
// assertions (spec §9, "Self-broadcast").
func (n *Node) broadcastMessage(msgType MessageType, payload []byte, state *State) error {
	n.logger.Debug("broadcasting", "type", msgType, "state", state)
	if err := n.host.Broadcast(msgType, payload); err != nil {
		n.logger.Error("couldn't broadcast", "err", err)
	}

	if !n.selfDeliver {
		return nil
	}

	var (
		msg *ParsedMessage
		err error
	)
	if msgType == MsgViewChange {
		msg, err = DecodeViewChangeMessage(payload)
	} else {
		msg, err = DecodePbftMessage(payload)
	}
	if err != nil {
		return err
	}
	msg.FromSelf = true
	return n.OnPeerMessage(msg, state)
}
