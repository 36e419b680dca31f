package pbft

import (
	"fmt"
)

// Phase is the node's position within the three-phase protocol for the
// current sequence number. Phases form a linear cycle in Normal mode:
// PrePreparing -> Preparing -> Checking -> Committing -> Finished -> PrePreparing.
type Phase int

const (
	PrePreparing Phase = iota
	Preparing
	Checking
	Committing
	Finished
)

func (p Phase) String() string {
	switch p {
	case PrePreparing:
		return "PrePreparing"
	case Preparing:
		return "Preparing"
	case Checking:
		return "Checking"
	case Committing:
		return "Committing"
	case Finished:
		return "Finished"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// next returns the phase that follows p in the normal-mode cycle.
func (p Phase) next() Phase {
	switch p {
	case PrePreparing:
		return Preparing
	case Preparing:
		return Checking
	case Checking:
		return Committing
	case Committing:
		return Finished
	case Finished:
		return PrePreparing
	default:
		return p
	}
}

// Mode is orthogonal to Phase: Normal (executing the protocol) or
// ViewChanging (recovering).
type Mode int

const (
	Normal Mode = iota
	ViewChanging
)

func (m Mode) String() string {
	if m == ViewChanging {
		return "ViewChanging"
	}
	return "Normal"
}

// Role says whether this node is currently the primary for its view.
type Role int

const (
	RoleSecondary Role = iota
	RolePrimary
)

// State holds a node's current view, sequence number, phase, mode, role,
// peer set, fault bound f, working block and timers (spec §3).
type State struct {
	ID     PeerID
	SeqNum uint64
	View   uint64
	Phase  Phase
	Mode   Mode
	role   Role

	PeerIDs []PeerID
	F       uint64

	FaultyPrimaryTimeout   *Timeout
	ForcedViewChangePeriod uint64

	// WorkingBlock is the block at SeqNum this node is voting on. It is set
	// as soon as that block's BlockNew is seen, while Phase is still
	// PrePreparing, and cleared on commit or when a view change discards it.
	WorkingBlock *PbftBlock
}

// NewState constructs the initial state for a PBFT node. It panics if the
// network does not have enough nodes to be Byzantine fault tolerant — the
// same "must refuse to start" invariant original_source/src/state.rs
// enforces via the same panic (the node-startup path is the only place this
// is still fatal; mid-run membership shrinkage is handled by
// updateMembership instead, which returns an error rather than
// panicking, since the host may be able to recover).
func NewState(id PeerID, headBlockNum uint64, config PbftConfig) *State {
	f := faultBound(len(config.Peers))
	if f == 0 {
		panic("pbft: network does not contain enough nodes to be fault tolerant")
	}

	role := RoleSecondary
	if len(config.Peers) > 0 && config.Peers[0] == id {
		role = RolePrimary
	}

	return &State{
		ID:                     id,
		SeqNum:                 headBlockNum + 1,
		View:                   0,
		Phase:                  PrePreparing,
		Mode:                   Normal,
		role:                   role,
		PeerIDs:                append([]PeerID(nil), config.Peers...),
		F:                      f,
		FaultyPrimaryTimeout:   NewTimeout(config.FaultyPrimaryTimeout),
		ForcedViewChangePeriod: config.ForcedViewChangePeriod,
	}
}

// Peers returns the current peer set.
func (s *State) Peers() []PeerID { return s.PeerIDs }

// CheckMsgType maps Phase to the message kind the node is currently willing
// to emit.
func (s *State) CheckMsgType() MessageType {
	switch s.Phase {
	case PrePreparing:
		return MsgPrePrepare
	case Preparing, Checking:
		return MsgPrepare
	case Committing:
		return MsgCommit
	default:
		return MsgUnset
	}
}

// PrimaryID returns the peer id of the primary for the current view.
func (s *State) PrimaryID() PeerID {
	idx := int(s.View % uint64(len(s.PeerIDs)))
	return s.PeerIDs[idx]
}

// IsPrimary reports whether this node is currently primary.
func (s *State) IsPrimary() bool { return s.role == RolePrimary }

// UpgradeRole promotes this node to primary.
func (s *State) UpgradeRole() { s.role = RolePrimary }

// DowngradeRole demotes this node to secondary.
func (s *State) DowngradeRole() { s.role = RoleSecondary }

// SwitchPhase advances to desired if and only if desired is the phase that
// immediately follows the current one; otherwise it is a no-op and the
// second return value is false. This guards against acting twice on the
// same event.
func (s *State) SwitchPhase(desired Phase) (Phase, bool) {
	next := s.Phase.next()
	if desired != next {
		return s.Phase, false
	}
	s.Phase = desired
	return desired, true
}

// AtForcedViewChange reports whether the current sequence number lands on a
// forced-rotation boundary.
func (s *State) AtForcedViewChange() bool {
	return s.ForcedViewChangePeriod > 0 && s.SeqNum > 0 && s.SeqNum%s.ForcedViewChangePeriod == 0
}

// DiscardCurrentBlock clears the working block, resets phase to
// PrePreparing and mode to Normal, and restarts the faulty-primary timer.
// Used after a completed view change.
func (s *State) DiscardCurrentBlock() {
	s.WorkingBlock = nil
	s.Phase = PrePreparing
	s.Mode = Normal
	s.FaultyPrimaryTimeout.Start()
}

// String renders a compact one-line summary for log lines, mirroring
// PbftState's Display impl in original_source/src/state.rs.
func (s *State) String() string {
	ast := " "
	if s.IsPrimary() {
		ast = "*"
	}
	wb := "~none~"
	if s.WorkingBlock != nil {
		wb = fmt.Sprintf("%d/%s", s.WorkingBlock.BlockNum, s.WorkingBlock.BlockID.Short())
	}
	return fmt.Sprintf("(%s %s %d, seq %d, wb %s), Node %s%s", s.Phase, s.Mode, s.View, s.SeqNum, wb, s.ID.Short(), ast)
}
