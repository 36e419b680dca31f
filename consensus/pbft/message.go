package pbft

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// MessageType names the kind of a consensus message. The host's broadcast
// and send_to calls take the type as a string, so MessageType is string-kinded
// rather than a small integer, matching the wire convention described in
// spec §6 ("sawtooth.consensus.pbft.peers" settings aside, message type
// strings cross the host boundary verbatim).
type MessageType string

const (
	MsgPrePrepare MessageType = "PrePrepare"
	MsgPrepare    MessageType = "Prepare"
	MsgCommit     MessageType = "Commit"
	MsgBlockNew   MessageType = "BlockNew"
	MsgViewChange MessageType = "ViewChange"
	MsgSeal       MessageType = "Seal"
	MsgUnset      MessageType = "Unset"
)

// IsMulticast reports whether messages of this type are sent to the whole
// peer set (PrePrepare/Prepare/Commit) as opposed to point messages.
func (t MessageType) IsMulticast() bool {
	switch t {
	case MsgPrePrepare, MsgPrepare, MsgCommit:
		return true
	default:
		return false
	}
}

// wireMessageInfo is the RLP-encodable shape of MessageInfo. RLP requires
// exported fields and doesn't need anything special here, but it's kept
// distinct from MessageInfo so the public struct can gain accessor methods
// without affecting wire shape.
type wireMessageInfo struct {
	MsgType  string
	View     uint64
	SeqNum   uint64
	SignerID []byte
}

func toWireInfo(i MessageInfo) wireMessageInfo {
	return wireMessageInfo{
		MsgType:  string(i.MsgType),
		View:     i.View,
		SeqNum:   i.SeqNum,
		SignerID: i.SignerID.Bytes(),
	}
}

func (w wireMessageInfo) toInfo() MessageInfo {
	return MessageInfo{
		MsgType:  MessageType(w.MsgType),
		View:     w.View,
		SeqNum:   w.SeqNum,
		SignerID: PeerID(w.SignerID),
	}
}

// wireBlock is the RLP-encodable shape of PbftBlock.
type wireBlock struct {
	BlockID  []byte
	SignerID []byte
	BlockNum uint64
	Summary  []byte
}

func toWireBlock(b PbftBlock) wireBlock {
	return wireBlock{
		BlockID:  b.BlockID.Bytes(),
		SignerID: b.SignerID.Bytes(),
		BlockNum: b.BlockNum,
		Summary:  b.Summary,
	}
}

func (w wireBlock) toBlock() PbftBlock {
	return PbftBlock{
		BlockID:  BlockID(w.BlockID),
		SignerID: PeerID(w.SignerID),
		BlockNum: w.BlockNum,
		Summary:  w.Summary,
	}
}

// wirePbftMessage is what actually crosses the wire for PrePrepare, Prepare,
// Commit and BlockNew messages: an info header plus the lightweight block
// projection.
type wirePbftMessage struct {
	Info  wireMessageInfo
	Block wireBlock
}

// wireViewChange is what crosses the wire for a ViewChange message: an info
// header plus the seal the proposer is attaching as evidence of the last
// commit it saw.
type wireViewChange struct {
	Info wireMessageInfo
	Seal wireSeal
}

// ParsedMessage is a typed view over a wire message with the header bytes
// and signature preserved verbatim, since seals re-emit them for third-party
// verification (spec §3, "Parsed message").
type ParsedMessage struct {
	info            MessageInfo
	block           PbftBlock
	seal            *Seal // set only for ViewChange messages
	HeaderBytes     []byte
	HeaderSignature []byte
	MessageBytes    []byte
	FromSelf        bool
}

// Info returns the message's header.
func (m *ParsedMessage) Info() MessageInfo { return m.info }

// Block returns the lightweight block projection carried by the message.
// Empty for ViewChange messages.
func (m *ParsedMessage) Block() PbftBlock { return m.block }

// Seal returns the seal attached to a ViewChange message, or nil for other
// message types.
func (m *ParsedMessage) Seal() *Seal { return m.seal }

// NewParsedMessage builds a ParsedMessage from an info/block pair (used for
// self-produced messages, e.g. BlockNew, PrePrepare, Prepare, Commit), and
// fills in MessageBytes via the deterministic wire encoding so the message
// is ready for re-emission inside a seal.
func NewParsedMessage(info MessageInfo, block PbftBlock) (*ParsedMessage, error) {
	msg := wirePbftMessage{Info: toWireInfo(info), Block: toWireBlock(block)}
	b, err := rlp.EncodeToBytes(&msg)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding pbft message: %v", ErrSerialization, err)
	}
	return &ParsedMessage{
		info:         info,
		block:        block,
		MessageBytes: b,
		FromSelf:     true,
	}, nil
}

// DecodePbftMessage parses a wire-format PrePrepare/Prepare/Commit/BlockNew
// message.
func DecodePbftMessage(b []byte) (*ParsedMessage, error) {
	var w wirePbftMessage
	if err := rlp.DecodeBytes(b, &w); err != nil {
		return nil, fmt.Errorf("%w: decoding pbft message: %v", ErrSerialization, err)
	}
	return &ParsedMessage{
		info:         w.Info.toInfo(),
		block:        w.Block.toBlock(),
		MessageBytes: b,
	}, nil
}

// NewViewChangeMessage builds a ParsedMessage for a ViewChange, attaching the
// seal for the last sequence number this node committed.
func NewViewChangeMessage(info MessageInfo, seal *Seal) (*ParsedMessage, error) {
	var ws wireSeal
	if seal != nil {
		ws = toWireSeal(*seal)
	}
	w := wireViewChange{Info: toWireInfo(info), Seal: ws}
	b, err := rlp.EncodeToBytes(&w)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding view change: %v", ErrSerialization, err)
	}
	return &ParsedMessage{
		info:         info,
		seal:         seal,
		MessageBytes: b,
		FromSelf:     true,
	}, nil
}

// DecodeViewChangeMessage parses a wire-format ViewChange message.
func DecodeViewChangeMessage(b []byte) (*ParsedMessage, error) {
	var w wireViewChange
	if err := rlp.DecodeBytes(b, &w); err != nil {
		return nil, fmt.Errorf("%w: decoding view change: %v", ErrSerialization, err)
	}
	seal := fromWireSeal(w.Seal)
	return &ParsedMessage{
		info:         w.Info.toInfo(),
		seal:         &seal,
		MessageBytes: b,
	}, nil
}

// AsMsgType returns a shallow copy of m with its MsgType overridden. Used by
// catch-up to treat a ViewChange-embedded commit vote as if it were a live
// Commit message (spec §4.5).
func (m *ParsedMessage) AsMsgType(t MessageType) *ParsedMessage {
	cp := *m
	cp.info.MsgType = t
	return &cp
}

// SignedCommitVote is a Commit message plus its transport-level signed
// header: enough to verify provenance without the live peer session.
type SignedCommitVote struct {
	HeaderBytes     []byte
	HeaderSignature []byte
	MessageBytes    []byte
}
