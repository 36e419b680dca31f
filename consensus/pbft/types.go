package pbft

import (
	"encoding/hex"
	"fmt"
)

// PeerID is an opaque identifier naming a participant, carried as raw bytes
// under a comparable string so it can key maps and sets directly. Peer ids
// in practice are secp256k1 public keys recovered from transport headers,
// hence the variable length (unlike a fixed-width hash).
type PeerID string

// PeerIDFromHex decodes a lowercase hex peer id, the form used in
// sawtooth.consensus.pbft.peers settings entries.
func PeerIDFromHex(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("pbft: decoding peer id %q: %w", s, err)
	}
	return PeerID(b), nil
}

// Hex renders the peer id the way it appears in chain settings and logs.
func (p PeerID) Hex() string { return hex.EncodeToString([]byte(p)) }

// Bytes returns the raw peer id bytes.
func (p PeerID) Bytes() []byte { return []byte(p) }

// Short returns a truncated hex prefix suitable for log lines, mirroring
// the `&hex::encode(id)[..6]` convention in the original implementation's
// PbftState Display impl.
func (p PeerID) Short() string {
	h := p.Hex()
	if len(h) > 6 {
		return h[:6]
	}
	return h
}

// BlockID is an opaque block identifier, again carried as raw bytes under a
// comparable string.
type BlockID string

// BlockIDFromHex decodes a hex block id.
func BlockIDFromHex(s string) (BlockID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("pbft: decoding block id %q: %w", s, err)
	}
	return BlockID(b), nil
}

// Hex renders the block id as lowercase hex.
func (b BlockID) Hex() string { return hex.EncodeToString([]byte(b)) }

// Bytes returns the raw block id bytes.
func (b BlockID) Bytes() []byte { return []byte(b) }

func (b BlockID) Short() string {
	h := b.Hex()
	if len(h) > 6 {
		return h[:6]
	}
	return h
}

// Block is the host's view of a block: everything the validator knows about
// it. payload carries a serialized Seal (empty for block 1).
type Block struct {
	BlockID    BlockID
	PreviousID BlockID
	SignerID   PeerID
	BlockNum   uint64
	Payload    []byte
	Summary    []byte
}

// PbftBlock is the lightweight core-side projection of a Block: the core
// never forwards payloads in its own messages, so PbftBlock carries none.
type PbftBlock struct {
	BlockID  BlockID
	SignerID PeerID
	BlockNum uint64
	Summary  []byte
}

// pbftBlockFromBlock projects a host Block down to the core's PbftBlock,
// dropping the payload. Mirrors node.rs's pbft_block_from_block.
func pbftBlockFromBlock(b Block) PbftBlock {
	return PbftBlock{
		BlockID:  b.BlockID,
		SignerID: b.SignerID,
		BlockNum: b.BlockNum,
		Summary:  b.Summary,
	}
}

// MessageInfo is attached to every consensus message.
type MessageInfo struct {
	MsgType  MessageType
	View     uint64
	SeqNum   uint64
	SignerID PeerID
}
