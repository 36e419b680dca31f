package pbft

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/ethereum/go-ethereum/rlp"
	mapset "github.com/deckarep/golang-set/v2"
)

// PeerMessageHeader is the transport-level signed header accompanying a
// peer message, the piece SignedCommitVote verification checks against.
// Mirrors sawtooth_sdk::messages::consensus::ConsensusPeerMessageHeader.
type PeerMessageHeader struct {
	SignerID      []byte
	ContentSHA512 []byte
}

type wirePeerMessageHeader struct {
	SignerID      []byte
	ContentSHA512 []byte
}

// EncodeHeader serializes a PeerMessageHeader deterministically.
func EncodeHeader(h PeerMessageHeader) ([]byte, error) {
	b, err := rlp.EncodeToBytes(&wirePeerMessageHeader{SignerID: h.SignerID, ContentSHA512: h.ContentSHA512})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding header: %v", ErrSerialization, err)
	}
	return b, nil
}

func decodeHeader(b []byte) (PeerMessageHeader, error) {
	var w wirePeerMessageHeader
	if err := rlp.DecodeBytes(b, &w); err != nil {
		return PeerMessageHeader{}, fmt.Errorf("%w: decoding header: %v", ErrSerialization, err)
	}
	return PeerMessageHeader{SignerID: w.SignerID, ContentSHA512: w.ContentSHA512}, nil
}

// SignHeader signs header bytes with a secp256k1 private key, hashing with
// SHA-256 first (the digest ECDSA actually signs over).
func SignHeader(priv *btcec.PrivateKey, headerBytes []byte) []byte {
	digest := sha256.Sum256(headerBytes)
	sig := ecdsa.Sign(priv, digest[:])
	return sig.Serialize()
}

func verifyHeaderSignature(signerID, headerBytes, signature []byte) error {
	pub, err := btcec.ParsePubKey(signerID)
	if err != nil {
		return fmt.Errorf("%w: parsing signer public key: %v", ErrInternal, err)
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return fmt.Errorf("%w: parsing header signature: %v", ErrInternal, err)
	}
	digest := sha256.Sum256(headerBytes)
	if !sig.Verify(digest[:], pub) {
		return fmt.Errorf("%w: header signature verification failed", ErrInternal)
	}
	return nil
}

// Seal is a verifiable certificate of quorum for a prior commit, embedded in
// the next block's payload (spec §3, §4.6).
type Seal struct {
	PreviousID          BlockID
	Summary             []byte
	PreviousCommitVotes []SignedCommitVote
}

type wireSignedCommitVote struct {
	HeaderBytes     []byte
	HeaderSignature []byte
	MessageBytes    []byte
}

type wireSeal struct {
	PreviousID          []byte
	Summary             []byte
	PreviousCommitVotes []wireSignedCommitVote
}

func toWireSeal(s Seal) wireSeal {
	votes := make([]wireSignedCommitVote, len(s.PreviousCommitVotes))
	for i, v := range s.PreviousCommitVotes {
		votes[i] = wireSignedCommitVote{
			HeaderBytes:     v.HeaderBytes,
			HeaderSignature: v.HeaderSignature,
			MessageBytes:    v.MessageBytes,
		}
	}
	return wireSeal{
		PreviousID:          s.PreviousID.Bytes(),
		Summary:             s.Summary,
		PreviousCommitVotes: votes,
	}
}

func fromWireSeal(w wireSeal) Seal {
	votes := make([]SignedCommitVote, len(w.PreviousCommitVotes))
	for i, v := range w.PreviousCommitVotes {
		votes[i] = SignedCommitVote{
			HeaderBytes:     v.HeaderBytes,
			HeaderSignature: v.HeaderSignature,
			MessageBytes:    v.MessageBytes,
		}
	}
	return Seal{
		PreviousID:          BlockID(w.PreviousID),
		Summary:             w.Summary,
		PreviousCommitVotes: votes,
	}
}

// EncodeSeal serializes a seal deterministically for embedding in a block
// payload or a ViewChange message.
func EncodeSeal(s Seal) ([]byte, error) {
	b, err := rlp.EncodeToBytes(toWireSeal(s))
	if err != nil {
		return nil, fmt.Errorf("%w: encoding seal: %v", ErrSerialization, err)
	}
	return b, nil
}

// DecodeSeal parses a wire-format seal.
func DecodeSeal(b []byte) (Seal, error) {
	var w wireSeal
	if err := rlp.DecodeBytes(b, &w); err != nil {
		return Seal{}, fmt.Errorf("%w: decoding seal: %v", ErrSerialization, err)
	}
	return fromWireSeal(w), nil
}

// buildSeal constructs a seal from >= 2f Commit messages for seqNum-1 found
// in the log, using summary as the new block's summary bytes (spec §4.6
// Build).
func buildSeal(log *MessageLog, state *State, seqNum uint64, summary []byte) (Seal, error) {
	minVotes := int(2 * state.F)
	votes, found := log.getEnoughMessages(MsgCommit, seqNum-1, minVotes, state.ID)
	if votes == nil {
		return Seal{}, &wrongNumMessagesError{msgType: MsgCommit, seqNum: seqNum - 1, wanted: minVotes, got: found}
	}

	previousID := votes[0].Block().BlockID
	signed := make([]SignedCommitVote, len(votes))
	for i, v := range votes {
		signed[i] = SignedCommitVote{
			HeaderBytes:     v.HeaderBytes,
			HeaderSignature: v.HeaderSignature,
			MessageBytes:    v.MessageBytes,
		}
	}

	return Seal{
		PreviousID:          previousID,
		Summary:             summary,
		PreviousCommitVotes: signed,
	}, nil
}

// verifyConsensusVote parses and verifies a single signed commit vote
// against the seal it's part of, returning the voter's signer id (spec
// §4.6 Verify, step 3).
func verifyConsensusVote(vote SignedCommitVote, seal Seal) (PeerID, error) {
	msg, err := DecodePbftMessage(vote.MessageBytes)
	if err != nil {
		return "", err
	}
	if msg.Block().BlockID != seal.PreviousID {
		return "", fmt.Errorf("%w: vote block id %s doesn't match seal previous id %s", ErrInternal, msg.Block().BlockID.Hex(), seal.PreviousID.Hex())
	}

	header, err := decodeHeader(vote.HeaderBytes)
	if err != nil {
		return "", err
	}

	if err := verifyHeaderSignature(header.SignerID, vote.HeaderBytes, vote.HeaderSignature); err != nil {
		return "", err
	}

	sum := sha512.Sum512(vote.MessageBytes)
	if !hashEqual(sum[:], header.ContentSHA512) {
		return "", fmt.Errorf("%w: message sha512 doesn't match header content hash", ErrInternal)
	}

	return msg.Info().SignerID, nil
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// verifyConsensusSeal verifies a seal embedded in block against the peer set
// at the time of that block (spec §4.6 Verify). Blocks with block_num < 2
// have no seal to verify: the genesis block and block 1 are never sealed.
func verifyConsensusSeal(host Host, block Block, state *State) (*Seal, error) {
	if block.BlockNum < 2 {
		return nil, nil
	}

	if len(block.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload for non-genesis block", ErrInternal)
	}

	seal, err := DecodeSeal(block.Payload)
	if err != nil {
		return nil, err
	}

	if seal.PreviousID != block.PreviousID {
		return nil, fmt.Errorf("%w: seal previous id %s doesn't match block previous id %s", ErrInternal, seal.PreviousID.Hex(), block.PreviousID.Hex())
	}
	if !hashEqual(seal.Summary, block.Summary) {
		return nil, fmt.Errorf("%w: seal summary doesn't match block summary", ErrInternal)
	}

	voterIDs := mapset.NewSet[PeerID]()
	for _, vote := range seal.PreviousCommitVotes {
		id, err := verifyConsensusVote(vote, seal)
		if err != nil {
			return nil, err
		}
		voterIDs.Add(id)
	}

	settings, err := host.GetSettings(block.PreviousID, []string{peersSettingsKey})
	if err != nil {
		return nil, fmt.Errorf("%w: fetching settings for seal verification: %v", ErrInternal, err)
	}
	peers, err := LoadPeersFromSettings(settings)
	if err != nil {
		return nil, err
	}

	eligible := mapset.NewSet[PeerID]()
	for _, p := range peers {
		if p != block.SignerID {
			eligible.Add(p)
		}
	}

	if !voterIDs.IsSubset(eligible) {
		return nil, fmt.Errorf("%w: seal contains votes from unexpected signers", ErrInternal)
	}

	if voterIDs.Cardinality() < int(2*state.F) {
		return nil, &wrongNumMessagesError{msgType: MsgCommit, seqNum: block.BlockNum - 1, wanted: int(2 * state.F), got: voterIDs.Cardinality()}
	}

	return &seal, nil
}
