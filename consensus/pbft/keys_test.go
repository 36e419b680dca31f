package pbft

import (
	"crypto/sha512"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

// peerKeySet is a set of real secp256k1 keypairs used wherever a test needs
// signatures that verifyConsensusVote will actually accept (PeerID must be a
// parseable public key, not an arbitrary byte string).
type peerKeySet struct {
	privs []*btcec.PrivateKey
	ids   []PeerID
}

func generatePeerKeys(t *testing.T, n int) peerKeySet {
	t.Helper()
	set := peerKeySet{}
	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("NewPrivateKey: %v", err)
		}
		set.privs = append(set.privs, priv)
		set.ids = append(set.ids, PeerID(priv.PubKey().SerializeCompressed()))
	}
	return set
}

// signCommitVote builds a SignedCommitVote for msg, signed by signer, the
// way a real peer's transport layer would attach a header to an outgoing
// message (spec §4.6, the shape verifyConsensusVote expects).
func signCommitVote(t *testing.T, signer *btcec.PrivateKey, signerID PeerID, msg *ParsedMessage) SignedCommitVote {
	t.Helper()
	sum := sha512.Sum512(msg.MessageBytes)
	header := PeerMessageHeader{SignerID: signerID.Bytes(), ContentSHA512: sum[:]}
	headerBytes, err := EncodeHeader(header)
	if err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	sig := SignHeader(signer, headerBytes)
	return SignedCommitVote{HeaderBytes: headerBytes, HeaderSignature: sig, MessageBytes: msg.MessageBytes}
}
