package main

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/hyperledger-labs/sawtooth-pbft-go/consensus/pbft"
)

// network is the in-memory validator set the harness drives: one simHost
// per simulated peer, all observing the same chain. It plays the role a
// real gossip network and block store would play in production, the way
// networkFixture does for tests in consensus/pbft/node_test.go. Unlike
// networkFixture, this network also owns each peer's private key, since a
// real transport signs the header it attaches to every relayed message
// (spec §6 leaves wire framing and signature primitives to the host, which
// is exactly the role this type stands in for).
type network struct {
	peers   []pbft.PeerID
	privs   []*btcec.PrivateKey
	hosts   []*simHost
	relayed []int
}

func newNetwork(peers []pbft.PeerID, privs []*btcec.PrivateKey) *network {
	net := &network{peers: peers, privs: privs, relayed: make([]int, len(peers))}
	for _, id := range peers {
		net.hosts = append(net.hosts, newSimHost(id, peers))
	}
	return net
}

// pump relays every un-relayed broadcast from every host to every other
// peer's Node, repeating until a full pass produces nothing new. Mirrors
// networkFixture.pump in the core package's tests, but additionally signs
// each relayed message's transport header under the sender's private key
// before delivery, the way a real peer-to-peer transport would, so that
// seals built from the delivered Commit votes carry real, verifiable
// signatures end to end.
func (net *network) pump(nodes []*pbft.Node, states []*pbft.State) {
	for round := 0; round < 50; round++ {
		progressed := false
		for sender, host := range net.hosts {
			for net.relayed[sender] < len(host.broadcasts) {
				call := host.broadcasts[net.relayed[sender]]
				net.relayed[sender]++
				progressed = true

				var (
					msg *pbft.ParsedMessage
					err error
				)
				if call.msgType == pbft.MsgViewChange {
					msg, err = pbft.DecodeViewChangeMessage(call.payload)
				} else {
					msg, err = pbft.DecodePbftMessage(call.payload)
				}
				if err != nil {
					log.Error("harness: discarding unparsable relayed message", "from", sender, "err", err)
					continue
				}
				if err := net.signHeader(sender, msg); err != nil {
					log.Error("harness: couldn't sign relayed message header", "from", sender, "err", err)
					continue
				}

				for receiver, node := range nodes {
					if receiver == sender {
						continue
					}
					if err := node.OnPeerMessage(msg, states[receiver]); err != nil {
						log.Warn("harness: peer rejected relayed message", "to", receiver, "from", sender, "err", err)
					}
				}
			}
		}
		if !progressed {
			return
		}
	}
}

// signHeader attaches a transport-level signed header to msg, binding it to
// msg.MessageBytes via a SHA-512 content hash and signing that header with
// the sender's secp256k1 key (spec §4.6 Verify, step 3: "verify the header
// signature under a secp256k1 public key recovered from header.signer_id").
func (net *network) signHeader(sender int, msg *pbft.ParsedMessage) error {
	content := sha512.Sum512(msg.MessageBytes)
	header := pbft.PeerMessageHeader{
		SignerID:      net.peers[sender].Bytes(),
		ContentSHA512: content[:],
	}
	headerBytes, err := pbft.EncodeHeader(header)
	if err != nil {
		return err
	}
	msg.HeaderBytes = headerBytes
	msg.HeaderSignature = pbft.SignHeader(net.privs[sender], headerBytes)
	return nil
}

type broadcastCall struct {
	msgType pbft.MessageType
	payload []byte
}

// simHost is a single peer's view of the host boundary (spec §6, "Host").
// Unlike the package-internal fakeHost used by consensus/pbft's own tests,
// this is a small but real block-producing host: it assigns block ids
// deterministically from their content instead of taking a pre-scripted
// answer, since the harness has no test to script one for it.
type simHost struct {
	id         pbft.PeerID
	peersJSON  string
	chainHead  pbft.Block
	blocks     map[pbft.BlockID]pbft.Block
	broadcasts []broadcastCall

	workingPrev pbft.BlockID
	workingNum  uint64
	summary     []byte

	lastFinalized *pbft.Block
	committed     []pbft.BlockID
}

func newSimHost(id pbft.PeerID, peers []pbft.PeerID) *simHost {
	hexPeers := make([]string, len(peers))
	for i, p := range peers {
		hexPeers[i] = p.Hex()
	}
	raw, err := json.Marshal(hexPeers)
	if err != nil {
		panic(err)
	}
	return &simHost{id: id, peersJSON: string(raw), blocks: make(map[pbft.BlockID]pbft.Block)}
}

func (h *simHost) InitializeBlock(previousID *pbft.BlockID) error {
	if previousID != nil {
		h.workingPrev = *previousID
	} else {
		h.workingPrev = h.chainHead.BlockID
	}
	h.workingNum = h.chainHead.BlockNum + 1
	h.summary = nil
	return nil
}

func (h *simHost) SummarizeBlock() ([]byte, error) {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%s", h.workingPrev, h.workingNum, h.id.Hex()))
	h.summary = sum[:]
	return h.summary, nil
}

func (h *simHost) FinalizeBlock(payload []byte) (pbft.BlockID, error) {
	idSum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%s|%x", h.workingPrev, h.workingNum, h.id.Hex(), payload))
	block := pbft.Block{
		BlockID:    pbft.BlockID(idSum[:]),
		PreviousID: h.workingPrev,
		SignerID:   h.id,
		BlockNum:   h.workingNum,
		Payload:    payload,
		Summary:    h.summary,
	}
	h.blocks[block.BlockID] = block
	h.lastFinalized = &block
	return block.BlockID, nil
}

func (h *simHost) CancelBlock() error { h.summary = nil; return nil }

func (h *simHost) CheckBlocks(ids []pbft.BlockID) error { return nil }

func (h *simHost) CommitBlock(id pbft.BlockID) error {
	h.committed = append(h.committed, id)
	if b, ok := h.blocks[id]; ok {
		h.chainHead = b
	}
	return nil
}

func (h *simHost) IgnoreBlock(id pbft.BlockID) {}

func (h *simHost) FailBlock(id pbft.BlockID) {}

func (h *simHost) GetBlocks(ids []pbft.BlockID) (map[pbft.BlockID]pbft.Block, error) {
	out := make(map[pbft.BlockID]pbft.Block, len(ids))
	for _, id := range ids {
		b, ok := h.blocks[id]
		if !ok {
			return nil, fmt.Errorf("simHost: unknown block %s", id.Short())
		}
		out[id] = b
	}
	return out, nil
}

func (h *simHost) GetChainHead() (pbft.Block, error) { return h.chainHead, nil }

func (h *simHost) GetSettings(blockID pbft.BlockID, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if k == "sawtooth.consensus.pbft.peers" {
			out[k] = h.peersJSON
		}
	}
	return out, nil
}

func (h *simHost) Broadcast(msgType pbft.MessageType, payload []byte) error {
	h.broadcasts = append(h.broadcasts, broadcastCall{msgType: msgType, payload: payload})
	return nil
}

func (h *simHost) SendTo(peer pbft.PeerID, msgType pbft.MessageType, payload []byte) error {
	return nil
}
