package pbft

import (
	"encoding/json"
	"fmt"
)

// fakeHost is an in-memory Host used by this package's tests. It never
// talks to a real validator; it just records what was asked of it and lets
// a test script the answers (mirrors the minimal fakes consensus tests in
// the wider ecosystem build around an interface boundary).
type fakeHost struct {
	blocks       map[BlockID]Block
	chainHead    Block
	settings     map[string]string
	broadcasts   []broadcastCall
	sendTos      []sendToCall
	committed    []BlockID
	failed       []BlockID
	ignored      []BlockID
	initialized  []*BlockID
	summarizeErr error
	summarizeOut []byte
	finalizeErr  error
	finalizeID   BlockID
	checkErr     error
}

type broadcastCall struct {
	msgType MessageType
	payload []byte
}

type sendToCall struct {
	peer    PeerID
	msgType MessageType
	payload []byte
}

func newFakeHost(peers []PeerID) *fakeHost {
	hexPeers := make([]string, len(peers))
	for i, p := range peers {
		hexPeers[i] = p.Hex()
	}
	raw, err := json.Marshal(hexPeers)
	if err != nil {
		panic(err)
	}
	return &fakeHost{
		blocks:   make(map[BlockID]Block),
		settings: map[string]string{peersSettingsKey: string(raw)},
	}
}

func (h *fakeHost) InitializeBlock(previousID *BlockID) error {
	h.initialized = append(h.initialized, previousID)
	return nil
}

func (h *fakeHost) SummarizeBlock() ([]byte, error) {
	if h.summarizeErr != nil {
		return nil, h.summarizeErr
	}
	return h.summarizeOut, nil
}

func (h *fakeHost) FinalizeBlock(payload []byte) (BlockID, error) {
	if h.finalizeErr != nil {
		return "", h.finalizeErr
	}
	return h.finalizeID, nil
}

func (h *fakeHost) CancelBlock() error { return nil }

func (h *fakeHost) CheckBlocks(ids []BlockID) error { return h.checkErr }

func (h *fakeHost) CommitBlock(id BlockID) error {
	h.committed = append(h.committed, id)
	return nil
}

func (h *fakeHost) IgnoreBlock(id BlockID) { h.ignored = append(h.ignored, id) }

func (h *fakeHost) FailBlock(id BlockID) { h.failed = append(h.failed, id) }

func (h *fakeHost) GetBlocks(ids []BlockID) (map[BlockID]Block, error) {
	out := make(map[BlockID]Block, len(ids))
	for _, id := range ids {
		b, ok := h.blocks[id]
		if !ok {
			return nil, fmt.Errorf("fakeHost: unknown block %s", id.Short())
		}
		out[id] = b
	}
	return out, nil
}

func (h *fakeHost) GetChainHead() (Block, error) { return h.chainHead, nil }

func (h *fakeHost) GetSettings(blockID BlockID, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = h.settings[k]
	}
	return out, nil
}

func (h *fakeHost) Broadcast(msgType MessageType, payload []byte) error {
	h.broadcasts = append(h.broadcasts, broadcastCall{msgType: msgType, payload: payload})
	return nil
}

func (h *fakeHost) SendTo(peer PeerID, msgType MessageType, payload []byte) error {
	h.sendTos = append(h.sendTos, sendToCall{peer: peer, msgType: msgType, payload: payload})
	return nil
}
