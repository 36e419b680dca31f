package pbft

import (
	"bytes"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/karalabe/cookiejar.v2/collections/prque"
)

// sealCacheSize bounds the message log's seal retention map. It's set well
// above the retention window k the spec requires (at least the seal for
// seq-1 survives until seq is committed, see spec §4.2/§9), so eviction only
// reclaims seals from sequence numbers far older than anything
// garbage_collect would have kept anyway.
const sealCacheSize = 1024

// logKey indexes stored messages by (type, view, seq_num).
type logKey struct {
	msgType MessageType
	view    uint64
	seqNum  uint64
}

// MessageLog is an append-only, sequence-number-indexed store of received
// and self-produced consensus messages. It exposes the quorum predicates
// `prepared`/`committable`, a backlog of out-of-order peer messages, a map
// from sequence number to the seal built or accepted for it, and garbage
// collection tied to a committed sequence number (spec §4.2).
type MessageLog struct {
	mu       sync.Mutex
	messages map[logKey][]*ParsedMessage
	backlog  *prque.Prque
	seals    *lru.Cache
}

// NewMessageLog constructs an empty log.
func NewMessageLog() *MessageLog {
	cache, err := lru.New(sealCacheSize)
	if err != nil {
		// lru.New only errors on a non-positive size, which sealCacheSize
		// never is.
		panic(fmt.Sprintf("pbft: constructing seal cache: %v", err))
	}
	return &MessageLog{
		messages: make(map[logKey][]*ParsedMessage),
		backlog:  prque.New(),
		seals:    cache,
	}
}

func keyOf(info MessageInfo) logKey {
	return logKey{msgType: info.MsgType, view: info.View, seqNum: info.SeqNum}
}

// AddMessage stores m under (type, view, seq_num). Idempotent for exact
// duplicates: re-adding a message with the same signer and identical bytes
// is a no-op rather than a second entry.
func (l *MessageLog) AddMessage(m *ParsedMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := keyOf(m.Info())
	existing := l.messages[key]
	for _, e := range existing {
		if e.Info().SignerID == m.Info().SignerID && bytes.Equal(e.MessageBytes, m.MessageBytes) {
			return
		}
	}
	l.messages[key] = append(existing, m)
}

// messagesLocked returns the stored messages for (msgType, view, seqNum).
// Caller must hold l.mu.
func (l *MessageLog) messagesLocked(msgType MessageType, view, seqNum uint64) []*ParsedMessage {
	return l.messages[logKey{msgType: msgType, view: view, seqNum: seqNum}]
}

// messagesSnapshot is a locking wrapper around messagesLocked for a single
// (type, view, seq) bucket, for use outside the log's own methods (e.g. by
// handlePrePrepare's acceptance checks).
func (l *MessageLog) messagesSnapshot(msgType MessageType, view, seqNum uint64) []*ParsedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.messagesLocked(msgType, view, seqNum)
}

// GetMessagesOfTypeSeq returns the stored messages of msgType for seqNum
// across all views, for replay. Messages from the same view keep their
// arrival order; the order between views is not defined.
func (l *MessageLog) GetMessagesOfTypeSeq(msgType MessageType, seqNum uint64) []*ParsedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*ParsedMessage
	for k, msgs := range l.messages {
		if k.msgType == msgType && k.seqNum == seqNum {
			out = append(out, msgs...)
		}
	}
	return out
}

// LogHasRequiredMsgs reports whether at least count messages of msgType
// match m on (view, seq) — and, if exactMatch, on block id too — from
// distinct signers.
func (l *MessageLog) LogHasRequiredMsgs(msgType MessageType, m *ParsedMessage, exactMatch bool, count uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	signers := mapset.NewSet[PeerID]()
	for k, msgs := range l.messages {
		if k.msgType != msgType || k.view != m.Info().View || k.seqNum != m.Info().SeqNum {
			continue
		}
		for _, cand := range msgs {
			if exactMatch && cand.Block().BlockID != m.Block().BlockID {
				continue
			}
			signers.Add(cand.Info().SignerID)
		}
	}
	return uint64(signers.Cardinality()) >= count
}

// CheckPrepared reports whether the log contains a matching PrePrepare from
// the primary of info.View, plus >= 2f matching Prepare messages from
// distinct non-primary signers, all agreeing on block id (spec §4.2).
func (l *MessageLog) CheckPrepared(info MessageInfo, f uint64, primaryID PeerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	prePrepares := l.messagesLocked(MsgPrePrepare, info.View, info.SeqNum)
	var blockID BlockID
	found := false
	for _, pp := range prePrepares {
		if pp.Info().SignerID == primaryID {
			blockID = pp.Block().BlockID
			found = true
			break
		}
	}
	if !found {
		return false
	}

	signers := mapset.NewSet[PeerID]()
	for _, p := range l.messagesLocked(MsgPrepare, info.View, info.SeqNum) {
		if p.Info().SignerID == primaryID {
			continue
		}
		if p.Block().BlockID != blockID {
			continue
		}
		signers.Add(p.Info().SignerID)
	}

	return uint64(signers.Cardinality()) >= 2*f
}

// CheckCommittable reports whether CheckPrepared holds and the log also
// contains >= 2f+1 matching Commit messages from distinct signers for the
// same (view, seq, block_id) (spec §4.2).
func (l *MessageLog) CheckCommittable(info MessageInfo, f uint64, primaryID PeerID) bool {
	if !l.CheckPrepared(info, f, primaryID) {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prePrepares := l.messagesLocked(MsgPrePrepare, info.View, info.SeqNum)
	var blockID BlockID
	for _, pp := range prePrepares {
		if pp.Info().SignerID == primaryID {
			blockID = pp.Block().BlockID
			break
		}
	}

	signers := mapset.NewSet[PeerID]()
	for _, c := range l.messagesLocked(MsgCommit, info.View, info.SeqNum) {
		if c.Block().BlockID != blockID {
			continue
		}
		signers.Add(c.Info().SignerID)
	}

	return uint64(signers.Cardinality()) >= 2*f+1
}

// getEnoughMessages returns minVotes messages of msgType for seqNum from
// distinct signers other than excludeID, across all known views, plus the
// number of distinct signers actually found. The returned slice is nil if
// there aren't enough. Used by buildSeal to gather >= 2f Commit votes for
// the previous sequence number "from distinct non-self signers" (spec
// §4.6): excludeID is this node's own id, since a self-vote would be
// redundant with the implicit vote the seal's signer already contributes.
func (l *MessageLog) getEnoughMessages(msgType MessageType, seqNum uint64, minVotes int, excludeID PeerID) ([]*ParsedMessage, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := mapset.NewSet[PeerID]()
	var out []*ParsedMessage
	for k, msgs := range l.messages {
		if k.msgType != msgType || k.seqNum != seqNum {
			continue
		}
		for _, m := range msgs {
			if m.Info().SignerID == excludeID {
				continue
			}
			if seen.Contains(m.Info().SignerID) {
				continue
			}
			seen.Add(m.Info().SignerID)
			out = append(out, m)
			if len(out) >= minVotes {
				return out, len(out)
			}
		}
	}
	if len(out) < minVotes {
		return nil, len(out)
	}
	return out, len(out)
}

// backlogEntry wraps a deferred message for the backlog priority queue
// (spec §4.2 push_backlog/pop_backlog). The ordering key, the message's
// sequence number, is passed to the queue as the priority in PushBacklog.
type backlogEntry struct {
	msg *ParsedMessage
}

// PushBacklog defers a peer message pending its prerequisites (e.g. a
// PrePrepare that arrived before its matching BlockNew).
func (l *MessageLog) PushBacklog(m *ParsedMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Lower sequence numbers are prioritized so the backlog drains in
	// roughly the order messages became relevant.
	l.backlog.Push(&backlogEntry{msg: m}, -float32(m.Info().SeqNum))
}

// PopBacklog removes and returns the next backlog message, or nil if empty.
func (l *MessageLog) PopBacklog() *ParsedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backlog.Empty() {
		return nil
	}
	item := l.backlog.PopItem()
	entry := item.(*backlogEntry)
	return entry.msg
}

// AddConsensusSeal stores the seal this node built or accepted for seqNum.
// blockID is accepted for symmetry with the original API and for future use
// by implementations that want to index seals by block id as well, but
// storage here is keyed by sequence number, matching how build_seal and
// catch-up look seals up (by seq_num, not block_id).
func (l *MessageLog) AddConsensusSeal(blockID BlockID, seqNum uint64, seal Seal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seals.Add(seqNum, seal)
}

// GetConsensusSeal returns the seal stored for seqNum, if any.
func (l *MessageLog) GetConsensusSeal(seqNum uint64) (Seal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.seals.Get(seqNum)
	if !ok {
		return Seal{}, false
	}
	return v.(Seal), true
}

// GarbageCollect discards messages strictly older than committedSeq - k for
// a small retention window k, keeping at least what's needed to build the
// next seal and serve one block of catch-up (spec §4.2, §9).
const retentionWindow = 2

func (l *MessageLog) GarbageCollect(committedSeq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if committedSeq <= retentionWindow {
		return
	}
	floor := committedSeq - retentionWindow

	for k := range l.messages {
		if k.seqNum < floor {
			delete(l.messages, k)
		}
	}
}
