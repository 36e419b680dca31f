package pbft

// Host is the validator service this core consumes (spec §6): block
// proposal, finalization, commit, settings lookup and peer transport are
// all the host's responsibility. The core only ever reaches out through
// this interface; it never assumes anything about how blocks are produced
// or how bytes reach other peers.
type Host interface {
	// InitializeBlock starts building a new block on top of previousID, or
	// the current chain head if previousID is nil.
	InitializeBlock(previousID *BlockID) error

	// SummarizeBlock returns a summary of the block currently being built.
	// An error whose kind is "block not ready" is non-fatal: the caller
	// should treat it as "try again later".
	SummarizeBlock() ([]byte, error)

	// FinalizeBlock finalizes the block currently being built with the
	// given payload (empty for block 1, otherwise a serialized Seal) and
	// returns its id. An error whose kind is "block not ready" is
	// non-fatal.
	FinalizeBlock(payload []byte) (BlockID, error)

	// CancelBlock abandons the block currently being built.
	CancelBlock() error

	// CheckBlocks asks the host to validate the given blocks.
	CheckBlocks(ids []BlockID) error

	// CommitBlock tells the host to commit the given block.
	CommitBlock(id BlockID) error

	// IgnoreBlock tells the host to discard the given block without
	// penalizing its signer.
	IgnoreBlock(id BlockID)

	// FailBlock tells the host to discard the given block and penalize its
	// signer.
	FailBlock(id BlockID)

	// GetBlocks resolves block ids to full Blocks.
	GetBlocks(ids []BlockID) (map[BlockID]Block, error)

	// GetChainHead returns the current chain head.
	GetChainHead() (Block, error)

	// GetSettings reads on-chain settings values as of blockID.
	GetSettings(blockID BlockID, keys []string) (map[string]string, error)

	// Broadcast sends a message to every peer.
	Broadcast(msgType MessageType, payload []byte) error

	// SendTo sends a message to a single peer.
	SendTo(peer PeerID, msgType MessageType, payload []byte) error
}

// ErrBlockNotReady, when wrapped by a Host implementation's FinalizeBlock or
// SummarizeBlock error, is how the host signals "try again later" rather
// than a real failure. Host implementations should wrap it with
// fmt.Errorf("...: %w", pbft.ErrBlockNotReady); Node unwraps with errors.Is.
var ErrBlockNotReady = blockNotReadySentinel{}

// blockNotReadySentinel exists so ErrBlockNotReady has a named, documented
// type distinct from the generic error kinds in errors.go (those describe
// core-internal failures; this one crosses the Host boundary).
type blockNotReadySentinel struct{}

func (blockNotReadySentinel) Error() string { return "pbft: block not ready" }
