// Command pbft-harness runs an in-memory network of PBFT nodes end to end,
// without a real validator behind them. It exercises the engine's
// normal-case commit path, including seal building and verification from
// the second block on, the way consensus/pbft's own tests do, but as a
// standalone program an operator can point logging and flags at. Every
// node sees each block at its own sequence number, so catch-up is not
// exercised.
package main

import (
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/hyperledger-labs/sawtooth-pbft-go/consensus/pbft"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "pbft-harness",
		Usage: "drive an in-memory PBFT network through a fixed number of blocks",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "peers", Value: 4, Usage: "number of simulated validators"},
			&cli.IntFlag{Name: "blocks", Value: 3, Usage: "number of blocks to commit before exiting"},
			&cli.BoolFlag{Name: "verbose", Usage: "enable debug logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level := log.LvlInfo
	if c.Bool("verbose") {
		level = log.LvlDebug
	}
	log.Root().SetHandler(log.LvlFilterHandler(level, log.StreamHandler(os.Stderr, log.TerminalFormat(true))))

	numPeers := c.Int("peers")
	numBlocks := c.Int("blocks")
	if numPeers < 4 {
		return fmt.Errorf("pbft-harness: need at least 4 peers to tolerate a fault, got %d", numPeers)
	}

	ids, privs, err := generateKeys(numPeers)
	if err != nil {
		return err
	}
	cfg := pbft.PbftConfig{Peers: ids, ForcedViewChangePeriod: 0}

	net := newNetwork(ids, privs)
	var (
		nodes  []*pbft.Node
		states []*pbft.State
	)
	for i, id := range ids {
		state := pbft.NewState(id, 0, cfg)
		msgLog := pbft.NewMessageLog()
		node := pbft.NewNode(net.hosts[i], msgLog, state)
		nodes = append(nodes, node)
		states = append(states, state)
	}

	for round := 1; round <= numBlocks; round++ {
		if err := runRound(net, nodes, states, round); err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
	}

	log.Info("harness finished", "blocks_committed", numBlocks, "peers", numPeers)
	for i, node := range nodes {
		snap := node.Metrics().Snapshot()
		log.Info("node summary", "peer", ids[i].Short(), "blocks_committed", snap.BlocksCommitted, "seals_verified", snap.SealsVerified)
	}
	return nil
}

// runRound drives one full block through InitializeBlock -> TryPublish ->
// OnBlockNew -> three-phase voting -> OnBlockValid -> OnBlockCommit across
// every simulated peer (spec §8, "Normal-case commit, n = 4").
func runRound(net *network, nodes []*pbft.Node, states []*pbft.State, round int) error {
	var produced *pbft.Block
	for i, node := range nodes {
		if err := node.TryPublish(states[i]); err != nil {
			return fmt.Errorf("TryPublish: %w", err)
		}
		if net.hosts[i].lastFinalized != nil {
			produced = net.hosts[i].lastFinalized
			net.hosts[i].lastFinalized = nil
		}
	}
	if produced == nil {
		return fmt.Errorf("no primary finalized a block this round")
	}
	log.Info("block finalized", "round", round, "id", produced.BlockID.Short(), "signer", produced.SignerID.Short())

	for i, node := range nodes {
		if err := node.OnBlockNew(*produced, states[i]); err != nil {
			return fmt.Errorf("node %d OnBlockNew: %w", i, err)
		}
	}
	net.pump(nodes, states)

	for i, node := range nodes {
		if states[i].Phase == pbft.Checking {
			if err := node.OnBlockValid(produced.BlockID, states[i]); err != nil {
				return fmt.Errorf("node %d OnBlockValid: %w", i, err)
			}
		}
	}
	net.pump(nodes, states)

	for i, node := range nodes {
		if err := node.OnBlockCommit(produced.BlockID, states[i]); err != nil {
			return fmt.Errorf("node %d OnBlockCommit: %w", i, err)
		}
	}
	return nil
}

// generateKeys creates one secp256k1 keypair per simulated peer. The
// private keys are kept (not just their public ids) so network.signHeader
// can produce real, verifiable signatures over every relayed message.
func generateKeys(n int) ([]pbft.PeerID, []*btcec.PrivateKey, error) {
	ids := make([]pbft.PeerID, n)
	privs := make([]*btcec.PrivateKey, n)
	for i := range ids {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, nil, fmt.Errorf("generating peer key %d: %w", i, err)
		}
		ids[i] = pbft.PeerID(priv.PubKey().SerializeCompressed())
		privs[i] = priv
	}
	return ids, privs, nil
}
