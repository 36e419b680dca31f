// Package pbft implements the consensus core of a Practical Byzantine Fault
// Tolerance engine that plugs into a host blockchain validator.
//
// The host owns block production, persistence, and peer transport; this
// package owns only the consensus decision: given a candidate block, it
// decides whether and when that block becomes the next committed block,
// using a three-phase voting protocol (PrePrepare/Prepare/Commit) tolerant
// to up to f = floor((n-1)/3) Byzantine participants, with view-change
// recovery when a primary appears faulty.
//
// Callers build a State from a PbftConfig with NewState, construct a Node
// from a Host implementation, a MessageLog and that State, then drive it by
// calling OnBlockNew, OnPeerMessage, OnBlockValid, OnBlockCommit,
// TryPublish, RetryBacklog and CheckFaultyPrimaryTimeoutExpired from a single
// event loop. See Node for the full contract.
package pbft
