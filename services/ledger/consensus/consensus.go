// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package consensus defines how a node learns the network's verdict on an
// item and ships an in-process network used by tests and single-host
// deployments.
//
// A node proposes an item it has locked, casts its own vote and then waits
// for the verdict. Other nodes receive the proposal, run their own
// validation and vote. The item is accepted once a quorum of positive votes
// is reached and rejected as soon as that quorum becomes unreachable.
package consensus

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
	"github.com/AleutianAI/AleutianLedger/services/ledger/ledger"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrConsensusTimeout is returned by Await when the context ends first.
	ErrConsensusTimeout = errors.New("consensus timeout")

	// ErrUnknownNode is returned when a vote or proposal names a node that
	// has not joined.
	ErrUnknownNode = errors.New("unknown node")

	// ErrNetworkClosed is returned after Close.
	ErrNetworkClosed = errors.New("network closed")
)

// =============================================================================
// Types
// =============================================================================

// Verdict is the network's decision on an item.
type Verdict int

const (
	// VerdictUnknown means no quorum has formed yet.
	VerdictUnknown Verdict = iota

	// VerdictAccepted means a quorum voted positive.
	VerdictAccepted

	// VerdictRejected means a positive quorum can no longer be reached.
	VerdictRejected
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case VerdictAccepted:
		return "accepted"
	case VerdictRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Proposal carries an item to the other nodes.
type Proposal struct {
	// ID is the item id.
	ID contract.HashId

	// From is the proposing node.
	From string

	// Packed is the packed transaction.
	Packed []byte

	// QuantaLimit is the cost limit the proposer validated under. Parcel
	// payloads are funded above the node default.
	QuantaLimit int

	// Trace is the proposer's propagated trace context.
	Trace map[string]string
}

// Peer is a node as seen by the network.
type Peer interface {
	// NodeID returns the unique node name.
	NodeID() string

	// Deliver hands a proposal from another node to this one. The peer
	// validates it and votes. Implementations may block until done.
	Deliver(ctx context.Context, p Proposal)

	// LocalState returns this peer's ledger state for id. found is false
	// when the peer has no record.
	LocalState(ctx context.Context, id contract.HashId) (state ledger.ItemState, found bool, err error)
}

// Network is the consensus collaborator of a node.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Network interface {
	// Join adds a peer. Joining twice replaces the earlier registration.
	Join(peer Peer)

	// Leave removes a peer. Its votes already cast still count.
	Leave(nodeID string)

	// Propose opens voting on p.ID. Only the first proposal for an id is
	// delivered to the other nodes.
	Propose(ctx context.Context, p Proposal) error

	// Vote records a node's vote. Only a node's first vote counts.
	Vote(nodeID string, id contract.HashId, positive bool) error

	// Await blocks until the verdict is known or ctx ends, in which case
	// it returns ErrConsensusTimeout.
	Await(ctx context.Context, id contract.HashId) (Verdict, error)

	// Verdict returns a verdict that is already known, without blocking.
	Verdict(id contract.HashId) Verdict

	// QueryState asks every node except from for its ledger state of id.
	// resolved is true when a majority of the answers agree on a terminal
	// state, or agree the item is unknown (state is then StateUndefined).
	QueryState(ctx context.Context, from string, id contract.HashId) (state ledger.ItemState, resolved bool, err error)

	// Nodes returns the ids of the joined nodes.
	Nodes() []string

	// Quorum returns the number of positive votes needed to accept.
	Quorum() int
}

// QuorumFor returns ceil(2n/3), the positive votes needed among n nodes.
func QuorumFor(n int) int {
	if n <= 0 {
		return 0
	}
	return (2*n + 2) / 3
}
