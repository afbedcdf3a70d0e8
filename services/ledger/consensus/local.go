// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
	"github.com/AleutianAI/AleutianLedger/services/ledger/ledger"
)

const (
	defaultMaxDeliveries = 64
	defaultRetention     = 10 * time.Minute
)

// poll is the vote tally of one item.
type poll struct {
	positive map[string]bool
	negative map[string]bool
	proposed bool
	verdict  Verdict
	done     chan struct{}
	closedAt time.Time
}

func newPoll() *poll {
	return &poll{
		positive: make(map[string]bool),
		negative: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

func (p *poll) voted(nodeID string) bool {
	return p.positive[nodeID] || p.negative[nodeID]
}

// LocalNetworkOption configures a LocalNetwork.
type LocalNetworkOption func(*LocalNetwork)

// WithMaxDeliveries bounds concurrent proposal deliveries.
func WithMaxDeliveries(n int64) LocalNetworkOption {
	return func(ln *LocalNetwork) {
		if n > 0 {
			ln.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithRetention sets how long finished polls are kept for late readers.
func WithRetention(d time.Duration) LocalNetworkOption {
	return func(ln *LocalNetwork) {
		if d > 0 {
			ln.retention = d
		}
	}
}

// WithNetworkLogger sets the logger.
func WithNetworkLogger(logger *slog.Logger) LocalNetworkOption {
	return func(ln *LocalNetwork) { ln.logger = logger }
}

// LocalNetwork is an in-process Network.
//
// # Description
//
// Votes are tallied per item. A poll's done channel is closed exactly once
// when its verdict becomes known, so any number of waiters wake without
// polling. Proposals are delivered to the other peers on background
// goroutines bounded by a semaphore.
//
// # Thread Safety
//
// Safe for concurrent use.
type LocalNetwork struct {
	mu        sync.Mutex
	peers     map[string]Peer
	polls     map[contract.HashId]*poll
	sem       *semaphore.Weighted
	retention time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalNetwork creates an empty network.
func NewLocalNetwork(opts ...LocalNetworkOption) *LocalNetwork {
	ctx, cancel := context.WithCancel(context.Background())
	ln := &LocalNetwork{
		peers:     make(map[string]Peer),
		polls:     make(map[contract.HashId]*poll),
		sem:       semaphore.NewWeighted(defaultMaxDeliveries),
		retention: defaultRetention,
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(ln)
	}
	ln.logger = ln.logger.With(slog.String("component", "consensus"))
	return ln
}

// Join implements Network.
func (ln *LocalNetwork) Join(peer Peer) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.peers[peer.NodeID()] = peer
}

// Leave implements Network.
func (ln *LocalNetwork) Leave(nodeID string) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	delete(ln.peers, nodeID)
}

// Nodes implements Network.
func (ln *LocalNetwork) Nodes() []string {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ids := make([]string, 0, len(ln.peers))
	for id := range ln.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Quorum implements Network.
func (ln *LocalNetwork) Quorum() int {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return QuorumFor(len(ln.peers))
}

// pollLocked returns the poll for id, creating it. Caller holds mu.
func (ln *LocalNetwork) pollLocked(id contract.HashId) *poll {
	p, ok := ln.polls[id]
	if !ok {
		ln.pruneLocked()
		p = newPoll()
		ln.polls[id] = p
	}
	return p
}

func (ln *LocalNetwork) pruneLocked() {
	cutoff := time.Now().Add(-ln.retention)
	for id, p := range ln.polls {
		if p.verdict != VerdictUnknown && p.closedAt.Before(cutoff) {
			delete(ln.polls, id)
		}
	}
}

// Propose implements Network.
func (ln *LocalNetwork) Propose(ctx context.Context, p Proposal) error {
	if err := ln.ctx.Err(); err != nil {
		return ErrNetworkClosed
	}
	ln.mu.Lock()
	if _, ok := ln.peers[p.From]; !ok {
		ln.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, p.From)
	}
	pl := ln.pollLocked(p.ID)
	if pl.proposed {
		ln.mu.Unlock()
		return nil
	}
	pl.proposed = true
	targets := make([]Peer, 0, len(ln.peers))
	for id, peer := range ln.peers {
		if id != p.From {
			targets = append(targets, peer)
		}
	}
	ln.mu.Unlock()

	for _, peer := range targets {
		ln.wg.Add(1)
		go ln.deliver(peer, p)
	}
	return nil
}

func (ln *LocalNetwork) deliver(peer Peer, p Proposal) {
	defer ln.wg.Done()
	if err := ln.sem.Acquire(ln.ctx, 1); err != nil {
		return
	}
	defer ln.sem.Release(1)
	peer.Deliver(ln.ctx, p)
}

// Vote implements Network.
func (ln *LocalNetwork) Vote(nodeID string, id contract.HashId, positive bool) error {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if _, ok := ln.peers[nodeID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	p := ln.pollLocked(id)
	if p.voted(nodeID) || p.verdict != VerdictUnknown {
		return nil
	}
	if positive {
		p.positive[nodeID] = true
	} else {
		p.negative[nodeID] = true
	}

	n := len(ln.peers)
	quorum := QuorumFor(n)
	switch {
	case len(p.positive) >= quorum:
		ln.closeLocked(id, p, VerdictAccepted)
	case len(p.negative) > n-quorum:
		ln.closeLocked(id, p, VerdictRejected)
	}
	return nil
}

func (ln *LocalNetwork) closeLocked(id contract.HashId, p *poll, v Verdict) {
	p.verdict = v
	p.closedAt = time.Now()
	close(p.done)
	ln.logger.Debug("consensus reached",
		slog.String("item_id", id.Short()),
		slog.String("verdict", v.String()),
		slog.Int("positive", len(p.positive)),
		slog.Int("negative", len(p.negative)))
}

// Await implements Network.
func (ln *LocalNetwork) Await(ctx context.Context, id contract.HashId) (Verdict, error) {
	ln.mu.Lock()
	p := ln.pollLocked(id)
	ln.mu.Unlock()

	select {
	case <-p.done:
		return p.verdict, nil
	case <-ctx.Done():
		return VerdictUnknown, fmt.Errorf("%w: %s: %v", ErrConsensusTimeout, id.Short(), ctx.Err())
	case <-ln.ctx.Done():
		return VerdictUnknown, ErrNetworkClosed
	}
}

// Verdict implements Network.
func (ln *LocalNetwork) Verdict(id contract.HashId) Verdict {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if p, ok := ln.polls[id]; ok {
		return p.verdict
	}
	return VerdictUnknown
}

// QueryState implements Network.
//
// # Description
//
// Asks every other joined node in parallel. Peers that fail to answer are
// left out of the tally. The answer is resolved when more than half of the
// answering peers report the same terminal state, or more than half report
// no record at all.
func (ln *LocalNetwork) QueryState(ctx context.Context, from string, id contract.HashId) (ledger.ItemState, bool, error) {
	ln.mu.Lock()
	targets := make([]Peer, 0, len(ln.peers))
	for nodeID, peer := range ln.peers {
		if nodeID != from {
			targets = append(targets, peer)
		}
	}
	ln.mu.Unlock()

	type answer struct {
		state ledger.ItemState
		found bool
		ok    bool
	}
	answers := make([]answer, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, peer := range targets {
		g.Go(func() error {
			state, found, err := peer.LocalState(gctx, id)
			if err != nil {
				ln.logger.Warn("state query failed",
					slog.String("peer", peer.NodeID()),
					slog.String("item_id", id.Short()),
					slog.String("error", err.Error()))
				return nil
			}
			answers[i] = answer{state: state, found: found, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ledger.StateUndefined, false, err
	}
	if err := ctx.Err(); err != nil {
		return ledger.StateUndefined, false, err
	}

	answered := 0
	unknown := 0
	tally := make(map[ledger.ItemState]int)
	for _, a := range answers {
		if !a.ok {
			continue
		}
		answered++
		switch {
		case !a.found || a.state == ledger.StateUndefined:
			unknown++
		case a.state.IsTerminal():
			tally[a.state]++
		}
	}
	// With no other nodes nobody knows the item, so a lone node forgets it.
	if answered == 0 {
		return ledger.StateUndefined, len(targets) == 0, nil
	}
	for state, n := range tally {
		if 2*n > answered {
			return state, true, nil
		}
	}
	if 2*unknown > answered {
		return ledger.StateUndefined, true, nil
	}
	return ledger.StateUndefined, false, nil
}

// Close stops deliveries and wakes every waiter with ErrNetworkClosed.
func (ln *LocalNetwork) Close() {
	ln.cancel()
	ln.wg.Wait()
}

var _ Network = (*LocalNetwork)(nil)
