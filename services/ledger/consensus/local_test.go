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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
	"github.com/AleutianAI/AleutianLedger/services/ledger/ledger"
)

// fakePeer records deliveries and answers state queries from a map.
type fakePeer struct {
	id        string
	mu        sync.Mutex
	delivered []Proposal
	states    map[contract.HashId]ledger.ItemState
	fail      bool
	onDeliver func(p Proposal)
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id, states: make(map[contract.HashId]ledger.ItemState)}
}

func (f *fakePeer) NodeID() string { return f.id }

func (f *fakePeer) Deliver(_ context.Context, p Proposal) {
	f.mu.Lock()
	f.delivered = append(f.delivered, p)
	cb := f.onDeliver
	f.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

func (f *fakePeer) LocalState(_ context.Context, id contract.HashId) (ledger.ItemState, bool, error) {
	if f.fail {
		return ledger.StateUndefined, false, errors.New("unreachable")
	}
	s, ok := f.states[id]
	return s, ok, nil
}

func (f *fakePeer) deliveries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func newNetwork(t *testing.T, n int) (*LocalNetwork, []*fakePeer) {
	t.Helper()
	ln := NewLocalNetwork()
	t.Cleanup(ln.Close)
	peers := make([]*fakePeer, n)
	for i := range peers {
		peers[i] = newFakePeer(string(rune('a' + i)))
		ln.Join(peers[i])
	}
	return ln, peers
}

func TestQuorumFor(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 2: 2, 3: 2, 4: 3, 5: 4, 6: 4, 10: 7}
	for n, want := range cases {
		assert.Equal(t, want, QuorumFor(n), "n=%d", n)
	}
}

func TestVote_AcceptsAtQuorum(t *testing.T) {
	ln, _ := newNetwork(t, 4)
	id := contract.RandomHashId()
	assert.Equal(t, 3, ln.Quorum())

	require.NoError(t, ln.Vote("a", id, true))
	require.NoError(t, ln.Vote("b", id, true))
	assert.Equal(t, VerdictUnknown, ln.Verdict(id))

	// repeated votes from one node count once
	require.NoError(t, ln.Vote("b", id, true))
	assert.Equal(t, VerdictUnknown, ln.Verdict(id))

	require.NoError(t, ln.Vote("c", id, true))
	assert.Equal(t, VerdictAccepted, ln.Verdict(id))

	v, err := ln.Await(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, VerdictAccepted, v)
}

func TestVote_RejectsWhenQuorumUnreachable(t *testing.T) {
	ln, _ := newNetwork(t, 4)
	id := contract.RandomHashId()

	require.NoError(t, ln.Vote("a", id, false))
	assert.Equal(t, VerdictUnknown, ln.Verdict(id))
	require.NoError(t, ln.Vote("b", id, false))
	assert.Equal(t, VerdictRejected, ln.Verdict(id))

	// late votes do not flip a verdict
	require.NoError(t, ln.Vote("c", id, true))
	require.NoError(t, ln.Vote("d", id, true))
	assert.Equal(t, VerdictRejected, ln.Verdict(id))
}

func TestVote_UnknownNode(t *testing.T) {
	ln, _ := newNetwork(t, 1)
	err := ln.Vote("zz", contract.RandomHashId(), true)
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestAwait_WakesAllWaiters(t *testing.T) {
	ln, _ := newNetwork(t, 3)
	id := contract.RandomHashId()

	const waiters = 5
	results := make(chan Verdict, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			v, err := ln.Await(context.Background(), id)
			if err != nil {
				results <- VerdictUnknown
				return
			}
			results <- v
		}()
	}
	require.NoError(t, ln.Vote("a", id, true))
	require.NoError(t, ln.Vote("b", id, true))

	for i := 0; i < waiters; i++ {
		select {
		case v := <-results:
			assert.Equal(t, VerdictAccepted, v)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter not woken")
		}
	}
}

func TestAwait_Timeout(t *testing.T) {
	ln, _ := newNetwork(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ln.Await(ctx, contract.RandomHashId())
	assert.ErrorIs(t, err, ErrConsensusTimeout)
}

func TestPropose_DeliversOnceToOthers(t *testing.T) {
	ln, peers := newNetwork(t, 3)
	id := contract.RandomHashId()

	var wg sync.WaitGroup
	wg.Add(2)
	for _, p := range peers[1:] {
		p.onDeliver = func(Proposal) { wg.Done() }
	}

	p := Proposal{ID: id, From: "a", Packed: []byte("x"), QuantaLimit: 10}
	require.NoError(t, ln.Propose(context.Background(), p))
	require.NoError(t, ln.Propose(context.Background(), Proposal{ID: id, From: "b"}))
	wg.Wait()

	assert.Equal(t, 0, peers[0].deliveries())
	assert.Equal(t, 1, peers[1].deliveries())
	assert.Equal(t, 1, peers[2].deliveries())
	assert.Equal(t, 10, peers[1].delivered[0].QuantaLimit)

	err := ln.Propose(context.Background(), Proposal{ID: contract.RandomHashId(), From: "nobody"})
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestPropose_PeersVoteToVerdict(t *testing.T) {
	ln, peers := newNetwork(t, 4)
	for _, p := range peers[1:] {
		p.onDeliver = func(pr Proposal) {
			_ = ln.Vote(p.id, pr.ID, true)
		}
	}
	id := contract.RandomHashId()
	require.NoError(t, ln.Propose(context.Background(), Proposal{ID: id, From: "a"}))
	require.NoError(t, ln.Vote("a", id, true))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := ln.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, VerdictAccepted, v)
}

func TestQueryState(t *testing.T) {
	id := contract.RandomHashId()

	t.Run("majority terminal", func(t *testing.T) {
		ln, peers := newNetwork(t, 4)
		peers[1].states[id] = ledger.StateApproved
		peers[2].states[id] = ledger.StateApproved
		peers[3].states[id] = ledger.StatePendingPositive
		state, resolved, err := ln.QueryState(context.Background(), "a", id)
		require.NoError(t, err)
		assert.True(t, resolved)
		assert.Equal(t, ledger.StateApproved, state)
	})

	t.Run("no majority", func(t *testing.T) {
		ln, peers := newNetwork(t, 4)
		peers[1].states[id] = ledger.StateApproved
		peers[2].states[id] = ledger.StateDeclined
		peers[3].states[id] = ledger.StatePendingPositive
		_, resolved, err := ln.QueryState(context.Background(), "a", id)
		require.NoError(t, err)
		assert.False(t, resolved)
	})

	t.Run("unknown everywhere", func(t *testing.T) {
		ln, _ := newNetwork(t, 3)
		state, resolved, err := ln.QueryState(context.Background(), "a", id)
		require.NoError(t, err)
		assert.True(t, resolved)
		assert.Equal(t, ledger.StateUndefined, state)
	})

	t.Run("lone node resolves as unknown", func(t *testing.T) {
		ln, _ := newNetwork(t, 1)
		state, resolved, err := ln.QueryState(context.Background(), "a", id)
		require.NoError(t, err)
		assert.True(t, resolved)
		assert.Equal(t, ledger.StateUndefined, state)
	})

	t.Run("failed peers are skipped", func(t *testing.T) {
		ln, peers := newNetwork(t, 4)
		peers[1].fail = true
		peers[2].states[id] = ledger.StateDeclined
		peers[3].states[id] = ledger.StateDeclined
		state, resolved, err := ln.QueryState(context.Background(), "a", id)
		require.NoError(t, err)
		assert.True(t, resolved)
		assert.Equal(t, ledger.StateDeclined, state)
	})
}

func TestClose_WakesWaiters(t *testing.T) {
	ln := NewLocalNetwork()
	ln.Join(newFakePeer("a"))
	done := make(chan error, 1)
	go func() {
		_, err := ln.Await(context.Background(), contract.RandomHashId())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	ln.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNetworkClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not woken by Close")
	}
	assert.ErrorIs(t, ln.Propose(context.Background(), Proposal{From: "a"}), ErrNetworkClosed)
}
