// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianLedger/services/ledger/consensus"
	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
	"github.com/AleutianAI/AleutianLedger/services/ledger/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledger/quantiser"
	"github.com/AleutianAI/AleutianLedger/services/ledger/telemetry"
)

// errLocksRejected aborts the lock transaction so nothing it wrote is kept.
var errLocksRejected = errors.New("inputs cannot be locked")

// =============================================================================
// Client entry points
// =============================================================================

// RegisterItem submits a packed transaction for approval.
//
// # Description
//
// Decodes the pack and runs the approval pipeline under MaxQuanta.
// Submitting an id the node already knows returns its current state
// without validating again. Processing continues in the background when
// ctx ends first; the result then reflects the state at that moment,
// usually PENDING_POSITIVE.
//
// # Outputs
//
//   - ItemResult: state and diagnostics of the root item.
//   - error: ErrNotReady, ErrClosed, a decode error, or a ledger failure.
//     A declined item is not an error.
func (n *Node) RegisterItem(ctx context.Context, packed []byte) (ItemResult, error) {
	if err := n.admit(); err != nil {
		return ItemResult{}, err
	}
	tp, err := contract.DecodeTransactionPack(packed)
	if err != nil {
		return ItemResult{}, fmt.Errorf("decode item: %w", err)
	}
	return n.register(ctx, tp, n.cfg.MaxQuanta, true)
}

// RegisterContract packs a sealed contract and submits it.
func (n *Node) RegisterContract(ctx context.Context, c *contract.Contract) (ItemResult, error) {
	packed, err := c.PackTransaction()
	if err != nil {
		return ItemResult{}, err
	}
	return n.RegisterItem(ctx, packed)
}

// Deliver implements consensus.Peer. The proposal is validated like a
// client submission, except that it is not proposed again. A node that is
// not ready ignores proposals and lets the others decide.
func (n *Node) Deliver(ctx context.Context, p consensus.Proposal) {
	if !n.ready.Load() || n.sanitating.Load() {
		return
	}
	ctx = telemetry.ExtractFromMap(ctx, p.Trace)
	tp, err := contract.DecodeTransactionPack(p.Packed)
	if err != nil || tp.Contract().ID() != p.ID {
		n.logger.Warn("undecodable proposal",
			slog.String("from", p.From),
			slog.String("item_id", p.ID.Short()))
		_ = n.network.Vote(n.cfg.ID, p.ID, false)
		return
	}

	res, err := n.register(ctx, tp, n.proposalLimit(p.QuantaLimit), false)
	if err != nil {
		n.logger.Debug("proposal not processed",
			slog.String("item_id", p.ID.Short()),
			slog.String("error", err.Error()))
		return
	}
	// Records that already existed were not voted on by register.
	switch {
	case res.State.IsApproved(), res.State == ledger.StateRevoked, res.State == ledger.StatePendingPositive:
		_ = n.network.Vote(n.cfg.ID, p.ID, true)
	case res.State == ledger.StateDeclined, res.State == ledger.StatePendingNegative:
		_ = n.network.Vote(n.cfg.ID, p.ID, false)
	}
}

// register runs process once per id, however many callers submit it.
func (n *Node) register(ctx context.Context, tp *contract.TransactionPack, limit int, propose bool) (ItemResult, error) {
	id := tp.Contract().ID()
	ch := n.flights.DoChan(string(id[:]), func() (any, error) {
		if !n.enter() {
			return nil, ErrClosed
		}
		defer n.leave()
		n.markInFlight(id)
		defer n.clearInFlight(id)

		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.cfg.ConsensusTimeout)
		defer cancel()
		stop := context.AfterFunc(n.ctx, cancel)
		defer stop()
		return n.process(wctx, tp, limit, propose)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return ItemResult{}, r.Err
		}
		return r.Val.(ItemResult), nil
	case <-ctx.Done():
		return n.CheckItem(context.WithoutCancel(ctx), id)
	}
}

// =============================================================================
// Pipeline
// =============================================================================

// process drives one item from UNDEFINED to a verdict.
func (n *Node) process(ctx context.Context, tp *contract.TransactionPack, limit int, propose bool) (ItemResult, error) {
	item := tp.Contract()
	id := item.ID()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanRegister, trace.WithAttributes(
		attribute.String("item_id", id.Short()),
		attribute.String("node", n.cfg.ID),
		attribute.Bool("proposer", propose),
	))
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, n.logger).With(slog.String("item_id", id.Short()))

	rec, started, err := n.begin(ctx, item)
	if err != nil {
		telemetry.RecordError(span, err)
		return ItemResult{}, err
	}
	if !started {
		return n.resultFor(ctx, rec), nil
	}
	n.stats.registered.Add(1)

	if err := n.ledger.PutItem(ctx, id, tp.Pack(), n.cfg.ItemRetention); err != nil {
		logger.Warn("storing packed item failed", slog.String("error", err.Error()))
	}
	n.items.Put(id, item)

	if errs := n.validate(ctx, tp, limit); len(errs) > 0 {
		logger.Info("item failed validation", slog.Int("errors", len(errs)))
		return n.decline(ctx, id, errs)
	}

	errs, err := n.lock(ctx, id, newLockPlan(item))
	if err != nil {
		telemetry.RecordError(span, err)
		return ItemResult{}, err
	}
	if len(errs) > 0 {
		logger.Info("item inputs unavailable", slog.String("reason", string(errs[0].Kind)))
		return n.decline(ctx, id, errs)
	}

	verdict, err := n.vote(ctx, tp, limit, propose)
	if err != nil {
		// Locks stay in place; sanitation settles the item later.
		logger.Warn("no verdict, item stays pending", slog.String("error", err.Error()))
		return n.CheckItem(context.WithoutCancel(ctx), id)
	}

	rec, err = n.commit(ctx, id, verdict == consensus.VerdictAccepted, false)
	if err != nil {
		telemetry.RecordError(span, err)
		return ItemResult{}, err
	}
	telemetry.SetSpanOK(span)
	logger.Debug("item resolved", slog.String("state", rec.State.String()))
	return n.resultFor(ctx, rec), nil
}

// begin moves a new record from UNDEFINED to PENDING. started is false
// when the record already had a state, which the caller reports as is.
func (n *Node) begin(ctx context.Context, item *contract.Contract) (rec *ledger.StateRecord, started bool, err error) {
	id := item.ID()
	err = n.ledger.Update(ctx, func(tx ledger.Tx) error {
		r, err := tx.FindOrCreate(id)
		if err != nil {
			return err
		}
		rec, started = r, false
		if r.State != ledger.StateUndefined {
			return nil
		}
		r.State = ledger.StatePending
		r.ExpiresAt = item.ExpiresAt().UTC()
		started = true
		return tx.Save(r)
	})
	if errors.Is(err, ledger.ErrStateConflict) {
		rec, err = n.ledger.Get(ctx, id)
		return rec, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("begin %s: %w", id.Short(), err)
	}
	return rec, started, nil
}

// validate runs the structural check under a fresh quantiser session.
func (n *Node) validate(ctx context.Context, tp *contract.TransactionPack, limit int) []contract.ErrorRecord {
	_, span := telemetry.StartSpan(ctx, telemetry.SpanValidate)
	defer span.End()

	q := quantiser.NewWithLimit(limit)
	errs, err := tp.Contract().Check(contract.CheckContext{Quantiser: q, Now: n.now(), Pack: tp})
	q.FinishCalculation()

	telemetry.QuantaSpent.WithLabelValues(n.cfg.ID).Observe(float64(q.QuantaSum()))
	span.SetAttributes(
		attribute.Int("quanta_spent", q.QuantaSum()),
		attribute.Int("quanta_limit", limit),
		attribute.Int("errors", len(errs)),
	)
	if err != nil {
		if errors.Is(err, quantiser.ErrCostLimit) {
			telemetry.QuantiserOverflows.WithLabelValues(n.cfg.ID).Inc()
		}
		telemetry.RecordError(span, err)
		if len(errs) == 0 {
			errs = append(errs, contract.NewErrorRecord(contract.ErrorFailedCheck, tp.Contract().ID().String(), err.Error()))
		}
	}
	return errs
}

// lockPlan lists what an item's approval consumes and creates.
type lockPlan struct {
	revoking []contract.HashId
	created  []contract.HashId
	expires  map[contract.HashId]time.Time
}

// newLockPlan walks root and its new items, recursively.
func newLockPlan(root *contract.Contract) lockPlan {
	p := lockPlan{expires: make(map[contract.HashId]time.Time)}
	seen := map[contract.HashId]bool{root.ID(): true}
	members := []*contract.Contract{root}
	var walk func(c *contract.Contract)
	walk = func(c *contract.Contract) {
		for _, ni := range c.NewItems() {
			if seen[ni.ID()] {
				continue
			}
			seen[ni.ID()] = true
			p.created = append(p.created, ni.ID())
			p.expires[ni.ID()] = ni.ExpiresAt().UTC()
			members = append(members, ni)
			walk(ni)
		}
	}
	walk(root)

	revoked := make(map[contract.HashId]bool)
	for _, c := range members {
		for _, rid := range c.RevokingIDs() {
			if seen[rid] || revoked[rid] {
				continue
			}
			revoked[rid] = true
			p.revoking = append(p.revoking, rid)
		}
	}
	return p
}

// lock takes every input and output of the item in one ledger update.
//
// # Description
//
// Revoked items must be APPROVED and become LOCKED; new items must be
// unknown and become LOCKED_FOR_CREATION; the item itself moves to
// PENDING_POSITIVE. Any conflict aborts the whole update without waiting,
// so two revisions of one parent can never both hold it.
//
// # Outputs
//
//   - []contract.ErrorRecord: why the inputs could not be taken. Empty on
//     success.
//   - error: ledger failures only.
func (n *Node) lock(ctx context.Context, id contract.HashId, plan lockPlan) ([]contract.ErrorRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanLock, trace.WithAttributes(
		attribute.Int("revoking", len(plan.revoking)),
		attribute.Int("new_items", len(plan.created)),
	))
	defer span.End()

	var errs []contract.ErrorRecord
	err := n.ledger.Update(ctx, func(tx ledger.Tx) error {
		errs = errs[:0]
		self, err := tx.Get(id)
		if err != nil {
			return err
		}
		if self.State != ledger.StatePending {
			return fmt.Errorf("%w: %s is %s", ledger.ErrStateConflict, id.Short(), self.State)
		}

		for _, rid := range plan.revoking {
			r, err := tx.Get(rid)
			if errors.Is(err, ledger.ErrNotFound) {
				errs = append(errs, contract.NewErrorRecord(contract.ErrorBadRevoke, rid.String(), "revoking item is not approved"))
				continue
			}
			if err != nil {
				return err
			}
			switch {
			case r.State == ledger.StateApproved:
				r.State = ledger.StateLocked
				r.LockedByRecordID = self.RecordID
				if err := tx.Save(r); err != nil {
					return err
				}
			case r.State == ledger.StateLocked && r.LockedByRecordID == self.RecordID:
			case r.State == ledger.StateLocked:
				errs = append(errs, contract.NewErrorRecord(contract.ErrorLocked, rid.String(), "revoking item is locked by another transaction"))
			default:
				errs = append(errs, contract.NewErrorRecord(contract.ErrorBadRevoke, rid.String(), "revoking item is "+r.State.String()))
			}
		}

		for _, nid := range plan.created {
			r, err := tx.FindOrCreate(nid)
			if err != nil {
				return err
			}
			if r.State != ledger.StateUndefined {
				errs = append(errs, contract.NewErrorRecord(contract.ErrorNewItemExists, nid.String(), "new item already exists as "+r.State.String()))
				continue
			}
			r.State = ledger.StateLockedForCreation
			r.LockedByRecordID = self.RecordID
			r.ExpiresAt = plan.expires[nid]
			if err := tx.Save(r); err != nil {
				return err
			}
		}

		if len(errs) > 0 {
			return errLocksRejected
		}
		self.State = ledger.StatePendingPositive
		return tx.Save(self)
	})

	switch {
	case errors.Is(err, errLocksRejected):
		if contract.HasKind(errs, contract.ErrorLocked) || contract.HasKind(errs, contract.ErrorNewItemExists) {
			telemetry.LockConflicts.WithLabelValues(n.cfg.ID).Inc()
		}
		return errs, nil
	case errors.Is(err, ledger.ErrStateConflict):
		telemetry.LockConflicts.WithLabelValues(n.cfg.ID).Inc()
		return []contract.ErrorRecord{
			contract.NewErrorRecord(contract.ErrorLocked, id.String(), "a concurrent transaction holds an input"),
		}, nil
	case err != nil:
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("lock %s: %w", id.Short(), err)
	}
	return nil, nil
}

// decline makes the item DECLINED, records why and votes against it.
func (n *Node) decline(ctx context.Context, id contract.HashId, errs []contract.ErrorRecord) (ItemResult, error) {
	ctx = context.WithoutCancel(ctx)
	rec, err := n.ledger.Transition(ctx, id, ledger.StatePending, ledger.StateDeclined)
	if err != nil {
		return ItemResult{}, fmt.Errorf("decline %s: %w", id.Short(), err)
	}
	n.errs.Put(id, errs)
	n.errs.Wait()
	if err := n.network.Vote(n.cfg.ID, id, false); err != nil {
		n.logger.Debug("negative vote not recorded", slog.String("error", err.Error()))
	}
	n.stats.declined.Add(1)
	telemetry.ItemVerdicts.WithLabelValues(n.cfg.ID, ledger.StateDeclined.String()).Inc()
	n.notify(id)

	res := n.resultFor(ctx, rec)
	res.Errors = errs
	return res, nil
}

// vote proposes the item when it came from a client, votes for it and
// waits for the verdict.
func (n *Node) vote(ctx context.Context, tp *contract.TransactionPack, limit int, propose bool) (consensus.Verdict, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanConsensus)
	defer span.End()
	id := tp.Contract().ID()

	if propose {
		err := n.network.Propose(ctx, consensus.Proposal{
			ID:          id,
			From:        n.cfg.ID,
			Packed:      tp.Pack(),
			QuantaLimit: limit,
			Trace:       telemetry.InjectToMap(ctx),
		})
		if err != nil {
			telemetry.RecordError(span, err)
			return consensus.VerdictUnknown, fmt.Errorf("propose: %w", err)
		}
	}
	if err := n.network.Vote(n.cfg.ID, id, true); err != nil {
		telemetry.RecordError(span, err)
		return consensus.VerdictUnknown, fmt.Errorf("vote: %w", err)
	}

	start := time.Now()
	verdict, err := n.network.Await(ctx, id)
	telemetry.ConsensusDuration.WithLabelValues(n.cfg.ID, verdict.String()).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("verdict", verdict.String()))
	if err != nil {
		telemetry.RecordError(span, err)
		return verdict, err
	}
	return verdict, nil
}

// commit applies a verdict to the item and everything it locked.
//
// # Description
//
// Accepted: the item becomes APPROVED, its LOCKED inputs REVOKED and its
// LOCKED_FOR_CREATION outputs APPROVED. Rejected: the item becomes
// DECLINED, inputs return to APPROVED and outputs are destroyed. With
// forget set the item's own record is destroyed instead, for items the
// network never heard of. A record that is no longer pending is returned
// unchanged.
func (n *Node) commit(ctx context.Context, id contract.HashId, accepted, forget bool) (*ledger.StateRecord, error) {
	ctx, span := telemetry.StartSpan(context.WithoutCancel(ctx), telemetry.SpanCommit, trace.WithAttributes(
		attribute.Bool("accepted", accepted),
	))
	defer span.End()

	self, err := n.ledger.Get(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("commit %s: %w", id.Short(), err)
	}
	locked, err := n.ledger.FindLockedBy(ctx, self.RecordID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("commit %s: %w", id.Short(), err)
	}

	var (
		out     *ledger.StateRecord
		touched []contract.HashId
		revoked int64
		applied bool
	)
	err = n.ledger.Update(ctx, func(tx ledger.Tx) error {
		touched, revoked, applied = touched[:0], 0, false
		cur, err := tx.Get(id)
		if err != nil {
			return err
		}
		out = cur
		if !cur.State.IsPending() {
			return nil
		}
		for _, l := range locked {
			r, err := tx.Get(l.ID)
			if errors.Is(err, ledger.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if r.LockedByRecordID != cur.RecordID {
				continue
			}
			touched = append(touched, r.ID)
			switch {
			case r.State == ledger.StateLockedForCreation && !accepted:
				if err := tx.Destroy(r.ID); err != nil {
					return err
				}
				continue
			case r.State == ledger.StateLockedForCreation:
				r.State = ledger.StateApproved
			case r.State == ledger.StateLocked && accepted:
				r.State = ledger.StateRevoked
				revoked++
			case r.State == ledger.StateLocked:
				r.State = ledger.StateApproved
			default:
				continue
			}
			r.LockedByRecordID = 0
			if err := tx.Save(r); err != nil {
				return err
			}
		}

		applied = true
		if forget {
			out = &ledger.StateRecord{ID: id, State: ledger.StateUndefined}
			return tx.Destroy(id)
		}
		if accepted {
			cur.State = ledger.StateApproved
		} else {
			cur.State = ledger.StateDeclined
		}
		return tx.Save(cur)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("commit %s: %w", id.Short(), err)
	}

	if applied {
		switch {
		case forget:
			n.forgetItem(id)
		case accepted:
			n.stats.approved.Add(1)
		default:
			n.stats.declined.Add(1)
			n.errs.Put(id, []contract.ErrorRecord{
				contract.NewErrorRecord(contract.ErrorFailedCheck, id.String(), "rejected by the network"),
			})
			n.errs.Wait()
		}
		n.stats.revoked.Add(revoked)
		telemetry.ItemVerdicts.WithLabelValues(n.cfg.ID, out.State.String()).Inc()
		n.notify(append(touched, id)...)
	}
	telemetry.SetSpanOK(span)
	return out, nil
}
