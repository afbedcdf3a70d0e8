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

	"github.com/AleutianAI/AleutianLedger/services/ledger/consensus"
	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
	"github.com/AleutianAI/AleutianLedger/services/ledger/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledger/telemetry"
)

// sanitationLoop repeats Sanitize until Close.
func (n *Node) sanitationLoop() {
	defer n.leave()
	ticker := time.NewTicker(n.cfg.SanitationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.Sanitize(n.ctx); err != nil && n.ctx.Err() == nil {
				n.logger.Warn("sanitation pass failed", slog.String("error", err.Error()))
			}
			n.pruneParcels()
		}
	}
}

// Sanitize runs one reconciliation pass over unfinished records.
//
// # Description
//
// Records of items being processed right now are skipped. A pending item
// takes the verdict the network already reached, or else the state a
// majority of peers report: APPROVED or REVOKED commits it, DECLINED
// rejects it, and an item no peer knows is rejected and forgotten. Locked
// records whose locking item is gone are settled on their own peer
// majority. Records without a majority wait for the next pass.
//
// When nothing unresolved remains the node leaves sanitation.
//
// # Outputs
//
//   - int: unfinished records left, excluding in-flight items.
//   - error: ledger failures.
func (n *Node) Sanitize(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanSanitize)
	defer span.End()

	recs, err := n.ledger.FindUnfinished(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, fmt.Errorf("find unfinished: %w", err)
	}

	resolved := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		var ok bool
		var err error
		switch {
		case rec.State.IsPending():
			if n.isInFlight(rec.ID) {
				continue
			}
			ok, err = n.settlePending(ctx, rec)
		default:
			ok, err = n.settleLocked(ctx, rec)
		}
		if err != nil {
			n.logger.Warn("record not settled",
				slog.String("item_id", rec.ID.Short()),
				slog.String("error", err.Error()))
			continue
		}
		if ok {
			resolved++
		}
	}

	remaining, err := n.countUnresolved(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}
	telemetry.UnfinishedRecords.WithLabelValues(n.cfg.ID).Set(float64(remaining))
	span.SetAttributes(attribute.Int("resolved", resolved), attribute.Int("remaining", remaining))

	if remaining == 0 && n.sanitating.Load() {
		n.setSanitating(false)
		n.logger.Info("sanitation complete", slog.Int("resolved", resolved))
	}
	return remaining, nil
}

// countUnresolved counts unfinished records not owned by an in-flight item.
func (n *Node) countUnresolved(ctx context.Context) (int, error) {
	recs, err := n.ledger.FindUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("find unfinished: %w", err)
	}
	count := 0
	for _, rec := range recs {
		switch {
		case rec.State.IsPending():
			if n.isInFlight(rec.ID) {
				continue
			}
		case rec.LockedByRecordID != 0:
			if locker, err := n.ledger.GetByRecordID(ctx, rec.LockedByRecordID); err == nil && n.isInFlight(locker.ID) {
				continue
			}
		}
		count++
	}
	return count, nil
}

// settlePending resolves an item stuck between locking and commit.
func (n *Node) settlePending(ctx context.Context, rec *ledger.StateRecord) (bool, error) {
	logger := n.logger.With(slog.String("item_id", rec.ID.Short()))

	switch n.network.Verdict(rec.ID) {
	case consensus.VerdictAccepted:
		_, err := n.commit(ctx, rec.ID, true, false)
		return err == nil, err
	case consensus.VerdictRejected:
		_, err := n.commit(ctx, rec.ID, false, false)
		return err == nil, err
	}

	state, resolved, err := n.network.QueryState(ctx, n.cfg.ID, rec.ID)
	if err != nil {
		return false, fmt.Errorf("query network: %w", err)
	}
	if !resolved {
		logger.Debug("no majority for pending item")
		return false, nil
	}

	switch state {
	case ledger.StateApproved, ledger.StateRevoked:
		_, err = n.commit(ctx, rec.ID, true, false)
	case ledger.StateDeclined:
		_, err = n.commit(ctx, rec.ID, false, false)
	default:
		_, err = n.commit(ctx, rec.ID, false, true)
	}
	if err != nil {
		return false, err
	}
	logger.Info("pending item settled", slog.String("network_state", state.String()))
	return true, nil
}

// settleLocked resolves a LOCKED or LOCKED_FOR_CREATION record. Records
// whose locker is still pending are left to the locker.
func (n *Node) settleLocked(ctx context.Context, rec *ledger.StateRecord) (bool, error) {
	locker, err := n.ledger.GetByRecordID(ctx, rec.LockedByRecordID)
	switch {
	case err == nil && locker.State.IsPending():
		return false, nil
	case err == nil && locker.State == ledger.StateApproved:
		return true, n.release(ctx, rec, true)
	case err == nil && locker.State == ledger.StateDeclined:
		return true, n.release(ctx, rec, false)
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		return false, err
	}

	// The locker is gone: ask the network about the record itself.
	state, resolved, err := n.network.QueryState(ctx, n.cfg.ID, rec.ID)
	if err != nil {
		return false, fmt.Errorf("query network: %w", err)
	}
	if !resolved {
		return false, nil
	}
	var accepted bool
	switch rec.State {
	case ledger.StateLocked:
		accepted = state == ledger.StateRevoked
	case ledger.StateLockedForCreation:
		accepted = state == ledger.StateApproved || state == ledger.StateRevoked
	}
	if err := n.release(ctx, rec, accepted); err != nil {
		return false, err
	}
	n.logger.Info("orphan lock settled",
		slog.String("item_id", rec.ID.Short()),
		slog.String("network_state", state.String()))
	return true, nil
}

// release settles one locked record as if its locker had been accepted or
// rejected.
func (n *Node) release(ctx context.Context, rec *ledger.StateRecord, accepted bool) error {
	err := n.ledger.Update(ctx, func(tx ledger.Tx) error {
		cur, err := tx.Get(rec.ID)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.State != rec.State || cur.LockedByRecordID != rec.LockedByRecordID {
			return nil
		}
		switch {
		case cur.State == ledger.StateLocked && accepted:
			cur.State = ledger.StateRevoked
		case cur.State == ledger.StateLocked:
			cur.State = ledger.StateApproved
		case cur.State == ledger.StateLockedForCreation && accepted:
			cur.State = ledger.StateApproved
		default:
			return tx.Destroy(cur.ID)
		}
		cur.LockedByRecordID = 0
		return tx.Save(cur)
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", rec.ID.Short(), err)
	}
	n.notify(rec.ID)
	return nil
}

// Unfinished lists the node's unfinished records.
func (n *Node) Unfinished(ctx context.Context) ([]*ledger.StateRecord, error) {
	return n.ledger.FindUnfinished(ctx)
}

// forgetItem drops cached copies of an item the network never approved.
func (n *Node) forgetItem(id contract.HashId) {
	n.items.Delete(id)
	n.errs.Delete(id)
}
