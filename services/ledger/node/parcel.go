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
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
	"github.com/AleutianAI/AleutianLedger/services/ledger/contracts"
	"github.com/AleutianAI/AleutianLedger/services/ledger/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledger/quantiser"
	"github.com/AleutianAI/AleutianLedger/services/ledger/telemetry"
)

// ParcelState is the processing stage of a parcel on this node.
type ParcelState int

const (
	ParcelNotExist ParcelState = iota
	ParcelPreparing
	ParcelPaymentChecking
	ParcelPayloadChecking
	ParcelFinished
)

var parcelStateNames = [...]string{
	"NOT_EXIST",
	"PREPARING",
	"PAYMENT_CHECKING",
	"PAYLOAD_CHECKING",
	"FINISHED",
}

// String returns the wire name.
func (s ParcelState) String() string {
	if s < 0 || int(s) >= len(parcelStateNames) {
		return "UNKNOWN"
	}
	return parcelStateNames[s]
}

// MarshalText encodes the wire name.
func (s ParcelState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a wire name.
func (s *ParcelState) UnmarshalText(text []byte) error {
	name := strings.ToUpper(string(text))
	for i, n := range parcelStateNames {
		if n == name {
			*s = ParcelState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown parcel state %q", text)
}

type parcelEntry struct {
	state   ParcelState
	updated time.Time
}

// ParcelResult reports a parcel and both of its items.
type ParcelResult struct {
	ID      contract.HashId        `json:"id"`
	State   ParcelState            `json:"processingState"`
	Payment ItemResult             `json:"payment"`
	Payload ItemResult             `json:"payload"`
	Errors  []contract.ErrorRecord `json:"errors,omitempty"`
}

// RegisterParcel submits a payload together with the payment funding it.
//
// # Description
//
// The payment is approved first under MaxQuanta. Its spent transaction
// units, times QuantaPerUTN, become the quanta limit of the payload. A
// payment that is not approved stops the parcel before the payload is
// looked at. Resubmitting a known parcel returns its current progress.
//
// # Outputs
//
//   - ParcelResult: progress and item results.
//   - error: ErrNotReady, ErrClosed, decode failures, ErrBadPayment or
//     ErrPaymentRejected. The result then carries a COMMAND_FAILED record.
func (n *Node) RegisterParcel(ctx context.Context, packed []byte) (ParcelResult, error) {
	if err := n.admit(); err != nil {
		return ParcelResult{}, err
	}
	parcel, err := contract.DecodeParcel(packed)
	if err != nil {
		return ParcelResult{}, fmt.Errorf("decode parcel: %w", err)
	}
	pid := parcel.ID()
	if !n.claimParcel(pid) {
		return n.parcelResult(ctx, parcel), nil
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanParcel, trace.WithAttributes(
		attribute.String("parcel_id", pid.Short()),
		attribute.String("node", n.cfg.ID),
	))
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, n.logger).With(slog.String("parcel_id", pid.Short()))

	n.stats.parcels.Add(1)
	n.parcels.Put(pid, parcel)
	if err := n.ledger.PutItem(ctx, pid, packed, n.cfg.ItemRetention); err != nil {
		logger.Warn("storing packed parcel failed", slog.String("error", err.Error()))
	}

	n.setParcelState(pid, ParcelPaymentChecking)
	units, err := n.paymentUnits(parcel.Payment())
	if err != nil {
		telemetry.RecordError(span, err)
		return n.failParcel(ctx, parcel, err)
	}

	payment, err := n.register(ctx, parcel.Payment(), n.cfg.MaxQuanta, true)
	if err != nil {
		telemetry.RecordError(span, err)
		return n.failParcel(ctx, parcel, err)
	}
	if payment.State != ledger.StateApproved {
		err := fmt.Errorf("%w: payment is %s", ErrPaymentRejected, payment.State)
		telemetry.RecordError(span, err)
		return n.failParcel(ctx, parcel, err)
	}

	limit := n.parcelLimit(units)
	span.SetAttributes(attribute.Int("units", units), attribute.Int("quanta_limit", limit))
	n.setParcelState(pid, ParcelPayloadChecking)
	if _, err := n.register(ctx, parcel.Payload(), limit, true); err != nil {
		telemetry.RecordError(span, err)
		return n.failParcel(ctx, parcel, err)
	}

	n.setParcelState(pid, ParcelFinished)
	telemetry.Parcels.WithLabelValues(n.cfg.ID, "finished").Inc()
	telemetry.SetSpanOK(span)
	logger.Info("parcel processed", slog.Int("units", units))
	return n.parcelResult(ctx, parcel), nil
}

// ParcelProcessingState returns how far the node got with a parcel.
func (n *Node) ParcelProcessingState(id contract.HashId) ParcelState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.parcelStates[id].state
}

func (n *Node) claimParcel(id contract.HashId) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.parcelStates[id]; ok && e.state != ParcelNotExist {
		return false
	}
	n.parcelStates[id] = parcelEntry{state: ParcelPreparing, updated: time.Now()}
	return true
}

func (n *Node) setParcelState(id contract.HashId, s ParcelState) {
	n.mu.Lock()
	n.parcelStates[id] = parcelEntry{state: s, updated: time.Now()}
	n.mu.Unlock()
}

// pruneParcels forgets finished parcels older than the item cache TTL.
func (n *Node) pruneParcels() {
	cutoff := time.Now().Add(-n.cfg.ItemCacheTTL)
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, e := range n.parcelStates {
		if e.state == ParcelFinished && e.updated.Before(cutoff) {
			delete(n.parcelStates, id)
		}
	}
}

func (n *Node) failParcel(ctx context.Context, parcel *contract.Parcel, cause error) (ParcelResult, error) {
	n.setParcelState(parcel.ID(), ParcelFinished)
	telemetry.Parcels.WithLabelValues(n.cfg.ID, "failed").Inc()
	n.logger.Info("parcel failed",
		slog.String("parcel_id", parcel.ID().Short()),
		slog.String("error", cause.Error()))
	res := n.parcelResult(ctx, parcel)
	res.Errors = append(res.Errors, contract.NewErrorRecord(contract.ErrorCommandFailed, parcel.ID().String(), cause.Error()))
	return res, cause
}

func (n *Node) parcelResult(ctx context.Context, parcel *contract.Parcel) ParcelResult {
	res := ParcelResult{ID: parcel.ID(), State: n.ParcelProcessingState(parcel.ID())}
	if r, err := n.CheckItem(ctx, parcel.Payment().Contract().ID()); err == nil {
		res.Payment = r
	}
	if r, err := n.CheckItem(ctx, parcel.Payload().Contract().ID()); err == nil {
		res.Payload = r
	}
	return res
}

// paymentUnits returns the transaction units a payment spends relative to
// the units contract it revises. Test units count the same.
func (n *Node) paymentUnits(tp *contract.TransactionPack) (int, error) {
	c := tp.Contract()
	if c.Parent().IsZero() {
		return 0, fmt.Errorf("%w: payment is not a revision", ErrBadPayment)
	}
	parent, ok := tp.Get(c.Parent())
	if !ok {
		return 0, fmt.Errorf("%w: payment parent is not in the parcel", ErrBadPayment)
	}
	if len(n.cfg.UnitsIssuerKeys) > 0 && !c.Issuer().IsAllowedForKeys(n.cfg.UnitsIssuerKeys, c) {
		return 0, fmt.Errorf("%w: payment is not issued by a units issuer", ErrBadPayment)
	}

	spent := 0
	for _, field := range []string{contracts.FieldTransactionUnits, contracts.FieldTestUnits} {
		before, okBefore := intField(parent, field)
		after, okAfter := intField(c, field)
		if !okBefore || !okAfter {
			continue
		}
		if after < 0 {
			return 0, fmt.Errorf("%w: %s is negative", ErrBadPayment, field)
		}
		if after > before {
			return 0, fmt.Errorf("%w: %s increased", ErrBadPayment, field)
		}
		if d := before - after; spent > math.MaxInt-d {
			spent = math.MaxInt
		} else {
			spent += d
		}
	}
	if spent <= 0 {
		return 0, fmt.Errorf("%w: no units spent", ErrBadPayment)
	}
	return spent, nil
}

// parcelLimit is the payload limit bought by units, capped by
// MaxParcelQuanta.
func (n *Node) parcelLimit(units int) int {
	return min(quantiser.LimitForUnits(units, n.cfg.QuantaPerUTN), n.cfg.MaxParcelQuanta)
}

// proposalLimit bounds the limit a peer asks this node to validate under.
// An unlimited or oversized request gets MaxParcelQuanta.
func (n *Node) proposalLimit(limit int) int {
	if limit < 0 || limit > n.cfg.MaxParcelQuanta {
		return n.cfg.MaxParcelQuanta
	}
	return limit
}

func intField(c *contract.Contract, field string) (int, bool) {
	v, ok := c.Get(field)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}
