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
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
	"github.com/AleutianAI/AleutianLedger/services/ledger/contracts"
	"github.com/AleutianAI/AleutianLedger/services/ledger/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledger/quantiser"
)

func TestParcelState_Text(t *testing.T) {
	for s := ParcelNotExist; s <= ParcelFinished; s++ {
		data, err := s.MarshalText()
		require.NoError(t, err)
		var back ParcelState
		require.NoError(t, back.UnmarshalText(data))
		assert.Equal(t, s, back)
	}
	var s ParcelState
	assert.Error(t, s.UnmarshalText([]byte("DONE")))
	assert.Equal(t, "UNKNOWN", ParcelState(42).String())

	data, err := json.Marshal(ParcelResult{State: ParcelPaymentChecking})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"processingState":"PAYMENT_CHECKING"`)
}

func TestRegisterParcel_PaysAndApproves(t *testing.T) {
	k1, _ := testKeys(t)
	n := newCluster(t, 1)[0]
	ctx := context.Background()

	units, err := contracts.CreateTransactionUnitsContract(priv(k1), pub(k1), 100, 50)
	require.NoError(t, err)
	approved(t, n, units)

	payload, err := contracts.CreateTokenContract(priv(k1), pub(k1), "10")
	require.NoError(t, err)
	parcel, err := contracts.CreateParcel(payload, units, 5, priv(k1), false)
	require.NoError(t, err)

	assert.Equal(t, ParcelNotExist, n.ParcelProcessingState(parcel.ID()))
	res, err := n.RegisterParcel(ctx, parcel.Pack())
	require.NoError(t, err)
	assert.Equal(t, parcel.ID(), res.ID)
	assert.Equal(t, ParcelFinished, res.State)
	assert.Equal(t, ledger.StateApproved, res.Payment.State)
	assert.Equal(t, ledger.StateApproved, res.Payload.State)
	assert.Empty(t, res.Errors)
	assert.Equal(t, ParcelFinished, n.ParcelProcessingState(parcel.ID()))
	assert.Equal(t, ledger.StateRevoked, stateOf(t, n, units.ID()))

	// a known parcel reports its progress without running again
	again, err := n.RegisterParcel(ctx, parcel.Pack())
	require.NoError(t, err)
	assert.Equal(t, res.Payload.State, again.Payload.State)

	packed, err := n.GetParcel(ctx, parcel.ID())
	require.NoError(t, err)
	decoded, err := contract.DecodeParcel(packed)
	require.NoError(t, err)
	assert.Equal(t, parcel.ID(), decoded.ID())

	s, err := n.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.Parcels)
}

func TestRegisterParcel_TestUnits(t *testing.T) {
	k1, _ := testKeys(t)
	n := newCluster(t, 1)[0]

	units, err := contracts.CreateTransactionUnitsContract(priv(k1), pub(k1), 0, 20)
	require.NoError(t, err)
	approved(t, n, units)

	payload, err := contracts.CreateNotaryContract(priv(k1), pub(k1))
	require.NoError(t, err)
	parcel, err := contracts.CreateParcel(payload, units, 3, priv(k1), true)
	require.NoError(t, err)

	res, err := n.RegisterParcel(context.Background(), parcel.Pack())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateApproved, res.Payload.State)
}

func TestRegisterParcel_UnpaidPaymentStopsPayload(t *testing.T) {
	k1, _ := testKeys(t)
	n := newCluster(t, 1)[0]

	// the units contract was never approved, so its revision cannot revoke it
	units, err := contracts.CreateTransactionUnitsContract(priv(k1), pub(k1), 100, 0)
	require.NoError(t, err)
	payload, err := contracts.CreateNotaryContract(priv(k1), pub(k1))
	require.NoError(t, err)
	parcel, err := contracts.CreateParcel(payload, units, 5, priv(k1), false)
	require.NoError(t, err)

	res, err := n.RegisterParcel(context.Background(), parcel.Pack())
	assert.ErrorIs(t, err, ErrPaymentRejected)
	assert.Equal(t, ParcelFinished, res.State)
	assert.Equal(t, ledger.StateDeclined, res.Payment.State)
	assert.Equal(t, ledger.StateUndefined, res.Payload.State)
	assert.True(t, contract.HasKind(res.Errors, contract.ErrorCommandFailed))
}

func TestRegisterParcel_BadPayment(t *testing.T) {
	k1, k2 := testKeys(t)
	ctx := context.Background()

	t.Run("not a revision", func(t *testing.T) {
		n := newCluster(t, 1)[0]
		payload, err := contracts.CreateNotaryContract(priv(k1), pub(k1))
		require.NoError(t, err)
		payment, err := contracts.CreateTransactionUnitsContract(priv(k1), pub(k1), 10, 0)
		require.NoError(t, err)
		parcel, err := contract.NewParcel(payload, payment)
		require.NoError(t, err)

		res, err := n.RegisterParcel(ctx, parcel.Pack())
		assert.ErrorIs(t, err, ErrBadPayment)
		assert.Equal(t, ledger.StateUndefined, res.Payment.State)
	})

	t.Run("foreign issuer", func(t *testing.T) {
		net := newTestNetwork(t)
		n := newTestNode(t, net, "a", func(c *Config) {
			c.UnitsIssuerKeys = contract.NewKeySet(k2.PublicKey())
		})
		startNodes(t, n)
		units, err := contracts.CreateTransactionUnitsContract(priv(k1), pub(k1), 10, 0)
		require.NoError(t, err)
		approved(t, n, units)
		payload, err := contracts.CreateNotaryContract(priv(k1), pub(k1))
		require.NoError(t, err)
		parcel, err := contracts.CreateParcel(payload, units, 1, priv(k1), false)
		require.NoError(t, err)

		_, err = n.RegisterParcel(ctx, parcel.Pack())
		assert.ErrorIs(t, err, ErrBadPayment)
		assert.Equal(t, ledger.StateApproved, stateOf(t, n, units.ID()), "payment never reached the ledger")
	})
}

func TestRegisterParcel_PayloadLimitedByUnits(t *testing.T) {
	k1, _ := testKeys(t)
	net := newTestNetwork(t)
	n := newTestNode(t, net, "a", func(c *Config) { c.QuantaPerUTN = 5 })
	startNodes(t, n)

	units, err := contracts.CreateTransactionUnitsContract(priv(k1), pub(k1), 100, 0)
	require.NoError(t, err)
	approved(t, n, units)
	token, err := contracts.CreateTokenContract(priv(k1), pub(k1), "100")
	require.NoError(t, err)
	approved(t, n, token)

	// one unit buys 5 quanta, less than revoking the token costs
	split, err := contracts.CreateSplit(token, "1", contracts.FieldAmount, priv(k1), false)
	require.NoError(t, err)
	parcel, err := contracts.CreateParcel(split, units, 1, priv(k1), false)
	require.NoError(t, err)

	res, err := n.RegisterParcel(context.Background(), parcel.Pack())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateApproved, res.Payment.State)
	assert.Equal(t, ledger.StateDeclined, res.Payload.State)
	assert.True(t, contract.HasKind(res.Payload.Errors, contract.ErrorCostLimit))
	assert.Equal(t, ledger.StateApproved, stateOf(t, n, token.ID()))
}

func TestRegisterParcel_PayloadLimitCapped(t *testing.T) {
	k1, _ := testKeys(t)
	net := newTestNetwork(t)
	n := newTestNode(t, net, "a", func(c *Config) {
		c.QuantaPerUTN = 1000
		c.MaxParcelQuanta = 5
	})
	startNodes(t, n)

	units, err := contracts.CreateTransactionUnitsContract(priv(k1), pub(k1), 100, 0)
	require.NoError(t, err)
	approved(t, n, units)
	token, err := contracts.CreateTokenContract(priv(k1), pub(k1), "100")
	require.NoError(t, err)
	approved(t, n, token)

	// ten units buy 10000 quanta, but the cap leaves 5
	split, err := contracts.CreateSplit(token, "1", contracts.FieldAmount, priv(k1), false)
	require.NoError(t, err)
	parcel, err := contracts.CreateParcel(split, units, 10, priv(k1), false)
	require.NoError(t, err)

	res, err := n.RegisterParcel(context.Background(), parcel.Pack())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateApproved, res.Payment.State)
	assert.Equal(t, ledger.StateDeclined, res.Payload.State)
	assert.True(t, contract.HasKind(res.Payload.Errors, contract.ErrorCostLimit))
	assert.Equal(t, ledger.StateApproved, stateOf(t, n, token.ID()))
}

func TestNode_QuantaLimitsAreBounded(t *testing.T) {
	n := newTestNode(t, newTestNetwork(t), "a", func(c *Config) { c.MaxParcelQuanta = 1000 })

	t.Run("parcel limit", func(t *testing.T) {
		assert.Equal(t, 5*n.cfg.QuantaPerUTN, n.parcelLimit(5))
		assert.Equal(t, 1000, n.parcelLimit(math.MaxInt/200+1))
		assert.Equal(t, 1000, n.parcelLimit(math.MaxInt))
		assert.Zero(t, n.parcelLimit(0))
	})

	t.Run("proposal limit", func(t *testing.T) {
		assert.Equal(t, 300, n.proposalLimit(300))
		assert.Equal(t, 1000, n.proposalLimit(quantiser.NoLimit))
		assert.Equal(t, 1000, n.proposalLimit(-42))
		assert.Equal(t, 1000, n.proposalLimit(math.MaxInt))
	})
}

func TestNode_DefaultParcelCap(t *testing.T) {
	n := newTestNode(t, newTestNetwork(t), "a", func(c *Config) { c.MaxParcelQuanta = 0 })
	assert.Equal(t, quantiser.DefaultMaxParcelQuanta, n.cfg.MaxParcelQuanta)
}

func TestRegisterParcel_NotReady(t *testing.T) {
	n := newTestNode(t, newTestNetwork(t), "a", nil)
	_, err := n.RegisterParcel(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestPruneParcels(t *testing.T) {
	n := newTestNode(t, newTestNetwork(t), "a", func(c *Config) { c.ItemCacheTTL = time.Millisecond })
	old := contract.RandomHashId()
	live := contract.RandomHashId()
	n.setParcelState(old, ParcelFinished)
	n.setParcelState(live, ParcelPayloadChecking)
	time.Sleep(5 * time.Millisecond)

	n.pruneParcels()
	assert.Equal(t, ParcelNotExist, n.ParcelProcessingState(old))
	assert.Equal(t, ParcelPayloadChecking, n.ParcelProcessingState(live))
}
