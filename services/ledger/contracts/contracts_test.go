// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contracts

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
)

var (
	keysOnce sync.Once
	keys     []*contract.PrivateKey
)

func testKeys(t *testing.T) (*contract.PrivateKey, *contract.PrivateKey, *contract.PrivateKey) {
	t.Helper()
	keysOnce.Do(func() {
		for i := 0; i < 3; i++ {
			k, err := contract.GeneratePrivateKey(contract.KeyBits2048)
			if err != nil {
				panic(err)
			}
			keys = append(keys, k)
		}
	})
	return keys[0], keys[1], keys[2]
}

func pub(k *contract.PrivateKey) []*contract.PublicKey {
	return []*contract.PublicKey{k.PublicKey()}
}

func priv(k ...*contract.PrivateKey) []*contract.PrivateKey {
	return k
}

func assertValid(t *testing.T, c *contract.Contract) {
	t.Helper()
	errs, err := c.Check(contract.CheckContext{})
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func amountOf(t *testing.T, c *contract.Contract) string {
	t.Helper()
	v, ok := c.Get(FieldAmount)
	require.True(t, ok)
	return v
}

func TestTemplates(t *testing.T) {
	k1, k2, _ := testKeys(t)

	token, err := CreateTokenContract(priv(k1), pub(k2), "100")
	require.NoError(t, err)
	assertValid(t, token)
	assert.True(t, token.Owner().IsAllowedForKeys(contract.NewKeySet(k2.PublicKey()), token))
	assert.Len(t, token.PermissionsOf(contract.PermRevoke), 2)
	assert.Equal(t, "DT", token.DefinitionData()["currency_code"])
	assert.True(t, token.ExpiresAt().After(token.CreatedAt().AddDate(4, 11, 0)))

	share, err := CreateShareContract(priv(k1), pub(k1), "10")
	require.NoError(t, err)
	assertValid(t, share)

	notary, err := CreateNotaryContract(priv(k1), pub(k1))
	require.NoError(t, err)
	assertValid(t, notary)
	assert.Empty(t, notary.PermissionsOf(contract.PermSplitJoin))

	tu, err := CreateTransactionUnitsContract(priv(k1), pub(k1), 100, 50)
	require.NoError(t, err)
	assertValid(t, tu)

	_, err = CreateTokenContract(nil, pub(k1), "1")
	assert.ErrorIs(t, err, ErrNoKeys)
	_, err = CreateTokenContract(priv(k1), pub(k1), "lots")
	assert.Error(t, err)
}

func TestCreateRevocation(t *testing.T) {
	k1, _, k3 := testKeys(t)
	c, err := CreateNotaryContract(priv(k1), pub(k1))
	require.NoError(t, err)

	tc, err := CreateRevocation(c, k1)
	require.NoError(t, err)
	assert.Equal(t, []*contract.Contract{c}, tc.RevokingItems())
	assert.True(t, tc.ExpiresAt().Before(tc.CreatedAt().Add(ServiceExpiry+1)))
	assertValid(t, tc)

	foreign, err := CreateRevocation(c, k3)
	require.NoError(t, err)
	errs, err := foreign.Check(contract.CheckContext{})
	require.NoError(t, err)
	assert.True(t, contract.HasKind(errs, contract.ErrorBadRevoke))

	_, err = CreateRevocation(c)
	assert.ErrorIs(t, err, ErrNoKeys)
}

func TestSplitJoinPreservesTotal(t *testing.T) {
	k1, _, _ := testKeys(t)
	c, err := CreateTokenContract(priv(k1), pub(k1), "100")
	require.NoError(t, err)

	splitFrom, err := CreateSplit(c, "40", FieldAmount, priv(k1), false)
	require.NoError(t, err)
	assertValid(t, splitFrom)

	require.Len(t, splitFrom.NewItems(), 1)
	splitTo := splitFrom.NewItems()[0]
	assert.Equal(t, "60", amountOf(t, splitFrom))
	assert.Equal(t, "40", amountOf(t, splitTo))
	assert.Equal(t, c.ID(), splitTo.Origin())

	joined, err := CreateJoin(splitFrom, splitTo, FieldAmount, priv(k1))
	require.NoError(t, err)
	assert.Equal(t, "100", amountOf(t, joined))
	assertValid(t, joined)
}

func TestCreateSplit_AndSetCreator(t *testing.T) {
	k1, k2, _ := testKeys(t)
	c, err := CreateTokenContract(priv(k1), pub(k2), "10")
	require.NoError(t, err)

	splitFrom, err := CreateSplit(c, "4", FieldAmount, priv(k2), true)
	require.NoError(t, err)
	assert.True(t, splitFrom.Creator().Equivalent(splitFrom.Owner()))
	assert.True(t, splitFrom.NewItems()[0].Creator().Equivalent(splitFrom.Owner()))
	assertValid(t, splitFrom)
}

func TestCreateSplit_ShareMinUnit(t *testing.T) {
	k1, _, _ := testKeys(t)
	c, err := CreateShareContract(priv(k1), pub(k1), "10")
	require.NoError(t, err)

	splitFrom, err := CreateSplit(c, "0.5", FieldAmount, priv(k1), false)
	require.NoError(t, err)
	errs, err := splitFrom.Check(contract.CheckContext{})
	require.NoError(t, err)
	assert.True(t, contract.HasKind(errs, contract.ErrorBadValue))
}

func findByOrigin(t *testing.T, swap *contract.Contract, origin contract.HashId) *contract.Contract {
	t.Helper()
	for _, c := range swap.NewItems() {
		if c.Origin() == origin {
			return c
		}
	}
	t.Fatalf("no new item with origin %s", origin.Short())
	return nil
}

func TestSwap_ThreePhases(t *testing.T) {
	k1, k2, _ := testKeys(t)
	c1, err := CreateTokenContract(priv(k1), pub(k1), "100")
	require.NoError(t, err)
	c2, err := CreateTokenContract(priv(k2), pub(k2), "50")
	require.NoError(t, err)

	phase1, err := StartSwapPair(c1, c2, priv(k1), pub(k2))
	require.NoError(t, err)
	errs, err := phase1.Check(contract.CheckContext{})
	require.NoError(t, err)
	assert.True(t, contract.HasKind(errs, contract.ErrorBadNewItem), "half-signed swap must not validate")

	phase2, err := SignPresentedSwap(phase1, priv(k2))
	require.NoError(t, err)
	assert.NotSame(t, phase1, phase2)
	errs, err = phase2.Check(contract.CheckContext{})
	require.NoError(t, err)
	assert.NotEmpty(t, errs, "initiator has not finished yet")

	final, err := FinishSwap(phase2, priv(k1))
	require.NoError(t, err)
	assertValid(t, final)

	nc1 := findByOrigin(t, final, c1.ID())
	nc2 := findByOrigin(t, final, c2.ID())
	assert.True(t, nc1.Owner().IsAllowedForKeys(contract.NewKeySet(k2.PublicKey()), nc1))
	assert.False(t, nc1.Owner().IsAllowedForKeys(contract.NewKeySet(k1.PublicKey()), nc1))
	assert.True(t, nc2.Owner().IsAllowedForKeys(contract.NewKeySet(k1.PublicKey()), nc2))
	assert.False(t, nc2.Owner().IsAllowedForKeys(contract.NewKeySet(k2.PublicKey()), nc2))

	// the packed graph re-parses into an equally valid transaction
	packed, err := final.PackTransaction()
	require.NoError(t, err)
	decoded, err := contract.FromPackedTransaction(packed)
	require.NoError(t, err)
	assert.Equal(t, final.ID(), decoded.ID())
	assertValid(t, decoded)
}

func TestSignPresentedSwap_UnresolvedReferenceKeepsOriginal(t *testing.T) {
	k1, k2, k3 := testKeys(t)
	c1, err := CreateTokenContract(priv(k1), pub(k1), "100")
	require.NoError(t, err)
	c2, err := CreateTokenContract(priv(k2), pub(k2), "50")
	require.NoError(t, err)

	phase1, err := StartSwapPair(c1, c2, priv(k1), pub(k2))
	require.NoError(t, err)
	before := phase1.ID()

	out, err := SignPresentedSwap(phase1, priv(k3))
	require.ErrorIs(t, err, ErrUnresolvedReference)
	assert.Same(t, phase1, out)
	assert.Equal(t, before, out.ID())
}

func TestCreateTwoSignedContract(t *testing.T) {
	k1, k2, _ := testKeys(t)
	base, err := CreateNotaryContract(priv(k1), pub(k1))
	require.NoError(t, err)

	tsc, err := CreateTwoSignedContract(base, priv(k1), pub(k2), true)
	require.NoError(t, err)
	assert.Empty(t, tsc.Signatures())
	assert.True(t, tsc.Owner().IsAllowedForKeys(contract.NewKeySet(k2.PublicKey()), tsc))

	require.NoError(t, tsc.AddSignatureToSeal(k2))
	errs, err := tsc.Check(contract.CheckContext{})
	require.NoError(t, err)
	assert.True(t, contract.HasKind(errs, contract.ErrorBadRef))

	require.NoError(t, tsc.AddSignatureToSeal(k1))
	assertValid(t, tsc)
}

func TestCreateParcel(t *testing.T) {
	k1, _, _ := testKeys(t)
	payload, err := CreateNotaryContract(priv(k1), pub(k1))
	require.NoError(t, err)
	payment, err := CreateTransactionUnitsContract(priv(k1), pub(k1), 100, 50)
	require.NoError(t, err)

	t.Run("real units", func(t *testing.T) {
		parcel, err := CreateParcel(payload, payment, 5, priv(k1), false)
		require.NoError(t, err)
		paid := parcel.Payment().Contract()
		v, _ := paid.Get(FieldTransactionUnits)
		assert.Equal(t, "95", v)
		v, _ = paid.Get(FieldTestUnits)
		assert.Equal(t, "50", v)
		assert.Equal(t, payment.ID(), paid.Parent())
		assertValid(t, paid)
		assert.Equal(t, payload.ID(), parcel.Payload().Contract().ID())
	})

	t.Run("test units", func(t *testing.T) {
		parcel, err := CreateParcel(payload, payment, 7, priv(k1), true)
		require.NoError(t, err)
		v, _ := parcel.Payment().Contract().Get(FieldTestUnits)
		assert.Equal(t, "43", v)
	})

	t.Run("insufficient", func(t *testing.T) {
		_, err := CreateParcel(payload, payment, 101, priv(k1), false)
		assert.ErrorIs(t, err, ErrInsufficientUnits)
		_, err = CreateParcel(payload, payment, 0, priv(k1), false)
		assert.ErrorIs(t, err, ErrInsufficientUnits)
	})
}
