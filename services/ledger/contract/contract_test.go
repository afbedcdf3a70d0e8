// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSealedToken(t *testing.T, amount string, keys ...*PrivateKey) *Contract {
	t.Helper()
	c := New(keys...)
	c.Set("amount", amount)
	c.AddPermission(NewChangeOwnerPermission(RoleOwner))
	c.AddPermission(NewRevokePermission(RoleOwner))
	c.AddPermission(NewSplitJoinPermission(RoleOwner, "amount", "0.01", "0.01"))
	_, err := c.Seal()
	require.NoError(t, err)
	return c
}

func TestContract_NewRoot(t *testing.T) {
	k1, _, _, _ := testKeys(t)
	c := New(k1)
	assert.False(t, c.IsSealed())
	assert.True(t, c.ID().IsZero())
	assert.Equal(t, 1, c.Revision())
	assert.True(t, c.Owner().IsAllowedForKeys(NewKeySet(k1.PublicKey()), c))
	assert.True(t, c.Issuer().IsAllowedForKeys(NewKeySet(k1.PublicKey()), c))

	_, err := c.Seal()
	require.NoError(t, err)
	assert.True(t, c.IsSealed())
	assert.Equal(t, c.ID(), c.Origin(), "root is its own origin")
}

func TestContract_SealIsDeterministic(t *testing.T) {
	k1, _, _, _ := testKeys(t)
	c := New(k1)
	c.Set("amount", "5")

	_, err := c.Seal()
	require.NoError(t, err)
	first := c.ID()

	_, err = c.Seal()
	require.NoError(t, err)
	assert.Equal(t, first, c.ID())
}

func TestContract_AddSignatureChangesID(t *testing.T) {
	k1, k2, _, _ := testKeys(t)
	c := newSealedToken(t, "10", k1)
	before := c.ID()

	require.NoError(t, c.AddSignatureToSeal(k2))
	assert.NotEqual(t, before, c.ID())
	assert.Len(t, c.Signatures(), 2)
	assert.Len(t, c.SignerKeys(), 2)

	// signing twice with the same key is a no-op
	after := c.ID()
	require.NoError(t, c.AddSignatureToSeal(k2))
	assert.Equal(t, after, c.ID())

	assert.ErrorIs(t, New(k1).AddSignatureToSeal(k2), ErrNotSealed)
}

func TestContract_FromSealed(t *testing.T) {
	k1, _, _, _ := testKeys(t)
	c := newSealedToken(t, "100", k1)

	decoded, err := FromSealed(c.Sealed())
	require.NoError(t, err)
	assert.Equal(t, c.ID(), decoded.ID())
	v, ok := decoded.Get("amount")
	require.True(t, ok)
	assert.Equal(t, "100", v)
	assert.True(t, decoded.SameDefinition(c))
	assert.True(t, decoded.Owner().Equivalent(c.Owner()))
	assert.Len(t, decoded.SignerKeys(), 1)

	_, err = FromSealed([]byte{0xff, 0xff})
	assert.ErrorIs(t, err, ErrBadPack)
}

func TestContract_CreateRevision(t *testing.T) {
	k1, k2, _, _ := testKeys(t)
	root := newSealedToken(t, "100", k1)

	_, err := New(k1).CreateRevision(k1)
	assert.ErrorIs(t, err, ErrNotSealed)

	rev, err := root.CreateRevision(k2)
	require.NoError(t, err)
	assert.Equal(t, root.ID(), rev.Parent())
	assert.Equal(t, root.ID(), rev.Origin())
	assert.Equal(t, 2, rev.Revision())
	assert.Equal(t, []*Contract{root}, rev.RevokingItems())
	assert.True(t, rev.Creator().IsAllowedForKeys(NewKeySet(k2.PublicKey()), rev))
	assert.True(t, rev.SameDefinition(root))

	_, err = rev.Seal()
	require.NoError(t, err)
	rev2, err := rev.CreateRevision()
	require.NoError(t, err)
	assert.Equal(t, root.ID(), rev2.Origin(), "origin is inherited")
	assert.Equal(t, 3, rev2.Revision())
}

func TestContract_SplitValue(t *testing.T) {
	k1, _, _, _ := testKeys(t)
	root := newSealedToken(t, "100", k1)

	from, err := root.CreateRevision(k1)
	require.NoError(t, err)
	to, err := from.SplitValue("amount", "40")
	require.NoError(t, err)

	v, _ := from.Get("amount")
	assert.Equal(t, "60", v)
	v, _ = to.Get("amount")
	assert.Equal(t, "40", v)
	assert.Equal(t, from.Parent(), to.Parent())
	assert.Equal(t, from.Revision(), to.Revision())
	assert.NotEqual(t, from.BranchID(), to.BranchID())
	assert.Equal(t, []*Contract{to}, from.NewItems())

	_, err = from.SplitValue("missing", "1")
	assert.ErrorIs(t, err, ErrNoField)
}

func TestTransactionPack_RoundTrip(t *testing.T) {
	k1, _, _, _ := testKeys(t)
	root := newSealedToken(t, "100", k1)
	from, err := root.CreateRevision(k1)
	require.NoError(t, err)
	_, err = from.SplitValue("amount", "40")
	require.NoError(t, err)
	_, err = from.Seal()
	require.NoError(t, err)

	packed, err := from.PackTransaction()
	require.NoError(t, err)

	tp, err := DecodeTransactionPack(packed)
	require.NoError(t, err)
	assert.Equal(t, from.ID(), tp.Contract().ID())
	require.Len(t, tp.SubItems(), 1)
	require.Len(t, tp.ReferencedItems(), 1)
	assert.Equal(t, root.ID(), tp.ReferencedItems()[0].ID())

	decoded := tp.Contract()
	require.Len(t, decoded.NewItems(), 1)
	require.Len(t, decoded.RevokingItems(), 1)
	assert.Same(t, tp.ReferencedItems()[0], decoded.RevokingItems()[0])

	repacked, err := decoded.PackTransaction()
	require.NoError(t, err)
	assert.Equal(t, packed, repacked)
}

func TestTransactionPack_MissingNewItem(t *testing.T) {
	k1, _, _, _ := testKeys(t)
	root := newSealedToken(t, "100", k1)
	from, err := root.CreateRevision(k1)
	require.NoError(t, err)
	_, err = from.SplitValue("amount", "40")
	require.NoError(t, err)
	_, err = from.Seal()
	require.NoError(t, err)

	// a pack carrying only the main item
	only := &TransactionPack{contract: from}
	_, err = DecodeTransactionPack(only.Pack())
	assert.ErrorIs(t, err, ErrMissingItem)
}

func TestContract_Copy(t *testing.T) {
	k1, k2, _, _ := testKeys(t)
	c := newSealedToken(t, "7", k1)

	cp, err := c.Copy()
	require.NoError(t, err)
	assert.Equal(t, c.ID(), cp.ID())

	require.NoError(t, cp.AddSignatureToSeal(k2))
	assert.NotEqual(t, c.ID(), cp.ID(), "copy is independent")
}

func TestParcel_RoundTrip(t *testing.T) {
	k1, _, _, _ := testKeys(t)
	payload := newSealedToken(t, "1", k1)
	payment := newSealedToken(t, "2", k1)

	p, err := NewParcel(payload, payment)
	require.NoError(t, err)

	decoded, err := DecodeParcel(p.Pack())
	require.NoError(t, err)
	assert.Equal(t, p.ID(), decoded.ID())
	assert.Equal(t, payload.ID(), decoded.Payload().Contract().ID())
	assert.Equal(t, payment.ID(), decoded.Payment().Contract().ID())

	_, err = NewParcel(New(k1), payment)
	assert.ErrorIs(t, err, ErrNotSealed)
}
