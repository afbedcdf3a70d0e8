// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contracts builds dependent contract graphs on the client side.
//
// Every function is stateless and makes no network calls: it takes already
// sealed input contracts and returns a sealed, signed graph ready to be
// packed and submitted to a node. The only non-determinism is the random
// transactional correlation id and wall-clock expiry defaults.
package contracts

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
)

// Expiry defaults.
const (
	// ServiceExpiry is the lifetime of revocation and swap wrapper contracts.
	ServiceExpiry = 30 * 24 * time.Hour

	// TemplateExpiryMonths is the lifetime of asset templates.
	TemplateExpiryMonths = 60
)

// State field names used by the templates.
const (
	FieldAmount           = "amount"
	FieldTransactionUnits = "transaction_units"
	FieldTestUnits        = "test_transaction_units"
)

var (
	// ErrUnresolvedReference indicates a swap reference could not be bound
	// to a concrete contract id.
	ErrUnresolvedReference = errors.New("swap reference cannot be resolved")

	// ErrInsufficientUnits indicates a payment cannot cover the requested spend.
	ErrInsufficientUnits = errors.New("payment has insufficient transaction units")

	// ErrNoKeys indicates a builder was called without signing keys.
	ErrNoKeys = errors.New("no keys given")
)

func newTransactionalID() string {
	return uuid.NewString()
}

func seal(c *contract.Contract) error {
	if _, err := c.Seal(); err != nil {
		return fmt.Errorf("seal %s: %w", c, err)
	}
	return nil
}

// =============================================================================
// Revocation, split, join
// =============================================================================

// CreateRevocation wraps c in a service contract that revokes it.
//
// The service contract is issued, owned and created by keys; its validity is
// what authorizes the revocation, so keys must satisfy a revoke permission
// of c.
func CreateRevocation(c *contract.Contract, keys ...*contract.PrivateKey) (*contract.Contract, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	tc := contract.New(keys...)
	tc.SetExpiresAt(tc.CreatedAt().Add(ServiceExpiry))
	tc.SetDefinitionData("action", "remove")
	tc.SetDefinitionData("target", c.ID().String())
	tc.AddRevokingItems(c)
	if err := seal(tc); err != nil {
		return nil, err
	}
	return tc, nil
}

// CreateSplit splits amount of field off c.
//
// # Description
//
// Creates a new revision of c signed by keys, moves amount into a sibling
// revision and seals both. The sibling travels as a new item of the
// returned revision.
//
// # Inputs
//
//   - c: sealed source contract with a split_join permission on field.
//   - amount: decimal amount to split off.
//   - keys: owner keys of c.
//   - andSetCreator: when true both revisions name the owner as creator.
func CreateSplit(c *contract.Contract, amount, field string, keys []*contract.PrivateKey, andSetCreator bool) (*contract.Contract, error) {
	splitFrom, err := c.CreateRevision(keys...)
	if err != nil {
		return nil, err
	}
	splitTo, err := splitFrom.SplitValue(field, amount)
	if err != nil {
		return nil, err
	}
	splitTo.AddSignerKey(keys...)
	if andSetCreator {
		splitTo.SetRole(splitTo.Owner().WithName(contract.RoleCreator))
		splitFrom.SetRole(splitFrom.Owner().WithName(contract.RoleCreator))
	}
	if err := seal(splitTo); err != nil {
		return nil, err
	}
	if err := seal(splitFrom); err != nil {
		return nil, err
	}
	return splitFrom, nil
}

// CreateJoin merges c2 into a new revision of c1 and revokes c2.
func CreateJoin(c1, c2 *contract.Contract, field string, keys []*contract.PrivateKey) (*contract.Contract, error) {
	v1, ok := c1.Get(field)
	if !ok {
		return nil, fmt.Errorf("%w: %s", contract.ErrNoField, field)
	}
	v2, ok := c2.Get(field)
	if !ok {
		return nil, fmt.Errorf("%w: %s", contract.ErrNoField, field)
	}
	sum, err := contract.AddDecimal(v1, v2)
	if err != nil {
		return nil, err
	}
	joinTo, err := c1.CreateRevision(keys...)
	if err != nil {
		return nil, err
	}
	joinTo.Set(field, sum)
	joinTo.AddRevokingItems(c2)
	if err := seal(joinTo); err != nil {
		return nil, err
	}
	return joinTo, nil
}

// =============================================================================
// Swap
// =============================================================================

// StartSwapPair is StartSwap for one contract on each side, always creating
// new revisions.
func StartSwapPair(c1, c2 *contract.Contract, fromKeys []*contract.PrivateKey, toKeys []*contract.PublicKey) (*contract.Contract, error) {
	return StartSwap([]*contract.Contract{c1}, []*contract.Contract{c2}, fromKeys, toKeys, true)
}

// StartSwap is phase one of the swap, run by the initiator.
//
// # Description
//
// Creates new revisions of contracts1 (initiator-owned) and contracts2
// (counterparty-owned), opens a transactional section on each and attaches
// a required reference from every contract on one side to every contract
// on the other. A reference on an initiator contract requires its target
// to be signed by the initiator as new owner and by the counterparty as
// creator; the counterparty references mirror that. Owners are then
// swapped and all revisions are bundled as new items of a wrapping swap
// contract issued by the initiator. Only the initiator's revisions carry
// signatures at this point.
//
// # Outputs
//
//   - *contract.Contract: the sealed swap contract, to be sent to the
//     counterparty for SignPresentedSwap.
func StartSwap(contracts1, contracts2 []*contract.Contract, fromKeys []*contract.PrivateKey, toKeys []*contract.PublicKey, createNewRevision bool) (*contract.Contract, error) {
	if len(fromKeys) == 0 || len(toKeys) == 0 {
		return nil, ErrNoKeys
	}
	fromPublic := contract.PublicKeys(fromKeys)

	swap := contract.New(fromKeys...)
	swap.SetExpiresAt(swap.CreatedAt().Add(ServiceExpiry))

	revise := func(c *contract.Contract, keys ...*contract.PrivateKey) (*contract.Contract, error) {
		nc := c
		if createNewRevision {
			var err error
			if nc, err = c.CreateRevision(keys...); err != nil {
				return nil, err
			}
		}
		nc.CreateTransactionalSection(newTransactionalID())
		return nc, nil
	}

	newContracts1 := make([]*contract.Contract, 0, len(contracts1))
	for _, c := range contracts1 {
		nc, err := revise(c, fromKeys...)
		if err != nil {
			return nil, err
		}
		newContracts1 = append(newContracts1, nc)
	}
	newContracts2 := make([]*contract.Contract, 0, len(contracts2))
	for _, c := range contracts2 {
		nc, err := revise(c)
		if err != nil {
			return nil, err
		}
		newContracts2 = append(newContracts2, nc)
	}

	ownerFrom := contract.SimpleRole(contract.RoleOwner, fromPublic...)
	creatorFrom := contract.SimpleRole(contract.RoleCreator, fromPublic...)
	ownerTo := contract.SimpleRole(contract.RoleOwner, toKeys...)
	creatorTo := contract.SimpleRole(contract.RoleCreator, toKeys...)

	for _, nc1 := range newContracts1 {
		for _, nc2 := range newContracts2 {
			nc1.Transactional().AddReference(contract.Reference{
				Type:            contract.ReferenceTransactional,
				TransactionalID: nc2.Transactional().ID,
				Required:        true,
				SignedBy:        []contract.Role{ownerFrom.Clone(), creatorTo.Clone()},
			})
		}
	}
	for _, nc2 := range newContracts2 {
		for _, nc1 := range newContracts1 {
			nc2.Transactional().AddReference(contract.Reference{
				Type:            contract.ReferenceTransactional,
				TransactionalID: nc1.Transactional().ID,
				Required:        true,
				SignedBy:        []contract.Role{ownerTo.Clone(), creatorFrom.Clone()},
			})
		}
	}

	for _, nc := range newContracts1 {
		nc.SetOwnerKeys(toKeys...)
		if err := seal(nc); err != nil {
			return nil, err
		}
	}
	for _, nc := range newContracts2 {
		nc.SetOwnerKeys(fromPublic...)
		if err := seal(nc); err != nil {
			return nil, err
		}
	}

	swap.AddNewItems(newContracts1...)
	swap.AddNewItems(newContracts2...)
	if err := seal(swap); err != nil {
		return nil, err
	}
	return swap, nil
}

// SignPresentedSwap is phase two of the swap, run by the counterparty.
//
// # Description
//
// Works on a deep copy of swap. Signs every bundled contract that will
// belong to keys and records its id under its transactional id. Then, for
// every contract keys are giving away, binds each outgoing reference to
// the recorded id, names keys as creator, reseals and signs it.
//
// # Outputs
//
//   - *contract.Contract: the processed copy, to be sent back to the
//     initiator for FinishSwap.
//   - error: ErrUnresolvedReference when a reference cannot be bound. The
//     returned contract is then the original swap, untouched.
func SignPresentedSwap(swap *contract.Contract, keys []*contract.PrivateKey) (*contract.Contract, error) {
	if len(keys) == 0 {
		return swap, ErrNoKeys
	}
	work, err := swap.Copy()
	if err != nil {
		return swap, err
	}
	signers := contract.NewKeySet(contract.PublicKeys(keys)...)
	swapping := work.NewItems()

	resolved := make(map[string]contract.HashId)
	for _, c := range swapping {
		if !c.Owner().IsAllowedForKeys(signers, c) {
			continue
		}
		if err := c.AddSignatureToSeal(keys...); err != nil {
			return swap, err
		}
		if tr := c.Transactional(); tr != nil {
			resolved[tr.ID] = c.ID()
		}
	}

	for _, c := range swapping {
		if c.Owner().IsAllowedForKeys(signers, c) {
			continue
		}
		tr := c.Transactional()
		if tr == nil || len(tr.References) == 0 {
			return swap, fmt.Errorf("%w: %s has no references", ErrUnresolvedReference, c)
		}
		for i := range tr.References {
			id, ok := resolved[tr.References[i].TransactionalID]
			if !ok {
				return swap, fmt.Errorf("%w: transactional %q", ErrUnresolvedReference, tr.References[i].TransactionalID)
			}
			tr.References[i].ContractID = id
		}
		c.SetCreatorKeys(signers.Slice()...)
		if err := seal(c); err != nil {
			return swap, err
		}
		if err := c.AddSignatureToSeal(keys...); err != nil {
			return swap, err
		}
	}

	if err := seal(work); err != nil {
		return swap, err
	}
	return work, nil
}

// FinishSwap is phase three of the swap, run by the initiator.
//
// Signs every bundled contract that will belong to keys, reseals the swap
// contract and signs it. The result is ready for registration.
func FinishSwap(swap *contract.Contract, keys []*contract.PrivateKey) (*contract.Contract, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	work, err := swap.Copy()
	if err != nil {
		return nil, err
	}
	signers := contract.NewKeySet(contract.PublicKeys(keys)...)
	for _, c := range work.NewItems() {
		if c.Owner().IsAllowedForKeys(signers, c) {
			if err := c.AddSignatureToSeal(keys...); err != nil {
				return nil, err
			}
		}
	}
	if err := seal(work); err != nil {
		return nil, err
	}
	if err := work.AddSignatureToSeal(keys...); err != nil {
		return nil, err
	}
	return work, nil
}

// CreateTwoSignedContract prepares a transfer both parties must sign.
//
// The result references itself and requires signatures of the current
// party as creator and the counterparty as new owner. It is sealed without
// signatures: the counterparty signs first, then the initiator.
func CreateTwoSignedContract(base *contract.Contract, fromKeys []*contract.PrivateKey, toKeys []*contract.PublicKey, createNewRevision bool) (*contract.Contract, error) {
	if len(fromKeys) == 0 || len(toKeys) == 0 {
		return nil, ErrNoKeys
	}
	tsc := base
	if createNewRevision {
		var err error
		if tsc, err = base.CreateRevision(fromKeys...); err != nil {
			return nil, err
		}
		tsc.ClearSignerKeys()
	}

	tr := tsc.CreateTransactionalSection(newTransactionalID())
	tr.AddReference(contract.Reference{
		Type:            contract.ReferenceTransactional,
		TransactionalID: tr.ID,
		Required:        true,
		SignedBy: []contract.Role{
			contract.SimpleRole(contract.RoleCreator, contract.PublicKeys(fromKeys)...),
			contract.SimpleRole(contract.RoleOwner, toKeys...),
		},
	})
	tsc.SetOwnerKeys(toKeys...)
	if err := seal(tsc); err != nil {
		return nil, err
	}
	return tsc, nil
}

// =============================================================================
// Templates
// =============================================================================

func newTemplate(issuerKeys []*contract.PrivateKey, ownerKeys []*contract.PublicKey, data map[string]string) (*contract.Contract, error) {
	if len(issuerKeys) == 0 || len(ownerKeys) == 0 {
		return nil, ErrNoKeys
	}
	c := contract.New(issuerKeys...)
	c.SetExpiresAt(c.CreatedAt().AddDate(0, TemplateExpiryMonths, 0))
	for k, v := range data {
		c.SetDefinitionData(k, v)
	}
	c.SetOwnerKeys(ownerKeys...)
	c.AddPermission(contract.NewChangeOwnerPermission(contract.RoleOwner))
	return c, nil
}

func addRevokePermissions(c *contract.Contract) {
	c.AddPermission(contract.NewRevokePermission(contract.RoleOwner))
	c.AddPermission(contract.NewRevokePermission(contract.RoleIssuer))
}

// CreateTokenContract issues a divisible token of the given amount.
// Splits go down to 0.01.
func CreateTokenContract(issuerKeys []*contract.PrivateKey, ownerKeys []*contract.PublicKey, amount string) (*contract.Contract, error) {
	return createFungible(issuerKeys, ownerKeys, amount, "0.01", map[string]string{
		"name":          "Default token name",
		"currency_code": "DT",
		"currency_name": "Default token name",
		"description":   "Default token description.",
	})
}

// CreateShareContract issues whole-unit shares of the given amount.
func CreateShareContract(issuerKeys []*contract.PrivateKey, ownerKeys []*contract.PublicKey, amount string) (*contract.Contract, error) {
	return createFungible(issuerKeys, ownerKeys, amount, "1", map[string]string{
		"name":          "Default share name",
		"currency_code": "DSH",
		"currency_name": "Default share name",
		"description":   "Default share description.",
	})
}

func createFungible(issuerKeys []*contract.PrivateKey, ownerKeys []*contract.PublicKey, amount, minUnit string, data map[string]string) (*contract.Contract, error) {
	if _, err := contract.ParseDecimal(amount); err != nil {
		return nil, err
	}
	c, err := newTemplate(issuerKeys, ownerKeys, data)
	if err != nil {
		return nil, err
	}
	c.Set(FieldAmount, amount)
	c.AddPermission(contract.NewSplitJoinPermission(contract.RoleOwner, FieldAmount, minUnit, minUnit))
	addRevokePermissions(c)
	if err := seal(c); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateNotaryContract issues a transferable, revocable notary record.
func CreateNotaryContract(issuerKeys []*contract.PrivateKey, ownerKeys []*contract.PublicKey) (*contract.Contract, error) {
	c, err := newTemplate(issuerKeys, ownerKeys, map[string]string{
		"name":        "Default notary",
		"description": "Default notary description.",
	})
	if err != nil {
		return nil, err
	}
	addRevokePermissions(c)
	if err := seal(c); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateTransactionUnitsContract issues a payment source holding units and
// test units. The owner may only decrease either balance, never below zero.
func CreateTransactionUnitsContract(issuerKeys []*contract.PrivateKey, ownerKeys []*contract.PublicKey, units, testUnits int) (*contract.Contract, error) {
	c, err := newTemplate(issuerKeys, ownerKeys, map[string]string{
		"name":        "Transaction units",
		"description": "Prepaid transaction units.",
	})
	if err != nil {
		return nil, err
	}
	c.Set(FieldTransactionUnits, strconv.Itoa(units))
	c.Set(FieldTestUnits, strconv.Itoa(testUnits))
	decrement := contract.PermissionParams{MinValue: "0", MaxStep: "-1"}
	c.AddPermission(contract.NewChangeNumberPermission(contract.RoleOwner, FieldTransactionUnits, decrement))
	c.AddPermission(contract.NewChangeNumberPermission(contract.RoleOwner, FieldTestUnits, decrement))
	addRevokePermissions(c)
	if err := seal(c); err != nil {
		return nil, err
	}
	return c, nil
}

// =============================================================================
// Parcels
// =============================================================================

// CreateParcel pairs payload with a revision of payment spending amount
// transaction units (or test units).
func CreateParcel(payload, payment *contract.Contract, amount int, keys []*contract.PrivateKey, withTestPayment bool) (*contract.Parcel, error) {
	if !payload.IsSealed() {
		return nil, contract.ErrNotSealed
	}
	return CreateParcelFromPack(contract.NewTransactionPack(payload), payment, amount, keys, withTestPayment)
}

// CreateParcelFromPack is CreateParcel for a prepared payload pack.
func CreateParcelFromPack(payload *contract.TransactionPack, payment *contract.Contract, amount int, keys []*contract.PrivateKey, withTestPayment bool) (*contract.Parcel, error) {
	field := FieldTransactionUnits
	if withTestPayment {
		field = FieldTestUnits
	}
	cur, ok := payment.Get(field)
	if !ok {
		return nil, fmt.Errorf("%w: %s", contract.ErrNoField, field)
	}
	balance, err := strconv.Atoi(cur)
	if err != nil {
		return nil, fmt.Errorf("payment %s: %w", field, err)
	}
	if amount <= 0 || balance-amount < 0 {
		return nil, fmt.Errorf("%w: balance %d, spend %d", ErrInsufficientUnits, balance, amount)
	}

	decreased, err := payment.CreateRevision(keys...)
	if err != nil {
		return nil, err
	}
	decreased.Set(field, strconv.Itoa(balance-amount))
	if err := seal(decreased); err != nil {
		return nil, err
	}
	return contract.NewParcelFromPacks(payload, contract.NewTransactionPack(decreased)), nil
}
