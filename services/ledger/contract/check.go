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
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/AleutianAI/AleutianLedger/services/ledger/quantiser"
)

// CheckContext carries what a structural check needs besides the contract.
type CheckContext struct {
	// Quantiser meters the check. Nil means an unlimited session.
	Quantiser *quantiser.Quantiser

	// Now is the reference time for expiry. Zero means time.Now.
	Now time.Time

	// Pack is the arena references are resolved in. Nil means the graph
	// reachable from the checked contract.
	Pack *TransactionPack
}

// Check validates the contract graph rooted at c without consulting any
// ledger state.
//
// # Description
//
// Verifies signatures, expiry, revision lineage, role and permission rules
// for every change against the parent revision, split/join sums, revoke
// rights, new items (recursively) and required transactional references.
// Every priced step is charged to the quantiser.
//
// # Outputs
//
//   - []ErrorRecord: every problem found. Empty means the contract is
//     structurally valid.
//   - error: non-nil only when the quantiser limit was exceeded; the records
//     then end with a QUANTIZER_COST_LIMIT entry and the check is incomplete.
func (c *Contract) Check(cc CheckContext) ([]ErrorRecord, error) {
	if cc.Quantiser == nil {
		cc.Quantiser = quantiser.New()
	}
	if cc.Now.IsZero() {
		cc.Now = time.Now()
	}
	if cc.Pack == nil {
		cc.Pack = NewTransactionPack(c)
	}
	k := &checker{q: cc.Quantiser, now: cc.Now, pack: cc.Pack}
	err := k.checkItem(c, nil)
	if err != nil {
		var limitErr *quantiser.CostLimitError
		if errors.As(err, &limitErr) {
			k.fail(ErrorCostLimit, c, limitErr.Error())
		} else {
			k.fail(ErrorFailedCheck, c, err.Error())
		}
	}
	return k.errs, err
}

type checker struct {
	q    *quantiser.Quantiser
	now  time.Time
	pack *TransactionPack
	errs []ErrorRecord
}

func (k *checker) fail(kind ErrorKind, c *Contract, msg string) {
	k.errs = append(k.errs, NewErrorRecord(kind, c.ID().String(), msg))
}

func (k *checker) failf(kind ErrorKind, c *Contract, format string, args ...any) {
	k.fail(kind, c, fmt.Sprintf(format, args...))
}

// checkItem validates one contract. siblingParents holds the parent of the
// enclosing revision, which a split sibling may share.
func (k *checker) checkItem(c *Contract, siblingParents map[HashId]*Contract) error {
	signers, err := k.checkSignatures(c)
	if err != nil {
		return err
	}
	if c.IsExpired(k.now) {
		k.failf(ErrorExpired, c, "expired at %s", c.ExpiresAt().Format(time.RFC3339))
	}
	if !c.Creator().IsAllowedForKeys(signers, c) {
		k.fail(ErrorNotSigned, c, "creator role is not satisfied by signatures")
	}

	joined := map[HashId]bool{}
	if c.Parent().IsZero() {
		k.checkRoot(c, signers)
	} else {
		parent, isSibling := k.findParent(c, siblingParents)
		if parent == nil {
			k.fail(ErrorBadRevoke, c, "parent revision is not part of the transaction")
		} else {
			splitFields, err := k.checkRevision(c, parent, signers)
			if err != nil {
				return err
			}
			if !isSibling {
				if joined, err = k.checkSplitJoin(c, parent, signers, splitFields); err != nil {
					return err
				}
			}
		}
	}

	if err := k.checkRevoking(c, signers, joined); err != nil {
		return err
	}
	if err := k.checkNewItems(c); err != nil {
		return err
	}
	return k.checkReferences(c)
}

func (k *checker) checkSignatures(c *Contract) (KeySet, error) {
	signers := make(KeySet)
	if len(c.signatures) == 0 {
		k.fail(ErrorNotSigned, c, "no signatures")
	}
	for _, s := range c.signatures {
		if err := k.q.AddWorkCost(quantiser.SignatureProcess(s.Key.Bits())); err != nil {
			return nil, err
		}
		if !s.Key.Verify(c.body, s.Value) {
			k.failf(ErrorBadSignature, c, "bad signature by %s", s.Key.Fingerprint())
			continue
		}
		signers.Add(s.Key)
	}
	return signers, nil
}

func (k *checker) checkRoot(c *Contract, signers KeySet) {
	if c.Revision() != 1 || !c.state.Origin.IsZero() {
		k.fail(ErrorBadValue, c, "root contract must be revision 1 without origin")
	}
	if !c.Issuer().IsAllowedForKeys(signers, c) {
		k.fail(ErrorNotSigned, c, "issuer role is not satisfied by signatures")
	}
}

func (k *checker) findParent(c *Contract, siblingParents map[HashId]*Contract) (*Contract, bool) {
	for _, r := range c.revokingItems {
		if r.ID() == c.Parent() {
			return r, false
		}
	}
	if p, ok := siblingParents[c.Parent()]; ok {
		return p, true
	}
	return nil, false
}

// checkRevision validates c against its parent and returns the split_join
// fields whose changes are left to the family check.
func (k *checker) checkRevision(c, parent *Contract, signers KeySet) (map[string]Permission, error) {
	if c.Origin() != parent.Origin() {
		k.fail(ErrorBadValue, c, "origin differs from parent")
	}
	if c.Revision() != parent.Revision()+1 {
		k.failf(ErrorBadValue, c, "revision %d does not follow parent revision %d", c.Revision(), parent.Revision())
	}
	if !c.SameDefinition(parent) {
		k.fail(ErrorForbidden, c, "definition cannot change between revisions")
	}
	if !c.Issuer().Equivalent(parent.Issuer()) {
		k.fail(ErrorForbidden, c, "issuer cannot change between revisions")
	}

	if !c.Owner().Equivalent(parent.Owner()) {
		ok, err := k.anyAllowed(parent.PermissionsOf(PermChangeOwner), signers, parent)
		if err != nil {
			return nil, err
		}
		if !ok {
			k.fail(ErrorForbidden, c, "owner change is not permitted")
		}
	}

	splitFields := map[string]Permission{}
	for _, p := range parent.PermissionsOf(PermSplitJoin) {
		if _, seen := splitFields[p.Params.FieldName]; !seen {
			splitFields[p.Params.FieldName] = p
		}
	}

	for _, field := range changedFields(parent.state.Data, c.state.Data) {
		if _, ok := splitFields[field]; ok {
			continue
		}
		ok, err := k.fieldChangeAllowed(parent, field, parent.state.Data[field], c.state.Data[field], signers)
		if err != nil {
			return nil, err
		}
		if !ok {
			k.failf(ErrorForbidden, c, "change of state field %q is not permitted", field)
		}
	}
	return splitFields, nil
}

func (k *checker) fieldChangeAllowed(parent *Contract, field, oldV, newV string, signers KeySet) (bool, error) {
	for _, p := range parent.definition.Permissions {
		switch {
		case p.Kind == PermChangeNumber && p.Params.FieldName == field:
		case p.CoversField(field):
		default:
			continue
		}
		if err := k.q.AddWorkCost(quantiser.PriceApplicablePerm); err != nil {
			return false, err
		}
		if !p.IsAllowedForKeys(signers, parent) {
			continue
		}
		if p.Kind == PermChangeNumber {
			if oldV == "" || newV == "" || p.CheckNumberChange(oldV, newV) != nil {
				continue
			}
		}
		return true, nil
	}
	return false, nil
}

func (k *checker) anyAllowed(perms []Permission, signers KeySet, resolver RoleResolver) (bool, error) {
	for _, p := range perms {
		if err := k.q.AddWorkCost(quantiser.PriceApplicablePerm); err != nil {
			return false, err
		}
		if p.IsAllowedForKeys(signers, resolver) {
			return true, nil
		}
	}
	return false, nil
}

// checkSplitJoin validates split/join families and returns the ids of
// non-parent revoked items the family legitimately joins.
func (k *checker) checkSplitJoin(c, parent *Contract, signers KeySet, splitFields map[string]Permission) (map[HashId]bool, error) {
	joined := map[HashId]bool{}

	var joins []*Contract
	for _, r := range c.revokingItems {
		if r.ID() != parent.ID() && r.Origin() == c.Origin() {
			joins = append(joins, r)
		}
	}
	var siblings []*Contract
	for _, n := range c.newItems {
		if n.Origin() == c.Origin() && n.Parent() == parent.ID() {
			siblings = append(siblings, n)
		}
	}

	for field, perm := range splitFields {
		if parent.state.Data[field] == c.state.Data[field] && len(joins) == 0 && len(siblings) == 0 {
			continue
		}
		if err := k.q.AddWorkCost(quantiser.PriceSplitJoinPerm); err != nil {
			return nil, err
		}
		if !perm.IsAllowedForKeys(signers, parent) {
			k.failf(ErrorForbidden, c, "split_join of %q is not permitted", field)
			continue
		}
		in := new(big.Rat)
		out := new(big.Rat)
		ok := addField(in, parent, field) && addField(out, c, field)
		if err := perm.CheckSplitValue(c.state.Data[field]); err != nil {
			k.failf(ErrorBadValue, c, "%s: %v", field, err)
		}
		for _, r := range joins {
			ok = ok && addField(in, r, field)
			if !slices.ContainsFunc(r.PermissionsOf(PermSplitJoin), func(p Permission) bool {
				return p.Params.FieldName == field && p.IsAllowedForKeys(signers, r)
			}) {
				k.failf(ErrorForbidden, c, "join of %s is not permitted", r.ID().Short())
				continue
			}
			joined[r.ID()] = true
		}
		for _, n := range siblings {
			ok = ok && addField(out, n, field)
			if err := perm.CheckSplitValue(n.state.Data[field]); err != nil {
				k.failf(ErrorBadValue, n, "%s: %v", field, err)
			}
		}
		if !ok {
			k.failf(ErrorBadValue, c, "split_join field %q is not a decimal in every revision", field)
			continue
		}
		if in.Cmp(out) != 0 {
			k.failf(ErrorBadValue, c, "split_join of %q does not preserve the sum: %s in, %s out",
				field, FormatDecimal(in), FormatDecimal(out))
		}
	}

	if len(splitFields) == 0 && (len(joins) > 0 || len(siblings) > 0) {
		k.fail(ErrorForbidden, c, "split or join without split_join permission")
	}
	return joined, nil
}

func addField(acc *big.Rat, c *Contract, field string) bool {
	v, ok := c.state.Data[field]
	if !ok {
		return false
	}
	r, err := ParseDecimal(v)
	if err != nil {
		return false
	}
	acc.Add(acc, r)
	return true
}

func (k *checker) checkRevoking(c *Contract, signers KeySet, joined map[HashId]bool) error {
	if len(c.revokingItems) < len(c.revokingIDs) {
		for _, id := range c.revokingIDs {
			if !slices.ContainsFunc(c.revokingItems, func(r *Contract) bool { return r.ID() == id }) {
				k.failf(ErrorBadRevoke, c, "revoked item %s is not part of the transaction", id.Short())
			}
		}
	}
	for _, r := range c.revokingItems {
		if err := k.q.AddWorkCost(quantiser.PriceRevokeVersion); err != nil {
			return err
		}
		if r.ID() == c.Parent() || joined[r.ID()] {
			continue
		}
		ok, err := k.anyAllowed(r.PermissionsOf(PermRevoke), signers, r)
		if err != nil {
			return err
		}
		if !ok {
			k.failf(ErrorBadRevoke, c, "no permission to revoke %s", r.ID().Short())
		}
	}
	return nil
}

func (k *checker) checkNewItems(c *Contract) error {
	if len(c.newItems) == 0 {
		return nil
	}
	// A sibling may only share the container's own parent. That is the one
	// family whose split_join sum counts the sibling.
	var parents map[HashId]*Contract
	for _, r := range c.revokingItems {
		if r.ID() == c.Parent() && r.Origin() == c.Origin() {
			parents = map[HashId]*Contract{r.ID(): r}
			break
		}
	}
	for _, n := range c.newItems {
		if err := k.q.AddWorkCost(quantiser.PriceRegisterVersion); err != nil {
			return err
		}
		sub := &checker{
			q:    quantiser.NewWithLimit(k.q.Remaining()),
			now:  k.now,
			pack: k.pack,
		}
		subErr := sub.checkItem(n, parents)
		if err := k.q.AddWorkCostFrom(sub.q); err != nil {
			return err
		}
		if subErr != nil {
			return subErr
		}
		if len(sub.errs) > 0 {
			k.errs = append(k.errs, sub.errs...)
			k.failf(ErrorBadNewItem, c, "new item %s has errors", n.ID().Short())
		}
	}
	return nil
}

func (k *checker) checkReferences(c *Contract) error {
	if c.transactional == nil {
		return nil
	}
	for _, ref := range c.transactional.References {
		if !ref.Required || ref.Type != ReferenceTransactional {
			continue
		}
		if err := k.q.AddWorkCost(quantiser.PriceCheckReferencedVersion); err != nil {
			return err
		}
		if !k.referenceSatisfied(ref) {
			k.failf(ErrorBadRef, c, "required reference to transactional %q is not satisfied", ref.TransactionalID)
		}
	}
	return nil
}

func (k *checker) referenceSatisfied(ref Reference) bool {
	for _, target := range k.pack.FindTransactional(ref.TransactionalID) {
		if !ref.ContractID.IsZero() && target.ID() != ref.ContractID {
			continue
		}
		signers := target.SignerKeys()
		all := true
		for _, role := range ref.SignedBy {
			if !role.IsAllowedForKeys(signers, target) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func changedFields(before, after map[string]string) []string {
	var out []string
	for f, v := range before {
		if nv, ok := after[f]; !ok || nv != v {
			out = append(out, f)
		}
	}
	for f := range after {
		if _, ok := before[f]; !ok {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}
