// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contract implements the signed, content-addressed ledger item.
//
// A Contract carries a definition (immutable across revisions), a state
// (revision data and lineage), named roles, permissions, an optional
// transactional section with cross-references, the set of items it revokes
// and the set of items it creates. Sealing serialises the body, signs it
// with the keys queued by AddSignerKey, and derives the HashId from the
// resulting binary, so any change in content or signatures yields a new id.
//
// # Thread Safety
//
// Contracts are NOT safe for concurrent mutation. Sealed contracts decoded
// from a pack may be read concurrently.
package contract

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"
)

// APILevel is written into every sealed body.
const APILevel = 3

// DefaultExpiry is the lifetime of a new root contract.
const DefaultExpiry = 90 * 24 * time.Hour

// Definition is the part of a contract fixed at issue time.
type Definition struct {
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Data        map[string]string `json:"data,omitempty"`
	Permissions []Permission      `json:"permissions,omitempty"`
}

func (d Definition) clone() Definition {
	out := d
	out.Data = maps.Clone(d.Data)
	if d.Permissions != nil {
		out.Permissions = make([]Permission, len(d.Permissions))
		for i, p := range d.Permissions {
			out.Permissions[i] = p.Clone()
		}
	}
	return out
}

// State is the per-revision part of a contract.
type State struct {
	Origin    HashId            `json:"origin"`
	Parent    HashId            `json:"parent"`
	Revision  int               `json:"revision"`
	BranchID  string            `json:"branch_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Data      map[string]string `json:"data,omitempty"`
}

// ReferenceType classifies a Reference.
type ReferenceType int

const (
	// ReferenceTransactional binds to another item of the same transaction.
	ReferenceTransactional ReferenceType = 1
)

// Reference requires another item in the same transaction.
//
// The target is found by its transactional id and, when ContractID is set,
// by its exact HashId. Every role in SignedBy must be satisfied by the
// target's signatures.
type Reference struct {
	Name            string        `json:"name,omitempty"`
	Type            ReferenceType `json:"type"`
	TransactionalID string        `json:"transactional_id"`
	ContractID      HashId        `json:"contract_id"`
	Required        bool          `json:"required"`
	SignedBy        []Role        `json:"signed_by,omitempty"`
}

func (r Reference) clone() Reference {
	out := r
	if r.SignedBy != nil {
		out.SignedBy = make([]Role, len(r.SignedBy))
		for i, role := range r.SignedBy {
			out.SignedBy[i] = role.Clone()
		}
	}
	return out
}

// Transactional is the per-transaction section of a contract.
type Transactional struct {
	ID         string      `json:"id"`
	References []Reference `json:"references,omitempty"`
}

// AddReference appends a reference.
func (t *Transactional) AddReference(r Reference) {
	t.References = append(t.References, r)
}

func (t *Transactional) clone() *Transactional {
	if t == nil {
		return nil
	}
	out := &Transactional{ID: t.ID}
	for _, r := range t.References {
		out.References = append(out.References, r.clone())
	}
	return out
}

// body is the signed payload of a sealed contract.
type body struct {
	APILevel      int             `json:"api_level"`
	Definition    Definition      `json:"definition"`
	State         State           `json:"state"`
	Roles         map[string]Role `json:"roles"`
	Transactional *Transactional  `json:"transactional,omitempty"`
	Revoking      []HashId        `json:"revoking,omitempty"`
	NewItems      []HashId        `json:"new_items,omitempty"`
}

// Signature is one key's signature over the sealed body.
type Signature struct {
	Key   *PublicKey
	Value []byte
}

// Contract is a ledger item. See the package documentation.
type Contract struct {
	definition    Definition
	state         State
	roles         map[string]Role
	transactional *Transactional

	revokingItems  []*Contract
	newItems       []*Contract
	keysToSignWith []*PrivateKey

	sealed      []byte
	body        []byte
	signatures  []Signature
	id          HashId
	revokingIDs []HashId
	newItemIDs  []HashId
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// New creates an unsealed root contract issued, owned and created by the
// given keys, which are also queued for signing.
func New(issuer ...*PrivateKey) *Contract {
	t := now()
	c := &Contract{
		definition: Definition{
			CreatedAt: t,
			ExpiresAt: t.Add(DefaultExpiry),
			Data:      map[string]string{},
		},
		state: State{
			Revision:  1,
			CreatedAt: t,
			Data:      map[string]string{},
		},
		roles: map[string]Role{},
	}
	pubs := PublicKeys(issuer)
	c.SetRole(SimpleRole(RoleIssuer, pubs...))
	c.SetRole(SimpleRole(RoleOwner, pubs...))
	c.SetRole(SimpleRole(RoleCreator, pubs...))
	c.AddSignerKey(issuer...)
	return c
}

// =============================================================================
// Accessors
// =============================================================================

// ID returns the HashId of the last seal, or the zero id.
func (c *Contract) ID() HashId { return c.id }

// IsSealed reports whether the contract has a sealed binary.
func (c *Contract) IsSealed() bool { return c.sealed != nil }

// Sealed returns the sealed binary.
func (c *Contract) Sealed() []byte { return c.sealed }

// Origin returns the id of the root of the revision chain.
func (c *Contract) Origin() HashId {
	if c.state.Origin.IsZero() {
		return c.id
	}
	return c.state.Origin
}

// Parent returns the id of the previous revision, or the zero id.
func (c *Contract) Parent() HashId { return c.state.Parent }

// Revision returns the revision number; roots are revision 1.
func (c *Contract) Revision() int { return c.state.Revision }

// BranchID returns the split branch marker.
func (c *Contract) BranchID() string { return c.state.BranchID }

// CreatedAt returns the state creation time.
func (c *Contract) CreatedAt() time.Time { return c.state.CreatedAt }

// ExpiresAt returns the expiry time.
func (c *Contract) ExpiresAt() time.Time { return c.definition.ExpiresAt }

// SetExpiresAt changes the expiry time.
func (c *Contract) SetExpiresAt(t time.Time) {
	c.definition.ExpiresAt = t.UTC().Truncate(time.Second)
}

// IsExpired reports whether the contract is expired at t.
func (c *Contract) IsExpired(t time.Time) bool {
	return !c.definition.ExpiresAt.After(t)
}

// Get returns a state data field.
func (c *Contract) Get(field string) (string, bool) {
	v, ok := c.state.Data[field]
	return v, ok
}

// Set sets a state data field.
func (c *Contract) Set(field, value string) {
	if c.state.Data == nil {
		c.state.Data = map[string]string{}
	}
	c.state.Data[field] = value
}

// StateData returns a copy of the state data.
func (c *Contract) StateData() map[string]string {
	return maps.Clone(c.state.Data)
}

// DefinitionData returns a copy of the definition data.
func (c *Contract) DefinitionData() map[string]string {
	return maps.Clone(c.definition.Data)
}

// SetDefinitionData sets a definition data field.
func (c *Contract) SetDefinitionData(field, value string) {
	if c.definition.Data == nil {
		c.definition.Data = map[string]string{}
	}
	c.definition.Data[field] = value
}

// AddPermission declares a permission in the definition.
func (c *Contract) AddPermission(p Permission) {
	c.definition.Permissions = append(c.definition.Permissions, p)
}

// Permissions returns the declared permissions.
func (c *Contract) Permissions() []Permission {
	return slices.Clone(c.definition.Permissions)
}

// PermissionsOf returns the declared permissions of one kind.
func (c *Contract) PermissionsOf(kind PermissionKind) []Permission {
	var out []Permission
	for _, p := range c.definition.Permissions {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// Role returns a named role.
func (c *Contract) Role(name string) (Role, bool) {
	r, ok := c.roles[name]
	return r, ok
}

// ResolveRole implements RoleResolver.
func (c *Contract) ResolveRole(name string) (Role, bool) {
	return c.Role(name)
}

// SetRole registers or replaces a role under its name.
func (c *Contract) SetRole(r Role) {
	if c.roles == nil {
		c.roles = map[string]Role{}
	}
	c.roles[r.Name] = r
}

// Owner returns the owner role.
func (c *Contract) Owner() Role { return c.roles[RoleOwner] }

// Issuer returns the issuer role.
func (c *Contract) Issuer() Role { return c.roles[RoleIssuer] }

// Creator returns the creator role.
func (c *Contract) Creator() Role { return c.roles[RoleCreator] }

// SetOwnerKeys replaces the owner role with the given keys.
func (c *Contract) SetOwnerKeys(keys ...*PublicKey) {
	c.SetRole(SimpleRole(RoleOwner, keys...))
}

// SetCreatorKeys replaces the creator role with the given keys.
func (c *Contract) SetCreatorKeys(keys ...*PublicKey) {
	c.SetRole(SimpleRole(RoleCreator, keys...))
}

// Transactional returns the transactional section, or nil.
func (c *Contract) Transactional() *Transactional { return c.transactional }

// CreateTransactionalSection installs an empty transactional section with id.
func (c *Contract) CreateTransactionalSection(id string) *Transactional {
	c.transactional = &Transactional{ID: id}
	return c.transactional
}

// AddSignerKey queues keys to sign with on the next Seal.
func (c *Contract) AddSignerKey(keys ...*PrivateKey) {
	for _, k := range keys {
		if !slices.ContainsFunc(c.keysToSignWith, func(x *PrivateKey) bool {
			return x.PublicKey().Equal(k.PublicKey())
		}) {
			c.keysToSignWith = append(c.keysToSignWith, k)
		}
	}
}

// ClearSignerKeys drops all queued signer keys.
func (c *Contract) ClearSignerKeys() {
	c.keysToSignWith = nil
}

// AddNewItems adds items this contract creates.
func (c *Contract) AddNewItems(items ...*Contract) {
	c.newItems = append(c.newItems, items...)
}

// NewItems returns the items this contract creates.
func (c *Contract) NewItems() []*Contract { return slices.Clone(c.newItems) }

// AddRevokingItems adds items this contract revokes.
func (c *Contract) AddRevokingItems(items ...*Contract) {
	for _, it := range items {
		if !slices.Contains(c.revokingItems, it) {
			c.revokingItems = append(c.revokingItems, it)
		}
	}
}

// RevokingItems returns the items this contract revokes.
func (c *Contract) RevokingItems() []*Contract { return slices.Clone(c.revokingItems) }

// RevokingIDs returns the ids of revoked items as listed in the sealed body.
func (c *Contract) RevokingIDs() []HashId { return slices.Clone(c.revokingIDs) }

// NewItemIDs returns the ids of new items as listed in the sealed body.
func (c *Contract) NewItemIDs() []HashId { return slices.Clone(c.newItemIDs) }

// Signatures returns the signatures of the sealed binary.
func (c *Contract) Signatures() []Signature { return slices.Clone(c.signatures) }

// SignerKeys returns the keys that produced valid signatures.
func (c *Contract) SignerKeys() KeySet {
	out := make(KeySet)
	for _, s := range c.signatures {
		if s.Key.Verify(c.body, s.Value) {
			out.Add(s.Key)
		}
	}
	return out
}

// String implements fmt.Stringer.
func (c *Contract) String() string {
	if c.id.IsZero() {
		return "contract(unsealed)"
	}
	return fmt.Sprintf("contract(%s r%d)", c.id.Short(), c.state.Revision)
}

// =============================================================================
// Sealing
// =============================================================================

// Seal serialises and signs the contract and recomputes its id.
//
// Unsealed new items are sealed first. Revoked items must already be sealed.
// Existing signatures are replaced by signatures of the queued keys.
func (c *Contract) Seal() ([]byte, error) {
	for _, n := range c.newItems {
		if !n.IsSealed() {
			if _, err := n.Seal(); err != nil {
				return nil, fmt.Errorf("seal new item: %w", err)
			}
		}
	}
	b := body{
		APILevel:      APILevel,
		Definition:    c.definition,
		State:         c.state,
		Roles:         c.roles,
		Transactional: c.transactional,
	}
	for _, r := range c.revokingItems {
		if !r.IsSealed() {
			return nil, fmt.Errorf("revoking item: %w", ErrNotSealed)
		}
		b.Revoking = append(b.Revoking, r.ID())
	}
	for _, n := range c.newItems {
		b.NewItems = append(b.NewItems, n.ID())
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal contract body: %w", err)
	}
	sigs := make([]Signature, 0, len(c.keysToSignWith))
	for _, k := range c.keysToSignWith {
		v, err := k.Sign(raw)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, Signature{Key: k.PublicKey(), Value: v})
	}
	c.body = raw
	c.signatures = sigs
	c.revokingIDs = b.Revoking
	c.newItemIDs = b.NewItems
	c.reseal()
	return c.sealed, nil
}

// AddSignatureToSeal signs the already sealed body with additional keys.
//
// The body is unchanged; the binary and therefore the id change.
func (c *Contract) AddSignatureToSeal(keys ...*PrivateKey) error {
	if !c.IsSealed() {
		return ErrNotSealed
	}
	for _, k := range keys {
		if slices.ContainsFunc(c.signatures, func(s Signature) bool {
			return s.Key.Equal(k.PublicKey())
		}) {
			continue
		}
		v, err := k.Sign(c.body)
		if err != nil {
			return err
		}
		c.signatures = append(c.signatures, Signature{Key: k.PublicKey(), Value: v})
	}
	c.reseal()
	return nil
}

func (c *Contract) reseal() {
	c.sealed = encodeEnvelope(c.body, c.signatures)
	c.id = HashOf(c.sealed)
}

// FromSealed decodes a sealed binary. Revoked and new items are not linked;
// use a TransactionPack to decode a full graph.
func FromSealed(sealed []byte) (*Contract, error) {
	sealed = slices.Clone(sealed)
	raw, sigs, err := decodeEnvelope(sealed)
	if err != nil {
		return nil, err
	}
	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrBadPack, err)
	}
	if b.Roles == nil {
		b.Roles = map[string]Role{}
	}
	c := &Contract{
		definition:    b.Definition,
		state:         b.State,
		roles:         b.Roles,
		transactional: b.Transactional,
		sealed:        sealed,
		body:          raw,
		signatures:    sigs,
		revokingIDs:   b.Revoking,
		newItemIDs:    b.NewItems,
	}
	c.id = HashOf(c.sealed)
	return c, nil
}

// =============================================================================
// Revisions
// =============================================================================

// CreateRevision creates an unsealed successor of a sealed contract.
//
// The successor inherits definition, roles and data, points its parent at
// c, revokes c, and increments the revision. When keys are given they are
// queued for signing and become the creator role.
func (c *Contract) CreateRevision(keys ...*PrivateKey) (*Contract, error) {
	if !c.IsSealed() {
		return nil, ErrNotSealed
	}
	r := &Contract{
		definition: c.definition.clone(),
		state: State{
			Origin:    c.Origin(),
			Parent:    c.id,
			Revision:  c.state.Revision + 1,
			CreatedAt: now(),
			Data:      maps.Clone(c.state.Data),
		},
		roles: make(map[string]Role, len(c.roles)),
	}
	if r.state.Data == nil {
		r.state.Data = map[string]string{}
	}
	for name, role := range c.roles {
		r.roles[name] = role.Clone()
	}
	r.AddRevokingItems(c)
	if len(keys) > 0 {
		r.AddSignerKey(keys...)
		r.SetCreatorKeys(PublicKeys(keys)...)
	}
	return r, nil
}

// SplitValue moves amount of a numeric field from this unsealed revision
// into a new sibling revision, which becomes a new item of this one.
//
// The sibling shares parent, origin and revision number, carries a distinct
// branch id, and is queued to sign with the same keys.
func (c *Contract) SplitValue(field, amount string) (*Contract, error) {
	cur, ok := c.state.Data[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoField, field)
	}
	rest, err := SubDecimal(cur, amount)
	if err != nil {
		return nil, err
	}
	sibling := &Contract{
		definition: c.definition.clone(),
		state: State{
			Origin:    c.state.Origin,
			Parent:    c.state.Parent,
			Revision:  c.state.Revision,
			BranchID:  strconv.Itoa(c.state.Revision) + ":" + strconv.Itoa(len(c.newItems)+1),
			CreatedAt: c.state.CreatedAt,
			Data:      maps.Clone(c.state.Data),
		},
		roles:          make(map[string]Role, len(c.roles)),
		keysToSignWith: slices.Clone(c.keysToSignWith),
	}
	for name, role := range c.roles {
		sibling.roles[name] = role.Clone()
	}
	sibling.state.Data[field] = amount
	c.state.Data[field] = rest
	c.AddNewItems(sibling)
	return sibling, nil
}

// Copy returns an independent deep copy of a sealed contract graph.
func (c *Contract) Copy() (*Contract, error) {
	packed, err := c.PackTransaction()
	if err != nil {
		return nil, err
	}
	tp, err := DecodeTransactionPack(packed)
	if err != nil {
		return nil, err
	}
	return tp.Contract(), nil
}

// SameDefinition reports whether two contracts share an identical definition.
func (c *Contract) SameDefinition(other *Contract) bool {
	a, errA := json.Marshal(c.definition)
	b, errB := json.Marshal(other.definition)
	return errA == nil && errB == nil && string(a) == string(b)
}
