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

// Well-known role names.
const (
	RoleIssuer  = "issuer"
	RoleOwner   = "owner"
	RoleCreator = "creator"
)

// maxRoleDepth bounds link and list resolution.
const maxRoleDepth = 8

// RoleKind is the variant tag of a Role.
type RoleKind string

const (
	// RoleKindSimple is satisfied by a fixed set of keys.
	RoleKindSimple RoleKind = "simple"

	// RoleKindLink delegates to another named role.
	RoleKindLink RoleKind = "link"

	// RoleKindList combines sub-roles with a mode.
	RoleKindList RoleKind = "list"
)

// ListMode controls how a list role combines its members.
type ListMode string

const (
	ListModeAll    ListMode = "all"
	ListModeAny    ListMode = "any"
	ListModeQuorum ListMode = "quorum"
)

// RoleResolver looks up named roles for link resolution.
type RoleResolver interface {
	ResolveRole(name string) (Role, bool)
}

// Role names a party that may act on a contract.
//
// A Role is a tagged variant: Keys is used by simple roles, Target by links,
// Roles, Mode and Quorum by lists.
type Role struct {
	Kind   RoleKind     `json:"kind"`
	Name   string       `json:"name"`
	Keys   []*PublicKey `json:"keys,omitempty"`
	Target string       `json:"target,omitempty"`
	Roles  []Role       `json:"roles,omitempty"`
	Mode   ListMode     `json:"mode,omitempty"`
	Quorum int          `json:"quorum,omitempty"`
}

// SimpleRole creates a role satisfied when all keys signed.
func SimpleRole(name string, keys ...*PublicKey) Role {
	return Role{Kind: RoleKindSimple, Name: name, Keys: NewKeySet(keys...).Slice()}
}

// LinkRole creates a role that resolves to another named role.
func LinkRole(name, target string) Role {
	return Role{Kind: RoleKindLink, Name: name, Target: target}
}

// ListRole creates a role combining sub-roles.
func ListRole(name string, mode ListMode, quorum int, roles ...Role) Role {
	return Role{Kind: RoleKindList, Name: name, Roles: roles, Mode: mode, Quorum: quorum}
}

// WithName returns a copy of the role renamed.
func (r Role) WithName(name string) Role {
	out := r.Clone()
	out.Name = name
	return out
}

// Clone returns a deep copy.
func (r Role) Clone() Role {
	out := r
	if r.Keys != nil {
		out.Keys = append([]*PublicKey(nil), r.Keys...)
	}
	if r.Roles != nil {
		out.Roles = make([]Role, len(r.Roles))
		for i, sub := range r.Roles {
			out.Roles[i] = sub.Clone()
		}
	}
	return out
}

// IsAllowedForKeys reports whether the given signer keys satisfy the role.
//
// Links are resolved through resolver; a nil resolver makes every link
// unsatisfiable. Cycles and excessive nesting are unsatisfiable.
func (r Role) IsAllowedForKeys(keys KeySet, resolver RoleResolver) bool {
	return r.allowed(keys, resolver, 0)
}

func (r Role) allowed(keys KeySet, resolver RoleResolver, depth int) bool {
	if depth > maxRoleDepth {
		return false
	}
	switch r.Kind {
	case RoleKindSimple:
		return len(r.Keys) > 0 && keys.ContainsAll(r.Keys)
	case RoleKindLink:
		if resolver == nil || r.Target == "" {
			return false
		}
		target, ok := resolver.ResolveRole(r.Target)
		if !ok {
			return false
		}
		return target.allowed(keys, resolver, depth+1)
	case RoleKindList:
		if len(r.Roles) == 0 {
			return false
		}
		n := 0
		for _, sub := range r.Roles {
			if sub.allowed(keys, resolver, depth+1) {
				n++
			}
		}
		switch r.Mode {
		case ListModeAny:
			return n >= 1
		case ListModeQuorum:
			return r.Quorum > 0 && n >= r.Quorum
		default:
			return n == len(r.Roles)
		}
	default:
		return false
	}
}

// EffectiveKeys returns every key mentioned by the role after resolution.
func (r Role) EffectiveKeys(resolver RoleResolver) KeySet {
	out := make(KeySet)
	r.collectKeys(out, resolver, 0)
	return out
}

func (r Role) collectKeys(out KeySet, resolver RoleResolver, depth int) {
	if depth > maxRoleDepth {
		return
	}
	switch r.Kind {
	case RoleKindSimple:
		for _, k := range r.Keys {
			out.Add(k)
		}
	case RoleKindLink:
		if resolver == nil {
			return
		}
		if target, ok := resolver.ResolveRole(r.Target); ok {
			target.collectKeys(out, resolver, depth+1)
		}
	case RoleKindList:
		for _, sub := range r.Roles {
			sub.collectKeys(out, resolver, depth+1)
		}
	}
}

// Equivalent reports whether two roles describe the same party, ignoring
// their names and key order.
func (r Role) Equivalent(other Role) bool {
	if r.Kind != other.Kind {
		return false
	}
	switch r.Kind {
	case RoleKindSimple:
		if len(NewKeySet(r.Keys...)) != len(NewKeySet(other.Keys...)) {
			return false
		}
		return NewKeySet(r.Keys...).ContainsAll(other.Keys)
	case RoleKindLink:
		return r.Target == other.Target
	case RoleKindList:
		if r.Mode != other.Mode || r.Quorum != other.Quorum || len(r.Roles) != len(other.Roles) {
			return false
		}
		for i := range r.Roles {
			if !r.Roles[i].Equivalent(other.Roles[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// roleMap resolves names against a fixed set of roles.
type roleMap map[string]Role

// ResolveRole implements RoleResolver.
func (m roleMap) ResolveRole(name string) (Role, bool) {
	r, ok := m[name]
	return r, ok
}
