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
	"fmt"
	"math/big"
	"slices"
	"strings"
)

// PermissionKind is the variant tag of a Permission.
type PermissionKind string

const (
	// PermChangeOwner allows replacing the owner role.
	PermChangeOwner PermissionKind = "change_owner"

	// PermRevoke allows revoking the contract from another transaction.
	PermRevoke PermissionKind = "revoke"

	// PermSplitJoin allows splitting and joining a numeric field.
	PermSplitJoin PermissionKind = "split_join"

	// PermModifyData allows changing listed state fields freely.
	PermModifyData PermissionKind = "modify_data"

	// PermChangeNumber allows bounded changes of a numeric field.
	PermChangeNumber PermissionKind = "change_number"
)

// Permission grants a role the right to perform a kind of change.
//
// Role names a role of the contract the permission is declared in; it is
// resolved against that contract when a successor revision is checked.
type Permission struct {
	Name   string           `json:"name"`
	Kind   PermissionKind   `json:"kind"`
	Role   string           `json:"role"`
	Params PermissionParams `json:"params"`
}

// PermissionParams holds kind-specific parameters. Numeric bounds are
// decimal strings; an empty bound is not enforced.
type PermissionParams struct {
	FieldName       string   `json:"field_name,omitempty"`
	MinValue        string   `json:"min_value,omitempty"`
	MaxValue        string   `json:"max_value,omitempty"`
	MinUnit         string   `json:"min_unit,omitempty"`
	MinStep         string   `json:"min_step,omitempty"`
	MaxStep         string   `json:"max_step,omitempty"`
	JoinMatchFields []string `json:"join_match_fields,omitempty"`
	Fields          []string `json:"fields,omitempty"`
}

// NewChangeOwnerPermission creates a change_owner permission.
func NewChangeOwnerPermission(role string) Permission {
	return Permission{Name: "change_owner", Kind: PermChangeOwner, Role: role}
}

// NewRevokePermission creates a revoke permission.
func NewRevokePermission(role string) Permission {
	return Permission{Name: "revoke", Kind: PermRevoke, Role: role}
}

// NewSplitJoinPermission creates a split_join permission on field.
func NewSplitJoinPermission(role, field, minValue, minUnit string) Permission {
	return Permission{
		Name: "split_join",
		Kind: PermSplitJoin,
		Role: role,
		Params: PermissionParams{
			FieldName:       field,
			MinValue:        minValue,
			MinUnit:         minUnit,
			JoinMatchFields: []string{"state.origin"},
		},
	}
}

// NewModifyDataPermission creates a modify_data permission over fields.
func NewModifyDataPermission(role string, fields ...string) Permission {
	return Permission{
		Name:   "modify_data",
		Kind:   PermModifyData,
		Role:   role,
		Params: PermissionParams{Fields: fields},
	}
}

// NewChangeNumberPermission creates a change_number permission on field.
func NewChangeNumberPermission(role, field string, bounds PermissionParams) Permission {
	bounds.FieldName = field
	return Permission{Name: "change_number", Kind: PermChangeNumber, Role: role, Params: bounds}
}

// Clone returns a deep copy.
func (p Permission) Clone() Permission {
	out := p
	out.Params.JoinMatchFields = slices.Clone(p.Params.JoinMatchFields)
	out.Params.Fields = slices.Clone(p.Params.Fields)
	return out
}

// IsAllowedForKeys resolves the permission's role in resolver and checks it.
func (p Permission) IsAllowedForKeys(keys KeySet, resolver RoleResolver) bool {
	if resolver == nil {
		return false
	}
	role, ok := resolver.ResolveRole(p.Role)
	if !ok {
		return false
	}
	return role.IsAllowedForKeys(keys, resolver)
}

// CoversField reports whether a modify_data permission lists field.
func (p Permission) CoversField(field string) bool {
	return p.Kind == PermModifyData && slices.Contains(p.Params.Fields, field)
}

// CheckNumberChange validates a change_number transition from old to new.
func (p Permission) CheckNumberChange(oldValue, newValue string) error {
	oldR, err := ParseDecimal(oldValue)
	if err != nil {
		return err
	}
	newR, err := ParseDecimal(newValue)
	if err != nil {
		return err
	}
	if err := checkBound(newR, p.Params.MinValue, p.Params.MaxValue, "value"); err != nil {
		return err
	}
	step := new(big.Rat).Sub(newR, oldR)
	return checkBound(step, p.Params.MinStep, p.Params.MaxStep, "step")
}

// CheckSplitValue validates one output value of a split_join family.
func (p Permission) CheckSplitValue(value string) error {
	v, err := ParseDecimal(value)
	if err != nil {
		return err
	}
	if err := checkBound(v, p.Params.MinValue, "", "value"); err != nil {
		return err
	}
	if p.Params.MinUnit != "" {
		unit, err := ParseDecimal(p.Params.MinUnit)
		if err != nil {
			return err
		}
		if unit.Sign() > 0 && !new(big.Rat).Quo(v, unit).IsInt() {
			return fmt.Errorf("value %s is not a multiple of %s", value, p.Params.MinUnit)
		}
	}
	return nil
}

func checkBound(v *big.Rat, minS, maxS, what string) error {
	if minS != "" {
		m, err := ParseDecimal(minS)
		if err != nil {
			return err
		}
		if v.Cmp(m) < 0 {
			return fmt.Errorf("%s %s below minimum %s", what, FormatDecimal(v), minS)
		}
	}
	if maxS != "" {
		m, err := ParseDecimal(maxS)
		if err != nil {
			return err
		}
		if v.Cmp(m) > 0 {
			return fmt.Errorf("%s %s above maximum %s", what, FormatDecimal(v), maxS)
		}
	}
	return nil
}

// =============================================================================
// Decimal helpers
// =============================================================================

// ParseDecimal parses a plain decimal string such as "100" or "-0.25".
func ParseDecimal(s string) (*big.Rat, error) {
	if s == "" || strings.ContainsAny(s, "/eE") {
		return nil, fmt.Errorf("bad decimal %q", s)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("bad decimal %q", s)
	}
	return r, nil
}

// FormatDecimal renders r without trailing zeros.
func FormatDecimal(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	s := r.FloatString(18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// AddDecimal returns a + b as a decimal string.
func AddDecimal(a, b string) (string, error) {
	ra, err := ParseDecimal(a)
	if err != nil {
		return "", err
	}
	rb, err := ParseDecimal(b)
	if err != nil {
		return "", err
	}
	return FormatDecimal(new(big.Rat).Add(ra, rb)), nil
}

// SubDecimal returns a - b as a decimal string.
func SubDecimal(a, b string) (string, error) {
	ra, err := ParseDecimal(a)
	if err != nil {
		return "", err
	}
	rb, err := ParseDecimal(b)
	if err != nil {
		return "", err
	}
	return FormatDecimal(new(big.Rat).Sub(ra, rb)), nil
}
