// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
)

// ItemState is the approval state of one item on one node.
type ItemState int

const (
	// StateUndefined means the node has no decision for the item.
	StateUndefined ItemState = iota

	// StatePending means the item was submitted and has no local vote yet.
	StatePending

	// StatePendingPositive means the node voted to accept and awaits consensus.
	StatePendingPositive

	// StatePendingNegative means the node voted to reject and awaits consensus.
	StatePendingNegative

	// StateApproved is terminal: the item is valid.
	StateApproved

	// StateDeclined is terminal: the item is invalid.
	StateDeclined

	// StateRevoked is terminal: a later transaction superseded the item.
	StateRevoked

	// StateLocked means an approved item is being revoked by an in-flight
	// transaction.
	StateLocked

	// StateLockedForCreation means an item is being created by an in-flight
	// transaction.
	StateLockedForCreation
)

var stateNames = [...]string{
	StateUndefined:         "UNDEFINED",
	StatePending:           "PENDING",
	StatePendingPositive:   "PENDING_POSITIVE",
	StatePendingNegative:   "PENDING_NEGATIVE",
	StateApproved:          "APPROVED",
	StateDeclined:          "DECLINED",
	StateRevoked:           "REVOKED",
	StateLocked:            "LOCKED",
	StateLockedForCreation: "LOCKED_FOR_CREATION",
}

// String returns the wire name.
func (s ItemState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("ItemState(%d)", int(s))
	}
	return stateNames[s]
}

// ParseItemState parses a wire name.
func ParseItemState(name string) (ItemState, error) {
	for i, n := range stateNames {
		if n == name {
			return ItemState(i), nil
		}
	}
	return StateUndefined, fmt.Errorf("unknown item state %q", name)
}

// MarshalText encodes the wire name.
func (s ItemState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes the wire name.
func (s *ItemState) UnmarshalText(text []byte) error {
	v, err := ParseItemState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// IsPending reports whether a vote is outstanding.
func (s ItemState) IsPending() bool {
	return s == StatePending || s == StatePendingPositive || s == StatePendingNegative
}

// IsTerminal reports whether the state is final.
func (s ItemState) IsTerminal() bool {
	return s == StateApproved || s == StateDeclined || s == StateRevoked
}

// IsApproved reports whether the item currently counts as valid. A locked
// item is still valid until its revoking transaction commits.
func (s ItemState) IsApproved() bool {
	return s == StateApproved || s == StateLocked
}

// IsUnfinished reports whether the record belongs to an unresolved
// transaction.
func (s ItemState) IsUnfinished() bool {
	return s.IsPending() || s == StateLocked || s == StateLockedForCreation
}

// StateRecord is the ledger row of one item.
type StateRecord struct {
	RecordID         uint64          `json:"record_id"`
	ID               contract.HashId `json:"id"`
	State            ItemState       `json:"state"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	LockedByRecordID uint64          `json:"locked_by_record_id,omitempty"`
}

// Clone returns a copy.
func (r *StateRecord) Clone() *StateRecord {
	c := *r
	return &c
}

// String implements fmt.Stringer.
func (r *StateRecord) String() string {
	if r.LockedByRecordID != 0 {
		return fmt.Sprintf("%s#%d %s locked_by=%d", r.ID.Short(), r.RecordID, r.State, r.LockedByRecordID)
	}
	return fmt.Sprintf("%s#%d %s", r.ID.Short(), r.RecordID, r.State)
}
