// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger stores the per-node approval state of every item the node
// has seen.
//
// Records are keyed by item id and carry a node-local record id that lock
// relationships refer to. All multi-record changes (locking the inputs of a
// transaction, committing its result) go through Update so they are applied
// atomically or not at all.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("ledger record not found")

	// ErrStateConflict is returned when a compare-and-set saw an unexpected
	// state or a concurrent transaction touched the same records.
	ErrStateConflict = errors.New("ledger state conflict")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger closed")
)

// =============================================================================
// Interfaces
// =============================================================================

// Tx is a view of the ledger inside one atomic Update.
//
// # Thread Safety
//
// Not safe for concurrent use. Valid only inside the Update callback.
type Tx interface {
	// Get returns the record for id or ErrNotFound.
	Get(id contract.HashId) (*StateRecord, error)

	// GetByRecordID returns the record with the given record id or
	// ErrNotFound.
	GetByRecordID(recordID uint64) (*StateRecord, error)

	// FindOrCreate returns the record for id, creating an UNDEFINED one.
	FindOrCreate(id contract.HashId) (*StateRecord, error)

	// Save writes rec. rec.RecordID must be set.
	Save(rec *StateRecord) error

	// Destroy removes the record for id. Missing records are ignored.
	Destroy(id contract.HashId) error
}

// Ledger is a node's durable item state store.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Ledger interface {
	// FindOrCreate returns the record for id, creating an UNDEFINED one.
	FindOrCreate(ctx context.Context, id contract.HashId) (*StateRecord, error)

	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id contract.HashId) (*StateRecord, error)

	// GetByRecordID returns the record with the given record id.
	GetByRecordID(ctx context.Context, recordID uint64) (*StateRecord, error)

	// Save writes rec unconditionally.
	Save(ctx context.Context, rec *StateRecord) error

	// Destroy removes the record for id.
	Destroy(ctx context.Context, id contract.HashId) error

	// Transition moves id from one state to another. It fails with
	// ErrStateConflict when the stored state is not from.
	Transition(ctx context.Context, id contract.HashId, from, to ItemState) (*StateRecord, error)

	// Update runs fn atomically. A lost race surfaces as ErrStateConflict
	// and nothing fn wrote is kept.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// FindUnfinished returns every record in a pending or locked state.
	FindUnfinished(ctx context.Context) ([]*StateRecord, error)

	// FindLockedBy returns the records locked by the given record id.
	FindLockedBy(ctx context.Context, recordID uint64) ([]*StateRecord, error)

	// PutItem caches a packed item for ttl. Zero ttl keeps it forever.
	PutItem(ctx context.Context, id contract.HashId, packed []byte, ttl time.Duration) error

	// GetItem returns a cached packed item or ErrNotFound.
	GetItem(ctx context.Context, id contract.HashId) ([]byte, error)

	// CountByState returns the number of records per state.
	CountByState(ctx context.Context) (map[ItemState]int, error)

	// Close releases resources.
	Close() error
}
