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
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
	ledgerbadger "github.com/AleutianAI/AleutianLedger/services/ledger/storage/badger"
)

// ErrCorrupted is returned when a stored record fails its checksum.
var ErrCorrupted = errors.New("ledger record corrupted")

// Key layout:
//
//	rec/<id>                 CRC32 + JSON StateRecord
//	rid/<record id>          item id
//	unf/<id>                 present while the record is unfinished
//	lck/<locker>/<record id> item id of a record locked by locker
//	itm/<id>                 packed item binary, optional TTL
//	seq/record               record id sequence
const (
	prefixRecord   = "rec/"
	prefixRecordID = "rid/"
	prefixUnfin    = "unf/"
	prefixLocked   = "lck/"
	prefixItem     = "itm/"
	keySequence    = "seq/record"

	sequenceBandwidth = 100
)

func recordKey(id contract.HashId) []byte {
	return append([]byte(prefixRecord), id[:]...)
}

func recordIDKey(rid uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixRecordID), rid)
}

func unfinishedKey(id contract.HashId) []byte {
	return append([]byte(prefixUnfin), id[:]...)
}

func lockerPrefix(locker uint64) []byte {
	return append(binary.BigEndian.AppendUint64([]byte(prefixLocked), locker), '/')
}

func lockedKey(locker, rid uint64) []byte {
	return binary.BigEndian.AppendUint64(lockerPrefix(locker), rid)
}

func itemKey(id contract.HashId) []byte {
	return append([]byte(prefixItem), id[:]...)
}

// encodeRecord prepends a CRC32 of the JSON body.
func encodeRecord(rec *StateRecord) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(body))
	copy(out[4:], body)
	return out, nil
}

func decodeRecord(data []byte) (*StateRecord, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: entry too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	computed := crc32.ChecksumIEEE(data[4:])
	if stored != computed {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	var rec StateRecord
	if err := json.Unmarshal(data[4:], &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return &rec, nil
}

// =============================================================================
// BadgerLedger
// =============================================================================

// BadgerLedger is a Ledger backed by BadgerDB.
//
// # Description
//
// Every operation is a Badger transaction. Secondary keys for the record id,
// the unfinished set and lock ownership are maintained in the same
// transaction as the record, so scans never observe a half-written change.
// Badger's optimistic conflict detection turns concurrent writes of the same
// record into ErrStateConflict for the loser.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerLedger struct {
	db     *ledgerbadger.DB
	seq    *badger.Sequence
	seqMu  sync.Mutex
	now    func() time.Time
	logger *slog.Logger
	closed atomic.Bool
	owned  bool
}

// LedgerOption configures a BadgerLedger.
type LedgerOption func(*BadgerLedger)

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *BadgerLedger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LedgerOption {
	return func(l *BadgerLedger) { l.logger = logger }
}

// OpenBadgerLedger opens a ledger on a new Badger database. The ledger owns
// the database and closes it on Close.
func OpenBadgerLedger(cfg ledgerbadger.Config, opts ...LedgerOption) (*BadgerLedger, error) {
	db, err := ledgerbadger.Open(cfg)
	if err != nil {
		return nil, err
	}
	l, err := NewBadgerLedger(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.owned = true
	return l, nil
}

// NewBadgerLedger wraps an open database. The caller keeps ownership of db.
func NewBadgerLedger(db *ledgerbadger.DB, opts ...LedgerOption) (*BadgerLedger, error) {
	seq, err := db.Sequence([]byte(keySequence), sequenceBandwidth)
	if err != nil {
		return nil, err
	}
	l := &BadgerLedger{
		db:     db,
		seq:    seq,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("component", "ledger"))
	return l, nil
}

// nextRecordID returns a fresh non-zero record id. Zero means "no lock".
func (l *BadgerLedger) nextRecordID() (uint64, error) {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()
	n, err := l.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next record id: %w", err)
	}
	return n + 1, nil
}

func (l *BadgerLedger) check() error {
	if l.closed.Load() {
		return ErrClosed
	}
	return nil
}

func mapConflict(err error) error {
	if errors.Is(err, ledgerbadger.ErrConflict) {
		return fmt.Errorf("%w: concurrent update", ErrStateConflict)
	}
	return err
}

// Update implements Ledger.
func (l *BadgerLedger) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := l.check(); err != nil {
		return err
	}
	err := l.db.Update(ctx, func(txn *badger.Txn) error {
		return fn(&badgerTx{l: l, txn: txn})
	})
	return mapConflict(err)
}

func (l *BadgerLedger) view(ctx context.Context, fn func(tx *badgerTx) error) error {
	if err := l.check(); err != nil {
		return err
	}
	return l.db.View(ctx, func(txn *badger.Txn) error {
		return fn(&badgerTx{l: l, txn: txn})
	})
}

// FindOrCreate implements Ledger.
func (l *BadgerLedger) FindOrCreate(ctx context.Context, id contract.HashId) (*StateRecord, error) {
	var out *StateRecord
	err := l.Update(ctx, func(tx Tx) error {
		rec, err := tx.FindOrCreate(id)
		out = rec
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get implements Ledger.
func (l *BadgerLedger) Get(ctx context.Context, id contract.HashId) (*StateRecord, error) {
	var out *StateRecord
	err := l.view(ctx, func(tx *badgerTx) error {
		rec, err := tx.Get(id)
		out = rec
		return err
	})
	return out, err
}

// GetByRecordID implements Ledger.
func (l *BadgerLedger) GetByRecordID(ctx context.Context, recordID uint64) (*StateRecord, error) {
	var out *StateRecord
	err := l.view(ctx, func(tx *badgerTx) error {
		rec, err := tx.GetByRecordID(recordID)
		out = rec
		return err
	})
	return out, err
}

// Save implements Ledger.
func (l *BadgerLedger) Save(ctx context.Context, rec *StateRecord) error {
	return l.Update(ctx, func(tx Tx) error { return tx.Save(rec) })
}

// Destroy implements Ledger.
func (l *BadgerLedger) Destroy(ctx context.Context, id contract.HashId) error {
	return l.Update(ctx, func(tx Tx) error { return tx.Destroy(id) })
}

// Transition implements Ledger.
//
// # Outputs
//
//   - *StateRecord: the record after the change.
//   - error: ErrNotFound when the record is missing, ErrStateConflict when
//     its state is not from or another writer raced this one.
func (l *BadgerLedger) Transition(ctx context.Context, id contract.HashId, from, to ItemState) (*StateRecord, error) {
	var out *StateRecord
	err := l.Update(ctx, func(tx Tx) error {
		rec, err := tx.Get(id)
		if err != nil {
			return err
		}
		if rec.State != from {
			return fmt.Errorf("%w: %s is %s, expected %s", ErrStateConflict, id.Short(), rec.State, from)
		}
		rec.State = to
		if to != StateLocked && to != StateLockedForCreation {
			rec.LockedByRecordID = 0
		}
		out = rec
		return tx.Save(rec)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindUnfinished implements Ledger.
func (l *BadgerLedger) FindUnfinished(ctx context.Context) ([]*StateRecord, error) {
	var out []*StateRecord
	err := l.view(ctx, func(tx *badgerTx) error {
		ids, err := tx.scanIDs([]byte(prefixUnfin), func(key, _ []byte) (contract.HashId, error) {
			return contract.HashIdFromBytes(key[len(prefixUnfin):])
		})
		if err != nil {
			return err
		}
		out, err = tx.getAll(ids)
		return err
	})
	return out, err
}

// FindLockedBy implements Ledger.
func (l *BadgerLedger) FindLockedBy(ctx context.Context, recordID uint64) ([]*StateRecord, error) {
	var out []*StateRecord
	err := l.view(ctx, func(tx *badgerTx) error {
		ids, err := tx.scanIDs(lockerPrefix(recordID), func(_, val []byte) (contract.HashId, error) {
			return contract.HashIdFromBytes(val)
		})
		if err != nil {
			return err
		}
		out, err = tx.getAll(ids)
		return err
	})
	return out, err
}

// PutItem implements Ledger.
func (l *BadgerLedger) PutItem(ctx context.Context, id contract.HashId, packed []byte, ttl time.Duration) error {
	return l.Update(ctx, func(tx Tx) error {
		e := badger.NewEntry(itemKey(id), packed)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return tx.(*badgerTx).txn.SetEntry(e)
	})
}

// GetItem implements Ledger.
func (l *BadgerLedger) GetItem(ctx context.Context, id contract.HashId) ([]byte, error) {
	var out []byte
	err := l.view(ctx, func(tx *badgerTx) error {
		item, err := tx.txn.Get(itemKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// CountByState implements Ledger.
func (l *BadgerLedger) CountByState(ctx context.Context) (map[ItemState]int, error) {
	counts := make(map[ItemState]int)
	err := l.view(ctx, func(tx *badgerTx) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRecord)
		it := tx.txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := decodeRecord(val)
				if err != nil {
					return err
				}
				counts[rec.State]++
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return counts, err
}

// Close implements Ledger. The database is closed only when the ledger
// opened it.
func (l *BadgerLedger) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.seqMu.Lock()
	err := l.seq.Release()
	l.seqMu.Unlock()
	if l.owned {
		if cerr := l.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// =============================================================================
// Transaction
// =============================================================================

type badgerTx struct {
	l   *BadgerLedger
	txn *badger.Txn
}

func (t *badgerTx) Get(id contract.HashId) (*StateRecord, error) {
	item, err := t.txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id.Short())
	}
	if err != nil {
		return nil, err
	}
	var rec *StateRecord
	err = item.Value(func(val []byte) error {
		rec, err = decodeRecord(val)
		return err
	})
	return rec, err
}

func (t *badgerTx) GetByRecordID(recordID uint64) (*StateRecord, error) {
	item, err := t.txn.Get(recordIDKey(recordID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: record %d", ErrNotFound, recordID)
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	id, err := contract.HashIdFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return t.Get(id)
}

func (t *badgerTx) FindOrCreate(id contract.HashId) (*StateRecord, error) {
	rec, err := t.Get(id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	rid, err := t.l.nextRecordID()
	if err != nil {
		return nil, err
	}
	rec = &StateRecord{
		RecordID:  rid,
		ID:        id,
		State:     StateUndefined,
		CreatedAt: t.l.now().UTC().Truncate(time.Second),
	}
	if err := t.Save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (t *badgerTx) Save(rec *StateRecord) error {
	if rec.RecordID == 0 {
		return errors.New("record id is required")
	}
	old, err := t.Get(rec.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		old = nil
	case err != nil:
		return err
	}
	if old != nil {
		if err := t.dropIndexes(old); err != nil {
			return err
		}
	}

	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := t.txn.Set(recordKey(rec.ID), data); err != nil {
		return err
	}
	if err := t.txn.Set(recordIDKey(rec.RecordID), rec.ID.Bytes()); err != nil {
		return err
	}
	if rec.State.IsUnfinished() {
		if err := t.txn.Set(unfinishedKey(rec.ID), nil); err != nil {
			return err
		}
	}
	if rec.LockedByRecordID != 0 {
		if err := t.txn.Set(lockedKey(rec.LockedByRecordID, rec.RecordID), rec.ID.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) Destroy(id contract.HashId) error {
	old, err := t.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := t.dropIndexes(old); err != nil {
		return err
	}
	if err := t.txn.Delete(recordIDKey(old.RecordID)); err != nil {
		return err
	}
	return t.txn.Delete(recordKey(id))
}

func (t *badgerTx) dropIndexes(old *StateRecord) error {
	if old.State.IsUnfinished() {
		if err := t.txn.Delete(unfinishedKey(old.ID)); err != nil {
			return err
		}
	}
	if old.LockedByRecordID != 0 {
		if err := t.txn.Delete(lockedKey(old.LockedByRecordID, old.RecordID)); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTx) scanIDs(prefix []byte, decode func(key, val []byte) (contract.HashId, error)) ([]contract.HashId, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var ids []contract.HashId
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		id, err := decode(key, val)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *badgerTx) getAll(ids []contract.HashId) ([]*StateRecord, error) {
	out := make([]*StateRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := t.Get(id)
		if errors.Is(err, ErrNotFound) {
			t.l.logger.Warn("dangling ledger index", slog.String("id", id.Short()))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

var _ Ledger = (*BadgerLedger)(nil)
