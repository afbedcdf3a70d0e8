// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the BadgerDB instance behind a node's
// ledger.
//
// The ledger relies on three Badger properties: serializable optimistic
// transactions (a conflicting commit fails with badger.ErrConflict instead
// of overwriting), monotonic sequences for record ids, and per-entry TTLs
// for cached item binaries.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrConflict is returned when a read-write transaction lost a race.
var ErrConflict = errors.New("ledger transaction conflict")

// Config holds configuration for a ledger database.
type Config struct {
	// Path is the data directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit. Locks must survive a crash, so
	// production configs keep this on.
	SyncWrites bool

	// Logger receives Badger's internal log lines. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns a durable configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB is a managed Badger instance.
//
// # Thread Safety
//
// Safe for concurrent use.
type DB struct {
	db       *badger.DB
	cfg      Config
	stopGC   chan struct{}
	gcDone   chan struct{}
	closeErr error
	once     sync.Once
}

// Open opens the database and starts value log GC when configured.
//
// # Inputs
//
//   - cfg: Path is required unless InMemory is set. The directory is
//     created when missing.
//
// # Outputs
//
//   - *DB: caller must Close it.
//   - error: non-nil if the path is invalid or Badger cannot open it.
func Open(cfg Config) (*DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for a persistent ledger")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	d := &DB{db: bdb, cfg: cfg}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		d.stopGC = make(chan struct{})
		d.gcDone = make(chan struct{})
		go d.runGC()
	}
	return d, nil
}

func (d *DB) runGC() {
	defer close(d.gcDone)
	ticker := time.NewTicker(d.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			err := d.db.RunValueLogGC(d.cfg.GCDiscardRatio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && d.cfg.Logger != nil {
				d.cfg.Logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database. Safe to call more than once.
func (d *DB) Close() error {
	d.once.Do(func() {
		if d.stopGC != nil {
			close(d.stopGC)
			<-d.gcDone
		}
		d.closeErr = d.db.Close()
	})
	return d.closeErr
}

// Path returns the data directory, or "" in memory.
func (d *DB) Path() string {
	if d.cfg.InMemory {
		return ""
	}
	return d.cfg.Path
}

// Update runs fn in a read-write transaction and commits it.
//
// # Outputs
//
//   - error: fn's error, ErrConflict when another transaction committed a
//     conflicting write first (nothing is written), or a commit error.
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// View runs fn in a read-only transaction.
func (d *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return d.db.View(fn)
}

// Sequence returns a monotonic sequence persisted under key.
func (d *DB) Sequence(key []byte, bandwidth uint64) (*badger.Sequence, error) {
	seq, err := d.db.GetSequence(key, bandwidth)
	if err != nil {
		return nil, fmt.Errorf("get sequence: %w", err)
	}
	return seq, nil
}

// Sync flushes pending writes. No-op in memory.
func (d *DB) Sync() error {
	if d.cfg.InMemory {
		return nil
	}
	return d.db.Sync()
}
