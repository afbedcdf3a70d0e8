// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache keeps recently seen items, parcels and validation errors in
// memory so repeated lookups skip decoding and ledger reads.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
)

// Options configures a cache.
type Options struct {
	// MaxEntries bounds the number of cached values.
	// Default: 10000
	MaxEntries int64

	// TTL is how long an entry lives.
	// Default: 10 minutes
	TTL time.Duration
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		MaxEntries: 10000,
		TTL:        10 * time.Minute,
	}
}

// Option is a functional option for Options.
type Option func(*Options)

// WithMaxEntries sets the entry bound.
func WithMaxEntries(n int64) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxEntries = n
		}
	}
}

// WithTTL sets the entry lifetime.
func WithTTL(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.TTL = d
		}
	}
}

// Stats are cache counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Loads  int64 `json:"loads"`
}

// Cache maps item ids to values of type V.
//
// # Description
//
// Backed by ristretto, which admits entries probabilistically: a Set may be
// dropped under pressure, so callers treat the cache as an optimization
// only. Every entry has cost 1 and expires after the configured TTL.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent GetOrLoad calls for one id share a
// single load.
type Cache[V any] struct {
	c      *ristretto.Cache[string, V]
	ttl    time.Duration
	flight singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
	loads  atomic.Int64
}

// New creates a cache.
func New[V any](opts ...Option) (*Cache[V], error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters: o.MaxEntries * 10,
		MaxCost:     o.MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Cache[V]{c: rc, ttl: o.TTL}, nil
}

func key(id contract.HashId) string {
	return string(id[:])
}

// Get returns the cached value for id.
func (c *Cache[V]) Get(id contract.HashId) (V, bool) {
	v, ok := c.c.Get(key(id))
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Put stores v. The write becomes visible after ristretto's buffers drain;
// use Wait when a following Get must observe it.
func (c *Cache[V]) Put(id contract.HashId, v V) {
	c.c.SetWithTTL(key(id), v, 1, c.ttl)
}

// Wait blocks until pending writes are applied.
func (c *Cache[V]) Wait() {
	c.c.Wait()
}

// Delete removes id.
func (c *Cache[V]) Delete(id contract.HashId) {
	c.c.Del(key(id))
}

// GetOrLoad returns the cached value or calls load once for concurrent
// callers and caches a successful result.
func (c *Cache[V]) GetOrLoad(ctx context.Context, id contract.HashId, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(id); ok {
		return v, nil
	}
	res, err, _ := c.flight.Do(key(id), func() (interface{}, error) {
		c.loads.Add(1)
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.Put(id, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Stats returns the counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Loads:  c.loads.Load(),
	}
}

// Close releases ristretto's goroutines.
func (c *Cache[V]) Close() {
	c.c.Close()
}

// ItemCache holds decoded contracts by id.
type ItemCache = Cache[*contract.Contract]

// ParcelCache holds decoded parcels by id.
type ParcelCache = Cache[*contract.Parcel]

// ErrorCache holds the validation errors of declined items by id.
type ErrorCache = Cache[[]contract.ErrorRecord]

// NewItemCache creates an ItemCache.
func NewItemCache(opts ...Option) (*ItemCache, error) {
	return New[*contract.Contract](opts...)
}

// NewParcelCache creates a ParcelCache.
func NewParcelCache(opts ...Option) (*ParcelCache, error) {
	return New[*contract.Parcel](opts...)
}

// NewErrorCache creates an ErrorCache.
func NewErrorCache(opts ...Option) (*ErrorCache, error) {
	return New[[]contract.ErrorRecord](opts...)
}
