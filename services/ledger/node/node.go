// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package node runs the item approval state machine of one ledger node.
//
// A submitted item is validated under a quanta limit, its inputs are locked
// in the ledger, the network votes, and the result is committed atomically.
// A node that restarts with unresolved records enters sanitation and
// refuses client commands until every record is reconciled with its peers.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianLedger/services/ledger/cache"
	"github.com/AleutianAI/AleutianLedger/services/ledger/config"
	"github.com/AleutianAI/AleutianLedger/services/ledger/consensus"
	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
	"github.com/AleutianAI/AleutianLedger/services/ledger/ledger"
	"github.com/AleutianAI/AleutianLedger/services/ledger/quantiser"
	"github.com/AleutianAI/AleutianLedger/services/ledger/telemetry"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotReady is returned for client commands while the node is
	// starting or sanitating. Callers retry later.
	ErrNotReady = errors.New("node not ready")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("node closed")

	// ErrPaymentRejected is returned when a parcel's payment was not
	// approved, so its payload was never processed.
	ErrPaymentRejected = errors.New("parcel payment not approved")

	// ErrBadPayment is returned when a payment does not spend units.
	ErrBadPayment = errors.New("bad parcel payment")
)

// =============================================================================
// Configuration
// =============================================================================

// Config is the runtime configuration of a Node.
type Config struct {
	// ID is the node name on the network.
	ID string

	// Key is the node's signing key.
	Key *contract.PrivateKey

	// MaxQuanta limits validation of items submitted without a parcel.
	MaxQuanta int

	// QuantaPerUTN converts spent transaction units into a quanta limit.
	QuantaPerUTN int

	// MaxParcelQuanta caps the limit of a parcel payload and of any
	// proposal received from a peer.
	MaxParcelQuanta int

	// ConsensusTimeout bounds processing of one item. On expiry the item
	// stays PENDING_POSITIVE with its locks held.
	ConsensusTimeout time.Duration

	// SanitationInterval is the period of the reconciliation sweep.
	SanitationInterval time.Duration

	// ItemCacheTTL is the lifetime of decoded items in memory.
	ItemCacheTTL time.Duration

	// ItemRetention is how long packed items stay downloadable.
	ItemRetention time.Duration

	// UnitsIssuerKeys, when non-empty, must satisfy the issuer role of
	// every parcel payment.
	UnitsIssuerKeys contract.KeySet
}

// DefaultConfig returns a development configuration for id.
func DefaultConfig(id string) Config {
	return Config{
		ID:                 id,
		MaxQuanta:          5 * quantiser.DefaultQuantaPerUTN,
		QuantaPerUTN:       quantiser.DefaultQuantaPerUTN,
		MaxParcelQuanta:    quantiser.DefaultMaxParcelQuanta,
		ConsensusTimeout:   15 * time.Second,
		SanitationInterval: 10 * time.Second,
		ItemCacheTTL:       10 * time.Minute,
		ItemRetention:      30 * 24 * time.Hour,
	}
}

// ConfigFrom builds a Config from a loaded node configuration.
func ConfigFrom(nc config.NodeConfig, key *contract.PrivateKey) (Config, error) {
	issuers, err := nc.IssuerKeySet()
	if err != nil {
		return Config{}, fmt.Errorf("units issuer keys: %w", err)
	}
	return Config{
		ID:                 nc.NodeID,
		Key:                key,
		MaxQuanta:          nc.MaxQuanta,
		QuantaPerUTN:       nc.QuantaPerUTN,
		MaxParcelQuanta:    nc.MaxParcelQuanta,
		ConsensusTimeout:   nc.ConsensusTimeout,
		SanitationInterval: nc.SanitationInterval,
		ItemCacheTTL:       nc.ItemCacheTTL,
		ItemRetention:      nc.ItemRetention,
		UnitsIssuerKeys:    issuers,
	}, nil
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(n *Node) {
		if now != nil {
			n.now = now
		}
	}
}

// =============================================================================
// Results
// =============================================================================

// ItemResult is what callers learn about an item.
type ItemResult struct {
	State     ledger.ItemState       `json:"state"`
	HaveCopy  bool                   `json:"haveCopy"`
	CreatedAt time.Time              `json:"createdAt"`
	ExpiresAt time.Time              `json:"expiresAt"`
	Errors    []contract.ErrorRecord `json:"errors,omitempty"`
}

// IsPending reports whether the item still awaits a verdict.
func (r ItemResult) IsPending() bool {
	return r.State.IsPending()
}

// Stats is a snapshot of node activity.
type Stats struct {
	NodeID     string                   `json:"nodeId"`
	Ready      bool                     `json:"ready"`
	Sanitating bool                     `json:"sanitating"`
	Uptime     time.Duration            `json:"uptime"`
	Registered int64                    `json:"registered"`
	Approved   int64                    `json:"approved"`
	Declined   int64                    `json:"declined"`
	Revoked    int64                    `json:"revoked"`
	Parcels    int64                    `json:"parcels"`
	Ledger     map[ledger.ItemState]int `json:"ledger"`
	ItemCache  cache.Stats              `json:"itemCache"`
}

type counters struct {
	registered atomic.Int64
	approved   atomic.Int64
	declined   atomic.Int64
	revoked    atomic.Int64
	parcels    atomic.Int64
}

// =============================================================================
// Node
// =============================================================================

// Node is one member of the ledger network.
//
// # Thread Safety
//
// Safe for concurrent use. Submissions of the same item share one
// processing run; different items never wait on each other.
type Node struct {
	cfg     Config
	ledger  ledger.Ledger
	network consensus.Network
	items   *cache.ItemCache
	parcels *cache.ParcelCache
	errs    *cache.ErrorCache
	logger  *slog.Logger
	now     func() time.Time
	started time.Time

	ready      atomic.Bool
	sanitating atomic.Bool
	stats      counters

	flights singleflight.Group

	mu           sync.Mutex
	closed       bool
	inFlight     map[contract.HashId]int
	waiters      map[contract.HashId]chan struct{}
	parcelStates map[contract.HashId]parcelEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a node and joins it to network. The node refuses client
// commands until Start returns.
//
// # Inputs
//
//   - cfg: node configuration. ID must be set.
//   - l: the node's ledger. The caller closes it after Close.
//   - network: the consensus network.
func New(cfg Config, l ledger.Ledger, network consensus.Network, opts ...Option) (*Node, error) {
	if cfg.ID == "" {
		return nil, errors.New("node id is required")
	}
	if cfg.ConsensusTimeout <= 0 {
		cfg.ConsensusTimeout = DefaultConfig(cfg.ID).ConsensusTimeout
	}
	if cfg.SanitationInterval <= 0 {
		cfg.SanitationInterval = DefaultConfig(cfg.ID).SanitationInterval
	}
	if cfg.QuantaPerUTN <= 0 {
		cfg.QuantaPerUTN = quantiser.DefaultQuantaPerUTN
	}
	if cfg.MaxParcelQuanta <= 0 {
		cfg.MaxParcelQuanta = quantiser.DefaultMaxParcelQuanta
	}
	ttl := cfg.ItemCacheTTL
	if ttl <= 0 {
		ttl = DefaultConfig(cfg.ID).ItemCacheTTL
	}

	items, err := cache.NewItemCache(cache.WithTTL(ttl))
	if err != nil {
		return nil, fmt.Errorf("item cache: %w", err)
	}
	parcels, err := cache.NewParcelCache(cache.WithTTL(ttl))
	if err != nil {
		items.Close()
		return nil, fmt.Errorf("parcel cache: %w", err)
	}
	errs, err := cache.NewErrorCache(cache.WithTTL(ttl))
	if err != nil {
		items.Close()
		parcels.Close()
		return nil, fmt.Errorf("error cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:          cfg,
		ledger:       l,
		network:      network,
		items:        items,
		parcels:      parcels,
		errs:         errs,
		logger:       slog.Default(),
		now:          time.Now,
		started:      time.Now(),
		inFlight:     make(map[contract.HashId]int),
		waiters:      make(map[contract.HashId]chan struct{}),
		parcelStates: make(map[contract.HashId]parcelEntry),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(slog.String("component", "node"), slog.String("node_id", cfg.ID))
	network.Join(n)
	return n, nil
}

// NodeID implements consensus.Peer.
func (n *Node) NodeID() string { return n.cfg.ID }

// Config returns the node configuration.
func (n *Node) Config() Config { return n.cfg }

// Start reconciles unfinished records and opens the node for clients.
//
// # Description
//
// Runs one sanitation pass. If records remain unresolved the node stays
// in sanitation, answering peers but refusing client commands, and a
// background sweep retries every SanitationInterval. The same sweep later
// resolves items whose consensus timed out.
func (n *Node) Start(ctx context.Context) error {
	unfinished, err := n.ledger.FindUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("find unfinished: %w", err)
	}
	if len(unfinished) > 0 {
		n.setSanitating(true)
		n.logger.Info("entering sanitation", slog.Int("unfinished", len(unfinished)))
	}
	n.ready.Store(true)

	if n.sanitating.Load() {
		if _, err := n.Sanitize(ctx); err != nil {
			n.logger.Warn("initial sanitation pass failed", slog.String("error", err.Error()))
		}
	}

	if !n.enter() {
		return ErrClosed
	}
	go n.sanitationLoop()
	n.logger.Info("node started", slog.Bool("sanitating", n.sanitating.Load()))
	return nil
}

// IsReady reports whether Start has completed.
func (n *Node) IsReady() bool { return n.ready.Load() }

// IsSanitating reports whether the node is reconciling records.
func (n *Node) IsSanitating() bool { return n.sanitating.Load() }

func (n *Node) setSanitating(v bool) {
	n.sanitating.Store(v)
	g := 0.0
	if v {
		g = 1
	}
	telemetry.Sanitating.WithLabelValues(n.cfg.ID).Set(g)
}

// admit gates client commands.
func (n *Node) admit() error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !n.ready.Load() || n.sanitating.Load() {
		return ErrNotReady
	}
	return nil
}

// enter registers a background task. It fails once Close has begun.
func (n *Node) enter() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.wg.Add(1)
	return true
}

func (n *Node) leave() { n.wg.Done() }

// Close stops background work, waits for in-flight items and leaves the
// network. Items cut short stay PENDING_POSITIVE and are resolved by the
// next sanitation.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()
	n.network.Leave(n.cfg.ID)
	n.ready.Store(false)

	n.mu.Lock()
	for id, ch := range n.waiters {
		close(ch)
		delete(n.waiters, id)
	}
	n.mu.Unlock()

	n.items.Close()
	n.parcels.Close()
	n.errs.Close()
	n.logger.Info("node closed")
	return nil
}

// =============================================================================
// Completion notification
// =============================================================================

// waiter returns the channel closed on the next state change of id.
func (n *Node) waiter(id contract.HashId) (<-chan struct{}, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, false
	}
	ch, ok := n.waiters[id]
	if !ok {
		ch = make(chan struct{})
		n.waiters[id] = ch
	}
	return ch, true
}

// notify wakes everyone waiting on ids.
func (n *Node) notify(ids ...contract.HashId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range ids {
		if ch, ok := n.waiters[id]; ok {
			close(ch)
			delete(n.waiters, id)
		}
	}
}

func (n *Node) markInFlight(id contract.HashId) {
	n.mu.Lock()
	n.inFlight[id]++
	n.mu.Unlock()
}

func (n *Node) clearInFlight(id contract.HashId) {
	n.mu.Lock()
	if n.inFlight[id] <= 1 {
		delete(n.inFlight, id)
	} else {
		n.inFlight[id]--
	}
	n.mu.Unlock()
}

func (n *Node) isInFlight(id contract.HashId) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inFlight[id] > 0
}

// =============================================================================
// Queries
// =============================================================================

// CheckItem returns the node's current knowledge of id. Unknown items are
// UNDEFINED.
func (n *Node) CheckItem(ctx context.Context, id contract.HashId) (ItemResult, error) {
	rec, err := n.ledger.Get(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return ItemResult{State: ledger.StateUndefined}, nil
	}
	if err != nil {
		return ItemResult{}, fmt.Errorf("check item: %w", err)
	}
	return n.resultFor(ctx, rec), nil
}

func (n *Node) resultFor(ctx context.Context, rec *ledger.StateRecord) ItemResult {
	res := ItemResult{
		State:     rec.State,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
	if _, ok := n.items.Get(rec.ID); ok {
		res.HaveCopy = true
	} else if _, err := n.ledger.GetItem(ctx, rec.ID); err == nil {
		res.HaveCopy = true
	}
	if errs, ok := n.errs.Get(rec.ID); ok {
		res.Errors = errs
	}
	return res
}

// WaitItem blocks until id leaves the pending and locked states or ctx
// ends. On ctx expiry the current result is returned with ctx's error.
func (n *Node) WaitItem(ctx context.Context, id contract.HashId) (ItemResult, error) {
	for {
		ch, ok := n.waiter(id)
		if !ok {
			return ItemResult{}, ErrClosed
		}
		res, err := n.CheckItem(ctx, id)
		if err != nil {
			return res, err
		}
		if !res.State.IsUnfinished() {
			return res, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

// GetItem returns the packed transaction of a known item.
func (n *Node) GetItem(ctx context.Context, id contract.HashId) ([]byte, error) {
	if c, ok := n.items.Get(id); ok {
		return c.PackTransaction()
	}
	return n.ledger.GetItem(ctx, id)
}

// GetParcel returns a packed parcel the node has processed.
func (n *Node) GetParcel(ctx context.Context, id contract.HashId) ([]byte, error) {
	if p, ok := n.parcels.Get(id); ok {
		return p.Pack(), nil
	}
	return n.ledger.GetItem(ctx, id)
}

// LocalState implements consensus.Peer.
func (n *Node) LocalState(ctx context.Context, id contract.HashId) (ledger.ItemState, bool, error) {
	rec, err := n.ledger.Get(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.StateUndefined, false, nil
	}
	if err != nil {
		return ledger.StateUndefined, false, err
	}
	return rec.State, true, nil
}

// Stats returns a snapshot of node activity and ledger contents.
func (n *Node) Stats(ctx context.Context) (Stats, error) {
	counts, err := n.ledger.CountByState(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count states: %w", err)
	}
	s := Stats{
		NodeID:     n.cfg.ID,
		Ready:      n.ready.Load(),
		Sanitating: n.sanitating.Load(),
		Registered: n.stats.registered.Load(),
		Approved:   n.stats.approved.Load(),
		Declined:   n.stats.declined.Load(),
		Revoked:    n.stats.revoked.Load(),
		Parcels:    n.stats.parcels.Load(),
		Ledger:     counts,
		ItemCache:  n.items.Stats(),
		Uptime:     time.Since(n.started).Truncate(time.Second),
	}
	return s, nil
}

var _ consensus.Peer = (*Node)(nil)
