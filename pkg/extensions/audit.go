// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions holds pluggable hooks around the ledger client API.
//
// The open source build records client commands through an AuditLogger.
// Deployments that need a durable trail plug in their own implementation;
// the defaults either discard events, write them to a structured log, or
// keep a bounded window in memory for inspection.
package extensions

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Audit event types.
const (
	EventApprove       = "ledger.approve"
	EventApproveParcel = "ledger.approve_parcel"
	EventStartApproval = "ledger.start_approval"
	EventStats         = "ledger.stats"
	EventDenied        = "ledger.denied"
)

// Audit outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeDeclined = "declined"
	OutcomeDenied   = "denied"
	OutcomeError    = "error"
)

// AuditEvent is one client command as seen by the API.
//
// # Fields
//
//   - EventType: one of the Event constants.
//   - ClientKey: fingerprint of the caller's public key, "anonymous" if none.
//   - ItemID: the item or parcel the command concerns. Empty for reads.
//   - Outcome: one of the Outcome constants.
//   - State: the resulting ledger state name, when known.
type AuditEvent struct {
	EventType string
	Timestamp time.Time
	ClientKey string
	ItemID    string
	Outcome   string
	State     string
	Detail    string
}

// AuditFilter selects events. Zero fields match everything.
type AuditFilter struct {
	EventTypes []string
	ClientKey  string
	ItemID     string
	Outcome    string
	Since      time.Time

	// Limit caps the result. Zero returns every match.
	Limit int
}

func (f AuditFilter) matches(e AuditEvent) bool {
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	if f.ClientKey != "" && f.ClientKey != e.ClientKey {
		return false
	}
	if f.ItemID != "" && f.ItemID != e.ItemID {
		return false
	}
	if f.Outcome != "" && f.Outcome != e.Outcome {
		return false
	}
	return f.Since.IsZero() || !e.Timestamp.Before(f.Since)
}

// AuditLogger records client commands.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Log is called on the
// request path and must not block on the network.
type AuditLogger interface {
	// Log records one event. A zero Timestamp is set to now.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns matching events, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush persists buffered events. Call before shutdown.
	Flush(ctx context.Context) error
}

// =============================================================================
// Nop
// =============================================================================

// NopAuditLogger discards every event.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// Query always returns an empty slice.
func (l *NopAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op.
func (l *NopAuditLogger) Flush(context.Context) error { return nil }

// =============================================================================
// Slog
// =============================================================================

// SlogAuditLogger writes each event as one structured log record. It keeps
// nothing, so Query returns no events.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger writes events to logger at Info level.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger.With(slog.String("component", "audit"))}
}

// Log writes the event.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []slog.Attr{
		slog.String("event", event.EventType),
		slog.Time("at", event.Timestamp),
		slog.String("client", event.ClientKey),
		slog.String("outcome", event.Outcome),
	}
	if event.ItemID != "" {
		attrs = append(attrs, slog.String("item_id", event.ItemID))
	}
	if event.State != "" {
		attrs = append(attrs, slog.String("state", event.State))
	}
	if event.Detail != "" {
		attrs = append(attrs, slog.String("detail", event.Detail))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "client command", attrs...)
	return nil
}

// Query returns an empty slice.
func (l *SlogAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op.
func (l *SlogAuditLogger) Flush(context.Context) error { return nil }

// =============================================================================
// Memory
// =============================================================================

// MemoryAuditLogger keeps the most recent events in a ring.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
	next   int
	full   bool
}

// NewMemoryAuditLogger keeps up to capacity events. Capacity below one is
// raised to one.
func NewMemoryAuditLogger(capacity int) *MemoryAuditLogger {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryAuditLogger{events: make([]AuditEvent, capacity)}
}

// Log stores the event, evicting the oldest when full.
func (l *MemoryAuditLogger) Log(_ context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	l.events[l.next] = event
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
	return nil
}

// Query returns matching events, newest first.
func (l *MemoryAuditLogger) Query(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.events)
	}
	out := []AuditEvent{}
	for i := 0; i < n; i++ {
		idx := (l.next - 1 - i + len(l.events)) % len(l.events)
		e := l.events[idx]
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Flush is a no-op.
func (l *MemoryAuditLogger) Flush(context.Context) error { return nil }

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
