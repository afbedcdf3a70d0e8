// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/metric"
)

// =============================================================================
// Prometheus Metrics for Item Approval
// =============================================================================

var (
	// ItemVerdicts counts items reaching a final local state.
	// Labels: node, state (APPROVED, DECLINED, ...)
	ItemVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "items",
		Name:      "verdicts_total",
		Help:      "Items resolved by final state",
	}, []string{"node", "state"})

	// LockConflicts counts submissions declined because an input was
	// already locked or an output already existed.
	LockConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "items",
		Name:      "lock_conflicts_total",
		Help:      "Submissions declined by lock conflicts",
	}, []string{"node"})

	// QuantiserOverflows counts validations aborted by the cost limit.
	QuantiserOverflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "quantiser",
		Name:      "overflows_total",
		Help:      "Validations aborted by the quanta limit",
	}, []string{"node"})

	// QuantaSpent observes quanta spent per validation.
	QuantaSpent = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledger",
		Subsystem: "quantiser",
		Name:      "quanta_spent",
		Help:      "Quanta spent per validation",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	}, []string{"node"})

	// ConsensusDuration measures the wait for a network verdict.
	// Labels: node, verdict (accepted, rejected, unknown)
	ConsensusDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledger",
		Subsystem: "consensus",
		Name:      "duration_seconds",
		Help:      "Time from proposal to verdict",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
	}, []string{"node", "verdict"})

	// Parcels counts parcels by outcome.
	// Labels: node, outcome (finished, payment_declined, failed)
	Parcels = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "parcels",
		Name:      "processed_total",
		Help:      "Parcels processed by outcome",
	}, []string{"node", "outcome"})

	// Sanitating is 1 while the node reconciles unfinished records.
	Sanitating = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "node",
		Name:      "sanitating",
		Help:      "1 while the node is in sanitation mode",
	}, []string{"node"})

	// UnfinishedRecords is the number of pending or locked records after
	// the last sanitation pass.
	UnfinishedRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "node",
		Name:      "unfinished_records",
		Help:      "Pending or locked ledger records",
	}, []string{"node"})
)

// =============================================================================
// OTel HTTP instruments
// =============================================================================

// HTTPMetrics are the client API instruments.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type HTTPMetrics struct {
	// RequestsTotal counts requests by route and status.
	RequestsTotal metric.Int64Counter

	// RequestDuration records request latency in seconds.
	RequestDuration metric.Float64Histogram

	// ActiveRequests tracks in-flight requests.
	ActiveRequests metric.Int64UpDownCounter

	// RateLimited counts requests refused by the per-client limiter.
	RateLimited metric.Int64Counter
}

// NewHTTPMetrics registers the instruments on meter.
func NewHTTPMetrics(meter metric.Meter) (*HTTPMetrics, error) {
	m := &HTTPMetrics{}
	var err error

	m.RequestsTotal, err = meter.Int64Counter(
		"ledger_http_requests_total",
		metric.WithDescription("Total client API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"ledger_http_request_duration_seconds",
		metric.WithDescription("Client API request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.ActiveRequests, err = meter.Int64UpDownCounter(
		"ledger_http_active_requests",
		metric.WithDescription("Currently active client API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	m.RateLimited, err = meter.Int64Counter(
		"ledger_http_rate_limited_total",
		metric.WithDescription("Requests refused by the client rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_rate_limited_total: %w", err)
	}

	return m, nil
}
