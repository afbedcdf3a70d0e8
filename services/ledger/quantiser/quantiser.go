// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quantiser meters the work a single validation is allowed to do.
//
// Every priced sub-operation of a contract check (signature verification,
// permission evaluation, registering or revoking a version) adds a fixed
// number of quanta to a session. Once a finite limit is exceeded the session
// reports a cost-limit error and the enclosing validation must be abandoned
// as a whole: partial results of an over-budget check are not trustworthy.
//
// # Thread Safety
//
// A Quantiser is a per-validation session and is NOT safe for concurrent
// use. Nested validations use their own session and merge it into the
// parent with AddWorkCostFrom.
package quantiser

import (
	"errors"
	"fmt"
	"math"
)

// NoLimit is the limit sentinel meaning "unlimited".
const NoLimit = -1

// DefaultQuantaPerUTN is how many quanta one transaction unit buys.
const DefaultQuantaPerUTN = 200

// DefaultMaxParcelQuanta caps a parcel payload's limit however many units
// were paid.
const DefaultMaxParcelQuanta = 1000 * DefaultQuantaPerUTN

var (
	// ErrCostLimit indicates the running sum exceeded the session limit.
	ErrCostLimit = errors.New("quantiser cost limit exceeded")

	// ErrCalculationFinished indicates a cost was added to a closed session.
	ErrCalculationFinished = errors.New("quantiser calculation already finished")
)

// CostLimitError carries the session totals at the moment of overflow.
type CostLimitError struct {
	Sum   int
	Limit int
}

// Error implements error.
func (e *CostLimitError) Error() string {
	return fmt.Sprintf("quantiser cost limit exceeded: spent %d of %d quanta", e.Sum, e.Limit)
}

// Unwrap lets errors.Is match ErrCostLimit.
func (e *CostLimitError) Unwrap() error {
	return ErrCostLimit
}

// =============================================================================
// Priced processes
// =============================================================================

// Process is a priced unit of validation work.
type Process int

const (
	// PriceCheck2048Sig is checking one signature made with a key up to 2048 bits.
	PriceCheck2048Sig Process = iota

	// PriceCheck4096Sig is checking one signature made with a larger key.
	PriceCheck4096Sig

	// PriceApplicablePerm is evaluating one applicable permission.
	PriceApplicablePerm

	// PriceSplitJoinPerm is evaluating one split/join permission.
	PriceSplitJoinPerm

	// PriceRevokeVersion is revoking one contract version.
	PriceRevokeVersion

	// PriceRegisterVersion is registering one contract version.
	PriceRegisterVersion

	// PriceCheckReferencedVersion is checking one referenced version.
	PriceCheckReferencedVersion
)

// Cost returns the fixed price of the process in quanta.
func (p Process) Cost() int {
	switch p {
	case PriceCheck2048Sig:
		return 1
	case PriceCheck4096Sig:
		return 8
	case PriceApplicablePerm:
		return 1
	case PriceSplitJoinPerm:
		return 2
	case PriceRegisterVersion:
		return 20
	case PriceRevokeVersion:
		return 20
	case PriceCheckReferencedVersion:
		return 1
	default:
		return 0
	}
}

// String returns the wire name of the process.
func (p Process) String() string {
	switch p {
	case PriceCheck2048Sig:
		return "PRICE_CHECK_2048_SIG"
	case PriceCheck4096Sig:
		return "PRICE_CHECK_4096_SIG"
	case PriceApplicablePerm:
		return "PRICE_APPLICABLE_PERM"
	case PriceSplitJoinPerm:
		return "PRICE_SPLITJOIN_PERM"
	case PriceRevokeVersion:
		return "PRICE_REVOKE_VERSION"
	case PriceRegisterVersion:
		return "PRICE_REGISTER_VERSION"
	case PriceCheckReferencedVersion:
		return "PRICE_CHECK_REFERENCED_VERSION"
	default:
		return "UNKNOWN"
	}
}

// SignatureProcess picks the signature price for a key of the given size.
func SignatureProcess(bits int) Process {
	if bits > 2048 {
		return PriceCheck4096Sig
	}
	return PriceCheck2048Sig
}

// =============================================================================
// Quantiser
// =============================================================================

// Quantiser accumulates the cost of one validation session.
//
// The zero value is not usable; call New.
type Quantiser struct {
	sum      int
	limit    int
	finished bool
}

// New creates an unlimited session.
func New() *Quantiser {
	return &Quantiser{limit: NoLimit}
}

// NewWithLimit creates a session with the given limit.
//
// A negative limit means unlimited.
func NewWithLimit(limit int) *Quantiser {
	q := New()
	q.Reset(limit)
	return q
}

// Reset clears the accumulator and sets a new limit.
//
// Any negative limit is normalised to NoLimit.
func (q *Quantiser) Reset(limit int) {
	if limit < 0 {
		limit = NoLimit
	}
	q.sum = 0
	q.limit = limit
	q.finished = false
}

// ResetNoLimit clears the accumulator and removes the limit.
func (q *Quantiser) ResetNoLimit() {
	q.Reset(NoLimit)
}

// AddWorkCost adds the price of p to the session.
//
// # Outputs
//
//   - error: *CostLimitError if the running sum now exceeds a finite limit,
//     ErrCalculationFinished if the session was closed. The sum is not
//     rolled back on overflow; it reflects work already spent.
func (q *Quantiser) AddWorkCost(p Process) error {
	return q.add(p.Cost())
}

// AddWorkCostFrom merges the sum of a sub-session into this one and
// re-checks the limit.
func (q *Quantiser) AddWorkCostFrom(other *Quantiser) error {
	if other == nil {
		return nil
	}
	return q.add(other.sum)
}

func (q *Quantiser) add(cost int) error {
	if q.finished {
		return ErrCalculationFinished
	}
	q.sum += cost
	if q.limit >= 0 && q.sum > q.limit {
		return &CostLimitError{Sum: q.sum, Limit: q.limit}
	}
	return nil
}

// QuantaSum returns the quanta spent so far.
func (q *Quantiser) QuantaSum() int {
	return q.sum
}

// QuantaLimit returns the current limit, or NoLimit.
func (q *Quantiser) QuantaLimit() int {
	return q.limit
}

// Remaining returns the quanta left before the limit, or NoLimit.
func (q *Quantiser) Remaining() int {
	if q.limit < 0 {
		return NoLimit
	}
	if q.sum >= q.limit {
		return 0
	}
	return q.limit - q.sum
}

// FinishCalculation closes the session.
func (q *Quantiser) FinishCalculation() {
	q.finished = true
}

// IsCalculationFinished reports whether the session was closed.
func (q *Quantiser) IsCalculationFinished() bool {
	return q.finished
}

// LimitForUnits converts a transaction-unit spend into a quanta limit. The
// result saturates at math.MaxInt and is never negative.
func LimitForUnits(units, quantaPerUTN int) int {
	if quantaPerUTN <= 0 {
		quantaPerUTN = DefaultQuantaPerUTN
	}
	if units <= 0 {
		return 0
	}
	if units > math.MaxInt/quantaPerUTN {
		return math.MaxInt
	}
	return units * quantaPerUTN
}
