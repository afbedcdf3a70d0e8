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
	"errors"
	"fmt"
)

// Sentinel errors for contract construction and decoding.
var (
	// ErrNotSealed indicates an operation needs a sealed contract.
	ErrNotSealed = errors.New("contract is not sealed")

	// ErrSealed indicates a sealed contract was mutated without resealing.
	ErrSealed = errors.New("contract is sealed")

	// ErrBadPack indicates a packed binary could not be decoded.
	ErrBadPack = errors.New("malformed packed data")

	// ErrMissingItem indicates a packed graph references an item it does not carry.
	ErrMissingItem = errors.New("packed graph misses a referenced item")

	// ErrBadKey indicates a key could not be parsed or is unsupported.
	ErrBadKey = errors.New("bad key")

	// ErrNoField indicates a numeric state field is missing.
	ErrNoField = errors.New("state field not found")
)

// ErrorKind classifies an item error surfaced to callers.
type ErrorKind string

const (
	ErrorFailedCheck   ErrorKind = "FAILED_CHECK"
	ErrorBadValue      ErrorKind = "BAD_VALUE"
	ErrorExpired       ErrorKind = "EXPIRED"
	ErrorMissing       ErrorKind = "MISSING"
	ErrorBadState      ErrorKind = "BAD_STATE"
	ErrorLocked        ErrorKind = "LOCKED"
	ErrorForbidden     ErrorKind = "FORBIDDEN"
	ErrorBadRef        ErrorKind = "BAD_REF"
	ErrorBadSignature  ErrorKind = "BAD_SIGNATURE"
	ErrorNotSigned     ErrorKind = "NOT_SIGNED"
	ErrorBadNewItem    ErrorKind = "BAD_NEW_ITEM"
	ErrorBadRevoke     ErrorKind = "BAD_REVOKE"
	ErrorNewItemExists ErrorKind = "NEW_ITEM_EXISTS"
	ErrorNotFound      ErrorKind = "NOT_FOUND"
	ErrorCostLimit     ErrorKind = "QUANTIZER_COST_LIMIT"
	ErrorBadClientKey  ErrorKind = "BAD_CLIENT_KEY"
	ErrorCommandFailed ErrorKind = "COMMAND_FAILED"
	ErrorNotReady      ErrorKind = "NOT_READY"
)

// Retryable reports whether a caller may retry the same request later.
func (k ErrorKind) Retryable() bool {
	return k == ErrorNotReady
}

// ErrorRecord is one diagnostic attached to an item result.
type ErrorRecord struct {
	Kind    ErrorKind `json:"error"`
	Object  string    `json:"object"`
	Message string    `json:"message"`
}

// NewErrorRecord creates an ErrorRecord.
func NewErrorRecord(kind ErrorKind, object, message string) ErrorRecord {
	return ErrorRecord{Kind: kind, Object: object, Message: message}
}

// String implements fmt.Stringer.
func (e ErrorRecord) String() string {
	if e.Object == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Object, e.Message)
}

// HasKind reports whether any record has the given kind.
func HasKind(errs []ErrorRecord, kind ErrorKind) bool {
	for _, e := range errs {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
