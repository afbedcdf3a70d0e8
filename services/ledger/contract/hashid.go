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
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// HashIdSize is the digest length of a HashId.
const HashIdSize = 64

// HashId is the content-derived identifier of a sealed item.
//
// It concatenates SHA-512/256 and SHA3-256 of the sealed binary, so a
// collision would have to break both constructions at once. The zero value
// means "absent".
type HashId [HashIdSize]byte

// HashOf computes the HashId of data.
func HashOf(data []byte) HashId {
	var id HashId
	a := sha512.Sum512_256(data)
	b := sha3.Sum256(data)
	copy(id[:32], a[:])
	copy(id[32:], b[:])
	return id
}

// RandomHashId returns an id built from random bytes.
func RandomHashId() HashId {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return HashOf(buf)
}

// ParseHashId decodes the URL-safe base64 form produced by String.
//
// Standard base64 (with '+' and '/') is accepted as well.
func ParseHashId(s string) (HashId, error) {
	var id HashId
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return id, fmt.Errorf("decode hash id: %w", err)
		}
	}
	if len(raw) != HashIdSize {
		return id, fmt.Errorf("decode hash id: want %d bytes, got %d", HashIdSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// HashIdFromBytes copies a raw digest into a HashId.
func HashIdFromBytes(raw []byte) (HashId, error) {
	var id HashId
	if len(raw) != HashIdSize {
		return id, fmt.Errorf("hash id: want %d bytes, got %d", HashIdSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// IsZero reports whether the id is absent.
func (h HashId) IsZero() bool {
	return h == HashId{}
}

// Bytes returns a copy of the digest.
func (h HashId) Bytes() []byte {
	out := make([]byte, HashIdSize)
	copy(out, h[:])
	return out
}

// String returns the URL-safe base64 form.
func (h HashId) String() string {
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// Short returns a prefix of String for log lines.
func (h HashId) Short() string {
	return h.String()[:8]
}

// Compare orders ids bytewise.
func (h HashId) Compare(other HashId) int {
	return bytes.Compare(h[:], other[:])
}

// MarshalText encodes the id; the zero id encodes as an empty string.
func (h HashId) MarshalText() ([]byte, error) {
	if h.IsZero() {
		return []byte{}, nil
	}
	return []byte(h.String()), nil
}

// UnmarshalText decodes an id; an empty string yields the zero id.
func (h *HashId) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = HashId{}
		return nil
	}
	id, err := ParseHashId(string(text))
	if err != nil {
		return err
	}
	*h = id
	return nil
}
