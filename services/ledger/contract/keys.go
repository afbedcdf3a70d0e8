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
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sort"
)

// Supported key sizes.
const (
	KeyBits2048 = 2048
	KeyBits4096 = 4096
)

// PrivateKey signs contracts.
type PrivateKey struct {
	key *rsa.PrivateKey
	pub *PublicKey
}

// GeneratePrivateKey creates a new RSA key of the given size.
func GeneratePrivateKey(bits int) (*PrivateKey, error) {
	if bits != KeyBits2048 && bits != KeyBits4096 {
		return nil, fmt.Errorf("%w: unsupported size %d", ErrBadKey, bits)
	}
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return wrapPrivate(k)
}

func wrapPrivate(k *rsa.PrivateKey) (*PrivateKey, error) {
	pub, err := newPublicKey(&k.PublicKey)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: k, pub: pub}, nil
}

// ParsePrivateKeyPEM decodes a PKCS#8 or PKCS#1 PEM block.
func ParsePrivateKeyPEM(data []byte) (*PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrBadKey)
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return wrapPrivate(k)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrBadKey)
	}
	return wrapPrivate(k)
}

// MarshalPEM encodes the key as a PKCS#8 PEM block.
func (k *PrivateKey) MarshalPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// PublicKey returns the matching public key.
func (k *PrivateKey) PublicKey() *PublicKey {
	return k.pub
}

// Sign signs data with PKCS#1 v1.5 over SHA-256.
//
// The scheme is deterministic, so sealing identical content with identical
// keys yields an identical binary and id.
func (k *PrivateKey) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(nil, k.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// PublicKey verifies signatures and identifies parties in roles.
type PublicKey struct {
	key    *rsa.PublicKey
	packed []byte
}

func newPublicKey(k *rsa.PublicKey) (*PublicKey, error) {
	der, err := x509.MarshalPKIXPublicKey(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return &PublicKey{key: k, packed: der}, nil
}

// ParsePublicKey decodes the packed (PKIX DER) form.
func ParsePublicKey(packed []byte) (*PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(packed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	k, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrBadKey)
	}
	return &PublicKey{key: k, packed: bytes.Clone(packed)}, nil
}

// ParsePublicKeyString decodes the base64 form produced by String.
func ParsePublicKeyString(s string) (*PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return ParsePublicKey(raw)
}

// Packed returns the PKIX DER encoding.
func (p *PublicKey) Packed() []byte {
	return bytes.Clone(p.packed)
}

// Bits returns the modulus size.
func (p *PublicKey) Bits() int {
	return p.key.N.BitLen()
}

// Equal reports whether two keys are the same.
func (p *PublicKey) Equal(other *PublicKey) bool {
	if p == nil || other == nil {
		return p == other
	}
	return bytes.Equal(p.packed, other.packed)
}

// String returns the base64 of the packed form.
func (p *PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(p.packed)
}

// Fingerprint returns a short stable identifier for logs and whitelists.
func (p *PublicKey) Fingerprint() string {
	sum := sha256.Sum256(p.packed)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify checks a signature made by Sign.
func (p *PublicKey) Verify(data, sig []byte) bool {
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(p.key, crypto.SHA256, digest[:], sig) == nil
}

// MarshalText encodes the key as base64.
func (p *PublicKey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a base64 key.
func (p *PublicKey) UnmarshalText(text []byte) error {
	k, err := ParsePublicKeyString(string(text))
	if err != nil {
		return err
	}
	*p = *k
	return nil
}

// PublicKeys maps private keys to their public halves.
func PublicKeys(keys []*PrivateKey) []*PublicKey {
	out := make([]*PublicKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.PublicKey())
	}
	return out
}

// KeySet is an unordered set of public keys.
type KeySet map[string]*PublicKey

// NewKeySet builds a set from keys.
func NewKeySet(keys ...*PublicKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Add inserts a key.
func (s KeySet) Add(k *PublicKey) {
	if k != nil {
		s[string(k.packed)] = k
	}
}

// Contains reports membership.
func (s KeySet) Contains(k *PublicKey) bool {
	if k == nil {
		return false
	}
	_, ok := s[string(k.packed)]
	return ok
}

// ContainsAll reports whether every key is in the set.
func (s KeySet) ContainsAll(keys []*PublicKey) bool {
	for _, k := range keys {
		if !s.Contains(k) {
			return false
		}
	}
	return true
}

// Slice returns the keys in a stable order.
func (s KeySet) Slice() []*PublicKey {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*PublicKey, 0, len(names))
	for _, n := range names {
		out = append(out, s[n])
	}
	return out
}
