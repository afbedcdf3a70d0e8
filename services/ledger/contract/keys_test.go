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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKeysOnce sync.Once
	testKeysSet  []*PrivateKey
)

// testKeys returns four 2048-bit keys shared by the package tests.
func testKeys(t *testing.T) (*PrivateKey, *PrivateKey, *PrivateKey, *PrivateKey) {
	t.Helper()
	testKeysOnce.Do(func() {
		for i := 0; i < 4; i++ {
			k, err := GeneratePrivateKey(KeyBits2048)
			if err != nil {
				panic(err)
			}
			testKeysSet = append(testKeysSet, k)
		}
	})
	return testKeysSet[0], testKeysSet[1], testKeysSet[2], testKeysSet[3]
}

func TestGeneratePrivateKey_RejectsOddSize(t *testing.T) {
	_, err := GeneratePrivateKey(1024)
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestPrivateKey_SignIsDeterministic(t *testing.T) {
	k1, k2, _, _ := testKeys(t)
	data := []byte("ledger body")

	s1, err := k1.Sign(data)
	require.NoError(t, err)
	s2, err := k1.Sign(data)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	assert.True(t, k1.PublicKey().Verify(data, s1))
	assert.False(t, k2.PublicKey().Verify(data, s1))
	assert.False(t, k1.PublicKey().Verify([]byte("other"), s1))
	assert.Equal(t, KeyBits2048, k1.PublicKey().Bits())
}

func TestPrivateKey_PEMRoundTrip(t *testing.T) {
	k1, _, _, _ := testKeys(t)
	pemBytes, err := k1.MarshalPEM()
	require.NoError(t, err)

	parsed, err := ParsePrivateKeyPEM(pemBytes)
	require.NoError(t, err)
	assert.True(t, parsed.PublicKey().Equal(k1.PublicKey()))

	_, err = ParsePrivateKeyPEM([]byte("not pem"))
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestPublicKey_TextRoundTrip(t *testing.T) {
	k1, _, _, _ := testKeys(t)
	text, err := k1.PublicKey().MarshalText()
	require.NoError(t, err)

	var pk PublicKey
	require.NoError(t, pk.UnmarshalText(text))
	assert.True(t, pk.Equal(k1.PublicKey()))
	assert.Equal(t, k1.PublicKey().Fingerprint(), pk.Fingerprint())
}

func TestKeySet(t *testing.T) {
	k1, k2, k3, _ := testKeys(t)
	s := NewKeySet(k1.PublicKey(), k2.PublicKey(), k1.PublicKey())
	assert.Len(t, s, 2)
	assert.True(t, s.Contains(k2.PublicKey()))
	assert.False(t, s.Contains(k3.PublicKey()))
	assert.True(t, s.ContainsAll([]*PublicKey{k1.PublicKey(), k2.PublicKey()}))
	assert.False(t, s.ContainsAll([]*PublicKey{k1.PublicKey(), k3.PublicKey()}))
	assert.Len(t, s.Slice(), 2)
}

func TestHashId(t *testing.T) {
	a := HashOf([]byte("one"))
	b := HashOf([]byte("one"))
	c := HashOf([]byte("two"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsZero())
	assert.True(t, HashId{}.IsZero())

	parsed, err := ParseHashId(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = ParseHashId("short")
	assert.Error(t, err)

	var zero HashId
	text, err := zero.MarshalText()
	require.NoError(t, err)
	assert.Empty(t, text)
	require.NoError(t, zero.UnmarshalText(nil))
	assert.True(t, zero.IsZero())

	assert.NotEqual(t, RandomHashId(), RandomHashId())
}
