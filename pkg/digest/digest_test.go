// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package digest

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fattura-firma/pkg/sigerr"
)

func TestParseAcceptsCommonSpellings(t *testing.T) {
	cases := map[string]Algorithm{
		"":              SHA256,
		"sha256":        SHA256,
		"SHA-256":       SHA256,
		"SHA256withRSA": SHA256,
		"sha_384":       SHA384,
		"SHA512":        SHA512,
		"sha1":          SHA1,
	}
	for in, want := range cases {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseRejectsUnknownAlgorithm(t *testing.T) {
	_, err := Parse("md5")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sigerr.ErrUnsupportedAlgorithm))
	assert.Equal(t, sigerr.KindInput, sigerr.KindOf(err))
}

func TestSumIsPureAndMatchesStdlib(t *testing.T) {
	data := []byte("invoice-body")
	first, err := Sum(data, SHA256)
	require.NoError(t, err)
	_, err = Sum([]byte("otro contenido"), SHA512)
	require.NoError(t, err)
	second, err := Sum(data, SHA256)
	require.NoError(t, err)

	want := sha256.Sum256(data)
	assert.Equal(t, want[:], first)
	assert.Equal(t, first, second)
}

func TestSumReaderMatchesSum(t *testing.T) {
	data := bytes.Repeat([]byte("fattura"), 10000)
	for _, alg := range []Algorithm{SHA1, SHA256, SHA384, SHA512} {
		a, err := Sum(data, alg)
		require.NoError(t, err)
		b, err := SumReader(bytes.NewReader(data), alg)
		require.NoError(t, err)
		assert.Equal(t, a, b, string(alg))
		assert.Len(t, a, alg.Size())
	}
}

func TestOIDRoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{SHA1, SHA256, SHA384, SHA512} {
		got, err := FromOID(alg.OID())
		require.NoError(t, err)
		assert.Equal(t, alg, got)
		fromHash, err := FromHash(alg.Hash())
		require.NoError(t, err)
		assert.Equal(t, alg, fromHash)
	}
	_, err := FromHash(crypto.MD5)
	assert.True(t, errors.Is(err, sigerr.ErrUnsupportedAlgorithm))
}

func TestEncode(t *testing.T) {
	sum := []byte{0xde, 0xad, 0xbe, 0xef}
	b64, err := Encode(sum, Base64)
	require.NoError(t, err)
	assert.Equal(t, "3q2+7w==", b64)

	hx, err := Encode(sum, Hex)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", hx)

	_, err = Encode(sum, Encoding("base32"))
	require.Error(t, err)

	enc, err := ParseEncoding("HEX")
	require.NoError(t, err)
	assert.Equal(t, Hex, enc)
}
