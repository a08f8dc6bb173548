// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package tsd

import (
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"testing"

	"github.com/digitorus/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
	"fattura-firma/pkg/tsa"
	"fattura-firma/pkg/tsa/tsatest"
)

func grantedTSR(t *testing.T, cades []byte) []byte {
	t.Helper()
	authority, err := tsatest.NewAuthority()
	require.NoError(t, err)
	sum := sha256.Sum256(cades)
	req, err := tsa.BuildRequest(sum[:], digest.SHA256)
	require.NoError(t, err)
	tsr, err := authority.Respond(req)
	require.NoError(t, err)
	return tsr
}

type tsrEnvelope struct {
	Status asn1.RawValue
	Token  asn1.RawValue
}

type timeStampedData struct {
	ContentType asn1.ObjectIdentifier
	Body        struct {
		Version  int
		Content  []byte
		Evidence asn1.RawValue `asn1:"tag:0"`
	} `asn1:"explicit,tag:0"`
}

func TestBuildTsdShape(t *testing.T) {
	cades := []byte("firma CAdES fittizia")
	tsr := grantedTSR(t, cades)

	out, err := BuildTsd(tsr, cades)
	require.NoError(t, err)

	var decoded timeStampedData
	rest, err := asn1.Unmarshal(out, &decoded)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.True(t, decoded.ContentType.Equal(OIDTimeStampedData))
	assert.Equal(t, 1, decoded.Body.Version)
	assert.Equal(t, cades, decoded.Body.Content)
	assert.True(t, decoded.Body.Evidence.IsCompound)

	var env tsrEnvelope
	_, err = asn1.Unmarshal(tsr, &env)
	require.NoError(t, err)
	assert.Equal(t, env.Token.FullBytes, decoded.Body.Evidence.Bytes, "la evidencia es la respuesta sin PKIStatusInfo")
}

func TestInspectReturnsContentAndToken(t *testing.T) {
	cades := []byte("firma CAdES fittizia")
	out, err := BuildTsd(grantedTSR(t, cades), cades)
	require.NoError(t, err)

	c, err := Inspect(out)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Version)
	assert.Equal(t, cades, c.Content)
	require.Len(t, c.Evidence, 1)

	ts, err := timestamp.Parse(c.Evidence[0])
	require.NoError(t, err)
	sum := sha256.Sum256(cades)
	assert.Equal(t, sum[:], ts.HashedMessage)
}

func TestBuildTsdRejectsInvalidResponses(t *testing.T) {
	cades := []byte("x")
	rejected, err := tsatest.StatusResponse(tsa.StatusRejection, "no", 2)
	require.NoError(t, err)
	notStatus, err := asn1.Marshal(struct{ A, B asn1.ObjectIdentifier }{asn1.ObjectIdentifier{1, 2}, asn1.ObjectIdentifier{1, 3}})
	require.NoError(t, err)
	integer, err := asn1.Marshal(5)
	require.NoError(t, err)

	cases := map[string][]byte{
		"vacia":           nil,
		"basura":          []byte("not der"),
		"no secuencia":    integer,
		"sin status":      notStatus,
		"sin token":       rejected,
		"bytes sobrantes": append(append([]byte{}, rejected...), 0x00),
	}
	for name, tsr := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := BuildTsd(tsr, cades)
			require.Error(t, err)
			assert.True(t, errors.Is(err, sigerr.ErrInvalidTSR), "%v", err)
			assert.Equal(t, sigerr.KindProtocol, sigerr.KindOf(err))
		})
	}
}

func TestBuildTsdRequiresContent(t *testing.T) {
	_, err := BuildTsd(grantedTSR(t, []byte("x")), nil)
	assert.True(t, errors.Is(err, sigerr.ErrInvalidInput))
}

func TestInspectRejectsOtherContent(t *testing.T) {
	other, err := asn1.Marshal(struct{ OID asn1.ObjectIdentifier }{asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}})
	require.NoError(t, err)
	_, err = Inspect(other)
	assert.True(t, errors.Is(err, sigerr.ErrMalformedCMS))

	_, err = Inspect([]byte{0x01})
	assert.True(t, errors.Is(err, sigerr.ErrMalformedCMS))
}
