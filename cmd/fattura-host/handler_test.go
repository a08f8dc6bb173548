// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fattura-firma/pkg/capability"
	"fattura-firma/pkg/config"
	"fattura-firma/pkg/protocol"
	"fattura-firma/pkg/signer"
	"fattura-firma/pkg/tsa/tsatest"
	"fattura-firma/pkg/tsd"
	"fattura-firma/pkg/version"
)

func testCapability(t *testing.T) *capability.Local {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "VERDI ANNA", Organization: []string{"Comune di Prova"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	local, err := capability.NewLocal(cert, key)
	require.NoError(t, err)
	return local
}

func withCapability(t *testing.T, c capability.Capability) {
	t.Helper()
	orig := openCapabilityFunc
	t.Cleanup(func() { openCapabilityFunc = orig })
	openCapabilityFunc = func(context.Context, *config.Config, string, string) (capability.Capability, error) {
		return c, nil
	}
}

func call(t *testing.T, h *Handler, req map[string]interface{}) []protocol.Response {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	var out []protocol.Response
	for _, part := range h.Handle(context.Background(), payload) {
		var resp protocol.Response
		require.NoError(t, json.Unmarshal(part, &resp))
		out = append(out, resp)
	}
	return out
}

func callOne(t *testing.T, h *Handler, req map[string]interface{}) protocol.Response {
	t.Helper()
	out := call(t, h, req)
	require.Len(t, out, 1)
	return out[0]
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestPing(t *testing.T) {
	resp := callOne(t, NewHandler(config.Default()), map[string]interface{}{"requestId": 7, "action": "ping"})
	assert.True(t, resp.Success)
	assert.Equal(t, "7", resp.RequestID)
	assert.Equal(t, version.CurrentVersion, resp.Version)
}

func TestMissingRequestIDGetsOne(t *testing.T) {
	resp := callOne(t, NewHandler(config.Default()), map[string]interface{}{"action": "ping"})
	assert.Len(t, resp.RequestID, 36)
}

func TestInvalidJSONAndUnknownAction(t *testing.T) {
	h := NewHandler(config.Default())
	parts := h.Handle(context.Background(), []byte("{no json"))
	require.Len(t, parts, 1)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(parts[0], &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "InvalidInput", resp.ErrorReason)

	resp = callOne(t, h, map[string]interface{}{"requestId": "x", "action": "countersign"})
	assert.False(t, resp.Success)
	assert.Equal(t, "InputError", resp.ErrorKind)
	assert.Contains(t, resp.Error, "countersign")
}

func TestHashAction(t *testing.T) {
	sum := sha256.Sum256([]byte("invoice-body"))
	resp := callOne(t, NewHandler(config.Default()), map[string]interface{}{
		"requestId": "h1", "action": "hash", "data": b64("invoice-body"), "encoding": "hex",
	})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, hex.EncodeToString(sum[:]), resp.Digest)

	resp = callOne(t, NewHandler(config.Default()), map[string]interface{}{
		"requestId": "h2", "action": "hash", "data": "%%%",
	})
	assert.False(t, resp.Success)
	assert.Equal(t, "InvalidInput", resp.ErrorReason)
}

func TestCheckNameAction(t *testing.T) {
	h := NewHandler(config.Default())
	resp := callOne(t, h, map[string]interface{}{"requestId": "n1", "action": "checkName", "fileName": "IT01234567890_00001.xml.p7m"})
	assert.True(t, resp.Success, resp.Error)

	resp = callOne(t, h, map[string]interface{}{"requestId": "n2", "action": "checkName", "fileName": "fattura.xml"})
	assert.False(t, resp.Success)
	assert.Equal(t, "InvalidFileName", resp.ErrorReason)
	assert.Equal(t, "InputError", resp.ErrorKind)
}

func TestSignVerifyExtractActions(t *testing.T) {
	withCapability(t, testCapability(t))
	h := NewHandler(config.Default())

	signed := callOne(t, h, map[string]interface{}{
		"requestId": "s1", "action": "sign", "data": b64("invoice-body"), "format": "cades",
	})
	require.True(t, signed.Success, signed.Error)
	assert.Equal(t, len(signed.Data), signed.DataLen)

	verified := callOne(t, h, map[string]interface{}{
		"requestId": "v1", "action": "verify", "data": signed.Data, "fileName": "doc.p7m",
	})
	require.True(t, verified.Success, verified.Error)
	require.Len(t, verified.Signatures, 1)
	sig := verified.Signatures[0]
	assert.Equal(t, 1, sig.Index)
	assert.True(t, sig.Valid)
	assert.Equal(t, "VERDI ANNA", sig.SignerName)
	assert.Equal(t, "Comune di Prova", sig.SignerOrg)
	assert.Equal(t, "cades", sig.Format)
	assert.Equal(t, "sha256", sig.Algorithm)
	assert.NotEmpty(t, sig.SigningTime)

	extracted := callOne(t, h, map[string]interface{}{"requestId": "e1", "action": "extract", "data": signed.Data})
	require.True(t, extracted.Success, extracted.Error)
	assert.Equal(t, b64("invoice-body"), extracted.Data)
}

func TestVerifyActionReportsInvalidSignatures(t *testing.T) {
	withCapability(t, testCapability(t))
	h := NewHandler(config.Default())
	doc := `<?xml version="1.0" encoding="UTF-8"?><fattura><importo>10.00</importo></fattura>`

	signed := callOne(t, h, map[string]interface{}{"requestId": "s1", "action": "sign", "data": b64(doc), "format": "xades"})
	require.True(t, signed.Success, signed.Error)
	raw, err := base64.StdEncoding.DecodeString(signed.Data)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "10.00", "99.00", 1)

	resp := callOne(t, h, map[string]interface{}{"requestId": "v1", "action": "verify", "data": b64(tampered), "fileName": "f_signed.xml"})
	assert.False(t, resp.Success)
	assert.Equal(t, "CryptoMismatchError", resp.ErrorKind)
	require.Len(t, resp.Signatures, 1)
	assert.False(t, resp.Signatures[0].Valid)
	assert.NotEmpty(t, resp.Signatures[0].Reason)
}

func TestSignActionChunksLargeOutput(t *testing.T) {
	withCapability(t, testCapability(t))
	h := NewHandler(config.Default())
	h.chunkSize = 100

	parts := call(t, h, map[string]interface{}{"requestId": "big", "action": "sign", "data": b64(strings.Repeat("x", 500)), "format": "cades"})
	require.Greater(t, len(parts), 1)
	var joined strings.Builder
	for i, p := range parts {
		assert.Equal(t, "big", p.RequestID)
		assert.Equal(t, i, p.Chunk)
		assert.Equal(t, len(parts), p.TotalChunks)
		joined.WriteString(p.Data)
	}
	assert.Equal(t, parts[0].DataLen, joined.Len())

	raw, err := base64.StdEncoding.DecodeString(joined.String())
	require.NoError(t, err)
	rep, err := signer.VerifyBytes("", raw)
	require.NoError(t, err)
	assert.True(t, rep.Valid())
}

func TestSignActionWithoutCertificate(t *testing.T) {
	resp := callOne(t, NewHandler(config.Default()), map[string]interface{}{"requestId": "s", "action": "sign", "data": b64("x")})
	assert.False(t, resp.Success)
	assert.Equal(t, "CapabilityUnavailable", resp.ErrorReason)
	assert.Equal(t, "CapabilityError", resp.ErrorKind)
}

func TestTimestampAndTsdActions(t *testing.T) {
	authority, err := tsatest.NewAuthority()
	require.NoError(t, err)
	srv := httptest.NewServer(authority.Handler())
	defer srv.Close()

	withCapability(t, testCapability(t))
	cfg := config.Default()
	h := NewHandler(cfg)

	signed := callOne(t, h, map[string]interface{}{"requestId": "s", "action": "sign", "data": b64("invoice-body"), "format": "cades"})
	require.True(t, signed.Success, signed.Error)

	stamped := callOne(t, h, map[string]interface{}{
		"requestId": "t", "action": "timestamp", "data": signed.Data,
		"tsaUrl": srv.URL, "tsaUser": "utente", "tsaPassword": "segreto",
	})
	require.True(t, stamped.Success, stamped.Error)
	user, pass := authority.LastAuth()
	assert.Equal(t, "utente", user)
	assert.Equal(t, "segreto", pass)

	built := callOne(t, h, map[string]interface{}{"requestId": "d", "action": "tsd", "data": stamped.Data, "signature": signed.Data})
	require.True(t, built.Success, built.Error)
	raw, err := base64.StdEncoding.DecodeString(built.Data)
	require.NoError(t, err)
	container, err := tsd.Inspect(raw)
	require.NoError(t, err)
	p7m, err := base64.StdEncoding.DecodeString(signed.Data)
	require.NoError(t, err)
	assert.Equal(t, p7m, container.Content)

	missing := callOne(t, h, map[string]interface{}{"requestId": "d2", "action": "tsd", "data": stamped.Data})
	assert.False(t, missing.Success)
	assert.Equal(t, "InvalidInput", missing.ErrorReason)
}

func TestTimestampActionWithoutURL(t *testing.T) {
	resp := callOne(t, NewHandler(config.Default()), map[string]interface{}{"requestId": "t", "action": "timestamp", "data": b64("x")})
	assert.False(t, resp.Success)
	assert.Equal(t, "InvalidInput", resp.ErrorReason)
}
