// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package cades

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fattura-firma/pkg/capability"
	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
)

func testLocal(t *testing.T, key crypto.Signer) *capability.Local {
	t.Helper()
	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(4242),
		Subject:      pkix.Name{CommonName: "Mario Rossi", Country: []string{"IT"}},
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

func rsaLocal(t *testing.T) *capability.Local {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return testLocal(t, key)
}

func attributeValue(t *testing.T, msg *SignedMessage, oid asn1.ObjectIdentifier) []byte {
	t.Helper()
	var set asn1.RawValue
	_, err := asn1.Unmarshal(msg.SignedAttributes, &set)
	require.NoError(t, err)
	attrs, err := parseCMSAttributes(set.Bytes)
	require.NoError(t, err)
	a, ok := findAttribute(attrs, oid)
	require.True(t, ok, "atributo %s ausente", oid)
	return a.Value.Bytes
}

func TestSignCadesRoundTripRSA(t *testing.T) {
	local := rsaLocal(t)
	content := []byte("<FatturaElettronica>corpo</FatturaElettronica>")

	msg, err := SignCades(context.Background(), content, local, digest.SHA256)
	require.NoError(t, err)

	v, err := VerifyCades(msg.DER)
	require.NoError(t, err)
	assert.Equal(t, content, v.Content)
	require.Len(t, v.Signers, 1)
	assert.Equal(t, digest.SHA256, v.Signers[0].DigestAlgorithm)
	assert.True(t, v.Signers[0].HasSigningCertificate)
	assert.Equal(t, "Mario Rossi", v.Signers[0].Certificate.Subject.CommonName)

	got, err := ExtractOriginal(msg.DER)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSignCadesRoundTripECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	local := testLocal(t, key)

	msg, err := SignCades(context.Background(), []byte("contenuto"), local, digest.SHA384)
	require.NoError(t, err)
	assert.Equal(t, asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}, msg.SignatureAlgorithm)

	v, err := VerifyCades(msg.DER)
	require.NoError(t, err)
	assert.Equal(t, []byte("contenuto"), v.Content)
	assert.Equal(t, digest.SHA384, v.Signers[0].DigestAlgorithm)
}

func TestMessageDigestMatchesContentHash(t *testing.T) {
	msg, err := SignCades(context.Background(), []byte("invoice-body"), rsaLocal(t), digest.SHA256)
	require.NoError(t, err)

	var md []byte
	_, err = asn1.Unmarshal(attributeValue(t, msg, oidAttrMessageDigest), &md)
	require.NoError(t, err)
	want := sha256.Sum256([]byte("invoice-body"))
	assert.Equal(t, want[:], md)

	var ct asn1.ObjectIdentifier
	_, err = asn1.Unmarshal(attributeValue(t, msg, oidAttrContentType), &ct)
	require.NoError(t, err)
	assert.True(t, ct.Equal(oidContentTypeData))
}

func TestSigningCertificateV2OmitsDefaultHash(t *testing.T) {
	local := rsaLocal(t)
	cert, err := capability.Certificate(local)
	require.NoError(t, err)

	msg, err := SignCades(context.Background(), []byte("x"), local, digest.SHA256)
	require.NoError(t, err)
	var sc essSigningCertificateV2
	_, err = asn1.Unmarshal(attributeValue(t, msg, oidAttrSigningCertificateV2), &sc)
	require.NoError(t, err)
	require.Len(t, sc.Certs, 1)
	assert.Empty(t, sc.Certs[0].HashAlgorithm.Algorithm)
	certHash := sha256.Sum256(cert.Raw)
	assert.Equal(t, certHash[:], sc.Certs[0].CertHash)
	assert.Equal(t, 0, sc.Certs[0].IssuerSerial.SerialNumber.Cmp(cert.SerialNumber))
	assert.Equal(t, cert.RawIssuer, sc.Certs[0].IssuerSerial.IssuerName.Name.Bytes)

	msg, err = SignCades(context.Background(), []byte("x"), local, digest.SHA512)
	require.NoError(t, err)
	_, err = asn1.Unmarshal(attributeValue(t, msg, oidAttrSigningCertificateV2), &sc)
	require.NoError(t, err)
	assert.True(t, sc.Certs[0].HashAlgorithm.Algorithm.Equal(digest.SHA512.OID()))
}

func TestCompareCertHashChecksIssuerSerial(t *testing.T) {
	cert, err := capability.Certificate(rsaLocal(t))
	require.NoError(t, err)
	sum := sha256.Sum256(cert.Raw)

	require.NoError(t, compareCertHash(cert, digest.SHA256, sum[:], newIssuerSerial(cert)))
	require.NoError(t, compareCertHash(cert, digest.SHA256, sum[:], essIssuerSerial{}))

	otherIssuer, err := asn1.Marshal(pkix.Name{CommonName: "Altra CA", Country: []string{"IT"}}.ToRDNSequence())
	require.NoError(t, err)
	wrongName := newIssuerSerial(cert)
	wrongName.IssuerName.Name.Bytes = otherIssuer
	err = compareCertHash(cert, digest.SHA256, sum[:], wrongName)
	assert.True(t, errors.Is(err, sigerr.ErrDigestMismatch))

	wrongSerial := newIssuerSerial(cert)
	wrongSerial.SerialNumber = new(big.Int).Add(cert.SerialNumber, big.NewInt(1))
	err = compareCertHash(cert, digest.SHA256, sum[:], wrongSerial)
	assert.True(t, errors.Is(err, sigerr.ErrDigestMismatch))

	// Round trip through DER, as read from a signed attribute.
	der, err := asn1.Marshal(wrongName)
	require.NoError(t, err)
	var parsed essIssuerSerial
	_, err = asn1.Unmarshal(der, &parsed)
	require.NoError(t, err)
	err = compareCertHash(cert, digest.SHA256, sum[:], parsed)
	assert.True(t, errors.Is(err, sigerr.ErrDigestMismatch))
}

func TestSigningTimeUsesInjectedClock(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 500, time.UTC)
	engine := NewEngine(clockwork.NewFakeClockAt(at))

	local := rsaLocal(t)
	msg, err := engine.Sign(context.Background(), []byte("x"), local, digest.SHA256)
	require.NoError(t, err)
	assert.Equal(t, at.Truncate(time.Second), msg.SigningTime)

	var st time.Time
	_, err = asn1.Unmarshal(attributeValue(t, msg, oidAttrSigningTime), &st)
	require.NoError(t, err)
	assert.True(t, st.Equal(at.Truncate(time.Second)))
}

func TestTamperedContentIsCryptoMismatch(t *testing.T) {
	content := []byte("importo totale 1000.00 EUR")
	msg, err := SignCades(context.Background(), content, rsaLocal(t), digest.SHA256)
	require.NoError(t, err)

	idx := bytes.Index(msg.DER, content)
	require.Greater(t, idx, 0)
	for _, off := range []int{0, 8, len(content) - 1} {
		tampered := append([]byte(nil), msg.DER...)
		tampered[idx+off] ^= 0x01
		_, err := VerifyCades(tampered)
		require.Error(t, err)
		assert.Equal(t, sigerr.KindCryptoMismatch, sigerr.KindOf(err))
		assert.True(t, errors.Is(err, sigerr.ErrDigestMismatch))
	}
}

func TestTamperedSignatureIsSignatureInvalid(t *testing.T) {
	msg, err := SignCades(context.Background(), []byte("x"), rsaLocal(t), digest.SHA256)
	require.NoError(t, err)

	idx := bytes.Index(msg.DER, msg.Signature)
	require.Greater(t, idx, 0)
	tampered := append([]byte(nil), msg.DER...)
	tampered[idx+10] ^= 0xff
	_, err = VerifyCades(tampered)
	assert.True(t, errors.Is(err, sigerr.ErrSignatureInvalid))
	assert.Equal(t, sigerr.KindCryptoMismatch, sigerr.KindOf(err))
}

func TestVerifyCadesRejectsMalformedInput(t *testing.T) {
	for name, in := range map[string][]byte{
		"vacio":    nil,
		"basura":   []byte("non e un CMS"),
		"no-sd":    mustMarshal(t, cmsContentInfo{ContentType: oidContentTypeData}),
		"sobrante": append(mustSign(t), 0x00),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := VerifyCades(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, sigerr.ErrMalformedCMS))
			assert.Equal(t, sigerr.KindProtocol, sigerr.KindOf(err))
		})
	}
}

func TestSignCadesRejectsUnknownAlgorithm(t *testing.T) {
	_, err := SignCades(context.Background(), []byte("x"), rsaLocal(t), digest.Algorithm("md5"))
	assert.True(t, errors.Is(err, sigerr.ErrUnsupportedAlgorithm))
}

func TestSignCadesPropagatesCapabilityFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SignCades(ctx, []byte("x"), rsaLocal(t), digest.SHA256)
	assert.True(t, errors.Is(err, sigerr.ErrCapabilityUnavailable))
}

func TestSignedMessageReadableByPKCS7(t *testing.T) {
	content := []byte("invoice-body")
	msg, err := SignCades(context.Background(), content, rsaLocal(t), digest.SHA256)
	require.NoError(t, err)

	p7, err := pkcs7.Parse(msg.DER)
	require.NoError(t, err)
	assert.Equal(t, content, p7.Content)
	require.NoError(t, p7.Verify())
	require.Len(t, p7.Certificates, 1)
	assert.Equal(t, msg.Certificate.Raw, p7.Certificates[0].Raw)
}

func TestEncapsulatedContentAcceptsConstructedOctetString(t *testing.T) {
	seg1, err := asn1.Marshal([]byte("fattura-"))
	require.NoError(t, err)
	seg2, err := asn1.Marshal([]byte("elettronica"))
	require.NoError(t, err)
	constructed, err := asn1.Marshal(asn1.RawValue{Tag: asn1.TagOctetString, IsCompound: true, Bytes: append(seg1, seg2...)})
	require.NoError(t, err)

	got, err := encapsulatedContent(cmsContentInfo{
		ContentType: oidContentTypeData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: constructed, FullBytes: []byte{0}},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("fattura-elettronica"), got)

	_, err = encapsulatedContent(cmsContentInfo{ContentType: oidContentTypeData})
	assert.True(t, errors.Is(err, sigerr.ErrMalformedCMS))
}

func mustSign(t *testing.T) []byte {
	t.Helper()
	msg, err := SignCades(context.Background(), []byte("x"), rsaLocal(t), digest.SHA256)
	require.NoError(t, err)
	return msg.DER
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := asn1.Marshal(v)
	require.NoError(t, err)
	return b
}
