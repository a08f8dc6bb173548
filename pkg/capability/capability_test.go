// SPDX-License-Identifier: GPL-3.0-or-later
// Copyright (C) 2026 Diputacion de Granada
// Autor: Alberto Avidad Fernandez (Oficina de Software Libre de la Diputacion de Granada)

package capability

import (
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
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"

	"fattura-firma/pkg/digest"
	"fattura-firma/pkg/sigerr"
)

func testCert(t *testing.T, key crypto.Signer) *x509.Certificate {
	t.Helper()
	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "Firmatario di Prova", Country: []string{"IT"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestLocalSignRSAProducesPKCS1v15(t *testing.T) {
	key := rsaKey(t)
	local, err := NewLocal(testCert(t, key), key)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("invoice-body"))
	sig, err := local.Sign(context.Background(), sum[:], digest.SHA256)
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, sum[:], sig))
}

func TestLocalSignECDSAProducesDER(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	local, err := NewLocal(testCert(t, key), key)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("invoice-body"))
	sig, err := local.Sign(context.Background(), sum[:], digest.SHA256)
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(&key.PublicKey, sum[:], sig))
}

func TestNewLocalRejectsForeignKey(t *testing.T) {
	_, err := NewLocal(testCert(t, rsaKey(t)), rsaKey(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, sigerr.ErrInvalidCertificate))
}

func TestLocalSignValidatesInputAndContext(t *testing.T) {
	key := rsaKey(t)
	local, err := NewLocal(testCert(t, key), key)
	require.NoError(t, err)

	_, err = local.Sign(context.Background(), []byte("corto"), digest.SHA256)
	assert.True(t, errors.Is(err, sigerr.ErrInvalidInput))

	_, err = local.Sign(context.Background(), make([]byte, 16), digest.Algorithm("md5"))
	assert.True(t, errors.Is(err, sigerr.ErrUnsupportedAlgorithm))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = local.Sign(ctx, make([]byte, 32), digest.SHA256)
	assert.True(t, errors.Is(err, sigerr.ErrCapabilityUnavailable))
	assert.Equal(t, sigerr.KindCapability, sigerr.KindOf(err))
}

func TestParsePKCS12(t *testing.T) {
	key := rsaKey(t)
	cert := testCert(t, key)
	pfx, err := pkcs12.Modern.Encode(key, cert, nil, "segreta")
	require.NoError(t, err)

	local, err := ParsePKCS12(pfx, "segreta")
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, local.CertificateBytes())

	_, err = ParsePKCS12(pfx, "sbagliata")
	assert.True(t, errors.Is(err, sigerr.ErrCapabilityUnavailable))
}

func TestParsePEM(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cert := testCert(t, key)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	local, err := ParsePEM(certPEM, keyPEM)
	require.NoError(t, err)
	parsed, err := Certificate(local)
	require.NoError(t, err)
	assert.Equal(t, cert.SerialNumber, parsed.SerialNumber)

	_, err = ParsePEM([]byte("nada"), keyPEM)
	assert.True(t, errors.Is(err, sigerr.ErrInvalidCertificate))
}

func TestRawECDSAToDER(t *testing.T) {
	raw := make([]byte, 64)
	raw[31] = 7
	raw[63] = 9
	der, err := rawECDSAToDER(raw)
	require.NoError(t, err)

	var sig ecdsaSignature
	_, err = asn1.Unmarshal(der, &sig)
	require.NoError(t, err)
	assert.Equal(t, int64(7), sig.R.Int64())
	assert.Equal(t, int64(9), sig.S.Int64())

	again, err := rawECDSAToDER(der)
	require.NoError(t, err)
	assert.Equal(t, der, again)

	_, err = rawECDSAToDER([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, sigerr.ErrSigningFailed))
}

func TestDigestInfoDoesNotAliasPrefix(t *testing.T) {
	before := append([]byte(nil), pkcs1Prefix[crypto.SHA256]...)
	a, ok := digestInfo(crypto.SHA256, make([]byte, 32))
	require.True(t, ok)
	assert.Len(t, a, 19+32)
	assert.Equal(t, before, pkcs1Prefix[crypto.SHA256])

	_, ok = digestInfo(crypto.MD5, nil)
	assert.False(t, ok)
}

func TestPKCS11ModulesDeduplicatesHints(t *testing.T) {
	got := PKCS11Modules([]string{" /a.so ; /b.so", "/a.so", ""})
	assert.Equal(t, []string{"/a.so", "/b.so"}, got)
	assert.NotEmpty(t, PKCS11Modules(nil))
}

func TestSignatureAlgorithmOID(t *testing.T) {
	key := rsaKey(t)
	oid, err := SignatureAlgorithmOID(&key.PublicKey, digest.SHA256)
	require.NoError(t, err)
	assert.Equal(t, "1.2.840.113549.1.1.11", oid)

	ec, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	oid, err = SignatureAlgorithmOID(&ec.PublicKey, digest.SHA384)
	require.NoError(t, err)
	assert.Equal(t, "1.2.840.10045.4.3.3", oid)
}

// fakeCSC is an in-process CSC v1 service backed by key.
func fakeCSC(t *testing.T, key *rsa.PrivateKey, cert *x509.Certificate, pin string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/csc/v1/credentials/info", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"cert": map[string]interface{}{
				"certificates": []string{base64.StdEncoding.EncodeToString(cert.Raw)},
			},
		})
	})
	mux.HandleFunc("/csc/v1/credentials/authorize", func(w http.ResponseWriter, r *http.Request) {
		var req cscAuthorizeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.PIN != pin || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(cscAuthorizeResponse{SAD: "sad-1"})
	})
	mux.HandleFunc("/csc/v1/signatures/signHash", func(w http.ResponseWriter, r *http.Request) {
		var req cscSignHashRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.SAD != "sad-1" || req.HashAlgo != "2.16.840.1.101.3.4.2.1" || req.SignAlgo != "1.2.840.113549.1.1.11" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		h, err := base64.StdEncoding.DecodeString(req.Hash[0])
		require.NoError(t, err)
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(cscSignHashResponse{Signatures: []string{base64.StdEncoding.EncodeToString(sig)}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteHSMSignsThroughCSC(t *testing.T) {
	key := rsaKey(t)
	cert := testCert(t, key)
	srv := fakeCSC(t, key, cert, "1234")

	remote, err := NewRemoteHSM(context.Background(), RemoteOptions{
		ServiceURL:   srv.URL + "/",
		CredentialID: "cred-1",
		Token:        "tok",
		PIN:          "1234",
	})
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, remote.CertificateBytes())

	sum := sha256.Sum256([]byte("invoice-body"))
	sig, err := remote.Sign(context.Background(), sum[:], digest.SHA256)
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, sum[:], sig))
}

func TestRemoteHSMWrongPINIsCapabilityError(t *testing.T) {
	key := rsaKey(t)
	cert := testCert(t, key)
	srv := fakeCSC(t, key, cert, "1234")

	remote, err := NewRemoteHSM(context.Background(), RemoteOptions{
		ServiceURL:   srv.URL,
		CredentialID: "cred-1",
		Token:        "tok",
		PIN:          "0000",
		Certificate:  cert.Raw,
	})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("x"))
	_, err = remote.Sign(context.Background(), sum[:], digest.SHA256)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sigerr.ErrCapabilityUnavailable))
}

func TestRemoteHSMUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRemoteHSM(context.Background(), RemoteOptions{ServiceURL: url, CredentialID: "c"})
	require.Error(t, err)
	assert.Equal(t, sigerr.KindCapability, sigerr.KindOf(err))
}
